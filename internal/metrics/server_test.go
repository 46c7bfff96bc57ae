package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServerHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.MessagesSentTotal.WithLabelValues("s1").Inc()

	s := NewServer(m, "", "", []string{"10.0.0.0/8"}, logger)
	if s.addr != ":9090" || s.path != "/metrics" {
		t.Errorf("defaults = %s %s", s.addr, s.path)
	}
	h := s.Handler()

	tests := []struct {
		path   string
		remote string
		want   int
	}{
		{"/metrics", "10.0.0.1:1234", http.StatusOK},
		{"/metrics", "192.168.1.1:1234", http.StatusForbidden},
		{"/health", "192.168.1.1:1234", http.StatusOK},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, tt.path, nil)
		r.RemoteAddr = tt.remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		if rec.Code != tt.want {
			t.Errorf("%s from %s = %d, want %d", tt.path, tt.remote, rec.Code, tt.want)
		}
		if tt.path == "/metrics" && rec.Code == http.StatusOK && !strings.Contains(rec.Body.String(), "courier_messages_sent_total") {
			t.Error("metrics output missing courier_messages_sent_total")
		}
	}
}
