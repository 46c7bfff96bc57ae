package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/foxzi/courier/internal/credstore"
	"github.com/foxzi/courier/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGateway struct {
	mu        sync.Mutex
	starts    []startRequest
	sends     []sendRequest
	stops     int
	authHdr   string
	sendError int
}

func (f *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.starts = append(f.starts, req)
		f.authHdr = r.Header.Get("Authorization")
		f.mu.Unlock()
		json.NewEncoder(w).Encode(startResponse{Status: "starting", Token: "tok-" + r.PathValue("id"), QR: "2@qr"})
	})
	mux.HandleFunc("POST /sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.sendError != 0 {
			w.WriteHeader(f.sendError)
			json.NewEncoder(w).Encode(errorResponse{Error: "number not on network"})
			return
		}
		f.sends = append(f.sends, req)
		json.NewEncoder(w).Encode(sendResponse{ID: "wamid-1"})
	})
	mux.HandleFunc("POST /sessions/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.stops++
		f.mu.Unlock()
		if r.PathValue("id") == "gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newTestGateway(t *testing.T, f *fakeGateway) (*Gateway, *credstore.Store) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	creds, err := credstore.Open(filepath.Join(t.TempDir(), "creds.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { creds.Close() })

	gw := New(Config{BaseURL: srv.URL + "/", APIKey: "secret", WebhookURL: "http://courier/webhooks/events"}, creds, testLogger())
	return gw, creds
}

func TestInitializeStoresTokenAndEmitsScan(t *testing.T) {
	f := &fakeGateway{}
	gw, creds := newTestGateway(t, f)

	var events []transport.Event
	client, err := gw.Factory()("s1", func(e transport.Event) { events = append(events, e) })
	if err != nil {
		t.Fatal(err)
	}

	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	stored, _ := creds.Get("s1")
	if stored == nil || stored.Token != "tok-s1" {
		t.Errorf("stored credentials = %+v", stored)
	}
	if len(events) != 1 || events[0].Kind != transport.EventScan || events[0].ScanPayload != "2@qr" {
		t.Errorf("events = %+v", events)
	}
	if f.authHdr != "Bearer secret" {
		t.Errorf("Authorization = %q", f.authHdr)
	}

	// Second start resumes with the stored token
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.starts[1].Token != "tok-s1" || f.starts[1].WebhookURL == "" {
		t.Errorf("second start = %+v", f.starts[1])
	}
}

func TestSend(t *testing.T) {
	f := &fakeGateway{}
	gw, _ := newTestGateway(t, f)
	client, _ := gw.Factory()("s1", nil)

	id, err := client.Send(context.Background(), "555", "hello", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id != "wamid-1" {
		t.Errorf("Send() id = %q", id)
	}
	if len(f.sends) != 1 || f.sends[0].To != "555" || f.sends[0].Text != "hello" {
		t.Errorf("sends = %+v", f.sends)
	}
}

func TestSendRejected(t *testing.T) {
	f := &fakeGateway{sendError: http.StatusUnprocessableEntity}
	gw, _ := newTestGateway(t, f)
	client, _ := gw.Factory()("s1", nil)

	_, err := client.Send(context.Background(), "555", "hello", nil)
	if !errors.Is(err, transport.ErrSendFailed) {
		t.Errorf("Send() error = %v, want ErrSendFailed", err)
	}
}

func TestSendServerErrorIsNotSendFailed(t *testing.T) {
	f := &fakeGateway{sendError: http.StatusBadGateway}
	gw, _ := newTestGateway(t, f)
	client, _ := gw.Factory()("s1", nil)

	_, err := client.Send(context.Background(), "555", "hello", nil)
	if err == nil || errors.Is(err, transport.ErrSendFailed) {
		t.Errorf("Send() error = %v", err)
	}
}

func TestDestroyIgnoresUnknownSession(t *testing.T) {
	f := &fakeGateway{}
	gw, _ := newTestGateway(t, f)

	client, _ := gw.Factory()("gone", nil)
	if err := client.Destroy(context.Background()); err != nil {
		t.Errorf("Destroy() error = %v", err)
	}
	if f.stops != 1 {
		t.Errorf("stops = %d", f.stops)
	}
}

func TestFactoryRequiresSessionID(t *testing.T) {
	gw := New(Config{BaseURL: "http://localhost"}, nil, testLogger())
	if _, err := gw.Factory()("", nil); err == nil {
		t.Error("Factory() with empty id should fail")
	}
}

func TestLimiterConfigured(t *testing.T) {
	gw := New(Config{BaseURL: "http://localhost", RequestsPerSecond: 2}, nil, testLogger())
	if gw.limiter == nil {
		t.Fatal("limiter not configured")
	}
	if gw.limiter.Burst() != 1 {
		t.Errorf("Burst() = %d, want 1", gw.limiter.Burst())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := gw.request(ctx, http.MethodGet, "/", nil, nil); err == nil {
		t.Error("request() with cancelled context should fail")
	}
}
