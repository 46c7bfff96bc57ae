package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/courier/internal/ack"
	"github.com/foxzi/courier/internal/config"
	"github.com/foxzi/courier/internal/db"
	"github.com/foxzi/courier/internal/dispatch"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/repository"
	"github.com/foxzi/courier/internal/session"
	"github.com/foxzi/courier/internal/transport/sandbox"
)

const (
	testAPIKey        = "test-api-key"
	testWebhookSecret = "hook-secret"
)

type testEnv struct {
	server *Server
	db     *db.DB
	hub    *sandbox.Hub
}

func setupTestServer(t *testing.T, failLoud bool) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	d, err := db.New(filepath.Join(t.TempDir(), "courier.db"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })

	sessions := repository.NewSessionRepository(d)
	contacts := repository.NewContactRepository(d)
	campaigns := repository.NewCampaignRepository(d)
	messages := repository.NewMessageRepository(d)
	conversations := repository.NewConversationRepository(d)
	acks := ack.New(messages, logger)

	hub := sandbox.NewHub(sandbox.Options{}, logger)
	registry := session.NewRegistry(session.Config{
		MaxRestarts:   5,
		RestartDelay:  time.Hour,
		PersistPolicy: session.PersistLog,
	}, sessions, hub.Factory(), logger)
	registry.SetReceiptHandler(acks)
	registry.SetInboundHandler(conversations)
	t.Cleanup(func() { registry.Shutdown(context.Background()) })

	zero := dispatch.Tier{}
	engine := dispatch.New(dispatch.Config{Tiers: map[string]dispatch.Tier{
		models.SpeedSlow: zero, models.SpeedMedium: zero, models.SpeedFast: zero,
	}}, campaigns, messages, contacts, registry, logger)
	t.Cleanup(engine.Stop)

	cfg := &config.APIConfig{
		ListenAddr:    ":8080",
		APIKey:        testAPIKey,
		WebhookSecret: testWebhookSecret,
	}
	server := NewServer(Deps{
		Sessions:      sessions,
		Contacts:      contacts,
		Campaigns:     campaigns,
		Messages:      messages,
		Conversations: conversations,
		Registry:      registry,
		Engine:        engine,
		Acks:          acks,
		Feed:          d.Feed,
		Sandbox:       hub,
		FailLoud:      failLoud,
	}, cfg, "test", logger)

	return &testEnv{server: server, db: d, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if strings.HasPrefix(path, "/webhooks") {
		req.Header.Set("X-Webhook-Secret", testWebhookSecret)
	} else {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	w := httptest.NewRecorder()
	e.server.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// connect creates a sandbox session and waits until it is ready
func (e *testEnv) connect(t *testing.T, id string) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/sessions", fmt.Sprintf(`{"id":%q,"name":"main"}`, id))
	if w.Code != http.StatusAccepted {
		t.Fatalf("create session status = %d, body: %s", w.Code, w.Body.String())
	}
	waitFor(t, func() bool { return e.server.Registry.IsConnected(id) })
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t, false)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	env.server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp HealthResponse
	decodeBody(t, w, &resp)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("health = %+v", resp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := setupTestServer(t, false)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"no auth", "", "", http.StatusUnauthorized},
		{"wrong key", "Authorization", "Bearer wrong-key", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer " + testAPIKey, http.StatusOK},
		{"x-api-key header", "X-API-Key", testAPIKey, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/contacts", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			env.server.router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestWebhookAuth(t *testing.T) {
	env := setupTestServer(t, false)

	req := httptest.NewRequest("POST", "/webhooks/events", bytes.NewBufferString(`{"type":"message_status"}`))
	req.Header.Set("X-Webhook-Secret", "wrong")
	w := httptest.NewRecorder()
	env.server.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := setupTestServer(t, false)
	env.connect(t, "s1")

	w := env.do(t, "GET", "/api/v1/sessions/s1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get session status = %d", w.Code)
	}
	var sess SessionResponse
	decodeBody(t, w, &sess)
	if !sess.Live || sess.State != models.SessionConnected || !sess.AutoReconnect || sess.Name != "main" {
		t.Errorf("session = %+v", sess)
	}

	// Live sessions cannot be created twice
	if w := env.do(t, "POST", "/api/v1/sessions", `{"id":"s1"}`); w.Code != http.StatusConflict {
		t.Errorf("second create status = %d, want %d", w.Code, http.StatusConflict)
	}

	// No scan is pending once the session is ready
	if w := env.do(t, "GET", "/api/v1/sessions/s1/qr", ""); w.Code != http.StatusNotFound {
		t.Errorf("qr status = %d, want %d", w.Code, http.StatusNotFound)
	}

	w = env.do(t, "POST", "/api/v1/sessions/s1/send", `{"recipient":"+15550001","content":"hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("send status = %d, body: %s", w.Code, w.Body.String())
	}
	var sent SendMessageResponse
	decodeBody(t, w, &sent)
	if sent.ExternalID == "" {
		t.Error("send returned empty external_id")
	}
	if got := env.hub.Messages("s1"); len(got) != 1 || got[0].Content != "hello" {
		t.Errorf("captured = %+v", got)
	}

	w = env.do(t, "GET", "/api/v1/sessions/s1/conversations", "")
	var convs struct {
		Items []models.Conversation `json:"items"`
	}
	decodeBody(t, w, &convs)
	if len(convs.Items) != 1 || convs.Items[0].RemoteAddress != "+15550001" || convs.Items[0].UnreadCount != 0 {
		t.Errorf("conversations = %+v", convs.Items)
	}

	if w := env.do(t, "DELETE", "/api/v1/sessions/s1?purge=true", ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/sessions/s1", ""); w.Code != http.StatusNotFound {
		t.Errorf("get after purge status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSessionSendNotConnected(t *testing.T) {
	env := setupTestServer(t, false)

	w := env.do(t, "POST", "/api/v1/sessions/ghost/send", `{"recipient":"+1","content":"hi"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = env.do(t, "POST", "/api/v1/sessions/ghost/send", `{"content":"hi"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing recipient status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestInboundConversation(t *testing.T) {
	env := setupTestServer(t, false)
	env.connect(t, "s1")

	w := env.do(t, "POST", "/api/v1/sandbox/sessions/s1/inbound", `{"from":"+15550009","body":"hey"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("inbound status = %d", w.Code)
	}

	var convs []models.Conversation
	waitFor(t, func() bool {
		convs, _ = env.server.Conversations.List(context.Background(), "s1")
		return len(convs) == 1
	})
	if convs[0].UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", convs[0].UnreadCount)
	}

	w = env.do(t, "GET", "/api/v1/conversations/"+convs[0].ID+"/messages", "")
	var history struct {
		Items []models.ChatMessage `json:"items"`
	}
	decodeBody(t, w, &history)
	if len(history.Items) != 1 || history.Items[0].Body != "hey" || history.Items[0].Direction != repository.DirectionInbound {
		t.Errorf("history = %+v", history.Items)
	}

	if w := env.do(t, "POST", "/api/v1/conversations/"+convs[0].ID+"/read", ""); w.Code != http.StatusNoContent {
		t.Errorf("read status = %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/conversations/missing/read", ""); w.Code != http.StatusNotFound {
		t.Errorf("read missing status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestContactEndpoints(t *testing.T) {
	env := setupTestServer(t, false)

	w := env.do(t, "POST", "/api/v1/contacts", `{"phone":"+15550001","name":"Ann","tags":["vip"],"fields":{"city":"Oslo"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("upsert status = %d, body: %s", w.Code, w.Body.String())
	}
	var c models.Contact
	decodeBody(t, w, &c)

	// Same phone replaces the contact
	w = env.do(t, "POST", "/api/v1/contacts", `{"phone":"+15550001","name":"Anna"}`)
	var c2 models.Contact
	decodeBody(t, w, &c2)
	if c2.ID != c.ID || c2.Name != "Anna" {
		t.Errorf("upsert by phone = %+v, want id %s", c2, c.ID)
	}

	if w := env.do(t, "POST", "/api/v1/contacts", `{"name":"nobody"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing phone status = %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/contacts?limit=10", "")
	var list struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	decodeBody(t, w, &list)
	if list.Total != 1 || list.Limit != 10 {
		t.Errorf("list = %+v", list)
	}

	if w := env.do(t, "DELETE", "/api/v1/contacts/"+c.ID, ""); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/contacts/"+c.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/v1/contacts/"+c.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("delete twice status = %d", w.Code)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	env := setupTestServer(t, false)

	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"session_id":"s1","template":"hi"}`},
		{"missing session", `{"name":"promo","template":"hi"}`},
		{"missing content", `{"name":"promo","session_id":"s1"}`},
		{"attachment without url", `{"name":"promo","session_id":"s1","attachment":{"mime_type":"image/png"}}`},
		{"bad speed", `{"name":"promo","session_id":"s1","template":"hi","speed":"warp"}`},
		{"unknown field", `{"name":"promo","session_id":"s1","template":"hi","extra":1}`},
		{"invalid json", `{invalid}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, "POST", "/api/v1/campaigns", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestCampaignFlow(t *testing.T) {
	env := setupTestServer(t, false)
	env.connect(t, "s1")

	for i := 1; i <= 3; i++ {
		body := fmt.Sprintf(`{"phone":"+1555000%d","name":"User %d","tags":["promo"]}`, i, i)
		if w := env.do(t, "POST", "/api/v1/contacts", body); w.Code != http.StatusOK {
			t.Fatalf("contact status = %d", w.Code)
		}
	}

	w := env.do(t, "POST", "/api/v1/campaigns", `{"name":"promo","session_id":"s1","recipient_tag":"promo","template":"Hi {{name}}","speed":"fast"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body: %s", w.Code, w.Body.String())
	}
	var created CampaignResponse
	decodeBody(t, w, &created)
	if created.Status != models.CampaignDraft {
		t.Errorf("created status = %s", created.Status)
	}

	w = env.do(t, "POST", "/api/v1/campaigns/"+created.ID+"/start", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, body: %s", w.Code, w.Body.String())
	}
	var res dispatch.Result
	decodeBody(t, w, &res)
	if res.Recipients != 3 || res.Status != models.CampaignSending {
		t.Errorf("start result = %+v", res)
	}

	waitFor(t, func() bool {
		status, _ := env.server.Campaigns.GetStatus(context.Background(), created.ID)
		return status == models.CampaignCompleted && !env.server.Engine.Running(created.ID)
	})

	w = env.do(t, "GET", "/api/v1/campaigns/"+created.ID+"/stats", "")
	var stats models.CampaignStats
	decodeBody(t, w, &stats)
	if stats.Total != 3 || stats.Sent != 3 || stats.Pending != 0 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}

	captured := env.hub.Messages("s1")
	if len(captured) != 3 || captured[0].Content != "Hi User 1" {
		t.Fatalf("captured = %+v", captured)
	}

	// Starting again is rejected
	if w := env.do(t, "POST", "/api/v1/campaigns/"+created.ID+"/start", ""); w.Code != http.StatusConflict {
		t.Errorf("restart status = %d, want %d", w.Code, http.StatusConflict)
	}

	// Receipt reported through the webhook
	body := fmt.Sprintf(`{"type":"message_status","message_id":%q,"status":"read"}`, captured[1].ID)
	if w := env.do(t, "POST", "/webhooks/events", body); w.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, body: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/campaigns/"+created.ID+"/messages?status=read", "")
	var page struct {
		Items []models.RecipientMessage `json:"items"`
		Total int                       `json:"total"`
	}
	decodeBody(t, w, &page)
	if page.Total != 1 || page.Items[0].ExternalID != captured[1].ID || page.Items[0].ReadAt == nil {
		t.Errorf("read messages = %+v", page)
	}

	w = env.do(t, "GET", "/api/v1/campaigns/"+created.ID+"/messages?limit=2&page=2", "")
	decodeBody(t, w, &page)
	if page.Total != 3 || len(page.Items) != 1 || page.Items[0].Seq != 3 {
		t.Errorf("second page = %+v", page)
	}
}

func TestCampaignNoRecipients(t *testing.T) {
	env := setupTestServer(t, false)

	w := env.do(t, "POST", "/api/v1/campaigns", `{"name":"empty","session_id":"s1","template":"hi"}`)
	var created CampaignResponse
	decodeBody(t, w, &created)

	w = env.do(t, "POST", "/api/v1/campaigns/"+created.ID+"/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d, body: %s", w.Code, w.Body.String())
	}
	var res dispatch.Result
	decodeBody(t, w, &res)
	if res.Status != models.CampaignCompleted || res.Recipients != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestCampaignControlErrors(t *testing.T) {
	env := setupTestServer(t, false)

	w := env.do(t, "POST", "/api/v1/campaigns", `{"name":"promo","session_id":"s1","template":"hi"}`)
	var created CampaignResponse
	decodeBody(t, w, &created)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"start unknown", "POST", "/api/v1/campaigns/missing/start", http.StatusNotFound},
		{"get unknown", "GET", "/api/v1/campaigns/missing", http.StatusNotFound},
		{"pause draft", "POST", "/api/v1/campaigns/" + created.ID + "/pause", http.StatusConflict},
		{"resume draft", "POST", "/api/v1/campaigns/" + created.ID + "/resume", http.StatusConflict},
		{"delete draft", "DELETE", "/api/v1/campaigns/" + created.ID, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, tt.method, tt.path, ""); w.Code != tt.want {
				t.Errorf("Status = %d, want %d, body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestDeleteSendingCampaign(t *testing.T) {
	env := setupTestServer(t, false)
	ctx := context.Background()

	w := env.do(t, "POST", "/api/v1/campaigns", `{"name":"promo","session_id":"s1","template":"hi"}`)
	var created CampaignResponse
	decodeBody(t, w, &created)

	// Left sending with no loop, as after a restart
	ok, err := env.server.Campaigns.Launch(ctx, created.ID, []models.RecipientMessage{{Recipient: "+1"}})
	if err != nil || !ok {
		t.Fatalf("Launch() = %v, %v", ok, err)
	}

	if w := env.do(t, "DELETE", "/api/v1/campaigns/"+created.ID, ""); w.Code != http.StatusConflict {
		t.Fatalf("delete sending status = %d, want %d", w.Code, http.StatusConflict)
	}
	if c, _ := env.server.Campaigns.Get(ctx, created.ID); c == nil {
		t.Fatal("sending campaign was deleted")
	}

	if w := env.do(t, "POST", "/api/v1/campaigns/"+created.ID+"/pause", ""); w.Code != http.StatusOK {
		t.Fatalf("pause status = %d", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/v1/campaigns/"+created.ID, ""); w.Code != http.StatusNoContent {
		t.Errorf("delete paused status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestWebhookValidation(t *testing.T) {
	env := setupTestServer(t, false)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{invalid}`},
		{"unknown type", `{"type":"presence"}`},
		{"status without id", `{"type":"message_status","status":"read"}`},
		{"bad status", `{"type":"message_status","message_id":"x","status":"pending"}`},
		{"session without id", `{"type":"session_status","event":"ready"}`},
		{"unknown session event", `{"type":"session_status","session_id":"s1","event":"typing"}`},
		{"incoming without sender", `{"type":"incoming_message","session_id":"s1","message":{"body":"x"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, "POST", "/webhooks/events", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestWebhookSessionStatus(t *testing.T) {
	env := setupTestServer(t, false)
	env.connect(t, "s1")

	w := env.do(t, "POST", "/webhooks/events", `{"type":"session_status","session_id":"s1","event":"disconnected","reason":"phone offline"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body: %s", w.Code, w.Body.String())
	}
	if state, _ := env.server.Registry.State("s1"); state != models.SessionDisconnected {
		t.Errorf("state = %s, want disconnected", state)
	}

	sess, _ := env.server.Sessions.Get(context.Background(), "s1")
	if sess.Status != models.SessionDisconnected || sess.LastError != "phone offline" {
		t.Errorf("stored session = %+v", sess)
	}

	// Unknown sessions are acknowledged and ignored
	w = env.do(t, "POST", "/webhooks/events", `{"type":"session_status","session_id":"ghost","event":"ready"}`)
	if w.Code != http.StatusOK {
		t.Errorf("unknown session status = %d", w.Code)
	}
}

func TestWebhookIncomingMessage(t *testing.T) {
	env := setupTestServer(t, false)
	env.connect(t, "s1")

	body := `{"type":"incoming_message","session_id":"s1","message":{"external_id":"in-1","from":"+15550002","from_name":"Bo","body":"hello"}}`
	if w := env.do(t, "POST", "/webhooks/events", body); w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body: %s", w.Code, w.Body.String())
	}

	convs, _ := env.server.Conversations.List(context.Background(), "s1")
	if len(convs) != 1 || convs[0].RemoteName != "Bo" || convs[0].UnreadCount != 1 {
		t.Errorf("conversations = %+v", convs)
	}
}

func TestWebhookStoreFailure(t *testing.T) {
	tests := []struct {
		name     string
		failLoud bool
		want     int
	}{
		{"log policy acknowledges", false, http.StatusOK},
		{"fail policy asks for retry", true, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, tt.failLoud)
			env.db.Close()

			w := env.do(t, "POST", "/webhooks/events", `{"type":"message_status","message_id":"ext-1","status":"delivered"}`)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestSandboxEndpoints(t *testing.T) {
	env := setupTestServer(t, false)
	env.connect(t, "s1")

	env.do(t, "POST", "/api/v1/sessions/s1/send", `{"recipient":"+1","content":"one"}`)

	w := env.do(t, "GET", "/api/v1/sandbox/messages?session_id=s1", "")
	var list SandboxListResponse
	decodeBody(t, w, &list)
	if list.Total != 1 {
		t.Errorf("Total = %d, want 1", list.Total)
	}

	if w := env.do(t, "DELETE", "/api/v1/sandbox/messages", ""); w.Code != http.StatusNoContent {
		t.Errorf("clear status = %d", w.Code)
	}
	if got := env.hub.Messages(""); len(got) != 0 {
		t.Errorf("messages after clear = %d", len(got))
	}

	if w := env.do(t, "POST", "/api/v1/sandbox/sessions/s1/disconnect", `{"reason":"cable cut"}`); w.Code != http.StatusAccepted {
		t.Fatalf("disconnect status = %d", w.Code)
	}
	waitFor(t, func() bool { return !env.server.Registry.IsConnected("s1") })

	if w := env.do(t, "POST", "/api/v1/sandbox/sessions/ghost/disconnect", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown sandbox session status = %d", w.Code)
	}
}

func TestEventsStream(t *testing.T) {
	env := setupTestServer(t, false)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/v1/events?table=contacts", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// Headers arrive after the subscription is registered
	env.do(t, "POST", "/api/v1/sessions", `{"id":"ignored-table"}`)
	env.do(t, "POST", "/api/v1/contacts", `{"phone":"+15550001","name":"Ann"}`)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var change db.Change
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &change); err != nil {
			t.Fatalf("bad event data %q: %v", line, err)
		}
		if change.Table != "contacts" || change.ID == "" {
			t.Errorf("change = %+v", change)
		}
		return
	}
	t.Fatalf("stream ended without a contacts event: %v", scanner.Err())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{repository.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", session.ErrAlreadyExists), http.StatusConflict},
		{fmt.Errorf("wrap: %w", session.ErrNotConnected), http.StatusConflict},
		{dispatch.ErrAlreadyRunning, http.StatusConflict},
		{dispatch.ErrInvalidStatus, http.StatusConflict},
		{fmt.Errorf("delete: %w", repository.ErrCampaignActive), http.StatusConflict},
		{repository.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
