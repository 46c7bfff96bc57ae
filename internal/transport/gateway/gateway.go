// Package gateway implements a transport client backed by an HTTP multi-device chat gateway.
// The gateway pushes lifecycle and receipt events back through the webhook endpoint.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/courier/internal/credstore"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/transport"
)

// Config holds gateway connection settings
type Config struct {
	BaseURL           string
	APIKey            string
	WebhookURL        string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// CredentialStore persists per-session gateway tokens
type CredentialStore interface {
	Get(sessionID string) (*credstore.Credentials, error)
	Put(creds *credstore.Credentials) error
}

// Gateway is shared by every session client and owns the HTTP client and limiter
type Gateway struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	creds      CredentialStore
	logger     *slog.Logger
}

// New creates a gateway. A zero RequestsPerSecond disables throttling.
func New(cfg Config, creds CredentialStore, logger *slog.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		creds:      creds,
		logger:     logger.With("component", "gateway"),
	}
}

// Factory returns a transport factory creating gateway clients
func (g *Gateway) Factory() transport.Factory {
	return func(sessionID string, emit transport.Emitter) (transport.Client, error) {
		if sessionID == "" {
			return nil, errors.New("session id is required")
		}
		return &Client{gw: g, sessionID: sessionID, emit: emit}, nil
	}
}

type startRequest struct {
	WebhookURL string `json:"webhook_url,omitempty"`
	Token      string `json:"token,omitempty"`
}

type startResponse struct {
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`
	QR     string `json:"qr,omitempty"`
}

type sendRequest struct {
	To         string             `json:"to"`
	Text       string             `json:"text"`
	Attachment *models.Attachment `json:"attachment,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// apiError is a non-2xx gateway answer
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("gateway error (HTTP %d): %s", e.Status, e.Message)
}

// Client is a gateway-backed session
type Client struct {
	gw        *Gateway
	sessionID string
	emit      transport.Emitter
}

// Initialize asks the gateway to start the session, resuming from a stored token when present
func (c *Client) Initialize(ctx context.Context) error {
	req := startRequest{WebhookURL: c.gw.cfg.WebhookURL}
	if c.gw.creds != nil {
		creds, err := c.gw.creds.Get(c.sessionID)
		if err != nil {
			c.gw.logger.Warn("failed to read credentials", "session_id", c.sessionID, "error", err)
		} else if creds != nil {
			req.Token = creds.Token
		}
	}

	var resp startResponse
	if err := c.gw.request(ctx, http.MethodPost, c.path("start"), req, &resp); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	if resp.Token != "" && c.gw.creds != nil {
		if err := c.gw.creds.Put(&credstore.Credentials{SessionID: c.sessionID, Token: resp.Token}); err != nil {
			c.gw.logger.Error("failed to store credentials", "session_id", c.sessionID, "error", err)
		}
	}

	// Some gateways return the first scan payload synchronously
	if resp.QR != "" && c.emit != nil {
		c.emit(transport.Event{Kind: transport.EventScan, ScanPayload: resp.QR})
	}

	c.gw.logger.Debug("session start requested", "session_id", c.sessionID, "status", resp.Status)
	return nil
}

// Send posts one message to the gateway
func (c *Client) Send(ctx context.Context, recipient, content string, att *models.Attachment) (string, error) {
	var resp sendResponse
	err := c.gw.request(ctx, http.MethodPost, c.path("messages"), sendRequest{
		To:         recipient,
		Text:       content,
		Attachment: att,
	}, &resp)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			return "", fmt.Errorf("%w: %w", transport.ErrSendFailed, err)
		}
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: gateway returned no message id", transport.ErrSendFailed)
	}
	return resp.ID, nil
}

// Destroy stops the session on the gateway. Stored credentials are kept for the next start.
func (c *Client) Destroy(ctx context.Context) error {
	err := c.gw.request(ctx, http.MethodPost, c.path("stop"), nil, nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) path(action string) string {
	return "/sessions/" + url.PathEscape(c.sessionID) + "/" + action
}

// request performs an HTTP request to the gateway API
func (g *Gateway) request(ctx context.Context, method, path string, body any, result any) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(g.cfg.BaseURL, "/")+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return &apiError{Status: resp.StatusCode, Message: errResp.Error}
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
