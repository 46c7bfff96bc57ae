// Package session owns the live transport connection of every session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/transport"
)

var (
	// ErrNotConnected is returned when a session cannot send
	ErrNotConnected = errors.New("session not connected")

	// ErrAlreadyExists is returned when a live client is already registered
	ErrAlreadyExists = errors.New("session already exists")

	// ErrAuthFailure marks a session that needs operator action before it can reconnect
	ErrAuthFailure = errors.New("session authentication failed")

	errShutdown = errors.New("session registry is shut down")
)

// Persistence write policies
const (
	PersistLog  = "log"
	PersistFail = "fail"
)

// Config holds registry settings
type Config struct {
	MaxRestarts   int
	RestartDelay  time.Duration
	PersistPolicy string
}

// DefaultConfig returns default registry configuration
func DefaultConfig() Config {
	return Config{
		MaxRestarts:   5,
		RestartDelay:  5 * time.Second,
		PersistPolicy: PersistLog,
	}
}

// Store is the persistent side of a session
type Store interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, id string, u models.SessionUpdate) error
	IncrementRestartCount(ctx context.Context, id string) (int, error)
	ListAutoReconnect(ctx context.Context) ([]models.Session, error)
}

// ReceiptHandler applies delivery receipts
type ReceiptHandler interface {
	HandleReceipt(ctx context.Context, externalID, level string) error
}

// InboundHandler stores received messages
type InboundHandler interface {
	HandleInbound(ctx context.Context, sessionID string, msg *transport.Incoming) error
}

type entry struct {
	client          transport.Client
	machine         *Machine
	gen             uint64
	cancelReconnect func() bool
}

// Registry maps session IDs to their transport client and connection state
type Registry struct {
	cfg     Config
	store   Store
	factory transport.Factory
	logger  *slog.Logger

	receipts ReceiptHandler
	inbound  InboundHandler

	afterFunc func(time.Duration, func()) func() bool

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry
func NewRegistry(cfg Config, store Store, factory transport.Factory, logger *slog.Logger) *Registry {
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	if cfg.PersistPolicy == "" {
		cfg.PersistPolicy = PersistLog
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Registry{
		cfg:     cfg,
		store:   store,
		factory: factory,
		logger:  logger.With("component", "sessions"),
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetReceiptHandler sets where receipt events go
func (r *Registry) SetReceiptHandler(h ReceiptHandler) {
	r.receipts = h
}

// SetInboundHandler sets where received messages go
func (r *Registry) SetInboundHandler(h InboundHandler) {
	r.inbound = h
}

// Create starts a new client for the session. Initialization runs in the background.
func (r *Registry) Create(ctx context.Context, id string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errShutdown
	}

	old := r.entries[id]
	if old != nil && old.machine.Live() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}

	machine := NewMachine()
	var oldClient transport.Client
	if old != nil {
		machine = old.machine
		oldClient = old.client
		old.client = nil
		if old.cancelReconnect != nil {
			old.cancelReconnect()
			old.cancelReconnect = nil
		}
	}

	r.gen++
	gen := r.gen
	client, err := r.factory(id, r.emitter(id, gen))
	if err != nil {
		r.mu.Unlock()
		r.closeClient(ctx, id, oldClient)
		return fmt.Errorf("create transport for %s: %w", id, err)
	}

	status, err := machine.Apply(TriggerCreate)
	if err != nil {
		r.mu.Unlock()
		r.closeClient(ctx, id, client)
		r.closeClient(ctx, id, oldClient)
		return err
	}
	e := &entry{client: client, machine: machine, gen: gen}
	r.entries[id] = e
	r.mu.Unlock()

	r.closeClient(ctx, id, oldClient)
	metrics.SetSessionState(id, string(status))
	r.logger.Info("session created", "session_id", id)

	// Persisted before initialization starts so a fast ready event is never overwritten
	persistErr := r.persist(ctx, id, models.SessionUpdate{Status: &status})

	r.wg.Add(1)
	go r.initialize(id, e, client)

	return persistErr
}

func (r *Registry) initialize(id string, e *entry, client transport.Client) {
	defer r.wg.Done()

	err := client.Initialize(r.ctx)
	if err == nil || r.ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	current := r.entries[id] == e
	r.mu.Unlock()
	if !current {
		return
	}

	r.logger.Warn("session initialization failed", "session_id", id, "error", err)
	if err := r.HandleEvent(r.ctx, id, transport.Event{Kind: transport.EventDisconnected, Reason: err.Error()}); err != nil {
		r.logger.Error("failed to handle initialization failure", "session_id", id, "error", err)
	}
}

// emitter binds client events to the entry generation that created the client
func (r *Registry) emitter(id string, gen uint64) transport.Emitter {
	return func(ev transport.Event) {
		r.mu.Lock()
		e := r.entries[id]
		current := e != nil && e.gen == gen
		r.mu.Unlock()

		if !current {
			r.logger.Debug("dropping event from replaced client", "session_id", id, "event", ev.Kind)
			return
		}
		if err := r.HandleEvent(r.ctx, id, ev); err != nil {
			r.logger.Error("failed to handle transport event", "session_id", id, "event", ev.Kind, "error", err)
		}
	}
}

// HandleEvent routes a transport event: lifecycle events drive the state machine,
// receipts and received messages go to their handlers.
func (r *Registry) HandleEvent(ctx context.Context, id string, ev transport.Event) error {
	switch ev.Kind {
	case transport.EventReceipt:
		if r.receipts == nil {
			return nil
		}
		return r.policy(id, "apply receipt", r.receipts.HandleReceipt(ctx, ev.MessageID, ev.Level))
	case transport.EventMessageReceived:
		if r.inbound == nil || ev.Message == nil {
			return nil
		}
		return r.policy(id, "store inbound message", r.inbound.HandleInbound(ctx, id, ev.Message))
	case transport.EventAuthenticated:
		r.logger.Debug("session authenticated", "session_id", id)
		return nil
	case transport.EventScan:
		return r.onScan(ctx, id, ev.ScanPayload)
	case transport.EventReady:
		return r.onReady(ctx, id, ev.Account)
	case transport.EventAuthFailure:
		return r.onAuthFailure(ctx, id, ev.Reason)
	case transport.EventDisconnected:
		return r.onDisconnect(ctx, id, ev.Reason)
	}

	r.logger.Debug("ignoring unknown event", "session_id", id, "event", ev.Kind)
	return nil
}

// transition applies t to the session's machine. ok is false for unknown sessions and rejected triggers.
func (r *Registry) transition(id string, t Trigger) (*entry, models.SessionStatus, bool) {
	r.mu.Lock()
	e := r.entries[id]
	if e == nil {
		r.mu.Unlock()
		r.logger.Debug("event for unknown session", "session_id", id, "trigger", t)
		return nil, "", false
	}
	status, err := e.machine.Apply(t)
	r.mu.Unlock()

	if err != nil {
		r.logger.Debug("ignoring session event", "session_id", id, "error", err)
		return nil, "", false
	}
	metrics.SetSessionState(id, string(status))
	return e, status, true
}

func (r *Registry) onScan(ctx context.Context, id, payload string) error {
	_, status, ok := r.transition(id, TriggerScan)
	if !ok {
		return nil
	}

	image, err := renderQR(payload)
	if err != nil {
		r.logger.Warn("failed to render scan payload", "session_id", id, "error", err)
	}
	issued := time.Now()

	r.logger.Info("session awaiting scan", "session_id", id)
	return r.persist(ctx, id, models.SessionUpdate{
		Status:       &status,
		ScanPayload:  &payload,
		ScanImage:    &image,
		ScanIssuedAt: &issued,
	})
}

func (r *Registry) onReady(ctx context.Context, id string, account *transport.Account) error {
	_, status, ok := r.transition(id, TriggerReady)
	if !ok {
		return nil
	}

	now := time.Now()
	noError := ""
	zero := 0
	u := models.SessionUpdate{
		Status:          &status,
		LastError:       &noError,
		LastConnectedAt: &now,
		ClearScan:       true,
		RestartCount:    &zero,
	}
	if account != nil {
		u.AccountID = &account.ID
		u.AccountName = &account.Name
		u.Platform = &account.Platform
	}

	r.logger.Info("session connected", "session_id", id)
	return r.persist(ctx, id, u)
}

func (r *Registry) onAuthFailure(ctx context.Context, id, reason string) error {
	e, status, ok := r.transition(id, TriggerAuthFailure)
	if !ok {
		return nil
	}
	if reason == "" {
		reason = ErrAuthFailure.Error()
	}

	r.mu.Lock()
	client := e.client
	e.client = nil
	if e.cancelReconnect != nil {
		e.cancelReconnect()
		e.cancelReconnect = nil
	}
	r.mu.Unlock()
	r.closeClient(ctx, id, client)

	r.logger.Warn("session authentication failed", "session_id", id, "reason", reason)
	return r.persist(ctx, id, models.SessionUpdate{Status: &status, LastError: &reason})
}

func (r *Registry) onDisconnect(ctx context.Context, id, reason string) error {
	e, status, ok := r.transition(id, TriggerDisconnect)
	if !ok {
		return nil
	}
	if reason == "" {
		reason = "disconnected"
	}

	r.mu.Lock()
	client := e.client
	e.client = nil
	r.mu.Unlock()
	r.closeClient(ctx, id, client)

	r.logger.Warn("session disconnected", "session_id", id, "reason", reason)
	err := r.persist(ctx, id, models.SessionUpdate{Status: &status, LastError: &reason})
	r.scheduleReconnect(ctx, id, e)
	return err
}

// scheduleReconnect arms at most one reconnect timer per entry, reading policy from the store
func (r *Registry) scheduleReconnect(ctx context.Context, id string, e *entry) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		r.logger.Error("failed to load session for reconnect", "session_id", id, "error", err)
		return
	}
	if rec == nil || !rec.AutoReconnect {
		return
	}
	if rec.RestartCount >= r.cfg.MaxRestarts {
		r.logger.Warn("session restart limit reached", "session_id", id, "restarts", rec.RestartCount)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.entries[id] != e || e.cancelReconnect != nil {
		return
	}
	e.cancelReconnect = r.afterFunc(r.cfg.RestartDelay, func() { r.reconnect(id, e) })

	r.logger.Info("session reconnect scheduled", "session_id", id, "delay", r.cfg.RestartDelay, "attempt", rec.RestartCount+1)
}

func (r *Registry) reconnect(id string, e *entry) {
	r.mu.Lock()
	if r.closed || r.entries[id] != e || e.cancelReconnect == nil {
		r.mu.Unlock()
		return
	}
	e.cancelReconnect = nil
	delete(r.entries, id)
	client := e.client
	e.client = nil
	r.mu.Unlock()

	ctx := r.ctx
	count, err := r.store.IncrementRestartCount(ctx, id)
	if err != nil {
		r.logger.Error("failed to increment restart count", "session_id", id, "error", err)
	}
	metrics.IncSessionReconnects(id)

	r.closeClient(ctx, id, client)

	r.logger.Info("reconnecting session", "session_id", id, "attempt", count)
	if err := r.Create(ctx, id); err != nil {
		r.logger.Error("failed to reconnect session", "session_id", id, "error", err)
	}
}

// Destroy closes the session's client and forgets it. Destroying an unknown session is a no-op.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	e := r.entries[id]
	if e == nil {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, id)
	if e.cancelReconnect != nil {
		e.cancelReconnect()
		e.cancelReconnect = nil
	}
	client := e.client
	e.client = nil
	r.mu.Unlock()

	r.closeClient(ctx, id, client)
	metrics.DeleteSessionState(id)

	status := models.SessionDisconnected
	if err := r.store.Update(ctx, id, models.SessionUpdate{Status: &status}); err != nil {
		r.logger.Debug("failed to persist destroyed session", "session_id", id, "error", err)
	}

	r.logger.Info("session destroyed", "session_id", id)
	return nil
}

// State returns the in-memory state of a session
func (r *Registry) State(id string) (models.SessionStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[id]
	if e == nil {
		return models.SessionDisconnected, false
	}
	return e.machine.State(), true
}

// IsConnected reports whether the session can send
func (r *Registry) IsConnected(id string) bool {
	state, _ := r.State(id)
	return state == models.SessionConnected
}

// States returns a snapshot of every registered session's state
func (r *Registry) States() map[string]models.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]models.SessionStatus, len(r.entries))
	for id, e := range r.entries {
		states[id] = e.machine.State()
	}
	return states
}

// Send delivers one message through a connected session and returns the external message ID
func (r *Registry) Send(ctx context.Context, id, recipient, content string, att *models.Attachment) (string, error) {
	r.mu.Lock()
	state := models.SessionDisconnected
	var client transport.Client
	if e := r.entries[id]; e != nil {
		state = e.machine.State()
		client = e.client
	}
	r.mu.Unlock()

	if state == models.SessionError {
		return "", fmt.Errorf("%w: %w", ErrNotConnected, ErrAuthFailure)
	}
	if state != models.SessionConnected || client == nil {
		return "", fmt.Errorf("%w: session %s is %s", ErrNotConnected, id, state)
	}

	return client.Send(ctx, recipient, content, att)
}

// Restore creates every stored session that has auto-reconnect enabled
func (r *Registry) Restore(ctx context.Context) (int, error) {
	sessions, err := r.store.ListAutoReconnect(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	restored := 0
	for _, s := range sessions {
		if err := r.Create(ctx, s.ID); err != nil {
			r.logger.Error("failed to restore session", "session_id", s.ID, "error", err)
			continue
		}
		restored++
	}

	r.logger.Info("sessions restored", "count", restored)
	return restored, nil
}

// Shutdown cancels pending reconnects and destroys every client
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	clients := make(map[string]transport.Client, len(entries))
	for id, e := range entries {
		if e.cancelReconnect != nil {
			e.cancelReconnect()
			e.cancelReconnect = nil
		}
		clients[id] = e.client
		e.client = nil
	}
	r.mu.Unlock()

	r.cancel()

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.closeClient(ctx, id, clients[id])
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("session registry stopped", "sessions", len(ids))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) closeClient(ctx context.Context, id string, client transport.Client) {
	if client == nil {
		return
	}
	if err := client.Destroy(ctx); err != nil {
		r.logger.Warn("failed to destroy transport client", "session_id", id, "error", err)
	}
}

func (r *Registry) persist(ctx context.Context, id string, u models.SessionUpdate) error {
	return r.policy(id, "persist session state", r.store.Update(ctx, id, u))
}

// policy applies the configured write policy to a failed write
func (r *Registry) policy(id, op string, err error) error {
	if err == nil {
		return nil
	}
	r.logger.Error("session write failed", "session_id", id, "op", op, "error", err)
	if r.cfg.PersistPolicy == PersistFail {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
