// Package dispatch drains campaign messages through a connected session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/repository"
	"github.com/foxzi/courier/internal/session"
)

var (
	// ErrAlreadyRunning is returned when a loop for the campaign is in progress
	ErrAlreadyRunning = errors.New("campaign is already dispatching")

	// ErrInvalidStatus is returned when the campaign status does not allow the operation
	ErrInvalidStatus = errors.New("invalid campaign status")
)

// ReasonDisconnected is recorded on messages failed because the session dropped
const ReasonDisconnected = "session disconnected"

// CampaignStore is the campaign side of the persistent store
type CampaignStore interface {
	Get(ctx context.Context, id string) (*models.Campaign, error)
	GetStatus(ctx context.Context, id string) (models.CampaignStatus, error)
	TransitionStatus(ctx context.Context, id string, from []models.CampaignStatus, to models.CampaignStatus) (bool, error)
	Launch(ctx context.Context, id string, msgs []models.RecipientMessage) (bool, error)
	MarkEmpty(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	UpdateCounters(ctx context.Context, id string, stats models.CampaignStats) error
}

// MessageStore is the recipient message side of the persistent store
type MessageStore interface {
	ListPending(ctx context.Context, campaignID string) ([]models.RecipientMessage, error)
	MarkSent(ctx context.Context, id, externalID string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error
	FailPending(ctx context.Context, campaignID, reason string) (int, error)
	Stats(ctx context.Context, campaignID string) (models.CampaignStats, error)
}

// ContactSource selects campaign recipients
type ContactSource interface {
	ListEligible(ctx context.Context, tag string) ([]models.Contact, error)
}

// Sender is the session registry as seen by the loop
type Sender interface {
	IsConnected(sessionID string) bool
	Send(ctx context.Context, sessionID, recipient, content string, att *models.Attachment) (string, error)
}

// Result is returned by the campaign control operations
type Result struct {
	CampaignID string                `json:"campaign_id"`
	Status     models.CampaignStatus `json:"status"`
	Recipients int                   `json:"recipients"`
}

// Config holds engine settings
type Config struct {
	Tiers map[string]Tier
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{Tiers: DefaultTiers()}
}

// Engine runs dispatch loops, at most one per campaign
type Engine struct {
	campaigns CampaignStore
	messages  MessageStore
	contacts  ContactSource
	sender    Sender
	tiers     map[string]Tier
	logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu      sync.Mutex
	running map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatch engine
func New(cfg Config, campaigns CampaignStore, messages MessageStore, contacts ContactSource, sender Sender, logger *slog.Logger) *Engine {
	tiers := DefaultTiers()
	for name, t := range cfg.Tiers {
		tiers[name] = t
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		campaigns: campaigns,
		messages:  messages,
		contacts:  contacts,
		sender:    sender,
		tiers:     tiers,
		logger:    logger.With("component", "dispatch"),
		sleep:     sleepContext,
		now:       time.Now,
		running:   make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// acquire marks the campaign as owned by a loop
func (e *Engine) acquire(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.running[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	e.running[id] = struct{}{}
	return nil
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

// Running reports whether a loop owns the campaign
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

// StartCampaign materializes recipient messages and dispatches them before returning
func (e *Engine) StartCampaign(ctx context.Context, id string) (*Result, error) {
	c, msgs, err := e.prepareStart(ctx, id)
	if err != nil || msgs == nil {
		return e.emptyResult(c, err)
	}
	defer e.release(id)
	return e.run(ctx, c, msgs)
}

// StartAsync materializes recipient messages and dispatches them in the background
func (e *Engine) StartAsync(ctx context.Context, id string) (*Result, error) {
	c, msgs, err := e.prepareStart(ctx, id)
	if err != nil || msgs == nil {
		return e.emptyResult(c, err)
	}
	e.launch(c, msgs)
	return &Result{CampaignID: id, Status: models.CampaignSending, Recipients: len(msgs)}, nil
}

// Resume re-enters the loop with the campaign's pending messages
func (e *Engine) Resume(ctx context.Context, id string) (*Result, error) {
	c, msgs, err := e.prepareResume(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.release(id)
	return e.run(ctx, c, msgs)
}

// ResumeAsync re-enters the loop in the background
func (e *Engine) ResumeAsync(ctx context.Context, id string) (*Result, error) {
	c, msgs, err := e.prepareResume(ctx, id)
	if err != nil {
		return nil, err
	}
	e.launch(c, msgs)
	return &Result{CampaignID: id, Status: models.CampaignSending, Recipients: c.TotalRecipients}, nil
}

// Dispatch sends msgs for a campaign that is already sending
func (e *Engine) Dispatch(ctx context.Context, c *models.Campaign, msgs []models.RecipientMessage) (*Result, error) {
	if err := e.acquire(c.ID); err != nil {
		return nil, err
	}
	defer e.release(c.ID)
	return e.run(ctx, c, msgs)
}

// Pause stops a sending campaign before its next message
func (e *Engine) Pause(ctx context.Context, id string) (*Result, error) {
	ok, err := e.campaigns.TransitionStatus(ctx, id, []models.CampaignStatus{models.CampaignSending}, models.CampaignPaused)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.statusError(ctx, id, "pause")
	}

	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	total := 0
	if c != nil {
		total = c.TotalRecipients
	}
	e.logger.Info("campaign paused", "campaign_id", id)
	return &Result{CampaignID: id, Status: models.CampaignPaused, Recipients: total}, nil
}

// Stats recomputes and persists campaign counters
func (e *Engine) Stats(ctx context.Context, id string) (models.CampaignStats, error) {
	if _, err := e.campaigns.GetStatus(ctx, id); err != nil {
		return models.CampaignStats{}, err
	}
	stats, err := e.messages.Stats(ctx, id)
	if err != nil {
		return stats, err
	}
	if err := e.campaigns.UpdateCounters(ctx, id, stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// Wait blocks until every background loop has returned
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Stop cancels background loops and waits for them. Interrupted campaigns stay sending.
func (e *Engine) Stop() {
	e.logger.Info("stopping dispatch engine...")
	e.cancel()
	e.wg.Wait()
	e.logger.Info("dispatch engine stopped")
}

func (e *Engine) launch(c *models.Campaign, msgs []models.RecipientMessage) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(c.ID)

		if _, err := e.run(e.ctx, c, msgs); err != nil {
			e.logger.Error("dispatch loop failed", "campaign_id", c.ID, "error", err)
		}
	}()
}

// prepareStart claims the campaign and creates its messages. A nil slice with a nil error
// means the campaign had no eligible recipients and is already completed. On success the
// caller owns the loop and must release it.
func (e *Engine) prepareStart(ctx context.Context, id string) (*models.Campaign, []models.RecipientMessage, error) {
	if err := e.acquire(id); err != nil {
		return nil, nil, err
	}

	c, msgs, err := e.materialize(ctx, id)
	if err != nil || msgs == nil {
		e.release(id)
	}
	return c, msgs, err
}

// materialize selects recipients and renders their messages, then launches the campaign.
// The campaign stays in its original status until the messages are stored.
func (e *Engine) materialize(ctx context.Context, id string) (*models.Campaign, []models.RecipientMessage, error) {
	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if c == nil {
		return nil, nil, repository.ErrNotFound
	}
	if c.Status != models.CampaignDraft && c.Status != models.CampaignScheduled {
		return nil, nil, fmt.Errorf("%w: cannot start campaign in %s", ErrInvalidStatus, c.Status)
	}

	contacts, err := e.contacts.ListEligible(ctx, c.RecipientTag)
	if err != nil {
		return nil, nil, fmt.Errorf("select recipients: %w", err)
	}

	if len(contacts) == 0 {
		ok, err := e.campaigns.MarkEmpty(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, e.statusError(ctx, id, "start")
		}
		metrics.IncCampaignsFinished(string(models.CampaignCompleted))
		e.logger.Info("campaign has no eligible recipients", "campaign_id", id)
		c.Status = models.CampaignCompleted
		c.TotalRecipients = 0
		return c, nil, nil
	}

	msgs := make([]models.RecipientMessage, len(contacts))
	for i := range contacts {
		msgs[i] = models.RecipientMessage{
			ContactID:  contacts[i].ID,
			Recipient:  contacts[i].Phone,
			Content:    renderTemplate(c.Template, contactVars(&contacts[i])),
			Attachment: c.Attachment,
		}
	}
	ok, err := e.campaigns.Launch(ctx, id, msgs)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, e.statusError(ctx, id, "start")
	}

	c.Status = models.CampaignSending
	c.TotalRecipients = len(msgs)
	e.logger.Info("campaign started", "campaign_id", id, "session_id", c.SessionID, "recipients", len(msgs))
	return c, msgs, nil
}

func (e *Engine) emptyResult(c *models.Campaign, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	return &Result{CampaignID: c.ID, Status: c.Status, Recipients: 0}, nil
}

// prepareResume claims the campaign and loads its pending messages. On success the caller
// owns the loop and must release it.
func (e *Engine) prepareResume(ctx context.Context, id string) (*models.Campaign, []models.RecipientMessage, error) {
	if err := e.acquire(id); err != nil {
		return nil, nil, err
	}

	c, msgs, err := e.loadPending(ctx, id)
	if err != nil {
		e.release(id)
	}
	return c, msgs, err
}

func (e *Engine) loadPending(ctx context.Context, id string) (*models.Campaign, []models.RecipientMessage, error) {
	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if c == nil {
		return nil, nil, repository.ErrNotFound
	}

	ok, err := e.campaigns.TransitionStatus(ctx, id,
		[]models.CampaignStatus{models.CampaignPaused, models.CampaignSending}, models.CampaignSending)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: cannot resume campaign in %s", ErrInvalidStatus, c.Status)
	}
	c.Status = models.CampaignSending

	msgs, err := e.messages.ListPending(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("campaign resumed", "campaign_id", id, "pending", len(msgs))
	return c, msgs, nil
}

// run sends msgs in order then reconciles the campaign. The caller owns the campaign.
func (e *Engine) run(ctx context.Context, c *models.Campaign, msgs []models.RecipientMessage) (*Result, error) {
	loopErr := e.loop(ctx, c, msgs)

	// Reconcile even when the loop was cancelled
	res, err := e.finish(context.WithoutCancel(ctx), c)
	if loopErr != nil {
		return res, loopErr
	}
	return res, err
}

func (e *Engine) loop(ctx context.Context, c *models.Campaign, msgs []models.RecipientMessage) error {
	tier, ok := e.tiers[c.Speed]
	if !ok {
		tier = e.tiers[models.SpeedMedium]
	}
	logger := e.logger.With("campaign_id", c.ID, "session_id", c.SessionID)

	for i := range msgs {
		m := &msgs[i]

		status, err := e.campaigns.GetStatus(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("read campaign status: %w", err)
		}
		if status != models.CampaignSending {
			logger.Info("campaign interrupted", "status", status, "remaining", len(msgs)-i)
			return nil
		}

		if !e.sender.IsConnected(c.SessionID) {
			return e.failRemaining(ctx, c, logger)
		}

		externalID, err := e.sender.Send(ctx, c.SessionID, m.Recipient, m.Content, m.Attachment)
		switch {
		case errors.Is(err, session.ErrNotConnected):
			return e.failRemaining(ctx, c, logger)
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			if err := e.messages.MarkFailed(ctx, m.ID, err.Error(), e.now()); err != nil {
				return err
			}
			metrics.AddMessagesFailed(c.SessionID, "send_error", 1)
			logger.Debug("message failed", "message_id", m.ID, "recipient", m.Recipient, "error", err)
		default:
			if err := e.messages.MarkSent(ctx, m.ID, externalID, e.now()); err != nil {
				return err
			}
			metrics.IncMessagesSent(c.SessionID)
			logger.Debug("message sent", "message_id", m.ID, "recipient", m.Recipient, "external_id", externalID)
		}

		if i < len(msgs)-1 {
			if err := e.sleep(ctx, tier.Interval()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) failRemaining(ctx context.Context, c *models.Campaign, logger *slog.Logger) error {
	n, err := e.messages.FailPending(ctx, c.ID, ReasonDisconnected)
	if err != nil {
		return err
	}
	metrics.AddMessagesFailed(c.SessionID, "disconnected", n)
	logger.Warn("session not connected, failed pending messages", "count", n)
	return nil
}

// finish recomputes counters and completes the campaign once nothing is pending
func (e *Engine) finish(ctx context.Context, c *models.Campaign) (*Result, error) {
	stats, err := e.messages.Stats(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if err := e.campaigns.UpdateCounters(ctx, c.ID, stats); err != nil {
		return nil, err
	}

	if stats.Pending == 0 {
		ok, err := e.campaigns.Complete(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			metrics.IncCampaignsFinished(string(models.CampaignCompleted))
			e.logger.Info("campaign completed", "campaign_id", c.ID,
				"sent", stats.Sent, "failed", stats.Failed, "total", stats.Total)
		}
	}

	status, err := e.campaigns.GetStatus(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return &Result{CampaignID: c.ID, Status: status, Recipients: stats.Total}, nil
}

func (e *Engine) statusError(ctx context.Context, id, op string) error {
	status, err := e.campaigns.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot %s campaign in %s", ErrInvalidStatus, op, status)
}
