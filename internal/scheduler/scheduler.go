// Package scheduler starts due campaigns and recovers interrupted ones.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/foxzi/courier/internal/dispatch"
	"github.com/foxzi/courier/internal/models"
)

// CampaignSource lists campaigns that need a loop
type CampaignSource interface {
	ListDue(ctx context.Context, at time.Time) ([]models.Campaign, error)
	ListByStatus(ctx context.Context, status models.CampaignStatus) ([]models.Campaign, error)
}

// Launcher starts dispatch loops in the background
type Launcher interface {
	StartAsync(ctx context.Context, id string) (*dispatch.Result, error)
	ResumeAsync(ctx context.Context, id string) (*dispatch.Result, error)
}

// SessionState reports whether a campaign's session can send
type SessionState interface {
	IsConnected(sessionID string) bool
}

// Config holds scheduler settings
type Config struct {
	Spec          string
	ResumeOnStart bool
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{
		Spec:          "@every 30s",
		ResumeOnStart: true,
	}
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler polls for scheduled campaigns whose start time has passed
type Scheduler struct {
	cfg       Config
	campaigns CampaignSource
	launcher  Launcher
	sessions  SessionState
	logger    *slog.Logger
	c         *cron.Cron
	now       func() time.Time
}

// New creates a scheduler. The spec is validated here.
func New(cfg Config, campaigns CampaignSource, launcher Launcher, sessions SessionState, logger *slog.Logger) (*Scheduler, error) {
	if cfg.Spec == "" {
		cfg.Spec = DefaultConfig().Spec
	}
	if _, err := parser.Parse(cfg.Spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Spec, err)
	}

	return &Scheduler{
		cfg:       cfg,
		campaigns: campaigns,
		launcher:  launcher,
		sessions:  sessions,
		logger:    logger.With("component", "scheduler"),
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		now: time.Now,
	}, nil
}

// Start starts polling. Every tick launches due campaigns and, when configured,
// resumes campaigns a previous process left in sending.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.ResumeOnStart {
		s.ResumeSending(ctx)
	}

	if _, err := s.c.AddFunc(s.cfg.Spec, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule due campaigns: %w", err)
	}
	s.c.Start()

	s.logger.Info("scheduler started", "spec", s.cfg.Spec)
	return nil
}

// Stop stops polling and waits for a running poll to finish
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	s.RunDue(ctx)
	if s.cfg.ResumeOnStart {
		s.ResumeSending(ctx)
	}
}

// RunDue starts every due campaign and returns how many loops were launched
func (s *Scheduler) RunDue(ctx context.Context) int {
	due, err := s.campaigns.ListDue(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to list due campaigns", "error", err)
		return 0
	}

	started := 0
	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		res, err := s.launcher.StartAsync(ctx, c.ID)
		if err != nil {
			s.logSkip("start", c.ID, err)
			continue
		}
		started++
		s.logger.Info("started scheduled campaign", "campaign_id", c.ID, "status", res.Status,
			"recipients", res.Recipients, "scheduled_at", c.ScheduledAt)
	}
	return started
}

// ResumeSending relaunches campaigns left in sending by a previous process.
// Campaigns whose session is not connected yet wait for a later tick;
// campaigns that already have a loop are skipped.
func (s *Scheduler) ResumeSending(ctx context.Context) int {
	sending, err := s.campaigns.ListByStatus(ctx, models.CampaignSending)
	if err != nil {
		s.logger.Error("failed to list sending campaigns", "error", err)
		return 0
	}

	resumed := 0
	for _, c := range sending {
		if s.sessions != nil && !s.sessions.IsConnected(c.SessionID) {
			s.logger.Debug("resume waiting for session", "campaign_id", c.ID, "session_id", c.SessionID)
			continue
		}
		if _, err := s.launcher.ResumeAsync(ctx, c.ID); err != nil {
			s.logSkip("resume", c.ID, err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		s.logger.Info("resumed interrupted campaigns", "count", resumed)
	}
	return resumed
}

func (s *Scheduler) logSkip(op, id string, err error) {
	if errors.Is(err, dispatch.ErrAlreadyRunning) || errors.Is(err, dispatch.ErrInvalidStatus) {
		s.logger.Debug("campaign skipped", "op", op, "campaign_id", id, "error", err)
		return
	}
	s.logger.Error("failed to launch campaign", "op", op, "campaign_id", id, "error", err)
}
