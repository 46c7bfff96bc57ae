package dispatch

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/foxzi/courier/internal/models"
)

// Tier bounds the random delay between two sends
type Tier struct {
	Min time.Duration
	Max time.Duration
}

// DefaultTiers returns the pacing for each speed
func DefaultTiers() map[string]Tier {
	return map[string]Tier{
		models.SpeedSlow:   {Min: 50 * time.Second, Max: 70 * time.Second},
		models.SpeedMedium: {Min: 20 * time.Second, Max: 40 * time.Second},
		models.SpeedFast:   {Min: 5 * time.Second, Max: 15 * time.Second},
	}
}

// Interval draws a delay uniformly from [Min, Max]
func (t Tier) Interval() time.Duration {
	if t.Max <= t.Min {
		return t.Min
	}
	return t.Min + rand.N(t.Max-t.Min+1)
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
