package alerting

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher rate-limits notifications with a cool-down. It is the shared
// alert state: every handler that may alert holds the same *Dispatcher.
type Dispatcher struct {
	notifier Notifier
	cooldown time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSent time.Time
}

// NewDispatcher builds a dispatcher. A zero cooldown sends every alert.
func NewDispatcher(notifier Notifier, cooldown time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		cooldown: cooldown,
		now:      time.Now,
		logger:   logger.With().Str("component", "alert_dispatcher").Logger(),
	}
}

// Dispatch sends the notification unless the last successful send is within
// the cool-down. The cool-down restarts once any channel delivers. A partial
// delivery returns true together with the *PartialError so the caller can
// report the failed channels without sending again.
func (d *Dispatcher) Dispatch(ctx context.Context, note Notification) (bool, error) {
	if d.notifier == nil {
		return false, errors.New("no notifier configured")
	}

	// Held across the send so concurrent callers cannot both pass the check.
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if !d.lastSent.IsZero() && now.Sub(d.lastSent) < d.cooldown {
		d.logger.Info().
			Str("source", note.Source).
			Time("last_sent", d.lastSent).
			Dur("remaining", d.cooldown-now.Sub(d.lastSent)).
			Msg("alert suppressed by cooldown")
		return false, nil
	}

	if note.TriggeredAt.IsZero() {
		note.TriggeredAt = now
	}
	if err := d.notifier.Notify(ctx, note); err != nil {
		var partial *PartialError
		if !errors.As(err, &partial) {
			return false, err
		}
		d.lastSent = now
		d.logger.Error().Err(partial.Err).
			Str("source", note.Source).
			Strs("failed_channels", partial.Failed).
			Msg("alert delivered on some channels only")
		return true, err
	}
	d.lastSent = now
	return true, nil
}

// LastSent returns the time of the last delivered alert.
func (d *Dispatcher) LastSent() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSent
}
