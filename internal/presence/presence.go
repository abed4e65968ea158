// Package presence holds the auxiliary signal producers: the presence
// reporter and the timezone reporter. Both speak only through the
// outbound API on their own timers; neither touches connection state.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/aldenis/chatwire/internal/logger"
)

const (
	defaultInterval  = 60 * time.Second
	defaultIdleAfter = 5 * time.Minute

	StatusOnline = "online"
	StatusAway   = "away"
)

// Sender is the slice of the outbound API the reporters use.
type Sender interface {
	SendPresence(ctx context.Context, status string) error
	SendTimezone(ctx context.Context, tz string, verifyOnly bool) error
}

// Reporter periodically reports this user's presence, switching to
// "away" when the idle source reports no recent activity.
type Reporter struct {
	sender    Sender
	log       *logger.Logger
	interval  time.Duration
	idleAfter time.Duration
	// lastActivity supplies the most recent user activity time; nil
	// means always online.
	lastActivity func() time.Time
}

func NewReporter(sender Sender, log *logger.Logger, lastActivity func() time.Time) *Reporter {
	if log == nil {
		log = logger.New("presence")
	}
	return &Reporter{
		sender:       sender,
		log:          log,
		interval:     defaultInterval,
		idleAfter:    defaultIdleAfter,
		lastActivity: lastActivity,
	}
}

// Run reports presence until the context is cancelled. Send failures
// are logged and retried on the next tick; a disconnected socket is not
// this component's problem to fix.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := StatusOnline
			if r.lastActivity != nil && time.Since(r.lastActivity()) > r.idleAfter {
				status = StatusAway
			}
			if err := r.sender.SendPresence(ctx, status); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Debugf("presence update skipped: %v", err)
			}
		}
	}
}

// TimezoneReporter sends the local timezone shortly after startup and
// re-verifies it on a long refresh interval, covering DST shifts and
// machines that move.
type TimezoneReporter struct {
	sender   Sender
	log      *logger.Logger
	zone     string
	initial  time.Duration
	interval time.Duration
}

func NewTimezoneReporter(sender Sender, log *logger.Logger, zone string) *TimezoneReporter {
	if log == nil {
		log = logger.New("timezone")
	}
	if zone == "" {
		zone = LocalZone()
	}
	return &TimezoneReporter{
		sender:   sender,
		log:      log,
		zone:     zone,
		initial:  5 * time.Second,
		interval: 24 * time.Hour,
	}
}

func (t *TimezoneReporter) Run(ctx context.Context) {
	timer := time.NewTimer(t.initial)
	defer timer.Stop()
	verifyOnly := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := t.sender.SendTimezone(ctx, t.zone, verifyOnly); err != nil {
				t.log.Debugf("timezone update skipped: %v", err)
			} else {
				// First report persists; later ones only verify.
				verifyOnly = true
			}
			timer.Reset(t.interval)
		}
	}
}

// LocalZone names the local timezone, falling back to the fixed UTC
// offset when no zone database name is available.
func LocalZone() string {
	if name := time.Local.String(); name != "" && name != "Local" {
		return name
	}
	return time.Now().Format("-07:00")
}
