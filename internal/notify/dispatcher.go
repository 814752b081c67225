package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"approvalq/internal/activity"
	"approvalq/internal/domain"
)

const recordTimeout = 5 * time.Second

// Recorder persists the delivery outcome.
type Recorder interface {
	Record(ctx context.Context, action, actorID, target, details string) (domain.ActivityEntry, error)
}

// Dispatcher runs notifications in the background and records each outcome.
type Dispatcher struct {
	Notifier Notifier
	Recorder Recorder
	Log      zerolog.Logger
	Timeout  time.Duration

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// Welcome schedules a welcome message for email. It returns immediately.
func (d *Dispatcher) Welcome(actorID, email, secret string) {
	if d == nil || d.Notifier == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.Log.Warn().Str("email", email).Msg("notification dropped after shutdown")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		timeout := d.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		sendCtx, cancelSend := context.WithTimeout(context.Background(), timeout)
		action, details := activity.NotifyUser, "Welcome email sent"
		if err := d.Notifier.SendWelcome(sendCtx, email, secret); err != nil {
			d.Log.Error().Err(err).Str("email", email).Msg("welcome notification failed")
			action, details = activity.NotifyUserFailed, "Welcome email failed: "+err.Error()
		}
		cancelSend()
		if d.Recorder == nil {
			return
		}
		// The send deadline may have expired; the outcome still gets its own.
		recordCtx, cancelRecord := context.WithTimeout(context.Background(), recordTimeout)
		defer cancelRecord()
		if _, err := d.Recorder.Record(recordCtx, action, actorID, email, details); err != nil {
			d.Log.Error().Err(err).Str("action", action).Msg("record notification outcome")
		}
	}()
}

// Wait blocks until every scheduled notification has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// Close stops accepting new notifications and waits for in-flight ones.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
