package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// ErrReconnectStorm is returned once the bounded number of back-to-back
// reconnects has been spent without a single good frame. The worker treats it
// as fatal.
var ErrReconnectStorm = errors.New("reconnect limit reached")

// ReconnectPolicy holds the steady-state failure thresholds.
type ReconnectPolicy struct {
	// OpenAttempts per connection establishment, spaced by OpenRetryDelay.
	OpenAttempts   int
	OpenRetryDelay time.Duration
	// Reconnect triggers: this many consecutive read failures, or this long
	// since the last good frame, whichever comes first.
	MaxConsecutiveFailures int
	StaleAfter             time.Duration
	// ReconnectDelay sits between releasing the old handle and dialing again.
	ReconnectDelay time.Duration
	// MaxStorms bounds back-to-back reconnects with no good frame in between.
	MaxStorms int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		OpenAttempts:           5,
		OpenRetryDelay:         3 * time.Second,
		MaxConsecutiveFailures: 20,
		StaleAfter:             30 * time.Second,
		ReconnectDelay:         3 * time.Second,
		MaxStorms:              10,
	}
}

// Resilient wraps a Source factory with the reconnection policy and stamps
// frames with the camera id and a per-worker monotonic index that survives
// reconnects.
type Resilient struct {
	cameraID int64
	dial     func(ctx context.Context) (Source, error)
	policy   ReconnectPolicy

	// OnReconnecting and OnRecovered drive the worker's status transitions.
	OnReconnecting func(reason string)
	OnRecovered    func()

	src       Source
	nextIndex int64
	consec    int
	storms    int
	total     int
	lastGood  time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewResilient(cameraID int64, policy ReconnectPolicy, dial func(ctx context.Context) (Source, error)) *Resilient {
	if policy.OpenAttempts < 1 {
		policy.OpenAttempts = 1
	}
	if policy.MaxConsecutiveFailures < 1 {
		policy.MaxConsecutiveFailures = 1
	}
	if policy.MaxStorms < 1 {
		policy.MaxStorms = 1
	}
	return &Resilient{
		cameraID: cameraID,
		dial:     dial,
		policy:   policy,
		sleep:    sleepCtx,
	}
}

// Open establishes the first connection, with the configured number of probe
// attempts.
func (r *Resilient) Open(ctx context.Context) error {
	if err := r.openWithRetries(ctx); err != nil {
		return err
	}
	r.lastGood = time.Now()
	return nil
}

func (r *Resilient) openWithRetries(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.OpenAttempts; attempt++ {
		if attempt > 1 {
			if err := r.sleep(ctx, r.policy.OpenRetryDelay); err != nil {
				return err
			}
		}
		src, err := r.dial(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if err := src.Open(ctx); err != nil {
			lastErr = err
			_ = src.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[capture %d] open attempt %d/%d failed: %v", r.cameraID, attempt, r.policy.OpenAttempts, err)
			continue
		}
		r.src = src
		return nil
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrOpenFailed, r.policy.OpenAttempts, lastErr)
}

// Read returns the next good frame, reconnecting per policy. It returns
// ErrReconnectStorm once the storm budget is exhausted, or the context error
// on cancellation.
func (r *Resilient) Read(ctx context.Context) (*Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := r.src.Read(ctx)
		if err == nil {
			r.consec = 0
			r.storms = 0
			r.lastGood = time.Now()
			f.CameraID = r.cameraID
			f.Index = r.nextIndex
			r.nextIndex++
			return f, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		r.consec++
		stale := time.Since(r.lastGood) > r.policy.StaleAfter
		if r.consec < r.policy.MaxConsecutiveFailures && !stale {
			continue
		}

		r.storms++
		r.total++
		if r.storms > r.policy.MaxStorms {
			return nil, fmt.Errorf("%w: %d reconnects without a good frame, last error: %v",
				ErrReconnectStorm, r.storms-1, err)
		}
		if r.OnReconnecting != nil {
			r.OnReconnecting(err.Error())
		}
		log.Printf("[capture %d] reconnecting (%d consecutive failures, stale=%v): %v",
			r.cameraID, r.consec, stale, err)

		_ = r.src.Close()
		if err := r.sleep(ctx, r.policy.ReconnectDelay); err != nil {
			return nil, err
		}
		if err := r.openWithRetries(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Failed reconnect burns another storm on the next loop.
			continue
		}
		r.consec = 0
		r.lastGood = time.Now()
		if r.OnRecovered != nil {
			r.OnRecovered()
		}
	}
}

// Reconnects reports how many reconnect cycles have run since Open.
func (r *Resilient) Reconnects() int {
	return r.total
}

func (r *Resilient) Close() error {
	if r.src == nil {
		return nil
	}
	return r.src.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
