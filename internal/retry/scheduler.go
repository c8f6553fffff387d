// Package retry is the background sweep that re-attempts every optimistic
// message stuck in sending or failed. It is the single recovery path for
// failed sends; the interactive path only ever enqueues it.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var errConditionsNotMet = errors.New("sweep preconditions not met")

const (
	baseSweepBackoff = 2 * time.Second
	maxSweepBackoff  = 60 * time.Second
)

// Attempter runs one sweep over the pending messages. A non-nil error means
// at least one message failed to even initiate and the sweep must re-run.
type Attempter interface {
	AttemptPending(ctx context.Context) error
}

// Scheduler serializes sweeps: at most one runs at a time, and triggers
// arriving while one is outstanding coalesce into a single follow-up run.
// Failed sweeps re-arm themselves with exponential backoff. A gate func, when
// set, is the network precondition: a sweep whose gate is closed does not run
// at all, it re-arms like a failure.
type Scheduler struct {
	attempter Attempter
	gate      func() bool
	logger    *zap.Logger

	trigger chan struct{}
	cancel  func()

	// base/max backoff; tests shrink these.
	base time.Duration
	max  time.Duration
}

func NewScheduler(attempter Attempter, gate func() bool, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		attempter: attempter,
		gate:      gate,
		logger:    logger,
		trigger:   make(chan struct{}, 1),
		base:      baseSweepBackoff,
		max:       maxSweepBackoff,
	}
}

// Enqueue requests a sweep. Keep-existing semantics: if one is already
// queued the request is absorbed, never stacked.
func (s *Scheduler) Enqueue() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start launches the sweep loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop halts the loop. A sweep in flight finishes; it is idempotent if the
// next start re-runs it.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		select {
		case <-s.trigger:
		case <-ctx.Done():
			return
		}

		failures := 0
		for {
			var err error
			if s.gate != nil && !s.gate() {
				err = errConditionsNotMet
			} else {
				err = s.attempter.AttemptPending(ctx)
			}
			if err == nil {
				break
			}
			failures++
			delay := s.backoff(failures)
			s.logger.Warn("pending sweep incomplete, backing off",
				zap.Error(err), zap.Int("failures", failures), zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			// Absorb triggers that arrived during the backoff; the retry
			// below covers them.
			select {
			case <-s.trigger:
			default:
			}
		}
	}
}

func (s *Scheduler) backoff(failures int) time.Duration {
	d := s.base << (failures - 1)
	if d > s.max || d <= 0 {
		return s.max
	}
	return d
}
