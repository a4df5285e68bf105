// Package scheduler computes when the next sync cycle should run. The
// polling interval derives from device power state, stretched by consecutive
// cycle failures; external trigger events (reconnect, app foreground) are
// debounced so a burst collapses into one resync.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PowerState describes the device charge level driving the poll interval.
type PowerState struct {
	Charging       bool
	BatteryPercent int
}

// PowerStateProvider reports the current device power state.
type PowerStateProvider interface {
	PowerState() PowerState
}

// StaticPowerProvider always reports the same power state. Useful for hosts
// without battery introspection and for tests.
type StaticPowerProvider struct {
	State PowerState
}

// PowerState returns the fixed state.
func (p StaticPowerProvider) PowerState() PowerState {
	return p.State
}

// Poll intervals per power band, and the failure-backoff bounds.
const (
	intervalCharging   = 60 * time.Second
	intervalHighCharge = 300 * time.Second
	intervalMidCharge  = 900 * time.Second
	intervalLowCharge  = 1800 * time.Second

	// MaxInterval caps the failure-doubled interval.
	MaxInterval = 3600 * time.Second
	// FailureBackoffThreshold is the consecutive-failure count at which the
	// interval doubles from its power-derived baseline.
	FailureBackoffThreshold = 3
	// DebounceWindow suppresses repeated trigger events within this window.
	DebounceWindow = 30 * time.Second
)

// BaselineInterval maps a power state to its polling interval.
func BaselineInterval(state PowerState) time.Duration {
	switch {
	case state.Charging || state.BatteryPercent >= 100:
		return intervalCharging
	case state.BatteryPercent > 50:
		return intervalHighCharge
	case state.BatteryPercent >= 20:
		return intervalMidCharge
	default:
		return intervalLowCharge
	}
}

// IntervalFor computes the scheduling interval from power state and the
// consecutive-failure count: the baseline doubles once the failure count
// reaches the threshold, capped at MaxInterval.
func IntervalFor(state PowerState, consecutiveFailures int) time.Duration {
	interval := BaselineInterval(state)
	if consecutiveFailures >= FailureBackoffThreshold {
		interval *= 2
		if interval > MaxInterval {
			interval = MaxInterval
		}
	}
	return interval
}

// ShouldDebounce reports whether a trigger at now should be ignored because
// another trigger fired within the debounce window.
func ShouldDebounce(now, lastTrigger time.Time, window time.Duration) bool {
	if lastTrigger.IsZero() {
		return false
	}
	return now.Sub(lastTrigger) < window
}

var (
	errMissingFire = errors.New("scheduler fire callback is required")
	noOpLogger     = zap.NewNop()
)

// Config configures the scheduler.
type Config struct {
	Power PowerStateProvider
	// Fire runs one sync cycle. Invoked from the scheduler goroutine.
	Fire           func(ctx context.Context)
	DebounceWindow time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Scheduler owns the single cancellable scheduled task that arms sync
// cycles. Trigger events from reachability or the app lifecycle feed through
// TriggerEvent, which applies the debounce rule.
type Scheduler struct {
	power          PowerStateProvider
	fire           func(ctx context.Context)
	debounceWindow time.Duration
	clock          func() time.Time
	logger         *zap.Logger

	mu                  sync.Mutex
	consecutiveFailures int
	lastTrigger         time.Time
	kick                chan struct{}
	cancel              context.CancelFunc
	done                chan struct{}
}

// New validates the configuration and returns a stopped scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Fire == nil {
		return nil, errMissingFire
	}
	power := cfg.Power
	if power == nil {
		power = StaticPowerProvider{State: PowerState{Charging: true}}
	}
	window := cfg.DebounceWindow
	if window <= 0 {
		window = DebounceWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Scheduler{
		power:          power,
		fire:           cfg.Fire,
		debounceWindow: window,
		clock:          clock,
		logger:         logger,
		kick:           make(chan struct{}, 1),
	}, nil
}

// Interval returns the currently effective scheduling interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	failures := s.consecutiveFailures
	s.mu.Unlock()
	return IntervalFor(s.power.PowerState(), failures)
}

// RecordSuccess resets the failure backoff to its power-derived baseline.
func (s *Scheduler) RecordSuccess() {
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.mu.Unlock()
}

// RecordFailure increments the consecutive-failure count.
func (s *Scheduler) RecordFailure() {
	s.mu.Lock()
	s.consecutiveFailures++
	s.mu.Unlock()
}

// ConsecutiveFailures returns the current failure streak.
func (s *Scheduler) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

// TriggerEvent requests an immediate cycle in response to an external event
// (reachability regained, app foregrounded). Events inside the debounce
// window are dropped. Returns true when the trigger was accepted.
func (s *Scheduler) TriggerEvent() bool {
	now := s.clock().UTC()

	s.mu.Lock()
	if ShouldDebounce(now, s.lastTrigger, s.debounceWindow) {
		s.mu.Unlock()
		s.logger.Debug("sync trigger debounced")
		return false
	}
	s.lastTrigger = now
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return true
}

// Start launches the scheduling loop until Stop is called or ctx cancels.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		timer := time.NewTimer(s.Interval())
		defer timer.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-timer.C:
				s.fire(loopCtx)
			case <-s.kick:
				s.fire(loopCtx)
			}
			timer.Reset(s.Interval())
		}
	}()
}

// Stop cancels the scheduling loop and waits for it to exit. An in-flight
// cycle is not interrupted; only future arming stops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
