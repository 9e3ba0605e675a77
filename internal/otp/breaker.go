package otp

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrGatewayUnavailable is returned while the breaker is open.
var ErrGatewayUnavailable = errors.New("otp gateway unavailable")

// BreakerState is the state of a BreakerDispatcher.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerOptions tunes a BreakerDispatcher. Zero values select 5 failures,
// 2 successes and a 30s open period.
type BreakerOptions struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	Now              func() time.Time
	Logger           *zap.Logger
}

// BreakerDispatcher stops calling a failing gateway for OpenTimeout after
// FailureThreshold consecutive failures. While half-open it lets calls
// through and closes again after SuccessThreshold successes; any failure
// reopens it.
type BreakerDispatcher struct {
	next Dispatcher
	opts BreakerOptions

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreakerDispatcher wraps next with a circuit breaker.
func NewBreakerDispatcher(next Dispatcher, opts BreakerOptions) *BreakerDispatcher {
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 5
	}
	if opts.SuccessThreshold < 1 {
		opts.SuccessThreshold = 2
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &BreakerDispatcher{next: next, opts: opts}
}

// Dispatch forwards to the wrapped dispatcher unless the breaker is open.
func (b *BreakerDispatcher) Dispatch(ctx context.Context, phone, code string) error {
	if !b.allow() {
		return ErrGatewayUnavailable
	}
	err := b.next.Dispatch(ctx, phone, code)
	if err != nil && ctx.Err() == nil {
		b.recordFailure()
		return err
	}
	if err == nil {
		b.recordSuccess()
	}
	return err
}

// State reports the current state, moving an expired open breaker to
// half-open.
func (b *BreakerDispatcher) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	return b.state
}

func (b *BreakerDispatcher) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	return b.state != BreakerOpen
}

func (b *BreakerDispatcher) expireLocked() {
	if b.state == BreakerOpen && b.opts.Now().Sub(b.openedAt) >= b.opts.OpenTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}

func (b *BreakerDispatcher) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.opts.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
			b.opts.Logger.Info("otp gateway breaker closed")
		}
	}
}

func (b *BreakerDispatcher) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.opts.FailureThreshold {
			b.tripLocked()
		}
	case BreakerHalfOpen:
		b.tripLocked()
	}
}

func (b *BreakerDispatcher) tripLocked() {
	b.state = BreakerOpen
	b.openedAt = b.opts.Now()
	b.successes = 0
	b.opts.Logger.Warn("otp gateway breaker opened",
		zap.Int("failures", b.failures),
		zap.Duration("open_for", b.opts.OpenTimeout),
	)
}
