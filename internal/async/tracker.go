// Package async suppresses stale responses from operations the user has
// superseded or walked away from.
package async

import (
	"context"
	"sync"

	"github.com/pitabwire/rentalportal/model"
)

// Token identifies one pending operation. Only the most recent token for a
// key is current.
type Token struct {
	Key string
	Seq uint64
}

type pending struct {
	seq    uint64
	cancel context.CancelFunc
}

// Tracker hands out cancellation tokens per key (for example "otp:<phone>")
// and decides whether a late result may still be applied. It is safe for
// concurrent use.
type Tracker struct {
	mu      sync.Mutex
	seq     uint64
	pending map[string]pending
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]pending)}
}

// Begin starts a new operation under key. Any pending operation with the
// same key is superseded and its context cancelled. The returned context is
// derived from parent and is cancelled when the operation is superseded,
// abandoned or resolved.
func (t *Tracker) Begin(parent context.Context, key string) (Token, context.Context) {
	ctx, cancel := context.WithCancel(parent)

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.pending[key]; ok {
		prev.cancel()
	}
	t.seq++
	t.pending[key] = pending{seq: t.seq, cancel: cancel}
	return Token{Key: key, Seq: t.seq}, ctx
}

// Current reports whether tok is still the live operation for its key.
func (t *Tracker) Current(tok Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[tok.Key]
	return ok && p.seq == tok.Seq
}

// Resolve completes the operation identified by tok. If tok is still current
// apply runs (while the tracker is locked, so apply must not call back into
// the tracker) and its error is returned. Otherwise the result is discarded
// and a STALE_RESPONSE error is returned. apply may be nil.
func (t *Tracker) Resolve(tok Token, apply func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[tok.Key]
	if !ok || p.seq != tok.Seq {
		return model.NewStaleResponseError()
	}
	delete(t.pending, tok.Key)
	p.cancel()

	if apply == nil {
		return nil
	}
	return apply()
}

// Abandon cancels the pending operation under key, if any, so its eventual
// result is discarded. It reports whether something was pending.
func (t *Tracker) Abandon(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[key]
	if ok {
		p.cancel()
		delete(t.pending, key)
	}
	return ok
}

// AbandonAll cancels every pending operation and returns how many there were.
func (t *Tracker) AbandonAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.pending)
	for key, p := range t.pending {
		p.cancel()
		delete(t.pending, key)
	}
	return n
}

// Pending returns the number of operations in flight.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Run begins an operation under key, calls fn with the operation's context
// and hands fn's result to apply only if the operation is still current when
// fn returns. A superseded or abandoned operation yields STALE_RESPONSE
// whatever fn returned. When fn fails and the operation is still current,
// fn's error is returned and apply is not called.
func Run[T any](
	ctx context.Context,
	t *Tracker,
	key string,
	fn func(ctx context.Context) (T, error),
	apply func(T) error,
) error {
	tok, opCtx := t.Begin(ctx, key)
	result, err := fn(opCtx)
	return t.Resolve(tok, func() error {
		if err != nil {
			return err
		}
		if apply == nil {
			return nil
		}
		return apply(result)
	})
}
