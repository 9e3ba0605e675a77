package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/rentalportal/model"
)

func TestTracker_resolveCurrent(t *testing.T) {
	tr := NewTracker()
	tok, ctx := tr.Begin(context.Background(), "otp:9876543210")

	applied := false
	if err := tr.Resolve(tok, func() error { applied = true; return nil }); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !applied {
		t.Error("apply not called for current token")
	}
	if ctx.Err() == nil {
		t.Error("operation context should be cancelled after resolve")
	}
	if tr.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", tr.Pending())
	}

	// A token resolves once.
	if err := tr.Resolve(tok, nil); !model.IsCode(err, model.ErrStaleResponse) {
		t.Errorf("second Resolve = %v, want STALE_RESPONSE", err)
	}
}

func TestTracker_supersededTokenIsStale(t *testing.T) {
	tr := NewTracker()
	first, firstCtx := tr.Begin(context.Background(), "otp:9876543210")
	second, _ := tr.Begin(context.Background(), "otp:9876543210")

	if firstCtx.Err() == nil {
		t.Error("superseded operation context should be cancelled")
	}
	if tr.Current(first) {
		t.Error("first token still current")
	}
	if !tr.Current(second) {
		t.Error("second token not current")
	}

	applied := false
	err := tr.Resolve(first, func() error { applied = true; return nil })
	if !model.IsCode(err, model.ErrStaleResponse) {
		t.Errorf("Resolve(first) = %v, want STALE_RESPONSE", err)
	}
	if applied {
		t.Error("stale result was applied")
	}
	if err := tr.Resolve(second, nil); err != nil {
		t.Errorf("Resolve(second) = %v", err)
	}
}

func TestTracker_keysAreIndependent(t *testing.T) {
	tr := NewTracker()
	a, _ := tr.Begin(context.Background(), "otp:1111111111")
	b, _ := tr.Begin(context.Background(), "submit")
	if !tr.Current(a) || !tr.Current(b) {
		t.Error("tokens under different keys should both be current")
	}
	if tr.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", tr.Pending())
	}
}

func TestTracker_abandon(t *testing.T) {
	tr := NewTracker()
	tok, ctx := tr.Begin(context.Background(), "otp:9876543210")

	if !tr.Abandon("otp:9876543210") {
		t.Fatal("Abandon reported nothing pending")
	}
	if ctx.Err() == nil {
		t.Error("abandoned context not cancelled")
	}
	if err := tr.Resolve(tok, func() error { t.Error("apply called after abandon"); return nil }); !model.IsCode(err, model.ErrStaleResponse) {
		t.Errorf("Resolve after Abandon = %v, want STALE_RESPONSE", err)
	}
	if tr.Abandon("otp:9876543210") {
		t.Error("second Abandon reported something pending")
	}
}

func TestTracker_abandonAll(t *testing.T) {
	tr := NewTracker()
	_, c1 := tr.Begin(context.Background(), "a")
	_, c2 := tr.Begin(context.Background(), "b")

	if n := tr.AbandonAll(); n != 2 {
		t.Errorf("AbandonAll() = %d, want 2", n)
	}
	if c1.Err() == nil || c2.Err() == nil {
		t.Error("contexts not cancelled")
	}
	if tr.Pending() != 0 {
		t.Errorf("Pending() = %d", tr.Pending())
	}
}

func TestTracker_applyErrorIsReturned(t *testing.T) {
	tr := NewTracker()
	tok, _ := tr.Begin(context.Background(), "k")
	want := errors.New("boom")
	if err := tr.Resolve(tok, func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Resolve = %v, want %v", err, want)
	}
}

func TestRun_appliesCurrentResult(t *testing.T) {
	tr := NewTracker()
	var got string
	err := Run(context.Background(), tr, "otp",
		func(context.Context) (string, error) { return "ticket-1", nil },
		func(v string) error { got = v; return nil },
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "ticket-1" {
		t.Errorf("applied %q", got)
	}
}

func TestRun_failureIsReturnedWithoutApply(t *testing.T) {
	tr := NewTracker()
	netErr := model.NewNetworkError("send otp", errors.New("timeout"))
	err := Run(context.Background(), tr, "otp",
		func(context.Context) (string, error) { return "", netErr },
		func(string) error { t.Error("apply called on failure"); return nil },
	)
	if !model.IsCode(err, model.ErrNetworkError) {
		t.Errorf("Run = %v, want NETWORK_ERROR", err)
	}
	if tr.Pending() != 0 {
		t.Error("failed operation left pending")
	}
}

func TestRun_lateReplyAfterSupersedeIsDiscarded(t *testing.T) {
	tr := NewTracker()
	started := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	var applied []string

	slowErr := make(chan error, 1)
	go func() {
		slowErr <- Run(context.Background(), tr, "otp",
			func(ctx context.Context) (string, error) {
				close(started)
				<-release
				return "old", nil
			},
			func(v string) error { mu.Lock(); applied = append(applied, v); mu.Unlock(); return nil },
		)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("slow operation never started")
	}

	err := Run(context.Background(), tr, "otp",
		func(context.Context) (string, error) { return "new", nil },
		func(v string) error { mu.Lock(); applied = append(applied, v); mu.Unlock(); return nil },
	)
	if err != nil {
		t.Fatalf("fast Run: %v", err)
	}

	close(release)
	if err := <-slowErr; !model.IsCode(err, model.ErrStaleResponse) {
		t.Errorf("slow Run = %v, want STALE_RESPONSE", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 1 || applied[0] != "new" {
		t.Errorf("applied = %v, want [new]", applied)
	}
}
