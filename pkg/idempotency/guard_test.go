package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestGuard_ConcurrentTryBeginStartsOnce(t *testing.T) {
	t.Parallel()
	g := NewGuard[string](Config{Clock: clockwork.NewFakeClock()})

	const callers = 64
	var started atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := g.TryBegin("k"); ok {
				started.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := started.Load(); n != 1 {
		t.Errorf("expected exactly one owner, got %d", n)
	}
	if n := g.InFlight(); n != 1 {
		t.Errorf("expected one key in flight, got %d", n)
	}
}

func TestGuard_AttachedCallersReceiveResult(t *testing.T) {
	t.Parallel()
	g := NewGuard[string](Config{Clock: clockwork.NewFakeClock()})

	owner, started := g.TryBegin("k")
	if !started {
		t.Fatal("first caller should own the key")
	}
	attached, started := g.TryBegin("k")
	if started {
		t.Fatal("second caller should attach")
	}
	if attached != owner {
		t.Error("attached caller should share the owner's handle")
	}

	g.Complete("k", "done", nil)

	v, err := attached.Wait(context.Background())
	if err != nil || v != "done" {
		t.Errorf("Wait() = %q, %v; want done, nil", v, err)
	}
	if n := g.InFlight(); n != 0 {
		t.Errorf("expected no keys in flight, got %d", n)
	}
}

func TestGuard_DuplicateWithinTTL(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	g := NewGuard[int](Config{DedupeTTL: time.Minute, Clock: clock})

	if _, started := g.TryBegin("k"); !started {
		t.Fatal("expected to own the key")
	}
	if g.IsDuplicate("k") {
		t.Error("in-flight is not yet a completed duplicate")
	}

	g.Complete("k", 1, nil)
	if !g.IsDuplicate("k") {
		t.Error("expected a duplicate right after completion")
	}

	clock.Advance(59 * time.Second)
	if !g.IsDuplicate("k") {
		t.Error("expected a duplicate inside the window")
	}

	clock.Advance(time.Second)
	if g.IsDuplicate("k") {
		t.Error("entry should expire after the TTL")
	}
	if n := g.Remembered(); n != 0 {
		t.Errorf("expected nothing remembered, got %d", n)
	}
}

func TestGuard_FailedCompletionIsRetryable(t *testing.T) {
	t.Parallel()
	g := NewGuard[int](Config{Clock: clockwork.NewFakeClock()})

	h, _ := g.TryBegin("k")
	boom := errors.New("boom")
	g.Complete("k", 0, boom)

	if _, err := h.Wait(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if g.IsDuplicate("k") {
		t.Error("a failed key must not be a duplicate")
	}
	if _, started := g.TryBegin("k"); !started {
		t.Error("a failed key must be claimable again")
	}
}

func TestGuard_RecompletionExtendsWindow(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	g := NewGuard[int](Config{DedupeTTL: time.Minute, Clock: clock})

	g.TryBegin("k")
	g.Complete("k", 1, nil)

	clock.Advance(40 * time.Second)
	g.Forget("k")
	g.TryBegin("k")
	g.Complete("k", 2, nil)

	// The first completion's log entry expires here but must not evict the second
	clock.Advance(30 * time.Second)
	if !g.IsDuplicate("k") {
		t.Error("expected the second completion to still be remembered")
	}

	clock.Advance(30 * time.Second)
	if g.IsDuplicate("k") {
		t.Error("expected the second completion to expire")
	}
}

func TestGuard_NegativeTTLDisablesSuppression(t *testing.T) {
	t.Parallel()
	g := NewGuard[int](Config{DedupeTTL: -1, Clock: clockwork.NewFakeClock()})

	g.TryBegin("k")
	g.Complete("k", 1, nil)
	if g.IsDuplicate("k") {
		t.Error("suppression is disabled")
	}
}

func TestGuard_CompleteUnknownKeyIsSafe(t *testing.T) {
	t.Parallel()
	g := NewGuard[int](Config{Clock: clockwork.NewFakeClock()})

	g.Complete("never-started", 0, nil)
	if !g.IsDuplicate("never-started") {
		t.Error("a successful completion is remembered even without TryBegin")
	}
}

func TestGuard_BeginReportsDuplicate(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	g := NewGuard[string](Config{DedupeTTL: time.Minute, Clock: clock})

	h, started, dup := g.Begin("k")
	if !started || dup || h == nil {
		t.Fatalf("Begin() = %v, %v, %v; want handle, true, false", h, started, dup)
	}

	h2, started, dup := g.Begin("k")
	if started || dup {
		t.Errorf("in-flight key: started=%v duplicate=%v; want false, false", started, dup)
	}
	if h2 != h {
		t.Error("in-flight key attaches to the running attempt")
	}

	g.Complete("k", "done", nil)
	h3, started, dup := g.Begin("k")
	if h3 != nil || started || !dup {
		t.Errorf("completed key: Begin() = %v, %v, %v; want nil, false, true", h3, started, dup)
	}

	clock.Advance(time.Minute + time.Second)
	if _, started, dup = g.Begin("k"); !started || dup {
		t.Errorf("after the window: started=%v duplicate=%v; want true, false", started, dup)
	}
}

func TestGuard_BeginNeverRestartsCompletedKey(t *testing.T) {
	t.Parallel()
	g := NewGuard[string](Config{Clock: clockwork.NewFakeClock()})
	if _, started, _ := g.Begin("k"); !started {
		t.Fatal("expected to own the key")
	}

	const callers = 32
	var restarted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 100; j++ {
				if _, ok, _ := g.Begin("k"); ok {
					restarted.Add(1)
				}
			}
		}()
	}
	close(start)
	g.Complete("k", "done", nil)
	wg.Wait()

	if n := restarted.Load(); n != 0 {
		t.Errorf("a successfully completed key was started again %d times", n)
	}
	if !g.IsDuplicate("k") {
		t.Error("expected the key inside the dedupe window")
	}
}
