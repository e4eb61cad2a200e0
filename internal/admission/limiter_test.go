package admission

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestLimiter(cfg Config) (*Limiter, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return NewLimiter(cfg, clock), clock
}

func TestLimiter_PerClientCap(t *testing.T) {
	l, _ := newTestLimiter(Config{Enabled: true, MaxPerClient: 2})

	t1, ok := l.TryAdmit("1.2.3.4")
	if !ok {
		t.Fatal("Expected first admission")
	}
	if _, ok := l.TryAdmit("1.2.3.4"); !ok {
		t.Fatal("Expected second admission")
	}
	if _, ok := l.TryAdmit("1.2.3.4"); ok {
		t.Fatal("Expected third admission to be rejected while two are active")
	}
	if got := l.Active("1.2.3.4"); got != 2 {
		t.Errorf("Rejection must not change counts, got active=%d", got)
	}

	t1.Release()
	if _, ok := l.TryAdmit("1.2.3.4"); !ok {
		t.Error("Expected admission after one release")
	}
}

func TestLimiter_IdentitiesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{Enabled: true, MaxPerClient: 1})

	if _, ok := l.TryAdmit("a"); !ok {
		t.Fatal("Expected admission for a")
	}
	if _, ok := l.TryAdmit("b"); !ok {
		t.Error("Expected admission for b while a is at its cap")
	}
}

func TestLimiter_GlobalCap(t *testing.T) {
	l, _ := newTestLimiter(Config{Enabled: true, MaxPerClient: 5, MaxGlobal: 2})

	l.TryAdmit("a")
	tb, _ := l.TryAdmit("b")
	if _, ok := l.TryAdmit("c"); ok {
		t.Fatal("Expected global cap rejection")
	}
	tb.Release()
	if _, ok := l.TryAdmit("c"); !ok {
		t.Error("Expected admission after global slot freed")
	}
	if got := l.Global(); got != 2 {
		t.Errorf("Expected global 2, got %d", got)
	}
}

func TestLimiter_ReleaseIsIdempotent(t *testing.T) {
	l, _ := newTestLimiter(Config{Enabled: true, MaxPerClient: 3})

	t1, _ := l.TryAdmit("a")
	l.TryAdmit("a")

	t1.Release()
	t1.Release()
	t1.Release()

	if got := l.Active("a"); got != 1 {
		t.Errorf("Expected active 1 after repeated release, got %d", got)
	}
	if got := l.Global(); got != 1 {
		t.Errorf("Expected global 1 after repeated release, got %d", got)
	}
}

func TestLimiter_ConcurrentRelease(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{Enabled: true, MaxPerClient: 100})
	ticket, _ := l.TryAdmit("a")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket.Release()
		}()
	}
	wg.Wait()

	if got := l.Global(); got != 0 {
		t.Errorf("Expected global 0, got %d", got)
	}
}

func TestLimiter_RequestWindow(t *testing.T) {
	l, clock := newTestLimiter(Config{Enabled: true, MaxRequests: 2, Window: time.Minute})

	for i := 0; i < 2; i++ {
		ticket, ok := l.TryAdmit("a")
		if !ok {
			t.Fatalf("Expected request %d to be admitted", i+1)
		}
		ticket.Release()
	}
	if _, ok := l.TryAdmit("a"); ok {
		t.Fatal("Expected third request in window to be rejected")
	}

	clock.Advance(61 * time.Second)
	if _, ok := l.TryAdmit("a"); !ok {
		t.Error("Expected admission once the window has passed")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l, _ := newTestLimiter(Config{Enabled: false, MaxPerClient: 1, MaxGlobal: 1})

	for i := 0; i < 10; i++ {
		ticket, ok := l.TryAdmit("a")
		if !ok || ticket == nil {
			t.Fatalf("Disabled limiter must always admit (iteration %d)", i)
		}
	}
	if got := l.Global(); got != 0 {
		t.Errorf("Disabled limiter should not track sessions, got %d", got)
	}
}

func TestLimiter_SweepEvictsExpired(t *testing.T) {
	l, clock := newTestLimiter(Config{Enabled: true, MaxRequests: 5, Window: time.Minute})

	ticket, _ := l.TryAdmit("a")
	ticket.Release()
	clock.Advance(2 * time.Minute)
	l.Sweep()

	l.mu.Lock()
	_, exists := l.requests["a"]
	l.mu.Unlock()
	if exists {
		t.Error("Expected expired request history to be evicted")
	}
}

func TestLimiter_StartEvictionStopsOnCancel(t *testing.T) {
	l, clock := newTestLimiter(Config{Enabled: true, MaxRequests: 5, Window: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	ticket, _ := l.TryAdmit("a")
	ticket.Release()
	l.StartEviction(ctx)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("eviction ticker was not registered: %v", err)
	}
	clock.Advance(2 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		_, exists := l.requests["a"]
		l.mu.Unlock()
		if !exists {
			cancel()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	t.Fatal("timed out waiting for eviction sweep")
}

func TestTicket_NilRelease(t *testing.T) {
	var ticket *Ticket
	ticket.Release()
}

func TestLimiter_RejectionUsesConfiguredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	l, _ := newTestLimiter(Config{Enabled: true, MaxPerClient: 1, Logger: logger})

	if _, ok := l.TryAdmit("1.2.3.4"); !ok {
		t.Fatal("Expected first admission")
	}
	if _, ok := l.TryAdmit("1.2.3.4"); ok {
		t.Fatal("Expected second admission to be rejected")
	}

	out := buf.String()
	if !strings.Contains(out, "Admission rejected: client cap") || !strings.Contains(out, "client_id=1.2.3.4") {
		t.Errorf("log output = %q, want the client cap rejection", out)
	}
}
