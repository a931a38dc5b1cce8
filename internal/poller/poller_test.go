package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/resumeflow/internal/domain"
)

// fakeTimer — таймер фейкового планировщика.
type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeScheduler копит таймеры; тест запускает их вручную через Fire.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// pending возвращает последний не сработавший и не отменённый таймер.
func (s *fakeScheduler) pending() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.timers) - 1; i >= 0; i-- {
		t := s.timers[i]
		if !t.fired && !t.stopped {
			return t
		}
	}
	return nil
}

// Fire выполняет запланированный вызов синхронно.
func (s *fakeScheduler) Fire(t *testing.T) {
	t.Helper()
	timer := s.pending()
	if timer == nil {
		t.Fatal("no pending timer")
	}
	s.mu.Lock()
	timer.fired = true
	s.mu.Unlock()
	timer.f()
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.timers))
	for i, t := range s.timers {
		out[i] = t.delay
	}
	return out
}

// scriptedDescriber отдаёт ответы по очереди; последний повторяется.
type scriptedDescriber struct {
	mu      sync.Mutex
	replies []reply
	calls   int
}

type reply struct {
	status domain.RunStatus
	err    error
	stage  *domain.StageError
}

func (d *scriptedDescriber) Describe(_ context.Context, runID string) (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.replies[min(d.calls, len(d.replies)-1)]
	d.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &Snapshot{RunID: runID, Status: r.status, Error: r.stage}, nil
}

func (d *scriptedDescriber) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestPoller(d Describer, budget int) (*Poller, *fakeScheduler) {
	sched := &fakeScheduler{}
	return New(Config{
		Describer: d,
		Backoff:   DefaultBackoff(),
		Budget:    budget,
		Scheduler: sched,
	}), sched
}

func outcome(t *testing.T, w *Watch) Outcome {
	t.Helper()
	select {
	case out := <-w.Done():
		return out
	default:
		t.Fatal("watch not finished")
		return Outcome{}
	}
}

// --- Backoff Tests ---

func TestBackoff_DefaultSequence(t *testing.T) {
	b := Backoff{Base: 2000 * time.Millisecond, Growth: 1.5, Cap: 10000 * time.Millisecond}

	want := []time.Duration{2000, 3000, 4500, 6750, 10000}
	for i, ms := range want {
		if got := b.Delay(i + 1); got != ms*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, ms*time.Millisecond)
		}
	}

	if got := b.Delay(50); got != 10*time.Second {
		t.Errorf("Delay(50) = %v, want cap", got)
	}
}

func TestBackoff_Degenerate(t *testing.T) {
	b := Backoff{Base: time.Second, Growth: 0.5}
	if got := b.Delay(3); got != time.Second {
		t.Errorf("growth < 1 should be treated as 1, got %v", got)
	}
	if got := b.Delay(0); got != time.Second {
		t.Errorf("Delay(0) should equal Delay(1), got %v", got)
	}
}

// --- Watch Tests ---

func TestWatch_Terminal(t *testing.T) {
	d := &scriptedDescriber{replies: []reply{
		{status: domain.RunStatusPending},
		{status: domain.RunStatusRunning},
		{status: domain.RunStatusRunning},
		{status: domain.RunStatusSucceeded},
	}}
	p, sched := newTestPoller(d, 120)

	var updates []domain.RunStatus
	w := p.Watch("job-1", func(s *Snapshot) { updates = append(updates, s.Status) })

	for i := 0; i < 4; i++ {
		sched.Fire(t)
	}

	out := outcome(t, w)
	if out.Kind != OutcomeTerminal {
		t.Fatalf("expected TERMINAL, got %s", out.Kind)
	}
	if out.Attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", out.Attempts)
	}
	if len(updates) != 4 || updates[3] != domain.RunStatusSucceeded {
		t.Errorf("unexpected updates: %v", updates)
	}

	// После финала опросы не планируются.
	if sched.pending() != nil {
		t.Error("no poll may be scheduled after a terminal status")
	}

	want := []time.Duration{2 * time.Second, 3 * time.Second, 4500 * time.Millisecond, 6750 * time.Millisecond}
	got := sched.delays()
	if len(got) != len(want) {
		t.Fatalf("expected %d timers, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestWatch_FailedSummary(t *testing.T) {
	d := &scriptedDescriber{replies: []reply{{
		status: domain.RunStatusFailed,
		stage:  &domain.StageError{Stage: "ats_optimize", Kind: domain.ErrorKindPermanent, Message: "model refused"},
	}}}
	p, sched := newTestPoller(d, 120)

	w := p.Watch("job-1", nil)
	sched.Fire(t)

	out := outcome(t, w)
	if got := out.Summary(); got != "stage ats_optimize failed: model refused" {
		t.Errorf("unexpected summary: %q", got)
	}
}

func TestWatch_TimedOutSummary(t *testing.T) {
	d := &scriptedDescriber{replies: []reply{{status: domain.RunStatusTimedOut}}}
	p, sched := newTestPoller(d, 120)

	w := p.Watch("job-1", nil)
	sched.Fire(t)

	if got := outcome(t, w).Summary(); got != "run timed out" {
		t.Errorf("unexpected summary: %q", got)
	}
}

func TestWatch_BudgetExhausted(t *testing.T) {
	d := &scriptedDescriber{replies: []reply{{status: domain.RunStatusRunning}}}
	p, sched := newTestPoller(d, 5)

	w := p.Watch("job-1", nil)
	for i := 0; i < 5; i++ {
		sched.Fire(t)
	}

	out := outcome(t, w)
	if out.Kind != OutcomeBudgetExhausted {
		t.Fatalf("expected POLL_BUDGET_EXHAUSTED, got %s", out.Kind)
	}
	if out.Attempts != 5 || d.count() != 5 {
		t.Errorf("expected 5 attempts, got %d (describe calls %d)", out.Attempts, d.count())
	}
	if !strings.HasPrefix(out.Summary(), "stopped checking") {
		t.Errorf("budget summary must differ from a failure, got %q", out.Summary())
	}
	if sched.pending() != nil {
		t.Error("no poll may be scheduled after the budget is spent")
	}
}

func TestWatch_DefaultBudget(t *testing.T) {
	d := &scriptedDescriber{replies: []reply{{status: domain.RunStatusRunning}}}
	p, sched := newTestPoller(d, 0)

	w := p.Watch("job-1", nil)
	for i := 0; i < DefaultBudget; i++ {
		sched.Fire(t)
	}

	if out := outcome(t, w); out.Kind != OutcomeBudgetExhausted || out.Attempts != 120 {
		t.Errorf("expected budget exhausted after 120, got %s after %d", out.Kind, out.Attempts)
	}
}

func TestWatch_TransportErrorsCountAsAttempts(t *testing.T) {
	d := &scriptedDescriber{replies: []reply{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{status: domain.RunStatusSucceeded},
	}}
	p, sched := newTestPoller(d, 120)

	updates := 0
	w := p.Watch("job-1", func(*Snapshot) { updates++ })
	for i := 0; i < 3; i++ {
		sched.Fire(t)
	}

	out := outcome(t, w)
	if out.Kind != OutcomeTerminal || out.Attempts != 3 {
		t.Errorf("expected TERMINAL after 3 attempts, got %s after %d", out.Kind, out.Attempts)
	}
	if updates != 1 {
		t.Errorf("errors must not produce updates, got %d", updates)
	}
	if got := sched.delays(); got[2] != 4500*time.Millisecond {
		t.Errorf("errors must follow the same schedule, delay 3 = %v", got[2])
	}
}

func TestWatch_TransportErrorsExhaustBudget(t *testing.T) {
	d := &scriptedDescriber{replies: []reply{{err: errors.New("timeout")}}}
	p, sched := newTestPoller(d, 3)

	w := p.Watch("job-1", nil)
	for i := 0; i < 3; i++ {
		sched.Fire(t)
	}

	out := outcome(t, w)
	if out.Kind != OutcomeBudgetExhausted {
		t.Fatalf("expected POLL_BUDGET_EXHAUSTED, got %s", out.Kind)
	}
	if out.Err == nil {
		t.Error("expected last transport error in outcome")
	}
}

func TestWatch_NotFound(t *testing.T) {
	d := &scriptedDescriber{replies: []reply{{err: ErrNotFound}}}
	p, sched := newTestPoller(d, 120)

	w := p.Watch("missing", nil)
	sched.Fire(t)

	out := outcome(t, w)
	if out.Kind != OutcomeError || !errors.Is(out.Err, ErrNotFound) {
		t.Errorf("expected ERROR with ErrNotFound, got %s %v", out.Kind, out.Err)
	}
}

// --- Cancel Tests ---

func TestWatch_CancelBeforeFirstPoll(t *testing.T) {
	d := &scriptedDescriber{replies: []reply{{status: domain.RunStatusRunning}}}
	p, sched := newTestPoller(d, 120)

	w := p.Watch("job-1", nil)
	timer := sched.pending()
	w.Cancel()

	if !timer.stopped {
		t.Error("pending timer should be stopped")
	}
	// Сработавший вопреки Stop таймер ничего не делает.
	timer.f()

	if d.count() != 0 {
		t.Errorf("no describe after cancel, got %d", d.count())
	}
	if out := outcome(t, w); out.Kind != OutcomeCancelled {
		t.Errorf("expected CANCELLED, got %s", out.Kind)
	}

	w.Cancel()
}

func TestWatch_InFlightResultDiscarded(t *testing.T) {
	var w *Watch
	updates := 0

	d := DescribeFunc(func(ctx context.Context, runID string) (*Snapshot, error) {
		// Наблюдение отменяют, пока запрос выполняется.
		w.Cancel()
		if ctx.Err() == nil {
			t.Error("in-flight request context should be cancelled")
		}
		return &Snapshot{RunID: runID, Status: domain.RunStatusSucceeded}, nil
	})
	p, sched := newTestPoller(d, 120)

	w = p.Watch("job-1", func(*Snapshot) { updates++ })
	sched.Fire(t)

	if updates != 0 {
		t.Errorf("result after cancel must be discarded, got %d updates", updates)
	}
	if out := outcome(t, w); out.Kind != OutcomeCancelled {
		t.Errorf("expected CANCELLED, got %s", out.Kind)
	}
	if sched.pending() != nil {
		t.Error("no poll may be scheduled after cancel")
	}
}

func TestWatch_StaleTimerIgnored(t *testing.T) {
	d := &scriptedDescriber{replies: []reply{{status: domain.RunStatusRunning}}}
	p, sched := newTestPoller(d, 120)

	p.Watch("job-1", nil)
	first := sched.pending()
	sched.Fire(t)

	// Повторный вызов уже выполненной попытки не порождает второй опрос.
	first.f()

	if d.count() != 1 {
		t.Errorf("expected 1 describe, got %d", d.count())
	}
}

func TestWait_ContextCancel(t *testing.T) {
	d := &scriptedDescriber{replies: []reply{{status: domain.RunStatusRunning}}}
	p, _ := newTestPoller(d, 120)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := p.Wait(ctx, "job-1", nil)
	if out.Kind != OutcomeCancelled {
		t.Errorf("expected CANCELLED, got %s", out.Kind)
	}
}

func TestWait_RealScheduler(t *testing.T) {
	d := &scriptedDescriber{replies: []reply{
		{status: domain.RunStatusRunning},
		{status: domain.RunStatusSucceeded},
	}}
	p := New(Config{
		Describer: d,
		Backoff:   Backoff{Base: time.Millisecond, Growth: 1.5, Cap: 5 * time.Millisecond},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := p.Wait(ctx, "job-1", nil)
	if out.Kind != OutcomeTerminal || out.Attempts != 2 {
		t.Errorf("expected TERMINAL after 2 attempts, got %s after %d", out.Kind, out.Attempts)
	}
}

// --- SubmitGuard Tests ---

func TestSubmitGuard(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	g := NewSubmitGuard(10*time.Second, clock)

	if ok, _ := g.Allow("s1"); !ok {
		t.Fatal("first submission should pass")
	}

	now = now.Add(3 * time.Second)
	ok, wait := g.Allow("s1")
	if ok {
		t.Fatal("submission within interval should be rejected")
	}
	if wait != 7*time.Second {
		t.Errorf("expected 7s wait, got %v", wait)
	}

	// Другая сессия не затронута.
	if ok, _ := g.Allow("s2"); !ok {
		t.Error("other session should pass")
	}

	now = now.Add(7 * time.Second)
	if ok, _ := g.Allow("s1"); !ok {
		t.Error("submission after interval should pass")
	}

	g.Reset("s1")
	if ok, _ := g.Allow("s1"); !ok {
		t.Error("submission after reset should pass")
	}
	if g.Sessions() != 2 {
		t.Errorf("expected 2 sessions, got %d", g.Sessions())
	}
}

func TestSubmitGuard_Defaults(t *testing.T) {
	g := NewSubmitGuard(0, nil)
	if g.interval != DefaultSubmitInterval {
		t.Errorf("expected default interval, got %v", g.interval)
	}
	if ok, _ := g.Allow("s"); !ok {
		t.Error("first submission should pass")
	}
	if ok, _ := g.Allow("s"); ok {
		t.Error("immediate second submission should be rejected")
	}
}
