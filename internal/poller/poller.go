package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/resumeflow/internal/domain"
)

// ErrNotFound — run не существует; наблюдение прекращается сразу.
// Describer возвращает её (или обёртку), когда повторять опрос бессмысленно.
var ErrNotFound = errors.New("run not found")

// Snapshot — состояние run, которое видит клиент.
type Snapshot struct {
	RunID        string
	Status       domain.RunStatus
	CurrentStage string
	Output       map[string]any
	Error        *domain.StageError
}

// Describer читает состояние run (API клиент или оркестратор).
type Describer interface {
	Describe(ctx context.Context, runID string) (*Snapshot, error)
}

// DescribeFunc — адаптер функции к Describer.
type DescribeFunc func(ctx context.Context, runID string) (*Snapshot, error)

// Describe вызывает функцию.
func (f DescribeFunc) Describe(ctx context.Context, runID string) (*Snapshot, error) {
	return f(ctx, runID)
}

// OutcomeKind — почему наблюдение закончилось.
type OutcomeKind string

const (
	// OutcomeTerminal — run в финальном статусе.
	OutcomeTerminal OutcomeKind = "TERMINAL"

	// OutcomeBudgetExhausted — бюджет попыток исчерпан, run может ещё выполняться.
	OutcomeBudgetExhausted OutcomeKind = "POLL_BUDGET_EXHAUSTED"

	// OutcomeCancelled — наблюдение отменил вызывающий.
	OutcomeCancelled OutcomeKind = "CANCELLED"

	// OutcomeError — опрос невозможен (run не найден).
	OutcomeError OutcomeKind = "ERROR"
)

// BudgetExhaustedMessage — сообщение клиенту, когда опрос прекращён.
const BudgetExhaustedMessage = "stopped checking; the run may still be in progress — check back later"

// Outcome — итог наблюдения.
type Outcome struct {
	Kind     OutcomeKind
	Snapshot *Snapshot
	Attempts int
	Err      error
}

// Summary возвращает одну строку для пользователя.
func (o Outcome) Summary() string {
	switch o.Kind {
	case OutcomeTerminal:
		return SummarizeSnapshot(o.Snapshot)
	case OutcomeBudgetExhausted:
		return BudgetExhaustedMessage
	case OutcomeCancelled:
		return "stopped watching"
	default:
		if o.Err != nil {
			return o.Err.Error()
		}
		return "watch failed"
	}
}

// SummarizeSnapshot описывает финальное состояние run.
func SummarizeSnapshot(s *Snapshot) string {
	if s == nil {
		return ""
	}
	switch s.Status {
	case domain.RunStatusSucceeded:
		return "run succeeded"
	case domain.RunStatusTimedOut:
		return "run timed out"
	case domain.RunStatusFailed:
		if s.Error == nil {
			return "run failed"
		}
		return fmt.Sprintf("stage %s failed: %s", s.Error.Stage, s.Error.Message)
	default:
		return string(s.Status)
	}
}

// Config — конфигурация Poller.
type Config struct {
	Describer Describer

	// Backoff — расписание задержек (default: DefaultBackoff).
	Backoff Backoff

	// Budget — максимум попыток (default: 120).
	Budget int

	// RequestTimeout — лимит одного describe (default: 30s).
	RequestTimeout time.Duration

	// Scheduler — источник таймеров (default: RealScheduler).
	Scheduler Scheduler

	Logger *slog.Logger
}

// Poller наблюдает за runs.
type Poller struct {
	describer      Describer
	backoff        Backoff
	budget         int
	requestTimeout time.Duration
	sched          Scheduler
	logger         *slog.Logger
}

// New создаёт Poller.
func New(cfg Config) *Poller {
	backoff := cfg.Backoff
	if backoff.Base <= 0 {
		backoff = DefaultBackoff()
	}
	budget := cfg.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = RealScheduler{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		describer:      cfg.Describer,
		backoff:        backoff,
		budget:         budget,
		requestTimeout: timeout,
		sched:          sched,
		logger:         logger.With("component", "poller"),
	}
}

// Watch начинает наблюдение за run.
//
// onUpdate вызывается после каждого успешного describe, последовательно,
// под блокировкой наблюдения: onUpdate не должен вызывать Cancel того же
// Watch. После Cancel onUpdate больше не вызывается.
func (p *Poller) Watch(runID string, onUpdate func(*Snapshot)) *Watch {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watch{
		poller:   p,
		runID:    runID,
		onUpdate: onUpdate,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan Outcome, 1),
		logger:   p.logger.With("run_id", runID),
	}

	w.mu.Lock()
	w.scheduleLocked()
	w.mu.Unlock()
	return w
}

// Wait наблюдает за run до финала и возвращает итог.
// Отмена ctx отменяет наблюдение.
func (p *Poller) Wait(ctx context.Context, runID string, onUpdate func(*Snapshot)) Outcome {
	w := p.Watch(runID, onUpdate)
	select {
	case out := <-w.Done():
		return out
	case <-ctx.Done():
		w.Cancel()
		return <-w.Done()
	}
}

// Watch — одно наблюдение за run.
//
// В каждый момент запланирован не более чем один опрос, и следующий
// планируется только после ответа на предыдущий.
type Watch struct {
	poller   *Poller
	runID    string
	onUpdate func(*Snapshot)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	attempt  int
	timer    Timer
	finished bool
	lastErr  error

	done   chan Outcome
	logger *slog.Logger
}

// Done возвращает канал с итогом; закрывается после отправки.
func (w *Watch) Done() <-chan Outcome {
	return w.done
}

// Attempts возвращает число выполненных опросов.
func (w *Watch) Attempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempt
}

// Cancel прекращает наблюдение: запланированный опрос отменяется,
// ответ выполняющегося отбрасывается. Повторный вызов ничего не делает.
func (w *Watch) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.finishLocked(Outcome{Kind: OutcomeCancelled, Attempts: w.attempt})
}

// scheduleLocked планирует следующий опрос.
func (w *Watch) scheduleLocked() {
	next := w.attempt + 1
	delay := w.poller.backoff.Delay(next)
	w.timer = w.poller.sched.AfterFunc(delay, func() { w.poll(next) })
}

// poll выполняет попытку attempt. Устаревший вызов (после Cancel
// или уже выполненной попытки) ничего не делает.
func (w *Watch) poll(attempt int) {
	w.mu.Lock()
	if w.finished || w.attempt != attempt-1 {
		w.mu.Unlock()
		return
	}
	w.attempt = attempt
	w.timer = nil
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(w.ctx, w.poller.requestTimeout)
	snap, err := w.poller.describer.Describe(ctx, w.runID)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished {
		return
	}

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			w.finishLocked(Outcome{Kind: OutcomeError, Attempts: attempt, Err: err})
			return
		}
		w.logger.Debug("describe failed", "attempt", attempt, "error", err)
		w.lastErr = err
	} else {
		w.lastErr = nil
		if w.onUpdate != nil {
			w.onUpdate(snap)
		}
		if snap.Status.IsTerminal() {
			w.finishLocked(Outcome{Kind: OutcomeTerminal, Snapshot: snap, Attempts: attempt})
			return
		}
	}

	if attempt >= w.poller.budget {
		w.logger.Info("poll budget exhausted", "attempts", attempt)
		w.finishLocked(Outcome{
			Kind:     OutcomeBudgetExhausted,
			Snapshot: snap,
			Attempts: attempt,
			Err:      w.lastErr,
		})
		return
	}

	w.scheduleLocked()
}

func (w *Watch) finishLocked(out Outcome) {
	w.finished = true
	w.cancel()
	w.done <- out
	close(w.done)
}
