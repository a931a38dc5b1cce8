package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/engine"
)

// fakeSleeper записывает задержки и не ждёт.
type fakeSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestExecutor(op Operation) (*Executor, *fakeSleeper) {
	registry := NewRegistry()
	registry.Register("op", op)
	sleeper := &fakeSleeper{}
	return New(Config{Registry: registry, Sleep: sleeper.Sleep}), sleeper
}

func newTestStage(policy *domain.RetryPolicy) *engine.Stage {
	return &engine.Stage{
		Def:     &domain.StageDef{ID: "s1", Operation: "op"},
		Timeout: time.Second,
		Retry:   policy,
	}
}

func aiPolicy() *domain.RetryPolicy {
	return &domain.RetryPolicy{
		MaxAttempts: 2,
		IntervalMs:  5000,
		BackoffRate: 2.0,
		RetryOn:     []domain.ErrorKind{domain.ErrorKindTransient, domain.ErrorKindStageTimeout},
	}
}

// --- Success Tests ---

func TestExecute_Success(t *testing.T) {
	exec, sleeper := newTestExecutor(OperationFunc(func(_ context.Context, req *Request) (map[string]any, error) {
		return map[string]any{"echo": req.Input["x"]}, nil
	}))

	result, err := exec.Execute(context.Background(), "run-1", newTestStage(aiPolicy()), map[string]any{"x": "y"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Succeeded() {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", result.Status, result.Error)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if result.Output["echo"] != "y" {
		t.Errorf("unexpected output: %v", result.Output)
	}
	if result.RunID != "run-1" || result.Stage != "s1" {
		t.Errorf("unexpected identity: %s/%s", result.RunID, result.Stage)
	}
	if len(sleeper.delays) != 0 {
		t.Errorf("expected no backoff, got %v", sleeper.delays)
	}
}

func TestExecute_RendersConfig(t *testing.T) {
	var prompt any
	exec, _ := newTestExecutor(OperationFunc(func(_ context.Context, req *Request) (map[string]any, error) {
		prompt = req.Config["prompt"]
		return nil, nil
	}))

	stage := newTestStage(aiPolicy())
	stage.Def.Config = map[string]any{"prompt": "Job: {{ .title }}"}

	result, _ := exec.Execute(context.Background(), "run-1", stage, map[string]any{"title": "dev"})
	if !result.Succeeded() {
		t.Fatalf("expected SUCCEEDED, got %s", result.Status)
	}
	if prompt != "Job: dev" {
		t.Errorf("expected rendered prompt, got %v", prompt)
	}
	if result.Output == nil {
		t.Error("nil output should become an empty object")
	}
}

// --- Retry Tests ---

func TestExecute_TransientThenSuccess(t *testing.T) {
	calls := 0
	exec, sleeper := newTestExecutor(OperationFunc(func(_ context.Context, req *Request) (map[string]any, error) {
		calls++
		if req.Attempt == 1 {
			return nil, domain.Transientf("throttled")
		}
		return map[string]any{"ok": true}, nil
	}))

	result, _ := exec.Execute(context.Background(), "run-1", newTestStage(aiPolicy()), nil)

	if !result.Succeeded() {
		t.Fatalf("expected SUCCEEDED, got %s", result.Status)
	}
	if calls != 2 || result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got calls=%d attempts=%d", calls, result.Attempts)
	}
	if len(sleeper.delays) != 1 || sleeper.delays[0] != 5*time.Second {
		t.Errorf("expected one 5s backoff, got %v", sleeper.delays)
	}
}

func TestExecute_RetryExhausted(t *testing.T) {
	calls := 0
	exec, sleeper := newTestExecutor(OperationFunc(func(context.Context, *Request) (map[string]any, error) {
		calls++
		return nil, domain.Transientf("service unavailable")
	}))

	result, _ := exec.Execute(context.Background(), "run-1", newTestStage(aiPolicy()), nil)

	if !result.Failed() {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}
	if calls != 2 {
		t.Errorf("expected exactly 2 calls, got %d", calls)
	}
	if result.ErrorKind != domain.ErrorKindTransient {
		t.Errorf("expected transient kind, got %s", result.ErrorKind)
	}
	if result.Error != "service unavailable" {
		t.Errorf("expected original error, got %q", result.Error)
	}
	// Повтор не раньше чем через interval
	if len(sleeper.delays) != 1 || sleeper.delays[0] < 5*time.Second {
		t.Errorf("expected single wait of at least 5s, got %v", sleeper.delays)
	}
}

func TestExecute_BackoffGrows(t *testing.T) {
	exec, sleeper := newTestExecutor(OperationFunc(func(context.Context, *Request) (map[string]any, error) {
		return nil, domain.Transientf("again")
	}))

	policy := aiPolicy()
	policy.MaxAttempts = 4
	_, _ = exec.Execute(context.Background(), "run-1", newTestStage(policy), nil)

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	if len(sleeper.delays) != len(want) {
		t.Fatalf("expected %d delays, got %v", len(want), sleeper.delays)
	}
	for i := range want {
		if sleeper.delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], sleeper.delays[i])
		}
	}
}

func TestExecute_PermanentNotRetried(t *testing.T) {
	calls := 0
	exec, sleeper := newTestExecutor(OperationFunc(func(context.Context, *Request) (map[string]any, error) {
		calls++
		return nil, domain.Permanentf("invalid job description")
	}))

	result, _ := exec.Execute(context.Background(), "run-1", newTestStage(aiPolicy()), nil)

	if !result.Failed() || result.ErrorKind != domain.ErrorKindPermanent {
		t.Fatalf("expected permanent failure, got %s/%s", result.Status, result.ErrorKind)
	}
	if calls != 1 || len(sleeper.delays) != 0 {
		t.Errorf("permanent error should not be retried: calls=%d delays=%v", calls, sleeper.delays)
	}
}

func TestExecute_UnclassifiedErrorIsPermanent(t *testing.T) {
	exec, _ := newTestExecutor(OperationFunc(func(context.Context, *Request) (map[string]any, error) {
		return nil, errors.New("boom")
	}))

	result, _ := exec.Execute(context.Background(), "run-1", newTestStage(aiPolicy()), nil)
	if result.ErrorKind != domain.ErrorKindPermanent || result.Attempts != 1 {
		t.Errorf("expected single permanent attempt, got %s after %d", result.ErrorKind, result.Attempts)
	}
}

// --- Timeout Tests ---

func TestExecute_StageTimeoutRetried(t *testing.T) {
	calls := 0
	exec, sleeper := newTestExecutor(OperationFunc(func(ctx context.Context, _ *Request) (map[string]any, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	stage := newTestStage(aiPolicy())
	stage.Timeout = 10 * time.Millisecond

	result, err := exec.Execute(context.Background(), "run-1", stage, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.ErrorKind != domain.ErrorKindStageTimeout {
		t.Errorf("expected STAGE_TIMEOUT, got %s", result.ErrorKind)
	}
	if calls != 2 || len(sleeper.delays) != 1 {
		t.Errorf("stage timeout should be retried once: calls=%d delays=%v", calls, sleeper.delays)
	}
}

func TestExecute_IgnoringContextStillTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	exec, _ := newTestExecutor(OperationFunc(func(context.Context, *Request) (map[string]any, error) {
		<-release
		return map[string]any{"late": true}, nil
	}))

	stage := newTestStage(&domain.RetryPolicy{MaxAttempts: 1, BackoffRate: 1})
	stage.Timeout = 10 * time.Millisecond

	result, _ := exec.Execute(context.Background(), "run-1", stage, nil)
	if !result.Failed() || result.ErrorKind != domain.ErrorKindStageTimeout {
		t.Errorf("expected STAGE_TIMEOUT failure, got %s/%s", result.Status, result.ErrorKind)
	}
}

func TestExecute_PartialSuccessIsFailure(t *testing.T) {
	exec, _ := newTestExecutor(OperationFunc(func(context.Context, *Request) (map[string]any, error) {
		return map[string]any{"written": "artifact"}, domain.Permanentf("lost response")
	}))

	result, _ := exec.Execute(context.Background(), "run-1", newTestStage(aiPolicy()), nil)
	if !result.Failed() {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}
	if result.Output != nil {
		t.Errorf("failed stage must not expose output, got %v", result.Output)
	}
}

func TestExecute_RunTimeoutTakesPrecedence(t *testing.T) {
	calls := 0
	exec, sleeper := newTestExecutor(OperationFunc(func(ctx context.Context, _ *Request) (map[string]any, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	result, err := exec.Execute(ctx, "run-1", newTestStage(aiPolicy()), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.ErrorKind != domain.ErrorKindRunTimeout {
		t.Errorf("expected RUN_TIMEOUT, got %s", result.ErrorKind)
	}
	if calls != 1 || len(sleeper.delays) != 0 {
		t.Errorf("run timeout must not be retried: calls=%d delays=%v", calls, sleeper.delays)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	exec, _ := newTestExecutor(OperationFunc(func(ctx context.Context, _ *Request) (map[string]any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	result, err := exec.Execute(ctx, "run-1", newTestStage(aiPolicy()), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if result != nil {
		t.Errorf("interrupted stage should have no result, got %+v", result)
	}
}

// --- Misconfiguration Tests ---

func TestExecute_UnknownOperation(t *testing.T) {
	exec := New(Config{Registry: NewRegistry()})

	result, err := exec.Execute(context.Background(), "run-1", newTestStage(aiPolicy()), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Failed() || result.ErrorKind != domain.ErrorKindPermanent {
		t.Errorf("expected permanent failure, got %s/%s", result.Status, result.ErrorKind)
	}
}

func TestExecute_Panic(t *testing.T) {
	exec, _ := newTestExecutor(OperationFunc(func(context.Context, *Request) (map[string]any, error) {
		panic("nil map")
	}))

	result, _ := exec.Execute(context.Background(), "run-1", newTestStage(aiPolicy()), nil)
	if !result.Failed() || result.ErrorKind != domain.ErrorKindPermanent {
		t.Errorf("expected permanent failure, got %s/%s", result.Status, result.ErrorKind)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("b", OperationFunc(nil))
	r.Register("a", OperationFunc(nil))

	if !r.Has("a") || r.Has("c") {
		t.Error("unexpected Has result")
	}
	if _, err := r.Get("c"); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("expected ErrUnknownOperation, got %v", err)
	}
	if names := r.Names(); len(names) != 2 || names[0] != "a" {
		t.Errorf("unexpected names: %v", names)
	}
}
