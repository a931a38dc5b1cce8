package stages

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shaiso/resumeflow/internal/artifact"
	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/executor"
	"github.com/shaiso/resumeflow/internal/mq"
)

func newRequest(input, config map[string]any) *executor.Request {
	return &executor.Request{
		RunID:   "job-1",
		Stage:   "stage",
		Attempt: 1,
		Input:   input,
		Config:  config,
	}
}

// --- ExtractJSON Tests ---

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		key  string
		want any
	}{
		{"plain", `{"a": 1}`, "a", 1.0},
		{"json fence", "Here you go:\n```json\n{\"a\": 2}\n```\nDone", "a", 2.0},
		{"bare fence", "```\n{\"a\": 3}\n```", "a", 3.0},
		{"embedded", `Sure! {"a": {"b": 4}} Hope this helps.`, "a", map[string]any{"b": 4.0}},
		{"control chars", "{\"a\":\x01 5}", "a", 5.0},
		{"invalid first candidate", `{not json} then {"a": 6}`, "a", 6.0},
		{"broken fence falls through", "```json\n{oops\n```\n{\"a\": 7}", "a", 7.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ExtractObject(tt.text)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, _ := json.Marshal(v[tt.key])
			want, _ := json.Marshal(tt.want)
			if string(got) != string(want) {
				t.Errorf("expected %s, got %s", want, got)
			}
		})
	}
}

func TestExtractJSON_ArrayFirst(t *testing.T) {
	v, err := ExtractJSON(`Skills: ["go", "sql"] and {"x": 1}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		t.Errorf("expected the array that comes first, got %v", v)
	}
}

func TestExtractJSON_NoJSON(t *testing.T) {
	if _, err := ExtractJSON("I cannot help with that."); !errors.Is(err, ErrNoJSON) {
		t.Errorf("expected ErrNoJSON, got %v", err)
	}
	if _, err := ExtractObject(`[1, 2]`); !errors.Is(err, ErrNoJSON) {
		t.Errorf("expected ErrNoJSON for array, got %v", err)
	}
}

// --- ValidateInput Tests ---

func validInput() map[string]any {
	return map[string]any{
		InputJobDescription: strings.Repeat("a", MinJobDescriptionLength),
		InputResumeKeys:     []any{"uploads/u1/r1.md"},
	}
}

func TestValidateInput(t *testing.T) {
	if err := ValidateInput(validInput()); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"nil job", func(m map[string]any) { delete(m, InputJobDescription) }},
		{"short job", func(m map[string]any) { m[InputJobDescription] = strings.Repeat("a", 49) }},
		{"long job", func(m map[string]any) { m[InputJobDescription] = strings.Repeat("a", 50001) }},
		{"no résumé", func(m map[string]any) { delete(m, InputResumeKeys) }},
		{"dotdot key", func(m map[string]any) { m[InputResumeKeys] = []any{"uploads/../secret"} }},
		{"absolute key", func(m map[string]any) { m[InputResumeKeys] = []any{"/etc/passwd"} }},
		{"long content", func(m map[string]any) { m[InputResumeContent] = strings.Repeat("a", 100001) }},
		{"long instructions", func(m map[string]any) { m[InputCustomInstructions] = strings.Repeat("a", 2001) }},
		{"bad email", func(m map[string]any) { m[InputUserEmail] = "nobody" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := validInput()
			tt.mutate(input)
			if err := ValidateInput(input); err == nil {
				t.Error("expected error")
			}
		})
	}

	if err := ValidateInput(nil); err == nil {
		t.Error("nil input should be rejected")
	}
}

func TestValidateInput_InlineContent(t *testing.T) {
	input := map[string]any{
		InputJobDescription: strings.Repeat("a", 60),
		InputResumeContent:  "Jane Doe",
	}
	if err := ValidateInput(input); err != nil {
		t.Errorf("inline content should be accepted: %v", err)
	}
}

// --- LLM Tests ---

func chatServer(t *testing.T, status int, content string) (*httptest.Server, *chatRequest) {
	t.Helper()
	var got chatRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing authorization header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error": {"message": "nope"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5},
		})
	}))
	t.Cleanup(ts.Close)
	return ts, &got
}

func newTestLLM(t *testing.T, ts *httptest.Server) *LLMOperation {
	t.Helper()
	op, err := NewLLMOperation(LLMConfig{
		Endpoint:   ts.URL,
		APIKey:     "secret",
		Model:      "test-model",
		HTTPClient: ts.Client(),
	}, nil)
	if err != nil {
		t.Fatalf("NewLLMOperation: %v", err)
	}
	return op
}

func TestLLM_Success(t *testing.T) {
	ts, got := chatServer(t, http.StatusOK, "```json\n{\"fitScore\": 82}\n```")
	op := newTestLLM(t, ts)

	out, err := op.Invoke(context.Background(), newRequest(nil, map[string]any{
		"prompt": "Analyze this",
		"model":  "override-model",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["fitScore"] != 82.0 {
		t.Errorf("expected fitScore 82, got %v", out["fitScore"])
	}
	if got.Model != "override-model" {
		t.Errorf("expected model override, got %s", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "Analyze this" {
		t.Errorf("unexpected messages: %+v", got.Messages)
	}
}

func TestLLM_Classification(t *testing.T) {
	tests := []struct {
		status int
		want   domain.ErrorKind
	}{
		{http.StatusTooManyRequests, domain.ErrorKindTransient},
		{http.StatusBadGateway, domain.ErrorKindTransient},
		{http.StatusServiceUnavailable, domain.ErrorKindTransient},
		{http.StatusBadRequest, domain.ErrorKindPermanent},
		{http.StatusUnauthorized, domain.ErrorKindPermanent},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts, _ := chatServer(t, tt.status, "")
			op := newTestLLM(t, ts)

			_, err := op.Invoke(context.Background(), newRequest(nil, map[string]any{"prompt": "x"}))
			if got := domain.KindOf(err); got != tt.want {
				t.Errorf("expected %s, got %s (%v)", tt.want, got, err)
			}
		})
	}
}

func TestLLM_UnparseableReply(t *testing.T) {
	ts, _ := chatServer(t, http.StatusOK, "Sorry, I can't do that.")
	op := newTestLLM(t, ts)

	_, err := op.Invoke(context.Background(), newRequest(nil, map[string]any{"prompt": "x"}))
	if domain.KindOf(err) != domain.ErrorKindPermanent {
		t.Errorf("expected PERMANENT, got %v", err)
	}
}

func TestLLM_NetworkError(t *testing.T) {
	ts, _ := chatServer(t, http.StatusOK, "{}")
	op := newTestLLM(t, ts)
	ts.Close()

	_, err := op.Invoke(context.Background(), newRequest(nil, map[string]any{"prompt": "x"}))
	if domain.KindOf(err) != domain.ErrorKindTransient {
		t.Errorf("expected TRANSIENT, got %v", err)
	}
}

func TestLLM_MissingPrompt(t *testing.T) {
	ts, _ := chatServer(t, http.StatusOK, "{}")
	op := newTestLLM(t, ts)

	_, err := op.Invoke(context.Background(), newRequest(nil, map[string]any{}))
	if domain.KindOf(err) != domain.ErrorKindPermanent {
		t.Errorf("expected PERMANENT, got %v", err)
	}
}

func TestLLMConfig_Validate(t *testing.T) {
	if err := (LLMConfig{Model: "m"}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig without endpoint, got %v", err)
	}
	if err := (LLMConfig{Endpoint: "http://x"}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig without model, got %v", err)
	}
}

// --- HTTP Tests ---

func TestHTTP_PostsInput(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("X-Run-ID") != "job-1" {
			t.Errorf("missing run id header")
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"atsScore": 77}`))
	}))
	defer ts.Close()

	op := NewHTTPOperation(ts.Client())
	out, err := op.Invoke(context.Background(), newRequest(
		map[string]any{"resume": "text"},
		map[string]any{"url": ts.URL},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["atsScore"] != 77.0 {
		t.Errorf("unexpected output: %v", out)
	}
	if body["resume"] != "text" {
		t.Errorf("input not sent: %v", body)
	}
}

func TestHTTP_TextResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	op := NewHTTPOperation(ts.Client())
	out, err := op.Invoke(context.Background(), newRequest(nil, map[string]any{"url": ts.URL, "method": "get"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["body"] != "ok" || out["status_code"] != http.StatusOK {
		t.Errorf("unexpected output: %v", out)
	}
}

func TestHTTP_SoftFailure(t *testing.T) {
	tests := []struct {
		name string
		body string
		want domain.ErrorKind
	}{
		{"server error payload", `{"statusCode": 500, "error": "bedrock throttled"}`, domain.ErrorKindTransient},
		{"client error payload", `{"statusCode": 400, "error": "bad input"}`, domain.ErrorKindPermanent},
		{"error field only", `{"error": "failed"}`, domain.ErrorKindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			_, err := NewHTTPOperation(ts.Client()).Invoke(context.Background(), newRequest(nil, map[string]any{"url": ts.URL}))
			if got := domain.KindOf(err); got != tt.want {
				t.Errorf("expected %s, got %s (%v)", tt.want, got, err)
			}
		})
	}
}

func TestHTTP_StatusClassification(t *testing.T) {
	for status, want := range map[int]domain.ErrorKind{
		http.StatusTooManyRequests:     domain.ErrorKindTransient,
		http.StatusInternalServerError: domain.ErrorKindTransient,
		http.StatusNotFound:            domain.ErrorKindPermanent,
	} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := NewHTTPOperation(ts.Client()).Invoke(context.Background(), newRequest(nil, map[string]any{"url": ts.URL}))
		if got := domain.KindOf(err); got != want {
			t.Errorf("status %d: expected %s, got %s", status, want, got)
		}
		ts.Close()
	}
}

func TestHTTP_MissingURL(t *testing.T) {
	_, err := NewHTTPOperation(nil).Invoke(context.Background(), newRequest(nil, map[string]any{}))
	if !errors.Is(err, ErrInvalidConfig) || domain.KindOf(err) != domain.ErrorKindPermanent {
		t.Errorf("expected permanent ErrInvalidConfig, got %v", err)
	}
}

// --- LoadResume Tests ---

func TestLoadResume_Inline(t *testing.T) {
	op := NewLoadResumeOperation(nil)
	out, err := op.Invoke(context.Background(), newRequest(map[string]any{
		InputResumeContent: "Jane Doe",
		InputResumeKeys:    []any{"ignored.md"},
	}, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[InputResumeContent] != "Jane Doe" || out["source"] != "inline" {
		t.Errorf("unexpected output: %v", out)
	}
}

func TestLoadResume_FromStore(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore()
	_ = store.Put(ctx, "uploads/u1/r1.md", []byte("Résumé one"), "text/markdown")
	_ = store.Put(ctx, "uploads/u1/r2.txt", []byte{'C', 'a', 'f', 0xe9}, "text/plain")

	op := NewLoadResumeOperation(store)
	out, err := op.Invoke(ctx, newRequest(map[string]any{
		InputResumeKeys: []any{"uploads/u1/r1.md", "uploads/u1/r2.txt"},
	}, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "Résumé one" + resumeSeparator + "Café"
	if out[InputResumeContent] != want {
		t.Errorf("expected %q, got %q", want, out[InputResumeContent])
	}
}

func TestLoadResume_Errors(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore()
	_ = store.Put(ctx, "uploads/empty.md", []byte("  "), "text/markdown")
	op := NewLoadResumeOperation(store)

	tests := []struct {
		name string
		keys []any
	}{
		{"missing", []any{"uploads/none.md"}},
		{"traversal", []any{"../x"}},
		{"empty", []any{"uploads/empty.md"}},
		{"no keys", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := op.Invoke(ctx, newRequest(map[string]any{InputResumeKeys: tt.keys}, nil))
			if domain.KindOf(err) != domain.ErrorKindPermanent {
				t.Errorf("expected PERMANENT, got %v", err)
			}
		})
	}
}

// --- MergeResults Tests ---

func TestMergeResults(t *testing.T) {
	refinements := []any{map[string]any{"atsScore": 91.0}, map[string]any{}, map[string]any{}}
	out, err := NewMergeResultsOperation().Invoke(context.Background(), newRequest(map[string]any{
		"fitScore":          82.0,
		"atsScore":          91.0,
		"tailoredResumeKey": "job-1/resume.md",
		"analysis":          map[string]any{"strengths": []any{"go"}, "noise": true},
		"refinements":       refinements,
	}, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out[domain.SummaryFitScore] != 82.0 || out[domain.SummaryATSScore] != 91.0 {
		t.Errorf("unexpected scores: %v", out)
	}
	if out[domain.SummaryOverallRating] != 0.0 {
		t.Errorf("missing rating should be 0, got %v", out[domain.SummaryOverallRating])
	}
	if out[domain.SummaryCoverLetterKey] != "" {
		t.Errorf("missing key should be empty, got %v", out[domain.SummaryCoverLetterKey])
	}
	if out["runId"] != "job-1" {
		t.Errorf("expected runId, got %v", out["runId"])
	}
	if _, ok := out["strengths"]; !ok {
		t.Error("analysis strengths should be copied")
	}
	if _, ok := out["noise"]; ok {
		t.Error("unknown analysis fields must not be copied")
	}
	if got, _ := out["refinements"].([]any); len(got) != 3 {
		t.Errorf("refinements not kept: %v", out["refinements"])
	}
}

// --- Notify Tests ---

type fakePublisher struct {
	mu       sync.Mutex
	payloads []mq.NotificationPayload
	err      error
}

func (p *fakePublisher) PublishNotification(_ context.Context, payload mq.NotificationPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.payloads = append(p.payloads, payload)
	return nil
}

func TestNotify(t *testing.T) {
	pub := &fakePublisher{}
	op := NewNotifyOperation(pub)

	out, err := op.Invoke(context.Background(), newRequest(map[string]any{
		"recipient": "jane@example.com",
		"summary":   map[string]any{"fitScore": 82.0, "atsScore": 91.0, "overallRating": 8.5},
	}, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["sent"] != true {
		t.Errorf("expected sent, got %v", out)
	}
	if len(pub.payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(pub.payloads))
	}

	p := pub.payloads[0]
	if p.Subject != "Resume analysis complete - 82% fit" {
		t.Errorf("unexpected subject: %q", p.Subject)
	}
	if p.RunID != "job-1" || p.Recipient != "jane@example.com" {
		t.Errorf("unexpected payload: %+v", p)
	}
	if !strings.Contains(p.Body, "Overall rating: 8.5/10") {
		t.Errorf("unexpected body: %s", p.Body)
	}
}

func TestNotify_NoRecipient(t *testing.T) {
	pub := &fakePublisher{}
	out, err := NewNotifyOperation(pub).Invoke(context.Background(), newRequest(map[string]any{}, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["sent"] != false || len(pub.payloads) != 0 {
		t.Errorf("nothing should be sent: %v", out)
	}
}

func TestNotify_PublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	_, err := NewNotifyOperation(pub).Invoke(context.Background(), newRequest(map[string]any{
		"recipient": "jane@example.com",
	}, nil))
	if domain.KindOf(err) != domain.ErrorKindTransient {
		t.Errorf("expected TRANSIENT, got %v", err)
	}
}

// --- Register Tests ---

func TestRegister(t *testing.T) {
	registry := executor.NewRegistry()
	if err := Register(registry, Deps{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if registry.Has(OperationLLM) {
		t.Error("llm must not be registered without an endpoint")
	}
	for _, name := range []string{OperationLoadResume, OperationHTTP, OperationMergeResults, OperationNotify, OperationTransform} {
		if !registry.Has(name) {
			t.Errorf("%s not registered", name)
		}
	}

	err := Register(executor.NewRegistry(), Deps{LLM: LLMConfig{Endpoint: "http://llm"}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for llm without model, got %v", err)
	}
}

func TestIsKnownOperation(t *testing.T) {
	for _, name := range Operations() {
		if !IsKnownOperation(name) {
			t.Errorf("IsKnownOperation(%q) = false", name)
		}
	}
	if IsKnownOperation("shell") {
		t.Error("IsKnownOperation(shell) should be false")
	}
}

// --- Transform Tests ---

func TestTransform(t *testing.T) {
	op := NewTransformOperation()

	out, err := op.Invoke(context.Background(), &executor.Request{
		Config: map[string]any{
			"mappings": map[string]any{"headline": "Go engineer at Acme", "years": 8},
		},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["headline"] != "Go engineer at Acme" || out["years"] != 8 {
		t.Errorf("unexpected output: %v", out)
	}

	out, err = op.Invoke(context.Background(), &executor.Request{})
	if err != nil || len(out) != 0 {
		t.Errorf("expected empty output without mappings, got %v, %v", out, err)
	}

	_, err = op.Invoke(context.Background(), &executor.Request{
		Config: map[string]any{"mappings": "not an object"},
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
