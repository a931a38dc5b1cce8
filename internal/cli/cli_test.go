package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/poller"
)

const testJob = "Senior Go engineer: distributed systems, PostgreSQL, RabbitMQ, Kubernetes, on-call."

// fakeAPI — минимальная реализация API для тестов клиента и команд.
type fakeAPI struct {
	mu       sync.Mutex
	starts   []StartRunRequest
	sessions []string

	// statuses — ответы GET /runs/{id} по очереди; последний повторяется.
	statuses []RunResponse
	gets     int

	results []ResultResponse
	query   string

	rateLimitOnce bool
}

func (f *fakeAPI) startRequests() ([]StartRunRequest, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.starts), slices.Clone(f.sessions)
}

func (f *fakeAPI) describeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeAPI) lastQuery() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.query
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.rateLimitOnce {
			f.rateLimitOnce = false
			w.Header().Set("Retry-After", "7")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many submissions")
			return
		}

		var req StartRunRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.starts = append(f.starts, req)
		f.sessions = append(f.sessions, r.Header.Get("X-Session-ID"))

		writeData(w, http.StatusAccepted, StartRunResponse{
			RunID:   req.RunID,
			Result:  "ACCEPTED",
			Status:  "PENDING",
			PollURL: "/api/v1/runs/" + req.RunID,
		})
	})

	mux.HandleFunc("GET /api/v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if len(f.statuses) == 0 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "run not found")
			return
		}
		i := min(f.gets, len(f.statuses)-1)
		f.gets++

		run := f.statuses[i]
		run.RunID = r.PathValue("id")
		writeData(w, http.StatusOK, run)
	})

	mux.HandleFunc("GET /api/v1/runs/{id}/stages", func(w http.ResponseWriter, r *http.Request) {
		writeList(w, []StageResultResponse{
			{Seq: 1, Stage: "parse_job", Status: "SUCCEEDED", Attempts: 1, DurationMs: 1500},
			{Seq: 2, Stage: "analyze_fit", Status: "FAILED", Attempts: 2, Error: "model unavailable"},
		})
	})

	mux.HandleFunc("GET /api/v1/runs/{id}/artifacts/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "resume.md" {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "artifact not found")
			return
		}
		w.Header().Set("Content-Type", "text/markdown")
		w.Write([]byte("# Tailored résumé\n"))
	})

	mux.HandleFunc("GET /api/v1/sessions/{id}/results", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.query = r.PathValue("id") + "?" + r.URL.RawQuery
		writeList(w, f.results)
	})

	return mux
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeList(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	var items []any
	json.Unmarshal(raw, &items)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": items, "total": len(items)})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func newTestServer(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	ts := httptest.NewServer(api.handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, "session-1")
}

// execute выполняет команду без вывода usage.
func execute(cmd *cobra.Command, args ...string) error {
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	return cmd.ExecuteContext(context.Background())
}

func newTestOutput(jsonMode bool) (*Output, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	return NewOutputTo(&stdout, &stderr, jsonMode), &stdout, &stderr
}

func fastWatch(t *testing.T) {
	t.Helper()
	prev := watchBackoff
	watchBackoff = poller.Backoff{Base: time.Millisecond, Growth: 1, Cap: time.Millisecond}
	t.Cleanup(func() { watchBackoff = prev })
}

// --- Client Tests ---

func TestClient_StartRun(t *testing.T) {
	api := &fakeAPI{}
	client := newTestServer(t, api)

	resp, err := client.StartRun(context.Background(), StartRunRequest{
		RunID: "job-1",
		Input: map[string]any{"jobDescription": testJob},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if resp.Result != "ACCEPTED" || resp.RunID != "job-1" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.PollURL != "/api/v1/runs/job-1" {
		t.Errorf("PollURL = %q", resp.PollURL)
	}

	starts, sessions := api.startRequests()
	if len(starts) != 1 {
		t.Fatalf("expected 1 start, got %d", len(starts))
	}
	if sessions[0] != "session-1" {
		t.Errorf("X-Session-ID = %q, want session-1", sessions[0])
	}
	if starts[0].Input["jobDescription"] != testJob {
		t.Errorf("job description not sent: %v", starts[0].Input)
	}
}

func TestClient_RateLimited(t *testing.T) {
	api := &fakeAPI{rateLimitOnce: true}
	client := newTestServer(t, api)

	_, err := client.StartRun(context.Background(), StartRunRequest{RunID: "job-1"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
	if apiErr.Code != "RATE_LIMITED" {
		t.Errorf("Code = %q", apiErr.Code)
	}
	if apiErr.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", apiErr.RetryAfter)
	}
}

func TestClient_Describer(t *testing.T) {
	api := &fakeAPI{statuses: []RunResponse{{
		Status:       domain.RunStatusFailed,
		CurrentStage: "analyze_fit",
		Error:        &domain.StageError{Stage: "analyze_fit", Kind: domain.ErrorKindPermanent, Message: "bad reply"},
	}}}
	client := newTestServer(t, api)

	snap, err := client.Describer().Describe(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if snap.RunID != "job-1" || snap.Status != domain.RunStatusFailed {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.Error == nil || snap.Error.Stage != "analyze_fit" {
		t.Errorf("error not decoded: %+v", snap.Error)
	}
}

func TestClient_Describer_NotFound(t *testing.T) {
	client := newTestServer(t, &fakeAPI{})

	_, err := client.Describer().Describe(context.Background(), "job-missing")
	if !errors.Is(err, poller.ErrNotFound) {
		t.Errorf("expected poller.ErrNotFound, got %v", err)
	}
}

func TestClient_GetArtifact(t *testing.T) {
	client := newTestServer(t, &fakeAPI{})

	data, err := client.GetArtifact(context.Background(), "job-1", "resume.md")
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if string(data) != "# Tailored résumé\n" {
		t.Errorf("data = %q", data)
	}

	_, err = client.GetArtifact(context.Background(), "job-1", "missing.txt")
	if !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

// --- Run Command Tests ---

func TestRunStartCmd_InvalidInput(t *testing.T) {
	api := &fakeAPI{}
	client := newTestServer(t, api)
	out, _, _ := newTestOutput(false)

	cmd := NewRunCmd(func() *Client { return client }, func() *Output { return out })
	err := execute(cmd, "start", "--job", "too short", "--resume-key", "resumes/a.pdf")
	if err == nil || !strings.Contains(err.Error(), "invalid input") {
		t.Fatalf("expected invalid input error, got %v", err)
	}
	if starts, _ := api.startRequests(); len(starts) != 0 {
		t.Errorf("invalid input must not be submitted, got %d starts", len(starts))
	}
}

func TestRunStartCmd_RequiresJob(t *testing.T) {
	client := newTestServer(t, &fakeAPI{})
	out, _, _ := newTestOutput(false)

	cmd := NewRunCmd(func() *Client { return client }, func() *Output { return out })
	if err := execute(cmd, "start", "--resume-key", "resumes/a.pdf"); err == nil {
		t.Error("expected error without --job")
	}
}

func TestRunStartCmd_Watch(t *testing.T) {
	fastWatch(t)

	api := &fakeAPI{statuses: []RunResponse{
		{Status: domain.RunStatusRunning, CurrentStage: "parse_job"},
		{Status: domain.RunStatusRunning, CurrentStage: "analyze_fit"},
		{Status: domain.RunStatusSucceeded, Output: map[string]any{
			domain.SummaryFitScore:          82.0,
			domain.SummaryATSScore:          91.0,
			domain.SummaryOverallRating:     8.5,
			domain.SummaryTailoredResumeKey: "tailored/job-1/resume.md",
		}},
	}}
	client := newTestServer(t, api)
	out, stdout, stderr := newTestOutput(false)

	dir := t.TempDir()
	resume := filepath.Join(dir, "resume.txt")
	if err := os.WriteFile(resume, []byte("Go developer, 8 years"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := NewRunCmd(func() *Client { return client }, func() *Output { return out })
	err := execute(cmd, "start",
		"--id", "job-1",
		"--job", testJob,
		"--resume-file", resume,
		"--email", "me@example.com",
		"--watch",
	)
	if err != nil {
		t.Fatalf("run start: %v", err)
	}

	starts, _ := api.startRequests()
	if len(starts) != 1 {
		t.Fatalf("expected 1 start, got %d", len(starts))
	}
	input := starts[0].Input
	if input["resumeContent"] != "Go developer, 8 years" {
		t.Errorf("resumeContent = %v", input["resumeContent"])
	}
	if input["userEmail"] != "me@example.com" {
		t.Errorf("userEmail = %v", input["userEmail"])
	}

	progress := stderr.String()
	for _, want := range []string{"Run accepted: job-1", "parse_job", "analyze_fit", "run succeeded"} {
		if !strings.Contains(progress, want) {
			t.Errorf("stderr missing %q:\n%s", want, progress)
		}
	}
	table := stdout.String()
	for _, want := range []string{"82", "91", "8.5", "tailored/job-1/resume.md"} {
		if !strings.Contains(table, want) {
			t.Errorf("stdout missing %q:\n%s", want, table)
		}
	}
}

func TestRunWatchCmd_Failed(t *testing.T) {
	fastWatch(t)

	api := &fakeAPI{statuses: []RunResponse{{
		Status: domain.RunStatusFailed,
		Error:  &domain.StageError{Stage: "generate_resume", Message: "model unavailable"},
	}}}
	client := newTestServer(t, api)
	out, _, stderr := newTestOutput(false)

	cmd := NewRunCmd(func() *Client { return client }, func() *Output { return out })
	err := execute(cmd, "watch", "job-1")
	if !errors.Is(err, ErrRunNotSucceeded) {
		t.Fatalf("expected ErrRunNotSucceeded, got %v", err)
	}
	if !strings.Contains(stderr.String(), "stage generate_resume failed: model unavailable") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunWatchCmd_BudgetExhausted(t *testing.T) {
	fastWatch(t)

	api := &fakeAPI{statuses: []RunResponse{{Status: domain.RunStatusRunning, CurrentStage: "refine"}}}
	client := newTestServer(t, api)
	out, _, stderr := newTestOutput(false)

	cmd := NewRunCmd(func() *Client { return client }, func() *Output { return out })
	if err := execute(cmd, "watch", "job-1", "--budget", "3"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if n := api.describeCalls(); n != 3 {
		t.Errorf("expected 3 describe calls, got %d", n)
	}
	if !strings.Contains(stderr.String(), poller.BudgetExhaustedMessage) {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunWatchCmd_NotFound(t *testing.T) {
	fastWatch(t)

	client := newTestServer(t, &fakeAPI{})
	out, _, _ := newTestOutput(false)

	cmd := NewRunCmd(func() *Client { return client }, func() *Output { return out })
	err := execute(cmd, "watch", "job-missing")
	if !errors.Is(err, poller.ErrNotFound) {
		t.Errorf("expected poller.ErrNotFound, got %v", err)
	}
}

func TestRunStagesCmd(t *testing.T) {
	client := newTestServer(t, &fakeAPI{})
	out, stdout, _ := newTestOutput(false)

	cmd := NewRunCmd(func() *Client { return client }, func() *Output { return out })
	if err := execute(cmd, "stages", "job-1"); err != nil {
		t.Fatalf("stages: %v", err)
	}

	table := stdout.String()
	for _, want := range []string{"parse_job", "1.5s", "analyze_fit", "model unavailable"} {
		if !strings.Contains(table, want) {
			t.Errorf("stdout missing %q:\n%s", want, table)
		}
	}
}

func TestRunArtifactCmd_ToFile(t *testing.T) {
	client := newTestServer(t, &fakeAPI{})
	out, _, _ := newTestOutput(false)

	path := filepath.Join(t.TempDir(), "resume.md")
	cmd := NewRunCmd(func() *Client { return client }, func() *Output { return out })
	if err := execute(cmd, "artifact", "job-1", "resume.md", "-o", path); err != nil {
		t.Fatalf("artifact: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "# Tailored résumé\n" {
		t.Errorf("file = %q", data)
	}
}

// --- Results Command Tests ---

func TestResultsListCmd(t *testing.T) {
	api := &fakeAPI{results: []ResultResponse{
		{RunID: "job-2", FitScore: 70, ATSScore: 80, OverallRating: 7},
		{RunID: "job-1", FitScore: 82, ATSScore: 91, OverallRating: 8.5},
	}}
	client := newTestServer(t, api)
	out, stdout, _ := newTestOutput(true)

	cmd := NewResultsCmd(func() *Client { return client }, func() *Output { return out })
	if err := execute(cmd, "list", "--limit", "5"); err != nil {
		t.Fatalf("results list: %v", err)
	}

	if q := api.lastQuery(); q != "session-1?limit=5" {
		t.Errorf("query = %q", q)
	}

	var records []ResultResponse
	if err := json.Unmarshal(stdout.Bytes(), &records); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(records) != 2 || records[0].RunID != "job-2" {
		t.Errorf("unexpected records: %+v", records)
	}
}

func TestResultsListCmd_NoSession(t *testing.T) {
	ts := httptest.NewServer((&fakeAPI{}).handler())
	defer ts.Close()
	client := NewClient(ts.URL, "")
	out, _, _ := newTestOutput(false)

	cmd := NewResultsCmd(func() *Client { return client }, func() *Output { return out })
	if err := execute(cmd, "list"); err == nil {
		t.Error("expected error without session")
	}
}

// --- Pipeline Command Tests ---

func TestPipelineValidateCmd_Default(t *testing.T) {
	out, _, stderr := newTestOutput(false)

	cmd := NewPipelineCmd(func() *Client { return nil }, func() *Output { return out })
	if err := execute(cmd, "validate"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(stderr.String(), "is valid: 7 stages") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestPipelineValidateCmd_UnknownOperation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	spec := `name: broken
version: 1
stages:
  - id: only
    type: task
    operation: shell
`
	if err := os.WriteFile(path, []byte(spec), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, _ := newTestOutput(false)
	cmd := NewPipelineCmd(func() *Client { return nil }, func() *Output { return out })
	err := execute(cmd, "validate", path)
	if err == nil || !strings.Contains(err.Error(), "invalid pipeline") {
		t.Errorf("expected invalid pipeline error, got %v", err)
	}
}
