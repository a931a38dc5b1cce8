package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/poller"
	"github.com/shaiso/resumeflow/internal/stages"
)

// ErrRunNotSucceeded — run завершился, но не успешно.
var ErrRunNotSucceeded = errors.New("run did not succeed")

// watchBackoff — расписание опроса для run watch и run start --watch.
var watchBackoff = poller.DefaultBackoff()

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}

	cmd.AddCommand(
		newRunStartCmd(clientFn, outputFn),
		newRunDescribeCmd(clientFn, outputFn),
		newRunWatchCmd(clientFn, outputFn),
		newRunStagesCmd(clientFn, outputFn),
		newRunArtifactCmd(clientFn, outputFn),
	)

	return cmd
}

func newRunStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		runID        string
		job          string
		jobFiles     []string
		resumeKeys   []string
		resumeFile   string
		instructions string
		email        string
		watch        bool
		interval     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a résumé tailoring run",
		Long: `Start a run for a job description.

With several --job-file flags one run is started per file; submissions
are spaced by --interval to stay under the per-session limit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()
			ctx := cmd.Context()

			jobs, err := readJobs(job, jobFiles)
			if err != nil {
				return err
			}
			if runID != "" && len(jobs) > 1 {
				return fmt.Errorf("--id can only be used with a single job")
			}

			var resumeContent string
			if resumeFile != "" {
				data, err := os.ReadFile(resumeFile)
				if err != nil {
					return fmt.Errorf("read résumé: %w", err)
				}
				resumeContent = string(data)
			}

			guard := poller.NewSubmitGuard(interval, nil)
			var started []string

			for _, jd := range jobs {
				input := buildInput(jd, resumeKeys, resumeContent, instructions, email)
				if err := stages.ValidateInput(input); err != nil {
					return fmt.Errorf("invalid input: %w", err)
				}

				id := runID
				if id == "" {
					id = "job-" + uuid.NewString()
				}

				if err := waitGuard(ctx, guard, client.sessionID, out); err != nil {
					return err
				}

				resp, err := startWithRetry(ctx, client, StartRunRequest{RunID: id, Input: input}, out)
				if err != nil {
					return err
				}

				out.Success(fmt.Sprintf("Run %s: %s", strings.ToLower(resp.Result), resp.RunID))
				out.Print(
					[]string{"RUN_ID", "RESULT", "STATUS"},
					[][]string{{resp.RunID, resp.Result, resp.Status}},
					resp,
				)
				started = append(started, resp.RunID)
			}

			if !watch {
				return nil
			}
			var failed bool
			for _, id := range started {
				if err := watchRun(ctx, client, out, id, 0); err != nil {
					if !errors.Is(err, ErrRunNotSucceeded) {
						return err
					}
					failed = true
				}
			}
			if failed {
				return ErrRunNotSucceeded
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "id", "", "Run ID (generated if not specified)")
	cmd.Flags().StringVar(&job, "job", "", "Job description text")
	cmd.Flags().StringSliceVar(&jobFiles, "job-file", nil, "File with a job description (repeatable)")
	cmd.Flags().StringSliceVar(&resumeKeys, "resume-key", nil, "Résumé key in the artifact store (repeatable)")
	cmd.Flags().StringVar(&resumeFile, "resume-file", "", "Local résumé file sent inline")
	cmd.Flags().StringVar(&instructions, "instructions", "", "Custom instructions for the rewrite")
	cmd.Flags().StringVar(&email, "email", "", "Send a notification to this address")
	cmd.Flags().BoolVar(&watch, "watch", false, "Watch the run until it finishes")
	cmd.Flags().DurationVar(&interval, "interval", poller.DefaultSubmitInterval, "Minimum interval between submissions")

	return cmd
}

func newRunDescribeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:     "describe ID",
		Aliases: []string{"show"},
		Short:   "Show run status",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var errMsg string
			if run.Error != nil {
				errMsg = run.Error.Error()
			}

			out.Print(
				[]string{"RUN_ID", "STATUS", "STAGE", "ERROR", "CREATED"},
				[][]string{{run.RunID, string(run.Status), run.CurrentStage, errMsg, run.CreatedAt}},
				run,
			)
			if run.Summary != "" {
				out.Progress(run.Summary)
			}
			return nil
		},
	}
}

func newRunWatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var budget int

	cmd := &cobra.Command{
		Use:   "watch ID",
		Short: "Poll a run until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchRun(cmd.Context(), clientFn(), outputFn(), args[0], budget)
		},
	}

	cmd.Flags().IntVar(&budget, "budget", poller.DefaultBudget, "Maximum number of status checks")

	return cmd
}

func newRunStagesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stages RUN_ID",
		Short: "List stage results of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			results, err := client.ListStages(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			headers := []string{"SEQ", "STAGE", "PARENT", "STATUS", "ATTEMPTS", "DURATION", "ERROR"}
			rows := make([][]string, len(results))
			for i, r := range results {
				rows[i] = []string{
					strconv.Itoa(r.Seq),
					r.Stage,
					r.Parent,
					r.Status,
					strconv.Itoa(r.Attempts),
					(time.Duration(r.DurationMs) * time.Millisecond).String(),
					r.Error,
				}
			}

			out.Print(headers, rows, results)
			return nil
		},
	}
}

func newRunArtifactCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "artifact RUN_ID NAME",
		Short: "Download a run artifact (resume.md, cover_letter.txt)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			data, err := client.GetArtifact(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			if outFile == "" {
				out.Raw(data)
				return nil
			}
			if err := os.WriteFile(outFile, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outFile, err)
			}
			out.Success(fmt.Sprintf("Saved %s (%d bytes)", outFile, len(data)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "output", "o", "", "Write to file instead of stdout")

	return cmd
}

// watchRun опрашивает run до финального статуса и печатает смену стадий.
func watchRun(ctx context.Context, client *Client, out *Output, runID string, budget int) error {
	p := poller.New(poller.Config{
		Describer: client.Describer(),
		Backoff:   watchBackoff,
		Budget:    budget,
		Logger:    slog.New(slog.DiscardHandler),
	})

	var lastStage string
	outcome := p.Wait(ctx, runID, func(s *poller.Snapshot) {
		if s.CurrentStage != "" && s.CurrentStage != lastStage && !s.Status.IsTerminal() {
			lastStage = s.CurrentStage
			out.Progress(fmt.Sprintf("[%s] %s: %s", runID, s.Status, s.CurrentStage))
		}
	})

	switch outcome.Kind {
	case poller.OutcomeTerminal:
		out.Success(fmt.Sprintf("[%s] %s", runID, outcome.Summary()))
		if outcome.Snapshot.Status != domain.RunStatusSucceeded {
			return fmt.Errorf("%w: %s", ErrRunNotSucceeded, outcome.Summary())
		}
		out.Print(
			[]string{"RUN_ID", "FIT", "ATS", "RATING", "RESUME", "COVER_LETTER"},
			[][]string{summaryRow(runID, outcome.Snapshot.Output)},
			outcome.Snapshot.Output,
		)
		return nil
	case poller.OutcomeBudgetExhausted:
		out.Success(fmt.Sprintf("[%s] %s", runID, outcome.Summary()))
		return nil
	case poller.OutcomeCancelled:
		return ctx.Err()
	default:
		return outcome.Err
	}
}

func summaryRow(runID string, output map[string]any) []string {
	return []string{
		runID,
		formatNumber(output[domain.SummaryFitScore]),
		formatNumber(output[domain.SummaryATSScore]),
		formatNumber(output[domain.SummaryOverallRating]),
		formatString(output[domain.SummaryTailoredResumeKey]),
		formatString(output[domain.SummaryCoverLetterKey]),
	}
}

func formatNumber(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return emptyCell
}

func formatString(v any) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return emptyCell
}

// readJobs собирает описания вакансий из флага и файлов.
func readJobs(job string, files []string) ([]string, error) {
	var jobs []string
	if strings.TrimSpace(job) != "" {
		jobs = append(jobs, job)
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read job description: %w", err)
		}
		jobs = append(jobs, string(data))
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("--job or --job-file is required")
	}
	return jobs, nil
}

func buildInput(job string, resumeKeys []string, resumeContent, instructions, email string) map[string]any {
	input := map[string]any{
		stages.InputJobDescription: job,
	}
	if len(resumeKeys) > 0 {
		keys := make([]any, len(resumeKeys))
		for i, k := range resumeKeys {
			keys[i] = k
		}
		input[stages.InputResumeKeys] = keys
	}
	if resumeContent != "" {
		input[stages.InputResumeContent] = resumeContent
	}
	if instructions != "" {
		input[stages.InputCustomInstructions] = instructions
	}
	if email != "" {
		input[stages.InputUserEmail] = email
	}
	return input
}

// waitGuard ждёт, пока сессия может отправить следующий запуск.
func waitGuard(ctx context.Context, guard *poller.SubmitGuard, session string, out *Output) error {
	for {
		ok, wait := guard.Allow(session)
		if ok {
			return nil
		}
		out.Progress(fmt.Sprintf("waiting %s before the next submission", wait))
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// startWithRetry отправляет запуск и один раз повторяет его после 429.
// Повтор безопасен: ID run тот же.
func startWithRetry(ctx context.Context, client *Client, req StartRunRequest, out *Output) (*StartRunResponse, error) {
	resp, err := client.StartRun(ctx, req)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "RATE_LIMITED" {
		return resp, err
	}

	wait := apiErr.RetryAfter
	if wait <= 0 {
		wait = poller.DefaultSubmitInterval
	}
	out.Progress(fmt.Sprintf("rate limited, retrying in %s", wait))
	if err := sleep(ctx, wait); err != nil {
		return nil, err
	}
	return client.StartRun(ctx, req)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
