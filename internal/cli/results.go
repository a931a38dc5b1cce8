package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewResultsCmd создаёт группу команд для индекса результатов.
func NewResultsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Browse finished analyses",
	}

	cmd.AddCommand(
		newResultsShowCmd(clientFn, outputFn),
		newResultsListCmd(clientFn, outputFn),
	)

	return cmd
}

func newResultsShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the summary of a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			rec, err := client.GetResult(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out.Print(resultHeaders, [][]string{resultRow(rec)}, rec)
			return nil
		},
	}
}

func newResultsListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		session string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List summaries of a session, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if session == "" {
				session = client.sessionID
			}
			if session == "" {
				return fmt.Errorf("--session is required")
			}

			records, err := client.ListSessionResults(cmd.Context(), session, limit)
			if err != nil {
				return err
			}

			rows := make([][]string, len(records))
			for i := range records {
				rows[i] = resultRow(&records[i])
			}

			out.Print(resultHeaders, rows, records)
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "Session ID (default: --session of the root command)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max number of results")

	return cmd
}

var resultHeaders = []string{"RUN_ID", "FIT", "ATS", "RATING", "RESUME", "COVER_LETTER", "CREATED"}

func resultRow(r *ResultResponse) []string {
	return []string{
		r.RunID,
		strconv.FormatFloat(r.FitScore, 'f', -1, 64),
		strconv.FormatFloat(r.ATSScore, 'f', -1, 64),
		strconv.FormatFloat(r.OverallRating, 'f', -1, 64),
		r.TailoredResumeKey,
		r.CoverLetterKey,
		r.CreatedAt,
	}
}
