package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/resumeflow/internal/domain"
	"github.com/shaiso/resumeflow/internal/engine"
	"github.com/shaiso/resumeflow/internal/stages"
)

// NewPipelineCmd создаёт группу команд для определения pipeline.
func NewPipelineCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Inspect pipeline definitions",
	}

	cmd.AddCommand(
		newPipelineShowCmd(clientFn, outputFn),
		newPipelineValidateCmd(outputFn),
	)

	return cmd
}

func newPipelineShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the pipeline the server runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			p, err := client.GetPipeline(cmd.Context())
			if err != nil {
				return err
			}

			out.Progress(fmt.Sprintf("%s v%d, run timeout %ds", p.Name, p.Version, p.RunTimeoutSec))

			headers := []string{"#", "STAGE", "TYPE", "OPERATION", "TIMEOUT", "BRANCHES"}
			rows := make([][]string, len(p.Stages))
			for i, s := range p.Stages {
				rows[i] = []string{
					strconv.Itoa(i + 1),
					s.ID,
					s.Type,
					s.Operation,
					timeoutText(s.TimeoutSec),
					strings.Join(s.Branches, ","),
				}
			}

			out.Print(headers, rows, p)
			return nil
		},
	}
}

func newPipelineValidateCmd(outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [FILE]",
		Short: "Validate a pipeline YAML file (the built-in one without FILE)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			var (
				spec *domain.PipelineSpec
				err  error
			)
			if len(args) == 1 {
				spec, err = engine.LoadSpec(args[0])
			} else {
				spec, err = engine.DefaultSpec()
			}
			if err != nil {
				return err
			}

			p, err := engine.Compile(spec, stages.IsKnownOperation)
			if err != nil {
				return fmt.Errorf("invalid pipeline: %w", err)
			}

			out.Success(fmt.Sprintf("Pipeline %s v%d is valid: %d stages, run timeout %s",
				p.Name(), p.Version(), p.Len(), p.RunTimeout()))
			return nil
		},
	}
}

func timeoutText(sec int) string {
	if sec <= 0 {
		return emptyCell
	}
	return strconv.Itoa(sec) + "s"
}
