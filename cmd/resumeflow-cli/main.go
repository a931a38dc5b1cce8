// resumeflow CLI — инструмент командной строки для запуска анализа
// резюме и просмотра результатов через HTTP API.
//
// Использование:
//
//	resumeflow [--api-url URL] [--session ID] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	run       Запуск и наблюдение за runs
//	results   Итоговые сводки
//	pipeline  Определение pipeline
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/resumeflow/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var (
		apiURL     string
		sessionID  string
		jsonOutput bool
	)

	rootCmd := &cobra.Command{
		Use:           "resumeflow",
		Short:         "resumeflow CLI — tailor résumés to job postings",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("RESUMEFLOW_API_URL", "http://localhost:8080"), "API server URL")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", os.Getenv("RESUMEFLOW_SESSION"), "Session ID sent with every request")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL, sessionID) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewRunCmd(clientFn, outputFn),
		cli.NewResultsCmd(clientFn, outputFn),
		cli.NewPipelineCmd(clientFn, outputFn),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
