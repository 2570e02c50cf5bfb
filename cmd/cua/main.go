// Package main provides the CLI entry point for the cua computer-use agent
// orchestration core.
//
// # Basic Usage
//
// Start the proxy:
//
//	cua serve --mode http --host 0.0.0.0 --port 8000
//
// Execute one run against a pre-provisioned computer:
//
//	cua run --model anthropic/claude-3-5-sonnet-20241022 --task "open the settings app"
//
// # Environment Variables
//
//   - CUA_MODEL_NAME: default model string
//   - CUA_CONTAINER_NAME: default computer name
//   - CUA_API_KEY: API key required by the proxy
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, ...: provider credentials
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Exit codes returned by the CLI.
const (
	exitOK          = 0
	exitUsage       = 2
	exitConfig      = 3
	exitRuntime     = 4
	exitInterrupted = 130
)

// exitError carries an explicit exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func usageErr(err error) error   { return &exitError{code: exitUsage, err: err} }
func configErr(err error) error  { return &exitError{code: exitConfig, err: err} }
func runtimeErr(err error) error { return &exitError{code: exitRuntime, err: err} }

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", exit.err)
		}
		return exit.code
	}
	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return exitUsage
}

func newRootCommand() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "cua",
		Short:         "Computer-use agent orchestration core",
		Long:          "cua drives language-model-guided loops over sandboxed computers and serves them over HTTP and WebRTC.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile == "" {
				return nil
			}
			if err := godotenv.Load(envFile); err != nil {
				return configErr(fmt.Errorf("load env file %s: %w", envFile, err))
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from a file")

	root.AddCommand(newServeCommand())
	root.AddCommand(newRunCommand())
	return root
}
