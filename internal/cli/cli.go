// Package cli parses command-line arguments into an app.Config.
package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/flowgrid/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("flowgrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
FlowGrid - a workflow graph compiler and concurrent execution engine.

Usage:
  flowgrid [options]              serve the execution API
  flowgrid [options] -f FILE      execute a workflow file locally and exit

Options:
`)
		flagSet.PrintDefaults()
	}

	listenFlag := flagSet.String("listen", "", "Address for the HTTP execution API, e.g. ':8765'.")
	configFlag := flagSet.String("config", "", "Path to an HCL config file.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workersFlag := flagSet.Int("workers", 0, "Number of concurrently in-flight runs. 0 uses the default.")
	execTimeoutFlag := flagSet.Int("exec-timeout", 0, "Seconds without progress before a run is aborted. 0 uses the default.")
	optTimeoutFlag := flagSet.Int("optimization-timeout", 0, "Seconds without progress before an optimization run is aborted. 0 uses the default.")
	fileFlag := flagSet.String("f", "", "Workflow file (YAML or JSON) for a one-shot local run.")
	inputsFlag := flagSet.String("inputs", "", "JSON object of entry inputs for a one-shot run.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	cfg := app.Config{
		ListenAddr:             *listenFlag,
		LogFormat:              logFormat,
		LogLevel:               logLevel,
		Workers:                *workersFlag,
		ExecTimeoutSec:         *execTimeoutFlag,
		OptimizationTimeoutSec: *optTimeoutFlag,
		WorkflowPath:           *fileFlag,
		InputsJSON:             *inputsFlag,
	}
	if *configFlag != "" {
		merged, err := app.LoadConfigFile(*configFlag, cfg)
		if err != nil {
			return nil, false, &ExitError{Code: 2, Message: err.Error()}
		}
		cfg = merged
	}

	if cfg.ListenAddr == "" && cfg.WorkflowPath == "" {
		slog.Debug("No listen address or workflow file provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	config, err := app.NewConfig(cfg)
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("CLI parser finished successfully.")
	return config, false, nil
}
