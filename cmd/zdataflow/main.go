package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zerfoo/zdataflow/internal/ctxlog"
	"github.com/zerfoo/zdataflow/pkg/buildcfg"
	"github.com/zerfoo/zdataflow/pkg/converter"
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/infer"
	"github.com/zerfoo/zdataflow/pkg/inspector"
	"github.com/zerfoo/zdataflow/pkg/pipeline"
)

// exitError carries the process exit code for usage errors.
type exitError struct {
	Code    int
	Message string
}

func (e *exitError) Error() string { return e.Message }

func main() {
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches a subcommand. All output, logs included, goes to outW.
func run(outW io.Writer, args []string) error {
	if len(args) < 1 {
		printUsage(outW)
		return &exitError{Code: 2, Message: "a command is required"}
	}

	switch args[0] {
	case "build":
		return handleBuild(outW, args[1:])
	case "inspect":
		return handleInspect(outW, args[1:])
	case "steps":
		return handleSteps(outW)
	case "help", "-h", "-help", "--help":
		printUsage(outW)
		return nil
	default:
		printUsage(outW)
		return &exitError{Code: 2, Message: fmt.Sprintf("unknown command %q", args[0])}
	}
}

// parseArgs parses flags around a single positional argument, so both
// "build model.zmf -output x" and "build -output x model.zmf" work.
func parseArgs(fs *flag.FlagSet, args []string) (string, bool, error) {
	if help, err := parseFlags(fs, args); help || err != nil {
		return "", help, err
	}
	if fs.NArg() == 0 {
		return "", false, &exitError{Code: 2, Message: fmt.Sprintf("Error: Input file is required for '%s' command.", fs.Name())}
	}
	input := fs.Arg(0)
	if help, err := parseFlags(fs, fs.Args()[1:]); help || err != nil {
		return "", help, err
	}
	if fs.NArg() > 0 {
		return "", false, &exitError{Code: 2, Message: fmt.Sprintf("unexpected arguments: %v", fs.Args())}
	}
	return input, false, nil
}

func parseFlags(fs *flag.FlagSet, args []string) (bool, error) {
	err := fs.Parse(args)
	switch {
	case errors.Is(err, flag.ErrHelp):
		return true, nil
	case err != nil:
		return false, &exitError{Code: 2, Message: err.Error()}
	}
	return false, nil
}

func newLogger(levelStr, formatStr string, outW io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, &exitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(formatStr) {
	case "json":
		return slog.New(slog.NewJSONHandler(outW, handlerOpts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(outW, handlerOpts)), nil
	}
	return nil, &exitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
}

func loadConfig(path string) (*buildcfg.Config, error) {
	if path == "" {
		return buildcfg.Default(), nil
	}
	return buildcfg.Load(path)
}

func handleBuild(outW io.Writer, args []string) error {
	buildCmd := flag.NewFlagSet("build", flag.ContinueOnError)
	buildCmd.SetOutput(outW)
	configFile := buildCmd.String("config", "", "Path to the HCL build configuration. (optional)")
	outputFile := buildCmd.String("output", "", "Path for the built ZMF file. (optional)")
	snapshotDir := buildCmd.String("snapshots", "", "Directory receiving the graph after every step. (optional)")
	logLevel := buildCmd.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	logFormat := buildCmd.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")

	inputFile, help, err := parseArgs(buildCmd, args)
	if help || err != nil {
		return err
	}
	logger, err := newLogger(*logLevel, *logFormat, outW)
	if err != nil {
		return err
	}
	if *outputFile == "" {
		*outputFile = strings.TrimSuffix(filepath.Base(inputFile), filepath.Ext(inputFile)) + "_hw.zmf"
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	def, err := converter.LoadFile(inputFile, cfg.Annotations())
	if err != nil {
		return err
	}

	var opts []pipeline.Option
	if *snapshotDir != "" {
		opts = append(opts, pipeline.WithSnapshots())
	}
	o, err := pipeline.FromConfig(cfg, opts...)
	if err != nil {
		return err
	}

	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Info("Build started.", "model", inputFile, "steps", o.Steps(), "mem_mode", cfg.DefaultMemMode())
	res, err := o.RunDefinition(ctx, def, cfg)
	if err != nil {
		return err
	}

	if *snapshotDir != "" {
		if err := os.MkdirAll(*snapshotDir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
		for i, snap := range res.Snapshots {
			path := filepath.Join(*snapshotDir, fmt.Sprintf("%d_%s.zmf", i, snap.Step))
			if err := converter.SaveFile(path, snap.Graph); err != nil {
				return err
			}
			logger.Debug("Snapshot saved.", "step", snap.Step, "path", path)
		}
	}
	if err := converter.SaveFile(*outputFile, res.Graph); err != nil {
		return err
	}

	fmt.Fprintf(outW, "Successfully built model and saved it to: %s\n", *outputFile)
	return nil
}

func handleInspect(outW io.Writer, args []string) error {
	inspectCmd := flag.NewFlagSet("inspect", flag.ContinueOnError)
	inspectCmd.SetOutput(outW)
	asGraph := inspectCmd.Bool("graph", false, "Print the inferred graph instead of the raw ZMF model.")
	configFile := inspectCmd.String("config", "", "HCL build configuration supplying tensor annotations. (optional)")

	inputFile, help, err := parseArgs(inspectCmd, args)
	if help || err != nil {
		return err
	}
	if !*asGraph {
		return inspector.InspectFile(outW, inputFile)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	def, err := converter.LoadFile(inputFile, cfg.Annotations())
	if err != nil {
		return err
	}
	g, err := graph.New(def)
	if err != nil {
		return fmt.Errorf("failed to build graph %s: %w", def.Name, err)
	}
	g, err = infer.Run(g)
	if err != nil {
		return fmt.Errorf("failed to infer metadata: %w", err)
	}
	return inspector.InspectGraph(outW, g)
}

func handleSteps(outW io.Writer) error {
	defaults := make(map[string]bool)
	for _, name := range buildcfg.DefaultSteps() {
		defaults[name] = true
	}
	for _, name := range pipeline.StepNames() {
		marker := ""
		if defaults[name] {
			marker = " (default)"
		}
		if _, err := fmt.Fprintf(outW, "%s%s\n", name, marker); err != nil {
			return err
		}
	}
	return nil
}

func printUsage(outW io.Writer) {
	fmt.Fprint(outW, `Usage: zdataflow <command> [arguments]

Commands:
  build <model.zmf> [-config <build.hcl>] [-output <out.zmf>] [-snapshots <dir>] [-log-level <level>] [-log-format <text|json>]
  inspect <model.zmf> [-graph] [-config <build.hcl>]
  steps
`)
}
