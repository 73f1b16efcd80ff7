package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// StaticAnalyzer gates plugin loads. An error blocks the load; the manager
// emits plugin_static_analysis_failed and leaves the plugin unloaded.
type StaticAnalyzer interface {
	Analyze(ctx context.Context, manifestPath string) error
}

// NopAnalyzer passes everything. It is the default when no analyzer
// command is configured.
type NopAnalyzer struct{}

var _ StaticAnalyzer = NopAnalyzer{}

func (NopAnalyzer) Analyze(context.Context, string) error { return nil }

// ExecAnalyzer runs an external analysis command against the manifest path.
// The tool being absent from PATH is a pass: analysis is best-effort and
// must not brick plugin loading on machines without the tool installed.
type ExecAnalyzer struct {
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

var _ StaticAnalyzer = (*ExecAnalyzer)(nil)

// AnalyzerOption is a functional option for configuring an ExecAnalyzer.
type AnalyzerOption func(*ExecAnalyzer)

// WithAnalyzerTimeout bounds a single analysis run. Default: 30s.
func WithAnalyzerTimeout(d time.Duration) AnalyzerOption {
	return func(a *ExecAnalyzer) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithAnalyzerLogger sets the structured logger. Default: slog.Default().
func WithAnalyzerLogger(logger *slog.Logger) AnalyzerOption {
	return func(a *ExecAnalyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewExecAnalyzer creates an analyzer that runs command with args plus the
// manifest path appended.
func NewExecAnalyzer(command string, args []string, opts ...AnalyzerOption) *ExecAnalyzer {
	a := &ExecAnalyzer{
		command: command,
		args:    args,
		timeout: 30 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze runs the external command. A missing tool passes; a non-zero
// exit blocks the load.
func (a *ExecAnalyzer) Analyze(ctx context.Context, manifestPath string) error {
	if a.command == "" {
		return nil
	}
	if _, err := exec.LookPath(a.command); err != nil {
		a.logger.Debug("static analysis tool not found, skipping",
			"command", a.command, "manifest", manifestPath)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	args := append(append([]string{}, a.args...), manifestPath)
	output, err := exec.CommandContext(ctx, a.command, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("static analysis failed for %s: %w: %s",
			manifestPath, err, string(output))
	}
	return nil
}
