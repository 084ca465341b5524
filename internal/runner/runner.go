// Package runner sandboxes execution of a DOS-era batch command for
// one (league, game) pair: it stages a per-route working directory,
// synthesizes an emulator config and batch file, and captures the
// terminal output of the run under a wall-clock timeout.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Status is the terminal state of one Run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Result is what one invocation of Run reports back to its caller.
type Result struct {
	Status         Status
	ExitCode       int
	CapturedOutput []byte
	LogPath        string
}

// Route identifies the (league, game, command) combination a Run
// executes. CommandKey names which of the league's configured
// commands to run (e.g. "processing", "scores", "routeinfo", "bbsinfo").
type Route struct {
	LeagueNumber string
	Game         string
	CommandKey   string
	Command      string // the configured DOS command string
	InDOSPath    string // drive/path the emulator changes into before running Command
}

// Config resolves the sandboxed emulator itself — a single shared
// binary and timeout apply across all routes.
type Config struct {
	EmulatorPath   string
	WorkRoot       string // per-(league, game) working directories are created under this
	Timeout        time.Duration
}

// Runner executes the configured DOS command for a route inside the
// emulator and captures its terminal output.
type Runner struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, logger: logger}
}

// WorkDir returns the per-(league, game) working directory, creating
// its inbound/outbound subfolders if missing.
func (r *Runner) WorkDir(route Route) (dir, inbound, outbound string, err error) {
	dir = filepath.Join(r.cfg.WorkRoot, route.Game, route.LeagueNumber)
	inbound = filepath.Join(dir, "inbound")
	outbound = filepath.Join(dir, "outbound")
	for _, d := range []string{dir, inbound, outbound} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", "", "", fmt.Errorf("create working directory %s: %w", d, err)
		}
	}
	return dir, inbound, outbound, nil
}

// Run synthesizes the emulator config and batch file for route,
// invokes the emulator under the configured timeout, and returns the
// captured output. The ephemeral batch file is removed on every exit
// path; the emulator config file is reused across runs for the same
// working directory.
func (r *Runner) Run(ctx context.Context, route Route) (Result, error) {
	dir, _, _, err := r.WorkDir(route)
	if err != nil {
		return Result{}, err
	}

	cfgPath := filepath.Join(dir, "dosemu.conf")
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(cfgPath, []byte(emulatorConfig()), 0o644); err != nil {
			return Result{}, fmt.Errorf("write emulator config: %w", err)
		}
	}

	batPath := filepath.Join(dir, "run.bat")
	if err := os.WriteFile(batPath, []byte(batchFile(route)), 0o644); err != nil {
		return Result{}, fmt.Errorf("write batch file: %w", err)
	}
	defer os.Remove(batPath)

	logPath := filepath.Join(dir, fmt.Sprintf("%s.log", route.CommandKey))

	runCtx := ctx
	var cancel context.CancelFunc
	if r.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(runCtx, r.cfg.EmulatorPath, "-f", cfgPath, "-batch", batPath)
	cmd.Dir = dir
	recorder := newTermRecorder(&out)
	cmd.Stdout = recorder
	cmd.Stderr = recorder

	startErr := cmd.Run()
	captured := out.Bytes()

	if writeErr := os.WriteFile(logPath, captured, 0o644); writeErr != nil && r.logger != nil {
		r.logger.Warn("failed to persist run log", zap.String("log_path", logPath), zap.Error(writeErr))
	}

	if runCtx.Err() == context.DeadlineExceeded {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return Result{Status: StatusTimeout, ExitCode: -1, CapturedOutput: captured, LogPath: logPath}, nil
	}

	if startErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(startErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return Result{Status: StatusError, ExitCode: exitCode, CapturedOutput: captured, LogPath: logPath}, nil
	}

	return Result{Status: StatusSuccess, ExitCode: 0, CapturedOutput: captured, LogPath: logPath}, nil
}

func emulatorConfig() string {
	return "$_cpu = \"80486\"\n" +
		"$_video = \"none\"\n" +
		"$_dpmi = \"0\"\n" +
		"$_quiet = \"(1)\"\n"
}

func batchFile(route Route) string {
	cd := ""
	if route.InDOSPath != "" {
		if len(route.InDOSPath) >= 2 && route.InDOSPath[1] == ':' {
			cd += route.InDOSPath[:2] + "\r\n"
		}
		cd += "CD " + route.InDOSPath + "\r\n"
	}
	return fmt.Sprintf("@ECHO OFF\r\n%s%s\r\nEXIT\r\n", cd, route.Command)
}
