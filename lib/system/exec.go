// Package system runs the external disk tooling (parted, sfdisk, e2fsck,
// resize2fs, btrfs, mount, losetup, docker, dockerd) that the preloader
// orchestrates. Everything goes through the Runner interface so tests can
// substitute fake tools.
package system

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/fleetforge/preload/lib/logger"
	"golang.org/x/sync/errgroup"
)

// Process is a handle to a launched background process.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Wait() error
}

// Runner executes external commands.
type Runner interface {
	// Run executes the command and returns its combined output. A non-zero
	// exit status is an error.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunStatus executes the command and returns its exit status and
	// combined output. A non-zero exit status is not an error; only failure
	// to run the command at all is.
	RunStatus(ctx context.Context, name string, args ...string) (int, []byte, error)

	// RunInput is Run with the given reader piped to the command's stdin.
	RunInput(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)

	// RunForeground executes the command streaming its stdout and stderr
	// line by line into the context logger. Used for long operations whose
	// progress output matters (image pulls).
	RunForeground(ctx context.Context, name string, args ...string) error

	// Start launches the command in the background with its output streamed
	// into the context logger and returns a handle for signalling.
	Start(ctx context.Context, name string, args ...string) (Process, error)
}

// ExecRunner is the os/exec backed Runner used outside tests.
type ExecRunner struct{}

var _ Runner = ExecRunner{}

func (ExecRunner) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	// Tool output is parsed; keep it locale independent.
	cmd.Env = append(os.Environ(), "LANG=C")
	return cmd
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	log := logger.FromContext(ctx)
	log.DebugContext(ctx, "exec", "command", name, "args", args)

	cmd := r.command(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s failed: %w, output: %s", name, err, output)
	}
	return output, nil
}

func (r ExecRunner) RunStatus(ctx context.Context, name string, args ...string) (int, []byte, error) {
	log := logger.FromContext(ctx)
	log.DebugContext(ctx, "exec", "command", name, "args", args)

	cmd := r.command(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), output, nil
		}
		return 0, output, fmt.Errorf("%s failed to run: %w", name, err)
	}
	return 0, output, nil
}

func (r ExecRunner) RunInput(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	log := logger.FromContext(ctx)
	log.DebugContext(ctx, "exec", "command", name, "args", args)

	cmd := r.command(ctx, name, args...)
	cmd.Stdin = stdin
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s failed: %w, output: %s", name, err, output)
	}
	return output, nil
}

func (r ExecRunner) RunForeground(ctx context.Context, name string, args ...string) error {
	cmd := r.command(ctx, name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	// Both pipes must be drained concurrently or the child can block on a
	// full pipe buffer.
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		forwardLines(gctx, stdout, name, slog.LevelInfo)
		return nil
	})
	grp.Go(func() error {
		forwardLines(gctx, stderr, name, slog.LevelWarn)
		return nil
	})
	_ = grp.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	return nil
}

func (r ExecRunner) Start(ctx context.Context, name string, args ...string) (Process, error) {
	log := logger.FromContext(ctx)
	log.DebugContext(ctx, "exec background", "command", name, "args", args)

	// Deliberately not CommandContext: the daemon must outlive individual
	// operation contexts and is stopped explicitly via its pid.
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), "LANG=C")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	go forwardLines(ctx, stdout, name, slog.LevelDebug)
	go forwardLines(ctx, stderr, name, slog.LevelDebug)

	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Wait() error                { return p.cmd.Wait() }

// forwardLines copies tool output into the context logger, one record per
// line, until the pipe closes.
func forwardLines(ctx context.Context, r io.Reader, tool string, level slog.Level) {
	log := logger.FromContext(ctx)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		log.Log(ctx, level, line, "tool", tool)
	}
}
