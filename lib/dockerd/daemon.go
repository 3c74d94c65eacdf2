// Package dockerd boots a throwaway container runtime daemon against a
// mounted data partition, bound to a private unix socket, so an image can
// be pulled straight into the partition's storage directory. The daemon
// lives only for the duration of one Session.
package dockerd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fleetforge/preload/lib/logger"
	"github.com/fleetforge/preload/lib/system"
	"golang.org/x/sys/unix"
)

const (
	socketWaitBudget = 60 * time.Second
	readyWaitBudget  = 2 * time.Minute
	pollInterval     = 500 * time.Millisecond
)

// Session is a running daemon plus the parameters it was started with.
type Session struct {
	SocketPath  string
	Driver      string
	StorageRoot string

	runner  system.Runner
	process system.Process
	pidFile string

	socketWait time.Duration
	readyWait  time.Duration
	interval   time.Duration
}

// Start launches the daemon with the given storage driver, storing layers
// under the mounted filesystem's runtime directory, and blocks until it
// answers a status query. Readiness waits are bounded; a daemon that never
// answers fails the session with ErrTimeout.
func Start(ctx context.Context, r system.Runner, driver, mountpoint string) (*Session, error) {
	log := logger.FromContext(ctx)

	storageRoot, err := selectStorageRoot(mountpoint)
	if err != nil {
		return nil, err
	}

	sockDir, err := os.MkdirTemp("", "preload-docker-")
	if err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}

	s := &Session{
		SocketPath:  filepath.Join(sockDir, "docker.sock"),
		Driver:      driver,
		StorageRoot: storageRoot,
		runner:      r,
		pidFile:     filepath.Join(sockDir, "docker.pid"),
		socketWait:  socketWaitBudget,
		readyWait:   readyWaitBudget,
		interval:    pollInterval,
	}

	log.InfoContext(ctx, "starting container runtime daemon",
		"driver", driver,
		"storage_root", storageRoot,
		"socket", s.SocketPath)

	// The pid file lives next to the socket so one session can never
	// confuse another daemon's pid for its own.
	process, err := r.Start(ctx, "dockerd",
		"-s", driver,
		"-g", storageRoot,
		"-H", "unix://"+s.SocketPath,
		"--pidfile", s.pidFile)
	if err != nil {
		os.RemoveAll(sockDir)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.process = process

	if err := s.waitSocket(ctx); err != nil {
		s.Stop(ctx)
		return nil, err
	}
	if err := s.waitReady(ctx); err != nil {
		s.Stop(ctx)
		return nil, err
	}

	log.InfoContext(ctx, "container runtime daemon ready")
	return s, nil
}

// selectStorageRoot prefers an existing docker-named runtime directory over
// the legacy rce-named one, removing the legacy directory when both exist.
func selectStorageRoot(mountpoint string) (string, error) {
	dockerDir := filepath.Join(mountpoint, "docker")
	rceDir := filepath.Join(mountpoint, "rce")

	if isDir(dockerDir) {
		if isDir(rceDir) {
			if err := os.RemoveAll(rceDir); err != nil {
				return "", fmt.Errorf("remove legacy runtime dir: %w", err)
			}
		}
		return dockerDir, nil
	}
	return rceDir, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// waitSocket blocks until the daemon creates its control socket.
func (s *Session) waitSocket(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "waiting for daemon socket", "socket", s.SocketPath)

	deadline := time.Now().Add(s.socketWait)
	for {
		if _, err := os.Stat(s.SocketPath); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: socket %s never appeared", ErrTimeout, s.SocketPath)
		}
		if err := sleep(ctx, s.interval); err != nil {
			return err
		}
	}
}

// waitReady polls the daemon's status query until it answers.
func (s *Session) waitReady(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "waiting for daemon readiness")

	deadline := time.Now().Add(s.readyWait)
	for {
		code, output, err := s.runner.RunStatus(ctx, "docker", "-H", "unix://"+s.SocketPath, "version")
		if err != nil {
			return fmt.Errorf("query daemon status: %w", err)
		}
		if ready(code, output) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: daemon never became ready", ErrTimeout)
		}
		if err := sleep(ctx, s.interval); err != nil {
			return err
		}
	}
}

// ready interprets a status query result. Exit 0 is ready; exit 1 with a
// server section in the output means the daemon answered but the client and
// daemon versions mismatch, which is ready too.
func ready(code int, output []byte) bool {
	if code == 0 {
		return true
	}
	return code == 1 && strings.Contains(string(output), "Server")
}

// Pull fetches the image by its fully qualified identifier through the
// session's private socket, streaming runtime output, then lists the loaded
// images for confirmation.
func (s *Session) Pull(ctx context.Context, imageID string) error {
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "pulling image", "image", imageID)

	if err := s.runner.RunForeground(ctx, "docker", "-H", "unix://"+s.SocketPath, "pull", imageID); err != nil {
		return fmt.Errorf("pull %s: %w", imageID, err)
	}

	log.InfoContext(ctx, "images loaded")
	if err := s.runner.RunForeground(ctx, "docker", "-H", "unix://"+s.SocketPath, "images", "--all"); err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	return nil
}

// Stop terminates the daemon via its recorded pid, falling back to the
// process handle when the pid file is unreadable, and removes the socket
// directory.
func (s *Session) Stop(ctx context.Context) error {
	log := logger.FromContext(ctx)
	defer os.RemoveAll(filepath.Dir(s.SocketPath))

	if pid, err := readPidFile(s.pidFile); err == nil {
		log.InfoContext(ctx, "stopping container runtime daemon", "pid", pid)
		if err := unix.Kill(pid, unix.SIGTERM); err != nil {
			return fmt.Errorf("kill daemon pid %d: %w", pid, err)
		}
	} else if s.process != nil {
		log.WarnContext(ctx, "daemon pid file unreadable, signalling process handle", "error", err)
		if err := s.process.Signal(unix.SIGTERM); err != nil {
			return fmt.Errorf("signal daemon: %w", err)
		}
	}

	if s.process != nil {
		// The daemon was signalled; a non-zero exit here is expected.
		_ = s.process.Wait()
	}
	return nil
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
