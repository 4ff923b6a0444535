package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/odvcencio/browserhost/pkg/browser"
	hosterrors "github.com/odvcencio/browserhost/pkg/errors"
	"github.com/odvcencio/browserhost/pkg/logging"
)

// SupervisorState is the worker process lifecycle state.
type SupervisorState int

const (
	SupervisorStopped SupervisorState = iota
	SupervisorStarting
	SupervisorRunning
	SupervisorStopping
)

func (s SupervisorState) String() string {
	switch s {
	case SupervisorStopped:
		return "stopped"
	case SupervisorStarting:
		return "starting"
	case SupervisorRunning:
		return "running"
	case SupervisorStopping:
		return "stopping"
	}
	return "unknown"
}

// ConnectionInfo describes how to reach the running worker.
type ConnectionInfo struct {
	Port int
}

// readinessMarker is the stdout line prefix a worker prints once its
// listener is up. Matching it only accelerates the readiness poll; the
// poll itself is the ground truth, so log format changes cannot break
// startup detection.
const readinessMarker = "listening on"

// Supervisor owns one worker process's lifecycle: spawn, readiness,
// graceful stop, forced kill. The process handle is exclusively owned
// here; no other component signals it.
type Supervisor struct {
	cfg    Config
	logger *logging.Logger

	mu        sync.Mutex
	state     SupervisorState
	cmd       *exec.Cmd
	waitDone  chan struct{}
	exitErr   error
	candidate Candidate
	ready     chan struct{}
}

// NewSupervisor creates a supervisor for the configured worker.
func NewSupervisor(cfg Config, logger *logging.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Start resolves the worker executable, spawns it with a curated
// environment, and blocks until the worker accepts a TCP connection on
// its advertised port. A start that cannot reach readiness within the
// attempt budget cleans up the spawned process and fails.
//
// Calling Start while already running is a warned no-op, never a
// duplicate spawn.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SupervisorStopped {
		state := s.state
		s.mu.Unlock()
		s.logger.Warn(logging.CategorySupervisor, "start_ignored", "worker already active", map[string]any{
			"state": state.String(),
		})
		return nil
	}
	s.state = SupervisorStarting
	s.mu.Unlock()

	candidate, found := Resolve(s.cfg)
	if !found {
		s.setState(SupervisorStopped)
		browser.RecordWorkerStart("binary_not_found")
		return hosterrors.NewServiceNotAvailable("no worker binary or entry script found").
			WithContext("binary_dir", s.cfg.BinaryDir).
			WithContext("entry_script", s.cfg.EntryScript)
	}

	cmd := s.buildCommand(candidate)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setState(SupervisorStopped)
		browser.RecordWorkerStart("spawn_failed")
		return hosterrors.Wrap(err, hosterrors.ErrCodeServiceNotAvailable, "attaching worker stdout").
			WithUserMessage("The browser service could not be started.")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		s.setState(SupervisorStopped)
		browser.RecordWorkerStart("spawn_failed")
		return hosterrors.Wrap(err, hosterrors.ErrCodeServiceNotAvailable, "spawning worker process").
			WithContext("path", candidate.Path).
			WithUserMessage("The browser service could not be started.")
	}

	waitDone := make(chan struct{})
	ready := make(chan struct{}, 1)

	s.mu.Lock()
	s.cmd = cmd
	s.waitDone = waitDone
	s.candidate = candidate
	s.ready = ready
	s.mu.Unlock()

	go s.scanOutput(stdout, ready)
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		close(waitDone)
	}()

	s.logger.Info(logging.CategorySupervisor, "worker_spawned", "worker process started", map[string]any{
		"path":   candidate.Path,
		"script": candidate.IsScript(),
		"pid":    cmd.Process.Pid,
		"port":   s.cfg.Port,
	})

	if err := s.awaitReady(ctx, waitDone, ready); err != nil {
		_ = s.terminate()
		browser.RecordWorkerStart("not_ready")
		return err
	}

	s.setState(SupervisorRunning)
	browser.RecordWorkerStart("ok")
	s.logger.Info(logging.CategorySupervisor, "worker_ready", "worker accepting connections", map[string]any{
		"port": s.cfg.Port,
	})
	return nil
}

// buildCommand launches compiled workers directly and entry scripts
// through their interpreter. Secrets reach the worker via environment
// only; argv carries nothing sensitive.
func (s *Supervisor) buildCommand(candidate Candidate) *exec.Cmd {
	var cmd *exec.Cmd
	if candidate.IsScript() {
		cmd = exec.Command(candidate.Interpreter, candidate.Path)
	} else {
		cmd = exec.Command(candidate.Path)
	}
	cmd.Env = s.curatedEnv()
	return cmd
}

// curatedEnv builds the worker environment from an explicit allow-list
// plus derived settings. The host environment is never inherited
// wholesale.
func (s *Supervisor) curatedEnv() []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
	for _, key := range s.cfg.PassthroughEnv {
		if value := os.Getenv(key); value != "" {
			env = append(env, key+"="+value)
		}
	}
	env = append(env,
		fmt.Sprintf("BROWSER_WORKER_PORT=%d", s.cfg.Port),
		fmt.Sprintf("BROWSER_HEADLESS=%t", s.cfg.Headless),
	)
	if s.cfg.ModelEndpoint != "" {
		env = append(env, "MODEL_ENDPOINT="+s.cfg.ModelEndpoint)
	}
	if s.cfg.ModelName != "" {
		env = append(env, "MODEL_NAME="+s.cfg.ModelName)
	}
	return env
}

// scanOutput forwards worker output to the log and signals the readiness
// marker when seen.
func (s *Supervisor) scanOutput(pipe io.Reader, ready chan<- struct{}) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		s.logger.Debug(logging.CategorySupervisor, "worker_output", line, nil)
		if strings.Contains(strings.ToLower(line), readinessMarker) {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	}
}

// awaitReady polls the worker port until a TCP connect succeeds. The
// stdout marker only short-circuits the wait for the next poll tick.
func (s *Supervisor) awaitReady(ctx context.Context, waitDone <-chan struct{}, ready <-chan struct{}) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)

	for attempt := 1; attempt <= s.cfg.ReadinessAttempts; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, s.cfg.ReadinessInterval)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-waitDone:
			s.mu.Lock()
			exitErr := s.exitErr
			s.mu.Unlock()
			return hosterrors.Wrap(exitErrOr(exitErr), hosterrors.ErrCodeServiceNotAvailable,
				"worker exited during startup").
				WithUserMessage("The browser service could not be started.")
		case <-ready:
			// Marker seen; retry the dial immediately.
		case <-time.After(s.cfg.ReadinessInterval):
		}
	}

	return hosterrors.New(hosterrors.ErrCodeServiceNotAvailable,
		fmt.Sprintf("worker not reachable on %s after %d attempts", addr, s.cfg.ReadinessAttempts)).
		WithUserMessage("The browser service did not become ready.")
}

func exitErrOr(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("worker exited cleanly before becoming ready")
}

// Stop terminates the worker: SIGTERM, a bounded grace period, then
// SIGKILL. Idempotent; a supervisor that never started is a no-op. The
// state always ends at stopped once the process has exited.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state == SupervisorStopped || s.state == SupervisorStopping {
		s.mu.Unlock()
		return nil
	}
	s.state = SupervisorStopping
	s.mu.Unlock()

	return s.terminate()
}

// terminate performs the actual teardown and resets state to stopped.
func (s *Supervisor) terminate() error {
	s.mu.Lock()
	cmd := s.cmd
	waitDone := s.waitDone
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cmd = nil
		s.waitDone = nil
		s.state = SupervisorStopped
		s.mu.Unlock()
	}()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	select {
	case <-waitDone:
		// Already exited.
		return nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Signal delivery failed (process likely gone); fall through to
		// the wait below.
		s.logger.Debug(logging.CategorySupervisor, "sigterm_failed", err.Error(), nil)
	}

	select {
	case <-waitDone:
		s.logger.Info(logging.CategorySupervisor, "worker_stopped", "worker exited gracefully", nil)
		return nil
	case <-time.After(s.cfg.StopGrace):
	}

	s.logger.Warn(logging.CategorySupervisor, "worker_killed", "grace period elapsed, forcing kill", nil)
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("killing worker process: %w", err)
	}
	<-waitDone
	return nil
}

// IsRunning reports whether the worker process is in the running state.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == SupervisorRunning
}

// State returns the current lifecycle state.
func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionInfo returns how to reach the worker.
func (s *Supervisor) ConnectionInfo() ConnectionInfo {
	return ConnectionInfo{Port: s.cfg.Port}
}

func (s *Supervisor) setState(state SupervisorState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
