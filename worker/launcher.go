package worker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-shellwords"

	"scribe.town/fanout"
	"scribe.town/metrics"
)

// ErrAlreadyRunning is returned when a session still holds a live
// worker process handle.
var ErrAlreadyRunning = errors.New("worker already running for this session")

// DefaultGracePeriod is how long Stop waits for a worker to exit after
// a graceful termination request before killing it.
const DefaultGracePeriod = 5 * time.Second

// Launcher spawns and tears down the isolated worker process for a
// session, and relays its line-oriented output as events.
//
// The worker command is resolved in order: a docker image (`docker run
// --rm`, config passed with -e), an explicit command line parsed with
// shellwords, or the current executable re-invoked as `agent`.
type Launcher struct {
	log     *log.Logger
	image   string
	command string
	grace   time.Duration
}

func NewLauncher(logger *log.Logger, image, command string, grace time.Duration) *Launcher {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Launcher{log: logger, image: image, command: command, grace: grace}
}

// Handle is the live-process handle stored on a session record.
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	stopped  bool
	exitCode int
}

// Done is closed once the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode is only meaningful after Done is closed.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Start spawns the worker for cfg. prev is the handle the session
// currently holds, if any; a live prev rejects the launch with
// ErrAlreadyRunning. Every stdout line is forwarded through emit: lines
// that decode as events are passed through, the rest are wrapped as log
// events. Stderr lines become error events. When the process exits, a
// terminal status event is emitted and onExit runs with the exit code.
func (l *Launcher) Start(prev *Handle, cfg Config, emit func(fanout.Event), onExit func(code int)) (*Handle, error) {
	if prev != nil && prev.Alive() {
		return nil, ErrAlreadyRunning
	}

	raw, err := cfg.Marshal()
	if err != nil {
		return nil, err
	}

	argv, err := l.buildArgv(cfg, raw)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), ConfigEnv+"="+raw)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	l.log.Info("worker started",
		"session", cfg.ConnectionID,
		"pid", cmd.Process.Pid,
		"argv0", argv[0],
	)

	h := &Handle{cmd: cmd, done: make(chan struct{})}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.forwardStdout(cfg.ConnectionID, stdout, emit)
	}()
	go func() {
		defer wg.Done()
		l.forwardStderr(cfg.ConnectionID, stderr, emit)
	}()

	go func() {
		wg.Wait()
		code := 0
		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}

		h.mu.Lock()
		h.exitCode = code
		h.mu.Unlock()
		close(h.done)

		outcome := "clean"
		if code != 0 {
			outcome = "error"
		}
		metrics.WorkerExits.WithLabelValues(outcome).Inc()

		l.log.Info("worker exited", "session", cfg.ConnectionID, "code", code)
		emit(fanout.Status("server", fmt.Sprintf("bot exited with code %d, stream closing", code)))
		onExit(code)
	}()

	return h, nil
}

func (l *Launcher) buildArgv(cfg Config, rawConfig string) ([]string, error) {
	if l.image != "" {
		return []string{
			"docker", "run", "--rm",
			"--name=scribe-bot-session-" + cfg.ConnectionID,
			"-e", ConfigEnv + "=" + rawConfig,
			l.image,
		}, nil
	}

	if l.command != "" {
		argv, err := shellwords.Parse(l.command)
		if err != nil {
			return nil, fmt.Errorf("parse worker command: %w", err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("worker command is empty")
		}
		return argv, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return []string{exe, "agent"}, nil
}

func (l *Launcher) forwardStdout(id string, r io.Reader, emit func(fanout.Event)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev fanout.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
			emit(fanout.Log("bot-stdout", line))
			continue
		}
		emit(ev)
	}
	if err := scanner.Err(); err != nil {
		l.log.Warn("worker stdout scan", "session", id, "error", err)
	}
}

func (l *Launcher) forwardStderr(id string, r io.Reader, emit func(fanout.Event)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		emit(fanout.Error("bot-stderr", line))
	}
	if err := scanner.Err(); err != nil {
		l.log.Warn("worker stderr scan", "session", id, "error", err)
	}
}

// Stop requests graceful termination and returns; a background
// escalation kills the process if it has not exited within the grace
// period. It is a no-op on a handle that was already stopped or has
// exited.
func (l *Launcher) Stop(h *Handle) {
	if h == nil {
		return
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	if !h.Alive() {
		return
	}

	l.log.Info("stopping worker", "pid", h.cmd.Process.Pid)
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		l.log.Warn("signal worker", "error", err)
	}

	go func() {
		select {
		case <-h.done:
		case <-time.After(l.grace):
			l.log.Warn("worker did not exit in time, killing", "pid", h.cmd.Process.Pid)
			if err := h.cmd.Process.Kill(); err != nil {
				l.log.Warn("kill worker", "error", err)
			}
		}
	}()
}
