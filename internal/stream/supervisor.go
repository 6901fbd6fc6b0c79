package stream

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// defaultStopGrace is how long RequestStop waits for ffmpeg to exit on its
// own before escalating to SIGKILL.
const defaultStopGrace = 10 * time.Second

// Callbacks are the supervisor's reports back to its owner. OnLaunch fires
// synchronously inside Launch once the process has started; the rest fire
// from the supervisor's reader and wait goroutines. OnEnd fires exactly once,
// after the process has fully exited and both pipes are drained.
type Callbacks struct {
	OnLaunch         func(pid int)
	OnProgress       func(seconds float64)
	OnDiagnosticLine func(line string)
	OnEnd            func(exitErr error)
}

// SupervisorConfig describes one ffmpeg invocation.
type SupervisorConfig struct {
	Binary        string
	Args          []string
	StopGrace     time.Duration
	DisplayTarget string
	Callbacks     Callbacks
	Logger        *slog.Logger
}

// supervisorHandle is what the engine holds for a live process. The concrete
// type is swapped for a fake in tests.
type supervisorHandle interface {
	Launch() error
	RequestStop()
	Done() <-chan struct{}
	CommandDescription() string
}

type supervisorFactory func(cfg SupervisorConfig) supervisorHandle

func newSupervisor(cfg SupervisorConfig) supervisorHandle {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &supervisor{cfg: cfg, done: make(chan struct{})}
}

// supervisor runs a single ffmpeg process to completion. It writes progress
// reports from the process's machine-readable stdout and diagnostic lines
// from stderr, and owns the polite-then-forceful stop sequence.
type supervisor struct {
	cfg  SupervisorConfig
	done chan struct{}

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stopOnce sync.Once
}

// Launch starts the process and returns once it is running, with the reader
// and wait goroutines in flight. A start failure leaves nothing running and
// Done never closes.
func (s *supervisor) Launch() error {
	cmd := exec.Command(s.cfg.Binary, s.cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.Binary, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.mu.Unlock()

	if s.cfg.Callbacks.OnLaunch != nil {
		s.cfg.Callbacks.OnLaunch(cmd.Process.Pid)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.scanProgress(stdout)
	}()
	go func() {
		defer readers.Done()
		s.scanDiagnostics(stderr)
	}()

	go func() {
		readers.Wait()
		err := cmd.Wait()
		if s.cfg.Callbacks.OnEnd != nil {
			s.cfg.Callbacks.OnEnd(err)
		}
		close(s.done)
	}()
	return nil
}

// RequestStop asks the process to wind down: "q" on stdin for a clean ffmpeg
// trailer, then SIGINT, then SIGKILL if it is still alive after the grace
// period. Safe to call any number of times.
func (s *supervisor) RequestStop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cmd := s.cmd
		stdin := s.stdin
		s.mu.Unlock()
		if cmd == nil || cmd.Process == nil {
			return
		}

		if stdin != nil {
			if _, err := io.WriteString(stdin, "q"); err != nil {
				s.cfg.Logger.Debug("quit keystroke not delivered", "error", err)
			}
			stdin.Close()
		}
		if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
			s.cfg.Logger.Debug("SIGINT not delivered", "error", err)
		}

		go func() {
			select {
			case <-s.done:
			case <-time.After(s.cfg.StopGrace):
				s.cfg.Logger.Warn("process ignored stop request, killing",
					"grace", s.cfg.StopGrace.String())
				if err := cmd.Process.Kill(); err != nil {
					s.cfg.Logger.Debug("kill failed", "error", err)
				}
			}
		}()
	})
}

// Done closes after the process has exited and OnEnd has fired.
func (s *supervisor) Done() <-chan struct{} {
	return s.done
}

// CommandDescription renders the invocation with the stream key masked.
func (s *supervisor) CommandDescription() string {
	parts := make([]string, 0, len(s.cfg.Args)+1)
	parts = append(parts, s.cfg.Binary)
	for _, arg := range s.cfg.Args {
		if s.cfg.DisplayTarget != "" && ValidateTarget(arg) == nil {
			parts = append(parts, s.cfg.DisplayTarget)
			continue
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

func (s *supervisor) scanProgress(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		seconds, ok := parseProgressLine(scanner.Text())
		if !ok {
			continue
		}
		if s.cfg.Callbacks.OnProgress != nil {
			s.cfg.Callbacks.OnProgress(seconds)
		}
	}
}

func (s *supervisor) scanDiagnostics(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if s.cfg.Callbacks.OnDiagnosticLine != nil {
			s.cfg.Callbacks.OnDiagnosticLine(line)
		}
	}
}

// parseProgressLine extracts elapsed output seconds from one line of
// ffmpeg's -progress key=value feed. out_time_us and out_time_ms both carry
// microseconds (a long-standing ffmpeg quirk); out_time is the HH:MM:SS.micro
// rendering and serves as the fallback.
func parseProgressLine(line string) (float64, bool) {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found {
		return 0, false
	}
	switch key {
	case "out_time_us", "out_time_ms":
		micros, err := strconv.ParseInt(value, 10, 64)
		if err != nil || micros < 0 {
			return 0, false
		}
		return float64(micros) / 1e6, true
	case "out_time":
		return parseClockTime(value)
	}
	return 0, false
}

func parseClockTime(value string) (float64, bool) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, false
	}
	total := float64(hours)*3600 + float64(minutes)*60 + seconds
	if total < 0 {
		return 0, false
	}
	return total, true
}

// BuildFileArgs assembles the ffmpeg arguments for streaming a local file to
// an RTMP target. The source is read at native rate and remuxed without
// re-encoding.
func BuildFileArgs(sourcePath, target string, loop bool) []string {
	args := []string{"-hide_banner", "-nostats", "-loglevel", "warning", "-re"}
	if loop {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args,
		"-i", sourcePath,
		"-c", "copy",
		"-f", "flv",
		"-progress", "pipe:1",
		target,
	)
	return args
}

// BuildRelayArgs assembles the ffmpeg arguments for relaying a resolved
// remote source to an RTMP target.
func BuildRelayArgs(sourceURL, target string) []string {
	return []string{
		"-hide_banner", "-nostats", "-loglevel", "warning",
		"-re",
		"-i", sourceURL,
		"-c", "copy",
		"-f", "flv",
		"-progress", "pipe:1",
		target,
	}
}
