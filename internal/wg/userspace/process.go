package userspace

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// procState tracks a supervised implementation process.
//
//	spawned -> ready -> serving -> terminated
//
// Any exit that was not requested through stop lands in stateDown, which
// is terminal until the device is restarted.
type procState int

const (
	stateSpawned procState = iota
	stateReady
	stateServing
	stateTerminated
	stateDown
)

func (s procState) String() string {
	switch s {
	case stateSpawned:
		return "spawned"
	case stateReady:
		return "ready"
	case stateServing:
		return "serving"
	case stateTerminated:
		return "terminated"
	case stateDown:
		return "down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type process struct {
	name   string
	cmd    *exec.Cmd
	logger *slog.Logger
	done   chan struct{}

	mu       sync.Mutex
	state    procState
	stopping bool
	exitErr  error
}

// spawn starts the implementation for one interface. The process gets its
// own process group so that terminal signals aimed at the engine do not
// reach it.
func spawn(name string, cfg Config, logger *slog.Logger) (*process, error) {
	l := logger.With("interface", name)

	cmd := exec.Command(cfg.Binary, expandArgs(cfg.Args, name)...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Stdout = &logWriter{logger: l, stream: "stdout"}
	cmd.Stderr = &logWriter{logger: l, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Binary, err)
	}

	p := &process{
		name:   name,
		cmd:    cmd,
		logger: l,
		done:   make(chan struct{}),
		state:  stateSpawned,
	}
	go p.wait()

	l.Info("userspace_process_spawned", "pid", cmd.Process.Pid, "binary", cfg.Binary)
	return p, nil
}

func (p *process) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	expected := p.stopping
	if expected {
		p.state = stateTerminated
	} else {
		p.state = stateDown
	}
	p.mu.Unlock()
	close(p.done)

	if expected {
		p.logger.Info("userspace_process_terminated", "pid", p.cmd.Process.Pid)
		return
	}
	p.logger.Error("userspace_process_exited",
		"pid", p.cmd.Process.Pid,
		"error", err,
		"state", stateDown.String(),
	)
}

func (p *process) current() procState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// advance moves the process forward to s. It never leaves a terminal
// state.
func (p *process) advance(s procState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state < stateTerminated && s > p.state {
		p.state = s
	}
}

// alive reports whether the process has not exited.
func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// exitError describes why the process is gone.
func (p *process) exitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitErr != nil {
		return fmt.Errorf("process %d exited: %w", p.cmd.Process.Pid, p.exitErr)
	}
	return fmt.Errorf("process %d exited", p.cmd.Process.Pid)
}

// stop terminates and reaps the process: SIGTERM, then SIGKILL once
// timeout elapses. It returns after the process is gone.
func (p *process) stop(timeout time.Duration) {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	if !p.alive() {
		return
	}
	if err := p.cmd.Process.Signal(terminateSignal); err != nil {
		p.logger.Warn("userspace_process_signal_failed", "error", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("userspace_process_kill", "pid", p.cmd.Process.Pid, "timeout", timeout)
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}

// expandArgs substitutes the interface name for every "{name}".
func expandArgs(args []string, name string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, "{name}", name)
	}
	return out
}

// logWriter forwards process output to the logger line by line.
type logWriter struct {
	logger *slog.Logger
	stream string
	buf    []byte
}

func (w *logWriter) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:i]); len(line) > 0 {
			w.logger.Debug("userspace_process_output", "stream", w.stream, "line", string(line))
		}
		w.buf = w.buf[i+1:]
	}
	return len(b), nil
}
