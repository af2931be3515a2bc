// Package ptyproc encapsulates one child process attached to a
// pseudo-terminal so the rest of the system can treat it as two byte
// streams plus resize/signal/close control operations.
package ptyproc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ErrClosed is returned by Write when the process is no longer running.
var ErrClosed = errors.New("ptyproc: session closed")

// ChunkSize is the read buffer size for the reader goroutine. Output
// chunks delivered on the Output channel are at most this size.
const ChunkSize = 64 * 1024

// Signal identifies a signal deliverable to the child's process group.
type Signal int

const (
	SignalInterrupt Signal = iota
	SignalTerminate
	SignalEOF
)

// Spec describes how to start a process in a new pty.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Rows    uint16
	Cols    uint16

	// CloseGrace bounds how long Close waits after SIGTERM before SIGKILL.
	CloseGrace time.Duration
}

// Process owns one child process attached to a pseudo-terminal.
//
// All operations are safe to call concurrently. Output is delivered
// asynchronously on the Output channel; a single reader goroutine feeds
// it so callers never block the cooperative loop on a pty read.
type Process struct {
	ptyFile *os.File
	cmd     *exec.Cmd
	logger  *slog.Logger

	output chan []byte
	exited chan struct{}
	exitErr error

	closeOnce sync.Once
	closeGrace time.Duration

	mu   sync.Mutex
	rows uint16
	cols uint16
}

// Start forks a child attached to a new pty pair, placing it in its own
// process group/session so later signals can be broadcast to the whole
// group. Returns once the child has been spawned, not when it is ready.
func Start(spec Spec, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	grace := spec.CloseGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: spec.Rows, Cols: spec.Cols})
	if err != nil {
		return nil, fmt.Errorf("ptyproc: spawn %s: %w", spec.Command, err)
	}

	p := &Process{
		ptyFile:    ptmx,
		cmd:        cmd,
		logger:     logger,
		output:     make(chan []byte, 256),
		exited:     make(chan struct{}),
		closeGrace: grace,
		rows:       spec.Rows,
		cols:       spec.Cols,
	}

	go p.readerLoop()
	go p.waitLoop()

	logger.Info("pty spawned", "command", spec.Command, "args", spec.Args, "dir", spec.Dir, "pid", cmd.Process.Pid)

	return p, nil
}

// Output yields chunks of pty output as they arrive. The channel is
// closed on EOF (child exit or Close).
func (p *Process) Output() <-chan []byte {
	return p.output
}

// Exited is closed once the child has been reaped; ExitCode reports the result.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitCode returns the child's exit code once Exited is closed, or nil
// if the wait itself failed (e.g. force-killed without a reapable status).
func (p *Process) ExitCode() *int {
	if p.cmd == nil || p.cmd.ProcessState == nil {
		return nil
	}
	code := p.cmd.ProcessState.ExitCode()
	return &code
}

func (p *Process) readerLoop() {
	buf := make([]byte, ChunkSize)
	for {
		n, err := p.ptyFile.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.output <- chunk:
			case <-p.exited:
				close(p.output)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("pty read error", "error", err)
			}
			close(p.output)
			return
		}
	}
}

func (p *Process) waitLoop() {
	p.exitErr = p.cmd.Wait()
	close(p.exited)
}

// Write appends bytes to the pty master. Fails with ErrClosed if the
// process is no longer running.
func (p *Process) Write(b []byte) (int, error) {
	select {
	case <-p.exited:
		return 0, ErrClosed
	default:
	}
	return p.ptyFile.Write(b)
}

// WriteString is a convenience wrapper around Write.
func (p *Process) WriteString(s string) (int, error) {
	return p.Write([]byte(s))
}

// Resize sets the pty window size and delivers SIGWINCH to the child's
// process group so full-screen programs redraw at the new dimensions.
func (p *Process) Resize(rows, cols uint16) error {
	p.mu.Lock()
	p.rows, p.cols = rows, cols
	p.mu.Unlock()

	if err := pty.Setsize(p.ptyFile, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("ptyproc: resize: %w", err)
	}
	return p.signalGroup(syscall.SIGWINCH)
}

// Size returns the current terminal dimensions.
func (p *Process) Size() (rows, cols uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows, p.cols
}

// SendSignal delivers sig to the child's process group. EOF is
// delivered as the pty's configured EOF character written to input,
// not a real signal.
func (p *Process) SendSignal(sig Signal) error {
	switch sig {
	case SignalInterrupt:
		return p.signalGroup(syscall.SIGINT)
	case SignalTerminate:
		return p.signalGroup(syscall.SIGTERM)
	case SignalEOF:
		_, err := p.Write([]byte{0x04})
		return err
	default:
		return fmt.Errorf("ptyproc: unknown signal %d", sig)
	}
}

func (p *Process) signalGroup(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(p.cmd.Process.Pid)
	if err != nil {
		return p.cmd.Process.Signal(sig)
	}
	return syscall.Kill(-pgid, sig)
}

// Close sends terminate to the process group, waits a bounded grace
// period, then force-kills survivors; closes the pty fds and reaps the
// child. Safe to call more than once.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		_ = p.signalGroup(syscall.SIGTERM)

		select {
		case <-p.exited:
		case <-time.After(p.closeGrace):
			p.logger.Warn("close grace expired, force-killing", "pid", p.cmd.Process.Pid)
			_ = p.signalGroup(syscall.SIGKILL)
			<-p.exited
		}

		if closeErr := p.ptyFile.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			err = closeErr
		}
	})
	return err
}
