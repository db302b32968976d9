package adapter

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	readChunkSize  = 32768
	stderrTailSize = 8192
)

type procSpec struct {
	Command string
	Args    []string
	Env     []string
	WD      string
}

// proc is one spawned agent process with piped stdio.
// The stdout reader owns the process: it reads to EOF and then reaps the process, so all output is delivered before
// the exit is observed.
type proc struct {
	log    *zap.SugaredLogger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *stderrTail

	exited   chan struct{}
	exitCode int

	stdinMut  sync.Mutex
	closeOnce sync.Once
	stopOnce  sync.Once
}

func startProc(spec procSpec, log *zap.SugaredLogger) (*proc, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WD
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcessGroup(cmd)

	stderr := &stderrTail{log: log, max: stderrTailSize}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ProcessSpawnError{Command: spec.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessSpawnError{Command: spec.Command, Err: err}
	}

	err = cmd.Start()
	if err != nil {
		return nil, &ProcessSpawnError{Command: spec.Command, Err: err}
	}
	log.Debugw("process started", "PID", cmd.Process.Pid, "Command", spec.Command, "Args", spec.Args, "WD", spec.WD)

	return &proc{
		log:    log,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		exited: make(chan struct{}),
	}, nil
}

// run copies stdout to onChunk until EOF and then waits for the process to exit, returning its exit code.
// If onChunk returns false, the process is killed and the rest of its output is discarded.
func (p *proc) run(onChunk func(b []byte) bool) int {
	defer close(p.exited)

	discard := false
	buf := make([]byte, readChunkSize)
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 && !discard {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !onChunk(chunk) {
				discard = true
				p.kill()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.log.Debugf("stdout reader got error: %s", err)
			}
			break
		}
	}

	err := p.cmd.Wait()
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			p.log.Debugf("unexpected wait error: %s", err)
		}
	}
	p.log.Debugf("process %d exited with code %d", p.cmd.Process.Pid, p.exitCode)
	return p.exitCode
}

func (p *proc) writeLine(text string) error {
	p.stdinMut.Lock()
	defer p.stdinMut.Unlock()
	select {
	case <-p.exited:
		return ErrWriteAfterExit
	default:
	}
	_, err := io.WriteString(p.stdin, text+"\n")
	if err != nil {
		return fmt.Errorf("%w: %s", ErrWriteAfterExit, err)
	}
	return nil
}

func (p *proc) closeStdin() {
	p.closeOnce.Do(func() {
		p.stdinMut.Lock()
		defer p.stdinMut.Unlock()
		err := p.stdin.Close()
		if err != nil {
			p.log.Debugf("error closing stdin: %s", err)
		}
	})
}

func (p *proc) kill() {
	err := signalGroup(p.cmd, syscall.SIGKILL)
	if err != nil {
		p.log.Debugf("error killing process group: %s", err)
	}
}

// stop closes stdin so the agent can flush and exit on its own, then escalates to SIGTERM after half the grace
// period and to SIGKILL after the full grace period. It blocks until the process has exited.
func (p *proc) stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		p.closeStdin()

		select {
		case <-p.exited:
			return
		case <-time.After(grace / 2):
		}
		p.log.Debugw("process still running after stdin close, sending SIGTERM", "PID", p.cmd.Process.Pid)
		err := signalGroup(p.cmd, syscall.SIGTERM)
		if err != nil {
			p.log.Debugf("error sending SIGTERM: %s", err)
		}

		select {
		case <-p.exited:
			return
		case <-time.After(grace / 2):
		}
		p.log.Debugw("process ignored SIGTERM, killing", "PID", p.cmd.Process.Pid)
		p.kill()
	})
	<-p.exited
}

// stderrTail logs everything written to it and keeps the last max bytes for error reporting.
type stderrTail struct {
	log *zap.SugaredLogger
	max int

	m   sync.Mutex
	buf []byte
}

func (s *stderrTail) Write(b []byte) (int, error) {
	s.log.Debugw("agent stderr", "Output", string(b))
	s.m.Lock()
	defer s.m.Unlock()
	s.buf = append(s.buf, b...)
	if len(s.buf) > s.max {
		s.buf = s.buf[len(s.buf)-s.max:]
	}
	return len(b), nil
}

func (s *stderrTail) String() string {
	s.m.Lock()
	defer s.m.Unlock()
	return string(s.buf)
}

