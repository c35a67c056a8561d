// Package transcode supervises an external ffmpeg subprocess that sits
// between the origin byte-stream and the client response. The process is
// modeled as three byte channels (stdin, stdout, stderr) plus a lifecycle,
// and torn down with an escalating signal policy so a relay request can
// never leak a running transcoder.
package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/iptvrelay/iptv-relay/internal/metrics"
)

// State is the supervisor's lifecycle position.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateTerminating
	StateExited
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// DefaultGrace is how long a signalled transcoder gets to exit before it is
// force-killed.
const DefaultGrace = 5 * time.Second

// Process abstracts the transcoder subprocess so the kill policy is testable
// with a fake. Pipes must be available before Start.
type Process interface {
	Start() error
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

// Supervisor runs one transcoder subprocess per relay request.
type Supervisor struct {
	// Path is the ffmpeg binary; Args are the codec/container args. Input is
	// always stdin ("-i pipe:0") and output always stdout ("pipe:1").
	Path string
	Args []string
	// Grace bounds the SIGTERM-to-SIGKILL window. 0 = DefaultGrace.
	Grace time.Duration
	// NewProcess overrides subprocess creation; nil = exec-backed. Test seam.
	NewProcess func(path string, args []string) (Process, error)

	state atomic.Int32
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// DefaultArgs remuxes to MPEG-TS without re-encoding.
func DefaultArgs() []string {
	return []string{"-c", "copy", "-f", "mpegts"}
}

// Run wires input into the transcoder's stdin and its stdout into out,
// blocking until the subprocess exits or ctx is cancelled. On cancellation or
// stream failure the subprocess is signalled and, after the grace period,
// force-killed. A non-zero exit is returned as an error; callers that already
// streamed bytes to the client log it instead of surfacing it.
func (s *Supervisor) Run(ctx context.Context, input io.Reader, out io.Writer) error {
	newProc := s.NewProcess
	if newProc == nil {
		newProc = newExecProcess
	}
	args := append([]string{"-hide_banner", "-loglevel", "error", "-i", "pipe:0"}, s.Args...)
	args = append(args, "pipe:1")
	proc, err := newProc(s.Path, args)
	if err != nil {
		metrics.TranscodeSessions.WithLabelValues("start_failed").Inc()
		return fmt.Errorf("create transcoder: %w", err)
	}
	if err := proc.Start(); err != nil {
		s.state.Store(int32(StateExited))
		metrics.TranscodeSessions.WithLabelValues("start_failed").Inc()
		return fmt.Errorf("start transcoder: %w", err)
	}
	s.state.Store(int32(StateRunning))

	stdin := proc.Stdin()
	go func() {
		if _, err := io.Copy(stdin, input); err != nil && !isPipeClosed(err) {
			log.Printf("transcode: input feed ended: %v", err)
		}
		stdin.Close()
	}()
	go drainStderr(proc.Stderr())

	// Wait must not run until the stdout copy has drained: reaping the
	// process closes its stdout pipe, discarding bytes a slow client has not
	// consumed yet. Cancellation is handled by a watcher that signals and
	// kills; the resulting pipe close unblocks the copy.
	copyCh := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, proc.Stdout())
		copyCh <- err
	}()

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-watchDone:
		case <-ctx.Done():
			s.state.Store(int32(StateTerminating))
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				log.Printf("transcode: signal: %v", err)
			}
			select {
			case <-watchDone:
			case <-time.After(s.grace()):
				log.Printf("transcode: grace period %s expired; killing", s.grace())
				_ = proc.Kill()
			}
		}
	}()

	copyErr := <-copyCh
	if copyErr != nil && ctx.Err() == nil {
		// Client write failed; stop the producer before reaping it.
		s.state.Store(int32(StateTerminating))
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			log.Printf("transcode: signal: %v", err)
		}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.Wait() }()
	var werr error
	select {
	case werr = <-waitCh:
	case <-time.After(s.grace()):
		log.Printf("transcode: grace period %s expired; killing", s.grace())
		_ = proc.Kill()
		werr = <-waitCh
	}
	close(watchDone)
	s.state.Store(int32(StateExited))

	switch {
	case ctx.Err() != nil:
		metrics.TranscodeSessions.WithLabelValues("killed").Inc()
		return ctx.Err()
	case copyErr != nil:
		metrics.TranscodeSessions.WithLabelValues("killed").Inc()
		return fmt.Errorf("transcoder output: %w", copyErr)
	case werr != nil:
		metrics.TranscodeSessions.WithLabelValues("exit_error").Inc()
		return fmt.Errorf("transcoder exit: %w", werr)
	default:
		metrics.TranscodeSessions.WithLabelValues("ok").Inc()
		return nil
	}
}

func (s *Supervisor) grace() time.Duration {
	if s.Grace > 0 {
		return s.Grace
	}
	return DefaultGrace
}

func drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		log.Printf("transcode: [stderr] %s", sc.Text())
	}
}

func isPipeClosed(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrClosed)
}

// execProcess is the real subprocess implementation.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func newExecProcess(path string, args []string) (Process, error) {
	bin, err := exec.LookPath(path)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (p *execProcess) Start() error {
	if err := p.cmd.Start(); err != nil {
		return err
	}
	log.Printf("transcode: started pid=%d args=%q", p.cmd.Process.Pid, p.cmd.Args)
	return nil
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
