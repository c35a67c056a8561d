package transcode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// fakeProcess stands in for ffmpeg: echoes stdin to stdout verbatim, and
// exits when stdin closes, when signalled, or when killed. ignoreTerm
// simulates a hung process.
type fakeProcess struct {
	mu         sync.Mutex
	started    bool
	signals    []os.Signal
	killed     bool
	ignoreTerm bool // simulate a hung process that ignores SIGTERM
	exitErr    error

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exited chan struct{}
	once   sync.Once
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{exited: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Start() error {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	go func() {
		// Echo stdin to stdout; exit when input closes.
		io.Copy(p.stdoutW, p.stdinR)
		p.exit(nil)
	}()
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		p.stdoutW.Close()
		p.stderrW.Close()
		p.stdinR.Close()
		close(p.exited)
	})
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.ignoreTerm
	p.mu.Unlock()
	if sig == syscall.SIGTERM && !ignore {
		p.exit(errors.New("terminated"))
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(errors.New("killed"))
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func newTestSupervisor(p *fakeProcess, grace time.Duration) *Supervisor {
	return &Supervisor{
		Path:  "ffmpeg",
		Grace: grace,
		NewProcess: func(path string, args []string) (Process, error) {
			return p, nil
		},
	}
}

func TestRun_pipesInputToOutput(t *testing.T) {
	p := newFakeProcess()
	s := newTestSupervisor(p, time.Second)
	var out bytes.Buffer
	err := s.Run(context.Background(), strings.NewReader("transcoded-bytes"), &out)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "transcoded-bytes" {
		t.Errorf("output = %q", out.String())
	}
	if s.State() != StateExited {
		t.Errorf("state = %s, want exited", s.State())
	}
}

func TestRun_clientDisconnectSignalsThenExits(t *testing.T) {
	p := newFakeProcess()
	s := newTestSupervisor(p, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	// Block input so the session stays live until cancel.
	inR, inW := io.Pipe()
	defer inW.Close()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, inR, io.Discard) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run err = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.signals) == 0 || p.signals[0] != syscall.SIGTERM {
		t.Errorf("signals = %v, want SIGTERM first", p.signals)
	}
	if p.killed {
		t.Error("cooperative process should not need a kill")
	}
	if s.State() != StateExited {
		t.Errorf("state = %s", s.State())
	}
}

func TestRun_forceKillAfterGrace(t *testing.T) {
	p := newFakeProcess()
	p.ignoreTerm = true
	s := newTestSupervisor(p, 100*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	inR, inW := io.Pipe()
	defer inW.Close()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, inR, io.Discard) }()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return; kill escalation missing")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		t.Fatal("process ignoring SIGTERM was not killed")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("killed after %s, before the grace period", elapsed)
	}
}

func TestRun_startFailure(t *testing.T) {
	s := &Supervisor{
		Path: "ffmpeg",
		NewProcess: func(path string, args []string) (Process, error) {
			return nil, errors.New("no such binary")
		},
	}
	err := s.Run(context.Background(), strings.NewReader(""), io.Discard)
	if err == nil || !strings.Contains(err.Error(), "no such binary") {
		t.Fatalf("err = %v", err)
	}
}

func TestRun_nonZeroExitSurfaces(t *testing.T) {
	p := newFakeProcess()
	s := newTestSupervisor(p, time.Second)
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.exit(errors.New("exit status 1"))
	}()
	inR, inW := io.Pipe()
	defer inW.Close()
	err := s.Run(context.Background(), inR, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "exit status 1") {
		t.Fatalf("err = %v, want exit status surfaced", err)
	}
	if s.State() != StateExited {
		t.Errorf("state = %s", s.State())
	}
}

// reapingProcess mimics an exec pipe around a process that already finished:
// Wait reaps it and closes the stdout pipe, discarding anything not yet read.
type reapingProcess struct {
	mu     sync.Mutex
	out    *bytes.Reader
	reaped bool
}

func (p *reapingProcess) Start() error           { return nil }
func (p *reapingProcess) Stdin() io.WriteCloser  { return nopWriteCloser{} }
func (p *reapingProcess) Stdout() io.Reader      { return p }
func (p *reapingProcess) Stderr() io.Reader      { return strings.NewReader("") }
func (p *reapingProcess) Signal(os.Signal) error { return nil }
func (p *reapingProcess) Kill() error            { return nil }

func (p *reapingProcess) Wait() error {
	p.mu.Lock()
	p.reaped = true
	p.mu.Unlock()
	return nil
}

func (p *reapingProcess) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reaped {
		return 0, io.ErrClosedPipe
	}
	return p.out.Read(b)
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

// slowWriter simulates a client draining slower than the transcoder produces.
type slowWriter struct {
	buf   bytes.Buffer
	delay time.Duration
}

func (w *slowWriter) Write(p []byte) (int, error) {
	time.Sleep(w.delay)
	return w.buf.Write(p)
}

func TestRun_slowClientGetsFullOutput(t *testing.T) {
	// The process exits long before a slow client drains its output; reaping
	// it early would drop the tail of the stream.
	payload := bytes.Repeat([]byte{0x47}, 256*1024)
	p := &reapingProcess{out: bytes.NewReader(payload)}
	s := &Supervisor{
		Path:  "ffmpeg",
		Grace: time.Second,
		NewProcess: func(path string, args []string) (Process, error) {
			return p, nil
		},
	}
	out := &slowWriter{delay: 2 * time.Millisecond}
	if err := s.Run(context.Background(), strings.NewReader(""), out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.buf.Len() != len(payload) {
		t.Errorf("client received %d bytes, want %d", out.buf.Len(), len(payload))
	}
	if s.State() != StateExited {
		t.Errorf("state = %s", s.State())
	}
}

func TestRun_argsLayout(t *testing.T) {
	var gotArgs []string
	p := newFakeProcess()
	s := &Supervisor{
		Path: "ffmpeg",
		Args: DefaultArgs(),
		NewProcess: func(path string, args []string) (Process, error) {
			gotArgs = args
			return p, nil
		},
	}
	if err := s.Run(context.Background(), strings.NewReader("x"), io.Discard); err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "-i pipe:0") {
		t.Errorf("args %q missing stdin input", joined)
	}
	if gotArgs[len(gotArgs)-1] != "pipe:1" {
		t.Errorf("args %q must end with stdout output", joined)
	}
	if !strings.Contains(joined, "-c copy -f mpegts") {
		t.Errorf("args %q missing default remux args", joined)
	}
}
