package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/dockhand/dockhand/internal/output"
	"github.com/dockhand/dockhand/internal/proc"
)

var (
	// ErrSpawn wraps every failure to start the executable, for example
	// exec.ErrNotFound or a permission error.
	ErrSpawn = errors.New("spawn failed")
)

const (
	DefaultCaptureTimeout = 5 * time.Second
	DefaultPollInterval   = 15 * time.Millisecond
	DefaultStopTimeout    = 5 * time.Second
	DefaultDrainTimeout   = 2 * time.Second

	// ExitUnknown is reported when no exit status could be obtained.
	ExitUnknown = -1
	// ExitTimeout is the synthetic exit code of a Capture which hit its
	// timeout.
	ExitTimeout = -2

	// StoppedLine is emitted once when a stream is stopped.
	StoppedLine = "stopped by user"
)

// Result describes one finished execution.
type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	ExitCode int
	// Lines holds the merged output of Capture. Stream hands lines to the
	// callback instead.
	Lines         []string
	TimedOut      bool
	StopRequested bool
	// Err is the error returned by waiting on the process.
	Err error
}

// Success reports a zero exit status.
func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// StreamOptions configure Stream.
type StreamOptions struct {
	// OnStart receives the live process right after the spawn, before any
	// output was produced.
	OnStart func(h *proc.Handle)
	// OnLine is called from a single goroutine for every line, in order.
	OnLine func(line string)
	// Stop is polled every poll interval, true terminates the process.
	Stop *atomic.Bool
}

// Runner spawns external commands, merges stdout and stderr, splits it into
// lines and tracks the process until it is reaped. It is safe for
// concurrent use, every call owns its process.
type Runner struct {
	term           proc.Terminator
	captureTimeout time.Duration
	poll           time.Duration
	stopTimeout    time.Duration
	drainTimeout   time.Duration
}

type Option func(*Runner)

func WithTerminator(t proc.Terminator) Option {
	return func(r *Runner) {
		r.term = t
	}
}

func WithCaptureTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.captureTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.poll = d
		}
	}
}

func WithStopTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.stopTimeout = d
		}
	}
}

func WithDrainTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.drainTimeout = d
		}
	}
}

func New(opts ...Option) *Runner {
	r := &Runner{
		term:           proc.New(),
		captureTimeout: DefaultCaptureTimeout,
		poll:           DefaultPollInterval,
		stopTimeout:    DefaultStopTimeout,
		drainTimeout:   DefaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Terminator returns the terminator used on stop and timeout.
func (r *Runner) Terminator() proc.Terminator {
	return r.term
}

// Capture runs the command to completion or until the capture timeout,
// whichever comes first, and returns all lines. A timeout terminates the
// process tree and is reported via Result.TimedOut and ExitTimeout, not as an
// error. A done ctx terminates it too and sets Result.StopRequested. The only
// error is a spawn failure wrapping ErrSpawn.
func (r *Runner) Capture(ctx context.Context, cmd Command) (Result, error) {
	var lines []string
	res, err := r.run(ctx, cmd, hooks{
		timeout: r.captureTimeout,
		onLine: func(line string) {
			lines = append(lines, line)
		},
	})
	res.Lines = lines
	return res, err
}

// Stream runs the command and hands every line to opts.OnLine as soon as it
// is available. Once opts.Stop becomes true or ctx is done, the process tree
// is terminated without waiting for the next line, StoppedLine is emitted,
// the remaining output is drained and the process gets the stop timeout to
// exit. The only error is a spawn failure wrapping ErrSpawn.
func (r *Runner) Stream(ctx context.Context, cmd Command, opts StreamOptions) (Result, error) {
	return r.run(ctx, cmd, hooks{
		onStart:     opts.OnStart,
		onLine:      opts.OnLine,
		stop:        opts.Stop,
		stoppedLine: true,
	})
}

type hooks struct {
	timeout     time.Duration
	onStart     func(*proc.Handle)
	onLine      func(string)
	stop        *atomic.Bool
	stoppedLine bool
}

func (h hooks) emit(line string) {
	if h.onLine != nil {
		h.onLine(line)
	}
}

func (r *Runner) spawn(proto Command) (*exec.Cmd, *os.File, error) {
	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	proc.Prepare(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	// the child owns the write end now, EOF arrives once the whole tree
	// closed it
	_ = pw.Close()
	return cmd, pr, nil
}

func (r *Runner) run(ctx context.Context, proto Command, hk hooks) (Result, error) {
	res := Result{
		Path:     proto.Path,
		Args:     append([]string(nil), proto.Args...),
		ExitCode: ExitUnknown,
		Started:  time.Now().UTC(),
	}

	cmd, pr, err := r.spawn(proto)
	if err != nil {
		res.Stopped = time.Now().UTC()
		res.Err = err
		return res, err
	}
	h := proc.NewHandle(cmd)
	if hk.onStart != nil {
		hk.onStart(h)
	}

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		err := output.Lines(pr, func(line string) {
			lines <- line
		})
		if err != nil {
			slog.DebugContext(ctx, "reading process output", "path", proto.Path, "error", err)
			// keep the child from blocking on a full pipe
			_, _ = io.Copy(io.Discard, pr)
		}
	}()

	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		h.MarkExited()
		exited <- err
	}()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if hk.timeout > 0 {
		t := time.NewTimer(hk.timeout)
		defer t.Stop()
		deadline = t.C
	}

	var giveUp <-chan time.Time
	arm := func(d time.Duration) {
		if giveUp == nil {
			giveUp = time.After(d)
		}
	}

	terminate := func(reason string) {
		err := r.term.Terminate(h)
		if err != nil {
			slog.WarnContext(ctx, "terminating process tree", "reason", reason, "pid", h.Pid(), "error", err)
		}
	}

	done := ctx.Done()
	var waited bool
	var waitErr error

loop:
	for lines != nil || !waited {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			hk.emit(line)
		case waitErr = <-exited:
			waited = true
			exited = nil
			if lines != nil {
				// orphaned grandchildren may keep the pipe open forever
				arm(r.drainTimeout)
			}
		case <-ticker.C:
			if res.StopRequested || hk.stop == nil || !hk.stop.Load() {
				continue
			}
			res.StopRequested = true
			terminate("stop requested")
			if hk.stoppedLine {
				hk.emit(StoppedLine)
			}
			arm(r.stopTimeout)
		case <-done:
			done = nil
			if res.StopRequested {
				continue
			}
			res.StopRequested = true
			terminate("context done")
			if hk.stoppedLine {
				hk.emit(StoppedLine)
			}
			arm(r.stopTimeout)
		case <-deadline:
			deadline = nil
			res.TimedOut = true
			terminate("timeout")
			arm(r.stopTimeout)
		case <-giveUp:
			giveUp = nil
			_ = pr.Close()
			if !waited {
				slog.WarnContext(ctx, "process did not exit in time", "path", proto.Path, "pid", h.Pid())
				break loop
			}
		}
	}
	_ = pr.Close()
	// the flag may be set between two ticks by a stop which killed the
	// process right away
	if !res.StopRequested && hk.stop != nil && hk.stop.Load() {
		res.StopRequested = true
		if hk.stoppedLine {
			hk.emit(StoppedLine)
		}
	}
	if lines != nil {
		go func() {
			for range lines {
			}
		}()
	}

	res.Stopped = time.Now().UTC()
	if waited {
		res.Err = waitErr
		res.State = cmd.ProcessState
		if res.State != nil {
			res.ExitCode = res.State.ExitCode()
		}
	}
	if res.TimedOut {
		res.ExitCode = ExitTimeout
	}
	return res, nil
}
