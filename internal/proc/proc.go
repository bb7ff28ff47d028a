// Package proc terminates whole process trees.
//
// A monitored command is frequently a wrapper script which runs a container
// client, which in turn spawns further children. Killing only the direct
// child leaves orphaned work running, so every Terminator implementation
// guarantees the same postcondition: the root and all of its descendants are
// gone. The mechanism differs per platform:
//
//   - unix: the root is the leader of its own process group (see Prepare).
//     SIGTERM goes to the group, SIGKILL follows after GracePeriod.
//   - windows: a Toolhelp32 snapshot is used to find every descendant of the
//     root. Each is terminated, then the root.
//
// Terminating a process which has already exited is not an error.
package proc

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"
)

// GracePeriod is how long the root gets to exit after the graceful signal.
const GracePeriod = 100 * time.Millisecond

// ErrNotStarted is returned for a Handle without a process.
var ErrNotStarted = errors.New("process not started")

// Terminator kills a process tree rooted at h.
type Terminator interface {
	Terminate(h *Handle) error
}

// TerminatorFunc adapts a function to Terminator.
type TerminatorFunc func(h *Handle) error

func (f TerminatorFunc) Terminate(h *Handle) error {
	return f(h)
}

// Handle is a live process spawned as the root of a possible process tree.
// The spawner calls MarkExited once the process was reaped.
type Handle struct {
	process *os.Process
	started time.Time
	done    chan struct{}
	once    sync.Once
}

// NewHandle wraps a started command.
func NewHandle(cmd *exec.Cmd) *Handle {
	return &Handle{
		process: cmd.Process,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// Pid returns the process id or -1.
func (h *Handle) Pid() int {
	if h == nil || h.process == nil {
		return -1
	}
	return h.process.Pid
}

func (h *Handle) Started() time.Time {
	return h.started
}

// Done is closed when the process was reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process was reaped already.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// MarkExited closes Done. It is safe to call more than once.
func (h *Handle) MarkExited() {
	h.once.Do(func() {
		close(h.done)
	})
}

// waitExit waits up to d for the root to be reaped.
func (h *Handle) waitExit(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.done:
		return true
	case <-t.C:
		return false
	}
}

// killRoot kills the root process only.
func killRoot(h *Handle) error {
	err := h.process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
