//go:build unix

package proc

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Prepare places the command into its own new process group, so the whole
// tree can be signalled at once. The caller's group is never inherited.
func Prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pgid = 0
}

// New returns the process group terminator.
func New() Terminator {
	return groupTerminator{grace: GracePeriod}
}

type groupTerminator struct {
	grace time.Duration
}

// Terminate sends SIGTERM to the group and gives the root the grace period to
// exit. SIGKILL is sent to the group afterwards in any case: the root leaving
// does not mean its descendants did. An empty group (ESRCH) is fine. A root
// reaped before the call is not signalled at all, its pid may be reused.
func (t groupTerminator) Terminate(h *Handle) error {
	if h == nil || h.process == nil {
		return ErrNotStarted
	}
	if h.Exited() {
		return nil
	}
	pgid := h.process.Pid

	if err := signalGroup(h, pgid, unix.SIGTERM); err != nil {
		return err
	}
	_ = h.waitExit(t.grace)
	return signalGroup(h, pgid, unix.SIGKILL)
}

func signalGroup(h *Handle, pgid int, sig unix.Signal) error {
	err := unix.Kill(-pgid, sig)
	switch {
	case err == nil, errors.Is(err, unix.ESRCH):
		return nil
	case errors.Is(err, unix.EPERM) && h.Exited():
		// darwin reports EPERM for a group left with zombies only
		return nil
	}
	return fmt.Errorf("sending %s to process group %d: %w", unix.SignalName(sig), pgid, err)
}
