//go:build !unix && !windows

package proc

import "os/exec"

func Prepare(_ *exec.Cmd) {}

// New returns a terminator which can kill the root process only.
func New() Terminator {
	return TerminatorFunc(func(h *Handle) error {
		if h == nil || h.process == nil {
			return ErrNotStarted
		}
		return killRoot(h)
	})
}
