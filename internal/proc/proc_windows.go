//go:build windows

package proc

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Prepare starts the command in a new process group without a console window.
func Prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP
	cmd.SysProcAttr.HideWindow = true
}

// New returns the snapshot based tree terminator.
func New() Terminator {
	return snapshotTerminator{}
}

type snapshotTerminator struct{}

// Terminate kills every descendant found in a process snapshot, then the
// root. There is no graceful step, console processes in a detached group do
// not receive Ctrl+C reliably.
func (snapshotTerminator) Terminate(h *Handle) error {
	if h == nil || h.process == nil {
		return ErrNotStarted
	}

	descendants, err := descendantsOf(uint32(h.process.Pid))
	if err != nil {
		// still try the root, it is the most important one
		return errors.Join(err, killRoot(h))
	}

	var errs []error
	for _, pid := range descendants {
		if err := terminatePid(pid); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, killRoot(h))
	return errors.Join(errs...)
}

// descendantsOf returns all transitive children of root, parents first.
func descendantsOf(root uint32) ([]uint32, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("process snapshot: %w", err)
	}
	defer func() {
		_ = windows.CloseHandle(snap)
	}()

	children := make(map[uint32][]uint32)
	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	err = windows.Process32First(snap, &entry)
	for err == nil {
		if entry.ProcessID != entry.ParentProcessID {
			children[entry.ParentProcessID] = append(children[entry.ParentProcessID], entry.ProcessID)
		}
		err = windows.Process32Next(snap, &entry)
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return nil, fmt.Errorf("walking process snapshot: %w", err)
	}

	var ret []uint32
	seen := map[uint32]bool{root: true}
	queue := []uint32{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			if seen[child] {
				continue
			}
			seen[child] = true
			ret = append(ret, child)
			queue = append(queue, child)
		}
	}
	return ret, nil
}

func terminatePid(pid uint32) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, pid)
	if err != nil {
		// exited in the meantime
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return nil
		}
		return fmt.Errorf("opening process %d: %w", pid, err)
	}
	defer func() {
		_ = windows.CloseHandle(h)
	}()
	err = windows.TerminateProcess(h, 1)
	if err != nil && !errors.Is(err, windows.ERROR_ACCESS_DENIED) {
		return fmt.Errorf("terminating process %d: %w", pid, err)
	}
	return nil
}
