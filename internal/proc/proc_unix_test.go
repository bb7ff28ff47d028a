//go:build unix

package proc_test

import (
	"bufio"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dockhand/dockhand/internal/proc"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/require"
)

// start runs script in a new process group and returns the handle plus the
// first line the script prints.
func start(t *testing.T, script string) (*proc.Handle, string) {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	cmd := exec.Command(sh, "-c", script)
	proc.Prepare(cmd)
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pr.Close() })
	cmd.Stdout = pw
	require.NoError(t, cmd.Start())
	require.NoError(t, pw.Close())

	h := proc.NewHandle(cmd)
	go func() {
		_ = cmd.Wait()
		h.MarkExited()
	}()
	t.Cleanup(func() {
		_ = proc.New().Terminate(h)
		<-h.Done()
	})

	line, err := bufio.NewReader(pr).ReadString('\n')
	require.NoError(t, err)
	return h, strings.TrimSpace(line)
}

func TestTerminateTree(t *testing.T) {
	t.Parallel()
	// the grandchild ignores SIGTERM, only the SIGKILL sweep can stop it
	h, line := start(t, `sh -c 'trap "" TERM; sleep 30' & echo $!; wait`)
	child, err := strconv.Atoi(line)
	require.NoError(t, err)

	alive, err := process.PidExists(int32(child))
	require.NoError(t, err)
	require.True(t, alive)

	err = proc.New().Terminate(h)
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("root did not exit")
	}
	require.Eventually(t, func() bool {
		return gone(child)
	}, 5*time.Second, 20*time.Millisecond)
}

// gone treats zombies as dead, an init without reaping leaves them behind
func gone(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return true
	}
	status, err := p.Status()
	if err != nil {
		return true
	}
	return slices.Contains(status, process.Zombie)
}

func TestTerminateExited(t *testing.T) {
	t.Parallel()
	h, _ := start(t, `echo done`)
	<-h.Done()

	err := proc.New().Terminate(h)
	require.NoError(t, err)
	// twice is fine too
	err = proc.New().Terminate(h)
	require.NoError(t, err)
}

func TestTerminateNotStarted(t *testing.T) {
	t.Parallel()
	err := proc.New().Terminate(nil)
	require.ErrorIs(t, err, proc.ErrNotStarted)
}

func TestHandle(t *testing.T) {
	t.Parallel()
	var h *proc.Handle
	require.Equal(t, -1, h.Pid())

	h, _ = start(t, `echo hi; sleep 30`)
	require.Positive(t, h.Pid())
	require.False(t, h.Exited())
	require.NoError(t, proc.New().Terminate(h))
	<-h.Done()
	require.True(t, h.Exited())
	h.MarkExited()
}

func TestTerminateReapedRootIsNotSignalled(t *testing.T) {
	t.Parallel()
	// a live group standing in for one which reused the pid of a reaped root
	live, _ := start(t, `echo up; sleep 30`)

	p, err := os.FindProcess(live.Pid())
	require.NoError(t, err)
	stale := proc.NewHandle(&exec.Cmd{Process: p})
	stale.MarkExited()

	require.NoError(t, proc.New().Terminate(stale))
	time.Sleep(50 * time.Millisecond)
	require.False(t, live.Exited())
	alive, err := process.PidExists(int32(live.Pid()))
	require.NoError(t, err)
	require.True(t, alive)
}
