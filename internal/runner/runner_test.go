//go:build unix

package runner_test

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dockhand/dockhand/internal/proc"
	"github.com/dockhand/dockhand/internal/runner"

	"github.com/stretchr/testify/require"
)

func lookSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func TestCapture(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	r := runner.New()

	var testCases = []struct {
		scenario string
		script   string
		lines    []string
		code     int
	}{
		{
			scenario: "merged output",
			script:   `echo out; echo err >&2`,
			lines:    []string{"out", "err"},
			code:     0,
		},
		{
			scenario: "carriage returns and ansi",
			script:   `printf 'a\r\nb\rc\n\033[31mRED\033[0m plain'`,
			lines:    []string{"a", "b", "c", "RED plain"},
			code:     0,
		},
		{
			scenario: "exit code",
			script:   `echo bye; exit 3`,
			lines:    []string{"bye"},
			code:     3,
		},
		{
			scenario: "no output",
			script:   `true`,
			lines:    nil,
			code:     0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			res, err := r.Capture(t.Context(), runner.Command{
				Path: sh,
				Args: []string{"-c", tc.script},
			})
			require.NoError(t, err)
			require.Equal(t, tc.lines, res.Lines)
			require.Equal(t, tc.code, res.ExitCode)
			require.False(t, res.TimedOut)
			require.Equal(t, tc.code == 0, res.Success())
			require.NotNil(t, res.State)
			require.False(t, res.Stopped.Before(res.Started))
		})
	}
}

func TestCaptureTimeout(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	r := runner.New(runner.WithCaptureTimeout(200 * time.Millisecond))

	start := time.Now()
	res, err := r.Capture(t.Context(), runner.Command{
		Path: sh,
		Args: []string{"-c", `echo started; sleep 30`},
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 10*time.Second)
	require.True(t, res.TimedOut)
	require.Equal(t, runner.ExitTimeout, res.ExitCode)
	require.False(t, res.Success())
	require.Equal(t, []string{"started"}, res.Lines)
}

func TestSpawnFailure(t *testing.T) {
	t.Parallel()
	r := runner.New()
	cmd := runner.Command{
		Path: "does not exist",
	}

	res, err := r.Capture(t.Context(), cmd)
	require.Error(t, err)
	require.ErrorIs(t, err, runner.ErrSpawn)
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, cmd.Path, execErr.Name)
	require.Equal(t, runner.ExitUnknown, res.ExitCode)

	_, err = r.Stream(t.Context(), cmd, runner.StreamOptions{})
	require.ErrorIs(t, err, runner.ErrSpawn)
}

func TestShellFallback(t *testing.T) {
	t.Parallel()
	fb := runner.ShellFallback(runner.Command{
		Path: "./run.sh",
		Args: []string{"--name", "it's here", ""},
		Dir:  "/tmp",
	})
	require.Equal(t, "/bin/sh", fb.Path)
	require.Equal(t, []string{"-c", `./run.sh --name 'it'\''s here' ''`}, fb.Args)
	require.Equal(t, "/tmp", fb.Dir)
}

// countingTerminator records the calls and delegates to the real one
type countingTerminator struct {
	calls atomic.Int32
	at    atomic.Int64
	inner proc.Terminator
}

func (c *countingTerminator) Terminate(h *proc.Handle) error {
	if c.calls.Add(1) == 1 {
		c.at.Store(time.Now().UnixNano())
	}
	return c.inner.Terminate(h)
}

func TestStreamStop(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	term := &countingTerminator{inner: proc.New()}
	const poll = 50 * time.Millisecond
	r := runner.New(runner.WithTerminator(term), runner.WithPollInterval(poll))

	var stop atomic.Bool
	var mx sync.Mutex
	var lines []string
	var handle *proc.Handle
	var stopAt time.Time

	res, err := r.Stream(t.Context(), runner.Command{
		Path: sh,
		Args: []string{"-c", `echo ready; while true; do sleep 1; done`},
	}, runner.StreamOptions{
		OnStart: func(h *proc.Handle) {
			handle = h
		},
		OnLine: func(line string) {
			mx.Lock()
			lines = append(lines, line)
			mx.Unlock()
			if line == "ready" {
				stopAt = time.Now()
				stop.Store(true)
			}
		},
		Stop: &stop,
	})
	require.NoError(t, err)
	require.NotNil(t, handle)
	require.True(t, handle.Exited())
	require.True(t, res.StopRequested)
	require.Equal(t, []string{"ready", runner.StoppedLine}, lines)
	require.GreaterOrEqual(t, term.calls.Load(), int32(1))
	latency := time.Unix(0, term.at.Load()).Sub(stopAt)
	// the flag is seen on the next tick
	require.Less(t, latency, 2*poll)
}

func TestStreamStopBetweenTicks(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	term := proc.New()
	// no tick fires while the process lives
	r := runner.New(runner.WithPollInterval(time.Hour))

	var stop atomic.Bool
	var lines []string
	var handle *proc.Handle
	var wg sync.WaitGroup

	res, err := r.Stream(t.Context(), runner.Command{
		Path: sh,
		Args: []string{"-c", `echo ready; while true; do sleep 1; done`},
	}, runner.StreamOptions{
		OnStart: func(h *proc.Handle) {
			handle = h
		},
		OnLine: func(line string) {
			lines = append(lines, line)
			if line == "ready" {
				stop.Store(true)
				wg.Go(func() {
					_ = term.Terminate(handle)
				})
			}
		},
		Stop: &stop,
	})
	wg.Wait()
	require.NoError(t, err)
	require.True(t, res.StopRequested)
	require.Equal(t, []string{"ready", runner.StoppedLine}, lines)
}

func TestCaptureLongLine(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	r := runner.New()

	res, err := r.Capture(t.Context(), runner.Command{
		Path: sh,
		Args: []string{"-c", `head -c 1100000 /dev/zero | tr "\0" a; echo; echo done`},
	})
	require.NoError(t, err)
	require.False(t, res.TimedOut)
	require.Equal(t, 0, res.ExitCode)
	require.NotEmpty(t, res.Lines)
	require.Equal(t, "done", res.Lines[len(res.Lines)-1])
}

func TestStreamContextCancel(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	r := runner.New()

	ctx, cancel := context.WithCancel(t.Context())
	var count int
	res, err := r.Stream(ctx, runner.Command{
		Path: sh,
		Args: []string{"-c", `echo one; sleep 30`},
	}, runner.StreamOptions{
		OnLine: func(line string) {
			if line == runner.StoppedLine {
				count++
			}
			if line == "one" {
				cancel()
			}
		},
	})
	require.NoError(t, err)
	require.True(t, res.StopRequested)
	require.Equal(t, 1, count)
}

func TestStreamNaturalExit(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	r := runner.New(runner.WithDrainTimeout(200 * time.Millisecond))

	var lines []string
	start := time.Now()
	// the orphaned sleep keeps the pipe open, drain gives up after the timeout
	res, err := r.Stream(t.Context(), runner.Command{
		Path: sh,
		Args: []string{"-c", `echo a; echo b; sleep 3 & exit 0`},
	}, runner.StreamOptions{
		OnLine: func(line string) {
			lines = append(lines, line)
		},
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 3*time.Second)
	require.Equal(t, []string{"a", "b"}, lines)
	require.Equal(t, 0, res.ExitCode)
	require.False(t, res.StopRequested)
	require.True(t, strings.HasSuffix(res.Path, "sh"))
}
