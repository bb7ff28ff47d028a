//go:build unix

package service_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dockhand/dockhand/internal/cache"
	"github.com/dockhand/dockhand/internal/model"
	"github.com/dockhand/dockhand/internal/safety"
	"github.com/dockhand/dockhand/internal/service"
	"github.com/dockhand/dockhand/internal/task"
)

// fakeDocker answers the few commands dockhand runs. Image "busy" is used by
// one container, "sha256:1" is free to delete.
const fakeDocker = `#!/bin/sh
case "$1" in
ps)
	case "$*" in
	*" -q"*) ;;
	*ancestor=busy*) echo '{"ID":"c0ffee","Names":"dockhand-verify-1","Image":"busy","Status":"Up 1 minute"}' ;;
	*ancestor=*) ;;
	*) echo '{"ID":"c0ffee","Names":"dockhand-verify-1","Image":"busy","Status":"Up 1 minute","CreatedAt":"2025-01-02 10:15:00 +0000 UTC"}' ;;
	esac ;;
images) echo '{"Repository":"busy","Tag":"latest","ID":"sha256:1","Size":"5MB"}' ;;
rmi) echo "Deleted: $2" ;;
image) exit 1 ;;
rm) echo "$3" ;;
esac
`

func fakeConfig(t *testing.T) *model.Config {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "docker")
	require.NoError(t, os.WriteFile(bin, []byte(fakeDocker), 0o755))

	cfg := model.DefaultConfig()
	cfg.Docker.Binary = bin
	cfg.Tasks.Stagger = "10ms"
	cfg.Tasks.LogRoots = []string{t.TempDir()}
	return cfg
}

func TestDeleteImage(t *testing.T) {
	t.Parallel()
	svc, err := service.New(fakeConfig(t))
	require.NoError(t, err)

	ok, err := svc.DeleteImage(t.Context(), "busy")
	require.False(t, ok)
	var inUse *safety.InUseError
	require.ErrorAs(t, err, &inUse)
	require.Equal(t, "dockhand-verify-1", inUse.Containers[0].Name)

	ok, err = svc.DeleteImage(t.Context(), "sha256:1")
	require.NoError(t, err)
	require.True(t, ok)

	svc.Cache().Wait()
	snap := svc.Cache().Snapshot()
	require.Equal(t, cache.Available, snap.Availability)
	require.Len(t, snap.Containers, 1)
	require.Len(t, snap.Images, 1)
	require.Equal(t, "busy:latest", snap.Images[0].Ref())
}

func TestDo(t *testing.T) {
	t.Parallel()
	cfg := fakeConfig(t)
	cfg.Cache.Schedule = model.TimerSchedule{Duration: "50ms"}
	svc, err := service.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	var wg sync.WaitGroup
	var doErr error
	wg.Go(func() {
		doErr = svc.Do(ctx)
	})

	require.Eventually(t, func() bool {
		return svc.Cache().Availability() == cache.Available
	}, 5*time.Second, 10*time.Millisecond)
	first := svc.Cache().Snapshot().RefreshedAt
	require.Eventually(t, func() bool {
		return svc.Cache().Snapshot().RefreshedAt.After(first)
	}, 5*time.Second, 10*time.Millisecond, "scheduler never refreshed again")

	cancel()
	wg.Wait()
	require.NoError(t, doErr)
	require.False(t, svc.Cache().InFlight())
}

func TestStartTasks(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	cfg := fakeConfig(t)
	cfg.Tasks.Command = &model.Command{
		Path: sh,
		Args: []string{"-c", "echo ${mode} ${name}"},
	}

	var mx sync.Mutex
	var lines []string
	svc, err := service.New(cfg, service.WithOnLine(func(_ *task.Task, line string) {
		mx.Lock()
		lines = append(lines, line)
		mx.Unlock()
	}))
	require.NoError(t, err)

	batch, err := svc.StartTasks(t.Context(), 2, "verify")
	require.NoError(t, err)
	require.NotEmpty(t, batch)
	svc.Registry().Wait()

	tasks := svc.Registry().Tasks()
	require.Len(t, tasks, 2)
	require.NotEqual(t, tasks[0].Artifact(), tasks[1].Artifact())
	// the free base name goes to the first member, the second gets a suffix
	require.Equal(t, "dockhand-verify", tasks[0].Artifact())
	require.True(t, strings.HasPrefix(tasks[1].Artifact(), "dockhand-verify-"))
	for _, tsk := range tasks {
		require.Equal(t, batch, tsk.Batch())
		require.False(t, tsk.Running())
		require.Equal(t, 0, tsk.ExitCode())
		require.Equal(t, []string{"verify " + tsk.Artifact()}, tsk.Logs())
	}

	mx.Lock()
	require.Len(t, lines, 2)
	mx.Unlock()

	svc.Shutdown(t.Context())
	n, err := svc.Sweep(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
