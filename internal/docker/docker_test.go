package docker_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/dockhand/dockhand/internal/docker"
	"github.com/dockhand/dockhand/internal/runner"

	"github.com/stretchr/testify/require"
)

func TestClassifiers(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		line        string
		unavailable bool
		created     bool
		deleteFail  bool
	}{
		{line: "Cannot connect to the Docker daemon at unix:///var/run/docker.sock. Is the docker daemon running?", unavailable: true},
		{line: "error during connect: Get \"http://%2F%2F.%2Fpipe%2Fdocker_engine/v1.24/containers/json\": open //./pipe/docker_engine: The system cannot find the file specified.", unavailable: true, deleteFail: true},
		{line: "Fehler: Verbindung zum Docker-Daemon nicht möglich", unavailable: true},
		{line: "错误：无法连接到 Docker 守护进程", unavailable: true},
		{line: "Successfully built 3f2a1c", created: true},
		{line: " => => naming to docker.io/library/dockhand-verify:latest", created: true},
		{line: strings.Repeat("ab", 32), created: true},
		{line: " ✔ Container dockhand-feedback-1  Created", created: true},
		{line: "Error response from daemon: conflict: unable to remove repository reference \"x\" (must force) - container 1 is using its referenced image 2", deleteFail: true},
		{line: "image is being used by running container 4f2", deleteFail: true},
		{line: "Untagged: dockhand:latest"},
		{line: "Deleted: sha256:0123"},
		{line: "Untagged: error-pages:latest"},
		{line: "Untagged: conflict-resolver:1.0"},
		{line: "Untagged: in-use-tracker:2"},
		{line: "Error: image is in use", deleteFail: true},
		{line: "plain build output"},
	}

	for _, tc := range testCases {
		t.Run(tc.line, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.unavailable, docker.IsUnavailable(tc.line), "unavailable")
			require.Equal(t, tc.created, docker.IsContainerCreated(tc.line), "created")
			require.Equal(t, tc.deleteFail, docker.IsDeleteFailure(tc.line), "delete failure")
		})
	}
}

func TestParseContainers(t *testing.T) {
	t.Parallel()
	lines := []string{
		`{"Command":"\"./run.sh\"","CreatedAt":"2025-01-02 10:00:00 +0100 CET","ID":"abc","Image":"dockhand-verify","Names":"dockhand-verify-1","Status":"Up 2 minutes"}`,
		"def\tdockhand-feedback-2\tdockhand-feedback\tExited (0) 1 hour ago\t2025-01-01 09:00:00 +0100 CET",
		"ghi\tshort",
		"",
		"Cannot connect to the Docker daemon at unix:///var/run/docker.sock. Is the docker daemon running?",
		// broken json falls back to tab
		"{not json\tname",
	}

	got := docker.ParseContainers(lines)
	require.Equal(t, []docker.Container{
		{
			ID:        "abc",
			Name:      "dockhand-verify-1",
			Image:     "dockhand-verify",
			Status:    "Up 2 minutes",
			CreatedAt: "2025-01-02 10:00:00 +0100 CET",
		},
		{
			ID:        "def",
			Name:      "dockhand-feedback-2",
			Image:     "dockhand-feedback",
			Status:    "Exited (0) 1 hour ago",
			CreatedAt: "2025-01-01 09:00:00 +0100 CET",
		},
		{ID: "ghi", Name: "short"},
		{ID: "{not json", Name: "name"},
	}, got)
}

func TestParseImages(t *testing.T) {
	t.Parallel()
	lines := []string{
		`{"Containers":"N/A","ID":"sha256:1","Repository":"dockhand","Size":"1.2GB","Tag":"latest"}`,
		"localhost:5000/dockhand:v1\tsha256:2\t10MB",
		"localhost:5000/dockhand\tsha256:3",
	}

	got := docker.ParseImages(lines)
	require.Equal(t, []docker.Image{
		{Repository: "dockhand", Tag: "latest", ID: "sha256:1", Size: "1.2GB"},
		{Repository: "localhost:5000/dockhand", Tag: "v1", ID: "sha256:2", Size: "10MB"},
		{Repository: "localhost:5000/dockhand", ID: "sha256:3"},
	}, got)
	require.Equal(t, "dockhand:latest", got[0].Ref())
	require.Equal(t, "localhost:5000/dockhand", got[2].Ref())
}

func TestParseFormat(t *testing.T) {
	t.Parallel()
	f, err := docker.ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, docker.FormatJSON, f)
	f, err = docker.ParseFormat("TAB")
	require.NoError(t, err)
	require.Equal(t, docker.FormatTab, f)
	_, err = docker.ParseFormat("yaml")
	require.Error(t, err)
}

// fakeCapturer answers by the first docker argument
type fakeCapturer struct {
	mx      sync.Mutex
	calls   [][]string
	answers map[string]runner.Result
}

func (f *fakeCapturer) Capture(_ context.Context, cmd runner.Command) (runner.Result, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.calls = append(f.calls, cmd.Args)
	return f.answers[cmd.Args[0]], nil
}

func newClient(t *testing.T, answers map[string]runner.Result) (*docker.Client, *fakeCapturer) {
	t.Helper()
	fake := &fakeCapturer{answers: answers}
	// any existing executable will do, the fake never runs it
	tool := docker.NewTool(testBinary(t))
	return docker.NewClient(tool, fake, docker.FormatJSON), fake
}

func testBinary(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

func TestClient(t *testing.T) {
	t.Parallel()

	t.Run("probe", func(t *testing.T) {
		t.Parallel()
		c, _ := newClient(t, map[string]runner.Result{
			"ps": {Lines: []string{"abc"}},
		})
		require.True(t, c.Probe(t.Context()))

		c, _ = newClient(t, map[string]runner.Result{
			"ps": {ExitCode: 1, Lines: []string{"Cannot connect to the Docker daemon at unix:///var/run/docker.sock. Is the docker daemon running?"}},
		})
		require.False(t, c.Probe(t.Context()))

		c, _ = newClient(t, map[string]runner.Result{
			"ps": {ExitCode: runner.ExitTimeout, TimedOut: true},
		})
		require.False(t, c.Probe(t.Context()))
	})

	t.Run("missing binary", func(t *testing.T) {
		t.Parallel()
		c := docker.NewClient(docker.NewTool("dockhand-no-such-docker"), &fakeCapturer{}, "")
		require.False(t, c.Probe(t.Context()))
		_, err := c.ListImages(t.Context())
		require.ErrorIs(t, err, docker.ErrUnavailable)
	})

	t.Run("list error", func(t *testing.T) {
		t.Parallel()
		c, _ := newClient(t, map[string]runner.Result{
			"images": {ExitCode: 125, Lines: []string{"unknown flag: --format"}},
		})
		_, err := c.ListImages(t.Context())
		require.ErrorIs(t, err, docker.ErrCommand)
		require.ErrorContains(t, err, "unknown flag")
	})

	t.Run("containers using image", func(t *testing.T) {
		t.Parallel()
		c, fake := newClient(t, map[string]runner.Result{
			"ps": {Lines: []string{`{"ID":"1","Names":"a","Status":"Up"}`}},
		})
		got, err := c.ContainersUsingImage(t.Context(), "sha256:9")
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Contains(t, fake.calls[0], "ancestor=sha256:9")
		require.Contains(t, fake.calls[0], "-a")
	})

	t.Run("image exists", func(t *testing.T) {
		t.Parallel()
		c, _ := newClient(t, map[string]runner.Result{
			"image": {ExitCode: 1, Lines: []string{"Error: No such image: x"}},
		})
		require.False(t, c.ImageExists(t.Context(), "x"))
		c, _ = newClient(t, map[string]runner.Result{
			"image": {Lines: []string{"sha256:1"}},
		})
		require.True(t, c.ImageExists(t.Context(), "x"))
	})

	t.Run("sweep", func(t *testing.T) {
		t.Parallel()
		c, fake := newClient(t, map[string]runner.Result{
			"ps": {Lines: []string{
				`{"ID":"1","Names":"dockhand-verify-1"}`,
				`{"ID":"2","Names":"other-dockhand-2"}`,
				`{"ID":"3","Names":"dockhand-feedback-3"}`,
			}},
			"rm": {},
		})
		n, err := c.SweepArtifacts(t.Context(), "dockhand")
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Equal(t, []string{"rm", "-f", "1", "3"}, fake.calls[1])

		_, err = c.SweepArtifacts(t.Context(), "")
		require.Error(t, err)
	})
}
