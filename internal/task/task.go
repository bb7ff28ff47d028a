package task

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dockhand/dockhand/internal/docker"
	"github.com/dockhand/dockhand/internal/proc"
	"github.com/dockhand/dockhand/internal/runner"
)

// Spec describes a task to start.
type Spec struct {
	Name     string
	Mode     string
	Command  runner.Command
	Artifact string
	Batch    string
}

// Task is one job started by the Registry. It runs exactly once, a restart
// is a new Task with a new id.
//
// A task is running from admission on. Its handle stays nil until the
// process is spawned, so a stop in that window only sets the stop flag and
// the worker terminates the process as soon as it starts.
type Task struct {
	id       int
	name     string
	mode     string
	cmd      runner.Command
	artifact string
	batch    string
	created  time.Time

	stopRequested   atomic.Bool
	artifactCreated atomic.Bool
	running         atomic.Bool
	done            chan struct{}

	// mx guards the fields below, it is never held with another lock
	mx       sync.Mutex
	logs     logBuffer
	filter   string
	handle   *proc.Handle
	exitCode int
	stopped  time.Time
}

func newTask(id int, spec Spec, now time.Time) *Task {
	t := &Task{
		id:       id,
		name:     spec.Name,
		mode:     spec.Mode,
		cmd:      spec.Command,
		artifact: spec.Artifact,
		batch:    spec.Batch,
		created:  now,
		done:     make(chan struct{}),
		logs:     newLogBuffer(MaxLogLines),
		exitCode: runner.ExitUnknown,
	}
	t.running.Store(true)
	return t
}

func (t *Task) ID() int                 { return t.id }
func (t *Task) Name() string            { return t.name }
func (t *Task) Mode() string            { return t.mode }
func (t *Task) Artifact() string        { return t.artifact }
func (t *Task) Batch() string           { return t.batch }
func (t *Task) Command() runner.Command { return t.cmd }

// Done is closed once the worker has fully returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) StopRequested() bool {
	return t.stopRequested.Load()
}

// ArtifactCreated reports that the output showed an image or container was
// created, so a stop has something to sweep.
func (t *Task) ArtifactCreated() bool {
	return t.artifactCreated.Load()
}

func (t *Task) Running() bool {
	return t.running.Load()
}

func (t *Task) ExitCode() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.exitCode
}

// Logs returns a copy of the buffered lines, oldest first.
func (t *Task) Logs() []string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.logs.all()
}

// LogsSince returns the lines appended after the first n ever appended and
// the new total. Evicted lines are skipped.
func (t *Task) LogsSince(n int) ([]string, int) {
	t.mx.Lock()
	defer t.mx.Unlock()
	all := t.logs.all()
	first := t.logs.total - len(all)
	skip := max(n-first, 0)
	if skip >= len(all) {
		return nil, t.logs.total
	}
	return all[skip:], t.logs.total
}

func (t *Task) SetFilter(filter string) {
	t.mx.Lock()
	t.filter = filter
	t.mx.Unlock()
}

func (t *Task) Filter() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.filter
}

// FilteredLogs returns the lines containing the filter, ignoring case. An
// empty filter matches every line.
func (t *Task) FilteredLogs() []string {
	t.mx.Lock()
	filter := t.filter
	lines := t.logs.all()
	t.mx.Unlock()
	if filter == "" {
		return lines
	}
	ret := lines[:0]
	for _, line := range lines {
		if Match(line, filter) {
			ret = append(ret, line)
		}
	}
	return ret
}

// Match reports whether line contains filter, ignoring case.
func Match(line, filter string) bool {
	return filter == "" || strings.Contains(strings.ToLower(line), strings.ToLower(filter))
}

func (t *Task) appendLog(line string) {
	if docker.IsContainerCreated(line) {
		t.artifactCreated.Store(true)
	}
	t.mx.Lock()
	t.logs.add(line)
	t.mx.Unlock()
}

func (t *Task) setHandle(h *proc.Handle) {
	t.mx.Lock()
	t.handle = h
	t.mx.Unlock()
}

func (t *Task) liveHandle() *proc.Handle {
	t.mx.Lock()
	defer t.mx.Unlock()
	if !t.running.Load() {
		return nil
	}
	return t.handle
}

// finish is the single running -> stopped transition
func (t *Task) finish(exitCode int, now time.Time) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.running.Store(false)
	t.handle = nil
	t.exitCode = exitCode
	t.stopped = now
}

// Info is a point in time view of a task.
type Info struct {
	ID              int       `json:"id"`
	Name            string    `json:"name"`
	Mode            string    `json:"mode"`
	Artifact        string    `json:"artifact"`
	Batch           string    `json:"batch,omitempty"`
	Command         string    `json:"command"`
	Running         bool      `json:"running"`
	StopRequested   bool      `json:"stop_requested"`
	ArtifactCreated bool      `json:"artifact_created"`
	Pid             int       `json:"pid"`
	ExitCode        int       `json:"exit_code"`
	Lines           int       `json:"lines"`
	Created         time.Time `json:"created"`
	Stopped         time.Time `json:"stopped,omitzero"`
}

func (t *Task) Info() Info {
	t.mx.Lock()
	defer t.mx.Unlock()
	return Info{
		ID:              t.id,
		Name:            t.name,
		Mode:            t.mode,
		Artifact:        t.artifact,
		Batch:           t.batch,
		Command:         t.cmd.String(),
		Running:         t.running.Load(),
		StopRequested:   t.stopRequested.Load(),
		ArtifactCreated: t.artifactCreated.Load(),
		Pid:             t.handle.Pid(),
		ExitCode:        t.exitCode,
		Lines:           t.logs.total,
		Created:         t.created,
		Stopped:         t.stopped,
	}
}
