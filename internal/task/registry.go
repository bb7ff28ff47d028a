// Package task runs jobs as external processes under a concurrency ceiling.
//
// The Registry owns the tasks, a task owns its log buffer and flags. No
// operation holds the registry lock and a task lock at the same time and no
// lock is held while a process is spawned or terminated or docker runs.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dockhand/dockhand/internal/log"
	"github.com/dockhand/dockhand/internal/proc"
	"github.com/dockhand/dockhand/internal/runner"
)

var (
	ErrAtCapacity   = errors.New("concurrency limit reached")
	ErrTaskNotFound = errors.New("task not found")
	ErrBatchStopped = errors.New("batch stopped")
)

const DefaultStagger = 100 * time.Millisecond

// Streamer runs a task command, runner.Runner implements it.
type Streamer interface {
	Stream(ctx context.Context, cmd runner.Command, opts runner.StreamOptions) (runner.Result, error)
}

// Sweeper removes leftover containers following a naming prefix,
// docker.Client implements it.
type Sweeper interface {
	SweepArtifacts(ctx context.Context, prefix string) (int, error)
}

type Registry struct {
	streamer Streamer
	term     proc.Terminator
	sweeper  Sweeper
	builder  *CommandBuilder
	limit    *Limit
	prefix   string
	stagger  time.Duration
	onLine   func(t *Task, line string)
	now      func() time.Time

	mx     sync.Mutex
	tasks  []*Task
	nextID int
	// stopped is closed and replaced by StopAllTasks, batches admit
	// members only while the channel they started with is open
	stopped chan struct{}

	// workers tracks task goroutines, background tracks batch starts and
	// sweeps
	workers    sync.WaitGroup
	background sync.WaitGroup
}

type Option func(*Registry)

func WithSweeper(s Sweeper, prefix string) Option {
	return func(r *Registry) {
		r.sweeper = s
		r.prefix = prefix
	}
}

func WithBuilder(b *CommandBuilder) Option {
	return func(r *Registry) {
		r.builder = b
	}
}

func WithStagger(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.stagger = d
		}
	}
}

// WithOnLine registers a callback receiving every line of every task. It
// runs on the task worker and must not block.
func WithOnLine(fn func(t *Task, line string)) Option {
	return func(r *Registry) {
		r.onLine = fn
	}
}

func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func NewRegistry(streamer Streamer, term proc.Terminator, limit *Limit, opts ...Option) *Registry {
	if limit == nil {
		limit = NewLimit(DefaultConcurrent)
	}
	r := &Registry{
		streamer: streamer,
		term:     term,
		limit:    limit,
		stagger:  DefaultStagger,
		now:      time.Now,
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Limit() *Limit {
	return r.limit
}

// StartTask admits and starts a task. When the number of running tasks has
// reached the ceiling the task is rejected with ErrAtCapacity, never queued.
func (r *Registry) StartTask(ctx context.Context, spec Spec) (*Task, error) {
	return r.startTask(ctx, spec, nil)
}

// startTask admits spec unless stopped is closed. The check happens under
// r.mx, so no member is admitted after StopAllTasks took its snapshot.
func (r *Registry) startTask(ctx context.Context, spec Spec, stopped <-chan struct{}) (*Task, error) {
	r.mx.Lock()
	select {
	case <-stopped:
		r.mx.Unlock()
		return nil, ErrBatchStopped
	default:
	}
	running := r.runningLocked()
	ceiling := r.limit.Get()
	if running >= ceiling {
		r.mx.Unlock()
		slog.WarnContext(ctx, "task rejected, concurrency limit reached",
			"name", spec.Name,
			"running", running,
			"limit", ceiling,
		)
		return nil, ErrAtCapacity
	}
	r.nextID++
	t := newTask(r.nextID, spec, r.now())
	r.tasks = append(r.tasks, t)
	// the worker must not die with a request scoped ctx, stop goes through
	// the task flag
	wctx := log.ContextAttrs(context.WithoutCancel(ctx),
		slog.Int("task_id", t.id),
		slog.String("task_name", t.name),
	)
	r.workers.Go(func() {
		r.work(wctx, t)
	})
	r.mx.Unlock()

	slog.InfoContext(wctx, "task started", "command", t.cmd.String(), "artifact", t.artifact)
	return t, nil
}

// StartMultipleTasks starts count tasks of mode on a background goroutine,
// one every stagger interval, and returns the batch id at once. Tasks over
// the ceiling are rejected like single StartTask calls. StopAllTasks ends
// the batch, members not admitted by then are never started.
func (r *Registry) StartMultipleTasks(ctx context.Context, count int, mode string) (string, error) {
	if r.builder == nil {
		return "", errors.New("no command builder configured")
	}
	if count < 1 {
		return "", fmt.Errorf("invalid task count %d", count)
	}
	batch := uuid.NewString()
	bctx := log.ContextAttrs(context.WithoutCancel(ctx), slog.String("batch_id", batch))
	r.mx.Lock()
	stopped := r.stopped
	r.mx.Unlock()
	r.background.Go(func() {
		for i := range count {
			if i > 0 && r.stagger > 0 {
				timer := time.NewTimer(r.stagger)
				select {
				case <-timer.C:
				case <-stopped:
					timer.Stop()
				}
			}
			spec := r.builder.Build(bctx, mode)
			spec.Batch = batch
			_, err := r.startTask(bctx, spec, stopped)
			if errors.Is(err, ErrBatchStopped) {
				r.builder.Release(spec.Artifact)
				slog.InfoContext(bctx, "batch stopped", "started", i, "count", count)
				return
			}
			if err != nil {
				r.builder.Release(spec.Artifact)
				slog.WarnContext(bctx, "batch member not started", "index", i, "error", err)
			}
		}
	})
	return batch, nil
}

// StopAllTasks requests a stop of every running task and terminates its
// process tree right away, without waiting for the workers. Afterwards it
// sweeps the containers of the naming prefix in the background. Batches in
// progress admit no further members.
func (r *Registry) StopAllTasks(ctx context.Context) {
	r.mx.Lock()
	close(r.stopped)
	r.stopped = make(chan struct{})
	var live []*Task
	for _, t := range r.tasks {
		if t.Running() {
			t.stopRequested.Store(true)
			live = append(live, t)
		}
	}
	r.mx.Unlock()

	r.terminate(ctx, live)
	if len(live) > 0 {
		slog.InfoContext(ctx, "stopping tasks", "count", len(live))
	}
	r.sweep(ctx, r.prefix)
}

// RemoveTask stops the task, sweeps its artifacts, waits for the worker to
// return and then forgets the task. It blocks for as long as the process
// takes to die.
func (r *Registry) RemoveTask(ctx context.Context, id int) error {
	t, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}

	if t.Running() {
		t.stopRequested.Store(true)
		r.terminate(ctx, []*Task{t})
		if t.ArtifactCreated() {
			r.sweep(ctx, t.artifact)
		}
	}

	select {
	case <-t.Done():
	case <-ctx.Done():
		return fmt.Errorf("waiting for task %d: %w", id, ctx.Err())
	}

	r.mx.Lock()
	r.tasks = slices.DeleteFunc(r.tasks, func(x *Task) bool {
		return x == t
	})
	r.mx.Unlock()
	if r.builder != nil {
		r.builder.Release(t.artifact)
	}
	slog.InfoContext(ctx, "task removed", "task_id", id)
	return nil
}

// Tasks returns the tasks in id order.
func (r *Registry) Tasks() []*Task {
	r.mx.Lock()
	defer r.mx.Unlock()
	return slices.Clone(r.tasks)
}

func (r *Registry) Get(id int) (*Task, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	for _, t := range r.tasks {
		if t.id == id {
			return t, true
		}
	}
	return nil, false
}

func (r *Registry) RunningCount() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.runningLocked()
}

// Available is the number of tasks which can be started right now.
func (r *Registry) Available() int {
	return max(r.limit.Get()-r.RunningCount(), 0)
}

// Wait blocks until every worker, batch start and sweep returned.
func (r *Registry) Wait() {
	r.background.Wait()
	r.workers.Wait()
}

// runningLocked counts running tasks while r.mx is held. The running flag is
// atomic, so no task lock is taken.
func (r *Registry) runningLocked() int {
	var n int
	for _, t := range r.tasks {
		if t.Running() {
			n++
		}
	}
	return n
}

func (r *Registry) terminate(ctx context.Context, tasks []*Task) {
	var wg sync.WaitGroup
	for _, t := range tasks {
		h := t.liveHandle()
		if h == nil {
			// not spawned yet, the worker sees the flag on its first tick
			continue
		}
		wg.Go(func() {
			if err := r.term.Terminate(h); err != nil && !errors.Is(err, proc.ErrNotStarted) {
				slog.WarnContext(ctx, "terminating task", "task_id", t.id, "pid", h.Pid(), "error", err)
			}
		})
	}
	wg.Wait()
}

func (r *Registry) sweep(ctx context.Context, prefix string) {
	if r.sweeper == nil || prefix == "" {
		return
	}
	sctx := context.WithoutCancel(ctx)
	r.background.Go(func() {
		n, err := r.sweeper.SweepArtifacts(sctx, prefix)
		if err != nil {
			slog.WarnContext(sctx, "artifact sweep", "prefix", prefix, "error", err)
			return
		}
		slog.DebugContext(sctx, "artifact sweep", "prefix", prefix, "removed", n)
	})
}

func (r *Registry) work(ctx context.Context, t *Task) {
	defer close(t.done)
	exitCode := runner.ExitUnknown
	defer func() {
		if p := recover(); p != nil {
			t.appendLog(fmt.Sprintf("task failed: %v", p))
			slog.ErrorContext(ctx, "task worker panicked", "panic", p, "stack", string(debug.Stack()))
		}
		t.finish(exitCode, r.now())
	}()

	opts := runner.StreamOptions{
		OnStart: t.setHandle,
		OnLine: func(line string) {
			t.appendLog(line)
			if r.onLine != nil {
				r.onLine(t, line)
			}
		},
		Stop: &t.stopRequested,
	}

	res, err := r.streamer.Stream(ctx, t.cmd, opts)
	if errors.Is(err, runner.ErrSpawn) && !t.StopRequested() {
		fallback := runner.ShellFallback(t.cmd)
		slog.DebugContext(ctx, "spawn failed, retrying with shell", "error", err, "command", fallback.String())
		res, err = r.streamer.Stream(ctx, fallback, opts)
	}
	if err != nil {
		opts.OnLine(fmt.Sprintf("failed to start %s: %v", t.cmd.Path, err))
		slog.ErrorContext(ctx, "task not started", "error", err)
		return
	}

	exitCode = res.ExitCode
	slog.InfoContext(ctx, "task finished",
		"exit_code", res.ExitCode,
		"stopped", res.StopRequested,
		"took", res.Stopped.Sub(res.Started),
	)
}
