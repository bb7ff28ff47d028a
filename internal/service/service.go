package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dockhand/dockhand/internal/cache"
	"github.com/dockhand/dockhand/internal/docker"
	"github.com/dockhand/dockhand/internal/model"
	"github.com/dockhand/dockhand/internal/naming"
	"github.com/dockhand/dockhand/internal/runner"
	"github.com/dockhand/dockhand/internal/safety"
	"github.com/dockhand/dockhand/internal/task"
)

// Service wires the docker client, the inventory cache, the task registry
// and the deletion checker together.
type Service struct {
	cfg      model.Config
	runner   *runner.Runner
	client   *docker.Client
	cache    *cache.Cache
	builder  *task.CommandBuilder
	registry *task.Registry
	checker  *safety.Checker
}

type options struct {
	onLine func(t *task.Task, line string)
	runner []runner.Option
}

type Option func(*options)

// WithOnLine forwards every task line to fn, see task.WithOnLine.
func WithOnLine(fn func(t *task.Task, line string)) Option {
	return func(o *options) {
		o.onLine = fn
	}
}

// WithRunnerOptions tunes the process runner shared by docker and tasks.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(o *options) {
		o.runner = append(o.runner, opts...)
	}
}

func New(cfg *model.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = model.DefaultConfig()
	}
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	format, err := docker.ParseFormat(cfg.Docker.Format)
	if err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	run := runner.New(append([]runner.Option{
		runner.WithCaptureTimeout(cfg.Docker.CaptureTimeout()),
	}, o.runner...)...)
	client := docker.NewClient(docker.NewTool(cfg.Docker.Binary), run, format)

	s := &Service{
		cfg:    *cfg,
		runner: run,
		client: client,
		cache: cache.New(client,
			cache.WithLogRoots(cfg.Tasks.LogRoots...),
		),
		checker: safety.NewChecker(client),
	}

	regOpts := []task.Option{
		task.WithSweeper(client, cfg.Tasks.Prefix),
		task.WithStagger(cfg.Tasks.StaggerDuration()),
	}
	if cmd := cfg.Tasks.Command; cmd != nil {
		s.builder = &task.CommandBuilder{
			Path:   cmd.Path,
			Args:   cmd.Args,
			Dir:    cfg.Tasks.Folder,
			Prefix: cfg.Tasks.Prefix,
			Names:  naming.Generator{Attempts: cfg.Tasks.NameAttempts},
			Exists: client.ImageExists,
		}
		regOpts = append(regOpts, task.WithBuilder(s.builder))
	}
	if o.onLine != nil {
		regOpts = append(regOpts, task.WithOnLine(o.onLine))
	}
	s.registry = task.NewRegistry(run, run.Terminator(),
		task.NewLimit(cfg.Tasks.MaxConcurrent), regOpts...)
	return s, nil
}

func (s *Service) Config() model.Config {
	return s.cfg
}

func (s *Service) Client() *docker.Client {
	return s.client
}

func (s *Service) Cache() *cache.Cache {
	return s.cache
}

func (s *Service) Registry() *task.Registry {
	return s.registry
}

// Do refreshes the cache on the configured schedule until ctx is done. Then
// it stops every task and waits for the workers and the last refresh.
func (s *Service) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a service")
	scheduler, err := newScheduler(ctx, s.cfg.Cache.Schedule, func() {
		if !s.cache.RefreshAsync(ctx) {
			slog.DebugContext(ctx, "refresh already in flight: skipping")
		}
	})
	if err != nil {
		return fmt.Errorf("cache schedule: %w", err)
	}

	scheduler.Start()
	s.cache.RefreshAsync(ctx)

	<-ctx.Done()
	s.Shutdown(context.WithoutCancel(ctx))
	if err := scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	s.cache.Wait()
	return nil
}

// Shutdown stops every running task and waits for all workers to return.
func (s *Service) Shutdown(ctx context.Context) {
	s.registry.StopAllTasks(ctx)
	s.registry.Wait()
}

// StartTasks starts count tasks of mode, see task.Registry.StartMultipleTasks.
func (s *Service) StartTasks(ctx context.Context, count int, mode string) (string, error) {
	if s.builder == nil {
		return "", model.ErrNoCommand
	}
	return s.registry.StartMultipleTasks(ctx, count, mode)
}

// DeleteImage deletes image unless a container uses it. A successful
// deletion schedules a cache refresh.
func (s *Service) DeleteImage(ctx context.Context, image string) (bool, error) {
	ok, err := s.checker.TryDeleteImage(ctx, image)
	if err != nil {
		slog.WarnContext(ctx, "image not deleted", "image", image, "error", err)
		return false, err
	}
	if ok {
		slog.InfoContext(ctx, "image deleted", "image", image)
		s.cache.RefreshAsync(ctx)
	}
	return ok, nil
}

// Sweep removes every container following the naming prefix.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.client.SweepArtifacts(ctx, s.cfg.Tasks.Prefix)
}
