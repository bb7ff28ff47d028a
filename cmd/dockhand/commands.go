package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dockhand/dockhand/internal/cache"
	"github.com/dockhand/dockhand/internal/docker"
	"github.com/dockhand/dockhand/internal/log"
	"github.com/dockhand/dockhand/internal/service"
	"github.com/dockhand/dockhand/internal/task"
)

var (
	flagCount  int
	flagMode   string
	flagFilter string
)

func init() {
	runCmd.Flags().IntVarP(&flagCount, "count", "n", 1, "number of tasks to start")
	runCmd.Flags().StringVar(&flagMode, "mode", "verify", "task mode passed to the command as ${mode}")
	runCmd.Flags().StringVar(&flagFilter, "filter", "", "print only lines containing this text")
	runCmd.Flags().Int("max-concurrent", 0, "concurrency ceiling, overrides tasks.max_concurrent")
	mustBind("tasks.max_concurrent", runCmd.Flags().Lookup("max-concurrent"))
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start tasks and stream their output until they end or are interrupted",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "list containers with their newest log directory",
	Args:  cobra.NoArgs,
	RunE:  doPs,
}

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "list local images",
	Args:  cobra.NoArgs,
	RunE:  doImages,
}

var rmiCmd = &cobra.Command{
	Use:   "rmi IMAGE...",
	Short: "delete images no container uses",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doRmi,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "remove every container following the naming prefix",
	Args:  cobra.NoArgs,
	RunE:  doSweep,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "refresh the docker inventory on schedule and print every change",
	Args:  cobra.NoArgs,
	RunE:  doWatch,
}

func notifyContext(cmd *cobra.Command, name string) (context.Context, context.CancelFunc) {
	attrs := slog.Group("dockhand",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := notifyContext(cmd, "run")
	defer stop()

	out := cmd.OutOrStdout()
	lines := make(chan string, 64)
	svc, err := service.New(&config, service.WithOnLine(func(t *task.Task, line string) {
		if task.Match(line, flagFilter) {
			lines <- fmt.Sprintf("[%d %s] %s", t.ID(), t.Name(), line)
		}
	}))
	if err != nil {
		return err
	}

	batch, err := svc.StartTasks(ctx, flagCount, flagMode)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "batch started", "batch_id", batch, "count", flagCount, "mode", flagMode)

	done := make(chan struct{})
	go func() {
		svc.Registry().Wait()
		close(done)
	}()

	// OnLine blocks on a full channel, so stopping must not wait for workers
	sig := ctx.Done()
	stopped := false
	for running := true; running; {
		select {
		case line := <-lines:
			fmt.Fprintln(out, line)
		case <-sig:
			sig = nil
			stopped = true
			go svc.Registry().StopAllTasks(context.WithoutCancel(ctx))
		case <-done:
			running = false
		}
	}
	for len(lines) > 0 {
		fmt.Fprintln(out, <-lines)
	}
	if stopped {
		// the prefix sweep runs in the background
		svc.Registry().Wait()
	}

	return summary(out, svc.Registry().Tasks())
}

func summary(w io.Writer, tasks []*task.Task) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tARTIFACT\tEXIT\tSTOPPED")
	var failed int
	for _, t := range tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%t\n", t.ID(), t.Name(), t.Artifact(), t.ExitCode(), t.StopRequested())
		if t.ExitCode() != 0 && !t.StopRequested() {
			failed++
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d task(s) failed", failed, len(tasks))
	}
	return nil
}

// refreshed returns a service with a fresh inventory snapshot.
func refreshed(ctx context.Context) (*service.Service, cache.Snapshot, error) {
	svc, err := service.New(&config)
	if err != nil {
		return nil, cache.Snapshot{}, err
	}
	if err := svc.Cache().Refresh(ctx); err != nil {
		return nil, cache.Snapshot{}, err
	}
	snap := svc.Cache().Snapshot()
	if snap.Availability != cache.Available {
		return nil, snap, docker.ErrUnavailable
	}
	if snap.Err != nil {
		slog.WarnContext(ctx, "inventory is incomplete", "error", snap.Err)
	}
	return svc, snap, nil
}

func doPs(cmd *cobra.Command, _ []string) error {
	ctx, stop := notifyContext(cmd, "ps")
	defer stop()
	_, snap, err := refreshed(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTAINER ID\tNAME\tIMAGE\tSTATUS\tLOGS")
	for _, c := range snap.Containers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", short(c.ID), c.Name, c.Image, c.Status, c.LogPath)
	}
	return tw.Flush()
}

func doImages(cmd *cobra.Command, _ []string) error {
	ctx, stop := notifyContext(cmd, "images")
	defer stop()
	_, snap, err := refreshed(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IMAGE\tID\tSIZE")
	for _, i := range snap.Images {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", i.Ref(), short(i.ID), i.Size)
	}
	return tw.Flush()
}

func doRmi(cmd *cobra.Command, args []string) error {
	ctx, stop := notifyContext(cmd, "rmi")
	defer stop()
	svc, err := service.New(&config)
	if err != nil {
		return err
	}
	defer svc.Cache().Wait()

	out := cmd.OutOrStdout()
	var errs []error
	for _, image := range args {
		ok, err := svc.DeleteImage(ctx, image)
		switch {
		case err != nil:
			fmt.Fprintln(cmd.ErrOrStderr(), err)
			errs = append(errs, err)
		case ok:
			fmt.Fprintf(out, "deleted %s\n", image)
		}
	}
	return errors.Join(errs...)
}

func doSweep(cmd *cobra.Command, _ []string) error {
	ctx, stop := notifyContext(cmd, "sweep")
	defer stop()
	svc, err := service.New(&config)
	if err != nil {
		return err
	}
	n, err := svc.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d container(s) named %s*\n", n, config.Tasks.Prefix)
	return nil
}

func doWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := notifyContext(cmd, "watch")
	defer stop()
	svc, err := service.New(&config)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() {
		errc <- svc.Do(ctx)
	}()

	out := cmd.OutOrStdout()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	var last time.Time
	for {
		select {
		case err := <-errc:
			return err
		case <-ticker.C:
			snap := svc.Cache().Snapshot()
			if snap.RefreshedAt.Equal(last) {
				continue
			}
			last = snap.RefreshedAt
			fmt.Fprintf(out, "%s docker=%s containers=%d images=%d\n",
				snap.RefreshedAt.Format(time.RFC3339), snap.Availability, len(snap.Containers), len(snap.Images))
		}
	}
}

func short(id string) string {
	const n = 12
	if len(id) > n {
		return id[:n]
	}
	return id
}
