// Package docker queries and mutates the docker inventory through the docker
// CLI. Every call is a short Capture with its own timeout, nothing here holds
// a lock while docker runs.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dockhand/dockhand/internal/runner"
)

var (
	ErrUnavailable = errors.New("docker daemon unavailable")
	ErrTimeout     = errors.New("docker command timed out")
	ErrCommand     = errors.New("docker command failed")
)

// Capturer runs a short command to completion, runner.Runner implements it.
type Capturer interface {
	Capture(ctx context.Context, cmd runner.Command) (runner.Result, error)
}

type Client struct {
	tool   *Tool
	run    Capturer
	format Format
}

func NewClient(tool *Tool, run Capturer, format Format) *Client {
	if format == "" {
		format = FormatJSON
	}
	return &Client{
		tool:   tool,
		run:    run,
		format: format,
	}
}

func (c *Client) Format() Format {
	return c.format
}

// Probe runs the cheapest inventory command and reports whether the daemon
// answered. A missing docker binary or a timeout count as unavailable.
func (c *Client) Probe(ctx context.Context) bool {
	_, err := c.capture(ctx, "ps", "-q")
	if err != nil {
		slog.DebugContext(ctx, "docker probe", "error", err)
		return false
	}
	return true
}

// ListContainers lists all containers, running or not.
func (c *Client) ListContainers(ctx context.Context) ([]Container, error) {
	lines, err := c.list(ctx, "ps", "-a", "--no-trunc", "--format", c.format.containers())
	if err != nil {
		return nil, err
	}
	return ParseContainers(lines), nil
}

func (c *Client) ListImages(ctx context.Context) ([]Image, error) {
	lines, err := c.list(ctx, "images", "--format", c.format.images())
	if err != nil {
		return nil, err
	}
	return ParseImages(lines), nil
}

// ImageExists reports whether name resolves to a local image. Errors count as
// absent, a following build fails loudly anyway.
func (c *Client) ImageExists(ctx context.Context, name string) bool {
	res, err := c.capture(ctx, "image", "inspect", "--format", "{{.Id}}", name)
	if err != nil {
		slog.DebugContext(ctx, "docker image inspect", "image", name, "error", err)
		return false
	}
	return res.ExitCode == 0
}

// ContainersUsingImage queries docker directly for every container, running
// or stopped, created from the image or one of its descendants.
func (c *Client) ContainersUsingImage(ctx context.Context, image string) ([]Container, error) {
	lines, err := c.list(ctx, "ps", "-a", "--no-trunc",
		"--filter", "ancestor="+image,
		"--format", c.format.containers())
	if err != nil {
		return nil, err
	}
	return ParseContainers(lines), nil
}

// RemoveImage runs docker rmi and returns its raw result. The caller decides
// what the output means.
func (c *Client) RemoveImage(ctx context.Context, image string) (runner.Result, error) {
	return c.capture(ctx, "rmi", image)
}

// ContainersByName returns the containers whose name starts with prefix. The
// docker name filter matches substrings, the prefix is checked here.
func (c *Client) ContainersByName(ctx context.Context, prefix string) ([]Container, error) {
	lines, err := c.list(ctx, "ps", "-a", "--no-trunc",
		"--filter", "name="+prefix,
		"--format", c.format.containers())
	if err != nil {
		return nil, err
	}
	all := ParseContainers(lines)
	return slices.DeleteFunc(all, func(ct Container) bool {
		return !hasNamePrefix(ct.Name, prefix)
	}), nil
}

func hasNamePrefix(names, prefix string) bool {
	for name := range strings.SplitSeq(names, ",") {
		if strings.HasPrefix(strings.TrimPrefix(name, "/"), prefix) {
			return true
		}
	}
	return false
}

// RemoveContainers force removes the containers, running ones included.
func (c *Client) RemoveContainers(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.list(ctx, append([]string{"rm", "-f"}, ids...)...)
	return err
}

// SweepArtifacts removes every container following the naming convention
// prefix and returns how many were removed.
func (c *Client) SweepArtifacts(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, errors.New("refusing to sweep with an empty prefix")
	}
	cts, err := c.ContainersByName(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("listing %s containers: %w", prefix, err)
	}
	ids := make([]string, 0, len(cts))
	for _, ct := range cts {
		ids = append(ids, ct.ID)
	}
	if err := c.RemoveContainers(ctx, ids...); err != nil {
		return 0, fmt.Errorf("removing %s containers: %w", prefix, err)
	}
	return len(ids), nil
}

// list runs a command which must succeed and returns its lines
func (c *Client) list(ctx context.Context, args ...string) ([]string, error) {
	res, err := c.capture(ctx, args...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: docker %s: exit code %d: %s",
			ErrCommand, args[0], res.ExitCode, strings.Join(res.Lines, "\n"))
	}
	return res.Lines, nil
}

// capture maps spawn failures, timeouts and daemon errors to errors, any
// other exit code is left to the caller
func (c *Client) capture(ctx context.Context, args ...string) (runner.Result, error) {
	path, err := c.tool.Path()
	if err != nil {
		return runner.Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	res, err := c.run.Capture(ctx, runner.Command{Path: path, Args: args})
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if res.StopRequested {
		return res, fmt.Errorf("docker %s: %w", args[0], context.Cause(ctx))
	}
	if res.TimedOut {
		return res, fmt.Errorf("docker %s: %w", args[0], ErrTimeout)
	}
	if slices.ContainsFunc(res.Lines, IsUnavailable) {
		return res, ErrUnavailable
	}
	return res, nil
}
