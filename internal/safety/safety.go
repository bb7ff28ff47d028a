// Package safety gates destructive docker operations. It asks docker
// directly instead of trusting the cache, which may be stale.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dockhand/dockhand/internal/docker"
	"github.com/dockhand/dockhand/internal/runner"
)

// InUseError refuses a deletion of an image which containers still use.
type InUseError struct {
	Image      string
	Containers []docker.Container
}

func (e *InUseError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "image %s is used by %d container(s):", e.Image, len(e.Containers))
	for _, c := range e.Containers {
		fmt.Fprintf(&sb, "\n  %s %s (%s)", shortID(c.ID), c.Name, c.Status)
	}
	sb.WriteString("\nremove these containers first, then delete the image again")
	return sb.String()
}

// DeleteError is a deletion docker refused after the check passed, usually
// because a container was created in between.
type DeleteError struct {
	Image    string
	ExitCode int
	Output   []string
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("deleting image %s failed (exit code %d): %s",
		e.Image, e.ExitCode, strings.Join(e.Output, "; "))
}

// Docker is the part of docker.Client the checker needs.
type Docker interface {
	ContainersUsingImage(ctx context.Context, image string) ([]docker.Container, error)
	RemoveImage(ctx context.Context, image string) (runner.Result, error)
}

type Checker struct {
	docker Docker
}

func NewChecker(d Docker) *Checker {
	return &Checker{docker: d}
}

// TryDeleteImage deletes the image when no container, running or stopped,
// uses it. It returns true on success. A refusal is an *InUseError, a
// failed deletion a *DeleteError, anything else means docker could not be
// asked at all.
func (c *Checker) TryDeleteImage(ctx context.Context, image string) (bool, error) {
	if image == "" {
		return false, errors.New("empty image id")
	}
	users, err := c.docker.ContainersUsingImage(ctx, image)
	if err != nil {
		return false, fmt.Errorf("checking containers of image %s: %w", image, err)
	}
	if len(users) > 0 {
		slog.InfoContext(ctx, "image deletion refused", "image", image, "containers", len(users))
		return false, &InUseError{Image: image, Containers: users}
	}

	res, err := c.docker.RemoveImage(ctx, image)
	if err != nil {
		return false, fmt.Errorf("deleting image %s: %w", image, err)
	}
	if res.ExitCode != 0 || hasDeleteFailure(res.Lines) {
		slog.WarnContext(ctx, "image deletion failed", "image", image, "exit_code", res.ExitCode)
		return false, &DeleteError{Image: image, ExitCode: res.ExitCode, Output: res.Lines}
	}
	slog.InfoContext(ctx, "image deleted", "image", image)
	return true, nil
}

func hasDeleteFailure(lines []string) bool {
	for _, line := range lines {
		if docker.IsDeleteFailure(line) {
			return true
		}
	}
	return false
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
