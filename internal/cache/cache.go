// Package cache keeps the last known docker inventory. A refresh builds a new
// snapshot without holding the lock and swaps it in at the end, readers see
// either the old or the new snapshot, never a mix.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dockhand/dockhand/internal/docker"
	"github.com/dockhand/dockhand/internal/parallel"
	"github.com/dockhand/dockhand/internal/walk"

	"golang.org/x/sync/errgroup"
)

var ErrRefreshInFlight = errors.New("refresh already in flight")

type Availability int32

const (
	Unknown Availability = iota
	Unavailable
	Available
)

func (a Availability) String() string {
	switch a {
	case Unavailable:
		return "unavailable"
	case Available:
		return "available"
	default:
		return "unknown"
	}
}

// Modes are the task modes recognized in container names and log directories.
var Modes = []string{"feedback", "verify"}

// InferMode returns the first of Modes contained in the container name, or an
// empty string.
func InferMode(name string) string {
	lower := strings.ToLower(name)
	for _, m := range Modes {
		if strings.Contains(lower, m) {
			return m
		}
	}
	return ""
}

// Snapshot is one complete view of the inventory.
type Snapshot struct {
	Containers   []docker.Container
	Images       []docker.Image
	Availability Availability
	RefreshedAt  time.Time
	// Err describes a listing which failed while the daemon answered the
	// probe. The other list is still valid.
	Err error
}

func (s Snapshot) clone() Snapshot {
	s.Containers = slices.Clone(s.Containers)
	s.Images = slices.Clone(s.Images)
	return s
}

// Inventory is the read side of docker.Client used by the cache.
type Inventory interface {
	Probe(ctx context.Context) bool
	ListContainers(ctx context.Context) ([]docker.Container, error)
	ListImages(ctx context.Context) ([]docker.Image, error)
}

type Cache struct {
	inv          Inventory
	logRoots     []string
	resolveLimit int
	now          func() time.Time

	mx   sync.RWMutex
	snap *Snapshot

	inFlight atomic.Bool
	wg       sync.WaitGroup
}

type Option func(*Cache)

// WithLogRoots sets the roots searched for the log directory of a container.
func WithLogRoots(roots ...string) Option {
	return func(c *Cache) {
		c.logRoots = roots
	}
}

func WithResolveLimit(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.resolveLimit = n
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func New(inv Inventory, opts ...Option) *Cache {
	c := &Cache{
		inv:          inv,
		resolveLimit: 4,
		now:          time.Now,
		snap:         &Snapshot{Availability: Unknown},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns a copy of the current snapshot.
func (c *Cache) Snapshot() Snapshot {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.snap.clone()
}

func (c *Cache) Availability() Availability {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.snap.Availability
}

func (c *Cache) Containers() []docker.Container {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return slices.Clone(c.snap.Containers)
}

func (c *Cache) Images() []docker.Image {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return slices.Clone(c.snap.Images)
}

// InFlight reports a running refresh.
func (c *Cache) InFlight() bool {
	return c.inFlight.Load()
}

// RefreshAsync starts a refresh in the background and returns true. When a
// refresh is already in flight it does nothing and returns false.
func (c *Cache) RefreshAsync(ctx context.Context) bool {
	if !c.inFlight.CompareAndSwap(false, true) {
		slog.DebugContext(ctx, "cache refresh skipped, already in flight")
		return false
	}
	c.wg.Go(func() {
		defer c.inFlight.Store(false)
		if err := c.refresh(ctx); err != nil {
			slog.WarnContext(ctx, "cache refresh", "error", err)
		}
	})
	return true
}

// Refresh refreshes synchronously. It shares the in-flight gate with
// RefreshAsync and returns ErrRefreshInFlight instead of waiting.
func (c *Cache) Refresh(ctx context.Context) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrRefreshInFlight
	}
	defer c.inFlight.Store(false)
	return c.refresh(ctx)
}

// Wait blocks until all background refreshes returned.
func (c *Cache) Wait() {
	c.wg.Wait()
}

func (c *Cache) refresh(ctx context.Context) error {
	start := c.now()
	if !c.inv.Probe(ctx) {
		slog.InfoContext(ctx, "docker unavailable, inventory cleared")
		c.install(&Snapshot{
			Availability: Unavailable,
			RefreshedAt:  c.now(),
		})
		return nil
	}

	var containers []docker.Container
	var images []docker.Image
	var g errgroup.Group
	g.Go(func() error {
		var err error
		containers, err = c.inv.ListContainers(ctx)
		if err != nil {
			return fmt.Errorf("listing containers: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		images, err = c.inv.ListImages(ctx)
		if err != nil {
			return fmt.Errorf("listing images: %w", err)
		}
		return nil
	})
	listErr := g.Wait()

	if errors.Is(listErr, docker.ErrUnavailable) {
		c.install(&Snapshot{
			Availability: Unavailable,
			RefreshedAt:  c.now(),
		})
		return listErr
	}

	c.resolveLogPaths(ctx, containers)
	c.install(&Snapshot{
		Containers:   containers,
		Images:       images,
		Availability: Available,
		RefreshedAt:  c.now(),
		Err:          listErr,
	})
	slog.DebugContext(ctx, "cache refreshed",
		"containers", len(containers),
		"images", len(images),
		"took", c.now().Sub(start),
	)
	return listErr
}

// resolveLogPaths assigns the newest log directory of the inferred mode to
// every container, one walk per mode
func (c *Cache) resolveLogPaths(ctx context.Context, containers []docker.Container) {
	if len(c.logRoots) == 0 || len(containers) == 0 {
		return
	}
	var modes []string
	for _, ct := range containers {
		if m := InferMode(ct.Name); m != "" && !slices.Contains(modes, m) {
			modes = append(modes, m)
		}
	}
	paths, err := parallel.Map(ctx, c.resolveLimit, modes, func(ctx context.Context, mode string) (string, error) {
		dir, ok := walk.Latest(ctx, mode, c.logRoots...)
		if !ok {
			return "", nil
		}
		return dir.Path, nil
	})
	if err != nil {
		slog.DebugContext(ctx, "resolving log paths", "error", err)
	}
	for i := range containers {
		if idx := slices.Index(modes, InferMode(containers[i].Name)); idx >= 0 {
			containers[i].LogPath = paths[idx]
		}
	}
}

func (c *Cache) install(s *Snapshot) {
	c.mx.Lock()
	c.snap = s
	c.mx.Unlock()
}
