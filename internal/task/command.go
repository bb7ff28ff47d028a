package task

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/dockhand/dockhand/internal/naming"
	"github.com/dockhand/dockhand/internal/runner"
)

// CommandBuilder turns a mode into a task Spec. Arguments may reference
// ${mode}, ${image} and ${name}, other references are kept verbatim for the
// script to expand.
type CommandBuilder struct {
	Path   string
	Args   []string
	Dir    string
	Env    []string
	Prefix string
	Names  naming.Generator
	// Exists asks docker for an image, nil means never taken.
	Exists naming.ExistsFunc

	// serial orders concurrent Builds, mx guards reserved only
	serial   sync.Mutex
	mx       sync.Mutex
	reserved map[string]struct{}
}

// Build returns the Spec for one task running in mode. The artifact name is
// unique among the names handed out by this builder and the images docker
// knows about. mode is passed explicitly so members of a batch never share
// mutable configuration.
func (b *CommandBuilder) Build(ctx context.Context, mode string) Spec {
	base := sanitize(b.Prefix + "-" + mode)
	b.serial.Lock()
	artifact := b.Names.Unique(ctx, base, b.taken)

	b.mx.Lock()
	if b.reserved == nil {
		b.reserved = make(map[string]struct{})
	}
	b.reserved[artifact] = struct{}{}
	b.mx.Unlock()
	b.serial.Unlock()

	vars := map[string]string{
		"mode":  mode,
		"image": artifact,
		"name":  artifact,
	}
	args := make([]string, len(b.Args))
	for i, arg := range b.Args {
		args[i] = os.Expand(arg, func(k string) string {
			if v, ok := vars[k]; ok {
				return v
			}
			return "${" + k + "}"
		})
	}

	var env []string
	if b.Env != nil {
		env = append(os.Environ(), b.Env...)
	}
	return Spec{
		Name:     mode,
		Mode:     mode,
		Artifact: artifact,
		Command: runner.Command{
			Path: b.Path,
			Args: args,
			Dir:  b.Dir,
			Env:  env,
		},
	}
}

// Release forgets a reserved artifact name.
func (b *CommandBuilder) Release(artifact string) {
	b.mx.Lock()
	delete(b.reserved, artifact)
	b.mx.Unlock()
}

func (b *CommandBuilder) taken(ctx context.Context, name string) bool {
	b.mx.Lock()
	_, ok := b.reserved[name]
	b.mx.Unlock()
	if ok {
		return true
	}
	return b.Exists != nil && b.Exists(ctx, name)
}

// sanitize keeps characters valid in an image repository name
func sanitize(s string) string {
	s = strings.ToLower(strings.Trim(s, "-"))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}
