// Package walk reads the log directory convention written by the task
// scripts: <root>/<task>/<run>/<mode>, for example
// logs/verify-api/20250102-101500/feedback. It never writes.
package walk

import (
	"context"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Dir is one mode directory of a task run.
type Dir struct {
	Path    string
	Task    string
	Run     string
	Mode    string
	ModTime time.Time
}

const modeDepth = 3

// Roots opens every root as an os.Root, so the walk cannot escape it through
// symlinks, and yields its mode directories. A root which cannot be opened
// yields an error and the walk continues with the next one.
func Roots(ctx context.Context, roots ...string) iter.Seq2[Dir, error] {
	return func(yield func(Dir, error) bool) {
		for _, name := range roots {
			root, err := os.OpenRoot(name)
			if err != nil {
				if !yield(Dir{Path: name}, err) {
					return
				}
				continue
			}
			cont := true
			for dir, err := range Dirs(ctx, root.FS(), name) {
				if !yield(dir, err) {
					cont = false
					break
				}
			}
			_ = root.Close()
			if !cont {
				return
			}
		}
	}
}

// Dirs walks root down to the mode level and yields every directory found
// there. Each Dir's Path is prefixed with name. It does not follow symlinks.
func Dirs(ctx context.Context, root fs.FS, name string) iter.Seq2[Dir, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Dir, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err != nil {
				if !yield(Dir{Path: filepath.Join(name, path)}, err) {
					return fs.SkipAll
				}
				return nil
			}
			if path == "." || !d.IsDir() {
				return nil
			}

			parts := strings.Split(path, "/")
			if len(parts) < modeDepth {
				return nil
			}

			info, err := d.Info()
			dir := Dir{
				Path: filepath.Join(name, filepath.FromSlash(path)),
				Task: parts[0],
				Run:  parts[1],
				Mode: parts[2],
			}
			if err == nil {
				dir.ModTime = info.ModTime()
			}
			if !yield(dir, err) {
				return fs.SkipAll
			}
			return fs.SkipDir
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

// Latest returns the most recently modified directory of the mode across all
// roots. Unreadable entries are ignored.
func Latest(ctx context.Context, mode string, roots ...string) (Dir, bool) {
	var best Dir
	var found bool
	for dir, err := range Roots(ctx, roots...) {
		if err != nil || !strings.EqualFold(dir.Mode, mode) {
			continue
		}
		if !found || dir.ModTime.After(best.ModTime) {
			best = dir
			found = true
		}
	}
	return best, found
}
