package docker

import (
	"fmt"
	"os/exec"
	"sync"
)

const DefaultBinary = "docker"

// Tool resolves the docker executable once and caches the result, including
// a failure.
type Tool struct {
	binary string
	once   sync.Once
	path   string
	err    error
}

func NewTool(binary string) *Tool {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Tool{binary: binary}
}

func (t *Tool) Path() (string, error) {
	t.once.Do(func() {
		t.path, t.err = exec.LookPath(t.binary)
		if t.err != nil {
			t.err = fmt.Errorf("resolving %s: %w", t.binary, t.err)
		}
	})
	return t.path, t.err
}
