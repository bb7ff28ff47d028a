package service

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/dockhand/dockhand/internal/docker"
	"github.com/dockhand/dockhand/internal/model"
)

// EnvPrefix prefixes the environment overrides, tasks.max_concurrent is read
// from DOCKHAND_TASKS_MAX_CONCURRENT.
const EnvPrefix = "DOCKHAND"

// overridable lists the keys Overrides reads from the environment or from
// flags bound to v.
var overridable = []string{
	"docker.binary",
	"docker.format",
	"docker.timeout",
	"tasks.max_concurrent",
	"tasks.stagger",
	"tasks.prefix",
	"tasks.folder",
	"service.verbose",
	"service.log",
}

// NewViper returns a viper instance reading DOCKHAND_* variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range overridable {
		_ = v.BindEnv(key)
	}
	return v
}

// Overrides copies every key set in v over cfg. Flags take precedence over
// the environment, following viper.
func Overrides(v *viper.Viper, cfg *model.Config) error {
	for _, key := range overridable {
		if !v.IsSet(key) {
			continue
		}
		switch key {
		case "docker.binary":
			cfg.Docker.Binary = v.GetString(key)
		case "docker.format":
			f, err := docker.ParseFormat(v.GetString(key))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.Docker.Format = string(f)
		case "docker.timeout":
			cfg.Docker.Timeout = v.GetString(key)
		case "tasks.max_concurrent":
			cfg.Tasks.MaxConcurrent = v.GetInt(key)
		case "tasks.stagger":
			cfg.Tasks.Stagger = v.GetString(key)
		case "tasks.prefix":
			cfg.Tasks.Prefix = v.GetString(key)
		case "tasks.folder":
			cfg.Tasks.Folder = v.GetString(key)
		case "service.verbose":
			cfg.Service.Verbose = v.GetBool(key)
		case "service.log":
			cfg.Service.Log = v.GetString(key)
		}
	}
	if cfg.Docker.Binary == "" {
		return fmt.Errorf("docker.binary: empty value")
	}
	if cfg.Tasks.Prefix == "" {
		return fmt.Errorf("tasks.prefix: empty value")
	}
	return nil
}
