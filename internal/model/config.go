package model

import (
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	goyaml "gopkg.in/yaml.v3"

	_ "embed"
)

const (
	FormatJSON = "json"
	FormatTab  = "tab"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Docker  Docker  `json:"docker" yaml:"docker"`
	Tasks   Tasks   `json:"tasks" yaml:"tasks"`
	Cache   Cache   `json:"cache" yaml:"cache"`
	Service Service `json:"service" yaml:"service"`
}

// Docker CLI settings.
type Docker struct {
	Binary  string `json:"binary" yaml:"binary"`   // name or path, resolved once
	Format  string `json:"format" yaml:"format"`   // "json" | "tab"
	Timeout string `json:"timeout" yaml:"timeout"` // capture ceiling, Go duration
}

// Tasks configures admission and the command every task runs.
type Tasks struct {
	MaxConcurrent int      `json:"max_concurrent" yaml:"max_concurrent"` // clamped to [1,20]
	Stagger       string   `json:"stagger" yaml:"stagger"`               // between batch members
	NameAttempts  int      `json:"name_attempts" yaml:"name_attempts"`
	Prefix        string   `json:"prefix" yaml:"prefix"` // artifact naming convention
	Folder        string   `json:"folder" yaml:"folder"` // working directory of the command
	Command       *Command `json:"command,omitempty" yaml:"command,omitempty"`
	LogRoots      []string `json:"log_roots" yaml:"log_roots"`
}

// Command is the task command line. Args may reference ${mode}, ${image}
// and ${name}.
type Command struct {
	Path string   `json:"path" yaml:"path"`
	Args []string `json:"args" yaml:"args"`
}

type Cache struct {
	Schedule TimerSchedule `json:"schedule" yaml:"schedule"`
}

// TimerSchedule holds exactly one of Cron or Duration.
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"` // ISO 8601 or Go duration
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
}

// CaptureTimeout returns the docker capture ceiling.
func (d Docker) CaptureTimeout() time.Duration {
	return durationOr(d.Timeout, 5*time.Second)
}

func (t Tasks) StaggerDuration() time.Duration {
	return durationOr(t.Stagger, 100*time.Millisecond)
}

func durationOr(s string, dflt time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return dflt
	}
	return d
}

// DefaultConfig returns the configuration an empty file decodes to.
func DefaultConfig() *Config {
	cfg, err := decode(cueCtx.CompileString("{}"))
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

// DefaultYAML renders DefaultConfig with an example task command.
func DefaultYAML() ([]byte, error) {
	cfg := DefaultConfig()
	cfg.Tasks.Command = &Command{
		Path: "./run.sh",
		Args: []string{"--mode", "${mode}", "--image", "${image}", "--name", "${name}"},
	}
	return goyaml.Marshal(cfg)
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	return decode(cueCtx.BuildFile(yamlFile))
}

func decode(value cue.Value) (*Config, error) {
	unified := schema.Unify(value)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
