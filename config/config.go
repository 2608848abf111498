package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dcshock/genpipe/step"
	"github.com/dcshock/genpipe/task"
)

// PipelineConfig is the root structure for one pipeline definition (e.g.
// from YAML).
type PipelineConfig struct {
	Name   string     `yaml:"name"`
	Stages []StageDef `yaml:"stages"`
}

// StageDef is a single stage entry: either a plain name or name + options.
// In YAML, a stage can be written as:
//   - draft
//   - name: draft
//     type: generate
//     fan_out: 3
//     timeout: 60s
//     prompt: "Write about {{.Input}}"
type StageDef struct {
	Name string `yaml:"name"`

	// Type selects the registered factory. "" means "generate".
	Type string `yaml:"type"`

	// FanOut > 1 runs that many parallel instances of the stage.
	FanOut int `yaml:"fan_out"`

	// Timeout applied around the stage. Overrides the engine's per-stage
	// timeout.
	Timeout Duration `yaml:"timeout"`

	// Dep is the circuit-breaker key for the stage's backing service.
	Dep string `yaml:"dep"`

	// Model and System are passed through to the generation request.
	Model  string `yaml:"model"`
	System string `yaml:"system"`

	// Prompt is a text/template over the run state ({{.Input}}, {{.Prev}},
	// {{.Outputs}}). Empty means previous output (or the input for the
	// first stage) verbatim.
	Prompt string `yaml:"prompt"`

	// Criteria for evaluate stages.
	Criteria []string `yaml:"criteria"`
}

// UnmarshalYAML allows a stage to be a string (stage name only) or a struct.
func (s *StageDef) UnmarshalYAML(value *yaml.Node) error {
	var nameOnly string
	if err := value.Decode(&nameOnly); err == nil {
		s.Name = nameOnly
		return nil
	}
	type raw StageDef
	return value.Decode((*raw)(s))
}

// Duration is a time.Duration that unmarshals from YAML strings (e.g. "60s",
// "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// ParsePipelineConfig parses YAML bytes into a single PipelineConfig.
func ParsePipelineConfig(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the definition for structural problems. All findings are
// joined, not just the first.
func (c *PipelineConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("pipeline name required"))
	}
	if len(c.Stages) == 0 {
		errs = append(errs, errors.New("at least one stage required"))
	}
	seen := make(map[string]bool, len(c.Stages))
	for i, s := range c.Stages {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("stage %d: name required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("stage %d: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.FanOut < 0 {
			errs = append(errs, fmt.Errorf("stage %q: fan_out must not be negative", s.Name))
		}
	}
	return errors.Join(errs...)
}

// EngineConfig sizes the task manager and the step executor.
type EngineConfig struct {
	Workers      int      `yaml:"workers"`
	QueueSize    int      `yaml:"queue_size"`
	TaskTimeout  Duration `yaml:"task_timeout"`
	StageTimeout Duration `yaml:"stage_timeout"`
	Heartbeat    Duration `yaml:"heartbeat"`
	Retention    Duration `yaml:"retention"`

	Breaker BreakerConfig `yaml:"breaker"`
	Retry   RetryConfig   `yaml:"retry"`
}

// BreakerConfig sizes the per-dependency circuit breakers.
type BreakerConfig struct {
	OpenAfter int      `yaml:"open_after"`
	Cooldown  Duration `yaml:"cooldown"`
}

// RetryConfig is the step executor's backoff policy.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Initial     Duration `yaml:"initial"`
	Multiplier  float64  `yaml:"multiplier"`
	Cap         Duration `yaml:"cap"`
	Jitter      float64  `yaml:"jitter"`
}

// ParseEngineConfig parses YAML bytes into an EngineConfig.
func ParseEngineConfig(data []byte) (*EngineConfig, error) {
	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with. Zero values are fine;
// they mean "use the default".
func (c *EngineConfig) Validate() error {
	var errs []error
	if c.Workers < 0 {
		errs = append(errs, errors.New("workers must not be negative"))
	}
	if c.QueueSize < 0 {
		errs = append(errs, errors.New("queue_size must not be negative"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must not be negative"))
	}
	if c.Retry.Multiplier < 0 || (c.Retry.Multiplier > 0 && c.Retry.Multiplier < 1) {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be within [0, 1]"))
	}
	if c.Breaker.OpenAfter < 0 {
		errs = append(errs, errors.New("breaker.open_after must not be negative"))
	}
	return errors.Join(errs...)
}

// TaskConfig converts to the task manager's sizing.
func (c *EngineConfig) TaskConfig() task.Config {
	return task.Config{
		Workers:      c.Workers,
		QueueSize:    c.QueueSize,
		TaskTimeout:  c.TaskTimeout.Duration(),
		StageTimeout: c.StageTimeout.Duration(),
		Heartbeat:    c.Heartbeat.Duration(),
		Retention:    c.Retention.Duration(),
	}
}

// Policy converts to the step executor's retry policy.
func (c *EngineConfig) Policy() step.Policy {
	return step.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		Initial:     c.Retry.Initial.Duration(),
		Multiplier:  c.Retry.Multiplier,
		Cap:         c.Retry.Cap.Duration(),
		Jitter:      c.Retry.Jitter,
	}
}

// Breakers builds the breaker set sized by the config. Zero fields fall back
// to the step package defaults.
func (c *EngineConfig) Breakers() *step.BreakerSet {
	return step.NewBreakerSet(c.Breaker.OpenAfter, c.Breaker.Cooldown.Duration())
}
