// Package buildcfg holds the read-only build configuration of a pipeline run.
package buildcfg

import (
	"fmt"
	"maps"
	"slices"

	"github.com/zerfoo/zdataflow/pkg/graph"
)

// MemMode selects how a StreamingFCLayer stores its weights.
type MemMode string

const (
	// MemConst embeds the weights in the layer.
	MemConst MemMode = "const"
	// MemDecoupled streams the weights from a separate memory.
	MemDecoupled MemMode = "decoupled"
)

// ParseMemMode validates a mem mode name.
func ParseMemMode(s string) (MemMode, error) {
	switch m := MemMode(s); m {
	case MemConst, MemDecoupled:
		return m, nil
	}
	return "", fmt.Errorf("unknown mem_mode %q (want %q or %q)", s, MemConst, MemDecoupled)
}

// DefaultMaxPasses bounds the fixed-point iteration of non-idempotent rules.
const DefaultMaxPasses = 64

var defaultSteps = []string{"tidy_up", "streamline", "lower_convs", "convert_to_hw_layers"}

// DefaultSteps returns the step order of a full build.
func DefaultSteps() []string { return slices.Clone(defaultSteps) }

// Annotation declares metadata for a tensor of a loaded model.
type Annotation struct {
	DataType graph.DataType
	Layout   graph.Layout
}

// Config is the build configuration. It is never modified after construction.
type Config struct {
	memMode     MemMode
	steps       []string
	maxPasses   int
	approximate bool
	annotations map[string]Annotation
}

// Option configures a Config built by New.
type Option func(*Config)

// WithMemMode sets the default mem mode of fully connected layers.
func WithMemMode(m MemMode) Option { return func(c *Config) { c.memMode = m } }

// WithSteps sets the ordered step names.
func WithSteps(names ...string) Option {
	return func(c *Config) { c.steps = slices.Clone(names) }
}

// WithMaxPasses sets the fixed-point bound.
func WithMaxPasses(n int) Option { return func(c *Config) { c.maxPasses = n } }

// WithApproximateThresholds allows lossy threshold rounding.
func WithApproximateThresholds(ok bool) Option { return func(c *Config) { c.approximate = ok } }

// WithAnnotation declares the datatype and layout of a tensor.
func WithAnnotation(tensor string, a Annotation) Option {
	return func(c *Config) { c.annotations[tensor] = a }
}

// Default returns the configuration of a full build with decoupled weights.
func Default() *Config {
	return &Config{
		memMode:     MemDecoupled,
		steps:       DefaultSteps(),
		maxPasses:   DefaultMaxPasses,
		annotations: map[string]Annotation{},
	}
}

// New applies opts to the defaults and validates the result.
func New(opts ...Option) (*Config, error) {
	c := Default()
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if _, err := ParseMemMode(string(c.memMode)); err != nil {
		return err
	}
	if c.maxPasses <= 0 {
		return fmt.Errorf("max_passes must be positive, got %d", c.maxPasses)
	}
	for i, s := range c.steps {
		if s == "" {
			return fmt.Errorf("step %d has an empty name", i)
		}
	}
	return nil
}

// DefaultMemMode returns the mem mode of inferred fully connected layers.
func (c *Config) DefaultMemMode() MemMode { return c.memMode }

// Steps returns the ordered step names.
func (c *Config) Steps() []string { return slices.Clone(c.steps) }

// MaxPasses returns the fixed-point bound.
func (c *Config) MaxPasses() int { return c.maxPasses }

// ApproximateThresholds reports whether lossy threshold rounding is allowed.
func (c *Config) ApproximateThresholds() bool { return c.approximate }

// Annotations returns a copy of the tensor annotations.
func (c *Config) Annotations() map[string]Annotation { return maps.Clone(c.annotations) }
