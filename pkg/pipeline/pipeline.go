// Package pipeline runs an ordered list of build steps over a graph,
// threading immutable snapshots from one step to the next.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zerfoo/zdataflow/internal/ctxlog"
	"github.com/zerfoo/zdataflow/pkg/buildcfg"
	"github.com/zerfoo/zdataflow/pkg/graph"
)

// StepFunc transforms a graph snapshot under a build configuration.
type StepFunc func(ctx context.Context, g *graph.Graph, cfg *buildcfg.Config) (*graph.Graph, error)

// Step is a named pipeline stage.
type Step struct {
	Name string
	Run  StepFunc
}

// Snapshot is the graph a step produced.
type Snapshot struct {
	Step  string
	Graph *graph.Graph
}

// Result is the outcome of a successful run.
type Result struct {
	Graph *graph.Graph
	// Snapshots holds one entry per step when the orchestrator records them.
	Snapshots []Snapshot
}

// Orchestrator applies its steps in order and stops at the first failure.
// It holds no per-run state, so one Orchestrator may run concurrently on
// any number of graphs.
type Orchestrator struct {
	steps     []Step
	snapshots bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSnapshots records the graph after every step.
func WithSnapshots() Option {
	return func(o *Orchestrator) { o.snapshots = true }
}

// New builds an orchestrator over steps.
func New(steps []Step, opts ...Option) (*Orchestrator, error) {
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.Name == "" || s.Run == nil {
			return nil, fmt.Errorf("step %d needs a name and a function", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("step %q listed twice", s.Name)
		}
		seen[s.Name] = true
	}
	o := &Orchestrator{steps: append([]Step(nil), steps...)}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// FromConfig resolves the configured step names against the registered steps.
func FromConfig(cfg *buildcfg.Config, opts ...Option) (*Orchestrator, error) {
	names := cfg.Steps()
	steps := make([]Step, 0, len(names))
	for _, name := range names {
		fn, ok := registered.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown step %q (registered: %v)", name, StepNames())
		}
		steps = append(steps, Step{Name: name, Run: fn})
	}
	return New(steps, opts...)
}

// Steps returns the step names in execution order.
func (o *Orchestrator) Steps() []string {
	names := make([]string, len(o.steps))
	for i, s := range o.steps {
		names[i] = s.Name
	}
	return names
}

// RunDefinition builds the graph from def and runs every step on it. A
// malformed definition fails before any step runs.
func (o *Orchestrator) RunDefinition(ctx context.Context, def graph.Definition, cfg *buildcfg.Config) (*Result, error) {
	g, err := graph.New(def)
	if err != nil {
		return nil, fmt.Errorf("failed to build graph %s: %w", def.Name, err)
	}
	return o.Run(ctx, g, cfg)
}

// Run applies every step to g. A nil cfg means buildcfg.Default().
func (o *Orchestrator) Run(ctx context.Context, g *graph.Graph, cfg *buildcfg.Config) (*Result, error) {
	if cfg == nil {
		cfg = buildcfg.Default()
	}
	logger := ctxlog.FromContext(ctx).With("graph", g.Name())
	logger.Debug("Pipeline started.", "steps", len(o.steps), "version", g.Version())

	res := &Result{}
	cur := g
	for i, s := range o.steps {
		if err := ctx.Err(); err != nil {
			return nil, newStepError(s.Name, i, cur.Version(), err)
		}
		logger.Debug("Step started.", "step", s.Name, "index", i, "version", cur.Version(), "nodes", cur.NumNodes())
		start := time.Now()

		next, err := s.Run(ctx, cur, cfg)
		if err == nil && next == nil {
			err = errors.New("step returned no graph")
		}
		if err != nil {
			se := newStepError(s.Name, i, cur.Version(), err)
			logger.Error("Step failed.", "step", s.Name, "index", i, "transformation", se.Transformation, "node", se.Node, "tensor", se.Tensor, "error", err)
			return nil, se
		}
		logger.Info("Step finished.", "step", s.Name, "version", next.Version(), "nodes", next.NumNodes(), "duration", time.Since(start))

		if o.snapshots {
			res.Snapshots = append(res.Snapshots, Snapshot{Step: s.Name, Graph: next})
		}
		cur = next
	}
	res.Graph = cur
	return res, nil
}
