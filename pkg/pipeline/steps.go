package pipeline

import (
	"context"

	"github.com/zerfoo/zdataflow/internal/ctxlog"
	"github.com/zerfoo/zdataflow/pkg/buildcfg"
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/registry"
	"github.com/zerfoo/zdataflow/pkg/transform"
	"github.com/zerfoo/zdataflow/pkg/transform/hwlayer"
	"github.com/zerfoo/zdataflow/pkg/transform/lower"
	"github.com/zerfoo/zdataflow/pkg/transform/streamline"
)

var registered = registry.New[StepFunc]()

func init() {
	registered.MustRegister("tidy_up", TidyUp)
	registered.MustRegister("streamline", Streamline)
	registered.MustRegister("lower_convs", LowerConvs)
	registered.MustRegister("convert_to_hw_layers", ConvertToHWLayers)
}

// Register makes a custom step available to configuration files.
func Register(name string, fn StepFunc) error {
	return registered.Register(name, fn)
}

// Lookup returns the step registered under name.
func Lookup(name string) (Step, bool) {
	fn, ok := registered.Get(name)
	return Step{Name: name, Run: fn}, ok
}

// StepNames lists the registered steps.
func StepNames() []string { return registered.Names() }

// apply runs a battery bounded by the configured pass limit. Every battery
// starts from fresh metadata so rules see the datatypes they match on.
func apply(ctx context.Context, g *graph.Graph, cfg *buildcfg.Config, battery *transform.Composite) (*graph.Graph, error) {
	battery = transform.Sequence(battery.Name(), transform.InferMetadata(), battery).Bound(cfg.MaxPasses())
	ctxlog.FromContext(ctx).Debug("Applying battery.", "battery", battery.Name(), "max_passes", cfg.MaxPasses())
	return transform.Apply(battery, g, cfg.MaxPasses())
}

// TidyUp removes no-op nodes and gives the graph canonical names and
// fresh metadata.
func TidyUp(ctx context.Context, g *graph.Graph, cfg *buildcfg.Config) (*graph.Graph, error) {
	return apply(ctx, g, cfg, transform.Sequence("TidyUp",
		transform.Compose(streamline.RemoveIdentityOps(), transform.Renormalize()...),
	))
}

// Streamline runs the base and the depthwise-separable streamlining batteries.
func Streamline(ctx context.Context, g *graph.Graph, cfg *buildcfg.Config) (*graph.Graph, error) {
	approx := cfg.ApproximateThresholds()
	return apply(ctx, g, cfg, transform.Sequence("Streamline",
		streamline.Streamline(approx),
		streamline.MobileNetBattery(approx),
	))
}

// LowerConvs lowers convolutions to matrix products.
func LowerConvs(ctx context.Context, g *graph.Graph, cfg *buildcfg.Config) (*graph.Graph, error) {
	return apply(ctx, g, cfg, lower.Battery(cfg.ApproximateThresholds()))
}

// ConvertToHWLayers maps the lowered graph onto hardware layers.
func ConvertToHWLayers(ctx context.Context, g *graph.Graph, cfg *buildcfg.Config) (*graph.Graph, error) {
	return apply(ctx, g, cfg, hwlayer.Battery(cfg.DefaultMemMode()))
}
