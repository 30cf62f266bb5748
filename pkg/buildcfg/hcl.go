package buildcfg

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/zerfoo/zdataflow/pkg/graph"
)

// fileRoot is the top-level schema of a build file.
type fileRoot struct {
	Build     *buildBlock      `hcl:"build,block"`
	Annotates []*annotateBlock `hcl:"annotate,block"`
}

type buildBlock struct {
	MemMode     string   `hcl:"mem_mode,optional"`
	Steps       []string `hcl:"steps,optional"`
	MaxPasses   int      `hcl:"max_passes,optional"`
	Approximate bool     `hcl:"approximate_thresholds,optional"`
}

type annotateBlock struct {
	Tensor   string `hcl:"tensor,label"`
	DataType string `hcl:"datatype,optional"`
	Layout   string `hcl:"layout,optional"`
}

// evalContext lets mem modes be written as bare identifiers.
var evalContext = &hcl.EvalContext{
	Variables: map[string]cty.Value{
		string(MemConst):     cty.StringVal(string(MemConst)),
		string(MemDecoupled): cty.StringVal(string(MemDecoupled)),
	},
}

// Load reads and parses an HCL build file.
func Load(path string) (*Config, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	return decode(path, f.Body)
}

// Parse parses HCL source; filename is only used in diagnostics.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return decode(filename, f.Body)
}

func decode(filename string, body hcl.Body) (*Config, error) {
	var root fileRoot
	if diags := gohcl.DecodeBody(body, evalContext, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	var opts []Option
	if b := root.Build; b != nil {
		if b.MemMode != "" {
			m, err := ParseMemMode(b.MemMode)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", filename, err)
			}
			opts = append(opts, WithMemMode(m))
		}
		if b.Steps != nil {
			opts = append(opts, WithSteps(b.Steps...))
		}
		if b.MaxPasses != 0 {
			opts = append(opts, WithMaxPasses(b.MaxPasses))
		}
		opts = append(opts, WithApproximateThresholds(b.Approximate))
	}

	seen := make(map[string]bool, len(root.Annotates))
	for _, a := range root.Annotates {
		if seen[a.Tensor] {
			return nil, fmt.Errorf("%s: tensor %q annotated twice", filename, a.Tensor)
		}
		seen[a.Tensor] = true
		ann, err := a.translate()
		if err != nil {
			return nil, fmt.Errorf("%s: annotate %q: %w", filename, a.Tensor, err)
		}
		opts = append(opts, WithAnnotation(a.Tensor, ann))
	}

	cfg, err := New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, nil
}

func (a *annotateBlock) translate() (Annotation, error) {
	var ann Annotation
	if a.DataType != "" {
		dt, err := graph.ParseDataType(a.DataType)
		if err != nil {
			return ann, err
		}
		ann.DataType = dt
	}
	if a.Layout != "" {
		l, err := graph.ParseLayout(a.Layout)
		if err != nil {
			return ann, err
		}
		ann.Layout = l
	}
	return ann, nil
}
