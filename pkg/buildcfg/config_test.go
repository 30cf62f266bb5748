package buildcfg_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zdataflow/pkg/buildcfg"
	"github.com/zerfoo/zdataflow/pkg/graph"
)

const buildFile = `
build {
  mem_mode               = const
  steps                  = ["streamline", "lower_convs", "convert_to_hw_layers"]
  max_passes             = 32
  approximate_thresholds = true
}

annotate "global_in" {
  datatype = "UINT8"
  layout   = "NCHW"
}

annotate "scale" {
  datatype = "int4"
}
`

func TestDefault(t *testing.T) {
	cfg := buildcfg.Default()
	assert.Equal(t, buildcfg.MemDecoupled, cfg.DefaultMemMode())
	assert.Equal(t, buildcfg.DefaultSteps(), cfg.Steps())
	assert.Equal(t, 64, cfg.MaxPasses())
	assert.False(t, cfg.ApproximateThresholds())
	assert.Empty(t, cfg.Annotations())
}

func TestDefaultStepsIsACopy(t *testing.T) {
	steps := buildcfg.DefaultSteps()
	steps[0] = "nope"
	cfg := buildcfg.Default()
	cfg.Steps()[1] = "nope"

	assert.Equal(t, []string{"tidy_up", "streamline", "lower_convs", "convert_to_hw_layers"}, buildcfg.DefaultSteps())
	assert.Equal(t, buildcfg.DefaultSteps(), buildcfg.Default().Steps())
}

func TestParse(t *testing.T) {
	cfg, err := buildcfg.Parse([]byte(buildFile), "build.hcl")
	require.NoError(t, err)

	assert.Equal(t, buildcfg.MemConst, cfg.DefaultMemMode())
	assert.Equal(t, []string{"streamline", "lower_convs", "convert_to_hw_layers"}, cfg.Steps())
	assert.Equal(t, 32, cfg.MaxPasses())
	assert.True(t, cfg.ApproximateThresholds())

	want := map[string]buildcfg.Annotation{
		"global_in": {DataType: graph.UInt(8), Layout: graph.LayoutNCHW},
		"scale":     {DataType: graph.Int(4)},
	}
	if diff := cmp.Diff(want, cfg.Annotations()); diff != "" {
		t.Errorf("annotations mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := buildcfg.Parse([]byte(`build { mem_mode = "decoupled" }`), "min.hcl")
	require.NoError(t, err)
	assert.Equal(t, buildcfg.MemDecoupled, cfg.DefaultMemMode())
	assert.Equal(t, buildcfg.DefaultSteps(), cfg.Steps())
	assert.Equal(t, buildcfg.DefaultMaxPasses, cfg.MaxPasses())

	empty, err := buildcfg.Parse(nil, "empty.hcl")
	require.NoError(t, err)
	assert.Equal(t, buildcfg.Default(), empty)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown mem mode", `build { mem_mode = "external" }`},
		{"unknown identifier", `build { mem_mode = external }`},
		{"negative passes", `build { max_passes = -1 }`},
		{"unknown attribute", `build { fast = true }`},
		{"unknown block", `target "zynq" {}`},
		{"bad datatype", `annotate "x" { datatype = "INT0" }`},
		{"bad layout", `annotate "x" { layout = "HWCN" }`},
		{"duplicate annotation", "annotate \"x\" {}\nannotate \"x\" {}"},
		{"syntax", `build {`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildcfg.Parse([]byte(tt.src), "bad.hcl")
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.hcl")
	require.NoError(t, os.WriteFile(path, []byte(buildFile), 0o600))

	cfg, err := buildcfg.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.MaxPasses())

	_, err = buildcfg.Load(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	_, err := buildcfg.New(buildcfg.WithMemMode("bram"))
	assert.Error(t, err)
	_, err = buildcfg.New(buildcfg.WithMaxPasses(0))
	assert.Error(t, err)
	_, err = buildcfg.New(buildcfg.WithSteps("streamline", ""))
	assert.Error(t, err)

	cfg, err := buildcfg.New(buildcfg.WithSteps("tidy_up"), buildcfg.WithAnnotation("x", buildcfg.Annotation{Layout: graph.LayoutNC}))
	require.NoError(t, err)
	assert.Equal(t, []string{"tidy_up"}, cfg.Steps())
	assert.Equal(t, graph.LayoutNC, cfg.Annotations()["x"].Layout)
}
