package volsynth

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/gekko3d/volsynth/volrt/rt/core"
	"github.com/gekko3d/volsynth/volrt/rt/gpu"

	"github.com/go-gl/mathgl/mgl32"
	"gopkg.in/yaml.v3"
)

const (
	BackendWGPU   = "wgpu"
	BackendMemory = "memory"
)

const (
	ShapeSphere = "sphere"
	ShapeTorus  = "torus"
	ShapeBox    = "box"
)

var ErrInvalidConfig = errors.New("invalid config")

type Resolution struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	Depth  int `yaml:"depth"`
}

func (r Resolution) Descriptor() gpu.VolumeDescriptor {
	return gpu.VolumeDescriptor{Width: r.Width, Height: r.Height, Depth: r.Depth}
}

// SurfaceConfig describes one procedural seed surface.
type SurfaceConfig struct {
	Name  string `yaml:"name"`
	Shape string `yaml:"shape"`
	// Size is the radius of a sphere, the major and minor radius of a torus,
	// or the half extents of a box.
	Size     []float32  `yaml:"size"`
	Rings    int        `yaml:"rings"`
	Segments int        `yaml:"segments"`
	Position [3]float32 `yaml:"position"`
	Rotation [3]float32 `yaml:"rotation"`
	Scale    [3]float32 `yaml:"scale"`
	Color    [4]float32 `yaml:"color"`
}

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type Config struct {
	Resolution   Resolution      `yaml:"resolution"`
	Iterations   int             `yaml:"iterations"`
	IsoValue     float32         `yaml:"iso_value"`
	ShowIsoColor bool            `yaml:"show_iso_color"`
	Backend      string          `yaml:"backend"`
	Surfaces     []SurfaceConfig `yaml:"surfaces"`
	Retry        RetryConfig     `yaml:"retry"`
	MetricsAddr  string          `yaml:"metrics_addr"`
	Debug        bool            `yaml:"debug"`
}

func DefaultConfig() *Config {
	return &Config{
		Resolution: Resolution{Width: 64, Height: 64, Depth: 16},
		Iterations: 8,
		IsoValue:   0.5,
		Backend:    BackendWGPU,
		Surfaces: []SurfaceConfig{
			{
				Name:     "sphere",
				Shape:    ShapeSphere,
				Size:     []float32{1},
				Rings:    12,
				Segments: 16,
				Position: [3]float32{-1.5, 0, 0},
				Scale:    [3]float32{1, 1, 1},
				Color:    [4]float32{0.9, 0.25, 0.2, 1},
			},
			{
				Name:     "torus",
				Shape:    ShapeTorus,
				Size:     []float32{1, 0.35},
				Rings:    16,
				Segments: 8,
				Position: [3]float32{1.5, 0, 0},
				Rotation: [3]float32{90, 0, 0},
				Scale:    [3]float32{1, 1, 1},
				Color:    [4]float32{0.2, 0.45, 0.9, 1},
			},
		},
		Retry: RetryConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
		},
	}
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	r := c.Resolution
	if r.Width <= 0 || r.Height <= 0 || r.Depth <= 0 {
		return fmt.Errorf("%w: resolution %dx%dx%d", ErrInvalidConfig, r.Width, r.Height, r.Depth)
	}
	if c.Iterations < 0 {
		return fmt.Errorf("%w: iterations %d", ErrInvalidConfig, c.Iterations)
	}
	if c.IsoValue < 0 || c.IsoValue > 1 {
		return fmt.Errorf("%w: iso_value %v outside [0,1]", ErrInvalidConfig, c.IsoValue)
	}
	switch c.Backend {
	case BackendWGPU, BackendMemory:
	default:
		return fmt.Errorf("%w: backend %q", ErrInvalidConfig, c.Backend)
	}
	if len(c.Surfaces) != 2 {
		return fmt.Errorf("%w: need exactly 2 surfaces, got %d", ErrInvalidConfig, len(c.Surfaces))
	}
	for i := range c.Surfaces {
		if err := c.Surfaces[i].validate(); err != nil {
			return fmt.Errorf("%w: surface %d: %v", ErrInvalidConfig, i, err)
		}
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("%w: retry intervals %v..%v", ErrInvalidConfig, c.Retry.InitialInterval, c.Retry.MaxInterval)
	}
	return nil
}

func (s *SurfaceConfig) validate() error {
	want := map[string]int{ShapeSphere: 1, ShapeTorus: 2, ShapeBox: 3}[s.Shape]
	if want == 0 {
		return fmt.Errorf("unknown shape %q", s.Shape)
	}
	if len(s.Size) != want {
		return fmt.Errorf("%s takes %d size values, got %d", s.Shape, want, len(s.Size))
	}
	for _, v := range s.Size {
		if v <= 0 {
			return fmt.Errorf("non-positive size %v", v)
		}
	}
	return nil
}

// Build creates the surface in its configured pose.
func (s *SurfaceConfig) Build() *core.Surface {
	var verts []mgl32.Vec3
	switch s.Shape {
	case ShapeSphere:
		verts = core.Sphere(s.Size[0], s.Rings, s.Segments)
	case ShapeTorus:
		verts = core.Torus(s.Size[0], s.Size[1], s.Rings, s.Segments)
	case ShapeBox:
		verts = core.Box(mgl32.Vec3{s.Size[0], s.Size[1], s.Size[2]})
	}
	surf := core.NewSurface(s.Name, verts, mgl32.Vec4(s.Color))
	s.Pose(surf.Transform)
	return surf
}

// Pose writes the configured placement into t.
func (s *SurfaceConfig) Pose(t *core.Transform) {
	scale := mgl32.Vec3(s.Scale)
	if scale == (mgl32.Vec3{}) {
		scale = mgl32.Vec3{1, 1, 1}
	}
	t.SetPosition(mgl32.Vec3(s.Position))
	t.SetEuler(mgl32.Vec3(s.Rotation))
	t.SetScale(scale)
}

// Changes says which parts of the pipeline a switch from c to next touches.
type Changes struct {
	Resolution bool
	Geometry   bool
	Pose       bool
	Diffusion  bool
}

func (c Changes) Any() bool { return c.Resolution || c.Geometry || c.Pose || c.Diffusion }

func Diff(c, next *Config) Changes {
	var ch Changes
	ch.Resolution = c.Resolution != next.Resolution
	ch.Diffusion = c.Iterations != next.Iterations ||
		c.IsoValue != next.IsoValue ||
		c.ShowIsoColor != next.ShowIsoColor
	if len(c.Surfaces) != len(next.Surfaces) {
		ch.Geometry = true
		return ch
	}
	for i := range c.Surfaces {
		a, b := c.Surfaces[i], next.Surfaces[i]
		if a.Shape != b.Shape || a.Rings != b.Rings || a.Segments != b.Segments ||
			!slices.Equal(a.Size, b.Size) || a.Color != b.Color || a.Name != b.Name {
			ch.Geometry = true
		}
		if a.Position != b.Position || a.Rotation != b.Rotation || a.Scale != b.Scale {
			ch.Pose = true
		}
	}
	return ch
}
