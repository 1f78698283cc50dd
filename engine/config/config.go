// Package config holds the engine settings read from a TOML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

const (
	DriverVulkan   = "vulkan"
	DriverSoftware = "software"
)

type Config struct {
	Application ApplicationConfig `toml:"application"`
	Renderer    RendererConfig    `toml:"renderer"`
	Assets      AssetsConfig      `toml:"assets"`
	Log         LogConfig         `toml:"log"`
}

type ApplicationConfig struct {
	Name string `toml:"name"`
	// Windows is the number of windows opened at startup.
	Windows int    `toml:"windows"`
	Width   uint32 `toml:"width"`
	Height  uint32 `toml:"height"`
	X       int32  `toml:"x"`
	Y       int32  `toml:"y"`
	// Headless replaces desktop windows with off-screen surfaces.
	Headless bool `toml:"headless"`
	// MaxFrames stops the run loop after that many frames. Zero runs until
	// every window is closed.
	MaxFrames uint64 `toml:"max_frames"`
}

type RendererConfig struct {
	Driver     string `toml:"driver"`
	Validation bool   `toml:"validation"`
	// FramesInFlight is the buffering depth N shared by every window.
	FramesInFlight     int      `toml:"frames_in_flight"`
	SampleCount        int      `toml:"sample_count"`
	SurfaceFormat      string   `toml:"surface_format"`
	DepthFormat        string   `toml:"depth_format"`
	AllocatorBlockSize uint64   `toml:"allocator_block_size"`
	Features           []string `toml:"features"`
	DeviceExtensions   []string `toml:"device_extensions"`
	// MetricsInterval is how many frames pass between two frame time reports.
	MetricsInterval uint64 `toml:"metrics_interval"`
}

type AssetsConfig struct {
	Root       string `toml:"root"`
	ShaderDir  string `toml:"shader_dir"`
	FontFile   string `toml:"font_file"`
	HotReload  bool   `toml:"hot_reload"`
	Workers    int    `toml:"workers"`
	QueueDepth int    `toml:"queue_depth"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a configuration that runs without any file.
func Default() *Config {
	return &Config{
		Application: ApplicationConfig{
			Name:    "Lumen",
			Windows: 1,
			Width:   800,
			Height:  600,
			X:       100,
			Y:       100,
		},
		Renderer: RendererConfig{
			Driver:             DriverVulkan,
			FramesInFlight:     2,
			SampleCount:        4,
			SurfaceFormat:      driver.FormatB8G8R8A8Unorm.String(),
			DepthFormat:        driver.FormatD32Sfloat.String(),
			AllocatorBlockSize: 64 << 20,
			Features:           []string{"samplerAnisotropy"},
			MetricsInterval:    600,
		},
		Assets: AssetsConfig{
			Root:       "assets",
			ShaderDir:  "shaders",
			HotReload:  true,
			Workers:    2,
			QueueDepth: 64,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path on top of the defaults. Keys unknown to Config are an
// error so typos do not go unnoticed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var serr *toml.StrictMissingError
		if errors.As(err, &serr) {
			keys := make([]string, 0, len(serr.Errors))
			for _, e := range serr.Errors {
				keys = append(keys, strings.Join(e.Key(), "."))
			}
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("config line %d column %d: %w", row, col, err)
		}
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode writes the configuration back as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Application.Windows < 0 {
		errs = append(errs, fmt.Errorf("application.windows must not be negative, got %d", c.Application.Windows))
	}
	if c.Application.Width == 0 || c.Application.Height == 0 {
		errs = append(errs, fmt.Errorf("application window extent %dx%d is empty", c.Application.Width, c.Application.Height))
	}
	switch c.Renderer.Driver {
	case DriverVulkan, DriverSoftware:
	default:
		errs = append(errs, fmt.Errorf("unknown renderer.driver %q", c.Renderer.Driver))
	}
	if c.Application.Headless && c.Renderer.Driver == DriverVulkan {
		errs = append(errs, fmt.Errorf("application.headless needs renderer.driver %q, the vulkan driver presents to desktop windows only", DriverSoftware))
	}
	if c.Renderer.FramesInFlight < 1 {
		errs = append(errs, fmt.Errorf("renderer.frames_in_flight must be at least 1, got %d", c.Renderer.FramesInFlight))
	}
	if !driver.SampleCount(c.Renderer.SampleCount).Valid() {
		errs = append(errs, fmt.Errorf("renderer.sample_count %d is not a supported sample count", c.Renderer.SampleCount))
	}
	if _, ok := driver.ParseFormat(c.Renderer.SurfaceFormat); !ok {
		errs = append(errs, fmt.Errorf("unknown renderer.surface_format %q", c.Renderer.SurfaceFormat))
	}
	if f, ok := driver.ParseFormat(c.Renderer.DepthFormat); !ok || !f.IsDepth() {
		errs = append(errs, fmt.Errorf("renderer.depth_format %q is not a depth format", c.Renderer.DepthFormat))
	}
	if c.Renderer.AllocatorBlockSize < 1<<20 {
		errs = append(errs, fmt.Errorf("renderer.allocator_block_size must be at least 1MiB, got %d", c.Renderer.AllocatorBlockSize))
	}
	for _, name := range c.Renderer.Features {
		if _, ok := driver.ParseFeature(name); !ok {
			errs = append(errs, fmt.Errorf("unknown feature %q in renderer.features", name))
		}
	}
	if c.Assets.Workers < 1 || c.Assets.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("assets.workers and assets.queue_depth must be positive"))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// RequiredFeatures folds renderer.features into a feature set.
func (r RendererConfig) RequiredFeatures() driver.FeatureSet {
	var set driver.FeatureSet
	for _, name := range r.Features {
		f, _ := driver.ParseFeature(name)
		set |= f
	}
	return set
}

func (r RendererConfig) Format() driver.Format {
	f, _ := driver.ParseFormat(r.SurfaceFormat)
	return f
}

func (r RendererConfig) Depth() driver.Format {
	f, _ := driver.ParseFormat(r.DepthFormat)
	return f
}

func (r RendererConfig) Samples() driver.SampleCount {
	return driver.SampleCount(r.SampleCount)
}
