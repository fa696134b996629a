// Package config provides configuration loading and management for stemimage.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"stemimage/pkg/stem"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Scan grid parameters
	Scan struct {
		// Rows is the number of scan lines; it becomes the image height
		Rows int `yaml:"rows"`

		// Columns is the number of positions per scan line; it becomes the image width
		Columns int `yaml:"columns"`
	} `yaml:"scan"`

	// Detector geometry
	Detector struct {
		// Width and Height are the frame dimensions in pixels
		Width  int `yaml:"width"`
		Height int `yaml:"height"`

		// Center optionally overrides the centre of the diffraction pattern
		Center *Point `yaml:"center,omitempty"`
	} `yaml:"detector"`

	// Virtual detector radii, in detector pixels
	Radii struct {
		// Inner bounds the bright-field disk and starts the dark-field annulus
		Inner int `yaml:"inner"`

		// Outer ends the dark-field annulus
		Outer int `yaml:"outer"`
	} `yaml:"radii"`

	// Processing parameters
	Processing struct {
		// Workers specifies how many goroutines reduce blocks in parallel
		Workers int `yaml:"workers"`
	} `yaml:"processing"`

	// Simulated acquisition parameters
	Simulation struct {
		// Seed makes the shot noise reproducible
		Seed uint64 `yaml:"seed"`

		// FramesPerBlock is the number of frames batched into one block
		FramesPerBlock int `yaml:"framesPerBlock"`

		// BeamRadius is the radius of the direct beam in pixels
		BeamRadius int `yaml:"beamRadius"`

		// BeamIntensity is the mean count per pixel inside the direct beam
		BeamIntensity float64 `yaml:"beamIntensity"`

		// ScatterIntensity is the mean count per pixel outside the direct beam
		ScatterIntensity float64 `yaml:"scatterIntensity"`
	} `yaml:"simulation"`

	// Output parameters
	Output struct {
		// Directory receives the exported images
		Directory string `yaml:"directory"`

		// Formats lists the export formats ("png", "tiff")
		Formats []string `yaml:"formats"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		// Development selects coloured console output and debug level
		Development bool `yaml:"development"`

		// File is the rotated log file; empty logs to the console only
		File string `yaml:"file"`
	} `yaml:"logging"`
}

// Point is a pixel coordinate on the detector
type Point struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default scan parameters
	cfg.Scan.Rows = 64
	cfg.Scan.Columns = 64

	// Set default detector parameters
	cfg.Detector.Width = 128
	cfg.Detector.Height = 128

	// Set default radii
	cfg.Radii.Inner = 16
	cfg.Radii.Outer = 48

	// Set default processing parameters
	cfg.Processing.Workers = runtime.NumCPU() // Use all available cores by default

	// Set default simulation parameters
	cfg.Simulation.Seed = 1
	cfg.Simulation.FramesPerBlock = 32
	cfg.Simulation.BeamRadius = 12
	cfg.Simulation.BeamIntensity = 200
	cfg.Simulation.ScatterIntensity = 4

	// Set default output parameters
	cfg.Output.Directory = "stem_output"
	cfg.Output.Formats = []string{"png"}
	cfg.Output.Verbose = true

	cfg.Logging.Development = true

	return cfg
}

// Validate checks that the configuration describes a usable run
func (c *Config) Validate() error {
	if c.Scan.Rows < 0 || c.Scan.Columns < 0 {
		return fmt.Errorf("scan grid must be non-negative, got %dx%d", c.Scan.Columns, c.Scan.Rows)
	}
	if c.Detector.Width <= 0 || c.Detector.Height <= 0 {
		return fmt.Errorf("detector size must be positive, got %dx%d", c.Detector.Width, c.Detector.Height)
	}
	if c.Simulation.FramesPerBlock <= 0 {
		return fmt.Errorf("framesPerBlock must be positive, got %d", c.Simulation.FramesPerBlock)
	}
	for _, f := range c.Output.Formats {
		if f != "png" && f != "tiff" {
			return fmt.Errorf("unknown output format %q", f)
		}
	}
	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("invalid radii: %w", err)
	}
	return nil
}

// Params converts the configuration into assembly parameters
func (c *Config) Params() stem.Params {
	p := stem.Params{
		Rows:        c.Scan.Rows,
		Columns:     c.Scan.Columns,
		InnerRadius: c.Radii.Inner,
		OuterRadius: c.Radii.Outer,
		Workers:     c.Processing.Workers,
	}
	if c.Detector.Center != nil {
		center := image.Pt(c.Detector.Center.X, c.Detector.Center.Y)
		p.Center = &center
	}
	return p
}

// Geometry returns the detector frame geometry
func (c *Config) Geometry() stem.Geometry {
	return stem.Geometry{Width: c.Detector.Width, Height: c.Detector.Height}
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
