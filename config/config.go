// Package config reads the server's config.yaml.
package config

import (
	"os"
	"slices"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"DnnBridge/engine"
	"DnnBridge/logger"
	"DnnBridge/preprocess"
)

// Network is the model served from startup.
type Network struct {
	Cfg     string  `yaml:"cfg"`
	Weights string  `yaml:"weights"`
	Width   int     `yaml:"width"`
	Height  int     `yaml:"height"`
	Scale   float64 `yaml:"scale"`
	Layer   string  `yaml:"layer"`
	Preload bool    `yaml:"preload"`
	// MaxSide caps the width and height a request may ask for.
	MaxSide int `yaml:"maxSide"`
}

type Config struct {
	RPCPort        int     `yaml:"RPCPort"`
	HTTPPort       int     `yaml:"HTTPPort"`
	MetricsPort    int     `yaml:"MetricsPort"`
	WorkersNum     int     `yaml:"workersNum"`
	InstanceClass  string  `yaml:"instanceClass"`
	Backend        string  `yaml:"backend"`
	ModelDir       string  `yaml:"modelDir"`
	Network        Network `yaml:"network"`
	InferTimeoutMs int     `yaml:"inferTimeoutMs"`
	UseRegServer   bool    `yaml:"UseRegServer"`
	RegServerHost  string  `yaml:"RegServerHost"`
	RegServerPort  int     `yaml:"RegServerPort"`
	LogMode        string  `yaml:"logMode"`
}

// Default returns the configuration used for every key missing from the file.
func Default() Config {
	return Config{
		RPCPort:        50051,
		HTTPPort:       8080,
		MetricsPort:    9090,
		WorkersNum:     1,
		InstanceClass:  "Cpu",
		ModelDir:       "models",
		Network:        Network{Width: 416, Height: 416, Scale: 1.0 / 255, MaxSide: 4096},
		InferTimeoutMs: 5000,
		LogMode:        logger.ModeProduction,
	}
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	c.fill()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// fill restores defaults for keys present in the file but left at zero.
func (c *Config) fill() {
	d := Default()
	if c.WorkersNum <= 0 {
		c.WorkersNum = d.WorkersNum
	}
	if c.InferTimeoutMs <= 0 {
		c.InferTimeoutMs = d.InferTimeoutMs
	}
	if c.ModelDir == "" {
		c.ModelDir = d.ModelDir
	}
	if c.LogMode == "" {
		c.LogMode = d.LogMode
	}
	if c.InstanceClass == "" {
		c.InstanceClass = d.InstanceClass
	}
	if c.Network.MaxSide == 0 {
		c.Network.MaxSide = d.Network.MaxSide
	}
}

// Validate reports every problem found, not only the first.
func (c Config) Validate() error {
	var err error
	for name, port := range map[string]int{"RPCPort": c.RPCPort, "HTTPPort": c.HTTPPort, "MetricsPort": c.MetricsPort} {
		if port < 0 || port > 65535 {
			err = multierr.Append(err, errors.Errorf("%s %d out of range", name, port))
		}
	}
	if c.Backend != "" && !slices.Contains(engine.Backends(), c.Backend) {
		err = multierr.Append(err, errors.Wrapf(engine.ErrUnknownBackend, "backend %q", c.Backend))
	}
	if c.Network.Width < 0 || c.Network.Height < 0 {
		err = multierr.Append(err, errors.Errorf("network size %dx%d is negative", c.Network.Width, c.Network.Height))
	}
	if c.Network.MaxSide <= 0 || c.Network.MaxSide > preprocess.MaxBlobSide {
		err = multierr.Append(err, errors.Errorf("network maxSide %d outside [1, %d]", c.Network.MaxSide, preprocess.MaxBlobSide))
	} else if c.Network.Width > c.Network.MaxSide || c.Network.Height > c.Network.MaxSide {
		err = multierr.Append(err, errors.Errorf("network size %dx%d exceeds maxSide %d",
			c.Network.Width, c.Network.Height, c.Network.MaxSide))
	}
	if c.Network.Scale <= 0 {
		err = multierr.Append(err, errors.Errorf("network scale %v must be positive", c.Network.Scale))
	}
	if c.Network.Preload && (c.Network.Cfg == "" || c.Network.Weights == "") {
		err = multierr.Append(err, errors.New("network.preload needs both cfg and weights"))
	}
	if c.LogMode != logger.ModeProduction && c.LogMode != logger.ModeDevelopment {
		err = multierr.Append(err, errors.Errorf("logMode %q is neither production nor development", c.LogMode))
	}
	if c.UseRegServer && (c.RegServerHost == "" || c.RegServerPort <= 0) {
		err = multierr.Append(err, errors.New("UseRegServer needs RegServerHost and RegServerPort"))
	}
	return err
}

// InferTimeout is InferTimeoutMs as a duration.
func (c Config) InferTimeout() time.Duration {
	return time.Duration(c.InferTimeoutMs) * time.Millisecond
}
