package setup

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/qemud/arch"
	"github.com/cochaviz/qemud/internal/definition"
	"github.com/cochaviz/qemud/internal/driver"
)

// Duration is a time.Duration written as "30s" or "5m" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	if parsed < 0 {
		return fmt.Errorf("line %d: negative duration %s", node.Line, raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config mirrors qemud.yaml. Empty fields keep the driver defaults.
type Config struct {
	VNCListen      string   `yaml:"vnc_listen,omitempty"`
	MonitorTimeout Duration `yaml:"monitor_timeout,omitempty"`
	MigrateTimeout Duration `yaml:"migrate_timeout,omitempty"`
	BinaryDir      string   `yaml:"binary_dir,omitempty"`
	MetricsAddress string   `yaml:"metrics_address,omitempty"`
	Dnsmasq        string   `yaml:"dnsmasq,omitempty"`
	StateDir       string   `yaml:"state_dir,omitempty"`
}

// Load reads the config file at path. A missing file yields the zero Config.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		getLogger().Debug("no configuration file", "path", path)
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	getLogger().Info("loaded configuration", "path", path)
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Driver builds the driver configuration for paths with cfg applied.
func (c Config) Driver(p Paths, logger *slog.Logger) driver.Config {
	stateDir := p.StateDir
	if c.StateDir != "" {
		stateDir = c.StateDir
	}
	return driver.Config{
		ConfigDir:      p.ConfigDir,
		LogDir:         p.LogDir,
		StateDir:       stateDir,
		VNCListen:      c.VNCListen,
		MonitorTimeout: time.Duration(c.MonitorTimeout),
		MigrateTimeout: time.Duration(c.MigrateTimeout),
		Dnsmasq:        c.Dnsmasq,
		Logger:         logger,
	}
}

// Options returns the driver options implied by cfg.
func (c Config) Options() []driver.Option {
	if c.BinaryDir == "" {
		return nil
	}
	return []driver.Option{driver.WithBinaryLocator(c.locateBinary)}
}

// locateBinary resolves the default emulator for a definition inside
// BinaryDir instead of the system binary directory.
func (c Config) locateBinary(virt definition.VirtType, a arch.Architecture) (string, error) {
	path, err := definition.LocateBinary(virt, a)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.BinaryDir, filepath.Base(path)), nil
}
