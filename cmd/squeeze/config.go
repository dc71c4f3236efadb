package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the user configuration file (~/.config/squeeze/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Model   string `yaml:"model"`
	Classes *int   `yaml:"classes"`
	Seed    *int64 `yaml:"seed"`

	OutputPath   string `yaml:"output_path"`
	DeviceTarget string `yaml:"device_target"`
	Rank         *int   `yaml:"rank"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "squeeze", "config.yaml")
}

// LoadConfig reads the config file. A missing or malformed file yields a
// zero Config.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	cfg, err := readConfig(path)
	if err != nil {
		return Config{}
	}
	return cfg
}

func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// flagSetter reports whether a flag was given on the command line.
type flagSetter interface {
	IsSet(name string) bool
}

var _ flagSetter = (*cli.Command)(nil)

func applyLoggingConfig(c flagSetter, cfg Config, level, format *string) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		*level = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		*format = cfg.LogFormat
	}
}

// applyModelConfig applies config defaults to the model flags that were
// not explicitly set.
func applyModelConfig(c flagSetter, cfg Config, model *string, classes *int, seed *int64) {
	if cfg.Model != "" && !c.IsSet("model") {
		*model = cfg.Model
	}
	if cfg.Classes != nil && !c.IsSet("classes") {
		*classes = *cfg.Classes
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}

func applyPruneConfig(c flagSetter, cfg Config, output, device *string, rank *int) {
	if cfg.OutputPath != "" && !c.IsSet("output") {
		*output = cfg.OutputPath
	}
	if cfg.DeviceTarget != "" && !c.IsSet("device") {
		*device = cfg.DeviceTarget
	}
	if cfg.Rank != nil && !c.IsSet("rank") {
		*rank = *cfg.Rank
	}
}

func applyServeConfig(c flagSetter, cfg Config, addr, dir *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.OutputPath != "" && !c.IsSet("dir") {
		*dir = cfg.OutputPath
	}
}
