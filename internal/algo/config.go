// Package algo wires the graph analyzer, the mask engine and the quantizer
// templates into the compression algorithms a training loop drives: the
// uniform channel pruner with its epoch callback, simulated and learned
// step size quantization-aware training, and the SLB temperature schedule.
package algo

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/squeeze/internal/device"
	"github.com/samcharles93/squeeze/internal/prune"
)

var (
	ErrInvalidConfig  = errors.New("invalid algorithm config")
	ErrNotImplemented = errors.New("not implemented")
	ErrNotApplied     = errors.New("algorithm has not been applied to a network")
)

// PrunerConfig holds the uniform pruner settings as read from yaml.
type PrunerConfig struct {
	// TargetSparsity is the fraction of prunable channels removed.
	TargetSparsity float64 `yaml:"target_sparsity"`
	// Frequency is the number of epochs between zeroing events.
	Frequency            int `yaml:"frequency"`
	PruningStep          int `yaml:"pruning_step"`
	FilterLowerThreshold int `yaml:"filter_lower_threshold"`
	// PruneFlag disables every callback action when zero.
	PruneFlag    int    `yaml:"prune_flag"`
	InputSize    []int  `yaml:"input_size"`
	Rank         int    `yaml:"rank"`
	DeviceTarget string `yaml:"device_target"`
	ExpName      string `yaml:"exp_name"`
	OutputPath   string `yaml:"output_path"`
}

// DefaultPrunerConfig returns the documented defaults. TargetSparsity,
// ExpName and OutputPath have none and must be filled in.
func DefaultPrunerConfig() PrunerConfig {
	return PrunerConfig{
		Frequency:            9,
		PruningStep:          32,
		FilterLowerThreshold: 32,
		PruneFlag:            1,
		InputSize:            []int{16, 3, 224, 224},
		DeviceTarget:         device.Ascend,
	}
}

// LoadPrunerConfig reads a yaml file over the defaults and validates it.
func LoadPrunerConfig(path string) (PrunerConfig, error) {
	cfg := DefaultPrunerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read pruner config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse pruner config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate normalises DeviceTarget and rejects inconsistent values.
func (c *PrunerConfig) Validate() error {
	if err := c.Options().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Frequency <= 0 {
		return fmt.Errorf("%w: frequency must be > 0, got %d", ErrInvalidConfig, c.Frequency)
	}
	if c.PruneFlag != 0 && c.PruneFlag != 1 {
		return fmt.Errorf("%w: prune_flag must be 0 or 1, got %d", ErrInvalidConfig, c.PruneFlag)
	}
	if len(c.InputSize) != 4 {
		return fmt.Errorf("%w: input_size must be (N, C, H, W), got %v", ErrInvalidConfig, c.InputSize)
	}
	for _, d := range c.InputSize {
		if d <= 0 {
			return fmt.Errorf("%w: input_size dimensions must be positive, got %v", ErrInvalidConfig, c.InputSize)
		}
	}
	if c.Rank < 0 {
		return fmt.Errorf("%w: rank must be >= 0, got %d", ErrInvalidConfig, c.Rank)
	}
	if c.ExpName == "" {
		return fmt.Errorf("%w: exp_name is required", ErrInvalidConfig)
	}
	if c.OutputPath == "" {
		return fmt.Errorf("%w: output_path is required", ErrInvalidConfig)
	}
	target, err := device.Normalize(c.DeviceTarget)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c.DeviceTarget = target
	return nil
}

// Options returns the mask engine settings.
func (c PrunerConfig) Options() prune.Options {
	return prune.Options{
		Step:                 c.PruningStep,
		FilterLowerThreshold: c.FilterLowerThreshold,
		TargetSparsity:       c.TargetSparsity,
	}
}
