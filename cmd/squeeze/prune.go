package main

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/squeeze/internal/algo"
	"github.com/samcharles93/squeeze/internal/checkpoint"
	"github.com/samcharles93/squeeze/internal/logger"
	"github.com/samcharles93/squeeze/internal/zoo"
)

func pruneCmd() *cli.Command {
	var (
		configFile string
		epochs     int
		target     float64
		expName    string
		output     string
		device     string
		rank       int
		step       int
		threshold  int
		frequency  int
		convert    bool
	)
	return &cli.Command{
		Name:  "prune",
		Usage: "Drive the uniform channel pruner over a reference network and export its artifacts",
		Flags: append(modelFlags(),
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "pruner yaml config", Destination: &configFile},
			&cli.IntFlag{Name: "epochs", Usage: "total epochs to schedule", Value: 10, Destination: &epochs},
			&cli.FloatFlag{Name: "target-sparsity", Aliases: []string{"s"}, Usage: "fraction of prunable channels to remove", Value: 0.5, Destination: &target},
			&cli.StringFlag{Name: "exp-name", Usage: "experiment name used in artifact names", Value: "squeeze", Destination: &expName},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output root; artifacts go to <output>/<exp-name>", Value: "out", Destination: &output},
			&cli.StringFlag{Name: "device", Usage: "device target (CPU, GPU, Ascend)", Value: "CPU", Destination: &device},
			&cli.IntFlag{Name: "rank", Usage: "process rank; only rank 0 exports the final mask", Destination: &rank},
			&cli.IntFlag{Name: "pruning-step", Usage: "channels per bucket", Value: 32, Destination: &step},
			&cli.IntFlag{Name: "filter-lower-threshold", Usage: "layers with at most this many channels are not pruned", Value: 32, Destination: &threshold},
			&cli.IntFlag{Name: "frequency", Usage: "epochs between zeroing events", Value: 9, Destination: &frequency},
			&cli.BoolFlag{Name: "convert", Usage: "physically prune the network with the final mask", Destination: &convert},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfgFile := LoadConfig()
			applyModelConfig(cmd, cfgFile, &modelName, &classes, &seed)
			applyPruneConfig(cmd, cfgFile, &output, &device, &rank)

			m, err := zoo.New(modelName, classes, seed)
			if err != nil {
				return err
			}

			cfg := algo.DefaultPrunerConfig()
			if configFile != "" {
				if cfg, err = algo.LoadPrunerConfig(configFile); err != nil {
					return err
				}
			} else {
				cfg.InputSize = slices.Clone(m.InputShape)
			}
			overrides := []struct {
				flag  string
				apply func()
			}{
				{"target-sparsity", func() { cfg.TargetSparsity = target }},
				{"exp-name", func() { cfg.ExpName = expName }},
				{"output", func() { cfg.OutputPath = output }},
				{"device", func() { cfg.DeviceTarget = device }},
				{"rank", func() { cfg.Rank = rank }},
				{"pruning-step", func() { cfg.PruningStep = step }},
				{"filter-lower-threshold", func() { cfg.FilterLowerThreshold = threshold }},
				{"frequency", func() { cfg.Frequency = frequency }},
			}
			for _, o := range overrides {
				// Flags only win over a config file when given explicitly.
				if configFile == "" || cmd.IsSet(o.flag) {
					o.apply()
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			writer, err := checkpoint.NewWriter(filepath.Join(cfg.OutputPath, cfg.ExpName))
			if err != nil {
				return err
			}
			pruner, err := algo.NewUniPruner(cfg, writer)
			if err != nil {
				return err
			}
			net, err := pruner.Apply(ctx, m.Network)
			if err != nil {
				return err
			}
			log.Info("pruning",
				"model", m.Name,
				"groups", pruner.Analysis().Groups.Len(),
				"epochs", epochs,
				"target", cfg.TargetSparsity,
				"dir", pruner.OutputDir(),
				"run_id", writer.RunID(),
			)

			cb := pruner.Callback()
			if err := algo.Schedule(ctx, net, epochs, nil, cb); err != nil {
				return err
			}
			mask := cb.Mask()
			log.Info("schedule finished",
				"events", cb.Events(),
				"channels", mask.Count(),
				"sparsity", mask.Sparsity(pruner.Analysis()),
			)

			if convert && cb.Events() > 0 {
				if err := pruner.Convert(ctx, net, mask, "pruned", epochs); err != nil {
					return fmt.Errorf("convert: %w", err)
				}
				log.Info("exported pruned network", "name", fmt.Sprintf("%s_pruned_%d", cfg.ExpName, cfg.Rank))
			}
			return nil
		},
	}
}
