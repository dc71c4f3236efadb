package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/squeeze/internal/algo"
	"github.com/samcharles93/squeeze/internal/checkpoint"
	"github.com/samcharles93/squeeze/internal/device"
	"github.com/samcharles93/squeeze/internal/graph"
	"github.com/samcharles93/squeeze/internal/logger"
	"github.com/samcharles93/squeeze/internal/prune"
	"github.com/samcharles93/squeeze/internal/zoo"
)

func convertCmd() *cli.Command {
	var (
		maskPath    string
		weightsPath string
		expName     string
		output      string
		tag         string
		epoch       int
	)
	return &cli.Command{
		Name:  "convert",
		Usage: "Physically remove masked channels from a reference network and export it",
		Flags: append(modelFlags(),
			&cli.StringFlag{Name: "mask", Usage: "mask json written by prune", Destination: &maskPath},
			&cli.StringFlag{Name: "weights", Aliases: []string{"w"}, Usage: "safetensors checkpoint to restore before pruning", Destination: &weightsPath},
			&cli.StringFlag{Name: "exp-name", Usage: "experiment name used in the artifact name", Value: "squeeze", Destination: &expName},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output root; the artifact goes to <output>/<exp-name>", Value: "out", Destination: &output},
			&cli.StringFlag{Name: "tag", Usage: "artifact tag", Value: "pruned", Destination: &tag},
			&cli.IntFlag{Name: "epoch", Usage: "epoch recorded in the artifact", Destination: &epoch},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyModelConfig(cmd, cfg, &modelName, &classes, &seed)
			if cfg.OutputPath != "" && !cmd.IsSet("output") {
				output = cfg.OutputPath
			}
			if maskPath == "" && weightsPath == "" {
				return errors.New("convert: --mask or --weights is required")
			}

			m, err := zoo.New(modelName, classes, seed)
			if err != nil {
				return err
			}

			var mask prune.Mask
			if weightsPath != "" {
				f, err := checkpoint.Open(weightsPath)
				if err != nil {
					return err
				}
				skipped, err := checkpoint.Restore(f, m.Network)
				if err != nil {
					return err
				}
				if len(skipped) > 0 {
					log.Warn("parameters missing from checkpoint", "count", len(skipped), "first", skipped[0])
				}
				if mask, err = checkpoint.MaskFromKeep(f); err != nil {
					return err
				}
			}
			if maskPath != "" {
				if mask, err = checkpoint.LoadMask(maskPath); err != nil {
					return err
				}
			}

			an, err := graph.Analyze(ctx, m.Network, m.InputShape)
			if err != nil {
				return err
			}
			channels := make(map[string]int)
			for _, g := range an.List() {
				if g.Prunable() {
					channels[g.Name] = g.OutChannels
				}
			}
			sparsity := mask.Sparsity(an)
			if err := prune.PruneNetwork(ctx, an, mask); err != nil {
				return err
			}

			w, err := checkpoint.NewWriter(filepath.Join(output, expName))
			if err != nil {
				return err
			}
			name := fmt.Sprintf("%s_%s", expName, tag)
			if err := w.Export(ctx, algo.Artifact{
				Name:         name,
				Epoch:        epoch,
				Network:      m.Network,
				Mask:         mask,
				Channels:     channels,
				InputShape:   slices.Clone(m.InputShape),
				DeviceTarget: device.CPU,
				Export:       true,
			}); err != nil {
				return err
			}
			log.Info("converted",
				"model", m.Name,
				"groups", slices.Sorted(maps.Keys(mask)),
				"removed", mask.Count(),
				"sparsity", sparsity,
				"out", w.Base(name, epoch),
			)
			return nil
		},
	}
}
