package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/squeeze/internal/device"
	"github.com/samcharles93/squeeze/internal/fakequant"
	"github.com/samcharles93/squeeze/internal/tensor"
)

func fakequantCmd() *cli.Command {
	var (
		bits      int
		symmetric bool
		narrow    bool
		lo, hi    float64
	)
	return &cli.Command{
		Name:      "fakequant",
		Usage:     "Fake-quantize values and print the nudged scale and zero point",
		ArgsUsage: "VALUE...",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "bits", Aliases: []string{"b"}, Usage: "quantization width (4, 7, 8)", Value: 8, Destination: &bits},
			&cli.BoolFlag{Name: "symmetric", Usage: "symmetric range", Destination: &symmetric},
			&cli.BoolFlag{Name: "narrow-range", Usage: "drop the lowest code", Destination: &narrow},
			&cli.FloatFlag{Name: "min", Usage: "range minimum (defaults to the smallest value)", Destination: &lo},
			&cli.FloatFlag{Name: "max", Usage: "range maximum (defaults to the largest value)", Destination: &hi},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) == 0 {
				return errors.New("fakequant: at least one value is required")
			}
			vals := make([]float64, len(args))
			for i, a := range args {
				v, err := strconv.ParseFloat(a, 32)
				if err != nil {
					return fmt.Errorf("fakequant: value %q: %w", a, err)
				}
				vals[i] = v
			}
			if !cmd.IsSet("min") {
				lo = floats.Min(vals)
			}
			if !cmd.IsSet("max") {
				hi = floats.Max(vals)
			}

			cfg := fakequant.Config{NumBits: bits, Symmetric: symmetric, NarrowRange: narrow, Device: device.CPU}
			if err := cfg.Validate("FakeQuantPerLayer"); err != nil {
				return err
			}
			x := tensor.New(len(vals))
			for i, v := range vals {
				x.Data[i] = float32(v)
			}
			y, scale, zp := fakequant.Quantize(x, float32(lo), float32(hi), cfg)
			n := fakequant.Nudge(float32(lo), float32(hi), cfg)

			out := cmd.Root().Writer
			if out == nil {
				out = os.Stdout
			}
			_, _ = fmt.Fprintf(out, "scale=%g zero_point=%g range=[%g, %g] codes=[%g, %g]\n\n", scale, zp, n.Min, n.Max, n.QMin, n.QMax)
			tbl := tablewriter.NewWriter(out)
			tbl.Header("Value", "Quantized", "Code", "Error")
			for i, v := range x.Data {
				_ = tbl.Append([]string{
					strconv.FormatFloat(float64(v), 'g', 6, 32),
					strconv.FormatFloat(float64(y.Data[i]), 'g', 6, 32),
					strconv.Itoa(int(n.Code(v))),
					strconv.FormatFloat(float64(y.Data[i]-v), 'g', 3, 32),
				})
			}
			return tbl.Render()
		},
	}
}
