package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/squeeze/internal/api"
	"github.com/samcharles93/squeeze/internal/graph"
	"github.com/samcharles93/squeeze/internal/zoo"
)

func analyzeCmd() *cli.Command {
	var (
		asJSON    bool
		showNodes bool
	)
	return &cli.Command{
		Name:  "analyze",
		Usage: "Group a reference network into conv+bn layers and report how they connect",
		Flags: append(modelFlags(),
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON", Destination: &asJSON},
			&cli.BoolFlag{Name: "nodes", Usage: "also list every graph node", Destination: &showNodes},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, LoadConfig(), &modelName, &classes, &seed)
			m, err := zoo.New(modelName, classes, seed)
			if err != nil {
				return err
			}
			an, err := graph.Analyze(ctx, m.Network, m.InputShape)
			if err != nil {
				return err
			}
			out := cmd.Root().Writer
			if out == nil {
				out = os.Stdout
			}
			if asJSON {
				return writeAnalysisJSON(out, m, an, showNodes)
			}
			printGroups(out, m, an)
			if showNodes {
				printNodes(out, graph.Describe(m.Network))
			}
			return nil
		},
	}
}

func writeAnalysisJSON(w io.Writer, m *zoo.Model, an *graph.Analysis, withNodes bool) error {
	doc := map[string]any{
		"model":       m.Name,
		"input_shape": m.InputShape,
		"groups":      api.Report(an),
	}
	if withNodes {
		doc["nodes"] = graph.Describe(m.Network)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func printGroups(w io.Writer, m *zoo.Model, an *graph.Analysis) {
	reports := api.Report(an)
	prunable := 0
	for _, r := range reports {
		if r.Prunable && !r.Pinned {
			prunable++
		}
	}
	_, _ = fmt.Fprintf(w, "%s: input %v, %d groups (%d free to prune)\n\n", m.Name, m.InputShape, len(reports), prunable)
	tbl := tablewriter.NewWriter(w)
	tbl.Header("Group", "Role", "In", "Out", "Output shape", "BN", "Pinned", "Producer")
	for _, r := range reports {
		producer := r.Producer
		if producer == "" {
			producer = "-"
		}
		_ = tbl.Append([]string{
			r.Name,
			r.Role,
			strconv.Itoa(r.InChannels),
			strconv.Itoa(r.OutChannels),
			formatShape(r.OutputShape),
			yesNo(r.BatchNorm),
			yesNo(r.Pinned),
			producer,
		})
	}
	_ = tbl.Render()
}

func printNodes(w io.Writer, nodes []graph.NodeInfo) {
	_, _ = fmt.Fprintln(w)
	tbl := tablewriter.NewWriter(w)
	tbl.Header("ID", "Name", "Kind", "Op", "Inputs")
	for _, n := range nodes {
		inputs := make([]string, len(n.Inputs))
		for i, in := range n.Inputs {
			inputs[i] = strconv.Itoa(in)
		}
		_ = tbl.Append([]string{strconv.Itoa(n.ID), n.Name, n.Kind, n.Op, strings.Join(inputs, ",")})
	}
	_ = tbl.Render()
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
