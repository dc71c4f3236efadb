package algo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/samcharles93/squeeze/internal/device"
	"github.com/samcharles93/squeeze/internal/graph"
	"github.com/samcharles93/squeeze/internal/logger"
	"github.com/samcharles93/squeeze/internal/prune"
)

// Artifact is a network snapshot handed to an Exporter.
type Artifact struct {
	Name    string
	Epoch   int
	Network *graph.Network
	Mask    prune.Mask
	// Channels holds the original output width of every prunable group.
	Channels     map[string]int
	InputShape   []int
	DeviceTarget string
	// Export requests the deployable graph in addition to the weights.
	Export bool
}

// Exporter persists artifacts. Checkpoint writers implement it.
type Exporter interface {
	Export(ctx context.Context, a Artifact) error
}

// Run is the training-loop state passed to epoch hooks. Epochs count from 1.
type Run struct {
	Epoch       int
	TotalEpochs int
	Network     *graph.Network
}

// UniPruner zeroes low-importance channel buckets on an epoch schedule and
// physically removes them once training ends.
type UniPruner struct {
	cfg      PrunerConfig
	dir      string
	callback *PrunerCallback
	analysis *graph.Analysis
	exporter Exporter
}

// NewUniPruner validates cfg and creates the output directory
// <output_path>/<exp_name>. exporter may be nil, in which case artifacts
// are only logged.
func NewUniPruner(cfg PrunerConfig, exporter Exporter) (*UniPruner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dir := filepath.Join(cfg.OutputPath, cfg.ExpName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &UniPruner{
		cfg:      cfg,
		dir:      dir,
		exporter: exporter,
		callback: &PrunerCallback{
			cfg:      cfg,
			exporter: exporter,
			export:   cfg.DeviceTarget == device.Ascend,
		},
	}, nil
}

func (p *UniPruner) Config() PrunerConfig { return p.cfg }

// OutputDir is where artifacts of this experiment belong.
func (p *UniPruner) OutputDir() string { return p.dir }

// Apply analyzes net once with a ones tensor of input_size. A topology the
// analyzer rejects aborts the whole algorithm.
func (p *UniPruner) Apply(ctx context.Context, net *graph.Network) (*graph.Network, error) {
	an, err := graph.Analyze(ctx, net, p.cfg.InputSize)
	if err != nil {
		return nil, fmt.Errorf("analyze network: %w", err)
	}
	p.analysis = an
	p.callback.analysis = an
	return net, nil
}

// Analysis returns the cached analysis, or nil before Apply.
func (p *UniPruner) Analysis() *graph.Analysis { return p.analysis }

// Callback returns the epoch hooks to register with the training loop.
func (p *UniPruner) Callback() *PrunerCallback { return p.callback }

// Convert physically prunes net with mask, when one is given, and exports
// it as <exp_name>_<tag>_<rank>. A nil mask exports the network as is.
func (p *UniPruner) Convert(ctx context.Context, net *graph.Network, mask prune.Mask, tag string, epoch int) error {
	if p.analysis == nil {
		return ErrNotApplied
	}
	if net != p.analysis.Network {
		return fmt.Errorf("%w: convert called with a different network", ErrInvalidConfig)
	}
	if mask != nil {
		if err := prune.PruneNetwork(ctx, p.analysis, mask); err != nil {
			return err
		}
	}
	a := Artifact{
		Name:         fmt.Sprintf("%s_%s_%d", p.cfg.ExpName, tag, p.cfg.Rank),
		Epoch:        epoch,
		Network:      net,
		Mask:         mask,
		Channels:     channels(p.analysis),
		InputShape:   slices.Clone(p.cfg.InputSize),
		DeviceTarget: p.cfg.DeviceTarget,
		Export:       true,
	}
	return emit(ctx, p.exporter, a)
}

// PrunerCallback holds the epoch hooks of a UniPruner.
type PrunerCallback struct {
	cfg      PrunerConfig
	analysis *graph.Analysis
	exporter Exporter
	export   bool
	mask     prune.Mask
	events   int
}

// Mask returns a copy of the most recent mask.
func (c *PrunerCallback) Mask() prune.Mask { return c.mask.Clone() }

// Events is the number of zeroing events run so far.
func (c *PrunerCallback) Events() int { return c.events }

// OnEpochBegin zeroes the network on epochs 1, 1+frequency, 1+2*frequency...
func (c *PrunerCallback) OnEpochBegin(ctx context.Context, run Run) error {
	if c.cfg.PruneFlag == 0 {
		return nil
	}
	if (run.Epoch-1)%c.cfg.Frequency != 0 {
		return nil
	}
	logger.FromContext(ctx).Info("zeroing before epoch", "epoch", run.Epoch, "rank", c.cfg.Rank)
	return c.zero(ctx, run)
}

// OnEpochEnd runs the final zeroing on rank 0 after the last epoch and
// always exports it.
func (c *PrunerCallback) OnEpochEnd(ctx context.Context, run Run) error {
	if c.cfg.PruneFlag == 0 {
		return nil
	}
	if run.Epoch != run.TotalEpochs || c.cfg.Rank != 0 {
		return nil
	}
	c.export = true
	logger.FromContext(ctx).Info("final zeroing", "epoch", run.Epoch, "rank", c.cfg.Rank)
	return c.zero(ctx, run)
}

func (c *PrunerCallback) zero(ctx context.Context, run Run) error {
	if c.analysis == nil {
		return ErrNotApplied
	}
	if c.analysis.Materialized() {
		return fmt.Errorf("%w: zeroing after convert", prune.ErrMaskMismatch)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	groups := c.analysis.List()
	imps := prune.Importances(groups, c.cfg.FilterLowerThreshold)
	mask, st, err := prune.ComputeMask(groups, imps, c.cfg.Options())
	if err != nil {
		return err
	}
	if err := prune.ApplyMask(c.analysis, mask); err != nil {
		return err
	}
	c.mask = mask
	c.events++

	log := logger.FromContext(ctx)
	if st.Sparsity() < c.cfg.TargetSparsity {
		log.Warn("target sparsity not reachable",
			"target", c.cfg.TargetSparsity,
			"sparsity", st.Sparsity(),
		)
	}
	log.Info("zeroing done",
		"rank", c.cfg.Rank,
		"epoch", run.Epoch,
		"sparsity", st.Sparsity(),
		"channels", st.Selected,
	)

	net := run.Network
	if net == nil {
		net = c.analysis.Network
	}
	return emit(ctx, c.exporter, Artifact{
		Name:         fmt.Sprintf("%s_zeroed_rank%d", c.cfg.ExpName, c.cfg.Rank),
		Epoch:        run.Epoch,
		Network:      net,
		Mask:         mask.Clone(),
		Channels:     channels(c.analysis),
		InputShape:   slices.Clone(c.cfg.InputSize),
		DeviceTarget: c.cfg.DeviceTarget,
		Export:       c.export,
	})
}

func channels(a *graph.Analysis) map[string]int {
	out := make(map[string]int)
	for _, g := range a.List() {
		if g.Prunable() {
			out[g.Name] = g.OutChannels
		}
	}
	return out
}

func emit(ctx context.Context, e Exporter, a Artifact) error {
	if e == nil {
		logger.FromContext(ctx).Debug("no exporter, dropping artifact", "name", a.Name, "epoch", a.Epoch)
		return nil
	}
	if err := e.Export(ctx, a); err != nil {
		return fmt.Errorf("export %s: %w", a.Name, err)
	}
	return nil
}
