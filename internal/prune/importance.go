// Package prune computes structured channel masks from conv+bn groups,
// zeroes the selected channels in place and rebuilds physically smaller
// layers from a final mask.
package prune

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/squeeze/internal/graph"
)

var ErrInvalidOptions = errors.New("invalid pruning options")

// Options control one zeroing event.
type Options struct {
	// Step is the bucket size: channels are removed Step at a time.
	Step int
	// FilterLowerThreshold is the minimum number of channels kept per layer.
	// Layers at or below it are never pruned.
	FilterLowerThreshold int
	// TargetSparsity is the fraction of prunable channels to remove.
	TargetSparsity float64
}

func (o Options) Validate() error {
	if o.Step <= 0 {
		return fmt.Errorf("%w: pruning_step must be > 0, got %d", ErrInvalidOptions, o.Step)
	}
	if o.FilterLowerThreshold < 0 {
		return fmt.Errorf("%w: filter_lower_threshold must be >= 0, got %d", ErrInvalidOptions, o.FilterLowerThreshold)
	}
	if !(o.TargetSparsity > 0 && o.TargetSparsity < 1) {
		return fmt.Errorf("%w: target_sparsity must be in (0, 1), got %v", ErrInvalidOptions, o.TargetSparsity)
	}
	return nil
}

// Importance holds per-output-channel scores for one group.
type Importance struct {
	Group  string
	Scores []float64
}

// Importances scores every output channel of every eligible group as the L2
// norm of its weight slice times |gamma|, or the bare norm when the group
// has no batchnorm. Groups with at most threshold channels are omitted.
func Importances(groups []*graph.LayerGroup, threshold int) []Importance {
	var out []Importance
	for _, g := range groups {
		if !g.Prunable() || g.OutChannels <= threshold {
			continue
		}
		w := g.Conv.Weight.Data
		var gamma []float32
		if g.BN != nil {
			gamma = g.BN.Gamma.Data.Data
		}
		scores := make([]float64, w.Dim(0))
		for c := range scores {
			vals := w.ChannelValues(0, c)
			buf := make([]float64, len(vals))
			for i, v := range vals {
				buf[i] = float64(v)
			}
			scores[c] = floats.Norm(buf, 2)
			if gamma != nil {
				scores[c] *= math.Abs(float64(gamma[c]))
			}
		}
		out = append(out, Importance{Group: g.Name, Scores: scores})
	}
	return out
}

type bucket struct {
	layer     int
	channels  []int
	criterion float64
}

// Stats summarises a computed mask.
type Stats struct {
	Selected int
	Total    int
}

// Sparsity is the selected fraction of prunable channels.
func (s Stats) Sparsity() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Selected) / float64(s.Total)
}

// ComputeMask buckets each layer's channels in index order, scores every
// bucket by (largest bucket median in the layer) / (bucket median), ranks
// buckets globally and selects them greedily until the target sparsity of
// all prunable channels in groups is reached. No layer loses more than
// C - FilterLowerThreshold channels or its last channel; when the target
// cannot be reached the largest reachable mask is returned.
func ComputeMask(groups []*graph.LayerGroup, imps []Importance, opts Options) (Mask, Stats, error) {
	if err := opts.Validate(); err != nil {
		return nil, Stats{}, err
	}
	var st Stats
	for _, g := range groups {
		if g.Prunable() {
			st.Total += g.OutChannels
		}
	}

	var buckets []bucket
	for li, imp := range imps {
		var medians []float64
		start := len(buckets)
		for lo := 0; lo < len(imp.Scores); lo += opts.Step {
			hi := min(lo+opts.Step, len(imp.Scores))
			ch := make([]int, 0, hi-lo)
			for c := lo; c < hi; c++ {
				ch = append(ch, c)
			}
			buckets = append(buckets, bucket{layer: li, channels: ch})
			medians = append(medians, median(imp.Scores[lo:hi]))
		}
		if len(medians) == 0 {
			continue
		}
		top := floats.Max(medians)
		for i, m := range medians {
			b := &buckets[start+i]
			if m == 0 {
				b.criterion = math.Inf(1)
			} else {
				b.criterion = top / m
			}
		}
	}
	slices.SortStableFunc(buckets, func(a, b bucket) int {
		return cmp.Compare(b.criterion, a.criterion)
	})

	mask := make(Mask)
	removed := make([]int, len(imps))
	goal := opts.TargetSparsity * float64(st.Total)
	for _, b := range buckets {
		if float64(st.Selected) >= goal {
			break
		}
		imp := imps[b.layer]
		limit := len(imp.Scores) - max(opts.FilterLowerThreshold, 1)
		if removed[b.layer]+len(b.channels) > limit {
			continue
		}
		removed[b.layer] += len(b.channels)
		mask[imp.Group] = append(mask[imp.Group], b.channels...)
		st.Selected += len(b.channels)
	}
	for k := range mask {
		slices.Sort(mask[k])
	}
	return mask, st, nil
}

func median(xs []float64) float64 {
	s := slices.Clone(xs)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
