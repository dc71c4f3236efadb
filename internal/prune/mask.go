package prune

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/squeeze/internal/graph"
)

var ErrMaskMismatch = errors.New("mask does not match the network")

// Mask maps a group name to the sorted output channels to remove.
type Mask map[string][]int

// Count returns the number of masked channels.
func (m Mask) Count() int {
	n := 0
	for _, idx := range m {
		n += len(idx)
	}
	return n
}

// Clone returns a deep copy.
func (m Mask) Clone() Mask {
	out := make(Mask, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

// Validate checks that every entry names a group, lists sorted unique
// in-range channels and leaves at least one channel alive. An analysis
// whose network was already rebuilt accepts no mask.
func (m Mask) Validate(a *graph.Analysis) error {
	if a.Materialized() {
		return fmt.Errorf("%w: network already physically pruned", ErrMaskMismatch)
	}
	for name, idx := range m {
		g, ok := a.Group(name)
		if !ok {
			return fmt.Errorf("%w: unknown group %q", ErrMaskMismatch, name)
		}
		for i, c := range idx {
			if c < 0 || c >= g.OutChannels {
				return fmt.Errorf("%w: group %q channel %d out of range [0,%d)", ErrMaskMismatch, name, c, g.OutChannels)
			}
			if i > 0 && idx[i-1] >= c {
				return fmt.Errorf("%w: group %q channels are not sorted and unique", ErrMaskMismatch, name)
			}
		}
		if len(idx) >= g.OutChannels {
			return fmt.Errorf("%w: group %q would lose every channel", ErrMaskMismatch, name)
		}
	}
	return nil
}

// Keep returns the complement of the masked channels for a group of
// channels outputs.
func (m Mask) Keep(name string, channels int) []int {
	drop := m[name]
	out := make([]int, 0, channels-len(drop))
	for c := range channels {
		if _, found := slices.BinarySearch(drop, c); !found {
			out = append(out, c)
		}
	}
	return out
}

// WriteMask encodes m as JSON.
func WriteMask(w io.Writer, m Mask) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// ReadMask decodes a mask and normalises its channel lists.
func ReadMask(r io.Reader) (Mask, error) {
	var m Mask
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode mask: %w", err)
	}
	if m == nil {
		m = Mask{}
	}
	for k := range m {
		slices.Sort(m[k])
	}
	return m, nil
}

// Sparsity is the masked fraction of all prunable channels in a.
func (m Mask) Sparsity(a *graph.Analysis) float64 {
	total := 0
	for _, g := range a.List() {
		if g.Prunable() {
			total += g.OutChannels
		}
	}
	if total == 0 {
		return 0
	}
	return float64(m.Count()) / float64(total)
}
