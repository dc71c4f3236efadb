package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/samcharles93/squeeze/internal/algo"
	"github.com/samcharles93/squeeze/internal/graph"
	"github.com/samcharles93/squeeze/internal/logger"
	"github.com/samcharles93/squeeze/internal/nn"
	"github.com/samcharles93/squeeze/internal/prune"
	"github.com/samcharles93/squeeze/internal/version"
)

const (
	weightsSuffix = ".safetensors"
	maskSuffix    = "_mask.json"
	graphSuffix   = "_graph.json"
	maskPrefix    = "mask."
)

// Writer exports artifacts into one directory. Every file it writes
// carries the same run id.
type Writer struct {
	dir   string
	runID string
}

var _ algo.Exporter = (*Writer)(nil)

// NewWriter creates dir when needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Writer{dir: dir, runID: uuid.NewString()}, nil
}

func (w *Writer) Dir() string   { return w.dir }
func (w *Writer) RunID() string { return w.runID }

// Base returns the path prefix shared by the files of one artifact.
func (w *Writer) Base(name string, epoch int) string {
	return artifactBase(w.dir, name, epoch)
}

// MaskPath is the mask file Export writes for name at epoch inside dir.
func MaskPath(dir, name string, epoch int) string {
	return artifactBase(dir, name, epoch) + maskSuffix
}

func artifactBase(dir, name string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d", name, epoch))
}

// Export writes <name>_<epoch>.safetensors with every parameter as F32 and
// one F16 keep mask per prunable group, <name>_<epoch>_mask.json when the
// artifact has a mask and, for exported artifacts, <name>_<epoch>_graph.json.
func (w *Writer) Export(ctx context.Context, a algo.Artifact) error {
	if a.Network == nil {
		return fmt.Errorf("export %s: no network", a.Name)
	}
	base := w.Base(a.Name, a.Epoch)

	var entries []Entry
	for _, p := range a.Network.Parameters() {
		entries = append(entries, Entry{Name: p.Name, DType: DTypeF32, Shape: slices.Clone(p.Data.Shape), Data: p.Data.Data})
	}
	groups := make([]string, 0, len(a.Channels))
	for name := range a.Channels {
		groups = append(groups, name)
	}
	slices.Sort(groups)
	for _, name := range groups {
		n := a.Channels[name]
		keep := make([]float32, n)
		for i := range keep {
			keep[i] = 1
		}
		for _, c := range a.Mask[name] {
			if c >= 0 && c < n {
				keep[c] = 0
			}
		}
		entries = append(entries, Entry{Name: maskPrefix + name, DType: DTypeF16, Shape: []int{n}, Data: keep})
	}

	shape, err := json.Marshal(a.InputShape)
	if err != nil {
		return err
	}
	meta := map[string]string{
		"run_id":        w.runID,
		"producer":      version.Producer(),
		"name":          a.Name,
		"epoch":         strconv.Itoa(a.Epoch),
		"device_target": a.DeviceTarget,
		"input_shape":   string(shape),
		"export":        strconv.FormatBool(a.Export),
		"created":       time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeAtomic(base+weightsSuffix, func(f *os.File) error { return Write(f, entries, meta) }); err != nil {
		return err
	}
	if a.Mask != nil {
		if err := writeAtomic(base+maskSuffix, func(f *os.File) error { return prune.WriteMask(f, a.Mask) }); err != nil {
			return err
		}
	}
	if a.Export {
		if err := writeAtomic(base+graphSuffix, func(f *os.File) error {
			enc := json.NewEncoder(f)
			enc.SetIndent("", "  ")
			return enc.Encode(graph.Describe(a.Network))
		}); err != nil {
			return err
		}
	}
	logger.FromContext(ctx).Info("exported artifact",
		"name", a.Name,
		"epoch", a.Epoch,
		"tensors", len(entries),
		"masked", a.Mask.Count(),
		"graph", a.Export,
	)
	return nil
}

func writeAtomic(path string, fill func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadMask reads a mask JSON file.
func LoadMask(path string) (prune.Mask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return prune.ReadMask(f)
}

// KeepMasks decodes the per-group keep masks of a checkpoint.
func KeepMasks(f *File) (map[string][]bool, error) {
	out := make(map[string][]bool)
	for _, name := range f.Names() {
		group, ok := strings.CutPrefix(name, maskPrefix)
		if !ok {
			continue
		}
		vals, _, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, err
		}
		keep := make([]bool, len(vals))
		for i, v := range vals {
			keep[i] = v != 0
		}
		out[group] = keep
	}
	return out, nil
}

// MaskFromKeep rebuilds the removal mask recorded by a checkpoint's keep
// masks.
func MaskFromKeep(f *File) (prune.Mask, error) {
	keep, err := KeepMasks(f)
	if err != nil {
		return nil, err
	}
	m := make(prune.Mask, len(keep))
	for group, k := range keep {
		removed := []int{}
		for c, alive := range k {
			if !alive {
				removed = append(removed, c)
			}
		}
		m[group] = removed
	}
	return m, nil
}

// Restore loads every parameter of m that the checkpoint holds with a
// matching shape. It returns the names of parameters that were skipped.
func Restore(f *File, m interface{ Parameters() []*nn.Parameter }) ([]string, error) {
	var skipped []string
	for _, p := range m.Parameters() {
		info, ok := f.Tensors[p.Name]
		if !ok || !slices.Equal(info.Shape, p.Data.Shape) {
			skipped = append(skipped, p.Name)
			continue
		}
		vals, _, err := f.ReadTensorF32(p.Name)
		if err != nil {
			return skipped, err
		}
		copy(p.Data.Data, vals)
	}
	return skipped, nil
}

// MaskArtifact describes a mask file found in a directory.
type MaskArtifact struct {
	Name     string    `json:"name"`
	Epoch    int       `json:"epoch"`
	Path     string    `json:"path"`
	Channels int       `json:"channels"`
	Modified time.Time `json:"modified"`
}

// ListMasks returns the mask artifacts in dir ordered by name and epoch.
func ListMasks(dir string) ([]MaskArtifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []MaskArtifact
	for _, e := range entries {
		stem, ok := strings.CutSuffix(e.Name(), maskSuffix)
		if e.IsDir() || !ok {
			continue
		}
		i := strings.LastIndexByte(stem, '_')
		if i <= 0 {
			continue
		}
		epoch, err := strconv.Atoi(stem[i+1:])
		if err != nil {
			continue
		}
		path := filepath.Join(dir, e.Name())
		m, err := LoadMask(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, MaskArtifact{
			Name:     stem[:i],
			Epoch:    epoch,
			Path:     path,
			Channels: m.Count(),
			Modified: info.ModTime().UTC(),
		})
	}
	slices.SortFunc(out, func(a, b MaskArtifact) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return a.Epoch - b.Epoch
	})
	return out, nil
}
