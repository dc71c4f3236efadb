// Package device names the execution targets a compression run may request
// and reports which of them carry verified fake-quantization kernels.
package device

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/cpu"
)

const (
	CPU    = "CPU"
	GPU    = "GPU"
	Ascend = "Ascend"
)

// ErrUnsupportedDevice is returned when an op is requested on a target that
// has no verified kernel in this build.
var ErrUnsupportedDevice = errors.New("unsupported device target")

// kernelTargets lists, per op, the targets whose kernels are verified.
var kernelTargets = map[string][]string{
	"FakeQuantPerLayer":      {CPU},
	"FakeQuantPerChannel":    {CPU},
	"MinMaxUpdatePerLayer":   {CPU},
	"MinMaxUpdatePerChannel": {CPU},
	"LSQFakeQuant":           {CPU},
}

// Normalize canonicalises a target name. An empty name selects CPU.
func Normalize(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return CPU, nil
	case "gpu", "cuda":
		return GPU, nil
	case "ascend", "npu":
		return Ascend, nil
	default:
		return "", fmt.Errorf("unknown device target %q (expected CPU, GPU or Ascend)", name)
	}
}

// CheckKernel fails fast when op has no verified kernel for target.
func CheckKernel(op, target string) error {
	t, err := Normalize(target)
	if err != nil {
		return err
	}
	for _, ok := range kernelTargets[op] {
		if ok == t {
			return nil
		}
	}
	return fmt.Errorf("%s on %s: %w", op, t, ErrUnsupportedDevice)
}

// Describe summarises host SIMD features for diagnostics.
func Describe() string {
	var feats []string
	switch {
	case cpu.X86.HasAVX512F:
		feats = append(feats, "avx512f")
	case cpu.X86.HasAVX2:
		feats = append(feats, "avx2")
	}
	if cpu.X86.HasFMA {
		feats = append(feats, "fma")
	}
	if cpu.ARM64.HasASIMD {
		feats = append(feats, "asimd")
	}
	if cpu.ARM64.HasSVE {
		feats = append(feats, "sve")
	}
	if len(feats) == 0 {
		return "generic"
	}
	return strings.Join(feats, ",")
}
