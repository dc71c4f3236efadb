package tensor

import "fmt"

// Padding modes accepted by Conv2D.
const (
	PadValid = "valid"
	PadSame  = "same"
	PadPad   = "pad"
)

// Conv2DOptions describes the geometry of a 2D convolution.
type Conv2DOptions struct {
	Stride   [2]int
	Dilation [2]int
	// Padding is (top, bottom, left, right) and only applies to PadPad.
	Padding [4]int
	PadMode string
	Groups  int
}

func (o Conv2DOptions) normalized() Conv2DOptions {
	if o.Stride == [2]int{} {
		o.Stride = [2]int{1, 1}
	}
	if o.Dilation == [2]int{} {
		o.Dilation = [2]int{1, 1}
	}
	if o.Groups == 0 {
		o.Groups = 1
	}
	if o.PadMode == "" {
		o.PadMode = PadValid
	}
	return o
}

// ValidatePadMode returns an error for unknown padding modes.
func ValidatePadMode(mode string) error {
	switch mode {
	case PadValid, PadSame, PadPad:
		return nil
	default:
		return fmt.Errorf("pad mode must be one of (valid, same, pad), got %q", mode)
	}
}

// resolvePadding returns the effective (top, bottom, left, right) padding and
// output spatial size.
func resolvePadding(h, w, kh, kw int, o Conv2DOptions) (pad [4]int, outH, outW int) {
	effKH := (kh-1)*o.Dilation[0] + 1
	effKW := (kw-1)*o.Dilation[1] + 1
	switch o.PadMode {
	case PadSame:
		outH = (h + o.Stride[0] - 1) / o.Stride[0]
		outW = (w + o.Stride[1] - 1) / o.Stride[1]
		padH := max((outH-1)*o.Stride[0]+effKH-h, 0)
		padW := max((outW-1)*o.Stride[1]+effKW-w, 0)
		pad = [4]int{padH / 2, padH - padH/2, padW / 2, padW - padW/2}
		return pad, outH, outW
	case PadPad:
		pad = o.Padding
	}
	outH = (h+pad[0]+pad[1]-effKH)/o.Stride[0] + 1
	outW = (w+pad[2]+pad[3]-effKW)/o.Stride[1] + 1
	return pad, outH, outW
}

// Conv2D convolves x (N, C, H, W) with w (O, C/groups, KH, KW) and returns
// (N, O, OH, OW). It is a direct convolution; output planes are computed in
// parallel.
func Conv2D(x, w *Tensor, opts Conv2DOptions) *Tensor {
	o := opts.normalized()
	if x.Rank() != 4 || w.Rank() != 4 {
		panic("tensor: conv2d expects rank-4 input and weight")
	}
	n, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC, cPerG, kh, kw := w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
	if c != cPerG*o.Groups {
		panic(fmt.Sprintf("tensor: conv2d input channels %d do not match weight %v with %d groups", c, w.Shape, o.Groups))
	}
	if outC%o.Groups != 0 {
		panic("tensor: conv2d output channels not divisible by groups")
	}
	_, outH, outW := resolvePadding(h, wd, kh, kw, o)
	out := New(n, outC, max(outH, 0), max(outW, 0))
	work := max(outH, 0) * max(outW, 0) * cPerG * kh * kw
	parallelRows(n*outC, work, func(ps, pe int) {
		conv2DPlanes(out, x, w, o, ps, pe)
	})
	return out
}

// conv2DPlanes fills output planes [ps, pe), plane p being batch p/O and
// output channel p%O. o must be normalized.
func conv2DPlanes(out, x, w *Tensor, o Conv2DOptions, ps, pe int) {
	c, h, wd := x.Shape[1], x.Shape[2], x.Shape[3]
	outC, cPerG, kh, kw := w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
	outH, outW := out.Shape[2], out.Shape[3]
	pad, _, _ := resolvePadding(h, wd, kh, kw, o)
	outPerG := outC / o.Groups

	for p := ps; p < pe; p++ {
		b, oc := p/outC, p%outC
		g := oc / outPerG
		wBase := oc * cPerG * kh * kw
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				var sum float32
				for ic := 0; ic < cPerG; ic++ {
					xc := g*cPerG + ic
					xBase := (b*c + xc) * h * wd
					for ky := 0; ky < kh; ky++ {
						iy := oy*o.Stride[0] + ky*o.Dilation[0] - pad[0]
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < kw; kx++ {
							ix := ox*o.Stride[1] + kx*o.Dilation[1] - pad[2]
							if ix < 0 || ix >= wd {
								continue
							}
							sum += x.Data[xBase+iy*wd+ix] * w.Data[wBase+(ic*kh+ky)*kw+kx]
						}
					}
				}
				out.Data[(p*outH+oy)*outW+ox] = sum
			}
		}
	}
}

// AddChannelBias adds bias[c] to every element of channel c on axis 1.
func AddChannelBias(t *Tensor, bias []float32) *Tensor {
	out := t.Clone()
	out.ForEachChannel(1, func(c, idx int) {
		out.Data[idx] += bias[c]
	})
	return out
}

// MaxPool2D applies a valid max pool with a square window.
func MaxPool2D(x *Tensor, kernel, stride int) *Tensor {
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH := (h-kernel)/stride + 1
	outW := (w-kernel)/stride + 1
	out := New(n, c, outH, outW)
	for b := 0; b < n*c; b++ {
		src := x.Data[b*h*w : (b+1)*h*w]
		dst := out.Data[b*outH*outW : (b+1)*outH*outW]
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				best := src[oy*stride*w+ox*stride]
				for ky := 0; ky < kernel; ky++ {
					for kx := 0; kx < kernel; kx++ {
						v := src[(oy*stride+ky)*w+ox*stride+kx]
						if v > best {
							best = v
						}
					}
				}
				dst[oy*outW+ox] = best
			}
		}
	}
	return out
}
