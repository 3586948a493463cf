package nn

import (
	"fmt"

	"github.com/samcharles93/zeroq/internal/tensor"
)

// Conv2d is a 2-D convolution over NCHW input. Kernels and padding may be
// rectangular; the stride is the same along both axes.
type Conv2d struct {
	InChannels  int
	OutChannels int
	KernelH     int
	KernelW     int
	Stride      int
	PadH        int
	PadW        int
	Groups      int

	Weight *tensor.Tensor // [out, in/groups, kh, kw]
	Bias   *tensor.Tensor // [out] or nil

	inShape []int
}

// NewConv2d allocates a zero-initialised convolution with a square kernel.
func NewConv2d(in, out, kernel, stride, padding, groups int, bias bool) *Conv2d {
	return NewConv2dRect(in, out, kernel, kernel, stride, padding, padding, groups, bias)
}

// NewConv2dRect allocates a zero-initialised kh x kw convolution padded by
// ph rows and pw columns.
func NewConv2dRect(in, out, kh, kw, stride, ph, pw, groups int, bias bool) *Conv2d {
	if groups <= 0 || in%groups != 0 || out%groups != 0 {
		panic(fmt.Sprintf("nn: conv channels %d->%d not divisible by groups %d", in, out, groups))
	}
	c := &Conv2d{
		InChannels:  in,
		OutChannels: out,
		KernelH:     kh,
		KernelW:     kw,
		Stride:      stride,
		PadH:        ph,
		PadW:        pw,
		Groups:      groups,
		Weight:      tensor.New(out, in/groups, kh, kw),
	}
	if bias {
		c.Bias = tensor.New(out)
	}
	return c
}

// OutputSize returns the spatial output size for an h x w input.
func (c *Conv2d) OutputSize(h, w int) (int, int) {
	oh := (h+2*c.PadH-c.KernelH)/c.Stride + 1
	ow := (w+2*c.PadW-c.KernelW)/c.Stride + 1
	return oh, ow
}

func (c *Conv2d) Forward(x *tensor.Tensor) *tensor.Tensor {
	return c.ForwardWith(x, c.Weight)
}

func (c *Conv2d) Backward(grad *tensor.Tensor) *tensor.Tensor {
	return c.BackwardWith(grad, c.Weight)
}

// ForwardWith runs the convolution with w in place of the layer's own weight.
// w must have the same shape as Weight.
func (c *Conv2d) ForwardWith(x, w *tensor.Tensor) *tensor.Tensor {
	n, ci, h, wd := x.Dims4()
	if ci != c.InChannels {
		panic(fmt.Sprintf("nn: conv expects %d input channels, got %d", c.InChannels, ci))
	}
	c.inShape = append(c.inShape[:0], x.Shape...)

	oh, ow := c.OutputSize(h, wd)
	co := c.OutChannels
	out := tensor.New(n, co, oh, ow)
	icg := ci / c.Groups
	ocg := co / c.Groups
	khs, kws, s, ph, pw := c.KernelH, c.KernelW, c.Stride, c.PadH, c.PadW
	taps := khs * kws
	plane := oh * ow

	tensor.ParallelFor(n*co, func(job int) {
		b, oc := job/co, job%co
		g := oc / ocg
		dst := out.Data[job*plane : (job+1)*plane]
		if c.Bias != nil {
			bv := c.Bias.Data[oc]
			for i := range dst {
				dst[i] = bv
			}
		}
		for icl := 0; icl < icg; icl++ {
			ic := g*icg + icl
			src := x.Data[(b*ci+ic)*h*wd : (b*ci+ic+1)*h*wd]
			wk := w.Data[(oc*icg+icl)*taps : (oc*icg+icl+1)*taps]
			for kh := 0; kh < khs; kh++ {
				y0, y1 := validRange(oh, h, s, ph, kh)
				for kw := 0; kw < kws; kw++ {
					wv := wk[kh*kws+kw]
					if wv == 0 {
						continue
					}
					x0, x1 := validRange(ow, wd, s, pw, kw)
					for y := y0; y < y1; y++ {
						row := src[(y*s-ph+kh)*wd:]
						drow := dst[y*ow : (y+1)*ow]
						for xo := x0; xo < x1; xo++ {
							drow[xo] += wv * row[xo*s-pw+kw]
						}
					}
				}
			}
		}
	})
	return out
}

// BackwardWith propagates grad to the input of the last ForwardWith call
// using w as the kernel.
func (c *Conv2d) BackwardWith(grad, w *tensor.Tensor) *tensor.Tensor {
	if c.inShape == nil {
		panic("nn: conv backward before forward")
	}
	n, ci, h, wd := c.inShape[0], c.inShape[1], c.inShape[2], c.inShape[3]
	_, co, oh, ow := grad.Dims4()
	gx := tensor.New(n, ci, h, wd)
	icg := ci / c.Groups
	ocg := co / c.Groups
	khs, kws, s, ph, pw := c.KernelH, c.KernelW, c.Stride, c.PadH, c.PadW
	taps := khs * kws
	plane := oh * ow

	tensor.ParallelFor(n*ci, func(job int) {
		b, ic := job/ci, job%ci
		g, icl := ic/icg, ic%icg
		dst := gx.Data[job*h*wd : (job+1)*h*wd]
		for oc := g * ocg; oc < (g+1)*ocg; oc++ {
			src := grad.Data[(b*co+oc)*plane : (b*co+oc+1)*plane]
			wk := w.Data[(oc*icg+icl)*taps : (oc*icg+icl+1)*taps]
			for kh := 0; kh < khs; kh++ {
				y0, y1 := validRange(oh, h, s, ph, kh)
				for kw := 0; kw < kws; kw++ {
					wv := wk[kh*kws+kw]
					if wv == 0 {
						continue
					}
					x0, x1 := validRange(ow, wd, s, pw, kw)
					for y := y0; y < y1; y++ {
						drow := dst[(y*s-ph+kh)*wd:]
						grow := src[y*ow : (y+1)*ow]
						for xo := x0; xo < x1; xo++ {
							drow[xo*s-pw+kw] += wv * grow[xo]
						}
					}
				}
			}
		}
	})
	return gx
}

// validRange returns the output positions [lo, hi) whose input coordinate
// o*stride - pad + tap falls inside [0, in).
func validRange(out, in, stride, pad, tap int) (int, int) {
	lo := 0
	if d := pad - tap; d > 0 {
		lo = (d + stride - 1) / stride
	}
	last := in - 1 + pad - tap
	if last < 0 {
		return 0, 0
	}
	hi := min(last/stride+1, out)
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

func (c *Conv2d) Params() []Param {
	ps := []Param{{Name: "weight", Tensor: c.Weight}}
	if c.Bias != nil {
		ps = append(ps, Param{Name: "bias", Tensor: c.Bias})
	}
	return ps
}

func (c *Conv2d) String() string {
	s := fmt.Sprintf("Conv2d(%d, %d, kernel_size=%s, stride=%d, padding=%s",
		c.InChannels, c.OutChannels, pair(c.KernelH, c.KernelW), c.Stride, pair(c.PadH, c.PadW))
	if c.Groups != 1 {
		s += fmt.Sprintf(", groups=%d", c.Groups)
	}
	if c.Bias == nil {
		s += ", bias=False"
	}
	return s + ")"
}

func pair(a, b int) string {
	if a == b {
		return fmt.Sprint(a)
	}
	return fmt.Sprintf("(%d, %d)", a, b)
}
