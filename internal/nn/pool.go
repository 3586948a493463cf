package nn

import (
	"fmt"
	"math"

	"github.com/samcharles93/zeroq/internal/tensor"
)

// MaxPool2d takes the maximum over square windows.
type MaxPool2d struct {
	Kernel  int
	Stride  int
	Padding int

	inShape []int
	argmax  []int32
}

func NewMaxPool2d(kernel, stride, padding int) *MaxPool2d {
	return &MaxPool2d{Kernel: kernel, Stride: stride, Padding: padding}
}

func (p *MaxPool2d) Forward(x *tensor.Tensor) *tensor.Tensor {
	n, c, h, w := x.Dims4()
	oh := (h+2*p.Padding-p.Kernel)/p.Stride + 1
	ow := (w+2*p.Padding-p.Kernel)/p.Stride + 1
	out := tensor.New(n, c, oh, ow)
	p.inShape = append(p.inShape[:0], x.Shape...)
	p.argmax = make([]int32, out.Len())

	tensor.ParallelFor(n*c, func(i int) {
		src := x.Data[i*h*w : (i+1)*h*w]
		for y := 0; y < oh; y++ {
			for xo := 0; xo < ow; xo++ {
				best := float32(math.Inf(-1))
				bestIdx := int32(-1)
				for kh := 0; kh < p.Kernel; kh++ {
					iy := y*p.Stride - p.Padding + kh
					if iy < 0 || iy >= h {
						continue
					}
					for kw := 0; kw < p.Kernel; kw++ {
						ix := xo*p.Stride - p.Padding + kw
						if ix < 0 || ix >= w {
							continue
						}
						if v := src[iy*w+ix]; bestIdx < 0 || v > best {
							best, bestIdx = v, int32(iy*w+ix)
						}
					}
				}
				o := i*oh*ow + y*ow + xo
				out.Data[o] = best
				p.argmax[o] = bestIdx
			}
		}
	})
	return out
}

func (p *MaxPool2d) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if p.inShape == nil {
		panic("nn: maxpool backward before forward")
	}
	gx := tensor.New(p.inShape...)
	_, _, h, w := gx.Dims4()
	n, c, oh, ow := grad.Dims4()
	for i := 0; i < n*c; i++ {
		for j := 0; j < oh*ow; j++ {
			o := i*oh*ow + j
			if idx := p.argmax[o]; idx >= 0 {
				gx.Data[i*h*w+int(idx)] += grad.Data[o]
			}
		}
	}
	return gx
}

func (p *MaxPool2d) String() string {
	return fmt.Sprintf("MaxPool2d(kernel_size=%d, stride=%d, padding=%d)", p.Kernel, p.Stride, p.Padding)
}

// AvgPool2d averages square windows, optionally over a zero-padded input.
type AvgPool2d struct {
	Kernel  int
	Stride  int
	Padding int

	inShape []int
}

func NewAvgPool2d(kernel, stride int) *AvgPool2d {
	return &AvgPool2d{Kernel: kernel, Stride: stride}
}

// NewPaddedAvgPool2d pools over a zero-padded input. Padded taps count
// towards the divisor.
func NewPaddedAvgPool2d(kernel, stride, padding int) *AvgPool2d {
	return &AvgPool2d{Kernel: kernel, Stride: stride, Padding: padding}
}

func (p *AvgPool2d) outSize(h, w int) (int, int) {
	return (h+2*p.Padding-p.Kernel)/p.Stride + 1, (w+2*p.Padding-p.Kernel)/p.Stride + 1
}

func (p *AvgPool2d) Forward(x *tensor.Tensor) *tensor.Tensor {
	n, c, h, w := x.Dims4()
	if h+2*p.Padding < p.Kernel || w+2*p.Padding < p.Kernel {
		panic(fmt.Sprintf("nn: avgpool kernel %d larger than input %dx%d", p.Kernel, h, w))
	}
	oh, ow := p.outSize(h, w)
	p.inShape = append(p.inShape[:0], x.Shape...)
	out := tensor.New(n, c, oh, ow)
	inv := 1 / float32(p.Kernel*p.Kernel)
	tensor.ParallelFor(n*c, func(i int) {
		src := x.Data[i*h*w : (i+1)*h*w]
		for y := 0; y < oh; y++ {
			for xo := 0; xo < ow; xo++ {
				var sum float32
				for kh := 0; kh < p.Kernel; kh++ {
					iy := y*p.Stride - p.Padding + kh
					if iy < 0 || iy >= h {
						continue
					}
					for kw := 0; kw < p.Kernel; kw++ {
						ix := xo*p.Stride - p.Padding + kw
						if ix >= 0 && ix < w {
							sum += src[iy*w+ix]
						}
					}
				}
				out.Data[i*oh*ow+y*ow+xo] = sum * inv
			}
		}
	})
	return out
}

func (p *AvgPool2d) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if p.inShape == nil {
		panic("nn: avgpool backward before forward")
	}
	gx := tensor.New(p.inShape...)
	_, _, h, w := gx.Dims4()
	n, c, oh, ow := grad.Dims4()
	inv := 1 / float32(p.Kernel*p.Kernel)
	tensor.ParallelFor(n*c, func(i int) {
		dst := gx.Data[i*h*w : (i+1)*h*w]
		for y := 0; y < oh; y++ {
			for xo := 0; xo < ow; xo++ {
				g := grad.Data[i*oh*ow+y*ow+xo] * inv
				for kh := 0; kh < p.Kernel; kh++ {
					iy := y*p.Stride - p.Padding + kh
					if iy < 0 || iy >= h {
						continue
					}
					for kw := 0; kw < p.Kernel; kw++ {
						ix := xo*p.Stride - p.Padding + kw
						if ix >= 0 && ix < w {
							dst[iy*w+ix] += g
						}
					}
				}
			}
		}
	})
	return gx
}

func (p *AvgPool2d) String() string {
	if p.Padding != 0 {
		return fmt.Sprintf("AvgPool2d(kernel_size=%d, stride=%d, padding=%d)", p.Kernel, p.Stride, p.Padding)
	}
	return fmt.Sprintf("AvgPool2d(kernel_size=%d, stride=%d)", p.Kernel, p.Stride)
}

// GlobalAvgPool2d averages each channel to a single value, producing
// [N, C, 1, 1] whatever the input resolution.
type GlobalAvgPool2d struct {
	inShape []int
}

func (p *GlobalAvgPool2d) Forward(x *tensor.Tensor) *tensor.Tensor {
	n, c, h, w := x.Dims4()
	p.inShape = append(p.inShape[:0], x.Shape...)
	out := tensor.New(n, c, 1, 1)
	plane := h * w
	for i := 0; i < n*c; i++ {
		var sum float64
		for _, v := range x.Data[i*plane : (i+1)*plane] {
			sum += float64(v)
		}
		out.Data[i] = float32(sum / float64(plane))
	}
	return out
}

func (p *GlobalAvgPool2d) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if p.inShape == nil {
		panic("nn: global avgpool backward before forward")
	}
	gx := tensor.New(p.inShape...)
	_, _, h, w := gx.Dims4()
	plane := h * w
	inv := 1 / float32(plane)
	for i, g := range grad.Data {
		dst := gx.Data[i*plane : (i+1)*plane]
		for j := range dst {
			dst[j] = g * inv
		}
	}
	return gx
}

func (p *GlobalAvgPool2d) String() string { return "GlobalAvgPool2d()" }
