package nn

import (
	"fmt"

	"github.com/samcharles93/zeroq/internal/tensor"
)

// ReLU clamps negatives to zero. A positive Cap also clamps from above, so
// ReLU{Cap: 6} is ReLU6.
type ReLU struct {
	Cap float32

	input *tensor.Tensor
}

func NewReLU() *ReLU  { return &ReLU{} }
func NewReLU6() *ReLU { return &ReLU{Cap: 6} }

func (r *ReLU) Forward(x *tensor.Tensor) *tensor.Tensor {
	r.input = x
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		switch {
		case v <= 0:
		case r.Cap > 0 && v > r.Cap:
			out.Data[i] = r.Cap
		default:
			out.Data[i] = v
		}
	}
	return out
}

func (r *ReLU) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if r.input == nil {
		panic("nn: relu backward before forward")
	}
	gx := tensor.New(grad.Shape...)
	for i, v := range r.input.Data {
		if v > 0 && (r.Cap == 0 || v < r.Cap) {
			gx.Data[i] = grad.Data[i]
		}
	}
	return gx
}

func (r *ReLU) String() string {
	if r.Cap > 0 {
		if r.Cap == 6 {
			return "ReLU6()"
		}
		return fmt.Sprintf("ReLU(cap=%g)", r.Cap)
	}
	return "ReLU()"
}

// Identity passes values through unchanged.
type Identity struct{}

func (Identity) Forward(x *tensor.Tensor) *tensor.Tensor     { return x }
func (Identity) Backward(grad *tensor.Tensor) *tensor.Tensor { return grad }
func (Identity) String() string                              { return "Identity()" }

// Flatten reshapes NCHW input to [N, C*H*W].
type Flatten struct {
	inShape []int
}

func (f *Flatten) Forward(x *tensor.Tensor) *tensor.Tensor {
	f.inShape = append(f.inShape[:0], x.Shape...)
	n := x.Shape[0]
	return x.Reshape(n, x.Len()/max(n, 1))
}

func (f *Flatten) Backward(grad *tensor.Tensor) *tensor.Tensor {
	return grad.Reshape(f.inShape...)
}

func (f *Flatten) String() string { return "Flatten()" }
