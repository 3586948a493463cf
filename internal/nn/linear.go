package nn

import (
	"fmt"

	"github.com/samcharles93/zeroq/internal/tensor"
)

// Linear is a fully connected layer y = x·Wᵀ + b over [N, In] input.
type Linear struct {
	In  int
	Out int

	Weight *tensor.Tensor // [out, in]
	Bias   *tensor.Tensor // [out] or nil
}

func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{In: in, Out: out, Weight: tensor.New(out, in)}
	if bias {
		l.Bias = tensor.New(out)
	}
	return l
}

func (l *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	return l.ForwardWith(x, l.Weight)
}

func (l *Linear) Backward(grad *tensor.Tensor) *tensor.Tensor {
	return l.BackwardWith(grad, l.Weight)
}

// ForwardWith runs the layer with w in place of Weight.
func (l *Linear) ForwardWith(x, w *tensor.Tensor) *tensor.Tensor {
	n, in := x.Dims2()
	if in != l.In {
		panic(fmt.Sprintf("nn: linear expects %d features, got %d", l.In, in))
	}
	out := tensor.New(n, l.Out)
	tensor.MatMulT(out, x, w)
	if l.Bias != nil {
		for i := 0; i < n; i++ {
			row := out.Data[i*l.Out : (i+1)*l.Out]
			for j, b := range l.Bias.Data {
				row[j] += b
			}
		}
	}
	return out
}

// BackwardWith returns grad·w, the gradient with respect to the input.
func (l *Linear) BackwardWith(grad, w *tensor.Tensor) *tensor.Tensor {
	n, _ := grad.Dims2()
	gx := tensor.New(n, l.In)
	tensor.MatMul(gx, grad, w)
	return gx
}

func (l *Linear) Params() []Param {
	ps := []Param{{Name: "weight", Tensor: l.Weight}}
	if l.Bias != nil {
		ps = append(ps, Param{Name: "bias", Tensor: l.Bias})
	}
	return ps
}

func (l *Linear) String() string {
	return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=%t)", l.In, l.Out, l.Bias != nil)
}
