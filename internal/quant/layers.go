package quant

import (
	"fmt"

	"github.com/samcharles93/zeroq/internal/nn"
	"github.com/samcharles93/zeroq/internal/tensor"
)

// Kind distinguishes weight quantizers from activation quantizers.
type Kind int

const (
	KindWeight Kind = iota
	KindActivation
)

func (k Kind) String() string {
	if k == KindActivation {
		return "activation"
	}
	return "weight"
}

// Layer is a quantized module recorded by the Quantizer.
type Layer interface {
	nn.Module
	Path() string
	Kind() Kind
	Bits() int
	SetBits(bits int)
	FullPrecision() bool
	SetFullPrecision(fp bool)
	// NumParams is the number of quantized weights, 0 for activations.
	NumParams() int
}

// weightState is shared by the weight quantizers. Dequantized weights are
// cached per bit width; the underlying weights must not change after
// quantization.
type weightState struct {
	path  string
	bits  int
	fp    bool
	cache map[int]*tensor.Tensor
}

func (s *weightState) Path() string             { return s.path }
func (s *weightState) Kind() Kind               { return KindWeight }
func (s *weightState) Bits() int                { return s.bits }
func (s *weightState) SetBits(bits int)         { s.bits = bits }
func (s *weightState) FullPrecision() bool      { return s.fp }
func (s *weightState) SetFullPrecision(fp bool) { s.fp = fp }

func (s *weightState) weight(w *tensor.Tensor) *tensor.Tensor {
	if s.fp {
		return w
	}
	q, ok := s.cache[s.bits]
	if !ok {
		q = QuantizeWeight(w, s.bits)
		if s.cache == nil {
			s.cache = make(map[int]*tensor.Tensor)
		}
		s.cache[s.bits] = q
	}
	return q
}

// QuantConv2d is a convolution with per-channel fake-quantized weights.
// The original layer's tensors keep their names, so the network's
// parameter list is unchanged by quantization.
type QuantConv2d struct {
	*nn.Conv2d
	weightState
}

func NewQuantConv2d(path string, c *nn.Conv2d, bits int) *QuantConv2d {
	return &QuantConv2d{Conv2d: c, weightState: weightState{path: path, bits: bits}}
}

func (q *QuantConv2d) Forward(x *tensor.Tensor) *tensor.Tensor {
	return q.ForwardWith(x, q.weight(q.Weight))
}

func (q *QuantConv2d) Backward(grad *tensor.Tensor) *tensor.Tensor {
	return q.BackwardWith(grad, q.weight(q.Weight))
}

func (q *QuantConv2d) NumParams() int { return q.Weight.Len() }

func (q *QuantConv2d) String() string {
	return fmt.Sprintf("QuantConv2d(weight_bit=%d, full_precision=%t, %s)", q.bits, q.fp, q.Conv2d.String())
}

// QuantLinear is a fully connected layer with per-row fake-quantized weights.
type QuantLinear struct {
	*nn.Linear
	weightState
}

func NewQuantLinear(path string, l *nn.Linear, bits int) *QuantLinear {
	return &QuantLinear{Linear: l, weightState: weightState{path: path, bits: bits}}
}

func (q *QuantLinear) Forward(x *tensor.Tensor) *tensor.Tensor {
	return q.ForwardWith(x, q.weight(q.Weight))
}

func (q *QuantLinear) Backward(grad *tensor.Tensor) *tensor.Tensor {
	return q.BackwardWith(grad, q.weight(q.Weight))
}

func (q *QuantLinear) NumParams() int { return q.Weight.Len() }

func (q *QuantLinear) String() string {
	return fmt.Sprintf("QuantLinear(weight_bit=%d, full_precision=%t, %s)", q.bits, q.fp, q.Linear.String())
}

// QuantAct fake-quantizes activations over the range it has observed. While
// Running is set every forward pass widens the range; the range always
// contains zero. Until it has seen data the layer passes values through.
type QuantAct struct {
	Running bool
	Min     float32
	Max     float32

	path string
	bits int
	fp   bool
	seen bool
}

func NewQuantAct(path string, bits int) *QuantAct {
	return &QuantAct{Running: true, path: path, bits: bits}
}

func (a *QuantAct) Path() string             { return a.path }
func (a *QuantAct) Kind() Kind               { return KindActivation }
func (a *QuantAct) Bits() int                { return a.bits }
func (a *QuantAct) SetBits(bits int)         { a.bits = bits }
func (a *QuantAct) FullPrecision() bool      { return a.fp }
func (a *QuantAct) SetFullPrecision(fp bool) { a.fp = fp }
func (a *QuantAct) NumParams() int           { return 0 }

// Observed reports whether the range has been calibrated.
func (a *QuantAct) Observed() bool { return a.seen }

func (a *QuantAct) Forward(x *tensor.Tensor) *tensor.Tensor {
	if a.Running && x.Len() > 0 {
		lo, hi := tensor.MinMax(x.Data)
		a.Min = min(a.Min, lo)
		a.Max = max(a.Max, hi)
		a.seen = true
	}
	if a.fp || !a.seen {
		return x
	}
	out := tensor.New(x.Shape...)
	FakeQuantize(out.Data, x.Data, a.Min, a.Max, a.bits)
	return out
}

// Backward is the straight-through estimator.
func (a *QuantAct) Backward(grad *tensor.Tensor) *tensor.Tensor { return grad }

func (a *QuantAct) String() string {
	return fmt.Sprintf("QuantAct(activation_bit=%d, full_precision=%t, running=%t, range=[%.4g, %.4g])",
		a.bits, a.fp, a.Running, a.Min, a.Max)
}
