package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// Tensor is a dense row-major float32 array with an explicit shape.
//
// Image batches use NCHW layout. Tensor performs no bounds checking beyond
// what Go slices provide; shape mismatches between operands panic.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int) *Tensor {
	n := numel(shape)
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
	}
}

// FromData wraps data in a tensor. len(data) must equal the product of shape.
func FromData(data []float32, shape ...int) *Tensor {
	if n := numel(shape); n != len(data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("tensor: negative dimension")
		}
		n *= d
	}
	return n
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

// Dims4 returns the NCHW dimensions of a 4-D tensor.
func (t *Tensor) Dims4() (n, c, h, w int) {
	if len(t.Shape) != 4 {
		panic(fmt.Sprintf("tensor: expected 4-D tensor, got shape %v", t.Shape))
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
}

// Dims2 returns the dimensions of a 2-D tensor.
func (t *Tensor) Dims2() (r, c int) {
	if len(t.Shape) != 2 {
		panic(fmt.Sprintf("tensor: expected 2-D tensor, got shape %v", t.Shape))
	}
	return t.Shape[0], t.Shape[1]
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.Shape...)
	copy(out.Data, t.Data)
	return out
}

// ZerosLike returns a zeroed tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return New(t.Shape...)
}

// Reshape returns a view of t with a new shape holding the same number of
// elements.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	return FromData(t.Data, shape...)
}

// Batch returns a view of rows [i, j) along dimension 0.
func (t *Tensor) Batch(i, j int) *Tensor {
	if i < 0 || j > t.Shape[0] || i > j {
		panic(fmt.Sprintf("tensor: batch range [%d,%d) out of bounds for %v", i, j, t.Shape))
	}
	stride := t.Len() / max(t.Shape[0], 1)
	shape := append([]int{j - i}, t.Shape[1:]...)
	return FromData(t.Data[i*stride:j*stride], shape...)
}

// Concat joins tensors along dimension 0. All trailing dimensions must match.
func Concat(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		return New(0)
	}
	rows := 0
	for _, t := range ts {
		if len(t.Shape) != len(ts[0].Shape) {
			panic("tensor: concat rank mismatch")
		}
		for d := 1; d < len(t.Shape); d++ {
			if t.Shape[d] != ts[0].Shape[d] {
				panic("tensor: concat shape mismatch")
			}
		}
		rows += t.Shape[0]
	}
	shape := append([]int{rows}, ts[0].Shape[1:]...)
	out := New(shape...)
	off := 0
	for _, t := range ts {
		off += copy(out.Data[off:], t.Data)
	}
	return out
}

// Add accumulates o into t element-wise.
func (t *Tensor) Add(o *Tensor) {
	if len(t.Data) != len(o.Data) {
		panic(fmt.Sprintf("tensor: add shape mismatch %v vs %v", t.Shape, o.Shape))
	}
	for i, v := range o.Data {
		t.Data[i] += v
	}
}

// Scale multiplies every element by s.
func (t *Tensor) Scale(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// FillNormal fills t with samples from N(mean, std²).
func FillNormal(t *Tensor, rng *rand.Rand, mean, std float64) {
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()*std + mean)
	}
}

// FillUniform fills t with samples from U[lo, hi).
func FillUniform(t *Tensor, rng *rand.Rand, lo, hi float64) {
	for i := range t.Data {
		t.Data[i] = float32(lo + rng.Float64()*(hi-lo))
	}
}

// MinMax returns the smallest and largest element of data. An empty slice
// returns zeros.
func MinMax(data []float32) (lo, hi float32) {
	if len(data) == 0 {
		return 0, 0
	}
	lo, hi = data[0], data[0]
	for _, v := range data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// MaxAbsDiff returns the largest absolute element-wise difference.
func MaxAbsDiff(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var m float64
	for i := range a {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if d > m {
			m = d
		}
	}
	return m
}

// String renders the shape only; data is rarely useful in logs.
func (t *Tensor) String() string {
	parts := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		parts[i] = fmt.Sprint(d)
	}
	return "Tensor[" + strings.Join(parts, "x") + "]"
}
