// Package quant rewrites a full-precision network into a fake-quantized one
// and provides the calibration, sensitivity and bit-allocation passes that
// operate on it.
package quant

import (
	"math"

	"github.com/samcharles93/zeroq/internal/tensor"
)

// Params returns the scale and zero point of asymmetric bits-wide
// quantization over [lo, hi]. Integers are signed, so the zero point is
// shifted by 2^(bits-1).
func Params(lo, hi float32, bits int) (scale, zero float64) {
	n := math.Exp2(float64(bits)) - 1
	scale = n / math.Max(float64(hi)-float64(lo), 1e-8)
	zero = math.RoundToEven(scale*float64(lo)) + math.Exp2(float64(bits-1))
	return scale, zero
}

// FakeQuantize quantizes src to bits over [lo, hi] and writes the
// dequantized values to dst. dst and src may alias.
func FakeQuantize(dst, src []float32, lo, hi float32, bits int) {
	scale, zero := Params(lo, hi, bits)
	half := math.Exp2(float64(bits - 1))
	qmin, qmax := -half, half-1
	for i, v := range src {
		q := math.RoundToEven(scale*float64(v) - zero)
		q = math.Min(math.Max(q, qmin), qmax)
		dst[i] = float32((q + zero) / scale)
	}
}

// QuantizeWeight fake-quantizes w per output channel (dim 0), each channel
// using its own min and max.
func QuantizeWeight(w *tensor.Tensor, bits int) *tensor.Tensor {
	out := tensor.New(w.Shape...)
	rows := w.Dim(0)
	per := w.Len() / rows
	tensor.ParallelFor(rows, func(r int) {
		src := w.Data[r*per : (r+1)*per]
		lo, hi := tensor.MinMax(src)
		FakeQuantize(out.Data[r*per:(r+1)*per], src, lo, hi, bits)
	})
	return out
}
