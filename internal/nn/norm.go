package nn

import (
	"fmt"
	"math"

	"github.com/samcharles93/zeroq/internal/tensor"
)

// DefaultBNEps matches the epsilon of pretrained classifier checkpoints.
const DefaultBNEps = 1e-5

// BatchNorm2d normalises each channel with its running statistics.
// Only inference mode exists; running statistics are never updated.
type BatchNorm2d struct {
	Channels int
	Eps      float32

	Weight      *tensor.Tensor
	Bias        *tensor.Tensor
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor

	// Hook, when set, sees every input and may add to the input gradient.
	Hook InputHook
}

func NewBatchNorm2d(channels int) *BatchNorm2d {
	bn := &BatchNorm2d{
		Channels:    channels,
		Eps:         DefaultBNEps,
		Weight:      tensor.New(channels),
		Bias:        tensor.New(channels),
		RunningMean: tensor.New(channels),
		RunningVar:  tensor.New(channels),
	}
	bn.Weight.Fill(1)
	bn.RunningVar.Fill(1)
	return bn
}

// Std returns sqrt(running_var + eps) per channel.
func (bn *BatchNorm2d) Std() []float64 {
	out := make([]float64, bn.Channels)
	for c := range out {
		out[c] = math.Sqrt(float64(bn.RunningVar.Data[c]) + float64(bn.Eps))
	}
	return out
}

func (bn *BatchNorm2d) scaleShift() ([]float32, []float32) {
	std := bn.Std()
	scale := make([]float32, bn.Channels)
	shift := make([]float32, bn.Channels)
	for c := range scale {
		scale[c] = float32(float64(bn.Weight.Data[c]) / std[c])
		shift[c] = bn.Bias.Data[c] - bn.RunningMean.Data[c]*scale[c]
	}
	return scale, shift
}

func (bn *BatchNorm2d) Forward(x *tensor.Tensor) *tensor.Tensor {
	n, c, h, w := x.Dims4()
	if c != bn.Channels {
		panic(fmt.Sprintf("nn: batchnorm expects %d channels, got %d", bn.Channels, c))
	}
	if bn.Hook != nil {
		bn.Hook.Observe(x)
	}
	scale, shift := bn.scaleShift()
	out := tensor.New(n, c, h, w)
	plane := h * w
	for i := 0; i < n*c; i++ {
		ch := i % c
		src := x.Data[i*plane : (i+1)*plane]
		dst := out.Data[i*plane : (i+1)*plane]
		sc, sh := scale[ch], shift[ch]
		for j, v := range src {
			dst[j] = v*sc + sh
		}
	}
	return out
}

func (bn *BatchNorm2d) Backward(grad *tensor.Tensor) *tensor.Tensor {
	n, c, h, w := grad.Dims4()
	scale, _ := bn.scaleShift()
	gx := tensor.New(n, c, h, w)
	plane := h * w
	for i := 0; i < n*c; i++ {
		sc := scale[i%c]
		src := grad.Data[i*plane : (i+1)*plane]
		dst := gx.Data[i*plane : (i+1)*plane]
		for j, v := range src {
			dst[j] = v * sc
		}
	}
	if bn.Hook != nil {
		if hg := bn.Hook.Grad(); hg != nil {
			gx.Add(hg)
		}
	}
	return gx
}

func (bn *BatchNorm2d) Params() []Param {
	return []Param{
		{Name: "weight", Tensor: bn.Weight},
		{Name: "bias", Tensor: bn.Bias},
		{Name: "running_mean", Tensor: bn.RunningMean},
		{Name: "running_var", Tensor: bn.RunningVar},
	}
}

func (bn *BatchNorm2d) String() string {
	return fmt.Sprintf("BatchNorm2d(%d, eps=%g)", bn.Channels, bn.Eps)
}
