package distill

import (
	"math"

	"github.com/samcharles93/zeroq/internal/nn"
	"github.com/samcharles93/zeroq/internal/tensor"
)

// statLoss measures how far the per-sample, per-channel statistics of x are
// from the targets:
//
//	L = Σ_{n,c} (μ_c − mean(x_nc))² / N + Σ_{n,c} (σ_c − std(x_nc))² / N
//
// where std uses the unbiased variance plus eps. It returns L and dL/dx.
func statLoss(x *tensor.Tensor, mean, std []float64, eps float64) (float64, *tensor.Tensor) {
	n, c, h, w := x.Dims4()
	plane := h * w
	grad := tensor.New(n, c, h, w)
	losses := make([]float64, n*c)
	norm := 2 / float64(n)
	dof := float64(max(plane-1, 1))

	tensor.ParallelFor(n*c, func(i int) {
		ch := i % c
		src := x.Data[i*plane : (i+1)*plane]
		var sum float64
		for _, v := range src {
			sum += float64(v)
		}
		m := sum / float64(plane)
		var sq float64
		for _, v := range src {
			d := float64(v) - m
			sq += d * d
		}
		s := math.Sqrt(sq/dof + eps)

		dm, ds := m-mean[ch], s-std[ch]
		losses[i] = (dm*dm + ds*ds) / float64(n)

		gm := norm * dm / float64(plane)
		gs := norm * ds / (s * dof)
		dst := grad.Data[i*plane : (i+1)*plane]
		for j, v := range src {
			dst[j] = float32(gm + gs*(float64(v)-m))
		}
	})

	var total float64
	for _, l := range losses {
		total += l
	}
	return total, grad
}

// bnHook pulls the statistics of a BatchNorm input towards the layer's
// running statistics. The loss and its gradient are computed on Observe and
// handed back on the next Backward.
type bnHook struct {
	mean []float64
	std  []float64
	eps  float64

	loss float64
	grad *tensor.Tensor
}

func newBNHook(bn *nn.BatchNorm2d, eps float64) *bnHook {
	mean := make([]float64, bn.Channels)
	for i, v := range bn.RunningMean.Data {
		mean[i] = float64(v)
	}
	return &bnHook{mean: mean, std: bn.Std(), eps: eps}
}

func (h *bnHook) Observe(x *tensor.Tensor) {
	h.loss, h.grad = statLoss(x, h.mean, h.std, h.eps)
}

func (h *bnHook) Grad() *tensor.Tensor { return h.grad }

// attachHooks installs a bnHook on every BatchNorm2d below net. The returned
// function restores the previous hooks.
func attachHooks(net nn.Module, eps float64) ([]*bnHook, func()) {
	var hooks []*bnHook
	var bns []*nn.BatchNorm2d
	var prev []nn.InputHook
	_ = nn.Walk(net, func(_ string, m nn.Module) error {
		bn, ok := m.(*nn.BatchNorm2d)
		if !ok {
			return nil
		}
		h := newBNHook(bn, eps)
		bns = append(bns, bn)
		prev = append(prev, bn.Hook)
		hooks = append(hooks, h)
		bn.Hook = h
		return nil
	})
	return hooks, func() {
		for i, bn := range bns {
			bn.Hook = prev[i]
		}
	}
}
