package quant

import (
	"context"
	"fmt"

	"github.com/samcharles93/zeroq/internal/data"
	"github.com/samcharles93/zeroq/internal/logger"
	"github.com/samcharles93/zeroq/internal/nn"
)

// Quantizer converts full-precision networks.
type Quantizer struct {
	WeightBits int
	ActBits    int
}

// Model is a quantized network with its quantized layers in forward order.
type Model struct {
	Net    nn.Module
	Layers []Layer
}

// Quantize rewrites net in place: every Conv2d and Linear becomes its
// quantized counterpart and every ReLU is followed by a QuantAct. BatchNorm
// and pooling stay in full precision.
func (q Quantizer) Quantize(net nn.Module) (*Model, error) {
	if q.WeightBits < 1 || q.WeightBits > 16 || q.ActBits < 1 || q.ActBits > 16 {
		return nil, fmt.Errorf("quant: bit widths must be in [1,16], got weight=%d act=%d", q.WeightBits, q.ActBits)
	}
	m := &Model{Net: net}
	nn.Transform(net, func(path string, mod nn.Module) (nn.Module, bool) {
		switch l := mod.(type) {
		case *nn.Conv2d:
			qc := NewQuantConv2d(path, l, q.WeightBits)
			m.Layers = append(m.Layers, qc)
			return qc, true
		case *nn.Linear:
			ql := NewQuantLinear(path, l, q.WeightBits)
			m.Layers = append(m.Layers, ql)
			return ql, true
		case *nn.ReLU:
			act := NewQuantAct(path+".quant", q.ActBits)
			m.Layers = append(m.Layers, act)
			return nn.NewSequential(
				nn.Child{Name: "relu", Module: l},
				nn.Child{Name: "quant", Module: act},
			), true
		}
		return nil, false
	})
	if len(m.Layers) == 0 {
		return nil, fmt.Errorf("quant: network has no quantizable layers")
	}
	return m, nil
}

// WeightLayers returns the weight quantizers in forward order.
func (m *Model) WeightLayers() []Layer {
	return m.filter(KindWeight)
}

// ActLayers returns the activation quantizers in forward order.
func (m *Model) ActLayers() []*QuantAct {
	var out []*QuantAct
	for _, l := range m.Layers {
		if a, ok := l.(*QuantAct); ok {
			out = append(out, a)
		}
	}
	return out
}

func (m *Model) filter(k Kind) []Layer {
	var out []Layer
	for _, l := range m.Layers {
		if l.Kind() == k {
			out = append(out, l)
		}
	}
	return out
}

// Layer returns the quantized layer at path, or nil.
func (m *Model) Layer(path string) Layer {
	for _, l := range m.Layers {
		if l.Path() == path {
			return l
		}
	}
	return nil
}

// SetFullPrecision switches every quantized layer to or from full
// precision.
func (m *Model) SetFullPrecision(fp bool) {
	for _, l := range m.Layers {
		l.SetFullPrecision(fp)
	}
}

// Freeze stops activation range tracking.
func (m *Model) Freeze() { m.setRunning(false) }

// Unfreeze resumes activation range tracking.
func (m *Model) Unfreeze() { m.setRunning(true) }

func (m *Model) setRunning(on bool) {
	for _, a := range m.ActLayers() {
		a.Running = on
	}
}

// Update calibrates activation ranges by running up to maxBatches batches of
// l through the network (all when maxBatches <= 0). It returns the number of
// batches seen. Range tracking is left on.
func Update(ctx context.Context, m *Model, l data.Loader, maxBatches int) (int, error) {
	log := logger.FromContext(ctx)
	m.Unfreeze()
	seen := 0
	err := data.Stream(ctx, l, maxBatches, 2, func(i int, b data.Batch) error {
		m.Net.Forward(b.Images)
		seen++
		log.Debug("calibration batch", "batch", i, "size", b.Size())
		return nil
	})
	if err != nil {
		return seen, fmt.Errorf("update activation ranges: %w", err)
	}
	return seen, nil
}
