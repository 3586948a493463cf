package quant

import (
	"context"
	"fmt"

	"github.com/samcharles93/zeroq/internal/logger"
	"github.com/samcharles93/zeroq/internal/tensor"
)

// DefaultSensitivityBits are the widths Analyze measures.
var DefaultSensitivityBits = []int{2, 4, 8}

// Sensitivity is the output divergence caused by quantizing one weight layer
// alone. KL maps a bit width to KL(fp ‖ quantized) averaged over the batch.
type Sensitivity struct {
	Layer  string          `json:"layer"`
	Params int             `json:"params"`
	KL     map[int]float64 `json:"kl"`
}

type layerState struct {
	bits int
	fp   bool
}

// Analyze measures, for every weight layer and every width in bits, how far
// the network output on batch moves when only that layer is quantized.
// Activation quantizers stay in full precision and do not track ranges.
// All flags are restored before returning.
func Analyze(ctx context.Context, m *Model, batch *tensor.Tensor, bits []int) ([]Sensitivity, error) {
	if len(bits) == 0 {
		bits = DefaultSensitivityBits
	}
	log := logger.FromContext(ctx)

	saved := make([]layerState, len(m.Layers))
	for i, l := range m.Layers {
		saved[i] = layerState{bits: l.Bits(), fp: l.FullPrecision()}
	}
	acts := m.ActLayers()
	running := make([]bool, len(acts))
	for i, a := range acts {
		running[i] = a.Running
		a.Running = false
	}
	defer func() {
		for i, l := range m.Layers {
			l.SetBits(saved[i].bits)
			l.SetFullPrecision(saved[i].fp)
		}
		for i, a := range acts {
			a.Running = running[i]
		}
	}()

	m.SetFullPrecision(true)
	ref := m.Net.Forward(batch).Clone()

	weights := m.WeightLayers()
	out := make([]Sensitivity, 0, len(weights))
	for _, l := range weights {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := Sensitivity{Layer: l.Path(), Params: l.NumParams(), KL: make(map[int]float64, len(bits))}
		l.SetFullPrecision(false)
		for _, b := range bits {
			if b < 1 || b > 16 {
				return nil, fmt.Errorf("quant: sensitivity bit width %d out of range", b)
			}
			l.SetBits(b)
			s.KL[b] = tensor.KLDivRows(ref, m.Net.Forward(batch))
		}
		l.SetFullPrecision(true)
		log.Debug("layer sensitivity", "layer", s.Layer, "params", s.Params, "kl", s.KL)
		out = append(out, s)
	}
	return out, nil
}
