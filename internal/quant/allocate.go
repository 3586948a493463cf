package quant

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
)

// ErrBudgetTooSmall is returned when even the narrowest widths exceed the
// weight-bit budget.
var ErrBudgetTooSmall = errors.New("bit budget too small")

// Allocation is a mixed-precision assignment of weight bit widths.
type Allocation struct {
	Bits        map[string]int `json:"bits"`
	Sensitivity float64        `json:"sensitivity"`
	WeightBits  int64          `json:"weight_bits"`
	AverageBits float64        `json:"average_bits"`
}

type frontierPoint struct {
	cost int64
	sens float64
	prev int
	bits int
}

// Allocate picks one width per layer from the widths measured in sens so
// that the summed sensitivity is minimal and the total number of weight bits
// stays within targetBits times the number of weights. Partial assignments
// are kept on a Pareto frontier of (cost, sensitivity), so the result is
// exact.
func Allocate(sens []Sensitivity, targetBits float64) (Allocation, error) {
	if len(sens) == 0 {
		return Allocation{}, errors.New("quant: no sensitivities to allocate")
	}
	var params int64
	for _, s := range sens {
		if len(s.KL) == 0 {
			return Allocation{}, fmt.Errorf("quant: layer %s has no measured widths", s.Layer)
		}
		params += int64(s.Params)
	}
	budget := int64(math.Floor(targetBits * float64(params)))

	layers := make([][]frontierPoint, len(sens))
	frontier := []frontierPoint{{prev: -1}}
	for i, s := range sens {
		widths := make([]int, 0, len(s.KL))
		for b := range s.KL {
			widths = append(widths, b)
		}
		slices.Sort(widths)

		var next []frontierPoint
		for j, p := range frontier {
			for _, b := range widths {
				c := p.cost + int64(s.Params)*int64(b)
				if c > budget {
					continue
				}
				next = append(next, frontierPoint{cost: c, sens: p.sens + s.KL[b], prev: j, bits: b})
			}
		}
		if len(next) == 0 {
			return Allocation{}, fmt.Errorf("%w: %.3g average bits cannot fit %s", ErrBudgetTooSmall, targetBits, s.Layer)
		}
		frontier = pareto(next)
		layers[i] = frontier
	}

	best := 0
	for j, p := range frontier {
		if p.sens < frontier[best].sens {
			best = j
		}
	}
	a := Allocation{
		Bits:        make(map[string]int, len(sens)),
		Sensitivity: frontier[best].sens,
		WeightBits:  frontier[best].cost,
		AverageBits: float64(frontier[best].cost) / float64(max(params, 1)),
	}
	for i, j := len(sens)-1, best; i >= 0; i-- {
		p := layers[i][j]
		a.Bits[sens[i].Layer] = p.bits
		j = p.prev
	}
	return a, nil
}

// pareto keeps the points not dominated in both cost and sensitivity,
// ordered by increasing cost.
func pareto(points []frontierPoint) []frontierPoint {
	sort.SliceStable(points, func(a, b int) bool {
		if points[a].cost != points[b].cost {
			return points[a].cost < points[b].cost
		}
		return points[a].sens < points[b].sens
	})
	out := points[:0]
	best := math.Inf(1)
	for _, p := range points {
		if p.sens < best {
			out = append(out, p)
			best = p.sens
		}
	}
	return out
}

// Apply sets the widths chosen by a on the model's weight layers.
func Apply(m *Model, a Allocation) error {
	for path, bits := range a.Bits {
		l := m.Layer(path)
		if l == nil || l.Kind() != KindWeight {
			return fmt.Errorf("quant: allocation names unknown weight layer %s", path)
		}
		l.SetBits(bits)
	}
	return nil
}
