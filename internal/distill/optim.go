package distill

import "math"

// adam is the Adam optimiser over a single float32 vector.
type adam struct {
	lr           float64
	beta1, beta2 float64
	eps          float64

	m, v []float64
	step int
}

func newAdam(n int, lr float64) *adam {
	return &adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     make([]float64, n),
		v:     make([]float64, n),
	}
}

func (a *adam) update(x, grad []float32) {
	a.step++
	bc1 := 1 - math.Pow(a.beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.beta2, float64(a.step))
	for i, g32 := range grad {
		g := float64(g32)
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g
		mhat := a.m[i] / bc1
		vhat := a.v[i] / bc2
		x[i] -= float32(a.lr * mhat / (math.Sqrt(vhat) + a.eps))
	}
}

// plateau lowers the learning rate by factor once the loss has not improved
// by a relative threshold for more than patience steps.
type plateau struct {
	factor    float64
	patience  int
	threshold float64
	minLR     float64

	best float64
	bad  int
}

func newPlateau(factor float64, patience int, threshold, minLR float64) *plateau {
	return &plateau{
		factor:    factor,
		patience:  patience,
		threshold: threshold,
		minLR:     minLR,
		best:      math.Inf(1),
	}
}

// step records loss and returns the learning rate to use next.
func (p *plateau) step(loss, lr float64) float64 {
	if loss < p.best*(1-p.threshold) {
		p.best = loss
		p.bad = 0
		return lr
	}
	p.bad++
	if p.bad <= p.patience {
		return lr
	}
	p.bad = 0
	next := math.Max(lr*p.factor, p.minLR)
	if lr-next <= 1e-8 {
		return lr
	}
	return next
}
