// Package distill synthesises calibration images from a pretrained network
// by matching the BatchNorm statistics recorded during its training.
package distill

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/samcharles93/zeroq/internal/data"
	"github.com/samcharles93/zeroq/internal/logger"
	"github.com/samcharles93/zeroq/internal/nn"
	"github.com/samcharles93/zeroq/internal/tensor"
)

// ErrNoBatchNorm is returned for networks without BatchNorm layers, which
// carry no statistics to match.
var ErrNoBatchNorm = errors.New("network has no batchnorm layers")

// Config controls data distillation.
type Config struct {
	NumBatches   int
	BatchSize    int
	InputSize    int
	Iterations   int
	LearningRate float64
	Seed         int64

	// Eps is added to the variance before taking the square root.
	Eps float64

	// Plateau schedule.
	Patience  int
	Factor    float64
	Threshold float64
	MinLR     float64

	// LogEvery is the debug logging interval in iterations; 0 disables it.
	LogEvery int
}

// DefaultConfig returns the settings used for distilled calibration data.
func DefaultConfig() Config {
	return Config{
		NumBatches:   1,
		BatchSize:    32,
		InputSize:    224,
		Iterations:   500,
		LearningRate: 0.5,
		Eps:          1e-6,
		Patience:     100,
		Factor:       0.1,
		Threshold:    1e-4,
		MinLR:        1e-4,
		LogEvery:     50,
	}
}

func (c Config) validate() error {
	switch {
	case c.NumBatches <= 0:
		return fmt.Errorf("distill: batches must be positive, got %d", c.NumBatches)
	case c.BatchSize <= 0:
		return fmt.Errorf("distill: batch size must be positive, got %d", c.BatchSize)
	case c.InputSize <= 0:
		return fmt.Errorf("distill: input size must be positive, got %d", c.InputSize)
	case c.Iterations < 0:
		return fmt.Errorf("distill: iterations must not be negative, got %d", c.Iterations)
	case c.LearningRate <= 0:
		return fmt.Errorf("distill: learning rate must be positive, got %g", c.LearningRate)
	}
	return nil
}

// Stats summarises the optimisation of one batch.
type Stats struct {
	InitialLoss float64
	FinalLoss   float64
	FinalLR     float64
	Iterations  int
}

// Loss evaluates the statistics-matching loss of x on net without changing
// x. The input's own statistics are matched against zero mean, unit std.
func Loss(net nn.Module, x *tensor.Tensor, eps float64) (float64, error) {
	hooks, restore := attachHooks(net, eps)
	defer restore()
	if len(hooks) == 0 {
		return 0, ErrNoBatchNorm
	}
	loss, _, _ := forward(net, hooks, x, eps)
	return loss, nil
}

// forward runs net on x and returns the total loss, the gradient contributed
// by the input term and the network output.
func forward(net nn.Module, hooks []*bnHook, x *tensor.Tensor, eps float64) (float64, *tensor.Tensor, *tensor.Tensor) {
	_, c, _, _ := x.Dims4()
	zeros := make([]float64, c)
	ones := make([]float64, c)
	for i := range ones {
		ones[i] = 1
	}
	loss, grad := statLoss(x, zeros, ones, eps)
	out := net.Forward(x)
	for _, h := range hooks {
		loss += h.loss
	}
	return loss, grad, out
}

// lossAndGrad returns the loss at x and its gradient with respect to x.
func lossAndGrad(net nn.Module, hooks []*bnHook, x *tensor.Tensor, eps float64) (float64, *tensor.Tensor) {
	loss, grad, out := forward(net, hooks, x, eps)
	// Only the hooks contribute to the loss, so the output gradient is zero.
	grad.Add(net.Backward(tensor.ZerosLike(out)))
	return loss, grad
}

// Refine optimises x in place so that its activations match the BatchNorm
// statistics of net.
func Refine(ctx context.Context, net nn.Module, x *tensor.Tensor, cfg Config) (Stats, error) {
	log := logger.FromContext(ctx)
	hooks, restore := attachHooks(net, cfg.Eps)
	defer restore()
	if len(hooks) == 0 {
		return Stats{}, ErrNoBatchNorm
	}

	opt := newAdam(x.Len(), cfg.LearningRate)
	sched := newPlateau(cfg.Factor, cfg.Patience, cfg.Threshold, cfg.MinLR)
	st := Stats{FinalLR: cfg.LearningRate}

	for it := 0; it < cfg.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		loss, grad := lossAndGrad(net, hooks, x, cfg.Eps)
		if it == 0 {
			st.InitialLoss = loss
		}

		opt.update(x.Data, grad.Data)
		opt.lr = sched.step(loss, opt.lr)

		st.FinalLoss = loss
		st.FinalLR = opt.lr
		st.Iterations = it + 1
		if cfg.LogEvery > 0 && it%cfg.LogEvery == 0 {
			log.Debug("distill step", "iter", it, "loss", loss, "lr", opt.lr)
		}
	}
	if cfg.Iterations > 0 {
		final, _, _ := forward(net, hooks, x, cfg.Eps)
		st.FinalLoss = final
	}
	return st, nil
}

// Generate distils cfg.NumBatches batches of images for net. Every batch
// starts from standard normal noise seeded by cfg.Seed and the batch index.
func Generate(ctx context.Context, net nn.Module, cfg Config) (*data.TensorLoader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	batches := make([]*tensor.Tensor, 0, cfg.NumBatches)
	for b := 0; b < cfg.NumBatches; b++ {
		rng := rand.New(rand.NewSource(cfg.Seed + int64(b)))
		x := tensor.New(cfg.BatchSize, 3, cfg.InputSize, cfg.InputSize)
		tensor.FillNormal(x, rng, 0, 1)

		start := time.Now()
		st, err := Refine(ctx, net, x, cfg)
		if err != nil {
			return nil, fmt.Errorf("distill batch %d: %w", b, err)
		}
		log.Info("distilled batch",
			"batch", b,
			"initial_loss", st.InitialLoss,
			"final_loss", st.FinalLoss,
			"lr", st.FinalLR,
			"cost", time.Since(start),
		)
		batches = append(batches, x)
	}
	return data.NewTensorLoader(batches...), nil
}
