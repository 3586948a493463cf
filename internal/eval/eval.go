// Package eval measures the classification accuracy of a network.
package eval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/zeroq/internal/data"
	"github.com/samcharles93/zeroq/internal/logger"
	"github.com/samcharles93/zeroq/internal/nn"
	"github.com/samcharles93/zeroq/internal/tensor"
)

// ErrNoLabels is returned when the loader yields an unlabeled batch.
var ErrNoLabels = errors.New("batch has no labels")

// Options controls an evaluation run.
type Options struct {
	// MaxBatches limits the run; 0 evaluates every batch.
	MaxBatches int
	// LogEvery logs running accuracy every N batches; 0 disables it.
	LogEvery int
	// Prefetch is the number of batches loaded ahead of inference.
	Prefetch int
}

// Result holds top-1 and top-5 accuracy as fractions.
type Result struct {
	Top1     float64       `json:"top1"`
	Top5     float64       `json:"top5"`
	Correct1 int           `json:"correct1"`
	Correct5 int           `json:"correct5"`
	Samples  int           `json:"samples"`
	Batches  int           `json:"batches"`
	Duration time.Duration `json:"duration_ns"`
}

func (r *Result) add(logits *tensor.Tensor, labels []int) error {
	rows, cols := logits.Dims2()
	if rows != len(labels) {
		return fmt.Errorf("eval: %d outputs for %d labels", rows, len(labels))
	}
	for i, y := range labels {
		row := logits.Data[i*cols : (i+1)*cols]
		if tensor.Argmax(row) == y {
			r.Correct1++
		}
		for _, k := range tensor.TopK(row, 5) {
			if k == y {
				r.Correct5++
				break
			}
		}
	}
	r.Samples += rows
	r.Batches++
	r.Top1 = float64(r.Correct1) / float64(r.Samples)
	r.Top5 = float64(r.Correct5) / float64(r.Samples)
	return nil
}

// Evaluate runs net over the batches of l and counts top-1 and top-5 hits.
// Inside data.Stream one errgroup goroutine loads batches and a second runs
// inference, one batch at a time.
func Evaluate(ctx context.Context, net nn.Module, l data.Loader, opts Options) (Result, error) {
	log := logger.FromContext(ctx)
	start := time.Now()
	var res Result
	total := l.Len()
	if opts.MaxBatches > 0 {
		total = min(total, opts.MaxBatches)
	}

	err := data.Stream(ctx, l, opts.MaxBatches, max(opts.Prefetch, 1), func(i int, b data.Batch) error {
		if b.Labels == nil {
			return fmt.Errorf("batch %d: %w", i, ErrNoLabels)
		}
		if err := res.add(net.Forward(b.Images), b.Labels); err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
		if opts.LogEvery > 0 && (i+1)%opts.LogEvery == 0 {
			log.Info("evaluating",
				"batch", i+1,
				"of", total,
				"top1", percent(res.Top1),
				"top5", percent(res.Top5),
			)
		}
		return nil
	})
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}
	return res, nil
}

func percent(f float64) float64 {
	return float64(int64(f*100000+0.5)) / 1000
}
