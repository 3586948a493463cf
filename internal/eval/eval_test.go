package eval

import (
	"context"
	"errors"
	"testing"

	"github.com/samcharles93/zeroq/internal/data"
	"github.com/samcharles93/zeroq/internal/nn"
	"github.com/samcharles93/zeroq/internal/tensor"
)

type labeledLoader []data.Batch

func (l labeledLoader) Len() int { return len(l) }

func (l labeledLoader) Batch(_ context.Context, i int) (data.Batch, error) {
	return l[i], nil
}

// batch builds [N, classes, 1, 1] images whose flattened values are the logits.
func batch(rows [][]float32, labels []int) data.Batch {
	classes := len(rows[0])
	img := tensor.New(len(rows), classes, 1, 1)
	for i, r := range rows {
		copy(img.Data[i*classes:], r)
	}
	return data.Batch{Images: img, Labels: labels}
}

func fixture() labeledLoader {
	return labeledLoader{
		batch([][]float32{
			{0, 1, 2, 3, 4, 5},
			{5, 4, 3, 2, 1, 0},
			{5, 4, 3, 2, 1, 0},
		}, []int{5, 4, 5}),
		batch([][]float32{{1, 0, 0, 0, 0, 0}}, []int{0}),
	}
}

func TestEvaluateCountsTopK(t *testing.T) {
	t.Parallel()
	res, err := Evaluate(context.Background(), &nn.Flatten{}, fixture(), Options{LogEvery: 1})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Samples != 4 || res.Batches != 2 || res.Correct1 != 2 || res.Correct5 != 3 {
		t.Fatalf("unexpected counts %+v", res)
	}
	if res.Top1 != 0.5 || res.Top5 != 0.75 {
		t.Fatalf("top1=%v top5=%v", res.Top1, res.Top5)
	}
}

func TestEvaluateMaxBatches(t *testing.T) {
	t.Parallel()
	res, err := Evaluate(context.Background(), &nn.Flatten{}, fixture(), Options{MaxBatches: 1})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Samples != 3 || res.Correct1 != 1 || res.Correct5 != 2 {
		t.Fatalf("unexpected counts %+v", res)
	}
}

func TestEvaluateErrors(t *testing.T) {
	t.Parallel()
	unlabeled := data.NewTensorLoader(tensor.New(2, 6, 1, 1))
	if _, err := Evaluate(context.Background(), &nn.Flatten{}, unlabeled, Options{}); !errors.Is(err, ErrNoLabels) {
		t.Fatalf("expected ErrNoLabels, got %v", err)
	}

	short := labeledLoader{batch([][]float32{{1, 2}, {3, 4}}, []int{0})}
	if _, err := Evaluate(context.Background(), &nn.Flatten{}, short, Options{}); err == nil {
		t.Fatal("expected error for label count mismatch")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Evaluate(ctx, &nn.Flatten{}, fixture(), Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPercent(t *testing.T) {
	t.Parallel()
	if got := percent(0.71254); got != 71.254 {
		t.Fatalf("percent=%v", got)
	}
}
