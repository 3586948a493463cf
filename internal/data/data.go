// Package data provides the test, training and synthetic image batches that
// feed calibration and evaluation.
package data

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/zeroq/internal/tensor"
)

// Dataset names accepted on the command line.
const (
	ImageNet = "imagenet"
	CIFAR10  = "cifar10"
)

var (
	ErrUnknownDataset = errors.New("unknown dataset")
	ErrNoImages       = errors.New("no images found")
)

// Info describes a dataset's label space and preprocessing.
type Info struct {
	Name       string
	NumClasses int
	Mean       [3]float32
	Std        [3]float32
	// InputSize is the default crop resolution; ResizeSize is the shorter
	// side an evaluation image is resized to before the center crop.
	InputSize  int
	ResizeSize int
}

var datasets = map[string]Info{
	ImageNet: {
		Name:       ImageNet,
		NumClasses: 1000,
		Mean:       [3]float32{0.485, 0.456, 0.406},
		Std:        [3]float32{0.229, 0.224, 0.225},
		InputSize:  224,
		ResizeSize: 256,
	},
	CIFAR10: {
		Name:       CIFAR10,
		NumClasses: 10,
		Mean:       [3]float32{0.4914, 0.4822, 0.4465},
		Std:        [3]float32{0.2023, 0.1994, 0.2010},
		InputSize:  32,
		ResizeSize: 32,
	},
}

// Lookup returns the dataset registered under name.
func Lookup(name string) (Info, error) {
	info, ok := datasets[name]
	if !ok {
		return Info{}, fmt.Errorf("%w %q", ErrUnknownDataset, name)
	}
	return info, nil
}

// WithInputSize returns a copy of info cropping to size. The resize side
// keeps the 0.875 crop ratio used for ImageNet evaluation (256→224, 342→299).
func (info Info) WithInputSize(size int) Info {
	if size == info.InputSize || size <= 0 {
		return info
	}
	info.InputSize = size
	if info.ResizeSize != size {
		info.ResizeSize = int(float64(size)/0.875 + 0.5)
	}
	return info
}

// Normalize converts a [0,1] pixel value of channel c to the model's input
// scale.
func (info Info) Normalize(c int, v float32) float32 {
	return (v - info.Mean[c]) / info.Std[c]
}

// Batch is one batch of NCHW images. Labels is nil for unlabeled data.
type Batch struct {
	Images *tensor.Tensor
	Labels []int
}

// Size returns the number of images in the batch.
func (b Batch) Size() int {
	if b.Images == nil {
		return 0
	}
	return b.Images.Dim(0)
}

// Loader gives indexed access to a fixed sequence of batches.
type Loader interface {
	// Len returns the number of batches.
	Len() int
	// Batch loads batch i, 0 <= i < Len().
	Batch(ctx context.Context, i int) (Batch, error)
}

// TensorLoader serves batches held in memory.
type TensorLoader struct {
	batches []Batch
}

// NewTensorLoader wraps unlabeled image batches.
func NewTensorLoader(images ...*tensor.Tensor) *TensorLoader {
	l := &TensorLoader{batches: make([]Batch, len(images))}
	for i, img := range images {
		l.batches[i] = Batch{Images: img}
	}
	return l
}

func (l *TensorLoader) Len() int { return len(l.batches) }

func (l *TensorLoader) Batch(_ context.Context, i int) (Batch, error) {
	if i < 0 || i >= len(l.batches) {
		return Batch{}, fmt.Errorf("batch %d out of range [0,%d)", i, len(l.batches))
	}
	return l.batches[i], nil
}

type indexedBatch struct {
	index int
	batch Batch
}

// Stream loads the first n batches of l (all when n <= 0) on a background
// goroutine, keeping up to depth batches ready, and hands them to fn in
// order. The first error from loading or from fn stops both sides.
func Stream(ctx context.Context, l Loader, n, depth int, fn func(i int, b Batch) error) error {
	total := l.Len()
	if n > 0 && n < total {
		total = n
	}
	g, gctx := errgroup.WithContext(ctx)
	ch := make(chan indexedBatch, max(depth, 1))

	g.Go(func() error {
		defer close(ch)
		for i := 0; i < total; i++ {
			b, err := l.Batch(gctx, i)
			if err != nil {
				return fmt.Errorf("load batch %d: %w", i, err)
			}
			select {
			case ch <- indexedBatch{index: i, batch: b}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		for item := range ch {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(item.index, item.batch); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}
