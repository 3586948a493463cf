package data

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/samcharles93/zeroq/internal/tensor"
)

// Uniform pixel noise is centred on 127.5 and scaled so that the samples have
// roughly the spread of normalised natural images.
const (
	randomPixelCenter = 127.5
	randomPixelScale  = 5418.75
)

// DefaultRandomSamples is the length of the random calibration set.
const DefaultRandomSamples = 10000

// RandomLoader serves unlabeled batches of uniform integer pixel noise.
// Batch i is a pure function of the seed and i.
type RandomLoader struct {
	Samples   int
	BatchSize int
	Size      int
	Seed      int64
}

func NewRandomLoader(samples, batchSize, size int, seed int64) (*RandomLoader, error) {
	if samples <= 0 || batchSize <= 0 || size <= 0 {
		return nil, fmt.Errorf("random data: samples=%d batch=%d size=%d must be positive", samples, batchSize, size)
	}
	return &RandomLoader{Samples: samples, BatchSize: batchSize, Size: size, Seed: seed}, nil
}

func (l *RandomLoader) Len() int {
	return (l.Samples + l.BatchSize - 1) / l.BatchSize
}

func (l *RandomLoader) Batch(ctx context.Context, i int) (Batch, error) {
	if i < 0 || i >= l.Len() {
		return Batch{}, fmt.Errorf("batch %d out of range [0,%d)", i, l.Len())
	}
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	n := min(l.BatchSize, l.Samples-i*l.BatchSize)
	img := tensor.New(n, 3, l.Size, l.Size)
	rng := rand.New(rand.NewSource(l.Seed + int64(i)))
	for j := range img.Data {
		img.Data[j] = (float32(rng.Intn(255)) - randomPixelCenter) / randomPixelScale
	}
	return Batch{Images: img}, nil
}
