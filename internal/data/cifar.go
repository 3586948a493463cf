package data

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/samcharles93/zeroq/internal/tensor"
)

const (
	cifarSide   = 32
	cifarPixels = cifarSide * cifarSide
	// cifarRecord is one label byte followed by the R, G and B planes.
	cifarRecord = 1 + 3*cifarPixels
	cifarPad    = 4
)

var (
	cifarTestFiles  = []string{"test_batch.bin"}
	cifarTrainFiles = []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}
)

// CIFARLoader reads the CIFAR-10 binary distribution. The training split is
// shuffled and augmented with a padded random crop and a horizontal flip.
type CIFARLoader struct {
	info      Info
	records   []byte
	order     []int
	batchSize int
	train     bool
	seed      int64
}

// OpenCIFAR loads the split from dir, which may hold the .bin files directly
// or the extracted cifar-10-batches-bin directory.
func OpenCIFAR(dir string, train bool, batchSize int, seed int64) (*CIFARLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("cifar: batch size %d must be positive", batchSize)
	}
	info, _ := Lookup(CIFAR10)
	files := cifarTestFiles
	if train {
		files = cifarTrainFiles
	}
	base := dir
	if _, err := os.Stat(filepath.Join(dir, "cifar-10-batches-bin", files[0])); err == nil {
		base = filepath.Join(dir, "cifar-10-batches-bin")
	}

	var records []byte
	for _, name := range files {
		raw, err := os.ReadFile(filepath.Join(base, name))
		if err != nil {
			return nil, fmt.Errorf("cifar: %w", err)
		}
		if len(raw)%cifarRecord != 0 {
			return nil, fmt.Errorf("cifar: %s has %d bytes, not a multiple of %d", name, len(raw), cifarRecord)
		}
		records = append(records, raw...)
	}
	n := len(records) / cifarRecord
	if n == 0 {
		return nil, fmt.Errorf("cifar: %w in %s", ErrNoImages, base)
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if train {
		rand.New(rand.NewSource(seed)).Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return &CIFARLoader{info: info, records: records, order: order, batchSize: batchSize, train: train, seed: seed}, nil
}

// Samples returns the number of images in the split.
func (l *CIFARLoader) Samples() int { return len(l.order) }

func (l *CIFARLoader) Len() int {
	return (len(l.order) + l.batchSize - 1) / l.batchSize
}

func (l *CIFARLoader) Batch(ctx context.Context, i int) (Batch, error) {
	if i < 0 || i >= l.Len() {
		return Batch{}, fmt.Errorf("batch %d out of range [0,%d)", i, l.Len())
	}
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	idx := l.order[i*l.batchSize : min((i+1)*l.batchSize, len(l.order))]
	img := tensor.New(len(idx), 3, cifarSide, cifarSide)
	labels := make([]int, len(idx))
	rng := rand.New(rand.NewSource(l.seed ^ int64(i+1)*0x9e3779b9))

	for j, rec := range idx {
		raw := l.records[rec*cifarRecord : (rec+1)*cifarRecord]
		labels[j] = int(raw[0])
		dy, dx, flip := 0, 0, false
		if l.train {
			dy = rng.Intn(2*cifarPad+1) - cifarPad
			dx = rng.Intn(2*cifarPad+1) - cifarPad
			flip = rng.Intn(2) == 1
		}
		dst := img.Data[j*3*cifarPixels : (j+1)*3*cifarPixels]
		for c := 0; c < 3; c++ {
			plane := raw[1+c*cifarPixels : 1+(c+1)*cifarPixels]
			zero := l.info.Normalize(c, 0)
			for y := 0; y < cifarSide; y++ {
				for x := 0; x < cifarSide; x++ {
					sx := x
					if flip {
						sx = cifarSide - 1 - x
					}
					sy, sx := y+dy, sx+dx
					v := zero
					if sy >= 0 && sy < cifarSide && sx >= 0 && sx < cifarSide {
						v = l.info.Normalize(c, float32(plane[sy*cifarSide+sx])/255)
					}
					dst[c*cifarPixels+y*cifarSide+x] = v
				}
			}
		}
	}
	return Batch{Images: img, Labels: labels}, nil
}
