package data

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/zeroq/internal/tensor"
)

type folderSample struct {
	path  string
	label int
}

// FolderLoader reads an ImageNet-style split laid out as
// <root>/<class>/<image>. Classes are numbered in sorted directory order.
// Evaluation resizes the shorter side and center crops; training applies a
// random resized crop and a horizontal flip.
type FolderLoader struct {
	info      Info
	samples   []folderSample
	classes   []string
	batchSize int
	train     bool
	seed      int64
}

var imageExts = map[string]bool{".jpeg": true, ".jpg": true, ".png": true}

// OpenFolder scans root for class directories and their images.
func OpenFolder(root string, info Info, train bool, batchSize int, seed int64) (*FolderLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("folder: batch size %d must be positive", batchSize)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("folder: %w", err)
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	sort.Strings(classes)

	var samples []folderSample
	for label, class := range classes {
		files, err := os.ReadDir(filepath.Join(root, class))
		if err != nil {
			return nil, fmt.Errorf("folder: %w", err)
		}
		for _, f := range files {
			if f.IsDir() || !imageExts[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			samples = append(samples, folderSample{path: filepath.Join(root, class, f.Name()), label: label})
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("folder: %w in %s", ErrNoImages, root)
	}
	if train {
		rand.New(rand.NewSource(seed)).Shuffle(len(samples), func(i, j int) { samples[i], samples[j] = samples[j], samples[i] })
	}
	return &FolderLoader{info: info, samples: samples, classes: classes, batchSize: batchSize, train: train, seed: seed}, nil
}

// Classes returns the class directory names in label order.
func (l *FolderLoader) Classes() []string { return l.classes }

// Samples returns the number of images in the split.
func (l *FolderLoader) Samples() int { return len(l.samples) }

func (l *FolderLoader) Len() int {
	return (len(l.samples) + l.batchSize - 1) / l.batchSize
}

func (l *FolderLoader) Batch(ctx context.Context, i int) (Batch, error) {
	if i < 0 || i >= l.Len() {
		return Batch{}, fmt.Errorf("batch %d out of range [0,%d)", i, l.Len())
	}
	samples := l.samples[i*l.batchSize : min((i+1)*l.batchSize, len(l.samples))]
	size := l.info.InputSize
	img := tensor.New(len(samples), 3, size, size)
	labels := make([]int, len(samples))
	plane := 3 * size * size

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for j, s := range samples {
		labels[j] = s.label
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src, err := decodeImage(s.path)
			if err != nil {
				return err
			}
			var rng *rand.Rand
			if l.train {
				rng = rand.New(rand.NewSource(l.seed + int64(i*l.batchSize+j)))
			}
			l.transform(img.Data[j*plane:(j+1)*plane], src, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}
	return Batch{Images: img, Labels: labels}, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// transform writes the normalised CHW crop of src into dst. A nil rng selects
// the deterministic evaluation transform.
func (l *FolderLoader) transform(dst []float32, src image.Image, rng *rand.Rand) {
	size := l.info.InputSize
	var crop image.Rectangle
	flip := false
	if rng == nil {
		crop = centerCrop(src.Bounds(), l.info.ResizeSize, size)
	} else {
		crop = randomResizedCrop(src.Bounds(), rng)
		flip = rng.Intn(2) == 1
	}

	out := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(out, out.Bounds(), src, crop, draw.Src, nil)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			sx := x
			if flip {
				sx = size - 1 - x
			}
			o := out.PixOffset(sx, y)
			for c := 0; c < 3; c++ {
				dst[c*size*size+y*size+x] = l.info.Normalize(c, float32(out.Pix[o+c])/255)
			}
		}
	}
}

// centerCrop maps "resize the shorter side to resize, then take the central
// size x size window" back onto source coordinates.
func centerCrop(b image.Rectangle, resize, size int) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	short := min(w, h)
	side := int(math.Round(float64(short) * float64(size) / float64(resize)))
	side = max(1, min(side, short))
	x0 := b.Min.X + (w-side)/2
	y0 := b.Min.Y + (h-side)/2
	return image.Rect(x0, y0, x0+side, y0+side)
}

// randomResizedCrop picks a window covering 8%–100% of the area with an
// aspect ratio in [3/4, 4/3], falling back to the center square.
func randomResizedCrop(b image.Rectangle, rng *rand.Rand) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	area := float64(w * h)
	for range 10 {
		target := area * (0.08 + rng.Float64()*0.92)
		logRatio := math.Log(3.0/4) + rng.Float64()*(math.Log(4.0/3)-math.Log(3.0/4))
		ratio := math.Exp(logRatio)
		cw := int(math.Round(math.Sqrt(target * ratio)))
		ch := int(math.Round(math.Sqrt(target / ratio)))
		if cw > 0 && ch > 0 && cw <= w && ch <= h {
			x0 := b.Min.X + rng.Intn(w-cw+1)
			y0 := b.Min.Y + rng.Intn(h-ch+1)
			return image.Rect(x0, y0, x0+cw, y0+ch)
		}
	}
	side := min(w, h)
	x0 := b.Min.X + (w-side)/2
	y0 := b.Min.Y + (h-side)/2
	return image.Rect(x0, y0, x0+side, y0+side)
}

// TestLoader opens the evaluation split of the dataset under dir.
func TestLoader(info Info, dir string, batchSize int) (Loader, error) {
	switch info.Name {
	case CIFAR10:
		return OpenCIFAR(dir, false, batchSize, 0)
	case ImageNet:
		return OpenFolder(filepath.Join(dir, "val"), info, false, batchSize, 0)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownDataset, info.Name)
}

// TrainLoader opens the shuffled, augmented training split under dir.
func TrainLoader(info Info, dir string, batchSize int, seed int64) (Loader, error) {
	switch info.Name {
	case CIFAR10:
		return OpenCIFAR(dir, true, batchSize, seed)
	case ImageNet:
		return OpenFolder(filepath.Join(dir, "train"), info, true, batchSize, seed)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownDataset, info.Name)
}
