package zoo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/zeroq/internal/logger"
	"github.com/samcharles93/zeroq/internal/nn"
	"github.com/samcharles93/zeroq/internal/safetensors"
	"github.com/samcharles93/zeroq/internal/tensor"
)

// ErrWeightMismatch is returned when a checkpoint does not cover the network.
var ErrWeightMismatch = errors.New("weights do not match architecture")

// LoadWeights copies every network parameter from f, matching by name and
// shape. Tensors in f that the network does not use are ignored and counted
// in the returned unused value.
func LoadWeights(net nn.Module, f *safetensors.File) (unused int, err error) {
	params := nn.Parameters(net)
	var missing []string
	used := make(map[string]bool, len(params))
	for _, p := range params {
		info, ok := f.Tensor(p.Name)
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		if !sameShape(info.Shape, p.Tensor.Shape) {
			return 0, fmt.Errorf("%w: %s has shape %v, network expects %v", ErrWeightMismatch, p.Name, info.Shape, p.Tensor.Shape)
		}
		vals, _, err := f.ReadTensorF32(p.Name)
		if err != nil {
			return 0, err
		}
		copy(p.Tensor.Data, vals)
		used[p.Name] = true
	}
	if len(missing) > 0 {
		shown := missing[:min(len(missing), 5)]
		return 0, fmt.Errorf("%w: %d tensors missing (%s)", ErrWeightMismatch, len(missing), strings.Join(shown, ", "))
	}
	return len(f.Tensors) - len(used), nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SaveWeights writes every network parameter to path.
func SaveWeights(net nn.Module, path string) error {
	params := nn.Parameters(net)
	entries := make([]safetensors.Entry, len(params))
	for i, p := range params {
		entries[i] = safetensors.Entry{Name: p.Name, Shape: p.Tensor.Shape, Data: p.Tensor.Data}
	}
	return safetensors.Write(path, entries)
}

// InitRandom fills the network with Kaiming-normal weights and then sets
// every BatchNorm's running statistics to the statistics it observes on a
// batch of spatially correlated noise. The result behaves like a trained
// network as far as BN-statistics matching is concerned.
func InitRandom(net nn.Module, spec Spec, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	_ = nn.Walk(net, func(_ string, m nn.Module) error {
		switch l := m.(type) {
		case *nn.Conv2d:
			fanIn := l.Weight.Len() / l.OutChannels
			tensor.FillNormal(l.Weight, rng, 0, math.Sqrt(2/float64(fanIn)))
		case *nn.Linear:
			tensor.FillNormal(l.Weight, rng, 0, math.Sqrt(1/float64(l.In)))
			if l.Bias != nil {
				tensor.FillNormal(l.Bias, rng, 0, 0.01)
			}
		case *nn.BatchNorm2d:
			tensor.FillUniform(l.Weight, rng, 0.8, 1.2)
			tensor.FillNormal(l.Bias, rng, 0, 0.1)
			l.Hook = &runningStatsHook{bn: l}
		}
		return nil
	})

	net.Forward(correlatedNoise(rng, 2, spec.InputSize))

	_ = nn.Walk(net, func(_ string, m nn.Module) error {
		if bn, ok := m.(*nn.BatchNorm2d); ok {
			bn.Hook = nil
		}
		return nil
	})
}

// runningStatsHook overwrites the running statistics with the batch
// statistics of the observed input. Forward order guarantees every BN sees
// inputs produced by already-calibrated layers.
type runningStatsHook struct {
	bn *nn.BatchNorm2d
}

func (h *runningStatsHook) Observe(x *tensor.Tensor) {
	n, c, hh, w := x.Dims4()
	plane := hh * w
	count := float64(n * plane)
	for ch := 0; ch < c; ch++ {
		var sum, sq float64
		for b := 0; b < n; b++ {
			for _, v := range x.Data[(b*c+ch)*plane : (b*c+ch+1)*plane] {
				sum += float64(v)
				sq += float64(v) * float64(v)
			}
		}
		mean := sum / count
		h.bn.RunningMean.Data[ch] = float32(mean)
		h.bn.RunningVar.Data[ch] = float32(math.Max(sq/count-mean*mean, 1e-3))
	}
}

func (h *runningStatsHook) Grad() *tensor.Tensor { return nil }

// correlatedNoise averages 2x2 neighbourhoods of white noise and rescales to
// unit variance, giving inputs with spatial structure.
func correlatedNoise(rng *rand.Rand, n, size int) *tensor.Tensor {
	white := tensor.New(n, 3, size+1, size+1)
	tensor.FillNormal(white, rng, 0, 1)
	out := tensor.New(n, 3, size, size)
	for p := 0; p < n*3; p++ {
		src := white.Data[p*(size+1)*(size+1):]
		dst := out.Data[p*size*size:]
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				s := src[y*(size+1)+x] + src[y*(size+1)+x+1] + src[(y+1)*(size+1)+x] + src[(y+1)*(size+1)+x+1]
				dst[y*size+x] = s / 2
			}
		}
	}
	return out
}

// LoadOptions selects where a model's weights come from.
type LoadOptions struct {
	Name string
	// WeightsPath names a safetensors checkpoint explicitly.
	WeightsPath string
	// ModelsDir is searched for <name>.safetensors when WeightsPath is empty.
	ModelsDir string
	// RandomInit allows falling back to InitRandom when no file is found.
	RandomInit bool
	Seed       int64
}

// Load builds the named model and fills its weights.
func Load(ctx context.Context, opts LoadOptions) (*Model, error) {
	log := logger.FromContext(ctx)
	spec, err := Lookup(opts.Name)
	if err != nil {
		return nil, err
	}
	net := spec.Build()

	path := opts.WeightsPath
	if path == "" && opts.ModelsDir != "" {
		candidate := filepath.Join(opts.ModelsDir, spec.Name+".safetensors")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	if path == "" {
		if !opts.RandomInit {
			return nil, fmt.Errorf("%w for %s: pass --weights, --models-path or --random-init", ErrNoWeights, spec.Name)
		}
		log.Warn("no pretrained weights, using seeded random initialisation", "model", spec.Name, "seed", opts.Seed)
		InitRandom(net, spec, opts.Seed)
		return &Model{Spec: spec, Net: net, Source: "random"}, nil
	}

	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weights %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	unused, err := LoadWeights(net, f)
	if err != nil {
		return nil, fmt.Errorf("load weights %s: %w", path, err)
	}
	log.Debug("weights loaded", "path", path, "params", len(nn.Parameters(net)), "unused", unused)
	return &Model{Spec: spec, Net: net, Source: path}, nil
}
