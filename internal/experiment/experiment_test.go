package experiment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/zeroq/internal/data"
	"github.com/samcharles93/zeroq/internal/zoo"
)

const cifarPixels = 32 * 32

// writeCIFARTest writes n labelled records in the CIFAR-10 binary format.
func writeCIFARTest(t *testing.T, dir string, n int) {
	t.Helper()
	var raw []byte
	for i := 0; i < n; i++ {
		rec := make([]byte, 1+3*cifarPixels)
		rec[0] = byte(i % 10)
		for p := 1; p < len(rec); p++ {
			rec[p] = byte((p*7 + i*31) % 256)
		}
		raw = append(raw, rec...)
	}
	if err := os.WriteFile(filepath.Join(dir, "test_batch.bin"), raw, 0o644); err != nil {
		t.Fatalf("write cifar: %v", err)
	}
}

func smallCIFARConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	writeCIFARTest(t, dir, 6)
	cfg := DefaultConfig()
	cfg.Dataset = data.CIFAR10
	cfg.Model = "resnet20_cifar10"
	cfg.DataDir = dir
	cfg.RandomInit = true
	cfg.Seed = 3
	cfg.BatchSize = 2
	cfg.TestBatchSize = 4
	cfg.MaxTestBatches = 1
	cfg.SensitivityBits = []int{2, 8}
	cfg.LogEvery = 0
	return cfg
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"unknown dataset", func(c *Config) { c.Dataset = "mnist" }, data.ErrUnknownDataset},
		{"unknown model", func(c *Config) { c.Model = "vgg16" }, zoo.ErrUnknownModel},
		{"dataset mismatch", func(c *Config) { c.Model = "resnet20_cifar10" }, ErrInvalidConfig},
		{"unknown source", func(c *Config) { c.DataSource = "real" }, ErrInvalidConfig},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, ErrInvalidConfig},
		{"zero test batch", func(c *Config) { c.TestBatchSize = 0 }, ErrInvalidConfig},
		{"wide weights", func(c *Config) { c.WeightBits = 32 }, ErrInvalidConfig},
		{"bad sensitivity bits", func(c *Config) { c.SensitivityBits = []int{0} }, ErrInvalidConfig},
		{"negative target", func(c *Config) { c.TargetBits = -1 }, ErrInvalidConfig},
		{"no random samples", func(c *Config) { c.DataSource = SourceRandom; c.RandomSamples = 0 }, ErrInvalidConfig},
	}
	for _, tc := range tests {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestRunDistilledPipeline(t *testing.T) {
	t.Parallel()
	cfg := smallCIFARConfig(t)
	cfg.DistillIters = 2
	cfg.EvalFP = true
	cfg.TargetBits = 6
	cfg.ReportPath = filepath.Join(t.TempDir(), "out", "report.json")

	r, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.ID == "" || r.WeightsSource != "random" {
		t.Fatalf("id %q source %q", r.ID, r.WeightsSource)
	}
	if r.WeightLayers != 22 || r.ActLayers != 19 {
		t.Fatalf("%d weight layers, %d activation layers", r.WeightLayers, r.ActLayers)
	}
	if len(r.Sensitivity) != 22 || len(r.Sensitivity[0].KL) != 2 {
		t.Fatalf("sensitivity table %v", r.Sensitivity)
	}
	if r.Allocation == nil || r.Allocation.AverageBits > 6 || len(r.Allocation.Bits) != 22 {
		t.Fatalf("allocation %+v", r.Allocation)
	}
	if r.CalibBatches != 1 {
		t.Fatalf("calibrated on %d batches", r.CalibBatches)
	}
	if r.FullPrecision == nil || r.FullPrecision.Samples != 4 || r.Quantized.Samples != 4 {
		t.Fatalf("fp %+v quantized %+v", r.FullPrecision, r.Quantized)
	}
	if r.Quantized.Top5 < r.Quantized.Top1 {
		t.Fatalf("top5 %v below top1 %v", r.Quantized.Top5, r.Quantized.Top1)
	}
	for _, name := range []string{"load model", "calibration data", "quantize", "evaluate full precision", "sensitivity", "calibrate activations", "evaluate quantized"} {
		if _, ok := r.Stage(name); !ok {
			t.Errorf("missing stage %q in %v", name, r.Stages)
		}
	}

	back, err := ReadReport(cfg.ReportPath)
	if err != nil {
		t.Fatalf("ReadReport: %v", err)
	}
	if back.ID != r.ID || back.Config.Model != cfg.Model || back.Quantized.Samples != 4 {
		t.Fatalf("report round trip lost data: %+v", back)
	}
	if back.Sensitivity[0].KL[8] != r.Sensitivity[0].KL[8] {
		t.Fatalf("sensitivity not preserved: %v vs %v", back.Sensitivity[0].KL, r.Sensitivity[0].KL)
	}
}

func TestRunRandomSource(t *testing.T) {
	t.Parallel()
	cfg := smallCIFARConfig(t)
	cfg.DataSource = SourceRandom
	cfg.RandomSamples = 3
	cfg.SensitivityBits = []int{8}

	r, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.CalibBatches != 2 {
		t.Fatalf("calibrated on %d batches, want 2", r.CalibBatches)
	}
	if r.FullPrecision != nil || r.Allocation != nil {
		t.Fatal("optional stages ran without being requested")
	}
}

func TestRunFailures(t *testing.T) {
	t.Parallel()
	cfg := smallCIFARConfig(t)
	cfg.RandomInit = false
	if _, err := Run(context.Background(), cfg); !errors.Is(err, zoo.ErrNoWeights) {
		t.Fatalf("expected ErrNoWeights, got %v", err)
	}

	cfg = smallCIFARConfig(t)
	cfg.DataDir = t.TempDir()
	if _, err := Run(context.Background(), cfg); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing test data, got %v", err)
	}

	cfg = smallCIFARConfig(t)
	cfg.DataSource = SourceTrain
	if _, err := Run(context.Background(), cfg); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing train data, got %v", err)
	}
}
