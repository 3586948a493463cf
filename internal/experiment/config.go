package experiment

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/zeroq/internal/data"
	"github.com/samcharles93/zeroq/internal/distill"
	"github.com/samcharles93/zeroq/internal/quant"
	"github.com/samcharles93/zeroq/internal/zoo"
)

// Calibration data sources.
const (
	SourceDistill = "distill"
	SourceRandom  = "random"
	SourceTrain   = "train"
)

// Sources lists the accepted values of Config.DataSource.
var Sources = []string{SourceDistill, SourceRandom, SourceTrain}

// ErrInvalidConfig wraps every validation failure that has no more specific
// sentinel.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every knob of an experiment run.
type Config struct {
	Dataset       string `json:"dataset"`
	DataSource    string `json:"data_source"`
	Model         string `json:"model"`
	BatchSize     int    `json:"batch_size"`
	TestBatchSize int    `json:"test_batch_size"`

	DataDir     string `json:"data_dir"`
	WeightsPath string `json:"weights,omitempty"`
	ModelsDir   string `json:"models_path,omitempty"`
	RandomInit  bool   `json:"random_init"`
	Seed        int64  `json:"seed"`

	WeightBits int `json:"weight_bits"`
	ActBits    int `json:"act_bits"`

	DistillIters   int     `json:"distill_iters"`
	DistillLR      float64 `json:"distill_lr"`
	DistillBatches int     `json:"distill_batches"`
	CalibBatches   int     `json:"calib_batches"`
	RandomSamples  int     `json:"random_samples"`

	SensitivityBits []int   `json:"sensitivity_bits"`
	TargetBits      float64 `json:"target_bits"`

	EvalFP         bool `json:"eval_fp"`
	MaxTestBatches int  `json:"max_test_batches"`
	LogEvery       int  `json:"log_every"`

	ReportPath string `json:"report,omitempty"`
}

// DefaultConfig returns the defaults of the command line.
func DefaultConfig() Config {
	d := distill.DefaultConfig()
	return Config{
		Dataset:         data.ImageNet,
		DataSource:      SourceDistill,
		Model:           "resnet18",
		BatchSize:       32,
		TestBatchSize:   128,
		DataDir:         "./data/imagenet/",
		WeightBits:      8,
		ActBits:         8,
		DistillIters:    d.Iterations,
		DistillLR:       d.LearningRate,
		DistillBatches:  d.NumBatches,
		RandomSamples:   data.DefaultRandomSamples,
		SensitivityBits: slices.Clone(quant.DefaultSensitivityBits),
		LogEvery:        10,
	}
}

// Validate rejects unknown choices and inconsistent combinations before any
// work starts.
func (c Config) Validate() error {
	if _, err := data.Lookup(c.Dataset); err != nil {
		return err
	}
	if !slices.Contains(Sources, c.DataSource) {
		return fmt.Errorf("%w: data source %q (choose from %v)", ErrInvalidConfig, c.DataSource, Sources)
	}
	spec, err := zoo.Lookup(c.Model)
	if err != nil {
		return err
	}
	if spec.Dataset != c.Dataset {
		return fmt.Errorf("%w: model %s is trained on %s, not %s", ErrInvalidConfig, c.Model, spec.Dataset, c.Dataset)
	}
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	case c.TestBatchSize <= 0:
		return fmt.Errorf("%w: test batch size must be positive", ErrInvalidConfig)
	case c.WeightBits < 1 || c.WeightBits > 16 || c.ActBits < 1 || c.ActBits > 16:
		return fmt.Errorf("%w: bit widths must be in [1,16]", ErrInvalidConfig)
	case c.DistillIters < 0:
		return fmt.Errorf("%w: distill iterations must not be negative", ErrInvalidConfig)
	case c.DataSource == SourceDistill && (c.DistillBatches <= 0 || c.DistillLR <= 0):
		return fmt.Errorf("%w: distillation needs positive batches and learning rate", ErrInvalidConfig)
	case c.DataSource == SourceRandom && c.RandomSamples <= 0:
		return fmt.Errorf("%w: random samples must be positive", ErrInvalidConfig)
	case c.TargetBits < 0:
		return fmt.Errorf("%w: target bits must not be negative", ErrInvalidConfig)
	}
	for _, b := range c.SensitivityBits {
		if b < 1 || b > 16 {
			return fmt.Errorf("%w: sensitivity bit width %d out of range", ErrInvalidConfig, b)
		}
	}
	return nil
}
