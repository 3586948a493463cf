package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/zeroq/internal/experiment"
)

var (
	logLevel  string
	logFormat string
	debug     bool
)

// runFlags holds the destinations of the experiment flags.
type runFlags struct {
	dataset       string
	dataSource    string
	model         string
	batchSize     int64
	testBatchSize int64

	dataDir    string
	weights    string
	modelsPath string
	randomInit bool
	seed       int64

	weightBits int64
	actBits    int64

	distillIters   int64
	distillLR      float64
	distillBatches int64
	calibBatches   int64
	randomSamples  int64

	sensitivityBits string
	targetBits      float64

	evalFP         bool
	maxTestBatches int64
	logEvery       int64
	report         string
}

func (f *runFlags) flags() []cli.Flag {
	d := experiment.DefaultConfig()
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "dataset",
			Usage:       "type of dataset (imagenet, cifar10)",
			Value:       d.Dataset,
			Destination: &f.dataset,
		},
		&cli.StringFlag{
			Name:        "data-source",
			Aliases:     []string{"data_source"},
			Usage:       "calibration data (distill, random, train)",
			Value:       d.DataSource,
			Destination: &f.dataSource,
		},
		modelFlag(&f.model),
		&cli.Int64Flag{
			Name:        "batch_size",
			Aliases:     []string{"batch-size"},
			Usage:       "batch size of calibration data",
			Value:       int64(d.BatchSize),
			Destination: &f.batchSize,
		},
		&cli.Int64Flag{
			Name:        "test_batch_size",
			Aliases:     []string{"test-batch-size"},
			Usage:       "batch size of test data",
			Value:       int64(d.TestBatchSize),
			Destination: &f.testBatchSize,
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Aliases:     []string{"data_dir"},
			Usage:       "dataset root (imagenet: train/ and val/ class folders, cifar10: binary batches)",
			Value:       d.DataDir,
			Destination: &f.dataDir,
		},
		weightsFlag(&f.weights),
		modelsPathFlag(&f.modelsPath),
		randomInitFlag(&f.randomInit),
		seedFlag(&f.seed),
		weightBitsFlag(&f.weightBits),
		actBitsFlag(&f.actBits),
		&cli.Int64Flag{
			Name:        "distill-iters",
			Usage:       "optimisation steps per distilled batch",
			Value:       int64(d.DistillIters),
			Destination: &f.distillIters,
		},
		&cli.Float64Flag{
			Name:        "distill-lr",
			Usage:       "Adam learning rate for distillation",
			Value:       d.DistillLR,
			Destination: &f.distillLR,
		},
		&cli.Int64Flag{
			Name:        "distill-batches",
			Usage:       "number of distilled batches",
			Value:       int64(d.DistillBatches),
			Destination: &f.distillBatches,
		},
		&cli.Int64Flag{
			Name:        "calib-batches",
			Usage:       "calibration batches used for activation ranges (0 = all)",
			Destination: &f.calibBatches,
		},
		&cli.Int64Flag{
			Name:        "random-samples",
			Usage:       "size of the random calibration set",
			Value:       int64(d.RandomSamples),
			Destination: &f.randomSamples,
		},
		&cli.StringFlag{
			Name:        "sensitivity-bits",
			Usage:       "comma-separated weight widths tried by the sensitivity analysis",
			Value:       joinInts(d.SensitivityBits),
			Destination: &f.sensitivityBits,
		},
		&cli.Float64Flag{
			Name:        "target-bits",
			Usage:       "average weight bits for mixed precision (0 = uniform)",
			Destination: &f.targetBits,
		},
		&cli.BoolFlag{
			Name:        "eval-fp",
			Usage:       "also evaluate the full-precision model",
			Destination: &f.evalFP,
		},
		&cli.Int64Flag{
			Name:        "max-test-batches",
			Usage:       "limit evaluation to the first N test batches (0 = all)",
			Destination: &f.maxTestBatches,
		},
		&cli.Int64Flag{
			Name:        "log-every",
			Usage:       "log running accuracy every N test batches (0 = off)",
			Value:       int64(d.LogEvery),
			Destination: &f.logEvery,
		},
		&cli.StringFlag{
			Name:        "report",
			Usage:       "write a JSON run report to this path",
			Destination: &f.report,
		},
	}
}

func modelFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "model",
		Aliases:     []string{"m"},
		Usage:       "model to be quantized (see `zeroq models`)",
		Value:       experiment.DefaultConfig().Model,
		Destination: dst,
	}
}

func weightsFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "weights",
		Aliases:     []string{"w"},
		Usage:       "path to a .safetensors checkpoint",
		Destination: dst,
	}
}

func modelsPathFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "models-path",
		Aliases:     []string{"path"},
		Usage:       "directory containing <model>.safetensors checkpoints",
		Destination: dst,
	}
}

func randomInitFlag(dst *bool) cli.Flag {
	return &cli.BoolFlag{
		Name:        "random-init",
		Usage:       "fall back to seeded random weights when no checkpoint is found",
		Destination: dst,
	}
}

func seedFlag(dst *int64) cli.Flag {
	return &cli.Int64Flag{
		Name:        "seed",
		Usage:       "seed for random weights and calibration data",
		Destination: dst,
	}
}

func weightBitsFlag(dst *int64) cli.Flag {
	return &cli.Int64Flag{
		Name:        "weight-bits",
		Usage:       "weight bit width",
		Value:       8,
		Destination: dst,
	}
}

func actBitsFlag(dst *int64) cli.Flag {
	return &cli.Int64Flag{
		Name:        "act-bits",
		Usage:       "activation bit width",
		Value:       8,
		Destination: dst,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// config converts the parsed flags into an experiment configuration.
func (f *runFlags) config() (experiment.Config, error) {
	bits, err := parseInts(f.sensitivityBits)
	if err != nil {
		return experiment.Config{}, fmt.Errorf("--sensitivity-bits: %w", err)
	}
	return experiment.Config{
		Dataset:         f.dataset,
		DataSource:      f.dataSource,
		Model:           f.model,
		BatchSize:       int(f.batchSize),
		TestBatchSize:   int(f.testBatchSize),
		DataDir:         f.dataDir,
		WeightsPath:     f.weights,
		ModelsDir:       f.modelsPath,
		RandomInit:      f.randomInit,
		Seed:            f.seed,
		WeightBits:      int(f.weightBits),
		ActBits:         int(f.actBits),
		DistillIters:    int(f.distillIters),
		DistillLR:       f.distillLR,
		DistillBatches:  int(f.distillBatches),
		CalibBatches:    int(f.calibBatches),
		RandomSamples:   int(f.randomSamples),
		SensitivityBits: bits,
		TargetBits:      f.targetBits,
		EvalFP:          f.evalFP,
		MaxTestBatches:  int(f.maxTestBatches),
		LogEvery:        int(f.logEvery),
		ReportPath:      f.report,
	}, nil
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", part)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no values in %q", s)
	}
	return out, nil
}

func joinInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
