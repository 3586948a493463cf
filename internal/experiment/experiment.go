// Package experiment runs a zero-shot quantization experiment end to end:
// load a pretrained classifier, build calibration data, quantize, analyse
// per-layer sensitivity, calibrate activation ranges and evaluate.
package experiment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/zeroq/internal/data"
	"github.com/samcharles93/zeroq/internal/distill"
	"github.com/samcharles93/zeroq/internal/eval"
	"github.com/samcharles93/zeroq/internal/logger"
	"github.com/samcharles93/zeroq/internal/nn"
	"github.com/samcharles93/zeroq/internal/quant"
	"github.com/samcharles93/zeroq/internal/zoo"
)

// Run executes the experiment described by cfg.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Report{ID: uuid.NewString(), StartedAt: time.Now().UTC(), Config: cfg}
	log := logger.FromContext(ctx).With("run", r.ID)
	ctx = logger.WithContext(ctx, log)

	done := r.begin(log, "load model", "model", cfg.Model)
	model, err := zoo.Load(ctx, zoo.LoadOptions{
		Name:        cfg.Model,
		WeightsPath: cfg.WeightsPath,
		ModelsDir:   cfg.ModelsDir,
		RandomInit:  cfg.RandomInit,
		Seed:        cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	r.WeightsSource = model.Source
	done("source", model.Source)

	info, err := data.Lookup(cfg.Dataset)
	if err != nil {
		return nil, err
	}
	info = info.WithInputSize(model.Spec.InputSize)
	test, err := data.TestLoader(info, cfg.DataDir, cfg.TestBatchSize)
	if err != nil {
		return nil, fmt.Errorf("open test data: %w", err)
	}

	done = r.begin(log, "calibration data", "source", cfg.DataSource)
	calib, err := calibrationData(ctx, cfg, info, model.Net)
	if err != nil {
		return nil, err
	}
	done("batches", calib.Len())

	done = r.begin(log, "quantize", "weight_bits", cfg.WeightBits, "act_bits", cfg.ActBits)
	qm, err := quant.Quantizer{WeightBits: cfg.WeightBits, ActBits: cfg.ActBits}.Quantize(model.Net)
	if err != nil {
		return nil, err
	}
	r.WeightLayers = len(qm.WeightLayers())
	r.ActLayers = len(qm.ActLayers())
	for _, l := range qm.WeightLayers() {
		r.QuantizedParams += int64(l.NumParams())
	}
	done("weight_layers", r.WeightLayers, "act_layers", r.ActLayers)
	log.Debug("quantized network", "summary", nn.Summary(qm.Net))

	if cfg.EvalFP {
		done = r.begin(log, "evaluate full precision")
		qm.SetFullPrecision(true)
		qm.Freeze()
		res, err := eval.Evaluate(ctx, qm.Net, test, evalOptions(cfg))
		qm.SetFullPrecision(false)
		if err != nil {
			return nil, fmt.Errorf("evaluate full precision: %w", err)
		}
		r.FullPrecision = &res
		done("top1", res.Top1, "top5", res.Top5)
	}

	done = r.begin(log, "sensitivity", "bits", cfg.SensitivityBits)
	first, err := calib.Batch(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load sensitivity batch: %w", err)
	}
	r.Sensitivity, err = quant.Analyze(ctx, qm, first.Images, cfg.SensitivityBits)
	if err != nil {
		return nil, fmt.Errorf("sensitivity analysis: %w", err)
	}
	done("layers", len(r.Sensitivity))

	if cfg.TargetBits > 0 {
		alloc, err := quant.Allocate(r.Sensitivity, cfg.TargetBits)
		if err != nil {
			return nil, err
		}
		if err := quant.Apply(qm, alloc); err != nil {
			return nil, err
		}
		r.Allocation = &alloc
		log.Info("mixed precision allocation",
			"target_bits", cfg.TargetBits,
			"average_bits", alloc.AverageBits,
			"sensitivity", alloc.Sensitivity,
		)
	}

	done = r.begin(log, "calibrate activations")
	r.CalibBatches, err = quant.Update(ctx, qm, calib, cfg.CalibBatches)
	if err != nil {
		return nil, err
	}
	qm.Freeze()
	done("batches", r.CalibBatches)

	done = r.begin(log, "evaluate quantized")
	r.Quantized, err = eval.Evaluate(ctx, qm.Net, test, evalOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("evaluate quantized: %w", err)
	}
	done("top1", r.Quantized.Top1, "top5", r.Quantized.Top5, "samples", r.Quantized.Samples)

	if cfg.ReportPath != "" {
		if err := r.WriteJSON(cfg.ReportPath); err != nil {
			return r, err
		}
		log.Info("report written", "path", cfg.ReportPath)
	}
	return r, nil
}

func evalOptions(cfg Config) eval.Options {
	return eval.Options{MaxBatches: cfg.MaxTestBatches, LogEvery: cfg.LogEvery, Prefetch: 2}
}

func calibrationData(ctx context.Context, cfg Config, info data.Info, net nn.Module) (data.Loader, error) {
	switch cfg.DataSource {
	case SourceDistill:
		dc := distill.DefaultConfig()
		dc.NumBatches = cfg.DistillBatches
		dc.BatchSize = cfg.BatchSize
		dc.InputSize = info.InputSize
		dc.Iterations = cfg.DistillIters
		dc.LearningRate = cfg.DistillLR
		dc.Seed = cfg.Seed
		l, err := distill.Generate(ctx, net, dc)
		if err != nil {
			return nil, fmt.Errorf("distill data: %w", err)
		}
		return l, nil
	case SourceRandom:
		return data.NewRandomLoader(cfg.RandomSamples, cfg.BatchSize, info.InputSize, cfg.Seed)
	case SourceTrain:
		l, err := data.TrainLoader(info, cfg.DataDir, cfg.BatchSize, cfg.Seed)
		if err != nil {
			return nil, fmt.Errorf("open train data: %w", err)
		}
		return l, nil
	}
	return nil, fmt.Errorf("%w: data source %q", ErrInvalidConfig, cfg.DataSource)
}
