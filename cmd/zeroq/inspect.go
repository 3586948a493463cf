package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/zeroq/internal/logger"
	"github.com/samcharles93/zeroq/internal/nn"
	"github.com/samcharles93/zeroq/internal/quant"
	"github.com/samcharles93/zeroq/internal/zoo"
)

type inspectOptions struct {
	model      string
	weights    string
	modelsPath string
	randomInit bool
	seed       int64
	weightBits int64
	actBits    int64
	saveTo     string
	tree       bool
}

func inspectCmd() *cli.Command {
	opts := &inspectOptions{}
	return &cli.Command{
		Name:  "inspect",
		Usage: "Show a model before and after quantization",
		Flags: []cli.Flag{
			modelFlag(&opts.model),
			weightsFlag(&opts.weights),
			modelsPathFlag(&opts.modelsPath),
			randomInitFlag(&opts.randomInit),
			seedFlag(&opts.seed),
			weightBitsFlag(&opts.weightBits),
			actBitsFlag(&opts.actBits),
			&cli.StringFlag{
				Name:        "save-weights",
				Usage:       "write the loaded full-precision weights to a .safetensors file",
				Destination: &opts.saveTo,
			},
			&cli.BoolFlag{
				Name:        "tree",
				Usage:       "print the full module tree before and after quantization",
				Destination: &opts.tree,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			if cfg.ModelsDir != "" && !cmd.IsSet("models-path") {
				opts.modelsPath = cfg.ModelsDir
			}
			if err := inspectModel(ctx, os.Stdout, *opts); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

func inspectModel(ctx context.Context, w io.Writer, opts inspectOptions) error {
	log := logger.FromContext(ctx)
	m, err := zoo.Load(ctx, zoo.LoadOptions{
		Name:        opts.model,
		WeightsPath: opts.weights,
		ModelsDir:   opts.modelsPath,
		RandomInit:  opts.randomInit,
		Seed:        opts.seed,
	})
	if err != nil {
		return err
	}

	var params int
	for _, p := range nn.Parameters(m.Net) {
		params += p.Tensor.Len()
	}
	_, _ = fmt.Fprintf(w, "Model:      %s\n", m.Spec.Name)
	_, _ = fmt.Fprintf(w, "Dataset:    %s (%d classes, %dx%d input)\n", m.Spec.Dataset, m.Spec.NumClasses, m.Spec.InputSize, m.Spec.InputSize)
	_, _ = fmt.Fprintf(w, "Weights:    %s\n", m.Source)
	_, _ = fmt.Fprintf(w, "Tensors:    %d (%d values)\n", len(nn.Parameters(m.Net)), params)

	if opts.saveTo != "" {
		if err := zoo.SaveWeights(m.Net, opts.saveTo); err != nil {
			return fmt.Errorf("save weights: %w", err)
		}
		log.Info("weights saved", "path", opts.saveTo)
	}
	if opts.tree {
		_, _ = fmt.Fprintf(w, "\nFull precision:\n%s", nn.Summary(m.Net))
	}

	qm, err := quant.Quantizer{WeightBits: int(opts.weightBits), ActBits: int(opts.actBits)}.Quantize(m.Net)
	if err != nil {
		return err
	}
	if opts.tree {
		_, _ = fmt.Fprintf(w, "\nQuantized:\n%s", nn.Summary(qm.Net))
	}

	_, _ = fmt.Fprintf(w, "\nQuantized layers (%d weight, %d activation):\n", len(qm.WeightLayers()), len(qm.ActLayers()))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "  PATH\tKIND\tBITS\tPARAMS")
	for _, l := range qm.Layers {
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%d\t%d\n", l.Path(), l.Kind(), l.Bits(), l.NumParams())
	}
	return tw.Flush()
}
