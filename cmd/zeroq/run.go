package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/zeroq/internal/data"
	"github.com/samcharles93/zeroq/internal/experiment"
	"github.com/samcharles93/zeroq/internal/zoo"
)

func runExperiment(ctx context.Context, cmd *cli.Command, rf *runFlags) error {
	applyRunConfig(cmd, LoadConfig(), rf)
	cfg, err := rf.config()
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 2)
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 2)
	}

	report, err := experiment.Run(ctx, cfg)
	if err != nil {
		if errors.Is(err, zoo.ErrNoWeights) || errors.Is(err, data.ErrUnknownDataset) {
			return cli.Exit(fmt.Sprintf("error: %v", err), 2)
		}
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	printReport(os.Stdout, report)
	return nil
}

func printReport(w io.Writer, r *experiment.Report) {
	cfg := r.Config
	_, _ = fmt.Fprintf(w, "Run %s\n", r.ID)
	_, _ = fmt.Fprintf(w, "  model:        %s (%s)\n", cfg.Model, r.WeightsSource)
	_, _ = fmt.Fprintf(w, "  calibration:  %s, %d batches\n", cfg.DataSource, r.CalibBatches)
	_, _ = fmt.Fprintf(w, "  quantized:    %d weight layers (%d params), %d activation layers\n",
		r.WeightLayers, r.QuantizedParams, r.ActLayers)
	if r.Allocation != nil {
		_, _ = fmt.Fprintf(w, "  weight bits:  mixed, %.3f average (target %.3f)\n", r.Allocation.AverageBits, cfg.TargetBits)
		printAllocation(w, r.Allocation.Bits)
	} else {
		_, _ = fmt.Fprintf(w, "  weight bits:  %d\n", cfg.WeightBits)
	}
	_, _ = fmt.Fprintf(w, "  act bits:     %d\n", cfg.ActBits)
	if r.FullPrecision != nil {
		_, _ = fmt.Fprintf(w, "Full precision: top1 %.3f%%  top5 %.3f%%  (%d samples)\n",
			100*r.FullPrecision.Top1, 100*r.FullPrecision.Top5, r.FullPrecision.Samples)
	}
	_, _ = fmt.Fprintf(w, "Quantized:      top1 %.3f%%  top5 %.3f%%  (%d samples)\n",
		100*r.Quantized.Top1, 100*r.Quantized.Top5, r.Quantized.Samples)
	for _, s := range r.Stages {
		_, _ = fmt.Fprintf(w, "  %-24s %8.2fs\n", s.Name, s.Seconds)
	}
}

func printAllocation(w io.Writer, bits map[string]int) {
	counts := make(map[int]int)
	for _, b := range bits {
		counts[b]++
	}
	widths := make([]int, 0, len(counts))
	for b := range counts {
		widths = append(widths, b)
	}
	sort.Ints(widths)
	for _, b := range widths {
		_, _ = fmt.Fprintf(w, "    %2d-bit layers: %d\n", b, counts[b])
	}
}
