package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/zeroq/internal/eval"
	"github.com/samcharles93/zeroq/internal/logger"
	"github.com/samcharles93/zeroq/internal/quant"
)

// StageTiming records how long one pipeline stage took.
type StageTiming struct {
	Name    string  `json:"name"`
	Seconds float64 `json:"seconds"`
}

// Report is the outcome of one run.
type Report struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Config    Config    `json:"config"`

	WeightsSource   string `json:"weights_source"`
	WeightLayers    int    `json:"weight_layers"`
	ActLayers       int    `json:"act_layers"`
	CalibBatches    int    `json:"calib_batches"`
	QuantizedParams int64  `json:"quantized_params"`

	Stages        []StageTiming       `json:"stages"`
	Sensitivity   []quant.Sensitivity `json:"sensitivity,omitempty"`
	Allocation    *quant.Allocation   `json:"allocation,omitempty"`
	FullPrecision *eval.Result        `json:"full_precision,omitempty"`
	Quantized     eval.Result         `json:"quantized"`
}

// begin logs the start of a stage and returns a function that logs its end
// and records the elapsed time in the report.
func (r *Report) begin(log logger.Logger, name string, args ...any) func(done ...any) {
	start := time.Now()
	finish := logger.Stage(log, name, args...)
	return func(done ...any) {
		r.Stages = append(r.Stages, StageTiming{Name: name, Seconds: time.Since(start).Seconds()})
		finish(done...)
	}
}

// Stage returns the timing recorded for name.
func (r *Report) Stage(name string) (StageTiming, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageTiming{}, false
}

// WriteJSON writes the report as indented JSON, creating parent
// directories as needed.
func (r *Report) WriteJSON(path string) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// ReadReport loads a report written by WriteJSON.
func ReadReport(path string) (*Report, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", path, err)
	}
	return &r, nil
}
