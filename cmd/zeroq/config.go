package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the zeroq configuration file (~/.config/zeroq/config.yaml).
// Numeric fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	ModelsDir string `yaml:"models_dir"`

	// Calibration defaults
	DataSource   string   `yaml:"data_source"`
	BatchSize    *int64   `yaml:"batch_size"`
	DistillIters *int64   `yaml:"distill_iters"`
	DistillLR    *float64 `yaml:"distill_lr"`
	Seed         *int64   `yaml:"seed"`
	RandomInit   *bool    `yaml:"random_init"`

	// Evaluation
	TestBatchSize *int64 `yaml:"test_batch_size"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "zeroq", "config.yaml")
}

// applyLoggingConfig applies config file logging defaults when the
// corresponding flags were not explicitly set.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyRunConfig applies config file defaults to the experiment flags
// when the corresponding CLI flag was not explicitly set.
func applyRunConfig(c *cli.Command, cfg Config, f *runFlags) {
	if cfg.DataDir != "" && !c.IsSet("data-dir") && !c.IsSet("data_dir") {
		f.dataDir = cfg.DataDir
	}
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		f.modelsPath = cfg.ModelsDir
	}
	if cfg.DataSource != "" && !c.IsSet("data-source") && !c.IsSet("data_source") {
		f.dataSource = cfg.DataSource
	}
	if cfg.BatchSize != nil && !c.IsSet("batch_size") && !c.IsSet("batch-size") {
		f.batchSize = *cfg.BatchSize
	}
	if cfg.TestBatchSize != nil && !c.IsSet("test_batch_size") && !c.IsSet("test-batch-size") {
		f.testBatchSize = *cfg.TestBatchSize
	}
	if cfg.DistillIters != nil && !c.IsSet("distill-iters") {
		f.distillIters = *cfg.DistillIters
	}
	if cfg.DistillLR != nil && !c.IsSet("distill-lr") {
		f.distillLR = *cfg.DistillLR
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		f.seed = *cfg.Seed
	}
	if cfg.RandomInit != nil && !c.IsSet("random-init") {
		f.randomInit = *cfg.RandomInit
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFrom(configPath())
}

func loadConfigFrom(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
