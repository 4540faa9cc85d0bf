// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package conf holds the project paths, the global seed and the YAML configuration of a training run.
package conf

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// GlobalSeed used for weight initialization, the train/val split and shuffling, unless overridden.
const GlobalSeed int64 = 42

// DirPermMode used when creating the project directories.
const DirPermMode = 0o755

// Paths of every artifact of a training run, all relative to a project root.
type Paths struct {
	Root        string
	Logs        string
	Profiler    string
	Checkpoints string
	Model       string
	Predictions string
	Splits      string
	Data        string
}

// DefaultPaths returns the standard layout under root. A "~" prefix is expanded to the home directory.
func DefaultPaths(root string) Paths {
	root = fsutil.MustReplaceTildeInDir(root)
	return Paths{
		Root:        root,
		Logs:        filepath.Join(root, "logs"),
		Profiler:    filepath.Join(root, "logs", "profiler"),
		Checkpoints: filepath.Join(root, "models", "checkpoints"),
		Model:       filepath.Join(root, "models", "onnx", "model.onnx"),
		Predictions: filepath.Join(root, "data", "predictions", "predictions.bin"),
		Splits:      filepath.Join(root, "data", "training_split"),
		Data:        filepath.Join(root, "data", "cache", "mnist"),
	}
}

// MkdirAll creates all directories needed by the paths. Files (Model, Predictions) get their parent created.
func (p Paths) MkdirAll() error {
	dirs := []string{p.Logs, p.Profiler, p.Checkpoints, filepath.Dir(p.Model), filepath.Dir(p.Predictions), p.Splits, p.Data}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DirPermMode); err != nil {
			return errors.Wrapf(err, "failed to create directory %q", dir)
		}
	}
	return nil
}

// Trainer is forwarded verbatim to the runner.
type Trainer struct {
	MaxEpochs         int    `yaml:"max_epochs"`
	Devices           string `yaml:"devices"`
	FastDevRun        bool   `yaml:"fast_dev_run"`
	LimitTrainBatches int    `yaml:"limit_train_batches"`
	LimitValBatches   int    `yaml:"limit_val_batches"`
	LogEveryNSteps    int    `yaml:"log_every_n_steps"`
	EnableProgressBar bool   `yaml:"enable_progress_bar"`
	Seed              int64  `yaml:"seed"`
}

// Model hyperparameters.
type Model struct {
	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"lr"`
	Dropout      float64 `yaml:"dropout"`
	AccuracyTask string  `yaml:"accuracy_task"`
}

// Data configures the MNIST data module.
type Data struct {
	Dir           string `yaml:"dir"`
	BatchSize     int    `yaml:"batch_size"`
	EvalBatchSize int    `yaml:"eval_batch_size"`
	ValSize       int    `yaml:"val_size"`
	NumWorkers    int    `yaml:"num_workers"`
	Download      bool   `yaml:"download"`
}

// Monitor configures a callback watching one metric.
type Monitor struct {
	Monitor  string  `yaml:"monitor"`
	Mode     string  `yaml:"mode"`
	Patience int     `yaml:"patience,omitempty"`
	MinDelta float64 `yaml:"min_delta,omitempty"`
}

// Logger configures the metrics logger.
type Logger struct {
	Name string `yaml:"name"`
}

// Profiler configures the profiler.
type Profiler struct {
	Filename   string `yaml:"filename"`
	CPUProfile bool   `yaml:"cpu_profile"`
}

// Config of one training run, as read from YAML.
type Config struct {
	Trainer       Trainer  `yaml:"trainer"`
	Model         Model    `yaml:"model"`
	Data          Data     `yaml:"data"`
	EarlyStopping Monitor  `yaml:"early_stopping"`
	Checkpoint    Monitor  `yaml:"checkpoint"`
	Logger        Logger   `yaml:"logger"`
	Profiler      Profiler `yaml:"profiler"`
}

// Default returns the configuration used when no file is given, or for fields a file leaves out.
func Default() *Config {
	return &Config{
		Trainer: Trainer{
			MaxEpochs:         10,
			Devices:           "auto",
			LogEveryNSteps:    50,
			EnableProgressBar: true,
			Seed:              GlobalSeed,
		},
		Model: Model{
			Optimizer:    "adam",
			LearningRate: 1e-3,
			Dropout:      0.5,
			AccuracyTask: "multiclass",
		},
		Data: Data{
			BatchSize:     64,
			EvalBatchSize: 256,
			ValSize:       5000,
			Download:      true,
		},
		EarlyStopping: Monitor{Monitor: "val_loss", Mode: "min", Patience: 3},
		Checkpoint:    Monitor{Monitor: "val_loss", Mode: "min"},
		Logger:        Logger{Name: "runs"},
		Profiler:      Profiler{Filename: "profiler"},
	}
}

// Load reads the YAML file at filePath over the defaults. An empty filePath returns the defaults.
func Load(filePath string) (*Config, error) {
	cfg := Default()
	if filePath == "" {
		return cfg, nil
	}
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration from %q", filePath)
	}
	if err = yaml.Unmarshal(contents, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration in %q", filePath)
	}
	if err = cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid configuration in %q", filePath)
	}
	return cfg, nil
}

var validModes = []string{"min", "max"}

// Validate checks values that would otherwise only fail deep inside training.
// Model hyperparameters are validated by the model itself.
func (c *Config) Validate() error {
	if c.Trainer.MaxEpochs <= 0 {
		return errors.Errorf("trainer.max_epochs must be > 0, got %d", c.Trainer.MaxEpochs)
	}
	if c.Trainer.LimitTrainBatches < 0 || c.Trainer.LimitValBatches < 0 {
		return errors.Errorf("trainer.limit_*_batches must be >= 0")
	}
	if c.Data.BatchSize <= 0 || c.Data.EvalBatchSize <= 0 {
		return errors.Errorf("data.batch_size (%d) and data.eval_batch_size (%d) must be > 0",
			c.Data.BatchSize, c.Data.EvalBatchSize)
	}
	if c.Data.ValSize <= 0 {
		return errors.Errorf("data.val_size must be > 0, got %d", c.Data.ValSize)
	}
	for name, m := range map[string]Monitor{"early_stopping": c.EarlyStopping, "checkpoint": c.Checkpoint} {
		if m.Monitor == "" {
			return errors.Errorf("%s.monitor must be set", name)
		}
		if !slices.Contains(validModes, m.Mode) {
			return errors.Errorf("%s.mode must be one of %v, got %q", name, validModes, m.Mode)
		}
	}
	if c.EarlyStopping.Patience < 1 {
		return errors.Errorf("early_stopping.patience must be >= 1, got %d", c.EarlyStopping.Patience)
	}
	return nil
}

// Hyperparameters returns the flattened view logged along with the run.
func (c *Config) Hyperparameters() map[string]any {
	return map[string]any{
		"optimizer":     c.Model.Optimizer,
		"lr":            c.Model.LearningRate,
		"dropout":       c.Model.Dropout,
		"accuracy_task": c.Model.AccuracyTask,
		"batch_size":    c.Data.BatchSize,
		"max_epochs":    c.Trainer.MaxEpochs,
		"seed":          c.Trainer.Seed,
	}
}
