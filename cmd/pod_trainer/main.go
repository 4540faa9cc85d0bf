// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// pod_trainer trains the MNIST autoencoder and persists everything a run produces: logs, profiling
// reports, the best checkpoint, the model exported to ONNX, the validation predictions and the data splits.
//
// Usage:
//
//	pod_trainer -root=~/work/autoencoder -config=trainer.yaml -set="dropout=0.2"
//
// Any error is fatal.
package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/autoencoder/internal/conf"
	"github.com/gomlx/autoencoder/internal/tables"
	"github.com/gomlx/autoencoder/pkg/autoencoder"
	"github.com/gomlx/autoencoder/pkg/callbacks"
	"github.com/gomlx/autoencoder/pkg/export"
	"github.com/gomlx/autoencoder/pkg/mnist"
	"github.com/gomlx/autoencoder/pkg/runner"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagConfig = flag.String("config", "", "YAML configuration file. If empty, the defaults are used.")
	flagRoot   = flag.String("root", "~/work/autoencoder", "Project root: logs, models and data are stored under it.")
	flagGrid   = flag.Int("grid", 8, "Number of validation examples drawn in the reconstruction grid. 0 disables it.")
)

// onnxTolerance is the maximum difference accepted between the exported ONNX model and the trained model.
const onnxTolerance = 1e-4

func main() {
	ctx := context.New()
	autoencoder.DefaultHyperparameters().SetParams(ctx)
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	err := exceptions.TryCatch[error](func() { run(ctx, *settings) })
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// run executes the whole pipeline. Errors are raised as panics, and reported by main.
func run(ctx *context.Context, settings string) {
	start := time.Now()
	cfg := must.M1(conf.Load(*flagConfig))
	paths := conf.DefaultPaths(*flagRoot)
	must.M(paths.MkdirAll())
	klog.Infof("Project root %s, devices=%q", paths.Root, cfg.Trainer.Devices)

	// Seed before any random component is created.
	runner.SeedEverything(ctx, cfg.Trainer.Seed)

	// Hyperparameters: configuration file first, then -set overrides.
	accuracyTask := must.M1(autoencoder.ParseAccuracyTask(cfg.Model.AccuracyTask))
	autoencoder.Hyperparameters{
		Optimizer:    cfg.Model.Optimizer,
		LearningRate: cfg.Model.LearningRate,
		Dropout:      cfg.Model.Dropout,
		AccuracyTask: accuracyTask,
	}.SetParams(ctx)
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, settings))
	if len(paramsSet) > 0 {
		klog.Infof("Hyperparameters set from the command line: %v", paramsSet)
	}

	// Callbacks.
	logger := must.M1(callbacks.NewMetricsLogger(paths.Logs, cfg.Logger.Name))
	must.M(logger.LogHyperparameters(cfg.Hyperparameters()))
	profiler := must.M1(callbacks.NewProfiler(paths.Profiler, cfg.Profiler.Filename))
	if cfg.Profiler.CPUProfile {
		must.M(profiler.StartCPUProfile(cfg.Profiler.Filename + ".pprof"))
	}
	checkpointMode := must.M1(callbacks.ParseMode(cfg.Checkpoint.Mode))
	checkpoint := must.M1(callbacks.NewModelCheckpoint(ctx, paths.Checkpoints, cfg.Checkpoint.Monitor, checkpointMode))
	stoppingMode := must.M1(callbacks.ParseMode(cfg.EarlyStopping.Mode))
	earlyStopping := must.M1(callbacks.NewEarlyStopping(cfg.EarlyStopping.Monitor, stoppingMode,
		cfg.EarlyStopping.Patience, cfg.EarlyStopping.MinDelta))

	// Data and model.
	if cfg.Data.Dir == "" {
		cfg.Data.Dir = paths.Data
	}
	dm := mnist.NewDataModule(mnist.Config{
		Dir:           cfg.Data.Dir,
		BatchSize:     cfg.Data.BatchSize,
		EvalBatchSize: cfg.Data.EvalBatchSize,
		ValSize:       cfg.Data.ValSize,
		NumWorkers:    cfg.Data.NumWorkers,
		Download:      cfg.Data.Download,
		Seed:          cfg.Trainer.Seed,
	})
	must.M(profiler.Profile("data_setup", dm.Setup))
	defer dm.Close()
	model := must.M1(autoencoder.NewFromContext(ctx))

	backend := backends.MustNew()
	klog.Infof("Backend: %s", backend.Description())
	r := must.M1(runner.New(backend, runner.Config{
		MaxEpochs:         cfg.Trainer.MaxEpochs,
		FastDevRun:        cfg.Trainer.FastDevRun,
		LimitTrainBatches: cfg.Trainer.LimitTrainBatches,
		LimitValBatches:   cfg.Trainer.LimitValBatches,
		LogEveryNSteps:    cfg.Trainer.LogEveryNSteps,
		EnableProgressBar: cfg.Trainer.EnableProgressBar,
	}))
	r.WithLogger(logger).WithProfiler(profiler).WithCallbacks(checkpoint, earlyStopping)

	fitResult := must.M1(r.Fit(model, dm))
	if earlyStopping.ShouldStop() {
		klog.Infof("Early stopping: %s", earlyStopping.Reason())
	}
	summary := tables.New([]string{"Item", "Value"}, lipgloss.Left, lipgloss.Right)
	summary.Row("Parameters", humanize.Comma(int64(model.NumParameters())))
	summary.Row("Epochs", humanize.Comma(int64(fitResult.Epochs)))
	summary.Row("Global step", humanize.Comma(fitResult.GlobalStep))
	summary.Row("Training time", commandline.FormatDuration(fitResult.Duration))
	addMetrics(summary, fitResult.Metrics)

	if cfg.Trainer.FastDevRun {
		klog.Infof("fast_dev_run: skipping test, export and persistence")
	} else {
		// Test the best checkpoint.
		best, testMetrics := must.M2(r.TestBest(dm.Test()))
		summary.HighlightedRow("Best checkpoint", fmt.Sprintf("epoch %d, %s=%.4g",
			checkpoint.BestEpoch(), checkpoint.Monitor, checkpoint.BestScore()))
		addMetrics(summary, testMetrics)

		// Export to ONNX, using a real training example as the input template.
		sampleInputs, _ := must.M2(dm.Train().Sample(0))
		must.M(profiler.Profile("export_onnx", func() error {
			if err := export.ONNX(best, paths.Model, sampleInputs[0]); err != nil {
				return err
			}
			return export.VerifyONNX(backend, best, paths.Model, sampleInputs[0], onnxTolerance)
		}))
		onnxSummary := must.M1(export.InspectONNX(paths.Model))
		klog.Infof("Exported %s", onnxSummary)
		summary.Row("ONNX model", paths.Model)

		// Predictions on the validation split.
		xHat, yHat := must.M2(r.Predict(best, dm.Predict()))
		must.M(export.SavePredictions(backend, paths.Predictions, xHat, yHat))
		summary.Row("Predictions", fmt.Sprintf("%s (%s examples)", paths.Predictions,
			humanize.Comma(int64(xHat.Shape().Dimensions[0]))))
		if *flagGrid > 0 {
			gridPath := filepath.Join(filepath.Dir(paths.Predictions), "reconstructions.png")
			must.M(export.SaveReconstructionGrid(gridPath, dm.Predict().Images(), xHat, *flagGrid))
			summary.Row("Reconstructions", gridPath)
		}

		// Data splits.
		must.M(profiler.Profile("save_splits", func() error { return dm.SaveSplits(backend, paths.Splits) }))
		summary.Row("Splits", paths.Splits)
	}

	must.M(logger.Close())
	summary.Row("Logs", logger.Dir())
	must.M(profiler.WriteReport("run", time.Since(start)))
	must.M(profiler.Close())
	fmt.Println(summary.Render())
	fmt.Println(profiler.Summary(time.Since(start)))
}

// addMetrics appends one row per metric, sorted by name.
func addMetrics(t *tables.Table, metrics callbacks.Metrics) {
	keys := make([]string, 0, len(metrics))
	for key := range metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		t.Row(key, fmt.Sprintf("%.4f", metrics[key]))
	}
}
