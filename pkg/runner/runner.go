// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runner drives the autoencoder through its stages: fit (training with per-epoch validation),
// test and prediction. It wires the train.Trainer and train.Loop with the callbacks package.
package runner

import (
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/gomlx/autoencoder/pkg/autoencoder"
	"github.com/gomlx/autoencoder/pkg/callbacks"
	"github.com/gomlx/autoencoder/pkg/mnist"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of the Runner.
type Config struct {
	// MaxEpochs to train for, unless stopped early.
	MaxEpochs int

	// FastDevRun trains on a single batch and validates on a single batch, for one epoch, to smoke-test
	// the pipeline. Logging, checkpointing and early stopping are disabled.
	FastDevRun bool

	// LimitTrainBatches and LimitValBatches limit the number of batches per epoch. 0 means no limit.
	LimitTrainBatches, LimitValBatches int

	// LogEveryNSteps logs the training loss every N training steps. 0 disables it.
	LogEveryNSteps int

	// EnableProgressBar shows a progress bar during training.
	EnableProgressBar bool
}

// Runner trains, tests and runs predictions of an autoencoder.Model.
type Runner struct {
	config    Config
	backend   backends.Backend
	logger    *callbacks.MetricsLogger
	profiler  *callbacks.Profiler
	callbacks []callbacks.Callback
}

// New creates a Runner using backend to execute the models.
func New(backend backends.Backend, config Config) (*Runner, error) {
	if config.MaxEpochs <= 0 && !config.FastDevRun {
		return nil, errors.Errorf("MaxEpochs must be > 0, got %d", config.MaxEpochs)
	}
	if config.LimitTrainBatches < 0 || config.LimitValBatches < 0 || config.LogEveryNSteps < 0 {
		return nil, errors.Errorf("batch limits and LogEveryNSteps must be >= 0, got %+v", config)
	}
	return &Runner{config: config, backend: backend}, nil
}

// WithLogger sets the logger of metrics and hyperparameters.
func (r *Runner) WithLogger(logger *callbacks.MetricsLogger) *Runner {
	r.logger = logger
	return r
}

// WithProfiler sets the profiler timing the stages of the runner.
func (r *Runner) WithProfiler(profiler *callbacks.Profiler) *Runner {
	r.profiler = profiler
	return r
}

// WithCallbacks appends callbacks notified at the end of each validation. Callbacks implementing
// callbacks.Stopper can stop the training.
func (r *Runner) WithCallbacks(cbs ...callbacks.Callback) *Runner {
	r.callbacks = append(r.callbacks, cbs...)
	return r
}

// Backend used by the runner.
func (r *Runner) Backend() backends.Backend { return r.backend }

// Checkpoint returns the first callbacks.ModelCheckpoint configured, or nil.
func (r *Runner) Checkpoint() *callbacks.ModelCheckpoint {
	for _, cb := range r.callbacks {
		if mc, ok := cb.(*callbacks.ModelCheckpoint); ok {
			return mc
		}
	}
	return nil
}

// profile returns the function to stop timing action, a no-op if there is no profiler.
func (r *Runner) profile(action string) func() {
	if r.profiler == nil {
		return func() {}
	}
	return r.profiler.Start(action)
}

// SeedEverything seeds the context random number generator and variables initialization, and returns
// a random number generator for the data.
func SeedEverything(ctx *context.Context, seed int64) *rand.Rand {
	ctx.SetParam(context.ParamInitialSeed, seed)
	ctx.SetRNGStateFromSeed(seed)
	klog.V(1).Infof("Global seed set to %d", seed)
	return rand.New(rand.NewSource(seed))
}

// newTrainer creates the trainer for the model, reusing its variables if they already exist.
func (r *Runner) newTrainer(model *autoencoder.Model) *train.Trainer {
	ctx := model.Context()
	trainer := train.NewTrainer(r.backend, ctx, model.ModelGraph, model.Loss,
		model.ConfigureOptimizer(),
		nil,                  // trainMetrics
		model.EvalMetrics()) // evalMetrics
	if model.NumParameters() > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	return trainer
}

// evaluate runs trainer.Eval over ds and returns the metrics keyed by "<stage>_<metric>".
func evaluate(trainer *train.Trainer, ds train.Dataset, stage autoencoder.Stage) (callbacks.Metrics, error) {
	ds.Reset()
	values, err := trainer.Eval(ds)
	ds.Reset()
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluating %s on %q", stage, ds.Name())
	}
	results := make(callbacks.Metrics, len(values))
	for i, metric := range trainer.EvalMetrics() {
		results[metricKey(stage, metric)] = shapes.ConvertTo[float64](values[i].Value())
		values[i].FinalizeAll()
	}
	return results, nil
}

// metricKey maps the trainer's mean loss to "<stage>_loss", and the other metrics to "<stage>_<short name>".
func metricKey(stage autoencoder.Stage, metric metrics.Interface) string {
	if metric.MetricType() == metrics.LossMetricType {
		return stage.MetricKey(autoencoder.LossMetric)
	}
	return stage.MetricKey(metric.ShortName())
}

// trainLoss returns the moving average of the training loss, or the last batch loss if the trainer
// doesn't track one.
func trainLoss(trainer *train.Trainer, values []*tensors.Tensor) float64 {
	idx := 0
	for i, metric := range trainer.TrainMetrics() {
		if i > 0 && metric.MetricType() == metrics.LossMetricType {
			idx = i
			break
		}
	}
	if idx >= len(values) {
		return math.NaN()
	}
	return shapes.ConvertTo[float64](values[idx].Value())
}

// FitResult summarizes a call to Runner.Fit.
type FitResult struct {
	Epochs       int
	GlobalStep   int64
	StoppedEarly bool
	Duration     time.Duration

	// Metrics of the last validation, plus "training_loss".
	Metrics callbacks.Metrics
}

// Fit trains the model on the data module training split, validating at the end of every epoch.
//
// After each validation, the logger and the callbacks are notified. Training stops after MaxEpochs or
// when a callbacks.Stopper requests it.
func (r *Runner) Fit(model *autoencoder.Model, dm *mnist.DataModule) (*FitResult, error) {
	start := time.Now()
	stopSetup := r.profile("fit_setup")
	maxEpochs := r.config.MaxEpochs
	trainLimit, valLimit := r.config.LimitTrainBatches, r.config.LimitValBatches
	cbs := r.callbacks
	logger := r.logger
	if r.config.FastDevRun {
		klog.Infof("Running in fast_dev_run mode: 1 batch of training and validation, no logging or checkpoints")
		maxEpochs, trainLimit, valLimit = 1, 1, 1
		cbs, logger = nil, nil
	}
	dm.Train().WithMaxBatches(trainLimit)
	dm.Val().WithMaxBatches(valLimit)
	defer func() {
		dm.Train().WithMaxBatches(0)
		dm.Val().WithMaxBatches(0)
	}()
	trainDS := dm.TrainDataset()
	trainDS.Reset()

	if logger != nil {
		hp := model.Hyperparameters()
		if err := logger.LogHyperparameters(map[string]any{
			"optimizer":      hp.Optimizer,
			"lr":             hp.LearningRate,
			"dropout":        hp.Dropout,
			"accuracy_task":  hp.AccuracyTask.String(),
			"max_epochs":     maxEpochs,
			"train_examples": dm.Train().Len(),
			"val_examples":   dm.Val().Len(),
		}); err != nil {
			return nil, err
		}
	}

	trainer := r.newTrainer(model)
	loop := train.NewLoop(trainer)
	if r.config.EnableProgressBar {
		commandline.AttachProgressBar(loop)
	}
	if r.profiler != nil {
		r.profiler.AttachToLoop(loop)
	}
	epoch := 0
	if logger != nil && r.config.LogEveryNSteps > 0 {
		every := r.config.LogEveryNSteps
		loop.OnStep("log_every_n_steps", 0, func(loop *train.Loop, values []*tensors.Tensor) error {
			// The global step is already incremented by the train step, and it doesn't restart every epoch.
			globalStep := loop.Trainer.GlobalStep()
			if globalStep%int64(every) != 0 {
				return nil
			}
			logger.Log(globalStep, epoch, callbacks.Metrics{
				autoencoder.StageTraining.MetricKey(autoencoder.LossMetric): shapes.ConvertTo[float64](values[0].Value()),
			})
			return nil
		})
	}
	stopSetup()

	result := &FitResult{}
	for ; epoch < maxEpochs; epoch++ {
		stopEpoch := r.profile("train_epoch_run")
		values, err := loop.RunEpochs(trainDS, 1)
		stopEpoch()
		if err != nil {
			return nil, errors.WithMessagef(err, "training epoch %d", epoch)
		}
		loss := trainLoss(trainer, values)
		for _, v := range values {
			v.FinalizeAll()
		}

		stopVal := r.profile("validation")
		valMetrics, err := evaluate(trainer, dm.Val(), autoencoder.StageValidation)
		stopVal()
		if err != nil {
			return nil, err
		}
		valMetrics[autoencoder.StageTraining.MetricKey(autoencoder.LossMetric)] = loss
		globalStep := trainer.GlobalStep()
		klog.V(1).Infof("Epoch %d (step %d): %v", epoch, globalStep, valMetrics)
		if logger != nil {
			logger.Log(globalStep, epoch, valMetrics)
		}
		result.Metrics = valMetrics
		result.Epochs = epoch + 1
		result.GlobalStep = globalStep

		for _, cb := range cbs {
			if err = cb.OnValidationEnd(epoch, globalStep, valMetrics); err != nil {
				return nil, errors.WithMessagef(err, "callback at the end of epoch %d", epoch)
			}
		}
		for _, cb := range cbs {
			if stopper, ok := cb.(callbacks.Stopper); ok && stopper.ShouldStop() {
				result.StoppedEarly = true
			}
		}
		if result.StoppedEarly {
			break
		}
	}
	result.Duration = time.Since(start)
	if r.profiler != nil {
		if err := r.profiler.WriteReport("fit", result.Duration); err != nil {
			return nil, err
		}
	}
	klog.Infof("Fit finished after %d epochs (%d steps) in %s, median train step %s", result.Epochs, result.GlobalStep,
		commandline.FormatDuration(result.Duration), loop.MedianTrainStepDuration())
	return result, nil
}

// Test evaluates model on ds, returning the metrics keyed "test_loss", "test_acc" and "test_ssim".
func (r *Runner) Test(model *autoencoder.Model, ds train.Dataset) (callbacks.Metrics, error) {
	defer r.profile("test")()
	if err := model.Build(r.backend); err != nil {
		return nil, err
	}
	results, err := evaluate(r.newTrainer(model), ds, autoencoder.StageTest)
	if err != nil {
		return nil, err
	}
	if r.logger != nil && !r.config.FastDevRun {
		r.logger.Log(optimizers.GetGlobalStep(model.Context()), -1, results)
	}
	return results, nil
}

// TestBest loads the best checkpoint saved by the configured callbacks.ModelCheckpoint and evaluates it on ds.
// It returns the loaded model as well.
func (r *Runner) TestBest(ds train.Dataset) (*autoencoder.Model, callbacks.Metrics, error) {
	mc := r.Checkpoint()
	if mc == nil || mc.BestModelPath() == "" {
		return nil, nil, errors.New("no best checkpoint available to test, was the model trained with a ModelCheckpoint callback?")
	}
	klog.Infof("Testing best checkpoint %s (epoch %d, %s=%.6g)", mc.BestModelPath(), mc.BestEpoch(), mc.Monitor, mc.BestScore())
	best, err := autoencoder.Load(mc.Dir())
	if err != nil {
		return nil, nil, err
	}
	results, err := r.Test(best, ds)
	if err != nil {
		return nil, nil, err
	}
	return best, results, nil
}

// Predict runs the model in inference mode over one epoch of ds, and returns the reconstructions xHat and
// their log-softmax yHat, both shaped [numExamples, 784].
func (r *Runner) Predict(model *autoencoder.Model, ds train.Dataset) (xHat, yHat *tensors.Tensor, err error) {
	defer r.profile("predict")()
	ds.Reset()
	defer ds.Reset()
	var xHatFlat, yHatFlat []float32
	var numExamples int
	for {
		_, inputs, labels, yieldErr := ds.Yield()
		if yieldErr == io.EOF {
			break
		}
		if yieldErr != nil {
			return nil, nil, errors.WithMessagef(yieldErr, "reading %q for prediction", ds.Name())
		}
		batchXHat, batchYHat, err := model.Predict(r.backend, inputs[0])
		if err != nil {
			return nil, nil, err
		}
		numExamples += batchXHat.Shape().Dimensions[0]
		xHatFlat = append(xHatFlat, tensors.MustCopyFlatData[float32](batchXHat)...)
		yHatFlat = append(yHatFlat, tensors.MustCopyFlatData[float32](batchYHat)...)
		for _, t := range []*tensors.Tensor{batchXHat, batchYHat, inputs[0]} {
			t.FinalizeAll()
		}
		for _, t := range labels {
			t.FinalizeAll()
		}
	}
	if numExamples == 0 {
		return nil, nil, errors.Errorf("dataset %q yielded no examples to predict", ds.Name())
	}
	xHat = tensors.FromFlatDataAndDimensions(xHatFlat, numExamples, autoencoder.InputDim)
	yHat = tensors.FromFlatDataAndDimensions(yHatFlat, numExamples, autoencoder.InputDim)
	return xHat, yHat, nil
}
