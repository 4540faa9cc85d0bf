// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package autoencoder implements a small fully connected autoencoder for 28x28 grayscale images (MNIST).
//
// The encoder compresses a flattened image (784 values) to a 3-dimensional latent vector, and the
// decoder reconstructs the 784 values from it. Besides the reconstruction loss, the model reports
// an accuracy and a structural similarity (SSIM) metric during evaluation.
//
// All hyperparameters are stored in the context (see ParamDropout and friends), so a checkpoint
// carries everything needed to rebuild the model (see Load).
package autoencoder

import (
	"math"
	"slices"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

const (
	// ImageSize is the height and width of the images.
	ImageSize = 28

	// InputDim is the size of a flattened image: the encoder input and the decoder output.
	InputDim = ImageSize * ImageSize

	// HiddenDim is the width of the hidden layer in both the encoder and the decoder.
	HiddenDim = 64

	// LatentDim is the size of the encoded representation.
	LatentDim = 3

	// NumClasses of the digit labels.
	NumClasses = 10

	// Scope under which all model variables are created.
	Scope = "model"
)

// Context parameters (hyperparameters) read by the model.
const (
	// ParamOptimizer is the name of the optimizer, same key as optimizers.ParamOptimizer.
	ParamOptimizer = "optimizer"

	// ParamLearningRate is the same key as optimizers.ParamLearningRate, read by the optimizers.
	ParamLearningRate = "learning_rate"

	// ParamDropout is the dropout rate applied after each hidden activation, in [0, 1). Only used during training.
	ParamDropout = "dropout"

	// ParamAccuracyTask selects how the accuracy metric is computed. See AccuracyTask.
	ParamAccuracyTask = "accuracy_task"
)

// AccuracyTask selects the convention used by the accuracy metric.
type AccuracyTask int

const (
	// Multiclass compares argmax of the predicted log-probabilities with the integer label.
	Multiclass AccuracyTask = iota

	// Multilabel thresholds the predicted probabilities at 0.5 and compares them, output by output,
	// with the one-hot encoding of the label.
	Multilabel
)

var accuracyTaskNames = []string{"multiclass", "multilabel"}

// String implements fmt.Stringer.
func (t AccuracyTask) String() string {
	if t < 0 || int(t) >= len(accuracyTaskNames) {
		return "AccuracyTask(invalid)"
	}
	return accuracyTaskNames[t]
}

// ParseAccuracyTask converts a name ("multiclass" or "multilabel") to an AccuracyTask.
func ParseAccuracyTask(name string) (AccuracyTask, error) {
	idx := slices.Index(accuracyTaskNames, name)
	if idx < 0 {
		return 0, errors.Errorf("unknown accuracy task %q, valid values are %q", name, accuracyTaskNames)
	}
	return AccuracyTask(idx), nil
}

// Stage of the model life cycle. It prefixes the names of the metrics reported for it.
type Stage int

const (
	StageTraining Stage = iota
	StageValidation
	StageTest
	StagePrediction
)

var stageNames = []string{"training", "val", "test", "predict"}

// String returns the prefix used for the metrics of the stage.
func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "Stage(invalid)"
	}
	return stageNames[s]
}

// MetricKey returns the key of a metric reported for the stage, e.g. "val_loss".
func (s Stage) MetricKey(metric string) string {
	return s.String() + "_" + metric
}

// Hyperparameters of the model.
type Hyperparameters struct {
	Optimizer    string
	LearningRate float64
	Dropout      float64
	AccuracyTask AccuracyTask
}

// DefaultHyperparameters returns Adam with learning rate 1e-3, dropout 0.5 and multiclass accuracy.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		Optimizer:    "adam",
		LearningRate: 1e-3,
		Dropout:      0.5,
		AccuracyTask: Multiclass,
	}
}

// Validate the hyperparameters.
func (hp Hyperparameters) Validate() error {
	if _, found := optimizers.KnownOptimizers[hp.Optimizer]; !found {
		return errors.Errorf("unknown optimizer %q", hp.Optimizer)
	}
	if !(hp.LearningRate > 0) || math.IsInf(hp.LearningRate, 0) {
		return errors.Errorf("learning rate must be a positive number, got %g", hp.LearningRate)
	}
	if hp.Dropout < 0 || hp.Dropout >= 1 || math.IsNaN(hp.Dropout) {
		return errors.Errorf("dropout must be in the range [0, 1), got %g", hp.Dropout)
	}
	if hp.AccuracyTask != Multiclass && hp.AccuracyTask != Multilabel {
		return errors.Errorf("invalid accuracy task %d", hp.AccuracyTask)
	}
	return nil
}

// SetParams writes the hyperparameters in the context.
func (hp Hyperparameters) SetParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamOptimizer:    hp.Optimizer,
		ParamLearningRate: hp.LearningRate,
		ParamDropout:      hp.Dropout,
		ParamAccuracyTask: hp.AccuracyTask.String(),
	})
}

// HyperparametersFromContext reads the hyperparameters from the context, using the defaults for missing values.
func HyperparametersFromContext(ctx *context.Context) (Hyperparameters, error) {
	defaults := DefaultHyperparameters()
	hp := Hyperparameters{
		Optimizer:    context.GetParamOr(ctx, ParamOptimizer, defaults.Optimizer),
		LearningRate: context.GetParamOr(ctx, ParamLearningRate, defaults.LearningRate),
		Dropout:      context.GetParamOr(ctx, ParamDropout, defaults.Dropout),
	}
	var err error
	hp.AccuracyTask, err = ParseAccuracyTask(context.GetParamOr(ctx, ParamAccuracyTask, defaults.AccuracyTask.String()))
	if err != nil {
		return hp, err
	}
	return hp, hp.Validate()
}

// Module is the set of capabilities the training runner needs from a model.
type Module interface {
	// ModelGraph is the forward pass, with the signature of train.ModelFn.
	ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node

	// Loss is the training objective, with the signature of train.LossFn.
	Loss(labels, predictions []*Node) *Node

	// Predict runs the forward pass in inference mode on a batch of images, returning (x_hat, y_hat).
	Predict(backend backends.Backend, images any) (xHat, yHat *tensors.Tensor, err error)

	// EvalMetrics returns the metrics collected in validation and test, on top of the mean loss.
	EvalMetrics() []metrics.Interface

	// ConfigureOptimizer returns the optimizer used for the training step.
	ConfigureOptimizer() optimizers.Interface

	// Context holding the model variables and hyperparameters.
	Context() *context.Context
}

// Assert *Model implements Module.
var _ Module = (*Model)(nil)
