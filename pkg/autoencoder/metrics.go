// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// Short names of the evaluation metrics. They are also the suffixes of the stage metric keys (e.g. "val_acc").
const (
	LossMetric     = "loss"
	AccuracyMetric = "acc"
	SSIMMetric     = "ssim"
)

// SSIM configuration: gaussian window and the stabilizing constants.
const (
	SSIMKernelSize  = 11
	SSIMKernelSigma = 1.5
	SSIMK1          = 0.01
	SSIMK2          = 0.03
)

// EvalMetrics implements Module. The trainer reports its mean loss first, so evaluation yields exactly
// three values: loss, accuracy and SSIM.
func (m *Model) EvalMetrics() []metrics.Interface {
	task := m.hp.AccuracyTask
	accuracy := metrics.NewMeanMetric("Accuracy", AccuracyMetric, metrics.AccuracyMetricType,
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			return AccuracyGraph(task, labels, predictions)
		}, accuracyPPrint)
	ssim := metrics.NewMeanMetric("SSIM", SSIMMetric, "similarity",
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			return SSIMGraph(predictions[0], labels[0])
		}, nil)
	return []metrics.Interface{accuracy, ssim}
}

func accuracyPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", 100.0*value.Value().(float32))
}

// AccuracyGraph returns the accuracy of predictions[1] (yHat, log-probabilities shaped [batchSize, InputDim])
// against the digit labels (labels[1], integers shaped [batchSize, 1]).
func AccuracyGraph(task AccuracyTask, labels, predictions []*Node) *Node {
	if len(labels) < 2 || len(predictions) < 2 {
		exceptions.Panicf("accuracy requires labels [images, digits] and predictions [xHat, yHat], got %d labels and %d predictions",
			len(labels), len(predictions))
	}
	digits, yHat := labels[1], predictions[1]
	switch task {
	case Multiclass:
		return metrics.SparseCategoricalAccuracyGraph(nil, []*Node{digits}, []*Node{yHat})
	case Multilabel:
		g := yHat.Graph()
		dtype := yHat.DType()
		batchSize := yHat.Shape().Dimensions[0]
		target := OneHot(Reshape(digits, batchSize), yHat.Shape().Dimensions[1], dtype)
		predicted := ConvertDType(GreaterThan(Exp(yHat), Scalar(g, dtype, 0.5)), dtype)
		return ReduceAllMean(ConvertDType(Equal(predicted, target), dtype))
	default:
		exceptions.Panicf("unknown accuracy task %s", task)
	}
	return nil
}

// gaussianKernel returns the normalized 2D gaussian window, flattened.
func gaussianKernel(size int, sigma float64) []float32 {
	center := float64(size-1) / 2
	kernel1D := make([]float64, size)
	var sum float64
	for i := range kernel1D {
		d := float64(i) - center
		kernel1D[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel1D[i]
	}
	kernel := make([]float32, 0, size*size)
	for _, row := range kernel1D {
		for _, col := range kernel1D {
			kernel = append(kernel, float32(row*col/(sum*sum)))
		}
	}
	return kernel
}

// SSIMGraph returns the mean structural similarity index between the reconstructions and the original images,
// both shaped [batchSize, InputDim]. They are viewed as 28x28 images and compared with a gaussian window,
// without padding. The data range is taken from the values in the batch.
func SSIMGraph(xHat, images *Node) *Node {
	g := xHat.Graph()
	dtype := xHat.DType()
	batchSize := xHat.Shape().Dimensions[0]
	preds := Reshape(xHat, batchSize, ImageSize, ImageSize, 1)
	target := Reshape(ConvertDType(images, dtype), batchSize, ImageSize, ImageSize, 1)

	dataRange := Max(
		Sub(ReduceAllMax(preds), ReduceAllMin(preds)),
		Sub(ReduceAllMax(target), ReduceAllMin(target)))
	c1 := Square(MulScalar(dataRange, SSIMK1))
	c2 := Square(MulScalar(dataRange, SSIMK2))

	kernel := Reshape(Const(g, gaussianKernel(SSIMKernelSize, SSIMKernelSigma)), SSIMKernelSize, SSIMKernelSize, 1, 1)
	kernel = ConvertDType(kernel, dtype)
	blur := func(x *Node) *Node { return Convolve(x, kernel).Strides(1).NoPadding().Done() }

	muX, muY := blur(preds), blur(target)
	muXX, muYY, muXY := Mul(muX, muX), Mul(muY, muY), Mul(muX, muY)
	sigmaXX := Sub(blur(Mul(preds, preds)), muXX)
	sigmaYY := Sub(blur(Mul(target, target)), muYY)
	sigmaXY := Sub(blur(Mul(preds, target)), muXY)

	numerator := Mul(
		Add(MulScalar(muXY, 2), c1),
		Add(MulScalar(sigmaXY, 2), c2))
	denominator := Mul(
		Add(Add(muXX, muYY), c1),
		Add(Add(sigmaXX, sigmaYY), c2))
	return ReduceAllMean(Div(numerator, denominator))
}
