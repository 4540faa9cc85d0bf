// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// expectedNumParameters: (784*64 + 64 + 1) + (64*3 + 3) + (3*64 + 64 + 1) + (64*784 + 784).
const expectedNumParameters = 101_653

func newTestModel(t *testing.T, dropout float64) *Model {
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	ctx.SetParam(context.ParamInitialSeed, int64(42))
	hp := DefaultHyperparameters()
	hp.Dropout = dropout
	m, err := New(ctx, hp)
	require.NoError(t, err)
	return m
}

// randomBatch returns images shaped [n, 1, 28, 28] with values in [0, 1), their flattened version and digits.
func randomBatch(rng *rand.Rand, n int) (images [][][][]float32, flat [][]float32, digits [][]int32) {
	images = make([][][][]float32, n)
	flat = make([][]float32, n)
	digits = make([][]int32, n)
	for i := range n {
		images[i] = [][][]float32{make([][]float32, ImageSize)}
		flat[i] = make([]float32, 0, InputDim)
		for row := range ImageSize {
			images[i][0][row] = make([]float32, ImageSize)
			for col := range ImageSize {
				v := rng.Float32()
				images[i][0][row][col] = v
				flat[i] = append(flat[i], v)
			}
		}
		digits[i] = []int32{int32(rng.Intn(NumClasses))}
	}
	return
}

func TestHyperparameters(t *testing.T) {
	require.NoError(t, DefaultHyperparameters().Validate())

	hp := DefaultHyperparameters()
	hp.Dropout = 1.0
	require.Error(t, hp.Validate())
	hp = DefaultHyperparameters()
	hp.Optimizer = "magic"
	require.Error(t, hp.Validate())
	hp = DefaultHyperparameters()
	hp.LearningRate = 0
	require.Error(t, hp.Validate())

	task, err := ParseAccuracyTask("multilabel")
	require.NoError(t, err)
	assert.Equal(t, Multilabel, task)
	_, err = ParseAccuracyTask("binary")
	require.Error(t, err)

	// Round trip through the context.
	ctx := context.New()
	hp = DefaultHyperparameters()
	hp.Dropout = 0.1
	hp.AccuracyTask = Multilabel
	hp.SetParams(ctx)
	got, err := HyperparametersFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, hp, got)

	assert.Equal(t, "val_loss", StageValidation.MetricKey(LossMetric))
	assert.Equal(t, "test_ssim", StageTest.MetricKey(SSIMMetric))
	assert.Equal(t, "training", StageTraining.String())
}

func TestForwardShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTestModel(t, 0.5)
	rng := rand.New(rand.NewSource(1))
	for _, batchSize := range []int{1, 4, 7} {
		images, _, _ := randomBatch(rng, batchSize)
		xHat, yHat, err := m.Predict(backend, images)
		require.NoError(t, err)
		assert.Equal(t, []int{batchSize, InputDim}, xHat.Shape().Dimensions)
		assert.Equal(t, []int{batchSize, InputDim}, yHat.Shape().Dimensions)
	}

	// Flattened input works the same.
	_, flat, _ := randomBatch(rng, 3)
	xHat, _, err := m.Predict(backend, flat)
	require.NoError(t, err)
	assert.Equal(t, []int{3, InputDim}, xHat.Shape().Dimensions)

	// Encoder and decoder on their own.
	exec := context.MustNewExec(backend, m.Context().Reuse(), func(ctx *context.Context, x *Node) []*Node {
		ctx = ctx.In(Scope)
		z := Encoder(ctx, x)
		return []*Node{z, Decoder(ctx, z)}
	})
	outputs := exec.MustExec(flat)
	assert.Equal(t, []int{3, LatentDim}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{3, InputDim}, outputs[1].Shape().Dimensions)

	// Wrong number of elements per example.
	_, _, err = m.Predict(backend, [][]float32{{1, 2, 3}})
	require.Error(t, err)
}

func TestInferenceIsDeterministic(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(2))
	images, _, _ := randomBatch(rng, 5)
	for _, dropout := range []float64{0, 0.5} {
		var module Module = newTestModel(t, dropout)
		xHat0, yHat0, err := module.Predict(backend, images)
		require.NoError(t, err)
		xHat1, yHat1, err := module.Predict(backend, images)
		require.NoError(t, err)
		assert.Equal(t, xHat0.Value(), xHat1.Value(), "dropout=%g", dropout)
		assert.Equal(t, yHat0.Value(), yHat1.Value(), "dropout=%g", dropout)
	}
}

func TestEndToEndBatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTestModel(t, 0.5)
	images, _, _ := randomBatch(rand.New(rand.NewSource(3)), 4)
	xHat, yHat, err := m.Predict(backend, images)
	require.NoError(t, err)
	require.Equal(t, []int{4, InputDim}, xHat.Shape().Dimensions)
	require.Equal(t, []int{4, InputDim}, yHat.Shape().Dimensions)
	for row, logProbs := range yHat.Value().([][]float32) {
		var sum float64
		for _, lp := range logProbs {
			sum += math.Exp(float64(lp))
		}
		assert.InDelta(t, 1.0, sum, 1e-4, "row %d", row)
	}
}

func TestNumParameters(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTestModel(t, 0.5)
	assert.Equal(t, 0, m.NumParameters())
	require.NoError(t, m.Build(backend))
	assert.Equal(t, expectedNumParameters, m.NumParameters())

	var encoder, decoder int
	for v := range m.Context().In(Scope).In("encoder").IterVariablesInScope() {
		encoder += v.Shape().Size()
	}
	for v := range m.Context().In(Scope).In("decoder").IterVariablesInScope() {
		decoder += v.Shape().Size()
	}
	assert.Equal(t, encoder+decoder, m.NumParameters())

	params, err := m.Parameters()
	require.NoError(t, err)
	assert.Equal(t, InputDim, params.Encoder.Hidden.In)
	assert.Equal(t, LatentDim, params.Encoder.Output.Out)
	assert.Equal(t, LatentDim, params.Decoder.Hidden.In)
	assert.Equal(t, InputDim, params.Decoder.Output.Out)
	assert.Equal(t, float32(PReLUInitialSlope), params.Encoder.Slope)
}

func TestParametersApplyMatchesGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTestModel(t, 0.5)
	_, flat, _ := randomBatch(rand.New(rand.NewSource(4)), 2)
	xHat, _, err := m.Predict(backend, flat)
	require.NoError(t, err)
	params, err := m.Parameters()
	require.NoError(t, err)
	got := xHat.Value().([][]float32)
	for i := range flat {
		want := params.Apply(flat[i])
		require.InDeltaSlice(t, want, got[i], 1e-3)
	}
}

func TestTrainingStepAndEval(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTestModel(t, 0.5)
	trainer := train.NewTrainer(backend, m.Context(), m.ModelGraph, m.Loss, m.ConfigureOptimizer(),
		nil, m.EvalMetrics())
	rng := rand.New(rand.NewSource(5))
	images, flat, digits := randomBatch(rng, 8)

	trainMetrics, err := trainer.TrainStep(nil,
		[]*tensors.Tensor{tensors.FromValue(images)},
		[]*tensors.Tensor{tensors.FromValue(flat), tensors.FromValue(digits)})
	require.NoError(t, err)
	require.NotEmpty(t, trainMetrics)
	loss := trainMetrics[0].Value().(float32)
	assert.False(t, math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0))
	assert.GreaterOrEqual(t, loss, float32(0))

	// The optimizer updates exactly the model parameters.
	assert.Equal(t, expectedNumParameters, m.NumParameters())

	ds, err := datasets.InMemoryFromData(backend, "eval", []any{images}, []any{flat, digits})
	require.NoError(t, err)
	ds.BatchSize(4, false)
	evalMetrics, err := trainer.Eval(ds)
	require.NoError(t, err)
	require.Len(t, evalMetrics, 3)
	require.Len(t, trainer.EvalMetrics(), 3)
	assert.Equal(t, metrics.LossMetricType, trainer.EvalMetrics()[0].MetricType())
	for ii, value := range evalMetrics {
		v := value.Value().(float32)
		assert.False(t, math.IsNaN(float64(v)), "metric %s", trainer.EvalMetrics()[ii].Name())
	}
}

func TestAccuracyGraph(t *testing.T) {
	// Two examples, only the first one predicts correctly with argmax.
	logProbs := func(choice int) []float32 {
		row := make([]float32, InputDim)
		for i := range row {
			row[i] = -20
		}
		row[choice] = 0
		return row
	}
	yHatValue := [][]float32{logProbs(3), logProbs(5)}
	digitsValue := [][]int32{{3}, {7}}

	graphtest.RunTestGraphFn(t, "multiclass", func(g *Graph) (inputs, outputs []*Node) {
		yHat := Const(g, yHatValue)
		digits := Const(g, digitsValue)
		inputs = []*Node{yHat, digits}
		outputs = []*Node{AccuracyGraph(Multiclass, []*Node{nil, digits}, []*Node{yHat, yHat})}
		return
	}, []any{float32(0.5)}, 1e-6)

	// Multilabel: the first example gets every output right, the second misses 2 out of 784.
	graphtest.RunTestGraphFn(t, "multilabel", func(g *Graph) (inputs, outputs []*Node) {
		yHat := Const(g, yHatValue)
		digits := Const(g, digitsValue)
		inputs = []*Node{yHat, digits}
		outputs = []*Node{AccuracyGraph(Multilabel, []*Node{nil, digits}, []*Node{yHat, yHat})}
		return
	}, []any{float32(1.0 - 2.0/(2*InputDim))}, 1e-5)
}

func TestSSIMGraph(t *testing.T) {
	_, flat, _ := randomBatch(rand.New(rand.NewSource(6)), 2)
	graphtest.RunTestGraphFn(t, "identical images", func(g *Graph) (inputs, outputs []*Node) {
		images := Const(g, flat)
		inputs = []*Node{images}
		outputs = []*Node{SSIMGraph(images, images)}
		return
	}, []any{float32(1.0)}, 1e-4)

	backend := graphtest.BuildTestBackend()
	inverted := make([][]float32, len(flat))
	for i, row := range flat {
		inverted[i] = make([]float32, len(row))
		for j, v := range row {
			inverted[i][j] = 1 - v
		}
	}
	ssim, err := ExecOnce(backend, func(a, b *Node) *Node { return SSIMGraph(a, b) }, inverted, flat)
	require.NoError(t, err)
	assert.Less(t, ssim.Value().(float32), float32(0.5))

	// Same results on the pure Go backend.
	goBackend := simplego.GetBackend()
	for _, images := range [][][]float32{flat, inverted} {
		want, err := ExecOnce(backend, func(a, b *Node) *Node { return SSIMGraph(a, b) }, images, flat)
		require.NoError(t, err)
		got, err := ExecOnce(goBackend, func(a, b *Node) *Node { return SSIMGraph(a, b) }, images, flat)
		require.NoError(t, err)
		assert.InDelta(t, want.Value().(float32), got.Value().(float32), 1e-4)
	}
}

func TestGaussianKernel(t *testing.T) {
	kernel := gaussianKernel(SSIMKernelSize, SSIMKernelSigma)
	require.Len(t, kernel, SSIMKernelSize*SSIMKernelSize)
	var sum float64
	for _, v := range kernel {
		sum += float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	center := SSIMKernelSize / 2
	assert.Greater(t, kernel[center*SSIMKernelSize+center], kernel[0])
}
