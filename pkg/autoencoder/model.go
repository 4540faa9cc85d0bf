// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// PReLUInitialSlope is the initial value of the learnable slope of the negative side of PReLU.
const PReLUInitialSlope = 0.25

// PReLU is a ReLU with a learnable slope for negative values, one single slope shared by all features.
// The slope is stored in the variable "weight" under the "prelu" scope.
func PReLU(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	slope := ctx.In("prelu").
		VariableWithValue("weight", shapes.CastAsDType(PReLUInitialSlope, x.DType())).
		ValueGraph(g)
	return Sub(activations.Relu(x), Mul(slope, activations.Relu(Neg(x))))
}

// hiddenBlock is Dense(hiddenDim) -> PReLU -> Dropout.
func hiddenBlock(ctx *context.Context, x *Node) *Node {
	x = layers.Dense(ctx.In("linear_0"), x, true, HiddenDim)
	x = PReLU(ctx.In("activation_0"), x)
	return layers.DropoutStatic(ctx, x, context.GetParamOr(ctx, ParamDropout, 0.0))
}

// Encoder maps flattened images shaped [batchSize, InputDim] to the latent space, shaped [batchSize, LatentDim].
// Dropout, if configured, is only applied when training.
func Encoder(ctx *context.Context, x *Node) *Node {
	ctx = ctx.In("encoder")
	checkLastDim("encoder", x, InputDim)
	x = hiddenBlock(ctx, x)
	return layers.Dense(ctx.In("linear_1"), x, true, LatentDim)
}

// Decoder maps latent vectors shaped [batchSize, LatentDim] back to [batchSize, InputDim].
func Decoder(ctx *context.Context, z *Node) *Node {
	ctx = ctx.In("decoder")
	checkLastDim("decoder", z, LatentDim)
	z = hiddenBlock(ctx, z)
	return layers.Dense(ctx.In("linear_1"), z, true, InputDim)
}

func checkLastDim(name string, x *Node, dim int) {
	if x.Rank() != 2 || x.Shape().Dimensions[1] != dim {
		exceptions.Panicf("%s expects input shaped [batch_size, %d], got %s", name, dim, x.Shape())
	}
}

// Flatten reshapes images with any shape [batchSize, ...] with InputDim elements per example to [batchSize, InputDim].
func Flatten(images *Node) *Node {
	if images.Rank() < 1 {
		exceptions.Panicf("images must have a batch dimension, got shape %s", images.Shape())
	}
	batchSize := images.Shape().Dimensions[0]
	if images.Shape().Size() != batchSize*InputDim {
		exceptions.Panicf("each example must have %d elements, got images shaped %s", InputDim, images.Shape())
	}
	return Reshape(images, batchSize, InputDim)
}

// Forward flattens the images, encodes and decodes them. It returns the reconstruction xHat and its
// log-softmax yHat, both shaped [batchSize, InputDim].
//
// Variables are created under the Scope ("model") of ctx.
func Forward(ctx *context.Context, images *Node) (xHat, yHat *Node) {
	ctx = ctx.In(Scope)
	x := Flatten(images)
	z := Encoder(ctx, x)
	xHat = Decoder(ctx, z)
	yHat = LogSoftmax(xHat, -1)
	return
}

// Model is the autoencoder bound to a context holding its variables and hyperparameters.
type Model struct {
	ctx *context.Context
	hp  Hyperparameters

	muPredict      sync.Mutex
	predictExec    *context.Exec
	predictBackend backends.Backend
}

// New creates a model on ctx with the given hyperparameters, which are written in the context.
// If ctx is nil a new one is created.
func New(ctx *context.Context, hp Hyperparameters) (*Model, error) {
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.New()
	}
	hp.SetParams(ctx)
	return &Model{ctx: ctx, hp: hp}, nil
}

// NewFromContext creates a model from the hyperparameters already stored in ctx (e.g. loaded from a checkpoint).
func NewFromContext(ctx *context.Context) (*Model, error) {
	hp, err := HyperparametersFromContext(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid hyperparameters in context")
	}
	return &Model{ctx: ctx, hp: hp}, nil
}

// Load a model (hyperparameters and weights) from the checkpoint directory.
func Load(checkpointDir string) (*Model, error) {
	ctx := context.New()
	_, err := checkpoints.Load(ctx).Dir(checkpointDir).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load model from %q", checkpointDir)
	}
	return NewFromContext(ctx)
}

// Context implements Module.
func (m *Model) Context() *context.Context { return m.ctx }

// Hyperparameters of the model.
func (m *Model) Hyperparameters() Hyperparameters { return m.hp }

// ModelGraph implements Module and train.ModelFn. inputs[0] are the images, and it returns [xHat, yHat].
func (m *Model) ModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	xHat, yHat := Forward(ctx, inputs[0])
	return []*Node{xHat, yHat}
}

// Loss implements Module and train.LossFn: the mean squared error between the reconstruction (predictions[0])
// and the flattened images (labels[0]). The digit labels are not used.
func (m *Model) Loss(labels, predictions []*Node) *Node {
	return losses.MeanSquaredError(labels[:1], predictions[:1])
}

// ConfigureOptimizer implements Module.
func (m *Model) ConfigureOptimizer() optimizers.Interface {
	m.ctx.SetParam(optimizers.ParamLearningRate, m.hp.LearningRate)
	return optimizers.ByName(m.ctx, m.hp.Optimizer)
}

// NumParameters returns the number of scalar values in the trainable variables of the model, that is,
// what the optimizer updates. It is 0 before the model graph is first built.
func (m *Model) NumParameters() int {
	var count int
	for v := range m.ctx.In(Scope).IterVariablesInScope() {
		if v.Trainable {
			count += v.Shape().Size()
		}
	}
	return count
}

// Build makes sure the model variables exist, running one forward pass on a batch of zeros if needed.
func (m *Model) Build(backend backends.Backend) error {
	if m.NumParameters() > 0 {
		return nil
	}
	zeros := tensors.FromShape(shapes.Make(DType, 1, 1, ImageSize, ImageSize))
	_, _, err := m.Predict(backend, zeros)
	return err
}

// DType used by the model.
var DType = dtypes.Float32

// Predict runs the forward pass in inference mode (no dropout). images can be a *tensors.Tensor or any
// Go multi-dimensional slice, shaped [batchSize, ...] with InputDim values per example.
//
// Variables missing in the context are created and initialized. The compiled graph is cached per backend.
func (m *Model) Predict(backend backends.Backend, images any) (xHat, yHat *tensors.Tensor, err error) {
	m.muPredict.Lock()
	defer m.muPredict.Unlock()
	if m.predictExec == nil || m.predictBackend != backend {
		m.predictExec, err = context.NewExec(backend, m.ctx.Checked(false), func(ctx *context.Context, images *Node) []*Node {
			ctx.SetTraining(images.Graph(), false)
			xHat, yHat := Forward(ctx, images)
			return []*Node{xHat, yHat}
		})
		if err != nil {
			return nil, nil, err
		}
		m.predictBackend = backend
	}
	var execErr error
	err = exceptions.TryCatch[error](func() {
		xHat, yHat, execErr = m.predictExec.Exec2(images)
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, nil, errors.WithMessage(err, "autoencoder prediction failed")
	}
	return
}
