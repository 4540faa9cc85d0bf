// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Linear holds the weights of a dense layer: Weights is row-major shaped [In, Out].
type Linear struct {
	In, Out int
	Weights []float32
	Biases  []float32
}

// Block holds the weights of the encoder or of the decoder: Hidden -> PReLU(Slope) -> Output.
type Block struct {
	Hidden Linear
	Slope  float32
	Output Linear
}

// Parameters is a copy of all the model weights, in Go memory.
type Parameters struct {
	Encoder, Decoder Block
}

// Parameters returns a copy of the current weights of the model. The model must have been built
// (trained, loaded or see Model.Build).
func (m *Model) Parameters() (params *Parameters, err error) {
	params = &Parameters{}
	ctx := m.ctx.In(Scope)
	err = exceptions.TryCatch[error](func() {
		params.Encoder = m.readBlock(ctx.In("encoder"))
		params.Decoder = m.readBlock(ctx.In("decoder"))
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read model parameters")
	}
	return
}

func (m *Model) readBlock(ctx *context.Context) Block {
	return Block{
		Hidden: readLinear(ctx.In("linear_0")),
		Slope:  readVariable(ctx.In("activation_0").In("prelu"), "weight")[0],
		Output: readLinear(ctx.In("linear_1")),
	}
}

func readLinear(ctx *context.Context) Linear {
	ctx = ctx.In("dense")
	weights := lookupVariable(ctx, "weights")
	dims := weights.Shape().Dimensions
	return Linear{
		In:      dims[0],
		Out:     dims[1],
		Weights: tensors.MustCopyFlatData[float32](weights.MustValue()),
		Biases:  readVariable(ctx, "biases"),
	}
}

func readVariable(ctx *context.Context, name string) []float32 {
	return tensors.MustCopyFlatData[float32](lookupVariable(ctx, name).MustValue())
}

func lookupVariable(ctx *context.Context, name string) *context.Variable {
	v := ctx.GetVariableByScopeAndName(ctx.Scope(), name)
	if v == nil {
		exceptions.Panicf("variable %q not found in scope %q, was the model built?", name, ctx.Scope())
	}
	return v
}

// Apply runs a forward pass of a single flattened example in plain Go, returning xHat. It is
// slow and used as a reference, e.g. to verify exported models.
func (p *Parameters) Apply(x []float32) []float32 {
	return p.Decoder.apply(p.Encoder.apply(x))
}

func (b *Block) apply(x []float32) []float32 {
	h := b.Hidden.apply(x)
	for i, v := range h {
		if v < 0 {
			h[i] = b.Slope * v
		}
	}
	return b.Output.apply(h)
}

func (l *Linear) apply(x []float32) []float32 {
	y := make([]float32, l.Out)
	copy(y, l.Biases)
	for i := range l.In {
		xi := x[i]
		row := l.Weights[i*l.Out : (i+1)*l.Out]
		for j, w := range row {
			y[j] += xi * w
		}
	}
	return y
}
