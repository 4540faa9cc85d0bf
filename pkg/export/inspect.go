// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/autoencoder/pkg/autoencoder"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ModelSummary describes an ONNX model file.
type ModelSummary struct {
	IRVersion, Opset int64
	Producer         string
	Inputs, Outputs  []string
	OpTypes          []string
	Initializers     map[string][]int64
	Metadata         map[string]string
}

// String implements fmt.Stringer.
func (s *ModelSummary) String() string {
	var numParams int64
	for _, dims := range s.Initializers {
		size := int64(1)
		for _, dim := range dims {
			size *= dim
		}
		numParams += size
	}
	return fmt.Sprintf("ONNX(ir=%d, opset=%d, producer=%q, inputs=%v, outputs=%v, %d nodes, %d parameters)",
		s.IRVersion, s.Opset, s.Producer, s.Inputs, s.Outputs, len(s.OpTypes), numParams)
}

// fields calls fn for each field of the serialized message b. For length delimited fields
// value holds the contents, and for varints n holds the value.
func fields(b []byte, fn func(num protowire.Number, value []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return protowire.ParseError(tagLen)
		}
		b = b[tagLen:]
		var value []byte
		var n uint64
		var valueLen int
		switch typ {
		case protowire.BytesType:
			value, valueLen = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			n, valueLen = protowire.ConsumeVarint(b)
		default:
			valueLen = protowire.ConsumeFieldValue(num, typ, b)
		}
		if valueLen < 0 {
			return protowire.ParseError(valueLen)
		}
		b = b[valueLen:]
		if err := fn(num, value, n); err != nil {
			return err
		}
	}
	return nil
}

func stringField(b []byte, field protowire.Number) (s string, err error) {
	err = fields(b, func(num protowire.Number, value []byte, _ uint64) error {
		if num == field {
			s = string(value)
		}
		return nil
	})
	return
}

// ParseONNX parses the parts of an ONNX ModelProto described by ModelSummary.
func ParseONNX(contents []byte) (*ModelSummary, error) {
	s := &ModelSummary{Initializers: make(map[string][]int64), Metadata: make(map[string]string)}
	err := fields(contents, func(num protowire.Number, value []byte, n uint64) error {
		switch num {
		case modelIRVersion:
			s.IRVersion = int64(n)
		case modelProducerName:
			s.Producer = string(value)
		case modelOpsetImport:
			return fields(value, func(num protowire.Number, _ []byte, n uint64) error {
				if num == opsetVersion {
					s.Opset = int64(n)
				}
				return nil
			})
		case modelMetadataProps:
			key, err := stringField(value, entryKey)
			if err != nil {
				return err
			}
			s.Metadata[key], err = stringField(value, entryValue)
			return err
		case modelGraph:
			return s.parseGraph(value)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "invalid ONNX model")
	}
	return s, nil
}

func (s *ModelSummary) parseGraph(graph []byte) error {
	return fields(graph, func(num protowire.Number, value []byte, _ uint64) error {
		switch num {
		case graphNode:
			opType, err := stringField(value, nodeOpType)
			s.OpTypes = append(s.OpTypes, opType)
			return err
		case graphInput, graphOutput:
			name, err := stringField(value, valueInfoName)
			if num == graphInput {
				s.Inputs = append(s.Inputs, name)
			} else {
				s.Outputs = append(s.Outputs, name)
			}
			return err
		case graphInitializer:
			var name string
			dims := []int64{}
			err := fields(value, func(num protowire.Number, value []byte, n uint64) error {
				switch num {
				case tensorName:
					name = string(value)
				case tensorDims:
					dims = append(dims, int64(n))
				}
				return nil
			})
			s.Initializers[name] = dims
			return err
		}
		return nil
	})
}

// InspectONNX reads and parses the ONNX model in filePath.
func InspectONNX(filePath string) (*ModelSummary, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", filePath)
	}
	s, err := ParseONNX(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing %q", filePath)
	}
	return s, nil
}

// RunONNX loads the ONNX model in filePath into a new context, and executes it on images, returning
// the requested outputs.
func RunONNX(backend backends.Backend, filePath string, images *tensors.Tensor, outputNames ...string) ([]*tensors.Tensor, error) {
	model, err := onnx.ReadFile(filePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read ONNX model %q", filePath)
	}
	ctx := context.New()
	if err = model.VariablesToContext(ctx); err != nil {
		return nil, errors.WithMessagef(err, "loading variables of ONNX model %q", filePath)
	}
	var outputs []*tensors.Tensor
	var execErr error
	err = exceptions.TryCatch[error](func() {
		outputs, execErr = context.ExecOnceN(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
			return model.CallGraph(ctx, images.Graph(), map[string]*Node{InputName: images}, outputNames...)
		}, images)
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "executing ONNX model %q", filePath)
	}
	return outputs, nil
}

// VerifyONNX checks that the exported model in filePath produces the same outputs as model on the sample,
// within tolerance.
func VerifyONNX(backend backends.Backend, model *autoencoder.Model, filePath string, sample *tensors.Tensor, tolerance float64) error {
	wantXHat, wantYHat, err := model.Predict(backend, sample)
	if err != nil {
		return err
	}
	outputs, err := RunONNX(backend, filePath, sample, XHatName, YHatName)
	if err != nil {
		return err
	}
	var mismatches []string
	for i, want := range []*tensors.Tensor{wantXHat, wantYHat} {
		wantFlat := tensors.MustCopyFlatData[float32](want)
		gotFlat := tensors.MustCopyFlatData[float32](outputs[i])
		if len(wantFlat) != len(gotFlat) {
			return errors.Errorf("ONNX output #%d has %d values, wanted %d", i, len(gotFlat), len(wantFlat))
		}
		for j := range wantFlat {
			if diff := float64(wantFlat[j] - gotFlat[j]); diff > tolerance || diff < -tolerance {
				mismatches = append(mismatches, fmt.Sprintf("output #%d[%d]: got %g, wanted %g", i, j, gotFlat[j], wantFlat[j]))
				break
			}
		}
	}
	if len(mismatches) > 0 {
		return errors.Errorf("exported ONNX model %q differs from the model: %s", filePath, strings.Join(mismatches, "; "))
	}
	return nil
}
