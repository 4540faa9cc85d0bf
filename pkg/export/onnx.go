// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package export writes the artifacts of a trained autoencoder: the model in ONNX format, the predictions
// over a dataset and an image grid comparing inputs with their reconstructions.
package export

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/gomlx/autoencoder/pkg/autoencoder"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// ONNX versions written.
const (
	IRVersion       = 8
	OpsetVersion    = 13
	ProducerName    = "gomlx-autoencoder"
	ProducerVersion = "0.1.0"
)

// Names of the graph input and outputs of the exported model.
const (
	InputName  = "input"
	XHatName   = "x_hat"
	YHatName   = "y_hat"
	LatentName = "z"
	BatchParam = "batch_size"
)

// Field numbers of the ONNX protos (onnx.proto3) used by the exporter.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5

	attrName protowire.Number = 1
	attrI    protowire.Number = 3
	attrT    protowire.Number = 5
	attrInts protowire.Number = 8
	attrType protowire.Number = 20

	tensorDims     protowire.Number = 1
	tensorDataType protowire.Number = 2
	tensorName     protowire.Number = 8
	tensorRawData  protowire.Number = 9

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensorType protowire.Number = 1
	tensorElemType protowire.Number = 1
	tensorShape    protowire.Number = 2
	shapeDim       protowire.Number = 1
	dimValue       protowire.Number = 1
	dimParam       protowire.Number = 2

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2
)

// Enum values of AttributeProto.AttributeType and TensorProto.DataType.
const (
	attributeTypeInt    = 2
	attributeTypeTensor = 4
	attributeTypeInts   = 7
	dataTypeFloat       = 1
	dataTypeInt64       = 7
)

// graphBuilder accumulates the serialized nodes and initializers of an ONNX GraphProto.
type graphBuilder struct {
	nodes, initializers [][]byte
	numNodes            int
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// intAttribute encodes an AttributeProto of type INT.
func intAttribute(name string, value int64) []byte {
	var b []byte
	b = appendString(b, attrName, name)
	b = appendVarint(b, attrI, value)
	return appendVarint(b, attrType, attributeTypeInt)
}

// intsAttribute encodes an AttributeProto of type INTS.
func intsAttribute(name string, values ...int64) []byte {
	var b []byte
	b = appendString(b, attrName, name)
	for _, v := range values {
		b = appendVarint(b, attrInts, v)
	}
	return appendVarint(b, attrType, attributeTypeInts)
}

// int64TensorAttribute encodes an AttributeProto of type TENSOR holding a 1D int64 tensor.
func int64TensorAttribute(name string, values ...int64) []byte {
	var tensor []byte
	tensor = appendVarint(tensor, tensorDims, int64(len(values)))
	tensor = appendVarint(tensor, tensorDataType, dataTypeInt64)
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
	}
	tensor = protowire.AppendTag(tensor, tensorRawData, protowire.BytesType)
	tensor = protowire.AppendBytes(tensor, raw)
	var b []byte
	b = appendString(b, attrName, name)
	b = appendMessage(b, attrT, tensor)
	return appendVarint(b, attrType, attributeTypeTensor)
}

// node adds a NodeProto and returns the name of its (single) output.
func (gb *graphBuilder) node(opType, output string, inputs []string, attributes ...[]byte) string {
	var b []byte
	for _, input := range inputs {
		b = appendString(b, nodeInput, input)
	}
	b = appendString(b, nodeOutput, output)
	b = appendString(b, nodeName, fmt.Sprintf("%s_%d", opType, gb.numNodes))
	b = appendString(b, nodeOpType, opType)
	for _, attr := range attributes {
		b = appendMessage(b, nodeAttribute, attr)
	}
	gb.nodes = append(gb.nodes, b)
	gb.numNodes++
	return output
}

// initializer adds a float32 TensorProto and returns its name.
func (gb *graphBuilder) initializer(name string, values []float32, dims ...int) string {
	var b []byte
	for _, dim := range dims {
		b = appendVarint(b, tensorDims, int64(dim))
	}
	b = appendVarint(b, tensorDataType, dataTypeFloat)
	b = appendString(b, tensorName, name)
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	gb.initializers = append(gb.initializers, b)
	return name
}

// linear adds output = x @ W + b.
func (gb *graphBuilder) linear(prefix, x, output string, l *autoencoder.Linear) string {
	weights := gb.initializer(prefix+".weight", l.Weights, l.In, l.Out)
	biases := gb.initializer(prefix+".bias", l.Biases, l.Out)
	return gb.node("Gemm", output, []string{x, weights, biases})
}

// prelu adds Relu(x) - slope * Relu(-x).
func (gb *graphBuilder) prelu(prefix, x string, slope float32) string {
	slopeName := gb.initializer(prefix+".weight", []float32{slope}, 1)
	positive := gb.node("Relu", prefix+".positive", []string{x})
	negated := gb.node("Neg", prefix+".negated", []string{x})
	negative := gb.node("Relu", prefix+".negative", []string{negated})
	scaled := gb.node("Mul", prefix+".scaled", []string{slopeName, negative})
	return gb.node("Sub", prefix, []string{positive, scaled})
}

// logSoftmax adds x - max(x) - log(sum(exp(x - max(x)))) over axis 1.
//
// Axes of ReduceSum are an input since opset 13, and it must be a Constant node so it can be
// materialized statically: initializers are loaded as variables.
func (gb *graphBuilder) logSoftmax(prefix, x, output string) string {
	axes := gb.node("Constant", prefix+".axes", nil, int64TensorAttribute("value", 1))
	maxX := gb.node("ReduceMax", prefix+".max", []string{x}, intsAttribute("axes", 1), intAttribute("keepdims", 1))
	shifted := gb.node("Sub", prefix+".shifted", []string{x, maxX})
	exp := gb.node("Exp", prefix+".exp", []string{shifted})
	sum := gb.node("ReduceSum", prefix+".sum", []string{exp, axes}, intAttribute("keepdims", 1))
	logSum := gb.node("Log", prefix+".log_sum", []string{sum})
	return gb.node("Sub", output, []string{shifted, logSum})
}

func (gb *graphBuilder) block(prefix, x, output string, block *autoencoder.Block) string {
	x = gb.linear(prefix+".linear_0", x, prefix+".linear_0", &block.Hidden)
	x = gb.prelu(prefix+".activation_0", x, block.Slope)
	return gb.linear(prefix+".linear_1", x, output, &block.Output)
}

// valueInfo encodes a float32 ValueInfoProto with a symbolic batch dimension followed by dims.
func valueInfo(name string, dims ...int) []byte {
	var shape []byte
	shape = appendMessage(shape, shapeDim, appendString(nil, dimParam, BatchParam))
	for _, dim := range dims {
		shape = appendMessage(shape, shapeDim, appendVarint(nil, dimValue, int64(dim)))
	}
	var tensorType []byte
	tensorType = appendVarint(tensorType, tensorElemType, dataTypeFloat)
	tensorType = appendMessage(tensorType, tensorShape, shape)
	var b []byte
	b = appendString(b, valueInfoName, name)
	return appendMessage(b, valueInfoType, appendMessage(nil, typeTensorType, tensorType))
}

// EncodeONNX serializes the model parameters as an ONNX ModelProto.
//
// The graph takes InputName shaped [batch_size, exampleDims...] (the dimensions of one example) and
// outputs XHatName and YHatName, both shaped [batch_size, 784]. Dropout is not exported, as in inference.
func EncodeONNX(params *autoencoder.Parameters, exampleDims []int, metadata map[string]string) ([]byte, error) {
	size := 1
	for _, dim := range exampleDims {
		size *= dim
	}
	if size != autoencoder.InputDim {
		return nil, errors.Errorf("example shape %v has %d elements, the model takes %d", exampleDims, size, autoencoder.InputDim)
	}
	gb := &graphBuilder{}
	x := InputName
	if len(exampleDims) != 1 {
		x = gb.node("Flatten", "flatten", []string{x}, intAttribute("axis", 1))
	}
	z := gb.block("encoder", x, LatentName, &params.Encoder)
	xHat := gb.block("decoder", z, XHatName, &params.Decoder)
	gb.logSoftmax("log_softmax", xHat, YHatName)

	var graph []byte
	for _, node := range gb.nodes {
		graph = appendMessage(graph, graphNode, node)
	}
	graph = appendString(graph, graphName, "autoencoder")
	for _, init := range gb.initializers {
		graph = appendMessage(graph, graphInitializer, init)
	}
	graph = appendMessage(graph, graphInput, valueInfo(InputName, exampleDims...))
	graph = appendMessage(graph, graphOutput, valueInfo(XHatName, autoencoder.InputDim))
	graph = appendMessage(graph, graphOutput, valueInfo(YHatName, autoencoder.InputDim))

	var model []byte
	model = appendVarint(model, modelIRVersion, IRVersion)
	model = appendString(model, modelProducerName, ProducerName)
	model = appendString(model, modelProducerVersion, ProducerVersion)
	model = appendMessage(model, modelGraph, graph)
	model = appendMessage(model, modelOpsetImport,
		appendVarint(appendString(nil, opsetDomain, ""), opsetVersion, OpsetVersion))
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		entry := appendString(appendString(nil, entryKey, key), entryValue, metadata[key])
		model = appendMessage(model, modelMetadataProps, entry)
	}
	return model, nil
}

// ONNX exports the model to filePath. The input sample (shaped [batch_size, ...]) defines the shape of
// the exported input, with a symbolic batch dimension.
//
// The model hyperparameters are stored in the ONNX metadata.
func ONNX(model *autoencoder.Model, filePath string, sample *tensors.Tensor) error {
	if sample == nil || sample.Shape().Rank() < 2 {
		return errors.New("ONNX export requires an input sample shaped [batch_size, ...]")
	}
	params, err := model.Parameters()
	if err != nil {
		return err
	}
	hp := model.Hyperparameters()
	metadata := map[string]string{
		"optimizer":     hp.Optimizer,
		"learning_rate": strconv.FormatFloat(hp.LearningRate, 'g', -1, 64),
		"dropout":       strconv.FormatFloat(hp.Dropout, 'g', -1, 64),
		"latent_dim":    strconv.Itoa(autoencoder.LatentDim),
	}
	contents, err := EncodeONNX(params, sample.Shape().Dimensions[1:], metadata)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	if err = os.WriteFile(filePath, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write ONNX model to %q", filePath)
	}
	klog.V(1).Infof("Exported ONNX model to %s (%d bytes)", filePath, len(contents))
	return nil
}
