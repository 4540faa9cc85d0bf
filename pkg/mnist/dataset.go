// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Dataset implements train.Dataset over a subset of MNIST examples.
//
// Each batch yields:
//
//   - inputs[0]: images shaped [batchSize, 1, 28, 28] (channels first, as stored), float32 in [0, 1].
//   - labels[0]: the same images flattened to [batchSize, 784], the autoencoder reconstruction target.
//   - labels[1]: the digits, int32 shaped [batchSize, 1].
//
// The last batch of an epoch may be smaller. io.EOF is returned at the end of each epoch.
type Dataset struct {
	name, shortName string
	images          []Image
	labels          []Label
	indices         []int

	batchSize  int
	rng        *rand.Rand
	maxBatches int

	mu       sync.Mutex
	order    []int
	position int
	yielded  int
}

var (
	_ train.Dataset      = (*Dataset)(nil)
	_ train.HasShortName = (*Dataset)(nil)
)

// NewDataset creates a Dataset over the examples at the given indices of images/labels.
// If indices is nil, all examples are used.
func NewDataset(name string, images []Image, labels []Label, indices []int, batchSize int) (*Dataset, error) {
	if len(images) != len(labels) {
		return nil, errors.Errorf("dataset %q: %d images but %d labels", name, len(images), len(labels))
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: invalid batch size %d", name, batchSize)
	}
	if indices == nil {
		indices = make([]int, len(images))
		for i := range indices {
			indices[i] = i
		}
	}
	for _, idx := range indices {
		if idx < 0 || idx >= len(images) {
			return nil, errors.Errorf("dataset %q: example index %d out of range [0, %d)", name, idx, len(images))
		}
	}
	shortName := name
	if len(shortName) > 3 {
		shortName = shortName[:3]
	}
	ds := &Dataset{
		name:      name,
		shortName: shortName,
		images:    images,
		labels:    labels,
		indices:   indices,
		batchSize: batchSize,
	}
	ds.Reset()
	return ds, nil
}

// Shuffle the examples at every epoch with the given random number generator.
func (ds *Dataset) Shuffle(rng *rand.Rand) *Dataset {
	ds.mu.Lock()
	ds.rng = rng
	ds.mu.Unlock()
	ds.Reset()
	return ds
}

// WithMaxBatches limits the number of batches yielded per epoch. 0 means no limit.
func (ds *Dataset) WithMaxBatches(n int) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.maxBatches = max(n, 0)
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// ShortName implements train.HasShortName.
func (ds *Dataset) ShortName() string { return ds.shortName }

// Len returns the number of examples in the dataset.
func (ds *Dataset) Len() int { return len(ds.indices) }

// NumBatches per epoch, taking WithMaxBatches into account.
func (ds *Dataset) NumBatches() int {
	n := (len(ds.indices) + ds.batchSize - 1) / ds.batchSize
	if ds.maxBatches > 0 {
		n = min(n, ds.maxBatches)
	}
	return n
}

// Indices of the examples of this dataset, in the original order.
func (ds *Dataset) Indices() []int { return ds.indices }

// Reset implements train.Dataset. It starts a new epoch, reshuffling if configured.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.position = 0
	ds.yielded = 0
	ds.order = append(ds.order[:0], ds.indices...)
	if ds.rng != nil {
		ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.position >= len(ds.order) || (ds.maxBatches > 0 && ds.yielded >= ds.maxBatches) {
		err = io.EOF
		return
	}
	end := min(ds.position+ds.batchSize, len(ds.order))
	batch := ds.order[ds.position:end]
	ds.position = end
	ds.yielded++
	images, flat, digits := ds.batchTensors(batch)
	return nil, []*tensors.Tensor{images}, []*tensors.Tensor{flat, digits}, nil
}

// Sample returns the i-th example (in the dataset's original order) as a batch of one, with the same
// structure yielded by Yield.
func (ds *Dataset) Sample(i int) (inputs, labels []*tensors.Tensor, err error) {
	if i < 0 || i >= len(ds.indices) {
		return nil, nil, errors.Errorf("dataset %q: sample %d out of range [0, %d)", ds.name, i, len(ds.indices))
	}
	images, flat, digits := ds.batchTensors(ds.indices[i : i+1])
	return []*tensors.Tensor{images}, []*tensors.Tensor{flat, digits}, nil
}

// Example returns the raw image and label of the i-th example, in the dataset's original order.
func (ds *Dataset) Example(i int) (*Image, Label) {
	idx := ds.indices[i]
	return &ds.images[idx], ds.labels[idx]
}

// Images returns all the images in the dataset's original order, shaped [Len(), 1, Height, Width],
// with values scaled to [0, 1].
func (ds *Dataset) Images() *tensors.Tensor {
	images, _, _ := ds.batchTensors(ds.indices)
	return images
}

// batchTensors converts the examples to tensors, scaling pixels to [0, 1].
func (ds *Dataset) batchTensors(batch []int) (images, flat, digits *tensors.Tensor) {
	n := len(batch)
	pixels := make([]float32, 0, n*Width*Height)
	digitsData := make([]int32, 0, n)
	for _, idx := range batch {
		for _, v := range ds.images[idx] {
			pixels = append(pixels, float32(v)/255.0)
		}
		digitsData = append(digitsData, int32(ds.labels[idx]))
	}
	flatPixels := make([]float32, len(pixels))
	copy(flatPixels, pixels)
	images = tensors.FromFlatDataAndDimensions(pixels, n, 1, Height, Width)
	flat = tensors.FromFlatDataAndDimensions(flatPixels, n, Width*Height)
	digits = tensors.FromFlatDataAndDimensions(digitsData, n, 1)
	return
}
