// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	"bufio"
	"encoding/gob"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
)

// PredictionsDatasetName is the name of the dataset saved by SavePredictions.
const PredictionsDatasetName = "predictions"

// SavePredictions writes the reconstructions xHat (shaped [N, 784]) as the inputs of a gob serialized
// datasets.InMemoryDataset. If yHat is not nil, it's stored as its label.
func SavePredictions(backend backends.Backend, filePath string, xHat, yHat *tensors.Tensor) error {
	if xHat == nil || xHat.Shape().Rank() != 2 {
		return errors.New("predictions must be shaped [num_examples, features]")
	}
	// The dataset takes ownership of its tensors: it gets copies, so the caller's are left untouched.
	inputs := make([]any, 1)
	var labels []any
	var err error
	if inputs[0], err = xHat.LocalClone(); err != nil {
		return errors.WithMessage(err, "copying reconstructions")
	}
	if yHat != nil {
		labels = make([]any, 1)
		if labels[0], err = yHat.LocalClone(); err != nil {
			return errors.WithMessage(err, "copying log-probabilities")
		}
	}
	mds, err := datasets.InMemoryFromData(backend, PredictionsDatasetName, inputs, labels)
	if err != nil {
		return errors.WithMessage(err, "converting predictions to a dataset")
	}
	defer mds.FinalizeAll()
	if err = os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	w := bufio.NewWriter(f)
	if err = mds.GobSerialize(gob.NewEncoder(w)); err == nil {
		err = w.Flush()
	}
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write predictions to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// LoadPredictions reads the dataset saved by SavePredictions.
func LoadPredictions(backend backends.Backend, filePath string) (*datasets.InMemoryDataset, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open predictions %q", filePath)
	}
	defer func() { _ = f.Close() }()
	mds, err := datasets.GobDeserializeInMemoryToDevice(backend, 0, gob.NewDecoder(bufio.NewReader(f)))
	if err != nil {
		return nil, errors.WithMessagef(err, "reading predictions %q", filePath)
	}
	return mds, nil
}

// GridScale is the magnification of the images in the reconstruction grid.
const GridScale = 4

// ReconstructionGrid creates an image with the first n images in the top row and their reconstructions
// in the bottom row. images and xHat must hold 28x28 values per example, with values in [0, 1].
func ReconstructionGrid(images, xHat *tensors.Tensor, n int) (*image.NRGBA, error) {
	const side = 28
	original := tensors.MustCopyFlatData[float32](images)
	reconstructed := tensors.MustCopyFlatData[float32](xHat)
	if len(original) != len(reconstructed) || len(original)%(side*side) != 0 {
		return nil, errors.Errorf("images %s and reconstructions %s must have the same number of %dx%d examples",
			images.Shape(), xHat.Shape(), side, side)
	}
	n = min(n, len(original)/(side*side))
	if n <= 0 {
		return nil, errors.New("no examples to draw")
	}
	const margin = 2
	grid := imaging.New(n*(side+margin)+margin, 2*(side+margin)+margin, color.NRGBA{R: 64, G: 64, B: 64, A: 255})
	for row, values := range [][]float32{original, reconstructed} {
		for i := range n {
			tile := image.NewGray(image.Rect(0, 0, side, side))
			for j, v := range values[i*side*side : (i+1)*side*side] {
				tile.Pix[j] = uint8(255*min(max(v, 0), 1) + 0.5)
			}
			grid = imaging.Paste(grid, tile, image.Pt(margin+i*(side+margin), margin+row*(side+margin)))
		}
	}
	return imaging.Resize(grid, grid.Bounds().Dx()*GridScale, 0, imaging.NearestNeighbor), nil
}

// SaveReconstructionGrid saves the ReconstructionGrid to filePath. The format is taken from the extension.
func SaveReconstructionGrid(filePath string, images, xHat *tensors.Tensor, n int) error {
	grid, err := ReconstructionGrid(images, xHat, n)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	return errors.Wrapf(imaging.Save(grid, filePath), "failed to save reconstruction grid to %q", filePath)
}
