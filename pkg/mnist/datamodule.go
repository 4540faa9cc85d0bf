// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"bufio"
	"encoding/gob"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/gomlx/autoencoder/internal/workerspool"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Split names, also the base names of the files written by DataModule.SaveSplits.
const (
	SplitTrain = "train"
	SplitVal   = "val"
	SplitTest  = "test"
)

// SplitFileExt is the extension of the files holding the serialized splits.
const SplitFileExt = ".bin"

// Config of a DataModule.
type Config struct {
	// Dir where the MNIST files are (or will be downloaded to).
	Dir string

	// BatchSize for training, and EvalBatchSize for validation, test and prediction.
	BatchSize, EvalBatchSize int

	// ValSize is the number of examples of the MNIST training set held out for validation.
	ValSize int

	// NumWorkers, if > 0, is the number of goroutines preparing training batches in parallel.
	NumWorkers int

	// Download the files if they are missing.
	Download bool

	// Seed of the train/val split and of the training shuffle.
	Seed int64
}

// DataModule owns the MNIST data and its train/val/test splits.
type DataModule struct {
	config Config

	trainImages, testImages []Image
	trainLabels, testLabels []Label

	train, val, test *Dataset
	parallelTrain    *datasets.ParallelDataset
}

// NewDataModule creates a DataModule. Call Setup before using the datasets.
func NewDataModule(config Config) *DataModule {
	return &DataModule{config: config}
}

// NewDataModuleFromData creates a DataModule from examples already in memory, and splits them
// as Setup would.
func NewDataModuleFromData(config Config, trainImages []Image, trainLabels []Label, testImages []Image, testLabels []Label) (*DataModule, error) {
	dm := &DataModule{
		config:      config,
		trainImages: trainImages,
		trainLabels: trainLabels,
		testImages:  testImages,
		testLabels:  testLabels,
	}
	if err := dm.split(); err != nil {
		return nil, err
	}
	return dm, nil
}

// Setup downloads (if configured) and loads MNIST, then splits the training set in train and validation.
func (dm *DataModule) Setup() error {
	if dm.config.Download {
		if err := Download(dm.config.Dir); err != nil {
			return err
		}
	}
	var err error
	dm.trainImages, dm.trainLabels, err = Load(dm.config.Dir, "train")
	if err != nil {
		return err
	}
	dm.testImages, dm.testLabels, err = Load(dm.config.Dir, "test")
	if err != nil {
		return err
	}
	return dm.split()
}

func (dm *DataModule) split() error {
	cfg := dm.config
	numExamples := len(dm.trainImages)
	if cfg.ValSize <= 0 || cfg.ValSize >= numExamples {
		return errors.Errorf("validation size %d must be in the range (0, %d)", cfg.ValSize, numExamples)
	}
	if cfg.EvalBatchSize <= 0 {
		cfg.EvalBatchSize = cfg.BatchSize
	}
	perm := rand.New(rand.NewSource(cfg.Seed)).Perm(numExamples)
	valIndices, trainIndices := perm[:cfg.ValSize], perm[cfg.ValSize:]

	var err error
	dm.train, err = NewDataset(SplitTrain, dm.trainImages, dm.trainLabels, trainIndices, cfg.BatchSize)
	if err != nil {
		return err
	}
	dm.train.Shuffle(rand.New(rand.NewSource(cfg.Seed + 1)))
	dm.val, err = NewDataset(SplitVal, dm.trainImages, dm.trainLabels, valIndices, cfg.EvalBatchSize)
	if err != nil {
		return err
	}
	dm.test, err = NewDataset(SplitTest, dm.testImages, dm.testLabels, nil, cfg.EvalBatchSize)
	if err != nil {
		return err
	}
	klog.V(1).Infof("MNIST splits: train=%d, val=%d, test=%d examples", dm.train.Len(), dm.val.Len(), dm.test.Len())
	return nil
}

// Train returns the training split.
func (dm *DataModule) Train() *Dataset { return dm.train }

// Val returns the validation split.
func (dm *DataModule) Val() *Dataset { return dm.val }

// Test returns the test split.
func (dm *DataModule) Test() *Dataset { return dm.test }

// Predict returns the dataset used for prediction: the validation split.
func (dm *DataModule) Predict() *Dataset { return dm.val }

// TrainDataset returns the dataset to train on: the training split, parallelized if Config.NumWorkers > 0.
func (dm *DataModule) TrainDataset() train.Dataset {
	if dm.config.NumWorkers <= 0 {
		return dm.train
	}
	if dm.parallelTrain == nil {
		dm.parallelTrain = datasets.CustomParallel(dm.train).
			Parallelism(dm.config.NumWorkers).
			Buffer(dm.config.NumWorkers).
			Start()
	}
	return dm.parallelTrain
}

// Close stops the parallel training dataset, if one was started. It can be called at any point of an epoch,
// including after it was exhausted.
func (dm *DataModule) Close() {
	if dm.parallelTrain != nil {
		// Done waits on the workers of the current epoch, which are gone once the epoch is exhausted:
		// Reset starts a fresh set for Done to stop.
		dm.parallelTrain.Reset()
		dm.parallelTrain.Done()
		dm.parallelTrain = nil
	}
}

// SaveSplits serializes the three splits to dir as "train.bin", "val.bin" and "test.bin".
//
// Each file holds a datasets.InMemoryDataset with the raw images (uint8 shaped [N, 28, 28]) as input and
// the digits and the indices into the original MNIST set (both int32 shaped [N, 1]) as labels.
// Use LoadSplit to read them back.
func (dm *DataModule) SaveSplits(backend backends.Backend, dir string) error {
	dir = fsutil.MustReplaceTildeInDir(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	pool := workerspool.New(0)
	for _, ds := range []*Dataset{dm.train, dm.val, dm.test} {
		pool.Go(func() error {
			return saveSplit(backend, ds, filepath.Join(dir, ds.Name()+SplitFileExt))
		})
	}
	return pool.Wait()
}

func saveSplit(backend backends.Backend, ds *Dataset, filePath string) error {
	n := ds.Len()
	images := make([][][]uint8, n)
	digits := make([][]int32, n)
	indices := make([][]int32, n)
	for i := range n {
		img, label := ds.Example(i)
		images[i] = make([][]uint8, Height)
		for row := range Height {
			images[i][row] = img[row*Width : (row+1)*Width]
		}
		digits[i] = []int32{int32(label)}
		indices[i] = []int32{int32(ds.Indices()[i])}
	}
	mds, err := datasets.InMemoryFromData(backend, ds.Name(), []any{images}, []any{digits, indices})
	if err != nil {
		return errors.WithMessagef(err, "converting split %q", ds.Name())
	}
	defer mds.FinalizeAll()

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	w := bufio.NewWriter(f)
	if err = mds.GobSerialize(gob.NewEncoder(w)); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "serializing split %q to %q", ds.Name(), filePath)
	}
	if err = w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing %q", filePath)
}

// LoadSplit reads a split saved by DataModule.SaveSplits.
func LoadSplit(backend backends.Backend, filePath string) (*datasets.InMemoryDataset, error) {
	f, err := os.Open(fsutil.MustReplaceTildeInDir(filePath))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open split %q", filePath)
	}
	defer func() { _ = f.Close() }()
	mds, err := datasets.GobDeserializeInMemoryToDevice(backend, 0, gob.NewDecoder(bufio.NewReader(f)))
	if err != nil {
		return nil, errors.WithMessagef(err, "reading split %q", filePath)
	}
	return mds, nil
}
