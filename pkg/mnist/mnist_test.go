// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticExamples creates n images where every pixel of image i is i%256, and labels i%10.
func syntheticExamples(n int) ([]Image, []Label) {
	images := make([]Image, n)
	labels := make([]Label, n)
	for i := range n {
		for j := range images[i] {
			images[i][j] = byte(i % 256)
		}
		labels[i] = Label(i % NumClasses)
	}
	return images, labels
}

func encodeImages(t *testing.T, images []Image, magic, height, width int32) []byte {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, imageFileHeader{
		Magic: magic, NumImages: int32(len(images)), Height: height, Width: width}))
	for _, img := range images {
		buf.Write(img[:])
	}
	return buf.Bytes()
}

func encodeLabels(t *testing.T, labels []Label, magic int32) []byte {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, labelFileHeader{Magic: magic, NumLabels: int32(len(labels))}))
	buf.Write(labels)
	return buf.Bytes()
}

func writeGzip(t *testing.T, filePath string, data []byte) {
	f, err := os.Create(filePath)
	require.NoError(t, err)
	w := gzip.NewWriter(f)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func TestReadImages(t *testing.T) {
	images, _ := syntheticExamples(3)
	got, err := ReadImages(bytes.NewReader(encodeImages(t, images, imageMagic, Height, Width)))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, images, got)

	_, err = ReadImages(bytes.NewReader(encodeImages(t, images, labelMagic, Height, Width)))
	assert.ErrorContains(t, err, "magic number")

	_, err = ReadImages(bytes.NewReader(encodeImages(t, images, imageMagic, 32, 32)))
	assert.ErrorContains(t, err, "image size")

	truncated := encodeImages(t, images, imageMagic, Height, Width)
	_, err = ReadImages(bytes.NewReader(truncated[:len(truncated)-10]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadLabels(t *testing.T) {
	_, labels := syntheticExamples(12)
	got, err := ReadLabels(bytes.NewReader(encodeLabels(t, labels, labelMagic)))
	require.NoError(t, err)
	assert.Equal(t, labels, got)

	_, err = ReadLabels(bytes.NewReader(encodeLabels(t, labels, imageMagic)))
	assert.ErrorContains(t, err, "magic number")

	_, err = ReadLabels(bytes.NewReader(encodeLabels(t, []Label{3, 10}, labelMagic)))
	assert.ErrorContains(t, err, "invalid label 10")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	images, labels := syntheticExamples(5)
	writeGzip(t, filepath.Join(dir, TrainImagesFilename), encodeImages(t, images, imageMagic, Height, Width))
	writeGzip(t, filepath.Join(dir, TrainLabelsFilename), encodeLabels(t, labels, labelMagic))

	gotImages, gotLabels, err := Load(dir, "train")
	require.NoError(t, err)
	assert.Equal(t, images, gotImages)
	assert.Equal(t, labels, gotLabels)

	// Test files are missing.
	_, _, err = Load(dir, "test")
	require.Error(t, err)

	_, _, err = Load(dir, "validation")
	assert.ErrorContains(t, err, "unknown MNIST mode")

	// Mismatched number of labels.
	writeGzip(t, filepath.Join(dir, TestImagesFilename), encodeImages(t, images, imageMagic, Height, Width))
	writeGzip(t, filepath.Join(dir, TestLabelsFilename), encodeLabels(t, labels[:4], labelMagic))
	_, _, err = Load(dir, "test")
	assert.ErrorContains(t, err, "5 images but 4 labels")
}

func TestImage(t *testing.T) {
	var img Image
	img.Set(3, 2, 200)
	assert.Equal(t, byte(200), img[2*Width+3])
	assert.Equal(t, 28, img.Bounds().Dx())
	gray, _, _, _ := img.At(3, 2).RGBA()
	assert.Equal(t, uint32(200)*0x101, gray)
}

func TestDataset(t *testing.T) {
	images, labels := syntheticExamples(10)
	ds, err := NewDataset("train", images, labels, []int{9, 1, 2, 3, 4}, 2)
	require.NoError(t, err)
	assert.Equal(t, "train", ds.Name())
	assert.Equal(t, "tra", ds.ShortName())
	assert.Equal(t, 5, ds.Len())
	assert.Equal(t, 3, ds.NumBatches())

	var batchSizes []int
	var digits []int32
	for {
		_, inputs, batchLabels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, batchLabels, 2)
		n := inputs[0].Shape().Dimensions[0]
		batchSizes = append(batchSizes, n)
		assert.Equal(t, []int{n, 1, Height, Width}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{n, Width * Height}, batchLabels[0].Shape().Dimensions)
		assert.Equal(t, []int{n, 1}, batchLabels[1].Shape().Dimensions)
		assert.Equal(t, tensors.MustCopyFlatData[float32](inputs[0]), tensors.MustCopyFlatData[float32](batchLabels[0]))
		digits = append(digits, tensors.MustCopyFlatData[int32](batchLabels[1])...)
	}
	assert.Equal(t, []int{2, 2, 1}, batchSizes)
	assert.Equal(t, []int32{9, 1, 2, 3, 4}, digits)

	// EOF until reset.
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)
	ds.Reset()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	pixels := tensors.MustCopyFlatData[float32](inputs[0])
	assert.InDelta(t, 9.0/255.0, pixels[0], 1e-6)

	all := ds.Images()
	assert.Equal(t, []int{5, 1, Height, Width}, all.Shape().Dimensions)
	assert.InDelta(t, 1.0/255.0, tensors.MustCopyFlatData[float32](all)[Width*Height], 1e-6)

	ds.WithMaxBatches(1)
	ds.Reset()
	assert.Equal(t, 1, ds.NumBatches())
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	_, err = NewDataset("bad", images, labels, []int{10}, 2)
	assert.ErrorContains(t, err, "out of range")
	_, err = NewDataset("bad", images, labels, nil, 0)
	assert.ErrorContains(t, err, "batch size")
}

func TestDatasetShuffle(t *testing.T) {
	images, labels := syntheticExamples(50)
	epochDigits := func(ds *Dataset) []int32 {
		var digits []int32
		for {
			_, _, batchLabels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			digits = append(digits, tensors.MustCopyFlatData[int32](batchLabels[1])...)
		}
		ds.Reset()
		return digits
	}
	newShuffled := func() *Dataset {
		ds, err := NewDataset("train", images, labels, nil, 7)
		require.NoError(t, err)
		return ds.Shuffle(rand.New(rand.NewSource(3)))
	}
	ds0, ds1 := newShuffled(), newShuffled()
	first := epochDigits(ds0)
	assert.Equal(t, first, epochDigits(ds1), "same seed, same order")
	assert.Len(t, first, 50)
	assert.NotEqual(t, first, epochDigits(ds0), "a new order every epoch")
}

func TestDataModuleSplits(t *testing.T) {
	trainImages, trainLabels := syntheticExamples(100)
	testImages, testLabels := syntheticExamples(20)
	config := Config{BatchSize: 8, EvalBatchSize: 16, ValSize: 30, Seed: 42}
	dm, err := NewDataModuleFromData(config, trainImages, trainLabels, testImages, testLabels)
	require.NoError(t, err)
	assert.Equal(t, 70, dm.Train().Len())
	assert.Equal(t, 30, dm.Val().Len())
	assert.Equal(t, 20, dm.Test().Len())
	assert.Same(t, dm.Val(), dm.Predict())
	assert.Same(t, dm.Train(), dm.TrainDataset())

	seen := make(map[int]bool)
	for _, ds := range []*Dataset{dm.Train(), dm.Val()} {
		for _, idx := range ds.Indices() {
			assert.False(t, seen[idx], "example %d in more than one split", idx)
			seen[idx] = true
		}
	}
	assert.Len(t, seen, 100)

	dm2, err := NewDataModuleFromData(config, trainImages, trainLabels, testImages, testLabels)
	require.NoError(t, err)
	assert.Equal(t, dm.Val().Indices(), dm2.Val().Indices())

	config.ValSize = 100
	_, err = NewDataModuleFromData(config, trainImages, trainLabels, testImages, testLabels)
	assert.ErrorContains(t, err, "validation size")
}

// requireCloses fails the test if dm.Close doesn't return within a few seconds.
func requireCloses(t *testing.T, dm *DataModule) {
	closed := make(chan struct{})
	go func() {
		dm.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		require.FailNow(t, "DataModule.Close didn't return")
	}
}

func TestDataModuleParallel(t *testing.T) {
	trainImages, trainLabels := syntheticExamples(40)
	config := Config{BatchSize: 8, ValSize: 8, NumWorkers: 2, Seed: 1}
	newDataModule := func() *DataModule {
		dm, err := NewDataModuleFromData(config, trainImages, trainLabels, trainImages, trainLabels)
		require.NoError(t, err)
		return dm
	}

	// Close after the epoch is exhausted, without a Reset.
	dm := newDataModule()
	ds := dm.TrainDataset()
	var count int
	for {
		_, _, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count += labels[1].Shape().Dimensions[0]
	}
	assert.Equal(t, 32, count)
	requireCloses(t, dm)
	requireCloses(t, dm)

	// Close in the middle of an epoch, and after a Reset.
	dm = newDataModule()
	ds = dm.TrainDataset()
	_, _, _, err := ds.Yield()
	require.NoError(t, err)
	requireCloses(t, dm)

	dm = newDataModule()
	ds = dm.TrainDataset()
	for {
		if _, _, _, err := ds.Yield(); err == io.EOF {
			break
		}
	}
	ds.Reset()
	requireCloses(t, dm)
}

func TestSaveSplits(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	trainImages, trainLabels := syntheticExamples(24)
	testImages, testLabels := syntheticExamples(6)
	dm, err := NewDataModuleFromData(Config{BatchSize: 4, ValSize: 8, Seed: 7}, trainImages, trainLabels, testImages, testLabels)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "splits")
	require.NoError(t, dm.SaveSplits(backend, dir))
	for name, want := range map[string]int{SplitTrain: 16, SplitVal: 8, SplitTest: 6} {
		mds, err := LoadSplit(backend, filepath.Join(dir, name+SplitFileExt))
		require.NoError(t, err, "loading %s", name)
		mds.BatchSize(want, false)
		_, inputs, labels, err := mds.Yield()
		require.NoError(t, err)
		assert.Equal(t, []int{want, Height, Width}, inputs[0].Shape().Dimensions)
		require.Len(t, labels, 2)
		if name == SplitVal {
			indices := tensors.MustCopyFlatData[int32](labels[1])
			for i, idx := range dm.Val().Indices() {
				assert.Equal(t, int32(idx), indices[i])
			}
			digits := tensors.MustCopyFlatData[int32](labels[0])
			assert.Equal(t, int32(dm.Val().Indices()[0]%NumClasses), digits[0])
		}
	}
}
