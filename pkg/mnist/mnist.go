// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist provides the MNIST database of handwritten digits: download, parsing of the IDX files,
// a train.Dataset yielding batches for the autoencoder, and a DataModule with the train/val/test splits.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/autoencoder/internal/workerspool"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

const (
	DownloadURL         = "https://storage.googleapis.com/cvdf-datasets/mnist"
	TrainImagesFilename = "train-images-idx3-ubyte.gz"
	TrainLabelsFilename = "train-labels-idx1-ubyte.gz"
	TestImagesFilename  = "t10k-images-idx3-ubyte.gz"
	TestLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	Width         = 28
	Height        = 28
	NumClasses    = 10
	TrainExamples = 60000
	TestExamples  = 10000

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Files holds the image and label file names of each MNIST mode ("train" and "test").
var Files = map[string][2]string{
	"train": {TrainImagesFilename, TrainLabelsFilename},
	"test":  {TestImagesFilename, TestLabelsFilename},
}

// Image represents a MNIST image: 0 is the background and 255 the digit color.
type Image [Width * Height]byte

// Label is the digit, from 0 to 9.
type Label = uint8

var _ image.Image = (*Image)(nil)

// ColorModel implements image.Image.
func (img *Image) ColorModel() color.Model { return color.GrayModel }

// Bounds implements image.Image.
func (img *Image) Bounds() image.Rectangle { return image.Rect(0, 0, Width, Height) }

// At implements image.Image.
func (img *Image) At(x, y int) color.Color { return color.Gray{Y: img[y*Width+x]} }

// Set modifies the pixel at (x,y).
func (img *Image) Set(x, y int, v byte) { img[y*Width+x] = v }

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// ReadImages parses an (uncompressed) IDX3 images stream.
func ReadImages(r io.Reader) ([]Image, error) {
	var header imageFileHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read images header")
	}
	if header.Magic != imageMagic {
		return nil, errors.Errorf("invalid images file magic number 0x%08x, wanted 0x%08x", header.Magic, imageMagic)
	}
	if header.Width != Width || header.Height != Height {
		return nil, errors.Errorf("invalid image size %dx%d, wanted %dx%d", header.Width, header.Height, Width, Height)
	}
	if header.NumImages < 0 {
		return nil, errors.Errorf("invalid number of images %d", header.NumImages)
	}
	images := make([]Image, header.NumImages)
	for i := range images {
		if _, err := io.ReadFull(r, images[i][:]); err != nil {
			return nil, errors.Wrapf(err, "failed to read image #%d of %d", i, header.NumImages)
		}
	}
	return images, nil
}

// ReadLabels parses an (uncompressed) IDX1 labels stream.
func ReadLabels(r io.Reader) ([]Label, error) {
	var header labelFileHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read labels header")
	}
	if header.Magic != labelMagic {
		return nil, errors.Errorf("invalid labels file magic number 0x%08x, wanted 0x%08x", header.Magic, labelMagic)
	}
	if header.NumLabels < 0 {
		return nil, errors.Errorf("invalid number of labels %d", header.NumLabels)
	}
	labels := make([]Label, header.NumLabels)
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d labels", header.NumLabels)
	}
	for i, l := range labels {
		if l >= NumClasses {
			return nil, errors.Errorf("invalid label %d for example #%d", l, i)
		}
	}
	return labels, nil
}

// readGzipFile opens a gzip compressed file and parses it with parseFn.
func readGzipFile[T any](filePath string, parseFn func(r io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(filePath)
	if err != nil {
		return zero, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return zero, errors.Wrapf(err, "failed to decompress %q", filePath)
	}
	defer func() { _ = reader.Close() }()
	value, err := parseFn(reader)
	if err != nil {
		return zero, errors.WithMessagef(err, "parsing %q", filePath)
	}
	return value, nil
}

// Load reads the images and labels of the given mode ("train" or "test") from baseDir.
func Load(baseDir, mode string) ([]Image, []Label, error) {
	files, found := Files[mode]
	if !found {
		return nil, nil, errors.Errorf("unknown MNIST mode %q, valid values are \"train\" and \"test\"", mode)
	}
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	var images []Image
	var labels []Label
	pool := workerspool.New(2)
	pool.Go(func() (err error) {
		images, err = readGzipFile(filepath.Join(baseDir, files[0]), ReadImages)
		return
	})
	pool.Go(func() (err error) {
		labels, err = readGzipFile(filepath.Join(baseDir, files[1]), ReadLabels)
		return
	})
	if err := pool.Wait(); err != nil {
		return nil, nil, err
	}
	if len(images) != len(labels) {
		return nil, nil, errors.Errorf("MNIST %q has %d images but %d labels", mode, len(images), len(labels))
	}
	return images, labels, nil
}

// Download the MNIST files to baseDir, if they are not there yet.
func Download(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", baseDir)
	}
	for _, file := range []string{TrainImagesFilename, TrainLabelsFilename, TestImagesFilename, TestLabelsFilename} {
		filePath := filepath.Join(baseDir, file)
		if fsutil.MustFileExists(filePath) {
			continue
		}
		fileURL, err := url.JoinPath(DownloadURL, file)
		if err != nil {
			return errors.Wrapf(err, "invalid download URL for %q", file)
		}
		klog.Infof("Downloading %s", fileURL)
		if err = downloadFile(fileURL, filePath); err != nil {
			return err
		}
	}
	return nil
}

// downloadFile writes to a temporary file first, and renames it once complete, so a partial
// download is never taken as a valid file.
func downloadFile(fileURL, filePath string) error {
	resp, err := http.Get(fileURL)
	if err != nil {
		return errors.Wrapf(err, "failed downloading %q", fileURL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed downloading %q: %s", fileURL, resp.Status)
	}

	tmpPath := filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed creating %q", tmpPath)
	}
	bar := progressbar.NewOptions64(resp.ContentLength,
		progressbar.OptionSetDescription(fmt.Sprintf("%s (%s)", filepath.Base(filePath), humanize.IBytes(uint64(max(resp.ContentLength, 0))))),
		progressbar.OptionShowBytes(true),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	_, err = io.Copy(io.MultiWriter(f, bar), resp.Body)
	_ = bar.Close()
	fmt.Println()
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "downloading %q to %q", fileURL, tmpPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed closing %q", tmpPath)
	}
	return errors.Wrapf(os.Rename(tmpPath, filePath), "failed to rename %q", tmpPath)
}
