// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/autoencoder/internal/conf"
	"github.com/gomlx/autoencoder/pkg/autoencoder"
	"github.com/gomlx/autoencoder/pkg/callbacks"
	"github.com/gomlx/autoencoder/pkg/export"
	"github.com/gomlx/autoencoder/pkg/mnist"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeMNIST writes n random examples in the MNIST IDX format, gzip compressed, for the given mode.
func writeMNIST(t *testing.T, dir, mode string, n int, rng *rand.Rand) {
	var images, labels bytes.Buffer
	require.NoError(t, binary.Write(&images, binary.BigEndian, []int32{2051, int32(n), mnist.Height, mnist.Width}))
	require.NoError(t, binary.Write(&labels, binary.BigEndian, []int32{2049, int32(n)}))
	for range n {
		pixels := make([]byte, mnist.Height*mnist.Width)
		for i := range pixels {
			pixels[i] = byte(rng.Intn(256))
		}
		images.Write(pixels)
		labels.WriteByte(byte(rng.Intn(mnist.NumClasses)))
	}
	for i, data := range [][]byte{images.Bytes(), labels.Bytes()} {
		var compressed bytes.Buffer
		w := gzip.NewWriter(&compressed)
		_, err := w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		require.NoError(t, os.WriteFile(filepath.Join(dir, mnist.Files[mode][i]), compressed.Bytes(), 0o644))
	}
}

const testConfig = `
trainer:
  max_epochs: 2
  log_every_n_steps: 2
  enable_progress_bar: false
  seed: 7
data:
  batch_size: 8
  eval_batch_size: 8
  val_size: 16
  num_workers: 2
  download: false
logger:
  name: runs
`

// TestRun runs the whole pipeline on the pure Go backend, over a small synthetic MNIST.
func TestRun(t *testing.T) {
	t.Setenv(backends.ConfigEnvVar, simplego.BackendName)
	root := t.TempDir()
	paths := conf.DefaultPaths(root)
	rng := rand.New(rand.NewSource(1))
	require.NoError(t, os.MkdirAll(paths.Data, 0o755))
	writeMNIST(t, paths.Data, "train", 64, rng)
	writeMNIST(t, paths.Data, "test", 16, rng)
	configPath := filepath.Join(root, "trainer.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o644))

	oldConfig, oldRoot, oldGrid := *flagConfig, *flagRoot, *flagGrid
	*flagConfig, *flagRoot, *flagGrid = configPath, root, 4
	defer func() { *flagConfig, *flagRoot, *flagGrid = oldConfig, oldRoot, oldGrid }()

	ctx := context.New()
	autoencoder.DefaultHyperparameters().SetParams(ctx)
	require.NoError(t, exceptions.TryCatch[error](func() { run(ctx, "dropout=0.25") }))

	// Model exported to ONNX, with both outputs.
	summary, err := export.InspectONNX(paths.Model)
	require.NoError(t, err)
	assert.Equal(t, []string{export.XHatName, export.YHatName}, summary.Outputs)
	assert.Equal(t, "0.25", summary.Metadata["dropout"])

	// Predictions over the validation split.
	backend := simplego.GetBackend()
	predictions, err := export.LoadPredictions(backend, paths.Predictions)
	require.NoError(t, err)
	assert.Equal(t, 16, predictions.NumExamples())
	assert.FileExists(t, filepath.Join(filepath.Dir(paths.Predictions), "reconstructions.png"))

	// Data splits.
	for split, want := range map[string]int{mnist.SplitTrain: 48, mnist.SplitVal: 16, mnist.SplitTest: 16} {
		mds, err := mnist.LoadSplit(backend, filepath.Join(paths.Splits, split+mnist.SplitFileExt))
		require.NoError(t, err, "split %s", split)
		assert.Equal(t, want, mds.NumExamples(), "split %s", split)
	}

	// Logs, profiler report and the best checkpoint.
	logsDir := filepath.Join(paths.Logs, "runs", "version_0")
	assert.FileExists(t, filepath.Join(logsDir, callbacks.MetricsFileName))
	assert.FileExists(t, filepath.Join(logsDir, callbacks.HyperparametersFileName))
	assert.FileExists(t, filepath.Join(paths.Profiler, "run-profiler.txt"))
	entries, err := os.ReadDir(paths.Checkpoints)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}
