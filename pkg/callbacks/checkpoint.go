// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package callbacks

import (
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// checkpointFilePrefix is the prefix of the files written by checkpoints.Handler.
const checkpointFilePrefix = "checkpoint-"

// ModelCheckpoint saves the context (model weights, optimizer state and hyperparameters) every time the
// monitored metric improves. Only the best checkpoint is kept in the directory.
type ModelCheckpoint struct {
	Monitor string
	Mode    Mode

	handler   *checkpoints.Handler
	best      float64
	bestEpoch int
	bestPath  string
}

var _ Callback = (*ModelCheckpoint)(nil)

// NewModelCheckpoint creates a ModelCheckpoint saving ctx to dir.
//
// Checkpoints left in dir by a previous run are removed first, otherwise they would be loaded into ctx.
// Only one checkpoint handler can be attached to a context.
func NewModelCheckpoint(ctx *context.Context, dir, monitor string, mode Mode) (*ModelCheckpoint, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if err := removeStaleCheckpoints(dir); err != nil {
		return nil, err
	}
	handler, err := checkpoints.Build(ctx).Dir(dir).Keep(1).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "creating checkpoints in %q", dir)
	}
	return &ModelCheckpoint{
		Monitor:   monitor,
		Mode:      mode,
		handler:   handler,
		best:      mode.Worst(),
		bestEpoch: -1,
	}, nil
}

func removeStaleCheckpoints(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to list checkpoint directory %q", dir)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, checkpointFilePrefix) {
			continue
		}
		if !strings.HasSuffix(name, checkpoints.JsonNameSuffix) && !strings.HasSuffix(name, checkpoints.BinDataSuffix) {
			continue
		}
		klog.Warningf("Removing stale checkpoint file %q", filepath.Join(dir, name))
		if err = os.Remove(filepath.Join(dir, name)); err != nil {
			return errors.Wrapf(err, "failed to remove stale checkpoint %q", name)
		}
	}
	return nil
}

// OnValidationEnd implements Callback.
func (mc *ModelCheckpoint) OnValidationEnd(epoch int, _ int64, metrics Metrics) error {
	current, err := lookupMonitor(metrics, mc.Monitor)
	if err != nil {
		return errors.WithMessage(err, "ModelCheckpoint")
	}
	if math.IsNaN(current) || !mc.Mode.Improved(current, mc.best, 0) {
		return nil
	}
	if err = mc.handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint for %s=%g", mc.Monitor, current)
	}
	list, err := mc.handler.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) > 0 {
		mc.bestPath = filepath.Join(mc.handler.Dir(), list[len(list)-1])
	}
	klog.V(1).Infof("Epoch %d: %s improved from %.6g to %.6g, saved %s", epoch, mc.Monitor, mc.best, current, mc.bestPath)
	mc.best = current
	mc.bestEpoch = epoch
	return nil
}

// Dir where the best checkpoint is saved. Use it to load the best model.
func (mc *ModelCheckpoint) Dir() string { return mc.handler.Dir() }

// BestModelPath is the base path (without the ".json"/".bin" suffixes) of the best checkpoint, or
// empty if none was saved yet.
func (mc *ModelCheckpoint) BestModelPath() string { return mc.bestPath }

// BestScore is the value of the monitored metric for the best checkpoint.
func (mc *ModelCheckpoint) BestScore() float64 { return mc.best }

// BestEpoch is the epoch of the best checkpoint, or -1 if none was saved yet.
func (mc *ModelCheckpoint) BestEpoch() int { return mc.bestEpoch }
