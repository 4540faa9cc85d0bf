// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package callbacks implements the hooks notified by the runner during training: metrics logging,
// profiling, best-model checkpointing and early stopping.
//
// Metrics are keyed by "<stage>_<metric>", e.g. "val_loss", "train_loss" or "test_ssim".
package callbacks

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Metrics maps metric keys (e.g. "val_loss") to their values.
type Metrics map[string]float64

// Callback is notified at the end of every validation run.
type Callback interface {
	OnValidationEnd(epoch int, globalStep int64, metrics Metrics) error
}

// Stopper is a Callback that can request training to stop.
type Stopper interface {
	Callback
	ShouldStop() bool
}

// Mode defines whether a monitored metric improves by decreasing or by increasing.
type Mode string

const (
	ModeMin Mode = "min"
	ModeMax Mode = "max"
)

// ParseMode converts "min" or "max" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case ModeMin, ModeMax:
		return m, nil
	}
	return "", errors.Errorf("invalid monitor mode %q, valid values are \"min\" and \"max\"", s)
}

// Worst returns the initial "best" value of the mode: +Inf for min, -Inf for max.
func (m Mode) Worst() float64 {
	if m == ModeMax {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

// Improved returns whether current is better than best by more than minDelta.
func (m Mode) Improved(current, best, minDelta float64) bool {
	if m == ModeMax {
		return current > best+minDelta
	}
	return current < best-minDelta
}

// MetricType returns the kind of metric given its key: "loss", "accuracy" or "similarity".
// It's used to group metrics when plotting.
func MetricType(key string) string {
	switch {
	case strings.HasSuffix(key, "_loss"):
		return "loss"
	case strings.HasSuffix(key, "_acc"):
		return "accuracy"
	case strings.HasSuffix(key, "_ssim"):
		return "similarity"
	}
	return key
}

func lookupMonitor(metrics Metrics, monitor string) (float64, error) {
	value, found := metrics[monitor]
	if !found {
		available := make([]string, 0, len(metrics))
		for key := range metrics {
			available = append(available, key)
		}
		return 0, errors.Errorf("monitored metric %q not available, metrics are %q", monitor, available)
	}
	return value, nil
}
