// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package callbacks

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EarlyStopping requests training to stop once the monitored metric stopped improving for Patience
// consecutive validations, or when it becomes NaN or infinite.
type EarlyStopping struct {
	Monitor  string
	Mode     Mode
	Patience int
	MinDelta float64

	best         float64
	wait         int
	stopped      bool
	stoppedEpoch int
	reason       string
}

var _ Stopper = (*EarlyStopping)(nil)

// NewEarlyStopping creates an EarlyStopping callback.
func NewEarlyStopping(monitor string, mode Mode, patience int, minDelta float64) (*EarlyStopping, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if patience < 1 {
		return nil, errors.Errorf("early stopping patience must be >= 1, got %d", patience)
	}
	return &EarlyStopping{
		Monitor:  monitor,
		Mode:     mode,
		Patience: patience,
		MinDelta: math.Abs(minDelta),
		best:     mode.Worst(),
	}, nil
}

// OnValidationEnd implements Callback.
func (es *EarlyStopping) OnValidationEnd(epoch int, _ int64, metrics Metrics) error {
	current, err := lookupMonitor(metrics, es.Monitor)
	if err != nil {
		return errors.WithMessage(err, "EarlyStopping")
	}
	switch {
	case math.IsNaN(current) || math.IsInf(current, 0):
		es.stop(epoch, "monitored metric %s=%g is not finite", es.Monitor, current)
	case es.Mode.Improved(current, es.best, es.MinDelta):
		es.best = current
		es.wait = 0
	default:
		es.wait++
		if es.wait >= es.Patience {
			es.stop(epoch, "monitored metric %s did not improve in the last %d validations, best score %.6g",
				es.Monitor, es.wait, es.best)
		}
	}
	return nil
}

func (es *EarlyStopping) stop(epoch int, format string, args ...any) {
	es.stopped = true
	es.stoppedEpoch = epoch
	es.reason = fmt.Sprintf(format, args...)
	klog.Infof("Early stopping at epoch %d: %s", epoch, es.reason)
}

// ShouldStop implements Stopper.
func (es *EarlyStopping) ShouldStop() bool { return es.stopped }

// StoppedEpoch returns the epoch where training was stopped, or -1 if it wasn't.
func (es *EarlyStopping) StoppedEpoch() int {
	if !es.stopped {
		return -1
	}
	return es.stoppedEpoch
}

// Reason why training was stopped, empty if it wasn't.
func (es *EarlyStopping) Reason() string { return es.reason }

// Best value of the monitored metric so far.
func (es *EarlyStopping) Best() float64 { return es.best }

// Wait is the number of validations since the last improvement.
func (es *EarlyStopping) Wait() int { return es.wait }
