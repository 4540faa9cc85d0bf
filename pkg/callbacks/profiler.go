// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package callbacks

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/autoencoder/internal/tables"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Actions recorded by Profiler.AttachToLoop.
const (
	ActionTrainStep = "train_step"
	ActionTrainLoop = "train_epoch"
)

// Profiler accumulates the wall time of named actions, and reports them as a table.
// Optionally, it also records a Go CPU profile.
//
// It is safe for concurrent use.
type Profiler struct {
	dir, filename string

	mu        sync.Mutex
	durations map[string][]time.Duration
	order     []string

	cpuProfile *os.File
}

// NewProfiler creates a Profiler writing its reports to dir. If dir is empty, reports are only logged.
func NewProfiler(dir, filename string) (*Profiler, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create profiler directory %q", dir)
		}
	}
	return &Profiler{dir: dir, filename: filename, durations: make(map[string][]time.Duration)}, nil
}

// StartCPUProfile starts a Go CPU profile written to fileName in the profiler directory.
// It is stopped by Close.
func (p *Profiler) StartCPUProfile(fileName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cpuProfile != nil {
		return errors.New("CPU profile already started")
	}
	filePath := filepath.Join(p.dir, fileName)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create CPU profile %q", filePath)
	}
	if err = pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "failed to start CPU profile")
	}
	p.cpuProfile = f
	return nil
}

// Record adds one call to action that took elapsed.
func (p *Profiler) Record(action string, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, found := p.durations[action]; !found {
		p.order = append(p.order, action)
	}
	p.durations[action] = append(p.durations[action], elapsed)
}

// Start timing action, and returns the function that stops it.
//
// Example:
//
//	defer profiler.Start("setup")()
func (p *Profiler) Start(action string) (stop func()) {
	start := time.Now()
	return func() { p.Record(action, time.Since(start)) }
}

// Profile runs fn and records its duration under action.
func (p *Profiler) Profile(action string, fn func() error) error {
	defer p.Start(action)()
	return fn()
}

// AttachToLoop records the duration of every training step and of every loop run.
func (p *Profiler) AttachToLoop(loop *train.Loop) {
	var loopStart time.Time
	loop.OnStart("profiler", -100, func(_ *train.Loop, _ train.Dataset) error {
		loopStart = time.Now()
		return nil
	})
	loop.OnEnd("profiler", 100, func(loop *train.Loop, _ []*tensors.Tensor) error {
		for _, elapsed := range loop.TrainStepDurations {
			p.Record(ActionTrainStep, elapsed)
		}
		p.Record(ActionTrainLoop, time.Since(loopStart))
		return nil
	})
}

// ActionStats summarizes the recorded calls of one action.
type ActionStats struct {
	Action      string
	Calls       int
	Total, Mean time.Duration
	Median      time.Duration
}

// Stats returns the summary of every recorded action, in the order they were first recorded.
func (p *Profiler) Stats() []ActionStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := make([]ActionStats, 0, len(p.order))
	for _, action := range p.order {
		durations := slices.Clone(p.durations[action])
		slices.Sort(durations)
		s := ActionStats{Action: action, Calls: len(durations), Median: durations[len(durations)/2]}
		for _, d := range durations {
			s.Total += d
		}
		s.Mean = s.Total / time.Duration(s.Calls)
		stats = append(stats, s)
	}
	return stats
}

// Summary renders the statistics as a table. Percentages are relative to elapsed, if > 0.
func (p *Profiler) Summary(elapsed time.Duration) string {
	table := tables.New([]string{"Action", "Calls", "Mean", "Median", "Total", "%"},
		lipgloss.Left, lipgloss.Right)
	for _, s := range p.Stats() {
		percent := "-"
		if elapsed > 0 {
			percent = fmt.Sprintf("%.1f%%", 100*float64(s.Total)/float64(elapsed))
		}
		table.Row(s.Action, humanize.Comma(int64(s.Calls)), s.Mean.String(), s.Median.String(),
			s.Total.Round(time.Millisecond).String(), percent)
	}
	return table.String()
}

// WriteReport writes the summary to "<stage>-<filename>.txt" in the profiler directory, or logs it if
// there is no directory.
func (p *Profiler) WriteReport(stage string, elapsed time.Duration) error {
	report := fmt.Sprintf("Profiler report (%s), elapsed %s\n%s\n", stage, elapsed.Round(time.Millisecond), p.Summary(elapsed))
	if p.dir == "" {
		klog.Info(report)
		return nil
	}
	filePath := filepath.Join(p.dir, fmt.Sprintf("%s-%s.txt", stage, p.filename))
	return errors.Wrapf(os.WriteFile(filePath, []byte(report), 0o644), "failed to write profiler report %q", filePath)
}

// Close stops the CPU profile, if one was started.
func (p *Profiler) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cpuProfile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := p.cpuProfile.Close()
	p.cpuProfile = nil
	return errors.Wrap(err, "failed to close CPU profile")
}
