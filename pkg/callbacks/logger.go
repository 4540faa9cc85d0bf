// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package callbacks

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Files written by MetricsLogger in its version directory.
const (
	HyperparametersFileName = "hparams.yaml"
	MetricsFileName         = "metrics.csv"
	versionDirPrefix        = "version_"
)

// MetricsLogger records metrics under <saveDir>/<name>/version_<N>, where N is the next unused version.
//
// Every logged metric is streamed as a plots.Point to plots.TrainingPlotFileName. On Close it writes
// all metrics as a table to MetricsFileName (one row per logged step) and one "<metric type>.png"
// plot per metric type.
type MetricsLogger struct {
	dir, runID string

	pointWriter chan<- plots.Point
	pointErr    <-chan error

	mu      sync.Mutex
	hparams map[string]any
	rows    []loggedRow
	keys    []string
	closed  bool
}

type loggedRow struct {
	step    int64
	epoch   int
	metrics Metrics
}

var _ Callback = (*MetricsLogger)(nil)

// NewMetricsLogger creates the version directory and starts the points writer.
func NewMetricsLogger(saveDir, name string) (*MetricsLogger, error) {
	baseDir := filepath.Join(saveDir, name)
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create logs directory %q", baseDir)
	}
	version, err := nextVersion(baseDir)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(baseDir, fmt.Sprintf("%s%d", versionDirPrefix, version))
	if err = os.Mkdir(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create logs version directory %q", dir)
	}
	l := &MetricsLogger{dir: dir, runID: uuid.NewString()}
	l.pointWriter, l.pointErr = plots.CreatePointsWriter(filepath.Join(dir, plots.TrainingPlotFileName))
	klog.V(1).Infof("Logging metrics to %s (run %s)", dir, l.runID)
	return l, nil
}

func nextVersion(baseDir string) (int, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list %q", baseDir)
	}
	version := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), versionDirPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), versionDirPrefix))
		if err != nil {
			continue
		}
		version = max(version, n+1)
	}
	return version, nil
}

// Dir is the version directory where the files are written.
func (l *MetricsLogger) Dir() string { return l.dir }

// RunID uniquely identifies this run. It's also saved with the hyperparameters.
func (l *MetricsLogger) RunID() string { return l.runID }

// LogHyperparameters merges params into the hyperparameters logged so far, and saves them, plus the run id
// and start time, to HyperparametersFileName.
func (l *MetricsLogger) LogHyperparameters(params map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hparams == nil {
		l.hparams = map[string]any{
			"run_id":     l.runID,
			"start_time": time.Now().Format(time.RFC3339),
		}
	}
	for key, value := range params {
		l.hparams[key] = value
	}
	data, err := yaml.Marshal(l.hparams)
	if err != nil {
		return errors.Wrap(err, "failed to encode hyperparameters")
	}
	filePath := filepath.Join(l.dir, HyperparametersFileName)
	return errors.Wrapf(os.WriteFile(filePath, data, 0o644), "failed to write %q", filePath)
}

// Log records the metrics at the given global step.
func (l *MetricsLogger) Log(globalStep int64, epoch int, metrics Metrics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		klog.Warningf("MetricsLogger.Log() called after Close(), metrics at step %d dropped", globalStep)
		return
	}
	row := loggedRow{step: globalStep, epoch: epoch, metrics: make(Metrics, len(metrics))}
	for _, key := range sortedKeys(metrics) {
		value := metrics[key]
		row.metrics[key] = value
		if !slices.Contains(l.keys, key) {
			l.keys = append(l.keys, key)
		}
		l.pointWriter <- plots.Point{
			MetricName: key,
			Short:      key,
			MetricType: MetricType(key),
			Step:       float64(globalStep),
			Value:      value,
		}
	}
	l.rows = append(l.rows, row)
}

// OnValidationEnd implements Callback.
func (l *MetricsLogger) OnValidationEnd(epoch int, globalStep int64, metrics Metrics) error {
	l.Log(globalStep, epoch, metrics)
	return nil
}

// Close flushes the points file and writes the metrics table and plots. It's safe to call more than once.
func (l *MetricsLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.pointWriter)
	if err := <-l.pointErr; err != nil {
		return errors.WithMessage(err, "writing metrics points")
	}
	if len(l.rows) == 0 {
		return nil
	}
	if err := l.writeCSV(); err != nil {
		return err
	}
	return l.writePlots()
}

// DataFrame returns the logged metrics: columns "step", "epoch" and then one per metric, sorted.
// Metrics missing at a step are NaN.
func (l *MetricsLogger) DataFrame() dataframe.DataFrame {
	keys := slices.Clone(l.keys)
	slices.Sort(keys)
	steps := make([]int, len(l.rows))
	epochs := make([]int, len(l.rows))
	columns := make([][]float64, len(keys))
	for i := range columns {
		columns[i] = make([]float64, len(l.rows))
	}
	for rowIdx, row := range l.rows {
		steps[rowIdx] = int(row.step)
		epochs[rowIdx] = row.epoch
		for colIdx, key := range keys {
			value, found := row.metrics[key]
			if !found {
				value = math.NaN()
			}
			columns[colIdx][rowIdx] = value
		}
	}
	allSeries := []series.Series{
		series.New(steps, series.Int, "step"),
		series.New(epochs, series.Int, "epoch"),
	}
	for colIdx, key := range keys {
		allSeries = append(allSeries, series.New(columns[colIdx], series.Float, key))
	}
	return dataframe.New(allSeries...)
}

func (l *MetricsLogger) writeCSV() error {
	df := l.DataFrame()
	if df.Err != nil {
		return errors.Wrap(df.Err, "building metrics table")
	}
	filePath := filepath.Join(l.dir, MetricsFileName)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// writePlots draws one line per metric, one plot per metric type, with the global step in the X axis.
func (l *MetricsLogger) writePlots() error {
	byType := make(map[string][]string)
	for _, key := range l.keys {
		metricType := MetricType(key)
		byType[metricType] = append(byType[metricType], key)
	}
	for metricType, keys := range byType {
		slices.Sort(keys)
		p := plot.New()
		p.Title.Text = metricType
		p.X.Label.Text = "global step"
		p.Y.Label.Text = metricType
		p.Add(plotter.NewGrid())
		for i, key := range keys {
			var xys plotter.XYs
			for _, row := range l.rows {
				value, found := row.metrics[key]
				if !found || math.IsNaN(value) || math.IsInf(value, 0) {
					continue
				}
				xys = append(xys, plotter.XY{X: float64(row.step), Y: value})
			}
			if len(xys) == 0 {
				continue
			}
			line, points, err := plotter.NewLinePoints(xys)
			if err != nil {
				return errors.Wrapf(err, "plotting %q", key)
			}
			line.Color = plotutil.Color(i)
			points.Color = plotutil.Color(i)
			p.Add(line, points)
			p.Legend.Add(key, line, points)
		}
		filePath := filepath.Join(l.dir, metricType+".png")
		if err := p.Save(8*vg.Inch, 5*vg.Inch, filePath); err != nil {
			return errors.Wrapf(err, "failed to save plot %q", filePath)
		}
	}
	return nil
}

func sortedKeys(metrics Metrics) []string {
	keys := make([]string, 0, len(metrics))
	for key := range metrics {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
