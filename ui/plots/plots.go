// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

// Package plots collects learning curves during training, stores them as JSON lines next
// to the checkpoint, and renders them as PNG charts.
package plots

import (
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"slices"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dmvflow/dmvflow/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
	"k8s.io/klog/v2"
)

// Metric types, used to group metrics in the same chart.
const (
	LikelihoodType = "log-likelihood"
	AccuracyType   = "accuracy"
)

// Metric names.
const (
	TrainLLPerWord = "train_ll_per_word"
	TrainLLPerSent = "train_ll_per_sent"
	ValAccuracy    = "val_accuracy"
)

// Point of a learning curve.
type Point struct {
	MetricName string

	// MetricType is used to aggregate similar metrics in the same chart.
	MetricType string

	// Step is the global step the metric was measured, stored as a float64.
	Step float64

	Value float64
}

// Collector gathers points from a trainer, and optionally appends them to a file as they come.
type Collector struct {
	points Points

	pointWriter chan<- Point
	errReport   <-chan error
}

// Attach creates a Collector for the trainer. It samples the training log-likelihoods every
// everyNSteps steps and at the end of every epoch, along with the validation accuracy.
//
// If filePath is not empty, points are appended to it as JSON lines.
func Attach(trainer *train.Trainer, everyNSteps int, filePath string) *Collector {
	c := &Collector{points: make(Points)}
	if filePath != "" {
		c.pointWriter, c.errReport = CreatePointsWriter(filePath)
	}
	const name = "dmvflow.ui.plots.Collector"
	train.EveryNSteps(trainer, everyNSteps, name, 10, func(t *train.Trainer, _ *train.Step) error {
		c.addTrainPoints(t.Progress())
		return nil
	})
	trainer.OnEpochEnd(name, 10, func(t *train.Trainer, summary *train.EpochSummary) error {
		step := float64(t.Progress().GlobalStep)
		c.Add(Point{MetricName: TrainLLPerSent, MetricType: LikelihoodType, Step: step, Value: summary.LLPerSent})
		c.Add(Point{MetricName: TrainLLPerWord, MetricType: LikelihoodType, Step: step, Value: summary.LLPerWord})
		if summary.HasAccuracy {
			c.Add(Point{MetricName: ValAccuracy, MetricType: AccuracyType, Step: step, Value: summary.Accuracy})
		}
		return nil
	})
	return c
}

func (c *Collector) addTrainPoints(progress train.Progress) {
	if progress.Sentences == 0 {
		return
	}
	step := float64(progress.GlobalStep)
	c.Add(Point{MetricName: TrainLLPerSent, MetricType: LikelihoodType, Step: step, Value: progress.LLPerSent()})
	c.Add(Point{MetricName: TrainLLPerWord, MetricType: LikelihoodType, Step: step, Value: progress.LLPerWord()})
}

// Add a point to the collection. Points with NaN or infinite values are dropped.
func (c *Collector) Add(p Point) {
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		klog.V(1).Infof("dropping plot point %+v", p)
		return
	}
	for _, existing := range c.points[p.Step] {
		if existing.MetricName == p.MetricName {
			return
		}
	}
	c.points[p.Step] = append(c.points[p.Step], p)
	if c.pointWriter != nil {
		c.pointWriter <- p
	}
}

// Points returns the points collected so far.
func (c *Collector) Points() Points { return c.points }

// Close flushes the points file, if any, and returns the first error writing it.
func (c *Collector) Close() error {
	if c.pointWriter == nil {
		return nil
	}
	close(c.pointWriter)
	c.pointWriter = nil
	return <-c.errReport
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plots file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plots file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// CreatePointsWriter creates a channel to write Point to the given file.
// It creates an errReport channel to report an error (or nil) back at the very end.
// If any error occurs, it stops writing, and will report the error back once pointWriter is closed.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	pointChan := make(chan Point, 100)
	errChan := make(chan error, 1)
	go func() {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			err = errors.Wrapf(err, "failed to open plots file %q for append", filePath)
			klog.Errorf("Error: %v", err)
		}
		enc := json.NewEncoder(f)
		for point := range pointChan {
			if err != nil {
				continue
			}
			if err = enc.Encode(point); err != nil {
				err = errors.Wrapf(err, "failed to encode point %v", point)
				klog.Errorf("Error: %v", err)
			}
		}
		if f != nil {
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
		}
		errChan <- err
	}()
	return pointChan, errChan
}

// Points is a collection of Point objects organized by their Step value.
type Points map[float64][]Point

// NewPoints create a Points object from a collection of individual points.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map executes the given function on all individual points, in Step order.
func (points Points) Map(fn func(p *Point)) {
	sortedKeys := maps.Keys(points)
	slices.Sort(sortedKeys)
	for _, step := range sortedKeys {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// MetricsNames return the list of metrics names in the whole collection, sorted by their
// type and then by their name.
func (points Points) MetricsNames() []string {
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		nameToType[p.MetricName] = p.MetricType
	})
	names := maps.Keys(nameToType)
	slices.Sort(names)
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// Series returns the (step, value) points of the metric, in Step order.
func (points Points) Series(metricName string) plotter.XYs {
	var xys plotter.XYs
	points.Map(func(p *Point) {
		if p.MetricName == metricName {
			xys = append(xys, plotter.XY{X: p.Step, Y: p.Value})
		}
	})
	return xys
}

// TableForMetrics returns a table with the first column being the Step followed
// by the columns given by the metrics names. If metrics is empty, it includes all metrics.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	table.Headers(append([]string{"Step"}, metrics...)...)

	sortedKeys := maps.Keys(points)
	slices.Sort(sortedKeys)
	for _, step := range sortedKeys {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			if idx := slices.Index(metrics, pt.MetricName); idx != -1 {
				row[idx+1] = fmt.Sprintf("%f", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}

var lineColors = []color.Color{
	color.RGBA{R: 0x70, G: 0x50, B: 0x90, A: 0xff},
	color.RGBA{R: 0xd0, G: 0x60, B: 0x20, A: 0xff},
	color.RGBA{R: 0x20, G: 0x90, B: 0x60, A: 0xff},
	color.RGBA{R: 0x20, G: 0x60, B: 0xd0, A: 0xff},
}

// SavePNG renders one chart per metric type, stacked vertically, into a PNG file.
func (points Points) SavePNG(filePath, title string) error {
	names := points.MetricsNames()
	if len(names) == 0 {
		return errors.New("no points to plot")
	}
	var types []string
	byType := make(map[string][]string)
	for _, name := range names {
		var metricType string
		points.Map(func(p *Point) {
			if p.MetricName == name {
				metricType = p.MetricType
			}
		})
		if _, found := byType[metricType]; !found {
			types = append(types, metricType)
		}
		byType[metricType] = append(byType[metricType], name)
	}

	const width, rowHeight = 10 * vg.Inch, 4 * vg.Inch
	img := vgimg.New(width, rowHeight*vg.Length(len(types)))
	tiles := draw.Tiles{Rows: len(types), Cols: 1, PadX: vg.Millimeter, PadY: 4 * vg.Millimeter}
	plots := make([][]*plot.Plot, len(types))
	for row, metricType := range types {
		p := plot.New()
		p.Title.Text = fmt.Sprintf("%s: %s", title, metricType)
		p.X.Label.Text = "global step"
		p.Y.Label.Text = metricType
		p.Add(plotter.NewGrid())
		for ii, name := range byType[metricType] {
			line, err := plotter.NewLine(points.Series(name))
			if err != nil {
				return errors.Wrapf(err, "plotting %q", name)
			}
			line.Color = lineColors[ii%len(lineColors)]
			line.Width = vg.Points(1.5)
			p.Add(line)
			p.Legend.Add(name, line)
		}
		p.Legend.Top = true
		plots[row] = []*plot.Plot{p}
	}
	canvases := plot.Align(plots, tiles, draw.New(img))
	for row := range plots {
		plots[row][0].Draw(canvases[row][0])
	}

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create plot file %q", filePath)
	}
	if _, err = (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write plot file %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close plot file %q", filePath)
}
