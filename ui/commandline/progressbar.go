// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dmvflow/dmvflow/pkg/ml/train"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the trainer hooks of the progress bar.
const ProgressBarName = "dmvflow.ui.commandline.progressBar"

// numStepDurations is the number of most recent step durations the median is taken over.
const numStepDurations = 100

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar holds a progressbar being displayed. It counts training sentences.
type progressBar struct {
	out    io.Writer
	bar    *progressbar.ProgressBar
	amount int

	stepDurations []time.Duration

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// AttachProgressBar creates a commandline progress bar and attaches it to the trainer: it
// displays the number of sentences trained over all epochs, along with a table of the
// current training statistics.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(trainer *train.Trainer, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		out:            os.Stdout,
		extraMetricFns: extraMetrics,
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable: lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			}),
		updates: make(chan progressBarUpdate, 100), // Large buffer so training is not blocked.
	}
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()

	trainer.OnStart(ProgressBarName, 0, pBar.onStart)
	trainer.OnStep(ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(trainer, RefreshPeriod, true, ProgressBarName, 1, pBar.report)
	trainer.OnEpochEnd(ProgressBarName, 0, func(t *train.Trainer, _ *train.EpochSummary) error {
		return pBar.report(t, nil)
	})
	trainer.OnEnd(ProgressBarName, 1, pBar.onEnd)
}

func (pBar *progressBar) onStart(t *train.Trainer) error {
	total := t.Config().Epochs * t.Data().Train.Len()
	pBar.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("sentences"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	return nil
}

// onStep only accounts for the step: drawing happens on report.
func (pBar *progressBar) onStep(_ *train.Trainer, step *train.Step) error {
	pBar.amount += step.NumSentences
	pBar.stepDurations = append(pBar.stepDurations, step.Duration)
	if len(pBar.stepDurations) > numStepDurations {
		pBar.stepDurations = pBar.stepDurations[1:]
	}
	return nil
}

func (pBar *progressBar) report(t *train.Trainer, step *train.Step) error {
	if pBar.amount <= 0 && step != nil {
		return nil
	}
	update := progressBarUpdate{
		amount: pBar.amount,
		rows:   statsRows(t.Config(), t.Progress(), step, medianDuration(pBar.stepDurations)),
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		update.rows = append(update.rows, [2]string{name, value})
	}
	pBar.amount = 0
	pBar.updates <- update
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Trainer) error {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// drawUpdates asynchronously draws updates: this is handy if training is faster than the
// terminal, in particular over a slow network connection.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}
		if pBar.bar == nil {
			continue
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if pBar.numLinesPrinted > 0 {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}
		rendered := pBar.statsStyle.Render(pBar.statsTable.String())
		_, _ = fmt.Fprintln(pBar.out, rendered)
		_ = pBar.bar.Add(amount)
		_, _ = fmt.Fprintln(pBar.out)
		pBar.numLinesPrinted = lipgloss.Height(rendered) + 1
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// statsRows are the rows of the statistics table. step is nil at the end of an epoch.
func statsRows(config train.Config, progress train.Progress, step *train.Step, medianStep time.Duration) [][2]string {
	rows := [][2]string{
		{"Epoch", fmt.Sprintf("%d of %d", progress.Epoch+1, config.Epochs)},
		{"Global step", humanize.Comma(int64(progress.GlobalStep))},
		{"Median step duration", FormatDuration(medianStep)},
		{"LL per sentence", fmt.Sprintf("%.4f", progress.LLPerSent())},
		{"LL per word", fmt.Sprintf("%.4f", progress.LLPerWord())},
	}
	if step != nil && step.Updated {
		rows = append(rows, [2]string{"Gradient norm", fmt.Sprintf("%.4f", step.GradNorm)})
	}
	if config.Mode.IsSupervised() {
		rows = append(rows,
			[2]string{"Best validation acc", fmt.Sprintf("%.4f", progress.BestScore)},
			[2]string{"LR multiplier", fmt.Sprintf("%g (%d anneals)", progress.LRMultiplier, progress.NumAnneals)})
	}
	return rows
}

// medianDuration returns the median of durations, or 0 if there are none.
func medianDuration(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}
