// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dmvflow/dmvflow/pkg/ml/train"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1).Align(lipgloss.Right)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1).Align(lipgloss.Right)
	annealRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1).Align(lipgloss.Right)
)

// EpochReport collects the epoch summaries of a training run, to print them as a table.
type EpochReport struct {
	Summaries []*train.EpochSummary
}

// AttachEpochReport creates an EpochReport filled at the end of every epoch.
func AttachEpochReport(trainer *train.Trainer) *EpochReport {
	report := &EpochReport{}
	trainer.OnEpochEnd("dmvflow.ui.commandline.EpochReport", 0, func(_ *train.Trainer, summary *train.EpochSummary) error {
		report.Summaries = append(report.Summaries, summary)
		return nil
	})
	return report
}

// Table renders the summaries, highlighting the epochs that annealed the learning rate.
func (r *EpochReport) Table() string {
	anneals := make(map[int]bool)
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case anneals[row]:
				return annealRowStyle
			case row%2 == 0:
				return oddRowStyle
			default:
				return evenRowStyle
			}
		}).
		Headers("Epoch", "LL/sent", "LL/word", "Val acc", "Decision", "Best", "LR mult", "Duration")
	for row, s := range r.Summaries {
		acc := "-"
		if s.HasAccuracy {
			acc = fmt.Sprintf("%.4f", s.Accuracy)
		}
		anneals[row] = s.Decision == train.Anneal
		table.Row(
			fmt.Sprintf("%d", s.Epoch),
			fmt.Sprintf("%.4f", s.LLPerSent),
			fmt.Sprintf("%.4f", s.LLPerWord),
			acc,
			s.Decision.String(),
			fmt.Sprintf("%.4f", s.BestScore),
			fmt.Sprintf("%g", s.LRMultiplier),
			FormatDuration(s.Duration))
	}
	return table.String()
}

// Print writes the table to w.
func (r *EpochReport) Print(w io.Writer) error {
	if len(r.Summaries) == 0 {
		return nil
	}
	_, err := fmt.Fprintln(w, r.Table())
	return err
}
