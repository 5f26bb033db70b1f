// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/chargen/pkg/charlstm"
	"github.com/gomlx/chargen/pkg/modelstore"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 0, 0, 0)
)

// isTerminal returns whether w is a terminal that understands ANSI codes.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return termenv.NewOutput(f).Profile != termenv.Ascii
}

func printTitle(w io.Writer, title string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(title))
}

func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				s = evenRowStyle
			default:
				s = oddRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Left)
			} else {
				s = s.Align(lipgloss.Right)
			}
			return
		})
}

// printInfoTable prints the stored models sorted by key.
func printInfoTable(w io.Writer, title string, infos []modelstore.Info) {
	printTitle(w, title)
	if len(infos) == 0 {
		_, _ = fmt.Fprintln(w, "(none)")
		return
	}
	infos = slices.Clone(infos)
	slices.SortFunc(infos, func(a, b modelstore.Info) int { return strings.Compare(a.Key, b.Key) })
	table := newTable("Key", "Size", "Weights", "Saved")
	for _, info := range infos {
		table.Row(info.Key,
			humanize.Bytes(uint64(info.SizeBytes())),
			humanize.Bytes(uint64(info.WeightBytes)),
			humanize.Time(info.DateSaved))
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

// epochsBar displays the training progress, one step per epoch, with the metrics of the last epoch.
type epochsBar struct {
	w    io.Writer
	bar  *progressbar.ProgressBar
	last *charlstm.EpochMetrics
}

func newEpochsBar(w io.Writer, numEpochs int) *epochsBar {
	ansi := isTerminal(w)
	return &epochsBar{
		w: w,
		bar: progressbar.NewOptions(numEpochs,
			progressbar.OptionSetDescription("Training"),
			progressbar.OptionSetWriter(w),
			progressbar.OptionUseANSICodes(ansi),
			progressbar.OptionEnableColorCodes(ansi),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("epochs"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		),
	}
}

func formatMetrics(m charlstm.EpochMetrics) string {
	parts := []string{fmt.Sprintf("loss=%.4f", m.Loss), fmt.Sprintf("acc=%.1f%%", 100*m.Accuracy)}
	if m.HasValidation {
		parts = append(parts,
			fmt.Sprintf("val_loss=%.4f", m.ValidationLoss),
			fmt.Sprintf("val_acc=%.1f%%", 100*m.ValidationAccuracy))
	}
	return strings.Join(parts, " ")
}

func (e *epochsBar) onEpochEnd(m charlstm.EpochMetrics) {
	e.last = &m
	e.bar.Describe(fmt.Sprintf("Epoch %d/%d [%s]", m.EpochIndex+1, m.TotalEpochs, formatMetrics(m)))
	_ = e.bar.Add(1)
}

func (e *epochsBar) finish() {
	_ = e.bar.Exit()
	_, _ = fmt.Fprintln(e.w)
	if e.last == nil {
		return
	}
	table := newTable("Metric", "Value")
	m := *e.last
	table.Row("epochs", humanize.Comma(int64(m.EpochIndex+1)))
	table.Row("loss", fmt.Sprintf("%.4f", m.Loss))
	table.Row("accuracy", fmt.Sprintf("%.2f%%", 100*m.Accuracy))
	if m.HasValidation {
		table.Row("validation loss", fmt.Sprintf("%.4f", m.ValidationLoss))
		table.Row("validation accuracy", fmt.Sprintf("%.2f%%", 100*m.ValidationAccuracy))
	}
	printTitle(e.w, "Training")
	_, _ = fmt.Fprintln(e.w, table.Render())
}
