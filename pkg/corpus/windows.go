// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"math"

	"github.com/gomlx/chargen/pkg/support/errkind"
)

// Window is one training example: SampleLen consecutive character indices and the index of the
// character immediately following them.
type Window struct {
	Inputs []int
	Target int
}

// Epoch holds the windows drawn for one training epoch.
type Epoch struct {
	Windows   []Window
	BatchSize int
}

// NextEpochBatch draws examplesPerEpoch windows with replacement, each starting at an offset drawn
// uniformly over the valid offsets. Consecutive epochs are independent resamples of the corpus: there is
// no guarantee that every window of the corpus is visited.
//
// It returns an errkind.ErrInput error if batchSize or examplesPerEpoch are < 1.
func (idx *Indexer) NextEpochBatch(batchSize, examplesPerEpoch int) (*Epoch, error) {
	if batchSize < 1 {
		return nil, errkind.Inputf("batchSize must be >= 1, got %d", batchSize)
	}
	if examplesPerEpoch < 1 {
		return nil, errkind.Inputf("examplesPerEpoch must be >= 1, got %d", examplesPerEpoch)
	}
	epoch := &Epoch{
		Windows:   make([]Window, examplesPerEpoch),
		BatchSize: batchSize,
	}
	for ii := range epoch.Windows {
		epoch.Windows[ii] = idx.windowAt(idx.randomOffset())
	}
	return epoch, nil
}

// SweepWindows enumerates the corpus exhaustively: one window at every offset multiple of Stride(),
// for all offsets that have a following character.
func (idx *Indexer) SweepWindows() []Window {
	last := len(idx.text) - idx.sampleLen - 1
	windows := make([]Window, 0, last/idx.stride+1)
	for offset := 0; offset <= last; offset += idx.stride {
		windows = append(windows, idx.windowAt(offset))
	}
	return windows
}

// Split separates the epoch windows into a training and a validation partition.
// The validation partition is the last validationSplit fraction of the windows.
//
// validationSplit must be in [0, 1), it returns an errkind.ErrInput error otherwise.
func (e *Epoch) Split(validationSplit float64) (train, validation []Window, err error) {
	if validationSplit < 0 || validationSplit >= 1 {
		return nil, nil, errkind.Inputf("validationSplit must be in [0, 1), got %g", validationSplit)
	}
	splitAt := len(e.Windows) - int(math.Round(float64(len(e.Windows))*validationSplit))
	return e.Windows[:splitAt], e.Windows[splitAt:], nil
}

// Batches splits windows into consecutive batches of e.BatchSize. The last batch may be smaller.
func (e *Epoch) Batches(windows []Window) [][]Window {
	return Batches(windows, e.BatchSize)
}

// Batches splits windows into consecutive batches of batchSize. The last batch may be smaller.
func Batches(windows []Window, batchSize int) [][]Window {
	if batchSize < 1 {
		batchSize = 1
	}
	batches := make([][]Window, 0, (len(windows)+batchSize-1)/batchSize)
	for start := 0; start < len(windows); start += batchSize {
		end := min(start+batchSize, len(windows))
		batches = append(batches, windows[start:end])
	}
	return batches
}
