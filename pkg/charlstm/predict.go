// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package charlstm

import (
	"github.com/gomlx/chargen/pkg/support/errkind"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

func (m *Model) predictGraph(ctx *context.Context, inputs *Node) *Node {
	ctx.SetTraining(inputs.Graph(), false)
	return m.probabilitiesGraph(ctx, inputs)
}

func (m *Model) checkCharIndex(charIdx int) error {
	if charIdx < 0 || charIdx >= m.config.VocabSize {
		return errkind.Inputf("character index %d out of vocabulary [0, %d)", charIdx, m.config.VocabSize)
	}
	return nil
}

// Predict returns the probability of each character of the vocabulary following window, which must
// have exactly SampleLen character indices.
//
// The input and output tensors are released before returning.
func (m *Model) Predict(window []int) ([]float32, error) {
	if err := m.checkUsable("Predict"); err != nil {
		return nil, err
	}
	if len(window) != m.config.SampleLen {
		return nil, errkind.Inputf("Predict: window has %d characters, model expects %d",
			len(window), m.config.SampleLen)
	}
	flat := make([]int32, len(window))
	for ii, charIdx := range window {
		if err := m.checkCharIndex(charIdx); err != nil {
			return nil, errors.WithMessagef(err, "Predict: position %d", ii)
		}
		flat[ii] = int32(charIdx)
	}
	inputs := tensors.FromFlatDataAndDimensions(flat, 1, m.config.SampleLen)
	defer finalizeTensors(inputs)

	var probabilities []float32
	err := catchPanic(func() error {
		output, err := m.predictExec.Exec1(inputs)
		if err != nil {
			return err
		}
		defer finalizeTensors(output)
		probabilities = tensors.MustCopyFlatData[float32](output)
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "Predict")
	}
	return probabilities, nil
}
