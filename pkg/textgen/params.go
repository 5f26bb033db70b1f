// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textgen

import (
	"github.com/gomlx/chargen/pkg/charlstm"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// Hyperparameters of the text generator, with defaults set by CreateDefaultContext.
const (
	ParamLayerWidths      = "lstm_layer_widths"
	ParamSampleLen        = "sample_len"
	ParamStride           = "stride"
	ParamEpochs           = "epochs"
	ParamExamplesPerEpoch = "examples_per_epoch"
	ParamBatchSize        = "batch_size"
	ParamValidationSplit  = "validation_split"
	ParamGenerateLength   = "gen_length"
	ParamTemperature      = "temperature"

	// ParamSeed, if not 0, makes weights initialization, the training windows and sampling deterministic.
	ParamSeed = "seed"
)

// CreateDefaultContext returns a context with the default hyperparameters of the text generator.
// They can be changed with context.Context.SetParam, or from the command line with
// commandline.ParseContextSettings.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Model.
		ParamLayerWidths: []int{256, 128},
		ParamSampleLen:   40,
		ParamStride:      3,

		// Training.
		ParamEpochs:                  50,
		ParamExamplesPerEpoch:        5000,
		ParamBatchSize:               128,
		ParamValidationSplit:         0.05,
		optimizers.ParamLearningRate: 1e-2,

		// Generation.
		ParamGenerateLength: 200,
		ParamTemperature:    0.75,

		ParamSeed: 0,
	})
	return ctx
}

// FitOptionsFromContext returns the training options set in the hyperparameters of ctx.
func FitOptionsFromContext(ctx *context.Context) charlstm.FitOptions {
	return charlstm.FitOptions{
		Epochs:           context.GetParamOr(ctx, ParamEpochs, 50),
		ExamplesPerEpoch: context.GetParamOr(ctx, ParamExamplesPerEpoch, 5000),
		BatchSize:        context.GetParamOr(ctx, ParamBatchSize, 128),
		ValidationSplit:  context.GetParamOr(ctx, ParamValidationSplit, 0.05),
	}
}
