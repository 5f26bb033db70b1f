// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package charlstm implements a character-level language model with stacked LSTM layers.
//
// The model takes a window of SampleLen character indices, one-hot encodes them, runs them through
// the stacked LSTM layers and projects the last hidden state to a probability distribution over the
// vocabulary of the next character.
//
// A Model owns a context.Context with its variables and the compiled graphs used for training, evaluation
// and inference. Call Model.Finalize to release them as soon as the model is no longer used.
package charlstm

import (
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gomlx/chargen/pkg/support/errkind"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamSampleLen is the context hyperparameter with the number of characters in the input window.
	ParamSampleLen = "sample_len"

	// ParamVocabSize is the context hyperparameter with the number of distinct characters.
	ParamVocabSize = "vocab_size"

	// ParamLayerWidths is the context hyperparameter with the hidden size of each stacked LSTM layer.
	ParamLayerWidths = "lstm_layer_widths"

	// ParamVocabulary is the context hyperparameter with the vocabulary the model was trained on, if known.
	ParamVocabulary = "vocabulary"

	// ParamTrained is set to true once the model went through at least one training epoch.
	ParamTrained = "trained"

	// ModelScope is the context scope holding the model weights. Variables outside it (optimizer state,
	// global step) are not exported.
	ModelScope = "model"
)

// Config fully determines the topology of the model.
type Config struct {
	// SampleLen is the number of characters in the input window.
	SampleLen int `validate:"gte=1"`

	// VocabSize is the number of distinct characters.
	VocabSize int `validate:"gte=1"`

	// LayerWidths holds the hidden size of each LSTM layer, from input to output.
	LayerWidths []int `validate:"min=1,dive,gte=1"`

	// Vocabulary optionally holds the characters of the vocabulary, in index order. It is stored with the
	// model so it can be checked for compatibility when loaded.
	Vocabulary string

	// Seed for the initialization of the weights. If 0 the initialization is not deterministic.
	Seed int64
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Model is a stacked LSTM character model. Create it with New or Import.
//
// Model is not safe for concurrent use: training and inference must be serialized by the caller.
type Model struct {
	backend backends.Backend
	ctx     *context.Context
	config  Config

	optimizer    optimizers.Interface
	learningRate float64

	trainExec, evalExec, predictExec *context.Exec
	finalized                        bool
}

// New creates an untrained model with the given configuration.
// It returns an errkind.ErrInput error if the configuration is invalid.
func New(backend backends.Backend, config Config) (*Model, error) {
	if backend == nil {
		return nil, errkind.Inputf("charlstm.New requires a backend")
	}
	if err := validate.Struct(config); err != nil {
		return nil, errkind.Wrap(errkind.ErrInput, err, "invalid charlstm.Config")
	}
	if config.Vocabulary != "" && len([]rune(config.Vocabulary)) != config.VocabSize {
		return nil, errkind.Inputf("vocabulary has %d characters, but VocabSize=%d",
			len([]rune(config.Vocabulary)), config.VocabSize)
	}
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamSampleLen:   config.SampleLen,
		ParamVocabSize:   config.VocabSize,
		ParamLayerWidths: slices.Clone(config.LayerWidths),
		ParamVocabulary:  config.Vocabulary,
		ParamTrained:     false,
	})
	if config.Seed != 0 {
		ctx.SetParam(context.ParamInitialSeed, config.Seed)
	}
	return newFromContext(backend, ctx)
}

// newFromContext creates the model from the hyperparameters in ctx, which may already hold (or lazily load)
// the model variables.
func newFromContext(backend backends.Backend, ctx *context.Context) (*Model, error) {
	config := Config{
		SampleLen:   context.GetParamOr(ctx, ParamSampleLen, 0),
		VocabSize:   context.GetParamOr(ctx, ParamVocabSize, 0),
		LayerWidths: context.GetParamOr(ctx, ParamLayerWidths, []int(nil)),
		Vocabulary:  context.GetParamOr(ctx, ParamVocabulary, ""),
		Seed:        context.GetParamOr(ctx, context.ParamInitialSeed, int64(0)),
	}
	if err := validate.Struct(config); err != nil {
		return nil, errkind.Wrap(errkind.ErrInput, err, "invalid model hyperparameters")
	}
	m := &Model{
		backend: backend,
		ctx:     ctx,
		config:  config,
	}
	var err error
	m.evalExec, err = context.NewExec(backend, m.modelCtx(), m.evalGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create evaluation graph executor")
	}
	m.predictExec, err = context.NewExec(backend, m.modelCtx(), m.predictGraph)
	if err != nil {
		m.evalExec.Finalize()
		return nil, errors.WithMessage(err, "failed to create inference graph executor")
	}
	klog.V(1).Infof("charlstm: created model %s", m)
	return m, nil
}

// modelCtx returns the context used to build graphs: variables are created on first use and reused
// afterward, across the training, evaluation and inference graphs.
func (m *Model) modelCtx() *context.Context {
	return m.ctx.Checked(false)
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	widths := make([]string, len(m.config.LayerWidths))
	for ii, w := range m.config.LayerWidths {
		widths[ii] = fmt.Sprintf("%d", w)
	}
	return fmt.Sprintf("charlstm.Model(sampleLen=%d, vocabSize=%d, lstm=[%s])",
		m.config.SampleLen, m.config.VocabSize, strings.Join(widths, ","))
}

// Config returns a copy of the model configuration.
func (m *Model) Config() Config {
	config := m.config
	config.LayerWidths = slices.Clone(m.config.LayerWidths)
	return config
}

// LayerWidths returns the hidden sizes of the LSTM layers.
func (m *Model) LayerWidths() []int {
	return slices.Clone(m.config.LayerWidths)
}

// IsTrained returns whether the model went through at least one training epoch.
func (m *Model) IsTrained() bool {
	if m == nil || m.finalized {
		return false
	}
	return context.GetParamOr(m.ctx, ParamTrained, false)
}

// IsCompiled returns whether Compile was called.
func (m *Model) IsCompiled() bool {
	return m != nil && !m.finalized && m.trainExec != nil
}

// IsFinalized returns whether Finalize was called.
func (m *Model) IsFinalized() bool {
	return m == nil || m.finalized
}

// checkUsable returns an errkind.ErrState error if the model is nil or finalized.
func (m *Model) checkUsable(op string) error {
	if m == nil {
		return errkind.Statef("%s: model not created", op)
	}
	if m.finalized {
		return errkind.Statef("%s: model already finalized", op)
	}
	return nil
}

// Finalize releases the compiled graphs and the variables of the model.
// The model cannot be used afterward. It is safe to call more than once.
func (m *Model) Finalize() {
	if m == nil || m.finalized {
		return
	}
	for _, exec := range []*context.Exec{m.trainExec, m.evalExec, m.predictExec} {
		if exec != nil {
			exec.Finalize()
		}
	}
	m.trainExec, m.evalExec, m.predictExec = nil, nil, nil
	m.optimizer = nil
	m.ctx.Finalize()
	m.finalized = true
	klog.V(1).Infof("charlstm: finalized model %s", m)
}

// logitsGraph builds the model: inputs are shaped [batchSize, sampleLen] with the character indices,
// and the returned logits are shaped [batchSize, vocabSize].
func (m *Model) logitsGraph(ctx *context.Context, inputs *Node) *Node {
	if inputs.Rank() != 2 || inputs.Shape().Dim(1) != m.config.SampleLen {
		exceptions.Panicf("model inputs must be shaped [batchSize, %d], got %s", m.config.SampleLen, inputs.Shape())
	}
	ctx = ctx.In(ModelScope)
	x := OneHot(inputs, m.config.VocabSize, dtypes.Float32)
	numLayers := len(m.config.LayerWidths)
	for ii, width := range m.config.LayerWidths {
		allHidden, lastHidden, _ := lstm.New(ctx.Inf("lstm_%d", ii), x, width).Done()
		if ii < numLayers-1 {
			// allHidden is [sequence, directions=1, batch, hidden]: the next layer takes [batch, sequence, hidden].
			x = TransposeAllAxes(Squeeze(allHidden, 1), 1, 0, 2)
		} else {
			// lastHidden is [directions=1, batch, hidden].
			x = Squeeze(lastHidden, 0)
		}
	}
	return layers.Dense(ctx.In("projection"), x, true, m.config.VocabSize)
}

// probabilitiesGraph returns the distribution over the next character, shaped [batchSize, vocabSize].
func (m *Model) probabilitiesGraph(ctx *context.Context, inputs *Node) *Node {
	return Softmax(m.logitsGraph(ctx, inputs), -1)
}

// catchPanic converts a panic raised while building or executing a graph into an error.
func catchPanic(fn func() error) error {
	var err error
	exception := exceptions.TryCatch[error](func() { err = fn() })
	if exception != nil {
		return exception
	}
	return err
}
