// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package textgen generates text one character at a time with a stacked LSTM model trained on a corpus.
//
// A Generator owns the corpus indexer and (at most) one charlstm.Model at a time. A Persistable adds
// saving and loading of the model to a modelstore.Store.
//
// Training and generation are blocking calls. Callers wanting them in the background run them in a
// goroutine, and may interrupt training with Generator.StopTrain.
package textgen

import (
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/gomlx/chargen/pkg/charlstm"
	"github.com/gomlx/chargen/pkg/corpus"
	"github.com/gomlx/chargen/pkg/support/errkind"
	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultLearningRate is used by FitModel to compile a model that was not compiled, unless changed
// with WithLearningRate.
const DefaultLearningRate = 1e-2

// Generator trains a character model on a corpus and generates text with it.
//
// Generator is not safe for concurrent use, except for StopTrain, which can be called at any time.
type Generator struct {
	backend backends.Backend
	indexer *corpus.Indexer

	model        *charlstm.Model
	modelSeed    int64
	learningRate float64
	cancel       charlstm.CancelToken

	muRng sync.Mutex
	rng   *rand.Rand
}

// Option configures a Generator.
type Option func(g *Generator)

// WithRand sets the random number generator used for sampling.
func WithRand(rng *rand.Rand) Option {
	return func(g *Generator) {
		g.rng = rng
	}
}

// WithSeed makes sampling deterministic, using a PCG generator seeded with seed.
func WithSeed(seed uint64) Option {
	return WithRand(rand.New(rand.NewPCG(seed, seed)))
}

// WithModelSeed sets the seed of the weights initialization of the models created by CreateModel.
// The default 0 means non-deterministic initialization.
func WithModelSeed(seed int64) Option {
	return func(g *Generator) {
		g.modelSeed = seed
	}
}

// WithLearningRate sets the learning rate used by FitModel when the model was not compiled yet.
func WithLearningRate(learningRate float64) Option {
	return func(g *Generator) {
		g.learningRate = learningRate
	}
}

// New creates a Generator for the given corpus. It has no model until CreateModel (or
// Persistable.LoadModel) is called.
func New(backend backends.Backend, indexer *corpus.Indexer, options ...Option) (*Generator, error) {
	if backend == nil {
		return nil, errkind.Inputf("textgen.New requires a backend")
	}
	if indexer == nil {
		return nil, errkind.Inputf("textgen.New requires a corpus indexer")
	}
	g := &Generator{
		backend:      backend,
		indexer:      indexer,
		learningRate: DefaultLearningRate,
	}
	for _, option := range options {
		option(g)
	}
	if g.rng == nil {
		g.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if !(g.learningRate > 0) {
		return nil, errkind.Inputf("learning rate must be > 0, got %g", g.learningRate)
	}
	return g, nil
}

// Backend used by the models.
func (g *Generator) Backend() backends.Backend { return g.backend }

// Indexer returns the corpus the generator trains on.
func (g *Generator) Indexer() *corpus.Indexer { return g.indexer }

// Model returns the current model, or nil if none was created or loaded.
func (g *Generator) Model() *charlstm.Model { return g.model }

// LayerWidths returns the hidden sizes of the LSTM layers of the current model, or nil if there is none.
func (g *Generator) LayerWidths() []int {
	if g.model == nil {
		return nil
	}
	return g.model.LayerWidths()
}

// IsTrained returns whether there is a model and it went through at least one training epoch.
func (g *Generator) IsTrained() bool {
	return g.model != nil && g.model.IsTrained()
}

func (g *Generator) modelConfig(layerWidths []int) charlstm.Config {
	return charlstm.Config{
		SampleLen:   g.indexer.SampleLen(),
		VocabSize:   g.indexer.CharSetSize(),
		LayerWidths: slices.Clone(layerWidths),
		Vocabulary:  string(g.indexer.CharSet()),
		Seed:        g.modelSeed,
	}
}

// CreateModel creates a new untrained model with LSTM layers of the given widths, replacing (and
// releasing) the current one.
//
// It returns an errkind.ErrInput error if the widths are invalid, in which case the current model is kept.
func (g *Generator) CreateModel(layerWidths []int) error {
	model, err := charlstm.New(g.backend, g.modelConfig(layerWidths))
	if err != nil {
		return err
	}
	g.setModel(model)
	return nil
}

// setModel replaces the current model, releasing the previous one.
func (g *Generator) setModel(model *charlstm.Model) {
	if g.model != nil && g.model != model {
		g.model.Finalize()
	}
	g.model = model
	klog.Infof("textgen: using model %s for corpus %q", model, g.indexer.DataIdentifier())
}

// CompileModel prepares the current model for training with the given learning rate.
// Compiling again resets the optimizer state.
func (g *Generator) CompileModel(learningRate float64) error {
	if g.model == nil {
		return errkind.Statef("CompileModel: no model, call CreateModel or LoadModel first")
	}
	return g.model.Compile(learningRate)
}

// FitModel trains the current model for opts.Epochs epochs of windows drawn from the corpus, calling
// onEpochEnd (if not nil) after each epoch.
//
// If the model was not compiled, it is compiled with the generator's learning rate. Training stops
// early, without error, if StopTrain(true) is called during training.
func (g *Generator) FitModel(opts charlstm.FitOptions, onEpochEnd func(charlstm.EpochMetrics)) error {
	if g.model == nil {
		return errkind.Statef("FitModel: no model, call CreateModel or LoadModel first")
	}
	if !g.model.IsCompiled() {
		if err := g.model.Compile(g.learningRate); err != nil {
			return err
		}
	}
	g.cancel.Set(false)
	return g.model.Fit(g.indexer, opts, onEpochEnd, &g.cancel)
}

// StopTrain requests (flag=true) that a running FitModel stops after the current epoch.
// It is reset at the start of each FitModel.
func (g *Generator) StopTrain(flag bool) {
	g.cancel.Set(flag)
}

// SeedIndices converts text to the indices of a generation seed. Only the last SampleLen characters of
// text are used.
//
// It returns an errkind.ErrInput error if text is shorter than SampleLen or has characters not in the corpus.
func (g *Generator) SeedIndices(text string) ([]int, error) {
	runes := []rune(text)
	sampleLen := g.indexer.SampleLen()
	if len(runes) < sampleLen {
		return nil, errkind.Inputf("seed text has %d characters, at least %d are required", len(runes), sampleLen)
	}
	return g.indexer.TextToIndices(string(runes[len(runes)-sampleLen:]))
}

// uniform returns a random number in [0, 1).
func (g *Generator) uniform() float64 {
	g.muRng.Lock()
	defer g.muRng.Unlock()
	return g.rng.Float64()
}

// GenerateText generates length characters following seed, which must have exactly SampleLen indices.
//
// At each step the model predicts the distribution of the next character, which is rescaled by temperature
// (see ApplyTemperature) and sampled. The sampled character is passed to onChar (if not nil) and appended
// to the window, whose first character is dropped.
//
// It returns an errkind.ErrInput error for an invalid seed, temperature or length, and an errkind.ErrState
// error if there is no trained model.
func (g *Generator) GenerateText(seed []int, length int, temperature float64, onChar func(rune)) (string, error) {
	if g.model == nil {
		return "", errkind.Statef("GenerateText: no model, call CreateModel or LoadModel first")
	}
	if !g.model.IsTrained() {
		return "", errkind.Statef("GenerateText: model %s is not trained", g.model)
	}
	sampleLen := g.indexer.SampleLen()
	if len(seed) != sampleLen {
		return "", errkind.Inputf("seed has %d characters, but the model takes %d", len(seed), sampleLen)
	}
	if !(temperature > 0) || math.IsInf(temperature, 1) {
		return "", errkind.Inputf("temperature must be a positive number, got %g", temperature)
	}
	if length < 0 {
		return "", errkind.Inputf("length must be >= 0, got %d", length)
	}
	if _, err := g.indexer.IndicesToText(seed); err != nil {
		return "", errors.WithMessage(err, "invalid seed")
	}

	window := slices.Clone(seed)
	generated := make([]rune, 0, length)
	for range length {
		probs, err := g.model.Predict(window)
		if err != nil {
			return "", errors.WithMessagef(err, "predicting character %d", len(generated))
		}
		charIdx := SampleIndex(ApplyTemperature(probs, temperature), g.uniform())
		char, err := g.indexer.Char(charIdx)
		if err != nil {
			return "", err
		}
		generated = append(generated, char)
		if onChar != nil {
			onChar(char)
		}
		copy(window, window[1:])
		window[sampleLen-1] = charIdx
	}
	return string(generated), nil
}

// Finalize releases the current model. The Generator can still be used with a new model.
func (g *Generator) Finalize() {
	if g.model != nil {
		g.model.Finalize()
		g.model = nil
	}
}
