// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package charlstm

import (
	"os"
	"strings"
	"testing"

	"github.com/gomlx/chargen/pkg/corpus"
	"github.com/gomlx/chargen/pkg/support/errkind"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		// Tests run on the pure Go backend executing ops sequentially, unless otherwise requested.
		must.M(os.Setenv(backends.ConfigEnvVar, simplego.BackendName+":ops_sequential"))
	}
}

func periodicCorpus(t *testing.T) *corpus.Indexer {
	idx, err := corpus.New(strings.Repeat("abc", 20), 3, 1, corpus.WithSeed(42))
	require.NoError(t, err)
	return idx
}

func newTestModel(t *testing.T, idx *corpus.Indexer, widths ...int) *Model {
	m, err := New(backends.MustNew(), Config{
		SampleLen:   idx.SampleLen(),
		VocabSize:   idx.CharSetSize(),
		LayerWidths: widths,
		Vocabulary:  string(idx.CharSet()),
		Seed:        17,
	})
	require.NoError(t, err)
	t.Cleanup(m.Finalize)
	return m
}

func TestNewInvalid(t *testing.T) {
	backend := backends.MustNew()
	for _, config := range []Config{
		{SampleLen: 0, VocabSize: 3, LayerWidths: []int{4}},
		{SampleLen: 3, VocabSize: 0, LayerWidths: []int{4}},
		{SampleLen: 3, VocabSize: 3},
		{SampleLen: 3, VocabSize: 3, LayerWidths: []int{4, 0}},
		{SampleLen: 3, VocabSize: 3, LayerWidths: []int{4}, Vocabulary: "ab"},
	} {
		_, err := New(backend, config)
		require.Error(t, err, "config %+v should fail", config)
		assert.True(t, errors.Is(err, errkind.ErrInput), "got %v", err)
	}
	_, err := New(nil, Config{SampleLen: 3, VocabSize: 3, LayerWidths: []int{4}})
	assert.True(t, errors.Is(err, errkind.ErrInput))
}

func TestPredict(t *testing.T) {
	idx := periodicCorpus(t)
	for _, widths := range [][]int{{8}, {8, 6}, {5, 6, 7}} {
		m := newTestModel(t, idx, widths...)
		assert.Equal(t, widths, m.LayerWidths())
		assert.False(t, m.IsTrained())

		probs, err := m.Predict([]int{0, 1, 2})
		require.NoError(t, err)
		require.Len(t, probs, 3)
		var sum float32
		for _, p := range probs {
			assert.GreaterOrEqual(t, p, float32(0))
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-4)
	}

	m := newTestModel(t, idx, 4)
	_, err := m.Predict([]int{0, 1})
	assert.True(t, errors.Is(err, errkind.ErrInput))
	_, err = m.Predict([]int{0, 1, 3})
	assert.True(t, errors.Is(err, errkind.ErrInput))
}

func TestLifecycleErrors(t *testing.T) {
	idx := periodicCorpus(t)
	opts := FitOptions{Epochs: 1, ExamplesPerEpoch: 8, BatchSize: 4}

	var nilModel *Model
	assert.True(t, errors.Is(nilModel.Compile(0.01), errkind.ErrState))
	assert.True(t, errors.Is(nilModel.Fit(idx, opts, nil, nil), errkind.ErrState))

	m := newTestModel(t, idx, 4)
	err := m.Fit(idx, opts, nil, nil)
	assert.True(t, errors.Is(err, errkind.ErrState), "Fit before Compile: %v", err)
	assert.True(t, errors.Is(m.Compile(0), errkind.ErrInput))
	assert.True(t, errors.Is(m.Compile(-1), errkind.ErrInput))

	require.NoError(t, m.Compile(0.01))
	assert.True(t, m.IsCompiled())
	assert.True(t, errors.Is(m.Fit(nil, opts, nil, nil), errkind.ErrInput))
	for _, bad := range []FitOptions{
		{Epochs: 0, ExamplesPerEpoch: 8, BatchSize: 4},
		{Epochs: 1, ExamplesPerEpoch: 0, BatchSize: 4},
		{Epochs: 1, ExamplesPerEpoch: 8, BatchSize: 0},
		{Epochs: 1, ExamplesPerEpoch: 8, BatchSize: 4, ValidationSplit: 1},
	} {
		assert.True(t, errors.Is(m.Fit(idx, bad, nil, nil), errkind.ErrInput), "options %+v", bad)
	}

	m.Finalize()
	m.Finalize()
	assert.True(t, m.IsFinalized())
	assert.True(t, errors.Is(m.Compile(0.01), errkind.ErrState))
	_, err = m.Predict([]int{0, 1, 2})
	assert.True(t, errors.Is(err, errkind.ErrState))
	_, _, err = m.Export()
	assert.True(t, errors.Is(err, errkind.ErrState))
}

func TestFit(t *testing.T) {
	idx := periodicCorpus(t)
	m := newTestModel(t, idx, 16)
	require.NoError(t, m.Compile(0.01))

	var history []EpochMetrics
	opts := FitOptions{Epochs: 40, ExamplesPerEpoch: 256, BatchSize: 32, ValidationSplit: 0.25}
	require.NoError(t, m.Fit(idx, opts, func(metrics EpochMetrics) {
		history = append(history, metrics)
	}, nil))
	require.Len(t, history, 40)
	for ii, metrics := range history {
		assert.Equal(t, ii, metrics.EpochIndex)
		assert.Equal(t, 40, metrics.TotalEpochs)
		assert.True(t, metrics.HasValidation)
	}
	first, last := history[0], history[len(history)-1]
	assert.Less(t, last.Loss, first.Loss)
	assert.Greater(t, last.ValidationAccuracy, 0.9)
	assert.True(t, m.IsTrained())

	// The periodic corpus is fully predictable: "abc" -> "a", "bca" -> "b", "cab" -> "c".
	for _, tc := range []struct {
		window []int
		want   int
	}{{[]int{0, 1, 2}, 0}, {[]int{1, 2, 0}, 1}, {[]int{2, 0, 1}, 2}} {
		probs := must.M1(m.Predict(tc.window))
		assert.Greater(t, probs[tc.want], float32(0.5), "window %v: probabilities %v", tc.window, probs)
	}

	loss, accuracy, err := m.Evaluate(idx.SweepWindows(), 16)
	require.NoError(t, err)
	assert.Greater(t, accuracy, 0.9)
	assert.Less(t, loss, first.Loss)
}

func TestTrainStepUpdatesWeights(t *testing.T) {
	idx := periodicCorpus(t)
	m := newTestModel(t, idx, 8, 6)
	require.NoError(t, m.Compile(0.01))
	window := []int{0, 1, 2}
	before := must.M1(m.Predict(window))

	var history []EpochMetrics
	require.NoError(t, m.Fit(idx, FitOptions{Epochs: 1, ExamplesPerEpoch: 8, BatchSize: 4}, func(metrics EpochMetrics) {
		history = append(history, metrics)
	}, nil))
	require.Len(t, history, 1)
	assert.Positive(t, history[0].Loss)
	assert.True(t, m.IsTrained())

	after := must.M1(m.Predict(window))
	assert.NotEqual(t, before, after, "gradient steps must change the predictions")
}

func TestFitWithoutValidation(t *testing.T) {
	idx := periodicCorpus(t)
	m := newTestModel(t, idx, 4)
	require.NoError(t, m.Compile(0.01))
	var history []EpochMetrics
	require.NoError(t, m.Fit(idx, FitOptions{Epochs: 2, ExamplesPerEpoch: 10, BatchSize: 4}, func(metrics EpochMetrics) {
		history = append(history, metrics)
	}, nil))
	require.Len(t, history, 2)
	assert.False(t, history[1].HasValidation)
}

func TestFitCancel(t *testing.T) {
	idx := periodicCorpus(t)
	m := newTestModel(t, idx, 4)
	require.NoError(t, m.Compile(0.01))
	opts := FitOptions{Epochs: 5, ExamplesPerEpoch: 8, BatchSize: 4}

	// Cancelled during the first epoch: it completes, and no other epoch starts.
	cancel := &CancelToken{}
	var epochs int
	require.NoError(t, m.Fit(idx, opts, func(EpochMetrics) {
		epochs++
		cancel.Cancel()
	}, cancel))
	assert.Equal(t, 1, epochs)

	// Cancelled before starting.
	epochs = 0
	require.NoError(t, m.Fit(idx, opts, func(EpochMetrics) { epochs++ }, cancel))
	assert.Equal(t, 0, epochs)

	// Withdrawn.
	cancel.Set(false)
	require.NoError(t, m.Fit(idx, opts, func(EpochMetrics) { epochs++ }, cancel))
	assert.Equal(t, 5, epochs)
}

func TestRecompile(t *testing.T) {
	idx := periodicCorpus(t)
	m := newTestModel(t, idx, 4, 4)
	require.NoError(t, m.Compile(0.01))
	opts := FitOptions{Epochs: 1, ExamplesPerEpoch: 8, BatchSize: 4}
	require.NoError(t, m.Fit(idx, opts, nil, nil))
	require.NoError(t, m.Compile(0.001))
	assert.Equal(t, 0.001, m.LearningRate())
	require.NoError(t, m.Fit(idx, opts, nil, nil))
	assert.True(t, m.IsTrained())
}

func TestExportImport(t *testing.T) {
	idx := periodicCorpus(t)
	m := newTestModel(t, idx, 8, 6)
	require.NoError(t, m.Compile(0.01))
	require.NoError(t, m.Fit(idx, FitOptions{Epochs: 2, ExamplesPerEpoch: 32, BatchSize: 8}, nil, nil))

	metadata, weights, err := m.Export()
	require.NoError(t, err)
	require.NotEmpty(t, metadata)
	require.NotEmpty(t, weights)

	loaded, err := Import(backends.MustNew(), metadata, weights)
	require.NoError(t, err)
	defer loaded.Finalize()
	assert.Equal(t, m.Config(), loaded.Config())
	assert.True(t, loaded.IsTrained())
	assert.False(t, loaded.IsCompiled())

	window := []int{1, 2, 0}
	want := must.M1(m.Predict(window))
	got := must.M1(loaded.Predict(window))
	assert.InDeltaSlice(t, want, got, 1e-5)

	// The imported model can be trained further.
	require.NoError(t, loaded.Compile(0.01))
	require.NoError(t, loaded.Fit(idx, FitOptions{Epochs: 1, ExamplesPerEpoch: 8, BatchSize: 4}, nil, nil))

	// An untrained model can be exported too.
	fresh := newTestModel(t, idx, 4)
	metadata, weights, err = fresh.Export()
	require.NoError(t, err)
	reloaded := must.M1(Import(backends.MustNew(), metadata, weights))
	defer reloaded.Finalize()
	assert.False(t, reloaded.IsTrained())
	assert.InDeltaSlice(t, must.M1(fresh.Predict(window)), must.M1(reloaded.Predict(window)), 1e-5)

	_, err = Import(backends.MustNew(), []byte("not a checkpoint"), nil)
	assert.True(t, errors.Is(err, errkind.ErrInput))
	_, err = Import(backends.MustNew(), nil, nil)
	assert.True(t, errors.Is(err, errkind.ErrInput))
}
