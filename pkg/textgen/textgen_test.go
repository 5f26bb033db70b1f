// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textgen

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/gomlx/chargen/pkg/charlstm"
	"github.com/gomlx/chargen/pkg/corpus"
	"github.com/gomlx/chargen/pkg/modelstore"
	"github.com/gomlx/chargen/pkg/support/errkind"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
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

var periodicFit = charlstm.FitOptions{Epochs: 40, ExamplesPerEpoch: 256, BatchSize: 32, ValidationSplit: 0.25}

func newPeriodicGenerator(t *testing.T) *Generator {
	idx, err := corpus.New(strings.Repeat("abc", 20), 3, 1, corpus.WithSeed(42), corpus.WithIdentifier("abc"))
	require.NoError(t, err)
	g, err := New(backends.MustNew(), idx, WithSeed(7), WithModelSeed(17))
	require.NoError(t, err)
	t.Cleanup(g.Finalize)
	return g
}

// trainedPeriodicGenerator returns a generator with a model that learned the "abc" cycle.
func trainedPeriodicGenerator(t *testing.T) *Generator {
	g := newPeriodicGenerator(t)
	require.NoError(t, g.CreateModel([]int{16}))
	require.NoError(t, g.CompileModel(0.01))
	require.NoError(t, g.FitModel(periodicFit, nil))
	require.True(t, g.IsTrained())
	return g
}

func TestDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	opts := FitOptionsFromContext(ctx)
	assert.Equal(t, charlstm.FitOptions{Epochs: 50, ExamplesPerEpoch: 5000, BatchSize: 128, ValidationSplit: 0.05}, opts)
	lr, found := ctx.GetParam(optimizers.ParamLearningRate)
	require.True(t, found)
	assert.Equal(t, 1e-2, lr)

	ctx.SetParam(ParamEpochs, 3)
	assert.Equal(t, 3, FitOptionsFromContext(ctx).Epochs)
}

func TestGenerateText(t *testing.T) {
	g := trainedPeriodicGenerator(t)
	seed := must.M1(g.SeedIndices("abc"))

	// At a very low temperature sampling is greedy, and the cycle is reproduced.
	text, err := g.GenerateText(seed, 9, 0.01, nil)
	require.NoError(t, err)
	assert.Equal(t, "abcabcabc", text)

	// Length and callbacks.
	for _, length := range []int{0, 1, 25} {
		var streamed []rune
		text, err := g.GenerateText(seed, length, 1.0, func(r rune) { streamed = append(streamed, r) })
		require.NoError(t, err)
		assert.Equal(t, length, utf8.RuneCountInString(text))
		assert.Equal(t, text, string(streamed))
		for _, r := range text {
			assert.Contains(t, "abc", string(r))
		}
	}

	// The seed is not modified.
	assert.Equal(t, []int{0, 1, 2}, seed)
}

func TestGenerateTextErrors(t *testing.T) {
	g := newPeriodicGenerator(t)
	seed := []int{0, 1, 2}
	_, err := g.GenerateText(seed, 5, 1, nil)
	assert.True(t, errors.Is(err, errkind.ErrState), "no model: %v", err)

	require.NoError(t, g.CreateModel([]int{4}))
	_, err = g.GenerateText(seed, 5, 1, nil)
	assert.True(t, errors.Is(err, errkind.ErrState), "untrained model: %v", err)

	require.NoError(t, g.FitModel(charlstm.FitOptions{Epochs: 1, ExamplesPerEpoch: 8, BatchSize: 4}, nil))
	for _, tc := range []struct {
		seed        []int
		length      int
		temperature float64
	}{
		{[]int{0, 1}, 5, 1},
		{[]int{0, 1, 2, 0}, 5, 1},
		{[]int{0, 1, 3}, 5, 1},
		{seed, 5, 0},
		{seed, 5, -1},
		{seed, 5, math.NaN()},
		{seed, -1, 1},
	} {
		_, err = g.GenerateText(tc.seed, tc.length, tc.temperature, nil)
		assert.True(t, errors.Is(err, errkind.ErrInput), "%+v: %v", tc, err)
	}
}

func TestSeedIndices(t *testing.T) {
	g := newPeriodicGenerator(t)
	assert.Equal(t, []int{2, 0, 1}, must.M1(g.SeedIndices("abcab")))
	_, err := g.SeedIndices("ab")
	assert.True(t, errors.Is(err, errkind.ErrInput))
	_, err = g.SeedIndices("abz")
	assert.True(t, errors.Is(err, errkind.ErrInput))
}

func TestModelLifecycle(t *testing.T) {
	g := newPeriodicGenerator(t)
	assert.Nil(t, g.LayerWidths())
	assert.True(t, errors.Is(g.CompileModel(0.01), errkind.ErrState))
	assert.True(t, errors.Is(g.FitModel(periodicFit, nil), errkind.ErrState))

	require.NoError(t, g.CreateModel([]int{8, 4}))
	first := g.Model()
	assert.Equal(t, []int{8, 4}, g.LayerWidths())

	// Invalid widths keep the current model.
	assert.True(t, errors.Is(g.CreateModel([]int{8, 0}), errkind.ErrInput))
	assert.Same(t, first, g.Model())

	// Replacing the model releases the previous one.
	require.NoError(t, g.CreateModel([]int{6}))
	assert.True(t, first.IsFinalized())
	assert.Equal(t, []int{6}, g.LayerWidths())
	assert.True(t, errors.Is(g.CompileModel(0), errkind.ErrInput))

	_, err := New(backends.MustNew(), g.Indexer(), WithLearningRate(0))
	assert.True(t, errors.Is(err, errkind.ErrInput))
	_, err = New(nil, g.Indexer())
	assert.True(t, errors.Is(err, errkind.ErrInput))
	_, err = New(backends.MustNew(), nil)
	assert.True(t, errors.Is(err, errkind.ErrInput))
}

func TestStopTrain(t *testing.T) {
	g := newPeriodicGenerator(t)
	require.NoError(t, g.CreateModel([]int{4}))
	opts := charlstm.FitOptions{Epochs: 5, ExamplesPerEpoch: 8, BatchSize: 4}

	var epochs int
	require.NoError(t, g.FitModel(opts, func(charlstm.EpochMetrics) {
		epochs++
		g.StopTrain(true)
	}))
	assert.Equal(t, 1, epochs)

	// The stop request is reset by the next FitModel.
	g.StopTrain(true)
	epochs = 0
	require.NoError(t, g.FitModel(opts, func(charlstm.EpochMetrics) { epochs++ }))
	assert.Equal(t, 5, epochs)
}

func TestPersistable(t *testing.T) {
	ctx := context.Background()
	store := must.M1(modelstore.NewDirStore(filepath.Join(t.TempDir(), "models")))
	g := trainedPeriodicGenerator(t)
	p := must.M1(NewPersistable(g, store))
	assert.Equal(t, "abc", p.ModelIdentifier())
	assert.Equal(t, "lstm-text-generation/abc", p.Key())

	_, found, err := p.CheckStoredModelStatus(ctx)
	require.NoError(t, err)
	assert.False(t, found)
	err = p.LoadModel(ctx, nil)
	assert.True(t, errors.Is(err, errkind.ErrNotFound), "got %v", err)
	assert.True(t, p.IsTrained(), "failed load keeps the current model")

	info, err := p.SaveModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.Key(), info.Key)
	assert.Positive(t, info.SizeBytes())
	stat, found, err := p.CheckStoredModelStatus(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, info.SizeBytes(), stat.SizeBytes())

	// A generator on the same corpus, with the same sampling seed, generates the same text with the loaded model.
	seed := must.M1(g.SeedIndices("bca"))
	g.rng = rand.New(rand.NewPCG(3, 3))
	want := must.M1(g.GenerateText(seed, 20, 1.0, nil))

	g2, err := New(backends.MustNew(), g.Indexer(), WithSeed(3))
	require.NoError(t, err)
	defer g2.Finalize()
	p2 := must.M1(NewPersistable(g2, store))
	require.NoError(t, g2.CreateModel([]int{4}))
	previous := g2.Model()
	require.NoError(t, p2.LoadModel(ctx, []int{16}))
	assert.True(t, previous.IsFinalized())
	assert.Equal(t, []int{16}, g2.LayerWidths())
	assert.True(t, g2.IsTrained())
	got := must.M1(g2.GenerateText(seed, 20, 1.0, nil))
	assert.Equal(t, want, got)

	// The loaded model can be trained further: it is compiled on demand.
	require.NoError(t, g2.FitModel(charlstm.FitOptions{Epochs: 1, ExamplesPerEpoch: 8, BatchSize: 4}, nil))

	// Mismatched layer widths.
	err = p2.LoadModel(ctx, []int{8})
	assert.True(t, errors.Is(err, errkind.ErrInput), "got %v", err)
	assert.False(t, g2.Model().IsFinalized())

	require.NoError(t, p.RemoveModel(ctx))
	_, found, err = p.CheckStoredModelStatus(ctx)
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, errors.Is(p.LoadModel(ctx, nil), errkind.ErrNotFound))
	assert.True(t, errors.Is(p.RemoveModel(ctx), errkind.ErrNotFound))
}

func TestPersistableErrors(t *testing.T) {
	ctx := context.Background()
	store := must.M1(modelstore.OpenSQLite(modelstore.MemoryDB))
	defer func() { require.NoError(t, store.Close()) }()

	g := newPeriodicGenerator(t)
	p := must.M1(NewPersistable(g, store))
	_, err := p.SaveModel(ctx)
	assert.True(t, errors.Is(err, errkind.ErrState))

	_, err = NewPersistable(nil, store)
	assert.True(t, errors.Is(err, errkind.ErrInput))
	_, err = NewPersistable(g, nil)
	assert.True(t, errors.Is(err, errkind.ErrInput))

	// A model stored for a corpus with a different vocabulary, under the same identifier, is rejected.
	other, err := corpus.New(strings.Repeat("xyzw", 10), 3, 1, corpus.WithIdentifier("abc"))
	require.NoError(t, err)
	gOther := must.M1(New(backends.MustNew(), other))
	defer gOther.Finalize()
	require.NoError(t, gOther.CreateModel([]int{4}))
	pOther := must.M1(NewPersistable(gOther, store))
	_, err = pOther.SaveModel(ctx)
	require.NoError(t, err)
	err = p.LoadModel(ctx, nil)
	assert.True(t, errors.Is(err, errkind.ErrInput), "got %v", err)
	assert.Nil(t, g.Model())
}

func TestSampling(t *testing.T) {
	probs := []float32{0.1, 0.6, 0.3}

	// Temperature 1 keeps the distribution.
	assert.InDeltaSlice(t, []float64{0.1, 0.6, 0.3}, ApplyTemperature(probs, 1), 1e-6)

	// Low temperatures concentrate on the most likely element.
	cold := ApplyTemperature(probs, 0.01)
	assert.InDelta(t, 1.0, cold[1], 1e-6)

	// Down to the smallest positive temperatures, which overflow log(p)/temperature.
	for _, temperature := range []float64{1e-300, 1e-310, 5e-324} {
		assert.Equal(t, []float64{0, 1, 0}, ApplyTemperature(probs, temperature), "temperature %g", temperature)
	}

	// High temperatures flatten toward uniform.
	hot := ApplyTemperature(probs, 1000)
	for _, p := range hot {
		assert.InDelta(t, 1.0/3, p, 1e-3)
	}

	// Zero probabilities are never selected.
	withZero := ApplyTemperature([]float32{0, 1, 0}, 5)
	assert.Equal(t, []float64{0, 1, 0}, withZero)
	for _, u := range []float64{0, 0.5, 0.999999} {
		assert.Equal(t, 1, SampleIndex(withZero, u))
	}

	// Degenerate distributions fall back to uniform.
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, ApplyTemperature([]float32{0, 0}, 1), 1e-9)

	dist := []float64{0.25, 0.5, 0.25}
	assert.Equal(t, 0, SampleIndex(dist, 0))
	assert.Equal(t, 0, SampleIndex(dist, 0.2))
	assert.Equal(t, 1, SampleIndex(dist, 0.5))
	assert.Equal(t, 2, SampleIndex(dist, 0.8))
	assert.Equal(t, 2, SampleIndex(dist, 1))

	// Empirical frequencies follow the distribution.
	rng := rand.New(rand.NewPCG(1, 2))
	counts := make([]int, 3)
	const numSamples = 20000
	for range numSamples {
		counts[SampleIndex(dist, rng.Float64())]++
	}
	for ii, p := range dist {
		assert.InDelta(t, p, float64(counts[ii])/numSamples, 0.02)
	}
}
