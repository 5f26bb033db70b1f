// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package corpus indexes a text corpus at the character level: it derives the vocabulary (the distinct
// characters, in order of first appearance) and produces fixed-length windows of character indices for
// training and seeding a character-level language model.
//
// Lengths and positions are counted in runes, not bytes.
//
// Example:
//
//	idx, err := corpus.New(text, 40, 3, corpus.WithIdentifier("nietzsche"))
//	if err != nil { ... }
//	seedText, seedIndices := idx.RandomSlice()
//	epoch, err := idx.NextEpochBatch(128, 5000)
package corpus

import (
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/gomlx/chargen/pkg/support/errkind"
	"github.com/google/uuid"
)

// identifierNamespace is used to derive the default DataIdentifier from the contents of the corpus.
var identifierNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/gomlx/chargen/corpus"))

// Indexer holds a corpus indexed by character. It is immutable after construction, except for its
// random number generator, which is safe for concurrent use.
type Indexer struct {
	text        []int
	charSet     []rune
	charToIndex map[rune]int
	sampleLen   int
	stride      int
	identifier  string

	muRng sync.Mutex
	rng   *rand.Rand
}

// Option configures an Indexer during construction.
type Option func(idx *Indexer)

// WithIdentifier sets the DataIdentifier of the corpus, typically the name of the dataset.
// If not set (or set to ""), the identifier is derived deterministically from the text.
func WithIdentifier(name string) Option {
	return func(idx *Indexer) {
		idx.identifier = name
	}
}

// WithSeed makes the random windows drawn by the Indexer deterministic.
func WithSeed(seed uint64) Option {
	return func(idx *Indexer) {
		idx.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithRand sets the random number generator used to draw windows.
func WithRand(rng *rand.Rand) Option {
	return func(idx *Indexer) {
		idx.rng = rng
	}
}

// New indexes rawText, to be sampled in windows of sampleLen characters.
//
// The stride is the step between consecutive windows when enumerating the corpus exhaustively
// (see Indexer.SweepWindows).
//
// It returns an errkind.ErrInput error if sampleLen or stride are < 1, or if the text is not longer than
// sampleLen characters.
func New(rawText string, sampleLen, stride int, options ...Option) (*Indexer, error) {
	if sampleLen < 1 {
		return nil, errkind.Inputf("corpus sampleLen must be >= 1, got %d", sampleLen)
	}
	if stride < 1 {
		return nil, errkind.Inputf("corpus stride must be >= 1, got %d", stride)
	}
	idx := &Indexer{
		charToIndex: make(map[rune]int),
		sampleLen:   sampleLen,
		stride:      stride,
	}
	for _, r := range rawText {
		charIdx, found := idx.charToIndex[r]
		if !found {
			charIdx = len(idx.charSet)
			idx.charToIndex[r] = charIdx
			idx.charSet = append(idx.charSet, r)
		}
		idx.text = append(idx.text, charIdx)
	}
	if len(idx.text) <= sampleLen {
		return nil, errkind.Inputf("corpus has %d characters, it must be longer than sampleLen=%d",
			len(idx.text), sampleLen)
	}
	for _, option := range options {
		option(idx)
	}
	if idx.identifier == "" {
		idx.identifier = uuid.NewSHA1(identifierNamespace, []byte(rawText)).String()
	}
	if idx.rng == nil {
		idx.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return idx, nil
}

// CharSetSize returns the number of distinct characters in the corpus.
func (idx *Indexer) CharSetSize() int { return len(idx.charSet) }

// SampleLen returns the length of the windows, in characters.
func (idx *Indexer) SampleLen() int { return idx.sampleLen }

// Stride returns the step between windows in SweepWindows.
func (idx *Indexer) Stride() int { return idx.stride }

// TextLen returns the length of the corpus in characters.
func (idx *Indexer) TextLen() int { return len(idx.text) }

// DataIdentifier returns the stable identity of the corpus, used as the persistence key of models
// trained on it.
func (idx *Indexer) DataIdentifier() string { return idx.identifier }

// CharSet returns a copy of the vocabulary, in index order.
func (idx *Indexer) CharSet() []rune {
	charSet := make([]rune, len(idx.charSet))
	copy(charSet, idx.charSet)
	return charSet
}

// Char returns the character with the given index. It returns an errkind.ErrInput error if charIdx
// is out of range.
func (idx *Indexer) Char(charIdx int) (rune, error) {
	if charIdx < 0 || charIdx >= len(idx.charSet) {
		return 0, errkind.Inputf("character index %d out of range [0, %d)", charIdx, len(idx.charSet))
	}
	return idx.charSet[charIdx], nil
}

// TextToIndices converts s to the indices of its characters.
// It returns an errkind.ErrInput error if s has a character not present in the corpus.
func (idx *Indexer) TextToIndices(s string) ([]int, error) {
	indices := make([]int, 0, len(s))
	for pos, r := range []rune(s) {
		charIdx, found := idx.charToIndex[r]
		if !found {
			return nil, errkind.Inputf("character %q at position %d is not in the corpus vocabulary", r, pos)
		}
		indices = append(indices, charIdx)
	}
	return indices, nil
}

// IndicesToText converts character indices back to text.
// It returns an errkind.ErrInput error if any index is out of range.
func (idx *Indexer) IndicesToText(indices []int) (string, error) {
	var sb strings.Builder
	for _, charIdx := range indices {
		r, err := idx.Char(charIdx)
		if err != nil {
			return "", err
		}
		sb.WriteRune(r)
	}
	return sb.String(), nil
}

// randomOffset draws a window start uniformly over [0, TextLen()-SampleLen()-1], so the character
// following the window is always part of the corpus.
func (idx *Indexer) randomOffset() int {
	idx.muRng.Lock()
	defer idx.muRng.Unlock()
	return idx.rng.IntN(len(idx.text) - idx.sampleLen)
}

// windowAt returns the window starting at offset. The caller guarantees offset+sampleLen < TextLen().
func (idx *Indexer) windowAt(offset int) Window {
	inputs := make([]int, idx.sampleLen)
	copy(inputs, idx.text[offset:offset+idx.sampleLen])
	return Window{Inputs: inputs, Target: idx.text[offset+idx.sampleLen]}
}

// RandomSlice returns a random slice of the corpus of exactly SampleLen characters, and its indices.
// Typically used to seed text generation.
func (idx *Indexer) RandomSlice() (text string, indices []int) {
	offset := idx.randomOffset()
	indices = make([]int, idx.sampleLen)
	copy(indices, idx.text[offset:offset+idx.sampleLen])
	runes := make([]rune, idx.sampleLen)
	for ii, charIdx := range indices {
		runes[ii] = idx.charSet[charIdx]
	}
	return string(runes), indices
}
