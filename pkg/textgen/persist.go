// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textgen

import (
	"context"
	"slices"

	"github.com/gomlx/chargen/pkg/charlstm"
	"github.com/gomlx/chargen/pkg/modelstore"
	"github.com/gomlx/chargen/pkg/support/errkind"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KeyPrefix is prepended to the corpus identifier to form the key of a stored model.
const KeyPrefix = "lstm-text-generation"

// Persistable adds saving and loading of the model of a Generator to a modelstore.Store.
type Persistable struct {
	*Generator
	store modelstore.Store
}

// NewPersistable wraps the generator gen with persistence on store.
func NewPersistable(gen *Generator, store modelstore.Store) (*Persistable, error) {
	if gen == nil {
		return nil, errkind.Inputf("textgen.NewPersistable requires a generator")
	}
	if store == nil {
		return nil, errkind.Inputf("textgen.NewPersistable requires a model store")
	}
	return &Persistable{Generator: gen, store: store}, nil
}

// Store used to persist the model.
func (p *Persistable) Store() modelstore.Store { return p.store }

// ModelIdentifier identifies the models trained on this generator's corpus.
func (p *Persistable) ModelIdentifier() string {
	return p.indexer.DataIdentifier()
}

// Key under which the model is stored.
func (p *Persistable) Key() string {
	return KeyPrefix + "/" + p.ModelIdentifier()
}

// SaveModel saves the current model under Key, replacing any model previously stored there.
func (p *Persistable) SaveModel(ctx context.Context) (modelstore.Info, error) {
	if p.model == nil {
		return modelstore.Info{}, errkind.Statef("SaveModel: no model to save")
	}
	metadata, weights, err := p.model.Export()
	if err != nil {
		return modelstore.Info{}, errors.WithMessagef(err, "exporting model %s", p.model)
	}
	info, err := p.store.Save(ctx, p.Key(), &modelstore.Artifact{Metadata: metadata, Weights: weights})
	if err != nil {
		return modelstore.Info{}, err
	}
	klog.Infof("textgen: saved model %s as %q", p.model, info.Key)
	return info, nil
}

// LoadModel loads the model stored under Key, replacing (and releasing) the current one.
//
// If layerWidths is not empty, the stored model must have LSTM layers of exactly these widths. The stored
// model must also match the corpus: same sample length and vocabulary. It returns an errkind.ErrNotFound
// error if there is no stored model, and an errkind.ErrInput error if it doesn't match. In both cases the
// current model is kept.
func (p *Persistable) LoadModel(ctx context.Context, layerWidths []int) error {
	artifact, err := p.store.Load(ctx, p.Key())
	if err != nil {
		return err
	}
	model, err := charlstm.Import(p.backend, artifact.Metadata, artifact.Weights)
	if err != nil {
		return errors.WithMessagef(err, "loading model %q", p.Key())
	}
	if err := p.checkCompatible(model, layerWidths); err != nil {
		model.Finalize()
		return err
	}
	p.setModel(model)
	return nil
}

func (p *Persistable) checkCompatible(model *charlstm.Model, layerWidths []int) error {
	config := model.Config()
	key := p.Key()
	if len(layerWidths) > 0 && !slices.Equal(layerWidths, config.LayerWidths) {
		return errkind.Inputf("model %q has LSTM layers %v, but %v were requested",
			key, config.LayerWidths, layerWidths)
	}
	if config.SampleLen != p.indexer.SampleLen() {
		return errkind.Inputf("model %q takes %d characters, but the corpus uses samples of %d",
			key, config.SampleLen, p.indexer.SampleLen())
	}
	if config.VocabSize != p.indexer.CharSetSize() {
		return errkind.Inputf("model %q has a vocabulary of %d characters, but the corpus has %d",
			key, config.VocabSize, p.indexer.CharSetSize())
	}
	if config.Vocabulary != "" && config.Vocabulary != string(p.indexer.CharSet()) {
		return errkind.Inputf("model %q was trained on a different vocabulary", key)
	}
	return nil
}

// RemoveModel removes the stored model. The current model, if any, is not affected.
// It returns an errkind.ErrNotFound error if there is no stored model.
func (p *Persistable) RemoveModel(ctx context.Context) error {
	if err := p.store.Remove(ctx, p.Key()); err != nil {
		return err
	}
	klog.Infof("textgen: removed stored model %q", p.Key())
	return nil
}

// CheckStoredModelStatus returns the information of the stored model, and whether there is one.
func (p *Persistable) CheckStoredModelStatus(ctx context.Context) (info modelstore.Info, found bool, err error) {
	return modelstore.Stat(ctx, p.store, p.Key())
}
