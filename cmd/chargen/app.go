// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/gomlx/chargen/pkg/corpus"
	"github.com/gomlx/chargen/pkg/modelstore"
	"github.com/gomlx/chargen/pkg/support/errkind"
	"github.com/gomlx/chargen/pkg/textgen"
	"github.com/gomlx/gomlx/backends"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SQLitePrefix in the -store flag selects a SQLite database instead of a directory.
const SQLitePrefix = "sqlite:"

// openStore opens the model store at location: a directory, or SQLitePrefix followed by the path
// of a database.
func openStore(location string) (modelstore.Store, error) {
	if dbPath, ok := strings.CutPrefix(location, SQLitePrefix); ok {
		return modelstore.OpenSQLite(dbPath)
	}
	return modelstore.NewDirStore(location)
}

// app holds the configuration shared by the commands.
type app struct {
	ctx     *mlctx.Context
	backend backends.Backend
	store   modelstore.Store

	textPath, identifier, seedText string
	resume                         bool

	out io.Writer
}

func (a *app) run(command string) error {
	switch command {
	case "train":
		return a.train()
	case "generate":
		return a.generate()
	case "status":
		return a.status()
	case "rm":
		return a.remove()
	case "list":
		return a.list()
	default:
		return errkind.Inputf("unknown command %q, see chargen -help", command)
	}
}

func (a *app) seed() int64 {
	return int64(mlctx.GetParamOr(a.ctx, textgen.ParamSeed, 0))
}

// persistable reads the corpus and creates the generator for it.
func (a *app) persistable() (*textgen.Persistable, error) {
	if a.textPath == "" {
		return nil, errkind.Inputf("-text is required")
	}
	textPath, err := fsutil.ReplaceTildeInDir(a.textPath)
	if err != nil {
		return nil, errkind.IOf(err, "invalid -text path")
	}
	raw, err := os.ReadFile(textPath)
	if err != nil {
		return nil, errkind.IOf(err, "reading corpus")
	}

	var corpusOptions []corpus.Option
	var genOptions []textgen.Option
	if a.identifier != "" {
		corpusOptions = append(corpusOptions, corpus.WithIdentifier(a.identifier))
	}
	if seed := a.seed(); seed != 0 {
		corpusOptions = append(corpusOptions, corpus.WithSeed(uint64(seed)))
		genOptions = append(genOptions, textgen.WithSeed(uint64(seed)), textgen.WithModelSeed(seed))
	}
	genOptions = append(genOptions,
		textgen.WithLearningRate(mlctx.GetParamOr(a.ctx, optimizers.ParamLearningRate, textgen.DefaultLearningRate)))

	indexer, err := corpus.New(string(raw),
		mlctx.GetParamOr(a.ctx, textgen.ParamSampleLen, 40),
		mlctx.GetParamOr(a.ctx, textgen.ParamStride, 3),
		corpusOptions...)
	if err != nil {
		return nil, errors.WithMessagef(err, "indexing %q", textPath)
	}
	klog.V(1).Infof("Corpus %q: %d characters, vocabulary of %d", textPath, indexer.TextLen(), indexer.CharSetSize())
	gen, err := textgen.New(a.backend, indexer, genOptions...)
	if err != nil {
		return nil, err
	}
	return textgen.NewPersistable(gen, a.store)
}

func (a *app) layerWidths() []int {
	return mlctx.GetParamOr(a.ctx, textgen.ParamLayerWidths, []int{256, 128})
}

func (a *app) train() error {
	p, err := a.persistable()
	if err != nil {
		return err
	}
	defer p.Finalize()
	ctx := context.Background()

	widths := a.layerWidths()
	if a.resume {
		err = p.LoadModel(ctx, widths)
		if errors.Is(err, errkind.ErrNotFound) {
			klog.Infof("No stored model %q to resume, creating a new one", p.Key())
			err = p.CreateModel(widths)
		}
	} else {
		err = p.CreateModel(widths)
	}
	if err != nil {
		return err
	}
	if err = p.CompileModel(mlctx.GetParamOr(a.ctx, optimizers.ParamLearningRate, textgen.DefaultLearningRate)); err != nil {
		return err
	}

	// Ctrl+C stops training after the current epoch, and the model is still saved.
	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt)
	defer stopSignals()
	fitDone := make(chan error, 1)
	opts := textgen.FitOptionsFromContext(a.ctx)
	bar := newEpochsBar(a.out, opts.Epochs)
	go func() {
		fitDone <- p.FitModel(opts, bar.onEpochEnd)
	}()
	select {
	case err = <-fitDone:
	case <-sigCtx.Done():
		klog.Infof("Interrupted: stopping after the current epoch")
		p.StopTrain(true)
		err = <-fitDone
	}
	bar.finish()
	if err != nil {
		return err
	}
	if !p.IsTrained() {
		return errkind.Statef("training was interrupted before the first epoch completed, model not saved")
	}

	info, err := p.SaveModel(ctx)
	if err != nil {
		return err
	}
	printInfoTable(a.out, "Saved model", []modelstore.Info{info})
	return nil
}

func (a *app) generate() error {
	p, err := a.persistable()
	if err != nil {
		return err
	}
	defer p.Finalize()
	if err = p.LoadModel(context.Background(), nil); err != nil {
		return err
	}

	var seed []int
	seedText := a.seedText
	if seedText == "" {
		seedText, seed = p.Indexer().RandomSlice()
	} else if seed, err = p.SeedIndices(seedText); err != nil {
		return err
	}
	printTitle(a.out, "Seed")
	_, _ = io.WriteString(a.out, seedText+"\n")
	printTitle(a.out, "Generated")
	_, err = p.GenerateText(seed,
		mlctx.GetParamOr(a.ctx, textgen.ParamGenerateLength, 200),
		mlctx.GetParamOr(a.ctx, textgen.ParamTemperature, 0.75),
		func(r rune) { _, _ = io.WriteString(a.out, string(r)) })
	_, _ = io.WriteString(a.out, "\n")
	return err
}

func (a *app) status() error {
	p, err := a.persistable()
	if err != nil {
		return err
	}
	defer p.Finalize()
	info, found, err := p.CheckStoredModelStatus(context.Background())
	if err != nil {
		return err
	}
	if !found {
		return errkind.NotFoundf("no stored model %q", p.Key())
	}
	printInfoTable(a.out, "Stored model", []modelstore.Info{info})
	return nil
}

func (a *app) remove() error {
	p, err := a.persistable()
	if err != nil {
		return err
	}
	defer p.Finalize()
	if err = p.RemoveModel(context.Background()); err != nil {
		return err
	}
	_, _ = io.WriteString(a.out, "Removed "+p.Key()+"\n")
	return nil
}

func (a *app) list() error {
	all, err := a.store.List(context.Background())
	if err != nil {
		return err
	}
	infos := make([]modelstore.Info, 0, len(all))
	for _, info := range all {
		infos = append(infos, info)
	}
	printInfoTable(a.out, "Stored models", infos)
	return nil
}
