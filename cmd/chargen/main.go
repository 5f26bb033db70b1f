// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// chargen trains a character-level LSTM on a text corpus and generates text with it.
//
// Usage:
//
//	chargen -text=corpus.txt [-set="epochs=10;lstm_layer_widths=128"] train
//	chargen -text=corpus.txt [-seed_text="..."] generate
//	chargen -text=corpus.txt status
//	chargen -text=corpus.txt rm
//	chargen list
//
// Models are stored under -store, keyed by the corpus identifier (-id, or a hash of the text).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/chargen/pkg/textgen"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"
)

var (
	flagText = flag.String("text", "", "Path to the text corpus to train on. Required by all commands except \"list\".")
	flagID   = flag.String("id", "", "Identifier of the corpus, used to key the stored model. "+
		"Defaults to a hash of the text.")
	flagStore = flag.String("store", "~/.cache/chargen/models",
		"Where models are stored: a directory, or \"sqlite:<path>\" for a SQLite database.")
	flagSeedText = flag.String("seed_text", "", "Text to start generation from: its last sample_len characters "+
		"are used. Defaults to a random slice of the corpus.")
	flagResume = flag.Bool("resume", false, "Continue training the stored model, instead of creating a new one.")
)

const usage = `Usage: chargen [flags] <command>

Commands:
  train     Train a model on -text and save it.
  generate  Generate text with the stored model of -text.
  status    Show the stored model of -text.
  rm        Remove the stored model of -text.
  list      List all stored models.

Flags:
`

func main() {
	klog.InitFlags(nil)
	ctx := textgen.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	flag.Usage = func() {
		_, _ = fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		klog.Fatalf("Failed to parse -set: %+v", err)
	}
	if len(paramsSet) > 0 {
		klog.V(1).Infof("Hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	store, err := openStore(*flagStore)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	a := &app{
		ctx:        ctx,
		store:      store,
		textPath:   *flagText,
		identifier: *flagID,
		seedText:   *flagSeedText,
		resume:     *flagResume,
		out:        os.Stdout,
	}
	command := flag.Arg(0)
	if command != "list" {
		a.backend, err = backends.New()
		if err != nil {
			klog.Fatalf("Failed to create backend: %+v", err)
		}
	}
	err = a.run(command)
	if closeErr := store.Close(); closeErr != nil {
		klog.Errorf("Failed to close model store: %+v", closeErr)
	}
	if err != nil {
		klog.Errorf("%s failed: %+v", command, err)
		os.Exit(1)
	}
}
