// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package modelstore provides keyed persistence for trained model artifacts.
//
// A Store maps string keys (e.g. "lstm-text-generation/nietzsche") to an Artifact: the opaque metadata and
// weights blobs of a model. Two implementations are provided: DirStore keeps each artifact in a directory
// of the local filesystem, SQLiteStore keeps them in a SQLite database.
//
// Errors are classified with the kinds in package errkind: errkind.ErrNotFound for absent keys,
// errkind.ErrIO for failures of the backend, and errkind.ErrInput for invalid keys.
//
// Operations on the same key are serialized, so a Save and a Load of the same key never interleave.
package modelstore

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/gomlx/chargen/pkg/support/errkind"
)

// Artifact is a serialized model.
type Artifact struct {
	// Metadata describes the model: hyperparameters and the shapes of its variables.
	Metadata []byte

	// Weights holds the values of the variables.
	Weights []byte
}

// Info describes a stored artifact.
type Info struct {
	Key           string    `json:"key"`
	MetadataBytes int64     `json:"metadata_bytes"`
	WeightBytes   int64     `json:"weight_bytes"`
	DateSaved     time.Time `json:"date_saved"`
}

// SizeBytes returns the total size of the artifact.
func (info Info) SizeBytes() int64 {
	return info.MetadataBytes + info.WeightBytes
}

// Store is a keyed persistence backend for model artifacts.
type Store interface {
	// List returns the information of every stored artifact, by key.
	List(ctx context.Context) (map[string]Info, error)

	// Load returns the artifact stored under key, or an errkind.ErrNotFound error.
	Load(ctx context.Context, key string) (*Artifact, error)

	// Save stores the artifact under key, replacing any previous one.
	Save(ctx context.Context, key string, artifact *Artifact) (Info, error)

	// Remove deletes the artifact stored under key, or returns an errkind.ErrNotFound error.
	Remove(ctx context.Context, key string) error

	// Close releases the resources of the store.
	Close() error
}

// Stater is implemented by stores that can describe a single key without listing all of them.
type Stater interface {
	Stat(ctx context.Context, key string) (info Info, found bool, err error)
}

// Stat returns the Info of the artifact stored under key, and whether it exists.
func Stat(ctx context.Context, store Store, key string) (info Info, found bool, err error) {
	if stater, ok := store.(Stater); ok {
		return stater.Stat(ctx, key)
	}
	all, err := store.List(ctx)
	if err != nil {
		return
	}
	info, found = all[key]
	return
}

// ValidateKey returns an errkind.ErrInput error if key is not a valid store key: keys are non-empty,
// "/" separated relative paths, without "." or ".." elements.
func ValidateKey(key string) error {
	if key == "" {
		return errkind.Inputf("empty model key")
	}
	if strings.HasPrefix(key, "/") || strings.ContainsAny(key, "\\\x00") {
		return errkind.Inputf("invalid model key %q", key)
	}
	if path.Clean(key) != key {
		return errkind.Inputf("model key %q is not a clean path", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "." || part == ".." {
			return errkind.Inputf("model key %q cannot have %q elements", key, part)
		}
	}
	return nil
}

func checkArtifact(key string, artifact *Artifact) error {
	if artifact == nil || len(artifact.Metadata) == 0 {
		return errkind.Inputf("no model artifact to save under %q", key)
	}
	return nil
}
