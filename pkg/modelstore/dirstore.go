// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package modelstore

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/chargen/pkg/support/errkind"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// MetadataFileName is the name of the file with the model metadata, in the directory of a key.
	MetadataFileName = "model.json"

	// WeightsFileName is the name of the file with the model weights, in the directory of a key.
	WeightsFileName = "weights.bin"

	// InfoFileName is the name of the file with the Info of the artifact, in the directory of a key.
	// It is written last: a key only exists once its info file exists.
	InfoFileName = "info.json"
)

// DirStore stores each artifact in a directory named after its key, under a root directory.
type DirStore struct {
	root  string
	locks KeyedMutex
}

var _ Store = (*DirStore)(nil)

// NewDirStore creates a DirStore under root, creating the directory if needed.
// A root starting with "~" is relative to the user's home directory.
func NewDirStore(root string) (*DirStore, error) {
	root, err := fsutil.ReplaceTildeInDir(root)
	if err != nil {
		return nil, errkind.IOf(err, "invalid model store directory %q", root)
	}
	if root == "" {
		return nil, errkind.Inputf("model store directory not given")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errkind.IOf(err, "creating model store directory %q", root)
	}
	return &DirStore{root: root}, nil
}

// Root returns the root directory of the store.
func (s *DirStore) Root() string { return s.root }

func (s *DirStore) keyDir(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// List implements Store.
func (s *DirStore) List(ctx context.Context) (map[string]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all := make(map[string]Info)
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != InfoFileName {
			return nil
		}
		rel, err := filepath.Rel(s.root, filepath.Dir(p))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		info, err := readInfo(p)
		if err != nil {
			klog.Warningf("modelstore: skipping %q: %+v", p, err)
			return nil
		}
		info.Key = key
		all[key] = info
		return nil
	})
	if err != nil {
		return nil, errkind.IOf(err, "listing models in %q", s.root)
	}
	return all, nil
}

// Stat implements Stater.
func (s *DirStore) Stat(ctx context.Context, key string) (info Info, found bool, err error) {
	if err = ValidateKey(key); err != nil {
		return
	}
	if err = ctx.Err(); err != nil {
		return
	}
	unlock := s.locks.Lock(key)
	defer unlock()
	info, err = readInfo(filepath.Join(s.keyDir(key), InfoFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, false, nil
	}
	if err != nil {
		return Info{}, false, errkind.IOf(err, "reading info of model %q", key)
	}
	info.Key = key
	return info, true, nil
}

// Load implements Store.
func (s *DirStore) Load(ctx context.Context, key string) (*Artifact, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(key)
	defer unlock()
	dir := s.keyDir(key)
	if _, err := os.Stat(filepath.Join(dir, InfoFileName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errkind.NotFoundf("model %q not found in %q", key, s.root)
		}
		return nil, errkind.IOf(err, "loading model %q", key)
	}
	artifact := &Artifact{}
	var err error
	if artifact.Metadata, err = os.ReadFile(filepath.Join(dir, MetadataFileName)); err != nil {
		return nil, errkind.IOf(err, "loading metadata of model %q", key)
	}
	if artifact.Weights, err = os.ReadFile(filepath.Join(dir, WeightsFileName)); err != nil {
		return nil, errkind.IOf(err, "loading weights of model %q", key)
	}
	return artifact, nil
}

// Save implements Store.
func (s *DirStore) Save(ctx context.Context, key string, artifact *Artifact) (Info, error) {
	if err := ValidateKey(key); err != nil {
		return Info{}, err
	}
	if err := checkArtifact(key, artifact); err != nil {
		return Info{}, err
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	unlock := s.locks.Lock(key)
	defer unlock()
	dir := s.keyDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Info{}, errkind.IOf(err, "creating directory for model %q", key)
	}
	info := Info{
		Key:           key,
		MetadataBytes: int64(len(artifact.Metadata)),
		WeightBytes:   int64(len(artifact.Weights)),
		DateSaved:     time.Now().UTC(),
	}
	infoJSON, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return Info{}, errors.Wrapf(err, "encoding info of model %q", key)
	}
	// The new files are staged first: if any write fails, the previous model stays intact.
	var staged []string
	defer func() {
		for _, tmpName := range staged {
			if tmpName != "" {
				_ = os.Remove(tmpName)
			}
		}
	}()
	for _, data := range [][]byte{artifact.Metadata, artifact.Weights, infoJSON} {
		tmpName, err := writeTemp(dir, data)
		if err != nil {
			return Info{}, errkind.IOf(err, "saving model %q", key)
		}
		staged = append(staged, tmpName)
	}
	// The info file is renamed last: until then readers see the previous model or none.
	if err := os.Remove(filepath.Join(dir, InfoFileName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Info{}, errkind.IOf(err, "replacing model %q", key)
	}
	for ii, name := range []string{MetadataFileName, WeightsFileName, InfoFileName} {
		if err := os.Rename(staged[ii], filepath.Join(dir, name)); err != nil {
			return Info{}, errkind.IOf(err, "saving model %q", key)
		}
		staged[ii] = ""
	}
	klog.V(1).Infof("modelstore: saved %q in %q (%d bytes)", key, dir, info.SizeBytes())
	return info, nil
}

// Remove implements Store.
func (s *DirStore) Remove(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(key)
	defer unlock()
	dir := s.keyDir(key)
	infoPath := filepath.Join(dir, InfoFileName)
	if err := os.Remove(infoPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errkind.NotFoundf("model %q not found in %q", key, s.root)
		}
		return errkind.IOf(err, "removing model %q", key)
	}
	for _, name := range []string{MetadataFileName, WeightsFileName} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errkind.IOf(err, "removing model %q", key)
		}
	}
	// The directory may still hold models with longer keys, in which case it stays.
	_ = os.Remove(dir)
	klog.V(1).Infof("modelstore: removed %q from %q", key, s.root)
	return nil
}

// Close implements Store. DirStore holds no resources.
func (s *DirStore) Close() error { return nil }

func readInfo(p string) (Info, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, errors.Wrapf(err, "decoding %q", p)
	}
	return info, nil
}

// createTemp is os.CreateTemp, replaceable in tests.
var createTemp = os.CreateTemp

// writeTemp writes data to a new temporary file in dir, and returns its name.
func writeTemp(dir string, data []byte) (string, error) {
	f, err := createTemp(dir, ".tmp-*")
	if err != nil {
		return "", errors.Wrapf(err, "creating temporary file in %q", dir)
	}
	tmpName := f.Name()
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return "", errors.Wrapf(err, "writing %q", tmpName)
	}
	return tmpName, nil
}
