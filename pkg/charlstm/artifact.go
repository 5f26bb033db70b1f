// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package charlstm

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/chargen/pkg/support/errkind"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// isModelVariable returns whether v holds a model weight, as opposed to optimizer or training state.
func isModelVariable(v *context.Variable) bool {
	scope := v.Scope()
	prefix := context.ScopeSeparator + ModelScope
	return scope == prefix || strings.HasPrefix(scope, prefix+context.ScopeSeparator)
}

// Export serializes the hyperparameters and the weights of the model in the GoMLX checkpoint format:
// metadata is the JSON file of the checkpoint and weights its binary file.
//
// Only the model weights are exported: the optimizer state is not, and an imported model must be compiled
// again before training.
func (m *Model) Export() (metadata, weights []byte, err error) {
	if err = m.checkUsable("Export"); err != nil {
		return
	}
	if err = m.ensureVariables(); err != nil {
		return
	}

	exportCtx := context.New()
	defer exportCtx.Finalize()
	m.ctx.EnumerateParams(func(scope, key string, value any) {
		exportCtx.InAbsPath(scope).SetParam(key, value)
	})
	for v := range m.ctx.IterVariables() {
		if !isModelVariable(v) {
			continue
		}
		if _, err = v.CloneToContext(exportCtx); err != nil {
			return nil, nil, errors.WithMessagef(err, "Export: failed to copy variable %q", v.ParameterName())
		}
	}

	checkpoint, err := checkpoints.Build(exportCtx).TempDir("", "chargen-export-").Keep(1).Done()
	if err != nil {
		return nil, nil, errors.WithMessage(err, "Export: failed to create checkpoint handler")
	}
	dir := checkpoint.Dir()
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			klog.Warningf("charlstm: failed to remove temporary export directory %q: %+v", dir, err)
		}
	}()
	if err = checkpoint.Save(); err != nil {
		return nil, nil, errors.WithMessage(err, "Export: failed to save checkpoint")
	}
	saved, err := checkpoint.ListCheckpoints()
	if err != nil {
		return nil, nil, errors.WithMessage(err, "Export")
	}
	if len(saved) == 0 {
		return nil, nil, errors.Errorf("Export: checkpoint not found in %q after saving", dir)
	}
	base := filepath.Join(dir, saved[len(saved)-1])
	metadata, err = os.ReadFile(base + checkpoints.JsonNameSuffix)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "Export: reading checkpoint metadata")
	}
	weights, err = os.ReadFile(base + checkpoints.BinDataSuffix)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "Export: reading checkpoint weights")
	}
	klog.V(1).Infof("charlstm: exported %s: %d bytes of metadata, %d bytes of weights", m, len(metadata), len(weights))
	return metadata, weights, nil
}

// ensureVariables makes sure the model variables exist, by running inference once if needed.
// A newly created model only creates its variables the first time a graph is executed.
func (m *Model) ensureVariables() error {
	for v := range m.ctx.IterVariables() {
		if isModelVariable(v) {
			return nil
		}
	}
	_, err := m.Predict(make([]int, m.config.SampleLen))
	return err
}

// Import creates a model from the metadata and weights produced by Model.Export.
//
// The weights are loaded as the graphs are built. The model is not compiled.
// It returns an errkind.ErrInput error if the artifact is not a valid model.
func Import(backend backends.Backend, metadata, weights []byte) (*Model, error) {
	if backend == nil {
		return nil, errkind.Inputf("charlstm.Import requires a backend")
	}
	if len(metadata) == 0 {
		return nil, errkind.Inputf("charlstm.Import: empty model metadata")
	}
	ctx := context.New()
	if _, err := checkpoints.Build(ctx).FromEmbed(string(metadata), weights).Done(); err != nil {
		ctx.Finalize()
		return nil, errkind.Wrap(errkind.ErrInput, err, "charlstm.Import: invalid checkpoint")
	}
	m, err := newFromContext(backend, ctx)
	if err != nil {
		ctx.Finalize()
		return nil, err
	}
	klog.V(1).Infof("charlstm: imported %s (trained=%v)", m, m.IsTrained())
	return m, nil
}
