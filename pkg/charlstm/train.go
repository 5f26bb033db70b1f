// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package charlstm

import (
	"math"
	"sync/atomic"

	"github.com/gomlx/chargen/pkg/corpus"
	"github.com/gomlx/chargen/pkg/support/errkind"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FitOptions configures Model.Fit.
type FitOptions struct {
	// Epochs is the number of epochs to train.
	Epochs int `validate:"gte=1"`

	// ExamplesPerEpoch is the number of windows drawn (with replacement) for each epoch.
	ExamplesPerEpoch int `validate:"gte=1"`

	// BatchSize is the number of windows used in each gradient step.
	BatchSize int `validate:"gte=1"`

	// ValidationSplit is the fraction of the windows of each epoch held out of training, and used to
	// compute the validation metrics.
	ValidationSplit float64 `validate:"gte=0,lt=1"`
}

// EpochMetrics is reported at the end of each training epoch.
type EpochMetrics struct {
	// EpochIndex is 0-based.
	EpochIndex, TotalEpochs int

	// Loss and Accuracy are the means over the training batches of the epoch.
	Loss, Accuracy float64

	// ValidationLoss and ValidationAccuracy are only set if HasValidation is true.
	ValidationLoss, ValidationAccuracy float64
	HasValidation                      bool
}

// EpochSource is the source of training windows: corpus.Indexer implements it.
type EpochSource interface {
	NextEpochBatch(batchSize, examplesPerEpoch int) (*corpus.Epoch, error)
}

// CancelToken requests the cooperative cancellation of Model.Fit. It is safe for concurrent use and its
// zero value is ready to use. A nil *CancelToken is never cancelled.
type CancelToken struct {
	requested atomic.Bool
}

// Set requests (flag=true) or withdraws (flag=false) the cancellation.
func (c *CancelToken) Set(flag bool) {
	c.requested.Store(flag)
}

// Cancel is an alias to Set(true).
func (c *CancelToken) Cancel() { c.Set(true) }

// Requested returns whether cancellation was requested.
func (c *CancelToken) Requested() bool {
	return c != nil && c.requested.Load()
}

// Compile attaches the categorical cross-entropy loss and an RMSProp optimizer with the given learning rate.
//
// It can be called again to change the learning rate: the previous optimizer state is discarded.
// It returns an errkind.ErrState error if the model is nil or finalized.
func (m *Model) Compile(learningRate float64) error {
	if err := m.checkUsable("Compile"); err != nil {
		return err
	}
	if learningRate <= 0 || math.IsNaN(learningRate) || math.IsInf(learningRate, 0) {
		return errkind.Inputf("learning rate must be a positive number, got %g", learningRate)
	}
	if m.trainExec != nil {
		m.trainExec.Finalize()
		m.trainExec = nil
	}
	if m.optimizer != nil {
		if err := m.optimizer.Clear(m.ctx); err != nil {
			return errors.WithMessage(err, "failed to clear previous optimizer state")
		}
	}
	m.optimizer = optimizers.RMSProp().LearningRate(learningRate).Done()
	m.learningRate = learningRate
	m.ctx.SetParam(optimizers.ParamLearningRate, learningRate)

	// The learning rate variable outlives the optimizer: reset it to the new value.
	lrVar := optimizers.LearningRateVar(m.ctx, dtypes.Float32, learningRate)
	if err := lrVar.SetValue(tensors.FromScalar(float32(learningRate))); err != nil {
		return errors.WithMessage(err, "failed to set learning rate")
	}

	var err error
	m.trainExec, err = context.NewExec(m.backend, m.modelCtx(), m.trainStepGraph)
	if err != nil {
		return errors.WithMessage(err, "failed to create training graph executor")
	}
	klog.V(1).Infof("charlstm: compiled %s with RMSProp(learning_rate=%g)", m, learningRate)
	return nil
}

// LearningRate returns the learning rate of the last call to Compile, or 0 if not compiled.
func (m *Model) LearningRate() float64 {
	if !m.IsCompiled() {
		return 0
	}
	return m.learningRate
}

// lossAndAccuracyGraph returns the mean categorical cross-entropy and the mean accuracy of logits
// (shaped [batchSize, vocabSize]) with respect to targets (shaped [batchSize]).
func (m *Model) lossAndAccuracyGraph(logits, targets *Node) (loss, accuracy *Node) {
	labels := OneHot(targets, m.config.VocabSize, logits.DType())
	loss = ReduceAllMean(losses.CategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits}))
	predicted := ArgMax(logits, -1, targets.DType())
	accuracy = ReduceAllMean(ConvertDType(Equal(predicted, targets), logits.DType()))
	return
}

// trainStepGraph runs one gradient step and returns the loss and accuracy before the update.
func (m *Model) trainStepGraph(ctx *context.Context, inputs, targets *Node) (loss, accuracy *Node) {
	g := inputs.Graph()
	ctx.SetTraining(g, true)
	loss, accuracy = m.lossAndAccuracyGraph(m.logitsGraph(ctx, inputs), targets)
	m.optimizer.UpdateGraph(ctx, g, loss)
	return
}

// evalGraph returns loss and accuracy, without changing the model.
func (m *Model) evalGraph(ctx *context.Context, inputs, targets *Node) (loss, accuracy *Node) {
	ctx.SetTraining(inputs.Graph(), false)
	return m.lossAndAccuracyGraph(m.logitsGraph(ctx, inputs), targets)
}

// batchTensors converts windows to the input tensors of the graphs: inputs shaped [batchSize, sampleLen]
// and targets shaped [batchSize], both int32.
func (m *Model) batchTensors(windows []corpus.Window) (inputs, targets *tensors.Tensor, err error) {
	flatInputs := make([]int32, 0, len(windows)*m.config.SampleLen)
	flatTargets := make([]int32, len(windows))
	for ii, w := range windows {
		if len(w.Inputs) != m.config.SampleLen {
			return nil, nil, errkind.Inputf("window #%d has %d characters, model expects %d",
				ii, len(w.Inputs), m.config.SampleLen)
		}
		for _, charIdx := range w.Inputs {
			if err := m.checkCharIndex(charIdx); err != nil {
				return nil, nil, errors.WithMessagef(err, "window #%d", ii)
			}
			flatInputs = append(flatInputs, int32(charIdx))
		}
		if err := m.checkCharIndex(w.Target); err != nil {
			return nil, nil, errors.WithMessagef(err, "target of window #%d", ii)
		}
		flatTargets[ii] = int32(w.Target)
	}
	inputs = tensors.FromFlatDataAndDimensions(flatInputs, len(windows), m.config.SampleLen)
	targets = tensors.FromFlatDataAndDimensions(flatTargets, len(windows))
	return
}

// runBatch executes exec (the training or the evaluation graph) on one batch, and returns its scalar
// loss and accuracy. Every tensor used is finalized before returning.
func (m *Model) runBatch(exec *context.Exec, windows []corpus.Window) (loss, accuracy float64, err error) {
	inputs, targets, err := m.batchTensors(windows)
	if err != nil {
		return 0, 0, err
	}
	defer finalizeTensors(inputs, targets)
	err = catchPanic(func() error {
		lossT, accuracyT, err := exec.Exec2(inputs, targets)
		if err != nil {
			return err
		}
		defer finalizeTensors(lossT, accuracyT)
		loss = float64(tensors.ToScalar[float32](lossT))
		accuracy = float64(tensors.ToScalar[float32](accuracyT))
		return nil
	})
	return
}

// Evaluate returns the mean loss and accuracy of the model on the given windows, evaluated in batches of
// batchSize. The model is not changed.
func (m *Model) Evaluate(windows []corpus.Window, batchSize int) (loss, accuracy float64, err error) {
	if err = m.checkUsable("Evaluate"); err != nil {
		return
	}
	if len(windows) == 0 {
		return 0, 0, errkind.Inputf("Evaluate requires at least one window")
	}
	if batchSize < 1 {
		return 0, 0, errkind.Inputf("batchSize must be >= 1, got %d", batchSize)
	}
	var lossSum, accuracySum float64
	for _, batch := range corpus.Batches(windows, batchSize) {
		batchLoss, batchAccuracy, err := m.runBatch(m.evalExec, batch)
		if err != nil {
			return 0, 0, errors.WithMessage(err, "Evaluate")
		}
		lossSum += batchLoss * float64(len(batch))
		accuracySum += batchAccuracy * float64(len(batch))
	}
	n := float64(len(windows))
	return lossSum / n, accuracySum / n, nil
}

// Fit trains the model for opts.Epochs epochs.
//
// For each epoch it draws opts.ExamplesPerEpoch windows from source, holds out opts.ValidationSplit of them
// for validation, and performs one gradient step per batch of the remaining ones. At the end of each epoch
// onEpochEnd (if not nil) is called with the epoch metrics.
//
// The cancel token is checked before each epoch: once cancellation is requested, Fit returns nil without
// starting another epoch.
//
// It returns an errkind.ErrState error if the model is not compiled, and errkind.ErrInput for invalid
// options.
func (m *Model) Fit(source EpochSource, opts FitOptions, onEpochEnd func(EpochMetrics), cancel *CancelToken) error {
	if err := m.checkUsable("Fit"); err != nil {
		return err
	}
	if m.trainExec == nil {
		return errkind.Statef("Fit: model not compiled")
	}
	if source == nil {
		return errkind.Inputf("Fit: no training data")
	}
	if err := validate.Struct(opts); err != nil {
		return errkind.Wrap(errkind.ErrInput, err, "invalid FitOptions")
	}

	for epochIdx := range opts.Epochs {
		if cancel.Requested() {
			klog.Infof("charlstm: training stopped before epoch %d of %d", epochIdx+1, opts.Epochs)
			return nil
		}
		epoch, err := source.NextEpochBatch(opts.BatchSize, opts.ExamplesPerEpoch)
		if err != nil {
			return errors.WithMessagef(err, "Fit: drawing epoch %d", epochIdx)
		}
		trainWindows, validationWindows, err := epoch.Split(opts.ValidationSplit)
		if err != nil {
			return err
		}
		if len(trainWindows) == 0 {
			return errkind.Inputf("Fit: validationSplit=%g leaves no training examples out of %d",
				opts.ValidationSplit, opts.ExamplesPerEpoch)
		}

		var lossSum, accuracySum float64
		for _, batch := range epoch.Batches(trainWindows) {
			loss, accuracy, err := m.runBatch(m.trainExec, batch)
			if err != nil {
				return errors.WithMessagef(err, "Fit: training step in epoch %d", epochIdx)
			}
			lossSum += loss * float64(len(batch))
			accuracySum += accuracy * float64(len(batch))
		}
		m.ctx.SetParam(ParamTrained, true)

		metrics := EpochMetrics{
			EpochIndex:  epochIdx,
			TotalEpochs: opts.Epochs,
			Loss:        lossSum / float64(len(trainWindows)),
			Accuracy:    accuracySum / float64(len(trainWindows)),
		}
		if len(validationWindows) > 0 {
			metrics.ValidationLoss, metrics.ValidationAccuracy, err = m.Evaluate(validationWindows, opts.BatchSize)
			if err != nil {
				return errors.WithMessagef(err, "Fit: validation of epoch %d", epochIdx)
			}
			metrics.HasValidation = true
		}
		klog.V(1).Infof("charlstm: epoch %d/%d: loss=%.4f accuracy=%.3f validation_loss=%.4f validation_accuracy=%.3f",
			epochIdx+1, opts.Epochs, metrics.Loss, metrics.Accuracy, metrics.ValidationLoss, metrics.ValidationAccuracy)
		if onEpochEnd != nil {
			onEpochEnd(metrics)
		}
	}
	return nil
}

// finalizeTensors immediately releases the memory of the tensors, logging any failure.
func finalizeTensors(ts ...*tensors.Tensor) {
	for _, t := range ts {
		if t == nil {
			continue
		}
		if err := t.FinalizeAll(); err != nil {
			klog.Warningf("charlstm: failed to finalize tensor %s: %+v", t.Shape(), err)
		}
	}
}
