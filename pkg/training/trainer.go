// Package training fine-tunes models and runs the retrain workflow.
package training

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3FT-io/dermascan/pkg/core"
	"github.com/3FT-io/dermascan/pkg/dataset"
	"github.com/3FT-io/dermascan/pkg/model"
)

// Defaults for a fine-tune run.
const (
	DefaultEpochs       = 5
	DefaultLearningRate = 1e-4
	DefaultModelName    = "dermascan_retrained"
)

type Config struct {
	Epochs         int
	LearningRate   float64
	ModelName      string
	CatalogVersion int
}

// Result is the outcome of a successful fit.
type Result struct {
	Model    model.Trainable
	History  *core.TrainingHistory
	Metadata *core.ModelMetadata
}

// Trainer fits models and persists the result to the model store.
type Trainer struct {
	storage *core.Storage
	cfg     Config
	logger  *zap.Logger
}

func NewTrainer(storage *core.Storage, cfg Config, logger *zap.Logger) *Trainer {
	if cfg.Epochs <= 0 {
		cfg.Epochs = DefaultEpochs
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = DefaultLearningRate
	}
	if cfg.ModelName == "" {
		cfg.ModelName = DefaultModelName
	}
	return &Trainer{storage: storage, cfg: cfg, logger: logger}
}

// Epochs is the configured number of passes per fine-tune.
func (t *Trainer) Epochs() int {
	return t.cfg.Epochs
}

// FineTune compiles m with Adam and categorical cross-entropy, trains it for
// epochs passes over train, evaluates on val after each pass and stores the
// result. m is mutated in place. Any failure is returned as a
// *core.TrainingError; nothing is recovered mid-run.
func (t *Trainer) FineTune(ctx context.Context, m model.Trainable, train, val dataset.Sequence, epochs int) (*Result, error) {
	if train == nil || train.NumBatches() == 0 {
		return nil, core.ErrNoData
	}
	if epochs <= 0 {
		epochs = t.cfg.Epochs
	}

	opts := model.DefaultCompileOptions()
	opts.LearningRate = t.cfg.LearningRate
	if err := m.Compile(opts); err != nil {
		return nil, &core.TrainingError{Err: err}
	}

	t.logger.Info("Starting fine-tuning",
		zap.Int("epochs", epochs),
		zap.Int("train_samples", train.Len()),
		zap.Int("train_batches", train.NumBatches()),
		zap.Float64("learning_rate", opts.LearningRate))

	history := &core.TrainingHistory{}
	for epoch := 1; epoch <= epochs; epoch++ {
		start := time.Now()
		stats, err := t.runEpoch(ctx, m, train, val)
		if err != nil {
			return nil, &core.TrainingError{Epoch: epoch, Err: err}
		}
		stats.Epoch = epoch
		history.Epochs = append(history.Epochs, stats)

		t.logger.Info("Epoch finished",
			zap.Int("epoch", epoch),
			zap.Float64("loss", stats.Loss),
			zap.Float64("accuracy", stats.Accuracy),
			zap.Float64("val_loss", stats.ValLoss),
			zap.Float64("val_accuracy", stats.ValAccuracy),
			zap.Duration("elapsed", time.Since(start)))
	}

	meta, err := t.persist(ctx, m)
	if err != nil {
		return nil, &core.TrainingError{Err: fmt.Errorf("persist model: %w", err)}
	}

	t.logger.Info("Fine-tuning complete",
		zap.String("model_id", meta.ID),
		zap.String("name", meta.Name),
		zap.Int64("size", meta.Size))

	return &Result{Model: m, History: history, Metadata: meta}, nil
}

func (t *Trainer) runEpoch(ctx context.Context, m model.Trainable, train, val dataset.Sequence) (core.EpochStats, error) {
	var trainMetrics model.BatchMetrics
	err := train.Each(ctx, func(b *dataset.Batch) error {
		bm, err := m.TrainOnBatch(ctx, b)
		if err != nil {
			return err
		}
		trainMetrics.Add(bm)
		return nil
	})
	if err != nil {
		return core.EpochStats{}, err
	}

	var valMetrics model.BatchMetrics
	if val != nil {
		err = val.Each(ctx, func(b *dataset.Batch) error {
			bm, err := m.EvaluateBatch(ctx, b)
			if err != nil {
				return err
			}
			valMetrics.Add(bm)
			return nil
		})
		if err != nil {
			return core.EpochStats{}, fmt.Errorf("validation: %w", err)
		}
	}

	return core.EpochStats{
		Loss:        trainMetrics.Loss(),
		Accuracy:    trainMetrics.Accuracy(),
		ValLoss:     valMetrics.Loss(),
		ValAccuracy: valMetrics.Accuracy(),
	}, nil
}

func (t *Trainer) persist(ctx context.Context, m model.Trainable) (*core.ModelMetadata, error) {
	data, err := model.Marshal(m)
	if err != nil {
		return nil, err
	}
	return t.storage.StoreModel(ctx, t.cfg.ModelName, m.Format(), t.cfg.CatalogVersion, bytes.NewReader(data))
}

// Bootstrap trains a model from scratch, stores it and marks it current. It
// backs the offline init-model tool.
func (t *Trainer) Bootstrap(ctx context.Context, m model.Trainable, train, val dataset.Sequence, epochs int) (*Result, error) {
	res, err := t.FineTune(ctx, m, train, val, epochs)
	if err != nil {
		return nil, err
	}
	if err := t.storage.SetCurrent(ctx, res.Metadata.ID); err != nil {
		return nil, fmt.Errorf("mark model current: %w", err)
	}
	return res, nil
}
