// Package inference serves predictions from the currently published model.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3FT-io/dermascan/pkg/core"
	"github.com/3FT-io/dermascan/pkg/model"
)

// ErrNotReady is returned before any snapshot has been published.
var ErrNotReady = errors.New("no model published")

// Snapshot is an immutable pairing of a model and the catalog its outputs are
// indexed by. Published snapshots are never modified.
type Snapshot struct {
	Model       model.Model
	Catalog     *core.ClassCatalog
	ModelID     string
	PublishedAt time.Time
}

// Service owns the published snapshot. Predict calls load the pointer once and
// keep using that snapshot even if a newer one is published meanwhile.
type Service struct {
	current atomic.Pointer[Snapshot]
	logger  *zap.Logger
}

func NewService(logger *zap.Logger) *Service {
	return &Service{logger: logger}
}

// Publish atomically replaces the served snapshot.
func (s *Service) Publish(snap *Snapshot) error {
	if snap == nil || snap.Model == nil || snap.Catalog == nil {
		return errors.New("publish: incomplete snapshot")
	}
	if snap.Model.NumClasses() != snap.Catalog.Len() {
		return fmt.Errorf("publish: model has %d outputs, catalog has %d classes",
			snap.Model.NumClasses(), snap.Catalog.Len())
	}
	if snap.PublishedAt.IsZero() {
		snap.PublishedAt = time.Now().UTC()
	}

	prev := s.current.Swap(snap)
	fields := []zap.Field{
		zap.String("model_id", snap.ModelID),
		zap.Int("catalog_version", snap.Catalog.Version),
	}
	if prev != nil {
		fields = append(fields, zap.String("previous_model_id", prev.ModelID))
	}
	s.logger.Info("Model published", fields...)
	return nil
}

// Current returns the published snapshot, or nil.
func (s *Service) Current() *Snapshot {
	return s.current.Load()
}

// Score returns the probability vector for a single-image tensor.
func (s *Service) Score(ctx context.Context, x *core.Tensor) ([]float32, *Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, nil, ErrNotReady
	}
	if x == nil || x.Batch != 1 {
		return nil, nil, fmt.Errorf("score: expected a batch of one image")
	}

	probs, err := snap.Model.Predict(ctx, x)
	if err != nil {
		return nil, nil, err
	}
	if len(probs) != 1 || len(probs[0]) != snap.Catalog.Len() {
		return nil, nil, fmt.Errorf("score: model returned %d outputs for a catalog of %d classes",
			outputLen(probs), snap.Catalog.Len())
	}
	return probs[0], snap, nil
}

func outputLen(p [][]float32) int {
	if len(p) == 0 {
		return 0
	}
	return len(p[0])
}

// Predict scores x and resolves the most probable class through the catalog.
func (s *Service) Predict(ctx context.Context, x *core.Tensor) (*core.Prediction, error) {
	probs, snap, err := s.Score(ctx, x)
	if err != nil {
		return nil, err
	}

	idx := model.Argmax(probs)
	name, _ := snap.Catalog.Name(idx)
	return &core.Prediction{
		ClassName:     name,
		ClassIndex:    idx,
		Confidence:    probs[idx],
		Probabilities: probs,
		ModelID:       snap.ModelID,
	}, nil
}
