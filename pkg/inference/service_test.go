package inference_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3FT-io/dermascan/pkg/core"
	"github.com/3FT-io/dermascan/pkg/inference"
)

var shape = core.Shape{Height: 2, Width: 2, Channels: 3}

// fixedModel returns the same probabilities for every image.
type fixedModel struct {
	probs []float32
	err   error
}

func (m *fixedModel) InputShape() core.Shape { return shape }

func (m *fixedModel) NumClasses() int { return len(m.probs) }

func (m *fixedModel) Predict(ctx context.Context, x *core.Tensor) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, x.Batch)
	for i := range out {
		out[i] = append([]float32(nil), m.probs...)
	}
	return out, nil
}

func catalog(t *testing.T) *core.ClassCatalog {
	c, err := core.NewCatalog(1, []string{"acne", "eczema", "fungal"})
	require.NoError(t, err)
	return c
}

func TestPredictBeforePublish(t *testing.T) {
	s := inference.NewService(zap.NewNop())
	assert.Nil(t, s.Current())

	_, err := s.Predict(context.Background(), core.NewTensor(1, shape))
	assert.ErrorIs(t, err, inference.ErrNotReady)
}

func TestPublishValidation(t *testing.T) {
	s := inference.NewService(zap.NewNop())
	cat := catalog(t)

	assert.Error(t, s.Publish(nil))
	assert.Error(t, s.Publish(&inference.Snapshot{Catalog: cat}))
	assert.Error(t, s.Publish(&inference.Snapshot{Model: &fixedModel{probs: []float32{1}}}))
	assert.Error(t, s.Publish(&inference.Snapshot{
		Model:   &fixedModel{probs: []float32{0.5, 0.5}},
		Catalog: cat,
	}), "output count must match the catalog")
	assert.Nil(t, s.Current())

	require.NoError(t, s.Publish(&inference.Snapshot{
		Model:   &fixedModel{probs: []float32{0.2, 0.5, 0.3}},
		Catalog: cat,
		ModelID: "m1",
	}))
	assert.False(t, s.Current().PublishedAt.IsZero())
}

func TestPredict(t *testing.T) {
	s := inference.NewService(zap.NewNop())
	require.NoError(t, s.Publish(&inference.Snapshot{
		Model:   &fixedModel{probs: []float32{0.2, 0.5, 0.3}},
		Catalog: catalog(t),
		ModelID: "m1",
	}))

	p, err := s.Predict(context.Background(), core.NewTensor(1, shape))
	require.NoError(t, err)
	assert.Equal(t, "eczema", p.ClassName)
	assert.Equal(t, 1, p.ClassIndex)
	assert.Equal(t, float32(0.5), p.Confidence)
	assert.Equal(t, []float32{0.2, 0.5, 0.3}, p.Probabilities)
	assert.Equal(t, "m1", p.ModelID)

	_, err = s.Predict(context.Background(), core.NewTensor(2, shape))
	assert.Error(t, err, "only single images are scored")
}

func TestPredictModelError(t *testing.T) {
	s := inference.NewService(zap.NewNop())
	boom := errors.New("boom")
	require.NoError(t, s.Publish(&inference.Snapshot{
		Model:   &fixedModel{probs: []float32{0.2, 0.5, 0.3}, err: boom},
		Catalog: catalog(t),
	}))

	_, err := s.Predict(context.Background(), core.NewTensor(1, shape))
	assert.ErrorIs(t, err, boom)
}

func TestPublishSwapsSnapshot(t *testing.T) {
	s := inference.NewService(zap.NewNop())
	cat := catalog(t)
	first := &inference.Snapshot{Model: &fixedModel{probs: []float32{1, 0, 0}}, Catalog: cat, ModelID: "first"}
	second := &inference.Snapshot{Model: &fixedModel{probs: []float32{0, 0, 1}}, Catalog: cat, ModelID: "second"}
	require.NoError(t, s.Publish(first))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p, err := s.Predict(context.Background(), core.NewTensor(1, shape))
				if !assert.NoError(t, err) {
					return
				}
				// each prediction comes from exactly one snapshot
				switch p.ModelID {
				case "first":
					assert.Equal(t, "acne", p.ClassName)
				case "second":
					assert.Equal(t, "fungal", p.ClassName)
				default:
					t.Errorf("unexpected model %q", p.ModelID)
				}
			}
		}()
	}
	require.NoError(t, s.Publish(second))
	wg.Wait()

	assert.Equal(t, "second", s.Current().ModelID)
}
