package model_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/dermascan/pkg/core"
	"github.com/3FT-io/dermascan/pkg/dataset"
	"github.com/3FT-io/dermascan/pkg/model"
)

var shape = core.Shape{Height: 8, Width: 8, Channels: 3}

// colorBatch returns n images per class where class k lights channel k.
func colorBatch(classes, n int) *dataset.Batch {
	x := core.NewTensor(classes*n, shape)
	y := make([][]float32, classes*n)
	for i := 0; i < classes*n; i++ {
		k := i % classes
		img := x.Sample(i)
		for p := k; p < len(img); p += shape.Channels {
			img[p] = 1
		}
		y[i] = make([]float32, classes)
		y[i][k] = 1
	}
	return &dataset.Batch{X: x, Y: y}
}

func newClassifier(t *testing.T) *model.Classifier {
	c, err := model.NewClassifier(shape, 3, 4, 7)
	require.NoError(t, err)
	return c
}

func TestNewClassifierValidation(t *testing.T) {
	_, err := model.NewClassifier(shape, 0, 4, 1)
	assert.Error(t, err)

	_, err = model.NewClassifier(shape, 3, 16, 1)
	assert.Error(t, err)

	c, err := model.NewClassifier(shape, 3, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, shape, c.InputShape())
	assert.Equal(t, 3, c.NumClasses())
	assert.Equal(t, model.FormatClassifier, c.Format())
}

func TestPredictReturnsDistributions(t *testing.T) {
	c := newClassifier(t)
	b := colorBatch(3, 2)

	probs, err := c.Predict(context.Background(), b.X)
	require.NoError(t, err)
	require.Len(t, probs, 6)
	for _, p := range probs {
		require.Len(t, p, 3)
		var sum float32
		for _, v := range p {
			assert.GreaterOrEqual(t, v, float32(0))
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestPredictShapeMismatch(t *testing.T) {
	c := newClassifier(t)
	x := core.NewTensor(1, core.Shape{Height: 16, Width: 16, Channels: 3})

	_, err := c.Predict(context.Background(), x)
	var mismatch *core.ShapeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, shape, mismatch.Want)
	assert.Equal(t, core.KindShapeMismatch, core.ErrorKind(err))
}

func TestArgmax(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want int
	}{
		{"single", []float32{0.3}, 0},
		{"last", []float32{0.1, 0.2, 0.7}, 2},
		{"tie goes to lowest index", []float32{0.4, 0.4, 0.2}, 0},
		{"tie after first", []float32{0.1, 0.45, 0.45}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, model.Argmax(tt.in))
		})
	}
}

func TestSoftmax(t *testing.T) {
	v := []float64{1000, 1000, 1000}
	model.Softmax(v)
	for _, p := range v {
		assert.InDelta(t, 1.0/3, p, 1e-9)
	}

	w := []float32{0, 1}
	model.Softmax(w)
	assert.Greater(t, w[1], w[0])
	assert.InDelta(t, 1.0, w[0]+w[1], 1e-6)
}

func TestCompileRejectsUnsupportedOptions(t *testing.T) {
	c := newClassifier(t)

	opts := model.DefaultCompileOptions()
	opts.Loss = "mse"
	assert.Error(t, c.Compile(opts))

	opts = model.DefaultCompileOptions()
	opts.Metrics = []string{"auc"}
	assert.Error(t, c.Compile(opts))

	opts = model.DefaultCompileOptions()
	opts.LearningRate = 0
	assert.Error(t, c.Compile(opts))

	_, err := c.TrainOnBatch(context.Background(), colorBatch(3, 1))
	assert.Error(t, err, "training an uncompiled model")
}

func TestTrainingReducesLoss(t *testing.T) {
	c := newClassifier(t)
	opts := model.DefaultCompileOptions()
	opts.LearningRate = 0.05
	require.NoError(t, c.Compile(opts))

	b := colorBatch(3, 4)
	before, err := c.EvaluateBatch(context.Background(), b)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err := c.TrainOnBatch(context.Background(), b)
		require.NoError(t, err)
	}

	after, err := c.EvaluateBatch(context.Background(), b)
	require.NoError(t, err)
	assert.Less(t, after.Loss(), before.Loss())
	assert.Equal(t, 1.0, after.Accuracy())
}

func TestTrainOnBatchLabelMismatch(t *testing.T) {
	c := newClassifier(t)
	require.NoError(t, c.Compile(model.DefaultCompileOptions()))

	b := colorBatch(2, 2)
	_, err := c.TrainOnBatch(context.Background(), b)
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	c := newClassifier(t)
	b := colorBatch(3, 2)
	want, err := c.Predict(context.Background(), b.X)
	require.NoError(t, err)

	clone := c.Clone()
	opts := model.DefaultCompileOptions()
	opts.LearningRate = 0.1
	require.NoError(t, clone.Compile(opts))
	for i := 0; i < 10; i++ {
		_, err := clone.TrainOnBatch(context.Background(), b)
		require.NoError(t, err)
	}

	got, err := c.Predict(context.Background(), b.X)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	trained, err := clone.Predict(context.Background(), b.X)
	require.NoError(t, err)
	assert.NotEqual(t, want, trained)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	c := newClassifier(t)
	data, err := model.Marshal(c)
	require.NoError(t, err)

	loaded, err := model.Load(model.FormatClassifier, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, c.InputShape(), loaded.InputShape())
	assert.Equal(t, c.NumClasses(), loaded.NumClasses())

	b := colorBatch(3, 1)
	want, err := c.Predict(context.Background(), b.X)
	require.NoError(t, err)
	got, err := loaded.Predict(context.Background(), b.X)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadRejectsUnknownArtifacts(t *testing.T) {
	_, err := model.Load("keras-h5", bytes.NewReader(nil))
	assert.Error(t, err)

	_, err = model.LoadClassifier(bytes.NewBufferString(`{"format":"other"}`))
	assert.Error(t, err)

	_, err = model.LoadClassifier(bytes.NewBufferString(`not json`))
	assert.Error(t, err)
}
