// Package model holds the classifier backends the service can score and
// fine-tune.
package model

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/3FT-io/dermascan/pkg/core"
	"github.com/3FT-io/dermascan/pkg/dataset"
)

// Model scores image batches. Implementations must be safe for concurrent
// Predict calls.
type Model interface {
	InputShape() core.Shape
	NumClasses() int
	// Predict returns one probability vector per image in x.
	Predict(ctx context.Context, x *core.Tensor) ([][]float32, error)
}

// Trainable is a Model that can be fine-tuned and serialized.
type Trainable interface {
	Model
	// Clone returns an independent copy. The copy must be compiled before
	// training.
	Clone() Trainable
	Compile(opts CompileOptions) error
	TrainOnBatch(ctx context.Context, b *dataset.Batch) (BatchMetrics, error)
	EvaluateBatch(ctx context.Context, b *dataset.Batch) (BatchMetrics, error)
	Format() string
	Save(w io.Writer) error
}

// Loss and metric names accepted by Compile.
const (
	LossCategoricalCrossEntropy = "categorical_crossentropy"
	MetricAccuracy              = "accuracy"
)

// CompileOptions configure the optimization target. Only Adam with
// categorical cross-entropy is supported.
type CompileOptions struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	Loss         string
	Metrics      []string
}

// DefaultCompileOptions is Adam(1e-4) with categorical cross-entropy and accuracy.
func DefaultCompileOptions() CompileOptions {
	return CompileOptions{
		LearningRate: 1e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		Loss:         LossCategoricalCrossEntropy,
		Metrics:      []string{MetricAccuracy},
	}
}

func (o CompileOptions) validate() error {
	if o.Loss != LossCategoricalCrossEntropy {
		return fmt.Errorf("unsupported loss %q", o.Loss)
	}
	for _, m := range o.Metrics {
		if m != MetricAccuracy {
			return fmt.Errorf("unsupported metric %q", m)
		}
	}
	if o.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive")
	}
	return nil
}

// BatchMetrics accumulates loss and accuracy over batches.
type BatchMetrics struct {
	LossSum float64
	Correct int
	Count   int
}

func (m *BatchMetrics) Add(o BatchMetrics) {
	m.LossSum += o.LossSum
	m.Correct += o.Correct
	m.Count += o.Count
}

func (m BatchMetrics) Loss() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.LossSum / float64(m.Count)
}

func (m BatchMetrics) Accuracy() float64 {
	if m.Count == 0 {
		return 0
	}
	return float64(m.Correct) / float64(m.Count)
}

// Argmax returns the index of the largest value. Ties go to the lowest index.
func Argmax[T float32 | float64](v []T) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// Softmax converts logits to probabilities in place.
func Softmax[T float32 | float64](v []T) {
	if len(v) == 0 {
		return
	}
	maxV := v[0]
	for _, x := range v[1:] {
		if x > maxV {
			maxV = x
		}
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - maxV))
		v[i] = T(e)
		sum += e
	}
	for i := range v {
		v[i] = T(float64(v[i]) / sum)
	}
}

func checkShape(want core.Shape, x *core.Tensor) error {
	if x == nil {
		return fmt.Errorf("nil input tensor")
	}
	if x.Shape != want || len(x.Data) != x.Batch*want.Size() {
		return &core.ShapeMismatchError{Want: want, Got: x.Shape}
	}
	return nil
}
