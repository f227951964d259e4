package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/3FT-io/dermascan/pkg/core"
	"github.com/3FT-io/dermascan/pkg/dataset"
)

// FormatClassifier identifies serialized Classifier artifacts.
const FormatClassifier = "dermascan-softmax-v1"

// DefaultPool is the side of the average-pooling grid used as features.
const DefaultPool = 16

// Classifier is a softmax regression head over an average-pooled grid of the
// input image. Predict is safe for concurrent use; training mutates the
// weights and must only run on a model nobody else is reading, see Clone.
type Classifier struct {
	shape   core.Shape
	pool    int
	classes int

	weights *mat.Dense    // classes × features
	bias    *mat.VecDense // classes

	opt *adam
}

// NewClassifier returns a classifier with small random weights.
func NewClassifier(shape core.Shape, classes, pool int, seed uint64) (*Classifier, error) {
	if pool <= 0 {
		pool = DefaultPool
	}
	if classes <= 0 {
		return nil, errors.New("classifier: need at least one class")
	}
	if shape.Height < pool || shape.Width < pool || shape.Channels <= 0 {
		return nil, fmt.Errorf("classifier: input %s too small for %d×%d pooling", shape, pool, pool)
	}

	c := &Classifier{shape: shape, pool: pool, classes: classes}
	d := c.features()
	rng := rand.New(rand.NewPCG(seed, seed+1))
	w := make([]float64, classes*d)
	for i := range w {
		w[i] = rng.NormFloat64() * 0.01
	}
	c.weights = mat.NewDense(classes, d, w)
	c.bias = mat.NewVecDense(classes, nil)
	return c, nil
}

func (c *Classifier) features() int {
	return c.pool * c.pool * c.shape.Channels
}

func (c *Classifier) InputShape() core.Shape { return c.shape }

func (c *Classifier) NumClasses() int { return c.classes }

func (c *Classifier) Format() string { return FormatClassifier }

func (c *Classifier) Predict(ctx context.Context, x *core.Tensor) ([][]float32, error) {
	if err := checkShape(c.shape, x); err != nil {
		return nil, err
	}
	probs := c.forward(c.extract(x))

	out := make([][]float32, x.Batch)
	for i := range out {
		row := probs.RawRowView(i)
		out[i] = make([]float32, len(row))
		for k, p := range row {
			out[i][k] = float32(p)
		}
	}
	return out, nil
}

// extract average-pools every image of x into a batch × features matrix.
func (c *Classifier) extract(x *core.Tensor) *mat.Dense {
	h, w, ch := c.shape.Height, c.shape.Width, c.shape.Channels
	d := c.features()
	f := mat.NewDense(x.Batch, d, nil)

	for n := 0; n < x.Batch; n++ {
		img := x.Sample(n)
		row := f.RawRowView(n)
		for gy := 0; gy < c.pool; gy++ {
			y0, y1 := gy*h/c.pool, (gy+1)*h/c.pool
			for gx := 0; gx < c.pool; gx++ {
				x0, x1 := gx*w/c.pool, (gx+1)*w/c.pool
				cell := (gy*c.pool + gx) * ch
				for y := y0; y < y1; y++ {
					for xx := x0; xx < x1; xx++ {
						px := img[(y*w+xx)*ch:]
						for k := 0; k < ch; k++ {
							row[cell+k] += float64(px[k])
						}
					}
				}
				area := float64((y1 - y0) * (x1 - x0))
				for k := 0; k < ch; k++ {
					row[cell+k] /= area
				}
			}
		}
	}
	return f
}

// forward returns softmax(F·Wᵀ + b) row by row.
func (c *Classifier) forward(f *mat.Dense) *mat.Dense {
	n, _ := f.Dims()
	z := mat.NewDense(n, c.classes, nil)
	z.Mul(f, c.weights.T())
	for i := 0; i < n; i++ {
		row := z.RawRowView(i)
		for k := range row {
			row[k] += c.bias.AtVec(k)
		}
		Softmax(row)
	}
	return z
}

func (c *Classifier) checkBatch(b *dataset.Batch) error {
	if err := checkShape(c.shape, b.X); err != nil {
		return err
	}
	if len(b.Y) != b.X.Batch {
		return fmt.Errorf("batch has %d images but %d labels", b.X.Batch, len(b.Y))
	}
	for i, y := range b.Y {
		if len(y) != c.classes {
			return fmt.Errorf("label %d has length %d, model has %d classes", i, len(y), c.classes)
		}
	}
	return nil
}

func (c *Classifier) score(probs *mat.Dense, labels [][]float32) BatchMetrics {
	var m BatchMetrics
	for i, y := range labels {
		row := probs.RawRowView(i)
		for k, t := range y {
			if t > 0 {
				m.LossSum -= float64(t) * math.Log(math.Max(row[k], 1e-12))
			}
		}
		if Argmax(row) == Argmax(y) {
			m.Correct++
		}
		m.Count++
	}
	return m
}

func (c *Classifier) EvaluateBatch(ctx context.Context, b *dataset.Batch) (BatchMetrics, error) {
	if err := c.checkBatch(b); err != nil {
		return BatchMetrics{}, err
	}
	return c.score(c.forward(c.extract(b.X)), b.Y), nil
}

func (c *Classifier) Compile(opts CompileOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	c.opt = newAdam(opts, c.classes, c.features())
	return nil
}

// TrainOnBatch runs one optimizer step and returns the metrics measured
// before the update.
func (c *Classifier) TrainOnBatch(ctx context.Context, b *dataset.Batch) (BatchMetrics, error) {
	if c.opt == nil {
		return BatchMetrics{}, errors.New("model is not compiled")
	}
	if err := c.checkBatch(b); err != nil {
		return BatchMetrics{}, err
	}

	f := c.extract(b.X)
	probs := c.forward(f)
	metrics := c.score(probs, b.Y)

	// d(loss)/d(logits) = p - y, averaged over the batch.
	n := float64(b.Size())
	g := probs
	for i, y := range b.Y {
		row := g.RawRowView(i)
		for k := range row {
			row[k] = (row[k] - float64(y[k])) / n
		}
	}

	var gw mat.Dense
	gw.Mul(g.T(), f)
	gb := make([]float64, c.classes)
	for i := 0; i < b.Size(); i++ {
		for k, v := range g.RawRowView(i) {
			gb[k] += v
		}
	}

	c.opt.step(c.weights.RawMatrix().Data, c.bias.RawVector().Data, gw.RawMatrix().Data, gb)
	return metrics, nil
}

func (c *Classifier) Clone() Trainable {
	return &Classifier{
		shape:   c.shape,
		pool:    c.pool,
		classes: c.classes,
		weights: mat.DenseCopyOf(c.weights),
		bias:    mat.VecDenseCopyOf(c.bias),
	}
}

type classifierArtifact struct {
	Format  string     `json:"format"`
	Input   core.Shape `json:"input"`
	Pool    int        `json:"pool"`
	Classes int        `json:"classes"`
	Weights []byte     `json:"weights"`
	Bias    []byte     `json:"bias"`
}

// Save writes the weights as a JSON document. Optimizer state is not kept.
func (c *Classifier) Save(w io.Writer) error {
	wb, err := c.weights.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	bb, err := c.bias.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal bias: %w", err)
	}
	return json.NewEncoder(w).Encode(classifierArtifact{
		Format:  FormatClassifier,
		Input:   c.shape,
		Pool:    c.pool,
		Classes: c.classes,
		Weights: wb,
		Bias:    bb,
	})
}

// LoadClassifier reads an artifact written by Save.
func LoadClassifier(r io.Reader) (*Classifier, error) {
	var a classifierArtifact
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("failed to decode classifier: %w", err)
	}
	if a.Format != FormatClassifier {
		return nil, fmt.Errorf("unexpected model format %q", a.Format)
	}

	c := &Classifier{shape: a.Input, pool: a.Pool, classes: a.Classes}
	c.weights = &mat.Dense{}
	if err := c.weights.UnmarshalBinary(a.Weights); err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}
	c.bias = &mat.VecDense{}
	if err := c.bias.UnmarshalBinary(a.Bias); err != nil {
		return nil, fmt.Errorf("failed to decode bias: %w", err)
	}
	if r, cols := c.weights.Dims(); r != c.classes || cols != c.features() {
		return nil, fmt.Errorf("weights are %dx%d, want %dx%d", r, cols, c.classes, c.features())
	}
	if c.bias.Len() != c.classes {
		return nil, fmt.Errorf("bias has %d entries, want %d", c.bias.Len(), c.classes)
	}
	return c, nil
}

// adam keeps first and second moment estimates for weights and bias.
type adam struct {
	opts   CompileOptions
	t      int
	mw, vw []float64
	mb, vb []float64
}

func newAdam(opts CompileOptions, classes, features int) *adam {
	return &adam{
		opts: opts,
		mw:   make([]float64, classes*features),
		vw:   make([]float64, classes*features),
		mb:   make([]float64, classes),
		vb:   make([]float64, classes),
	}
}

func (a *adam) step(w, b, gw, gb []float64) {
	a.t++
	c1 := 1 - math.Pow(a.opts.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.opts.Beta2, float64(a.t))
	a.update(w, gw, a.mw, a.vw, c1, c2)
	a.update(b, gb, a.mb, a.vb, c1, c2)
}

func (a *adam) update(p, g, m, v []float64, c1, c2 float64) {
	b1, b2 := a.opts.Beta1, a.opts.Beta2
	for i := range p {
		m[i] = b1*m[i] + (1-b1)*g[i]
		v[i] = b2*v[i] + (1-b2)*g[i]*g[i]
		p[i] -= a.opts.LearningRate * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.opts.Epsilon)
	}
}
