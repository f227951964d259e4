package core

import "fmt"

// Shape is the height, width and channel depth of a single image.
type Shape struct {
	Height   int `json:"height" yaml:"height"`
	Width    int `json:"width" yaml:"width"`
	Channels int `json:"channels" yaml:"channels"`
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Height, s.Width, s.Channels)
}

// Size returns the number of values in one image of this shape.
func (s Shape) Size() int {
	return s.Height * s.Width * s.Channels
}

// Tensor is a batch of images laid out as [batch, height, width, channels].
type Tensor struct {
	Batch int
	Shape Shape
	Data  []float32
}

// NewTensor allocates a zeroed tensor.
func NewTensor(batch int, shape Shape) *Tensor {
	return &Tensor{
		Batch: batch,
		Shape: shape,
		Data:  make([]float32, batch*shape.Size()),
	}
}

// Sample returns the values of the i-th image without copying.
func (t *Tensor) Sample(i int) []float32 {
	n := t.Shape.Size()
	return t.Data[i*n : (i+1)*n]
}

// Dims returns the tensor dimensions, batch first.
func (t *Tensor) Dims() []int {
	return []int{t.Batch, t.Shape.Height, t.Shape.Width, t.Shape.Channels}
}

// Stack concatenates single-image tensors into one batch tensor.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("stack: no tensors")
	}
	shape := items[0].Shape
	batch := 0
	for _, it := range items {
		if it.Shape != shape {
			return nil, &ShapeMismatchError{Want: shape, Got: it.Shape}
		}
		batch += it.Batch
	}
	out := NewTensor(batch, shape)
	off := 0
	for _, it := range items {
		off += copy(out.Data[off:], it.Data)
	}
	return out, nil
}
