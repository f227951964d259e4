// Package dataset loads folder-labeled image datasets into batches of
// normalized tensors and one-hot labels.
package dataset

import (
	"context"

	"github.com/3FT-io/dermascan/pkg/core"
)

// Batch is a group of images with their one-hot labels.
type Batch struct {
	X *core.Tensor
	Y [][]float32
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Y)
}

// Sequence is an iterable, re-iterable source of batches.
type Sequence interface {
	// Each calls fn for every batch in order. It stops at the first error.
	Each(ctx context.Context, fn func(*Batch) error) error
	NumBatches() int
	// Len is the number of samples across all batches.
	Len() int
}

// Batches is an in-memory Sequence.
type Batches []*Batch

func (bs Batches) Each(ctx context.Context, fn func(*Batch) error) error {
	for _, b := range bs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (bs Batches) NumBatches() int {
	return len(bs)
}

func (bs Batches) Len() int {
	n := 0
	for _, b := range bs {
		n += b.Size()
	}
	return n
}

type concatenated []Sequence

// Concat yields every batch of the first sequence, then every batch of the
// next, and so on. The order is fixed so repeated runs see the same stream.
func Concat(seqs ...Sequence) Sequence {
	var parts concatenated
	for _, s := range seqs {
		if s != nil {
			parts = append(parts, s)
		}
	}
	return parts
}

func (c concatenated) Each(ctx context.Context, fn func(*Batch) error) error {
	for _, s := range c {
		if err := s.Each(ctx, fn); err != nil {
			return err
		}
	}
	return nil
}

func (c concatenated) NumBatches() int {
	n := 0
	for _, s := range c {
		n += s.NumBatches()
	}
	return n
}

func (c concatenated) Len() int {
	n := 0
	for _, s := range c {
		n += s.Len()
	}
	return n
}
