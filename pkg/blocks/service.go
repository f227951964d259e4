package blocks

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ChunkSize is the maximum size of one stored block.
const ChunkSize = 1 << 20

// Service splits artifacts into blocks and reassembles them.
type Service struct {
	store *Store
}

// NewService creates a new block service instance
func NewService(store *Store) *Service {
	return &Service{
		store: store,
	}
}

// Store returns the underlying block store.
func (s *Service) Store() *Store {
	return s.store
}

// StoreData reads r to the end and stores it as a sequence of blocks. It
// returns the ordered block hashes and the total size.
func (s *Service) StoreData(ctx context.Context, r io.Reader) ([]string, int64, error) {
	var (
		hashes []string
		total  int64
	)
	buffer := make([]byte, ChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		n, err := io.ReadFull(r, buffer)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			hash, serr := s.store.StoreBlock(ctx, chunk)
			if serr != nil {
				return nil, 0, fmt.Errorf("failed to store chunk %d: %w", len(hashes), serr)
			}
			hashes = append(hashes, hash)
			total += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return hashes, total, nil
		}
		if err != nil {
			return nil, 0, err
		}
	}
}

// WriteData streams the blocks in order to w.
func (s *Service) WriteData(ctx context.Context, hashes []string, w io.Writer) error {
	for i, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return err
		}
		block, err := s.store.GetBlock(ctx, hash)
		if err != nil {
			return fmt.Errorf("failed to read chunk %d: %w", i, err)
		}
		if _, err := w.Write(block.Data); err != nil {
			return fmt.Errorf("failed to write chunk %d: %w", i, err)
		}
	}
	return nil
}

// Missing returns the hashes not present in the local store.
func (s *Service) Missing(ctx context.Context, hashes []string) []string {
	var missing []string
	for _, hash := range hashes {
		if !s.store.HasBlock(ctx, hash) {
			missing = append(missing, hash)
		}
	}
	return missing
}

// DeleteBlocks removes blocks, ignoring ones already gone.
func (s *Service) DeleteBlocks(ctx context.Context, hashes []string) error {
	for _, hash := range hashes {
		if err := s.store.DeleteBlock(ctx, hash); err != nil {
			return err
		}
	}
	return nil
}
