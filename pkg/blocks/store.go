package blocks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrBlockNotFound = errors.New("block not found")
	ErrHashMismatch  = errors.New("block content does not match hash")
	ErrInvalidHash   = errors.New("invalid block hash")
)

// Block is a content-addressed chunk of a model artifact.
type Block struct {
	Hash string
	Size int64
	Data []byte
}

// Store keeps blocks on disk, one file per sha256 hash.
type Store struct {
	basePath string
	mu       sync.RWMutex
}

// NewStore creates a new block store instance
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}

	return &Store{
		basePath: basePath,
	}, nil
}

// StoreBlock stores a block of data and returns its hash
func (s *Store) StoreBlock(ctx context.Context, data []byte) (string, error) {
	hash := calculateHash(data)
	return hash, s.put(hash, data)
}

// PutBlock stores data received under an expected hash, e.g. from a peer.
func (s *Store) PutBlock(ctx context.Context, hash string, data []byte) error {
	if !ValidHash(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if calculateHash(data) != hash {
		return fmt.Errorf("%w: %s", ErrHashMismatch, hash)
	}
	return s.put(hash, data)
}

func (s *Store) put(hash string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blockPath, err := s.getBlockPath(hash)
	if err != nil {
		return err
	}
	if _, err := os.Stat(blockPath); err == nil {
		return nil
	}

	// Write then rename so readers never see a partial block.
	tmp := blockPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, blockPath)
}

// HasBlock reports whether a block is present locally.
func (s *Store) HasBlock(ctx context.Context, hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blockPath, err := s.getBlockPath(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(blockPath)
	return err == nil
}

// GetBlock retrieves a block by its hash
func (s *Store) GetBlock(ctx context.Context, hash string) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blockPath, err := s.getBlockPath(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(blockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
		}
		return nil, err
	}

	return &Block{
		Hash: hash,
		Size: int64(len(data)),
		Data: data,
	}, nil
}

// DeleteBlock removes a block from storage
func (s *Store) DeleteBlock(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blockPath, err := s.getBlockPath(hash)
	if err != nil {
		return err
	}
	err = os.Remove(blockPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// getBlockPath only accepts well-formed hashes; they arrive from peers.
func (s *Store) getBlockPath(hash string) (string, error) {
	if !ValidHash(hash) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return filepath.Join(s.basePath, hash), nil
}

// ValidHash reports whether hash is a lowercase hex sha256 digest.
func ValidHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func calculateHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
