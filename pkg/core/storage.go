package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3FT-io/dermascan/pkg/blocks"
)

const currentFile = "CURRENT"

// Storage persists model artifacts as content-addressed blocks plus one JSON
// metadata document per artifact. A CURRENT file names the published model.
type Storage struct {
	basePath string
	blocks   *blocks.Service
	metadata map[string]*ModelMetadata
	mu       sync.RWMutex
}

// StorageStatus represents the current state of the storage system
type StorageStatus struct {
	TotalModels int            `json:"total_models"`
	TotalSize   int64          `json:"total_size"`
	BasePath    string         `json:"base_path"`
	Current     string         `json:"current,omitempty"`
	Models      []ModelSummary `json:"models"`
}

type ModelSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// NewStorage opens the store at path, creating it if needed, and loads the
// metadata index from disk.
func NewStorage(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Join(path, "meta"), 0755); err != nil {
		return nil, err
	}

	store, err := blocks.NewStore(filepath.Join(path, "blocks"))
	if err != nil {
		return nil, err
	}

	s := &Storage{
		basePath: path,
		blocks:   blocks.NewService(store),
		metadata: make(map[string]*ModelMetadata),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) loadIndex() error {
	entries, err := os.ReadDir(filepath.Join(s.basePath, "meta"))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.basePath, "meta", entry.Name()))
		if err != nil {
			return err
		}
		var m ModelMetadata
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to parse metadata %s: %w", entry.Name(), err)
		}
		s.metadata[m.ID] = &m
	}
	return nil
}

// Blocks exposes the block service, used to serve and receive chunks from peers.
func (s *Storage) Blocks() *blocks.Service {
	return s.blocks
}

// StoreModel chunks the artifact read from reader and records its metadata.
// The lock is held from the first block write to the metadata write so a
// concurrent DeleteModel cannot collect blocks the new model shares.
func (s *Storage) StoreModel(ctx context.Context, name, format string, catalogVersion int, reader io.Reader) (*ModelMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	chunks, size, err := s.blocks.StoreData(ctx, io.TeeReader(reader, &buf))
	if err != nil {
		return nil, err
	}

	metadata := &ModelMetadata{
		ID:             generateUUID(),
		Name:           name,
		Format:         format,
		Size:           size,
		Hash:           HashBytes(buf.Bytes()),
		Chunks:         chunks,
		CatalogVersion: catalogVersion,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.importLocked(ctx, metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

// ImportModel records metadata for an artifact whose blocks are already in the
// local block store. The metadata usually comes from a peer: the id must be a
// UUID and every chunk a well-formed block hash.
func (s *Storage) ImportModel(ctx context.Context, metadata *ModelMetadata) error {
	if err := ValidateMetadata(metadata); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.importLocked(ctx, metadata)
}

// ValidateMetadata checks the fields of metadata that end up in file paths.
func ValidateMetadata(metadata *ModelMetadata) error {
	if metadata == nil {
		return fmt.Errorf("%w: missing metadata", ErrInvalidModelID)
	}
	if _, err := uuid.Parse(metadata.ID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidModelID, metadata.ID)
	}
	for _, h := range metadata.Chunks {
		if !blocks.ValidHash(h) {
			return fmt.Errorf("model %s: %w: %q", metadata.ID, blocks.ErrInvalidHash, h)
		}
	}
	return nil
}

func (s *Storage) importLocked(ctx context.Context, metadata *ModelMetadata) error {
	if missing := s.blocks.Missing(ctx, metadata.Chunks); len(missing) > 0 {
		return fmt.Errorf("model %s: %d blocks missing", metadata.ID, len(missing))
	}

	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(s.metaPath(metadata.ID), data, 0644); err != nil {
		return err
	}
	s.metadata[metadata.ID] = metadata
	return nil
}

func generateUUID() string {
	return uuid.New().String()
}

func (s *Storage) metaPath(id string) string {
	return filepath.Join(s.basePath, "meta", id+".json")
}

// ListModels returns all models, oldest first.
func (s *Storage) ListModels(ctx context.Context) ([]ModelMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	models := make([]ModelMetadata, 0, len(s.metadata))
	for _, model := range s.metadata {
		models = append(models, *model)
	}
	sort.Slice(models, func(i, j int) bool {
		return models[i].CreatedAt.Before(models[j].CreatedAt)
	})

	return models, nil
}

// GetModel retrieves a model's metadata by ID
func (s *Storage) GetModel(ctx context.Context, modelID string) (*ModelMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metadata, exists := s.metadata[modelID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	return metadata, nil
}

// HasModel reports whether metadata for modelID is recorded.
func (s *Storage) HasModel(modelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.metadata[modelID]
	return ok
}

// StreamModel reads a model's chunks and streams them to the provided writer
func (s *Storage) StreamModel(ctx context.Context, modelID string, writer io.Writer) error {
	metadata, err := s.GetModel(ctx, modelID)
	if err != nil {
		return err
	}
	return s.blocks.WriteData(ctx, metadata.Chunks, writer)
}

// ReadModel returns the whole artifact and checks it against the recorded hash.
func (s *Storage) ReadModel(ctx context.Context, modelID string) ([]byte, *ModelMetadata, error) {
	metadata, err := s.GetModel(ctx, modelID)
	if err != nil {
		return nil, nil, err
	}
	var buf bytes.Buffer
	if err := s.blocks.WriteData(ctx, metadata.Chunks, &buf); err != nil {
		return nil, nil, err
	}
	if got := HashBytes(buf.Bytes()); got != metadata.Hash {
		return nil, nil, fmt.Errorf("model %s: hash mismatch (want %s, got %s)", modelID, metadata.Hash, got)
	}
	return buf.Bytes(), metadata, nil
}

// DeleteModel removes a model. Blocks still referenced by other models are kept.
// The current model cannot be deleted.
func (s *Storage) DeleteModel(ctx context.Context, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadata, exists := s.metadata[modelID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}

	current, err := s.Current()
	if err != nil {
		return err
	}
	if current == modelID {
		return fmt.Errorf("model %s is the current model", modelID)
	}
	delete(s.metadata, modelID)

	inUse := make(map[string]bool)
	for _, m := range s.metadata {
		for _, h := range m.Chunks {
			inUse[h] = true
		}
	}
	var orphans []string
	for _, h := range metadata.Chunks {
		if !inUse[h] {
			orphans = append(orphans, h)
		}
	}

	if err := os.Remove(s.metaPath(modelID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.blocks.DeleteBlocks(ctx, orphans)
}

// SetCurrent durably records modelID as the published model.
func (s *Storage) SetCurrent(ctx context.Context, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.metadata[modelID]; !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	return WriteFileAtomic(filepath.Join(s.basePath, currentFile), []byte(modelID+"\n"), 0644)
}

// Current returns the published model id, or "" if none was recorded.
func (s *Storage) Current() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.basePath, currentFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// GetStatus returns the current status of the storage system
func (s *Storage) GetStatus(ctx context.Context) (*StorageStatus, error) {
	current, err := s.Current()
	if err != nil {
		return nil, err
	}
	models, err := s.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	status := &StorageStatus{
		TotalModels: len(models),
		BasePath:    s.basePath,
		Current:     current,
		Models:      make([]ModelSummary, 0, len(models)),
	}

	for _, model := range models {
		status.TotalSize += model.Size
		status.Models = append(status.Models, ModelSummary{
			ID:        model.ID,
			Name:      model.Name,
			Size:      model.Size,
			CreatedAt: model.CreatedAt,
		})
	}

	return status, nil
}
