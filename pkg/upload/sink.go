// Package upload stores bulk-uploaded images under class folders for the next
// retrain.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// UnknownLabel is used for files whose name carries no class prefix.
const UnknownLabel = "unknown"

// Asset is one uploaded file.
type Asset struct {
	Filename string
	Content  io.Reader
}

// LabelFromFilename returns the lower-cased prefix before the first
// underscore, or UnknownLabel.
func LabelFromFilename(name string) string {
	base := filepath.Base(name)
	prefix, _, found := strings.Cut(base, "_")
	if !found {
		return UnknownLabel
	}
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" || prefix == "." || prefix == ".." {
		return UnknownLabel
	}
	return prefix
}

// Sink writes assets to <root>/<label>/<filename>.
type Sink struct {
	root   string
	logger *zap.Logger
}

func NewSink(root string, logger *zap.Logger) *Sink {
	return &Sink{root: root, logger: logger}
}

// Root is the directory new data is written to.
func (s *Sink) Root() string {
	return s.root
}

// Store writes every asset, overwriting files of the same name. A failing
// asset does not stop the others; the returned error joins all failures.
func (s *Sink) Store(ctx context.Context, assets []Asset) (int, error) {
	var (
		saved int
		errs  []error
	)
	for _, a := range assets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.storeOne(a); err != nil {
			s.logger.Error("Failed to store upload",
				zap.String("file", a.Filename),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		saved++
	}

	s.logger.Info("Bulk upload stored",
		zap.Int("received", len(assets)),
		zap.Int("saved", saved))
	return saved, errors.Join(errs...)
}

func (s *Sink) storeOne(a Asset) error {
	name := filepath.Base(a.Filename)
	if name == "." || name == ".." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid filename %q", a.Filename)
	}

	dir := filepath.Join(s.root, LabelFromFilename(name))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	dest := filepath.Join(dir, name)
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, a.Content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return f.Close()
}

// Clear removes every class folder under the root.
func (s *Sink) Clear(ctx context.Context) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return err
		}
	}
	s.logger.Info("New data cleared", zap.String("dir", s.root))
	return nil
}

// Pending counts files waiting in class folders.
func (s *Sink) Pending() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, e.Name()))
		if err != nil {
			return 0, err
		}
		for _, f := range files {
			if f.Type().IsRegular() {
				n++
			}
		}
	}
	return n, nil
}
