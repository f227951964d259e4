package prep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"go.uber.org/zap"
)

var renameExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true}

// ClassPrefix normalizes a class folder name into a filename prefix.
func ClassPrefix(folder string) string {
	return strings.ToLower(strings.NewReplacer(" ", "_", "-", "_").Replace(folder))
}

type RenameReport struct {
	Renamed int
	Skipped int
}

type Renamer struct {
	progress io.Writer
	logger   *zap.Logger
}

func NewRenamer(progress io.Writer, logger *zap.Logger) *Renamer {
	if progress == nil {
		progress = io.Discard
	}
	return &Renamer{progress: progress, logger: logger}
}

// Rename prefixes every image in root/<class>/ with "<prefix>_" so that bulk
// uploads of those files are labeled by their class. Files that already carry
// the prefix are left alone. Failures are collected and do not stop the run.
func (r *Renamer) Rename(ctx context.Context, root string) (RenameReport, error) {
	var report RenameReport

	entries, err := os.ReadDir(root)
	if err != nil {
		return report, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		prefix := ClassPrefix(entry.Name()) + "_"

		images, err := listImages(dir, renameExts)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		bar := pb.New(len(images))
		bar.SetWriter(r.progress)
		bar.Set("prefix", entry.Name()+" ")
		bar.Start()
		for _, img := range images {
			if err := ctx.Err(); err != nil {
				bar.Finish()
				return report, err
			}
			bar.Increment()

			name := filepath.Base(img)
			if strings.HasPrefix(name, prefix) {
				report.Skipped++
				continue
			}
			if err := os.Rename(img, filepath.Join(dir, prefix+name)); err != nil {
				r.logger.Warn("Failed to rename", zap.String("file", img), zap.Error(err))
				errs = append(errs, fmt.Errorf("rename %s: %w", img, err))
				continue
			}
			report.Renamed++
		}
		bar.Finish()

		r.logger.Info("Folder processed",
			zap.String("folder", entry.Name()),
			zap.String("prefix", prefix))
	}
	return report, errors.Join(errs...)
}
