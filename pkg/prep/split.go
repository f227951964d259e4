// Package prep turns raw image collections into the class-folder layout the
// service trains on.
package prep

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultTrainRatio is the share of each class copied to the train split.
const DefaultTrainRatio = 0.8

var splitExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Mapping maps raw folder names onto clean class names. Existing classes get
// empty train/test folders even when no raw folder maps to them.
type Mapping struct {
	Classes  map[string]string `yaml:"classes"`
	Existing []string          `yaml:"existing"`
}

func LoadMapping(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping: %w", err)
	}
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mapping: %w", err)
	}
	if len(m.Classes) == 0 {
		return nil, fmt.Errorf("mapping %s: no classes", path)
	}
	return &m, nil
}

type SplitConfig struct {
	RawDir   string
	TrainDir string
	TestDir  string
	Mapping  *Mapping
	Ratio    float64
	Seed     uint64
}

// ClassSplit reports the files copied for one raw folder.
type ClassSplit struct {
	Folder string
	Class  string
	Train  int
	Test   int
}

type Splitter struct {
	progress io.Writer
	logger   *zap.Logger
}

// NewSplitter reports progress bars to progress (nil disables them).
func NewSplitter(progress io.Writer, logger *zap.Logger) *Splitter {
	if progress == nil {
		progress = io.Discard
	}
	return &Splitter{progress: progress, logger: logger}
}

// Split copies the images of every mapped raw folder into train and test
// class folders. The per-folder shuffle is seeded, so a given input always
// splits the same way. Unmapped folders are skipped.
func (s *Splitter) Split(ctx context.Context, cfg SplitConfig) ([]ClassSplit, error) {
	if cfg.Mapping == nil {
		return nil, fmt.Errorf("split: no mapping")
	}
	ratio := cfg.Ratio
	if ratio <= 0 || ratio >= 1 {
		ratio = DefaultTrainRatio
	}

	classes := make(map[string]bool)
	for _, c := range cfg.Mapping.Classes {
		classes[c] = true
	}
	for _, c := range cfg.Mapping.Existing {
		classes[c] = true
	}
	for c := range classes {
		for _, dir := range []string{cfg.TrainDir, cfg.TestDir} {
			if err := os.MkdirAll(filepath.Join(dir, c), 0755); err != nil {
				return nil, err
			}
		}
	}

	entries, err := os.ReadDir(cfg.RawDir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var report []ClassSplit
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		class, ok := cfg.Mapping.Classes[entry.Name()]
		if !ok {
			s.logger.Warn("Skipping folder (not mapped)", zap.String("folder", entry.Name()))
			continue
		}

		images, err := listImages(filepath.Join(cfg.RawDir, entry.Name()), splitExts)
		if err != nil {
			return nil, err
		}
		if len(images) == 0 {
			s.logger.Warn("No images found", zap.String("folder", entry.Name()))
			continue
		}

		rng := rand.New(rand.NewPCG(cfg.Seed, uint64(len(images))))
		rng.Shuffle(len(images), func(i, j int) { images[i], images[j] = images[j], images[i] })
		cut := int(ratio * float64(len(images)))

		bar := pb.New(len(images))
		bar.SetWriter(s.progress)
		bar.Set("prefix", class+" ")
		bar.Start()
		for i, img := range images {
			if err := ctx.Err(); err != nil {
				bar.Finish()
				return nil, err
			}
			dest := cfg.TestDir
			if i < cut {
				dest = cfg.TrainDir
			}
			if err := copyFile(img, filepath.Join(dest, class, filepath.Base(img))); err != nil {
				bar.Finish()
				return nil, err
			}
			bar.Increment()
		}
		bar.Finish()

		split := ClassSplit{Folder: entry.Name(), Class: class, Train: cut, Test: len(images) - cut}
		s.logger.Info("Class split",
			zap.String("class", class),
			zap.Int("train", split.Train),
			zap.Int("test", split.Test))
		report = append(report, split)
	}
	return report, nil
}

// listImages returns the sorted paths of regular files in dir whose
// lower-cased extension is in exts.
func listImages(dir string, exts map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if exts[strings.ToLower(filepath.Ext(e.Name()))] {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
