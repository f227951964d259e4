package dataset

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3FT-io/dermascan/pkg/codec"
	"github.com/3FT-io/dermascan/pkg/core"
)

// Defaults used when a LoaderConfig field is zero.
const (
	DefaultBatchSize = 32
	DefaultWorkers   = 4
	DefaultPrefetch  = 2
)

type LoaderConfig struct {
	BatchSize int
	Workers   int
	Prefetch  int
}

// Options control how one directory is turned into a Dataset.
type Options struct {
	Shuffle bool
	Seed    uint64
}

// Sample is one labeled file.
type Sample struct {
	Path  string
	Class string
	Label int
}

// Loader builds datasets from directories of class folders.
type Loader struct {
	codec  *codec.Codec
	cfg    LoaderConfig
	logger *zap.Logger
}

func NewLoader(c *codec.Codec, cfg LoaderConfig, logger *zap.Logger) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	return &Loader{codec: c, cfg: cfg, logger: logger}
}

// Load scans dir for class folders and returns a lazily decoded dataset.
// Folders are labeled through catalog; folders it does not know are skipped.
// core.ErrNoData is returned when dir is missing or holds no usable files.
func (l *Loader) Load(ctx context.Context, dir string, catalog *core.ClassCatalog, opts Options) (*Dataset, error) {
	classes, err := core.ScanClassDirs(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var samples []Sample
	for _, class := range classes {
		label, ok := catalog.Index(class)
		if !ok {
			l.logger.Warn("Skipping class folder not in catalog",
				zap.String("dir", dir),
				zap.String("class", class))
			continue
		}

		files, err := listFiles(filepath.Join(dir, class))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			samples = append(samples, Sample{Path: f, Class: class, Label: label})
		}
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, core.ErrNoData)
	}

	if opts.Shuffle {
		rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
		rng.Shuffle(len(samples), func(i, j int) {
			samples[i], samples[j] = samples[j], samples[i]
		})
	}

	l.logger.Info("Dataset loaded",
		zap.String("dir", dir),
		zap.Int("samples", len(samples)),
		zap.Int("batch_size", l.cfg.BatchSize),
		zap.Bool("shuffle", opts.Shuffle))

	return &Dataset{
		loader:  l,
		samples: samples,
		catalog: catalog,
	}, nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Dataset is a Sequence backed by files on disk. The first full pass decodes
// batches ahead of the consumer and caches them; later passes are served from
// memory.
type Dataset struct {
	loader  *Loader
	samples []Sample
	catalog *core.ClassCatalog

	// mu serializes passes; Each must not be called from inside its own callback.
	mu     sync.Mutex
	cache  []*Batch
	cached bool
}

// Samples returns the labeled files in iteration order.
func (d *Dataset) Samples() []Sample {
	return d.samples
}

func (d *Dataset) Len() int {
	return len(d.samples)
}

func (d *Dataset) NumBatches() int {
	bs := d.loader.cfg.BatchSize
	return (len(d.samples) + bs - 1) / bs
}

func (d *Dataset) Each(ctx context.Context, fn func(*Batch) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached {
		return Batches(d.cache).Each(ctx, fn)
	}

	cache, err := d.fill(ctx, fn)
	if err != nil {
		return err
	}
	d.cache = cache
	d.cached = true
	return nil
}

func (d *Dataset) fill(ctx context.Context, fn func(*Batch) error) ([]*Batch, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	out := make(chan *Batch, d.loader.cfg.Prefetch)

	g.Go(func() error {
		defer close(out)
		for i := 0; i < d.NumBatches(); i++ {
			b, err := d.decodeBatch(gctx, i)
			if err != nil {
				return err
			}
			select {
			case out <- b:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	cache := make([]*Batch, 0, d.NumBatches())
	var fnErr error
	for b := range out {
		cache = append(cache, b)
		if fnErr = fn(b); fnErr != nil {
			cancel()
			break
		}
	}
	for range out {
	}

	if err := g.Wait(); fnErr == nil && err != nil {
		return nil, err
	}
	if fnErr != nil {
		return nil, fnErr
	}
	return cache, nil
}

func (d *Dataset) decodeBatch(ctx context.Context, i int) (*Batch, error) {
	bs := d.loader.cfg.BatchSize
	start := i * bs
	end := min(start+bs, len(d.samples))
	samples := d.samples[start:end]

	images := make([]*core.Tensor, len(samples))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.loader.cfg.Workers)
	for j, s := range samples {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t, err := d.loader.codec.DecodeFile(s.Path)
			if err != nil {
				return err
			}
			images[j] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	x, err := core.Stack(images)
	if err != nil {
		return nil, err
	}
	y := make([][]float32, len(samples))
	for j, s := range samples {
		y[j] = d.catalog.OneHot(s.Label)
	}
	return &Batch{X: x, Y: y}, nil
}
