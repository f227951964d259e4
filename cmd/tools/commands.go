package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"go.uber.org/zap"

	"github.com/3FT-io/dermascan/pkg/codec"
	"github.com/3FT-io/dermascan/pkg/config"
	"github.com/3FT-io/dermascan/pkg/core"
	"github.com/3FT-io/dermascan/pkg/dataset"
	"github.com/3FT-io/dermascan/pkg/loadgen"
	"github.com/3FT-io/dermascan/pkg/model"
	"github.com/3FT-io/dermascan/pkg/prep"
	"github.com/3FT-io/dermascan/pkg/training"
)

// loggerFrom extracts the logger passed to subcommands.Execute.
func loggerFrom(args []interface{}) *zap.Logger {
	for _, a := range args {
		if l, ok := a.(*zap.Logger); ok {
			return l
		}
	}
	return zap.NewNop()
}

func fail(logger *zap.Logger, msg string, err error) subcommands.ExitStatus {
	logger.Error(msg, zap.Error(err))
	return subcommands.ExitFailure
}

type splitCmd struct {
	raw, train, test, mapping string
	ratio                     float64
	seed                      uint64
}

func (*splitCmd) Name() string     { return "split" }
func (*splitCmd) Synopsis() string { return "split raw class folders into train and test sets" }
func (*splitCmd) Usage() string {
	return `split -mapping mapping.yaml [-raw data/IMG_CLASSES] [-train data/train] [-test data/test]:
  Copy .jpg/.jpeg/.png images of every mapped raw folder into train/test
  class folders with a seeded 80/20 split.
`
}

func (c *splitCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.raw, "raw", "data/IMG_CLASSES", "directory of raw class folders")
	f.StringVar(&c.train, "train", "data/train", "train output directory")
	f.StringVar(&c.test, "test", "data/test", "test output directory")
	f.StringVar(&c.mapping, "mapping", "", "YAML mapping of raw folder names to class names")
	f.Float64Var(&c.ratio, "ratio", prep.DefaultTrainRatio, "share of images copied to train")
	f.Uint64Var(&c.seed, "seed", 42, "shuffle seed")
}

func (c *splitCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	logger := loggerFrom(args)
	if c.mapping == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	mapping, err := prep.LoadMapping(c.mapping)
	if err != nil {
		return fail(logger, "Failed to load mapping", err)
	}

	report, err := prep.NewSplitter(os.Stderr, logger).Split(ctx, prep.SplitConfig{
		RawDir:   c.raw,
		TrainDir: c.train,
		TestDir:  c.test,
		Mapping:  mapping,
		Ratio:    c.ratio,
		Seed:     c.seed,
	})
	if err != nil {
		return fail(logger, "Split failed", err)
	}
	for _, s := range report {
		fmt.Printf("%s: %d -> train, %d -> test\n", s.Class, s.Train, s.Test)
	}
	return subcommands.ExitSuccess
}

type renameCmd struct{}

func (*renameCmd) Name() string     { return "rename" }
func (*renameCmd) Synopsis() string { return "prefix images with their class folder name" }
func (*renameCmd) Usage() string {
	return `rename <root>:
  Rename root/<class>/<file> to root/<class>/<class>_<file> so the files can be
  bulk uploaded with their label.
`
}
func (*renameCmd) SetFlags(*flag.FlagSet) {}

func (c *renameCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	logger := loggerFrom(args)
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	report, err := prep.NewRenamer(os.Stderr, logger).Rename(ctx, f.Arg(0))
	fmt.Printf("renamed %d, already prefixed %d\n", report.Renamed, report.Skipped)
	if err != nil {
		return fail(logger, "Rename finished with errors", err)
	}
	return subcommands.ExitSuccess
}

type catalogCmd struct {
	train, out string
	version    int
}

func (*catalogCmd) Name() string     { return "catalog" }
func (*catalogCmd) Synopsis() string { return "build the class catalog from a train directory" }
func (*catalogCmd) Usage() string {
	return `catalog [-train data/train] [-out data/catalog.yaml] [-version N]:
  Write the sorted class folders of the train directory as a versioned catalog.
`
}

func (c *catalogCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.train, "train", "data/train", "train directory")
	f.StringVar(&c.out, "out", "data/catalog.yaml", "catalog file to write")
	f.IntVar(&c.version, "version", 1, "catalog version")
}

func (c *catalogCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	logger := loggerFrom(args)
	catalog, err := core.ScanCatalog(c.train, c.version)
	if err != nil {
		return fail(logger, "Failed to scan classes", err)
	}
	if err := catalog.Save(c.out); err != nil {
		return fail(logger, "Failed to write catalog", err)
	}
	logger.Info("Catalog written",
		zap.String("path", c.out),
		zap.Int("version", catalog.Version),
		zap.Strings("classes", catalog.Classes))
	return subcommands.ExitSuccess
}

type initModelCmd struct {
	config string
	epochs int
	pool   int
}

func (*initModelCmd) Name() string     { return "init-model" }
func (*initModelCmd) Synopsis() string { return "train the base model from the train and test sets" }
func (*initModelCmd) Usage() string {
	return `init-model [-config dermascan.yaml] [-epochs N] [-pool N]:
  Train a fresh classifier, store it as the current model and write the base
  artifact to model.base_path.
`
}

func (c *initModelCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to a YAML config file")
	f.IntVar(&c.epochs, "epochs", 0, "training passes (default training.epochs)")
	f.IntVar(&c.pool, "pool", model.DefaultPool, "feature grid size")
}

func (c *initModelCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	logger := loggerFrom(args)
	cfg, err := config.Load(c.config)
	if err != nil {
		return fail(logger, "Failed to load config", err)
	}

	catalog, err := core.LoadCatalog(cfg.Data.CatalogPath)
	if err != nil {
		return fail(logger, "Failed to load catalog, run the catalog command first", err)
	}

	imgCodec := codec.New(cfg.Image.Size)
	loader := dataset.NewLoader(imgCodec, dataset.LoaderConfig{
		BatchSize: cfg.Image.BatchSize,
		Workers:   cfg.Image.Workers,
		Prefetch:  cfg.Image.Prefetch,
	}, logger)
	train, err := loader.Load(ctx, cfg.Data.TrainDir, catalog, dataset.Options{Shuffle: true, Seed: cfg.Image.Seed})
	if err != nil {
		return fail(logger, "Failed to load train data", err)
	}
	test, err := loader.Load(ctx, cfg.Data.TestDir, catalog, dataset.Options{})
	if err != nil {
		return fail(logger, "Failed to load test data", err)
	}

	storage, err := core.NewStorage(cfg.Model.StoreDir)
	if err != nil {
		return fail(logger, "Failed to open model store", err)
	}
	trainer := training.NewTrainer(storage, training.Config{
		Epochs:         cfg.Training.Epochs,
		LearningRate:   cfg.Training.LearningRate,
		ModelName:      "dermascan_base",
		CatalogVersion: catalog.Version,
	}, logger)

	clf, err := model.NewClassifier(imgCodec.Shape(), catalog.Len(), c.pool, cfg.Image.Seed)
	if err != nil {
		return fail(logger, "Failed to build classifier", err)
	}

	start := time.Now()
	res, err := trainer.Bootstrap(ctx, clf, train, test, c.epochs)
	if err != nil {
		return fail(logger, "Training failed", err)
	}

	data, err := model.Marshal(res.Model)
	if err != nil {
		return fail(logger, "Failed to serialize model", err)
	}
	if err := core.WriteFileAtomic(cfg.Model.BasePath, data, 0644); err != nil {
		return fail(logger, "Failed to write base model", err)
	}

	final, _ := res.History.Final()
	logger.Info("Base model trained",
		zap.String("model_id", res.Metadata.ID),
		zap.String("path", cfg.Model.BasePath),
		zap.Float64("accuracy", final.Accuracy),
		zap.Float64("val_accuracy", final.ValAccuracy),
		zap.Duration("elapsed", time.Since(start)))
	return subcommands.ExitSuccess
}

type loadgenCmd struct {
	url, images string
	users       int
	requests    int
	duration    time.Duration
	seed        uint64
}

func (*loadgenCmd) Name() string     { return "loadgen" }
func (*loadgenCmd) Synopsis() string { return "simulate users posting images to /predict" }
func (*loadgenCmd) Usage() string {
	return `loadgen [-url http://localhost:8000] [-images test_images] [-users N] [-duration D | -requests N]:
  Each user posts a random image, waits 1-3s and repeats. Prints a JSON
  latency summary.
`
}

func (c *loadgenCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.url, "url", "http://localhost:8000", "API base URL")
	f.StringVar(&c.images, "images", "test_images", "directory of images to send")
	f.IntVar(&c.users, "users", 10, "concurrent users")
	f.IntVar(&c.requests, "requests", 0, "total requests (0 = unlimited)")
	f.DurationVar(&c.duration, "duration", time.Minute, "run time (0 = until -requests)")
	f.Uint64Var(&c.seed, "seed", uint64(time.Now().UnixNano()), "image choice seed")
}

func (c *loadgenCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	logger := loggerFrom(args)
	runner, err := loadgen.NewRunner(loadgen.Config{
		BaseURL:   c.url,
		ImagesDir: c.images,
		Users:     c.users,
		Duration:  c.duration,
		Requests:  c.requests,
		Seed:      c.seed,
	}, nil, logger)
	if err != nil {
		return fail(logger, "Invalid load test", err)
	}

	report, err := runner.Run(ctx)
	if err != nil {
		return fail(logger, "Load test failed", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fail(logger, "Failed to print report", err)
	}
	return subcommands.ExitSuccess
}
