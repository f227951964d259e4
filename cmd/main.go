package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/3FT-io/dermascan/pkg/api"
	"github.com/3FT-io/dermascan/pkg/codec"
	"github.com/3FT-io/dermascan/pkg/config"
	"github.com/3FT-io/dermascan/pkg/core"
	"github.com/3FT-io/dermascan/pkg/dataset"
	"github.com/3FT-io/dermascan/pkg/inference"
	"github.com/3FT-io/dermascan/pkg/logger"
	"github.com/3FT-io/dermascan/pkg/node"
	"github.com/3FT-io/dermascan/pkg/training"
	"github.com/3FT-io/dermascan/pkg/upload"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logger.New(cfg.Log.Level)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("DermaScan API stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	catalog, err := loadCatalog(cfg.Data, logger)
	if err != nil {
		return err
	}

	storage, err := core.NewStorage(cfg.Model.StoreDir)
	if err != nil {
		return err
	}

	service := inference.NewService(logger.Named("inference"))
	node, err := node.NewNode(cfg, storage, service, catalog, logger)
	if err != nil {
		return err
	}
	if err := node.LoadModel(ctx); err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}

	imgCodec := codec.New(cfg.Image.Size)
	if shape := service.Current().Model.InputShape(); shape != imgCodec.Shape() {
		return &core.ShapeMismatchError{Want: shape, Got: imgCodec.Shape()}
	}

	loader := dataset.NewLoader(imgCodec, dataset.LoaderConfig{
		BatchSize: cfg.Image.BatchSize,
		Workers:   cfg.Image.Workers,
		Prefetch:  cfg.Image.Prefetch,
	}, logger.Named("dataset"))

	trainDS, err := loader.Load(ctx, cfg.Data.TrainDir, catalog, dataset.Options{Shuffle: true, Seed: cfg.Image.Seed})
	if err != nil {
		return err
	}
	testDS, err := loader.Load(ctx, cfg.Data.TestDir, catalog, dataset.Options{})
	if errors.Is(err, core.ErrNoData) {
		logger.Warn("No test data, retrains will report zero validation accuracy",
			zap.String("dir", cfg.Data.TestDir))
	} else if err != nil {
		return err
	}

	trainer := training.NewTrainer(storage, training.Config{
		Epochs:         cfg.Training.Epochs,
		LearningRate:   cfg.Training.LearningRate,
		ModelName:      cfg.Model.RetrainedName,
		CatalogVersion: catalog.Version,
	}, logger.Named("training"))

	deps := training.RetrainerDeps{
		Loader:  loader,
		Trainer: trainer,
		Service: service,
		Storage: storage,
		Sink:    upload.NewSink(cfg.Data.NewDataDir, logger.Named("upload")),
		Catalog: catalog,
		Base:    trainDS,
		Seed:    cfg.Image.Seed,
	}
	if testDS != nil {
		deps.Val = testDS
	}
	retrainer := training.NewRetrainer(deps, logger.Named("retrain"), node.Listeners()...)
	node.SetRetrainer(retrainer)

	// Initialize API
	api, err := api.NewAPI(api.Deps{
		Service:   service,
		Codec:     imgCodec,
		Sink:      deps.Sink,
		Retrainer: retrainer,
		Storage:   storage,
		Catalog:   catalog,
		Network:   node.Network(),
	}, cfg.Server, logger.Named("api"))
	if err != nil {
		return err
	}

	// Start API server
	errCh := make(chan error, 1)
	go func() {
		if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("API server error", zap.Error(err))
	}

	// Graceful shutdown
	if err := node.Stop(); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return api.Stop(shutdownCtx)
}

// loadCatalog reads the class catalog, building and saving it from the
// training directory on first start so indices stay fixed afterwards.
func loadCatalog(cfg config.DataConfig, logger *zap.Logger) (*core.ClassCatalog, error) {
	catalog, err := core.LoadCatalog(cfg.CatalogPath)
	if err == nil {
		logger.Info("Class catalog loaded",
			zap.String("path", cfg.CatalogPath),
			zap.Int("version", catalog.Version),
			zap.Strings("classes", catalog.Classes))
		return catalog, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	catalog, err = core.ScanCatalog(cfg.TrainDir, 1)
	if err != nil {
		return nil, err
	}
	if err := catalog.Save(cfg.CatalogPath); err != nil {
		return nil, err
	}
	logger.Info("Class catalog built from training data",
		zap.String("path", cfg.CatalogPath),
		zap.Strings("classes", catalog.Classes))
	return catalog, nil
}
