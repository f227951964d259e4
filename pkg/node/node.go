// Package node assembles the model store, the inference service and the
// optional replication surfaces of one DermaScan instance.
package node

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/3FT-io/dermascan/pkg/config"
	"github.com/3FT-io/dermascan/pkg/core"
	"github.com/3FT-io/dermascan/pkg/inference"
	"github.com/3FT-io/dermascan/pkg/mirror"
	"github.com/3FT-io/dermascan/pkg/model"
	"github.com/3FT-io/dermascan/pkg/p2p"
	"github.com/3FT-io/dermascan/pkg/training"
)

type Node struct {
	config  *config.Config
	storage *core.Storage
	service *inference.Service
	catalog *core.ClassCatalog
	network *p2p.Network
	mirror  *mirror.S3Mirror
	onnx    *model.ONNX
	logger  *zap.Logger

	retrainer atomic.Pointer[training.Retrainer]
}

func NewNode(cfg *config.Config, storage *core.Storage, service *inference.Service, catalog *core.ClassCatalog, logger *zap.Logger) (*Node, error) {
	n := &Node{
		config:  cfg,
		storage: storage,
		service: service,
		catalog: catalog,
		logger:  logger,
	}

	if cfg.P2P.Enabled {
		network, err := p2p.NewNetwork(cfg.P2P, storage, logger.Named("p2p"))
		if err != nil {
			return nil, err
		}
		network.SetModelHandler(n.Adopt)
		n.network = network
	}

	return n, nil
}

// Start brings up replication. It does not load a model, see LoadModel.
func (n *Node) Start(ctx context.Context) error {
	if n.network != nil {
		if err := n.network.Start(ctx); err != nil {
			return err
		}
	}

	if n.config.Mirror.Enabled {
		m := n.config.Mirror
		mcfg := mirror.Config{
			Endpoint:        m.Endpoint,
			AccessKeyID:     m.AccessKeyID,
			SecretAccessKey: m.SecretAccessKey,
			Bucket:          m.Bucket,
			Region:          m.Region,
			Prefix:          m.Prefix,
			UsePathStyle:    m.UsePathStyle,
		}
		client, err := mirror.NewS3Client(ctx, mcfg)
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		n.mirror = mirror.NewS3Mirror(client, n.storage, mcfg, n.logger.Named("mirror"))
		if err := n.mirror.EnsureBucket(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (n *Node) Stop() error {
	if n.onnx != nil {
		n.onnx.Close()
	}
	if n.network != nil {
		return n.network.Stop()
	}
	return nil
}

// Network is nil unless p2p is enabled.
func (n *Node) Network() *p2p.Network {
	return n.network
}

// Listeners returns the replication targets to notify after a retrain.
func (n *Node) Listeners() []training.Listener {
	var ls []training.Listener
	if n.network != nil {
		ls = append(ls, n.network)
	}
	if n.mirror != nil {
		ls = append(ls, n.mirror)
	}
	return ls
}

// SetRetrainer makes Adopt wait for running retrains so a replicated model
// never races a local publish.
func (n *Node) SetRetrainer(r *training.Retrainer) {
	n.retrainer.Store(r)
}

// LoadModel publishes the startup model: the ONNX graph for the onnx backend,
// otherwise the stored CURRENT model, importing the base artifact on first run.
func (n *Node) LoadModel(ctx context.Context) error {
	if n.config.Model.Backend == config.BackendONNX {
		return n.loadONNX()
	}

	id, err := n.storage.Current()
	if err != nil {
		return err
	}
	if id == "" {
		if id, err = n.importBase(ctx); err != nil {
			return err
		}
	}
	return n.activate(ctx, id, false)
}

func (n *Node) importBase(ctx context.Context) (string, error) {
	path := n.config.Model.BasePath
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("base model: %w", err)
	}
	defer f.Close()

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	meta, err := n.storage.StoreModel(ctx, name, model.FormatClassifier, n.catalog.Version, f)
	if err != nil {
		return "", fmt.Errorf("import base model: %w", err)
	}
	if err := n.storage.SetCurrent(ctx, meta.ID); err != nil {
		return "", err
	}

	n.logger.Info("Base model imported",
		zap.String("path", path),
		zap.String("model_id", meta.ID))
	return meta.ID, nil
}

func (n *Node) loadONNX() error {
	m, err := model.NewONNX(n.config.Model.BasePath, n.config.Model.ONNXMetadata, n.config.Model.ONNXLibrary)
	if err != nil {
		return err
	}
	if got := m.Metadata().Classes; len(got) > 0 && !sameClasses(got, n.catalog.Classes) {
		m.Close()
		return fmt.Errorf("onnx classes %v do not match catalog %v", got, n.catalog.Classes)
	}
	n.onnx = m

	return n.service.Publish(&inference.Snapshot{
		Model:   m,
		Catalog: n.catalog,
		ModelID: "onnx:" + filepath.Base(n.config.Model.BasePath),
	})
}

func sameClasses(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// activate loads a stored model and publishes it. When markCurrent is set the
// CURRENT pointer is moved first.
func (n *Node) activate(ctx context.Context, id string, markCurrent bool) error {
	data, meta, err := n.storage.ReadModel(ctx, id)
	if err != nil {
		return err
	}
	if meta.CatalogVersion != n.catalog.Version {
		return fmt.Errorf("model %s was trained against catalog v%d, serving v%d",
			id, meta.CatalogVersion, n.catalog.Version)
	}

	m, err := model.Load(meta.Format, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("load model %s: %w", id, err)
	}
	if markCurrent {
		if err := n.storage.SetCurrent(ctx, id); err != nil {
			return err
		}
	}

	return n.service.Publish(&inference.Snapshot{
		Model:   m,
		Catalog: n.catalog,
		ModelID: id,
	})
}

// Adopt publishes a model replicated from a peer when it targets the same
// catalog and is newer than the one being served. Nodes serving an ONNX graph
// keep it and only store the replica.
func (n *Node) Adopt(ctx context.Context, meta *core.ModelMetadata) error {
	if n.config.Model.Backend == config.BackendONNX {
		n.logger.Info("Keeping ONNX model, replicated model stored only",
			zap.String("model_id", meta.ID))
		return nil
	}
	if meta.CatalogVersion != n.catalog.Version {
		n.logger.Warn("Ignoring replicated model for another catalog",
			zap.String("model_id", meta.ID),
			zap.Int("catalog_version", meta.CatalogVersion))
		return nil
	}

	r := n.retrainer.Load()
	if r == nil {
		return n.adoptNewer(ctx, meta)
	}
	return r.Exclusive(func() error {
		return n.adoptNewer(ctx, meta)
	})
}

func (n *Node) adoptNewer(ctx context.Context, meta *core.ModelMetadata) error {
	if snap := n.service.Current(); snap != nil {
		if cur, err := n.storage.GetModel(ctx, snap.ModelID); err == nil && !meta.CreatedAt.After(cur.CreatedAt) {
			n.logger.Info("Ignoring replicated model older than the served one",
				zap.String("model_id", meta.ID),
				zap.String("current", snap.ModelID))
			return nil
		}
	}

	return n.activate(ctx, meta.ID, true)
}
