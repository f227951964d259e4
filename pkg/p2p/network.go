package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	lpnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/3FT-io/dermascan/pkg/blocks"
	"github.com/3FT-io/dermascan/pkg/config"
	"github.com/3FT-io/dermascan/pkg/core"
)

const (
	ProtocolID         = "/dermascan/1.0.0"
	BlockProtocolID    = "/dermascan/blocks/1.0.0"
	DiscoveryNamespace = "dermascan-network"
	PubsubTopic        = "dermascan-models"
	ConnectionTimeout  = 10 * time.Second
	FetchTimeout       = 30 * time.Second
)

// ModelHandler is called once a model announced by a peer is fully stored
// locally.
type ModelHandler func(ctx context.Context, meta *core.ModelMetadata) error

// Network replicates published models between service instances. Each
// instance announces new models on a gossipsub topic; receivers pull the
// missing blocks from the announcing peer.
type Network struct {
	cfg          config.P2PConfig
	storage      *core.Storage
	logger       *zap.Logger
	host         host.Host
	dht          *dht.IpfsDHT
	pubsub       *pubsub.PubSub
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
	mdns         mdns.Service
	peers        map[peer.ID]peer.AddrInfo
	handler      ModelHandler
	mu           sync.RWMutex
}

func NewNetwork(cfg config.P2PConfig, storage *core.Storage, logger *zap.Logger) (*Network, error) {
	return &Network{
		cfg:     cfg,
		storage: storage,
		logger:  logger,
		peers:   make(map[peer.ID]peer.AddrInfo),
	}, nil
}

// SetModelHandler registers the callback for replicated models.
func (n *Network) SetModelHandler(h ModelHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

func (n *Network) Start(ctx context.Context) error {
	// Create libp2p host
	h, err := n.createHost()
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	n.host = h
	n.host.SetStreamHandler(protocol.ID(BlockProtocolID), n.handleBlockStream)

	// Initialize DHT
	if err := n.initDHT(ctx); err != nil {
		return fmt.Errorf("failed to initialize DHT: %w", err)
	}

	// Initialize PubSub
	if err := n.initPubSub(ctx); err != nil {
		return fmt.Errorf("failed to initialize PubSub: %w", err)
	}

	if n.cfg.MDNS {
		if err := n.initMDNS(); err != nil {
			return fmt.Errorf("failed to initialize mDNS: %w", err)
		}
	}

	go n.connectToBootstrapPeers(ctx)
	go n.handleMessages(ctx)

	n.logger.Info("P2P network started",
		zap.String("peer_id", n.host.ID().String()),
		zap.Any("addrs", n.host.Addrs()))
	return nil
}

func (n *Network) createHost() (host.Host, error) {
	addr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", n.cfg.ListenAddress, n.cfg.Port))
	if err != nil {
		return nil, err
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrs(addr),
		libp2p.EnableNATService(),
	}

	return libp2p.New(opts...)
}

func (n *Network) initDHT(ctx context.Context) error {
	var err error
	n.dht, err = dht.New(ctx, n.host,
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(protocol.ID(ProtocolID)),
	)
	if err != nil {
		return err
	}

	return n.dht.Bootstrap(ctx)
}

func (n *Network) initPubSub(ctx context.Context) error {
	var err error
	n.pubsub, err = pubsub.NewGossipSub(ctx, n.host)
	if err != nil {
		return err
	}

	n.topic, err = n.pubsub.Join(PubsubTopic)
	if err != nil {
		return err
	}

	n.subscription, err = n.topic.Subscribe()
	return err
}

func (n *Network) initMDNS() error {
	n.mdns = mdns.NewMdnsService(n.host, DiscoveryNamespace, n)
	return n.mdns.Start()
}

// HandlePeerFound implements the mdns.Notifee interface
func (n *Network) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	if err := n.connectToPeer(context.Background(), pi); err != nil {
		n.logger.Debug("Failed to connect to discovered peer",
			zap.String("peer", pi.ID.String()),
			zap.Error(err))
	}
}

func (n *Network) connectToBootstrapPeers(ctx context.Context) {
	for _, addr := range n.cfg.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.logger.Warn("Invalid bootstrap address", zap.String("addr", addr), zap.Error(err))
			continue
		}

		peerInfo, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			n.logger.Warn("Invalid bootstrap peer", zap.String("addr", addr), zap.Error(err))
			continue
		}

		if err := n.connectToPeerWithBackoff(ctx, *peerInfo); err != nil {
			n.logger.Warn("Giving up on bootstrap peer",
				zap.String("peer", peerInfo.ID.String()),
				zap.Error(err))
		}
	}
}

func (n *Network) connectToPeer(ctx context.Context, peerInfo peer.AddrInfo) error {
	ctx, cancel := context.WithTimeout(ctx, ConnectionTimeout)
	defer cancel()

	if err := n.host.Connect(ctx, peerInfo); err != nil {
		return err
	}

	n.mu.Lock()
	n.peers[peerInfo.ID] = peerInfo
	n.mu.Unlock()

	return nil
}

func (n *Network) connectToPeerWithBackoff(ctx context.Context, peerInfo peer.AddrInfo) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute

	return backoff.Retry(func() error {
		return n.connectToPeer(ctx, peerInfo)
	}, backoff.WithContext(bo, ctx))
}

func (n *Network) handleMessages(ctx context.Context) {
	for {
		msg, err := n.subscription.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || err == pubsub.ErrSubscriptionCancelled {
				return
			}
			continue
		}

		// Skip messages from ourselves
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}

		go n.processMessage(ctx, msg)
	}
}

func (n *Network) processMessage(ctx context.Context, msg *pubsub.Message) {
	m, err := DecodeMessage(msg.Data)
	if err != nil {
		n.logger.Warn("Dropping malformed message",
			zap.String("from", msg.ReceivedFrom.String()),
			zap.Error(err))
		return
	}

	switch m.Type {
	case MessageTypeModelAnnouncement:
		var ann ModelAnnouncement
		if err := json.Unmarshal(m.Payload, &ann); err != nil {
			n.logger.Warn("Dropping malformed announcement", zap.Error(err))
			return
		}
		if err := n.replicate(ctx, msg.ReceivedFrom, &ann.Model); err != nil {
			n.logger.Error("Model replication failed",
				zap.String("model_id", ann.Model.ID),
				zap.String("from", msg.ReceivedFrom.String()),
				zap.Error(err))
		}
	default:
		n.logger.Debug("Ignoring message", zap.Int("type", int(m.Type)))
	}
}

// replicate fetches the blocks of an announced model, records it and hands it
// to the model handler.
func (n *Network) replicate(ctx context.Context, from peer.ID, meta *core.ModelMetadata) error {
	if err := core.ValidateMetadata(meta); err != nil {
		return fmt.Errorf("rejected announcement: %w", err)
	}
	if n.storage.HasModel(meta.ID) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	missing := n.storage.Blocks().Missing(ctx, meta.Chunks)
	for _, hash := range missing {
		if err := n.FetchBlock(ctx, from, hash); err != nil {
			return err
		}
	}
	if err := n.storage.ImportModel(ctx, meta); err != nil {
		return err
	}

	n.logger.Info("Model replicated from peer",
		zap.String("model_id", meta.ID),
		zap.String("from", from.String()),
		zap.Int("blocks_fetched", len(missing)))

	n.mu.RLock()
	handler := n.handler
	n.mu.RUnlock()
	if handler != nil {
		return handler(ctx, meta)
	}
	return nil
}

// FetchBlock pulls one block from a peer and stores it after checking its hash.
func (n *Network) FetchBlock(ctx context.Context, peerID peer.ID, hash string) error {
	if !blocks.ValidHash(hash) {
		return fmt.Errorf("%w: %q", blocks.ErrInvalidHash, hash)
	}
	stream, err := n.host.NewStream(ctx, peerID, protocol.ID(BlockProtocolID))
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(blockRequest{Hash: hash}); err != nil {
		return err
	}
	if err := stream.CloseWrite(); err != nil {
		return err
	}

	r := bufio.NewReader(stream)
	line, err := r.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read block header: %w", err)
	}
	var hdr blockHeader
	if err := json.Unmarshal(line, &hdr); err != nil {
		return fmt.Errorf("decode block header: %w", err)
	}
	if hdr.Error != "" {
		return fmt.Errorf("peer %s: %s", peerID, hdr.Error)
	}

	if hdr.Size < 0 || hdr.Size > blocks.ChunkSize {
		return fmt.Errorf("peer %s: block %s has invalid size %d", peerID, hash, hdr.Size)
	}

	data := make([]byte, hdr.Size)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read block %s: %w", hash, err)
	}
	return n.storage.Blocks().Store().PutBlock(ctx, hash, data)
}

func (n *Network) handleBlockStream(s lpnet.Stream) {
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), FetchTimeout)
	defer cancel()

	var req blockRequest
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&req); err != nil {
		s.Reset()
		return
	}

	block, err := n.storage.Blocks().Store().GetBlock(ctx, req.Hash)
	if err != nil {
		writeBlockHeader(s, blockHeader{Error: err.Error()})
		return
	}
	if err := writeBlockHeader(s, blockHeader{Size: block.Size}); err != nil {
		return
	}
	if _, err := s.Write(block.Data); err != nil {
		n.logger.Debug("Failed to send block", zap.String("hash", req.Hash), zap.Error(err))
	}
}

func writeBlockHeader(w io.Writer, hdr blockHeader) error {
	return json.NewEncoder(w).Encode(hdr)
}

// Broadcast publishes raw data on the model topic.
func (n *Network) Broadcast(ctx context.Context, data []byte) error {
	return n.topic.Publish(ctx, data)
}

// ModelPublished announces a locally published model. It implements
// training.Listener.
func (n *Network) ModelPublished(ctx context.Context, meta *core.ModelMetadata) error {
	data, err := EncodeMessage(MessageTypeModelAnnouncement, n.host.ID(), ModelAnnouncement{Model: *meta})
	if err != nil {
		return err
	}
	return n.Broadcast(ctx, data)
}

func (n *Network) GetPeers() []peer.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]peer.ID, 0, len(n.peers))
	for id := range n.peers {
		peers = append(peers, id)
	}
	return peers
}

func (n *Network) Stop() error {
	if n.subscription != nil {
		n.subscription.Cancel()
	}

	if n.topic != nil {
		n.topic.Close()
	}

	if n.mdns != nil {
		n.mdns.Close()
	}

	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			return err
		}
	}

	if n.host != nil {
		return n.host.Close()
	}

	return nil
}

func (n *Network) GetHost() host.Host {
	return n.host
}

// ConnectToPeer exports the peer connection functionality
func (n *Network) ConnectToPeer(ctx context.Context, peerInfo peer.AddrInfo) error {
	return n.connectToPeer(ctx, peerInfo)
}
