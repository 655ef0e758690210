package webrtc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"pi-frame-capture/camera"
	"pi-frame-capture/config"
)

// FrameSource yields the latest encoded frame of a camera.
type FrameSource interface {
	Snapshot(cameraID string) (camera.Snapshot, error)
}

// Server manages WebRTC viewers of a single camera. Each viewer receives the
// camera's display frame over a DataChannel at the repaint rate.
type Server struct {
	cameraID string
	config   *config.Config
	logger   *zap.Logger
	source   FrameSource

	webrtcConfig webrtc.Configuration
	signaling    *SignalingServer

	peers map[string]*PeerConnection
	mu    sync.RWMutex

	isStreaming       atomic.Bool
	framesDistributed uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new WebRTC server for a camera
func NewServer(cameraID string, cfg *config.Config, source FrameSource, logger *zap.Logger) (*Server, error) {
	if cfg.Display.RepaintFPS <= 0 {
		return nil, fmt.Errorf("invalid repaint rate %d", cfg.Display.RepaintFPS)
	}

	var iceServers []webrtc.ICEServer
	if cfg.WebRTC.STUNServer != "" {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{cfg.WebRTC.STUNServer}})
	}

	server := &Server{
		cameraID:     cameraID,
		config:       cfg,
		logger:       logger.With(zap.String("camera", cameraID)),
		source:       source,
		webrtcConfig: webrtc.Configuration{ICEServers: iceServers},
		peers:        make(map[string]*PeerConnection),
	}

	server.signaling = NewSignalingServer(cfg.Server.AllowedOrigins, 0, cfg.WebRTC.MaxClients, server.logger)
	server.signaling.SetHandlers(
		server.handleConnect,
		server.handleDisconnect,
		server.handleOffer,
		server.handleAnswer,
		server.handleICECandidate,
	)

	return server, nil
}

// ServeHTTP upgrades a viewer's signaling socket.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.signaling.HandleWebSocket(w, r)
}

// newPeer creates and registers the peer of a signaling client
func (s *Server) newPeer(client *SignalingClient) (*PeerConnection, error) {
	clientID := client.GetID()
	var peer *PeerConnection
	peer, err := NewPeerConnection(clientID, s.webrtcConfig, s.config.WebRTC.ChunkSize,
		func() { s.dropPeer(clientID, peer) }, s.logger)
	if err != nil {
		return nil, err
	}

	peer.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if err := client.SendICECandidate(candidate); err != nil {
			s.logger.Debug("Failed to send ICE candidate", zap.String("client_id", clientID), zap.Error(err))
		}
	})

	s.mu.Lock()
	if old, ok := s.peers[clientID]; ok {
		old.Close()
	}
	s.peers[clientID] = peer
	s.mu.Unlock()
	return peer, nil
}

// handleConnect offers a frames channel to a new viewer
func (s *Server) handleConnect(client *SignalingClient) error {
	peer, err := s.newPeer(client)
	if err != nil {
		return err
	}

	offer, err := peer.CreateOffer()
	if err != nil {
		s.removePeer(client.GetID())
		return err
	}
	if err := client.SendOffer(*offer); err != nil {
		s.removePeer(client.GetID())
		return fmt.Errorf("failed to send offer: %w", err)
	}

	s.logger.Info("Offer sent to viewer", zap.String("client_id", client.GetID()))
	return nil
}

func (s *Server) handleDisconnect(client *SignalingClient) {
	s.removePeer(client.GetID())
}

// handleOffer answers a viewer that negotiates itself. The offer must carry
// a data section for the frames channel to open.
func (s *Server) handleOffer(client *SignalingClient, offer webrtc.SessionDescription) error {
	peer, err := s.newPeer(client)
	if err != nil {
		return err
	}

	if err := peer.SetRemoteDescription(offer); err != nil {
		s.removePeer(client.GetID())
		return err
	}
	answer, err := peer.CreateAnswer()
	if err != nil {
		s.removePeer(client.GetID())
		return err
	}
	if err := client.SendAnswer(*answer); err != nil {
		s.removePeer(client.GetID())
		return fmt.Errorf("failed to send answer: %w", err)
	}
	return nil
}

// handleAnswer completes a server-initiated negotiation
func (s *Server) handleAnswer(client *SignalingClient, answer webrtc.SessionDescription) error {
	peer, err := s.getPeer(client.GetID())
	if err != nil {
		return err
	}
	return peer.SetRemoteDescription(answer)
}

// handleICECandidate handles incoming ICE candidates
func (s *Server) handleICECandidate(client *SignalingClient, candidate webrtc.ICECandidateInit) error {
	peer, err := s.getPeer(client.GetID())
	if err != nil {
		return err
	}
	return peer.AddICECandidate(candidate)
}

func (s *Server) getPeer(clientID string) (*PeerConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peer, exists := s.peers[clientID]
	if !exists {
		return nil, fmt.Errorf("no peer connection found for client %s", clientID)
	}
	return peer, nil
}

// Start begins distributing frames to viewers
func (s *Server) Start(ctx context.Context) error {
	if s.isStreaming.Load() {
		return fmt.Errorf("server already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.isStreaming.Store(true)

	s.wg.Add(1)
	go s.streamFramesToPeers(ctx)

	s.logger.Info("WebRTC server started",
		zap.Int("repaint_fps", s.config.Display.RepaintFPS),
		zap.Int("max_clients", s.config.WebRTC.MaxClients))
	return nil
}

// streamFramesToPeers pulls the display frame every repaint tick and sends
// each new frame to the open peers
func (s *Server) streamFramesToPeers(ctx context.Context) {
	defer s.wg.Done()
	defer s.isStreaming.Store(false)

	ticker := time.NewTicker(time.Second / time.Duration(s.config.Display.RepaintFPS))
	defer ticker.Stop()

	var (
		last   uint32
		pulled bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.GetPeerCount() == 0 {
			continue
		}
		snap, err := s.source.Snapshot(s.cameraID)
		if err != nil {
			continue
		}
		if pulled && snap.Sequence == last {
			continue
		}
		pulled, last = true, snap.Sequence

		s.distributeFrame(snap)
	}
}

// distributeFrame sends a frame to every open peer
func (s *Server) distributeFrame(snap camera.Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, peer := range s.peers {
		if !peer.IsOpen() {
			continue
		}
		if err := peer.SendFrame(snap.JPEG, snap.Sequence, snap.Width, snap.Height); err != nil {
			s.logger.Debug("Failed to send frame to peer",
				zap.String("peer_id", peer.GetID()),
				zap.Error(err))
		}
	}
	atomic.AddUint64(&s.framesDistributed, 1)
}

// removePeer removes and closes a peer connection
func (s *Server) removePeer(clientID string) {
	s.mu.Lock()
	peer, exists := s.peers[clientID]
	delete(s.peers, clientID)
	s.mu.Unlock()

	if exists {
		peer.Close()
		s.logger.Info("Peer removed", zap.String("client_id", clientID))
	}
}

// dropPeer removes a peer that closed itself, unless a newer negotiation
// already replaced it
func (s *Server) dropPeer(clientID string, peer *PeerConnection) {
	s.mu.Lock()
	if s.peers[clientID] == peer {
		delete(s.peers, clientID)
	}
	s.mu.Unlock()
	peer.Close()
}

// Stop disconnects every viewer and stops the frame loop
func (s *Server) Stop() error {
	s.logger.Info("Stopping WebRTC server")

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.signaling.Close()

	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*PeerConnection)
	s.mu.Unlock()
	for _, peer := range peers {
		peer.Close()
	}

	s.logger.Info("WebRTC server stopped")
	return nil
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peerStats := make(map[string]interface{})
	for id, peer := range s.peers {
		peerStats[id] = peer.GetStats()
	}

	return map[string]interface{}{
		"camera_id":          s.cameraID,
		"is_streaming":       s.isStreaming.Load(),
		"peer_count":         len(s.peers),
		"client_count":       s.signaling.GetClientCount(),
		"frames_distributed": atomic.LoadUint64(&s.framesDistributed),
		"peers":              peerStats,
	}
}

// GetPeerCount returns the number of connected peers
func (s *Server) GetPeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// IsStreaming returns whether the frame loop is running
func (s *Server) IsStreaming() bool {
	return s.isStreaming.Load()
}
