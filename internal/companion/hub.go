package companion

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ghostcoach/ghostcoach/internal/calendar"
	"github.com/ghostcoach/ghostcoach/internal/core"
	"github.com/ghostcoach/ghostcoach/internal/identity"
	"github.com/ghostcoach/ghostcoach/internal/logging"
	"github.com/ghostcoach/ghostcoach/internal/phenome"
	"github.com/ghostcoach/ghostcoach/internal/trust"
)

const mergeTimeout = 10 * time.Second

// HubConfig configures the primary-side sync hub
type HubConfig struct {
	DeviceID string // Primary's device id
	Keys     *identity.KeyBundle
	Pairs    *PairStore
	Phenome  *phenome.Store
	Blocks   *calendar.BlockStore
	Trust    *trust.Store

	StateLimit int           // Blocks per state push
	TicketTTL  time.Duration // Pairing ticket lifetime
}

// Peer is a connected companion
type Peer struct {
	DeviceID    string
	Name        string
	Session     *Session
	ConnectedAt time.Time
	LastSeen    time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *Peer) writeJSON(v interface{}) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(v)
}

// Hub accepts companion connections, runs the pairing handshake, and
// keeps connected peers fed with authoritative state.
type Hub struct {
	cfg HubConfig

	peers   map[string]*Peer
	tickets map[string]time.Time

	upgrader websocket.Upgrader
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	now    func() time.Time
}

// NewHub creates a hub. Keys must be the unlocked device bundle.
func NewHub(cfg HubConfig) *Hub {
	if cfg.StateLimit <= 0 {
		cfg.StateLimit = 14
	}
	if cfg.TicketTTL <= 0 {
		cfg.TicketTTL = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:     cfg,
		peers:   make(map[string]*Peer),
		tickets: make(map[string]time.Time),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests
func (h *Hub) SetClock(now func() time.Time) {
	h.now = now
}

// Handler returns the hub's HTTP handler
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/identity", h.handleIdentity)
	mux.HandleFunc("/health", h.handleHealth)
	return mux
}

// Start serves the hub on addr
func (h *Hub) Start(addr string) error {
	h.server = &http.Server{
		Addr:    addr,
		Handler: h.Handler(),
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.server.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("companion hub server error: %v", err)
		}
	}()

	logging.WithField("addr", addr).Info("companion hub listening")
	return nil
}

// Stop shuts the hub down and closes all peer connections
func (h *Hub) Stop() error {
	h.cancel()

	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.server.Shutdown(ctx)
	}

	h.mu.Lock()
	for _, peer := range h.peers {
		peer.conn.Close()
	}
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

// IssueTicket mints a one-time pairing code
func (h *Hub) IssueTicket() (string, time.Time, error) {
	code, err := newTicketCode()
	if err != nil {
		return "", time.Time{}, err
	}

	expires := h.now().Add(h.cfg.TicketTTL)
	h.mu.Lock()
	h.tickets[code] = expires
	h.mu.Unlock()

	return code, expires, nil
}

// consumeTicket validates and burns a pairing code
func (h *Hub) consumeTicket(code string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	expires, ok := h.tickets[code]
	if !ok {
		return false
	}
	delete(h.tickets, code)
	return h.now().Before(expires)
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.handleConnection(conn)
	}()
}

func (h *Hub) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(h.now().Add(30 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		return
	}

	var hs Handshake
	if err := json.Unmarshal(message, &hs); err != nil {
		return
	}
	if hs.Type != frameHandshake || hs.DeviceID == "" {
		return
	}

	peer, err := h.admit(&hs)
	if err != nil {
		logging.WithField("device", hs.DeviceID).Warn("companion refused: %v", err)
		conn.WriteJSON(HandshakeAck{Type: frameHandshakeAck, Error: err.Error()})
		return
	}
	peer.conn = conn

	if err := peer.writeJSON(HandshakeAck{Type: frameHandshakeAck, DeviceID: h.cfg.DeviceID}); err != nil {
		return
	}

	// Replace any stale connection for the same device
	h.mu.Lock()
	if old, ok := h.peers[peer.DeviceID]; ok {
		old.conn.Close()
	}
	h.peers[peer.DeviceID] = peer
	h.mu.Unlock()

	logging.WithField("device", peer.DeviceID).Info("companion connected")

	conn.SetReadDeadline(time.Time{})
	for {
		select {
		case <-h.ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		h.handleFrame(peer, message)
	}

	h.mu.Lock()
	if h.peers[peer.DeviceID] == peer {
		delete(h.peers, peer.DeviceID)
	}
	h.mu.Unlock()

	logging.WithField("device", peer.DeviceID).Info("companion disconnected")
}

// admit validates a handshake and establishes the session. First
// contact burns a ticket and records the pairing; later connections
// must present a known device id.
func (h *Hub) admit(hs *Handshake) (*Peer, error) {
	ctx, cancel := context.WithTimeout(h.ctx, mergeTimeout)
	defer cancel()

	if hs.Ticket != "" {
		if !h.consumeTicket(hs.Ticket) {
			return nil, fmt.Errorf("invalid or expired ticket")
		}
		err := h.cfg.Pairs.Save(ctx, PairedDevice{
			ID:       hs.DeviceID,
			Name:     hs.Name,
			PairedAt: h.now().UTC(),
		})
		if err != nil {
			return nil, err
		}
	} else {
		dev, err := h.cfg.Pairs.Get(ctx, hs.DeviceID)
		if err != nil {
			return nil, err
		}
		if dev == nil {
			return nil, core.ErrPeerNotPaired
		}
	}

	secret, err := h.cfg.Keys.Decapsulate(hs.KEMCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrHandshakeFailed, err)
	}

	session, err := NewSession(identity.DeriveSessionKey(secret))
	if err != nil {
		return nil, err
	}

	ts := h.now()
	return &Peer{
		DeviceID:    hs.DeviceID,
		Name:        hs.Name,
		Session:     session,
		ConnectedAt: ts,
		LastSeen:    ts,
	}, nil
}

func (h *Hub) handleFrame(peer *Peer, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	peer.LastSeen = h.now()

	switch env.Type {
	case frameSnapshot:
		h.handleSnapshot(peer, &env)
	}
}

// handleSnapshot merges a companion report and answers with the
// authoritative state. Only workout completions are taken; they
// overwrite local records with the same id.
func (h *Hub) handleSnapshot(peer *Peer, env *Envelope) {
	var snap Snapshot
	if err := openEnvelope(peer.Session, env, &snap); err != nil {
		logging.WithField("device", peer.DeviceID).Warn("snapshot decrypt failed: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, mergeTimeout)
	defer cancel()

	accepted := make([]core.HealthSignal, 0, len(snap.Completions))
	for _, sig := range snap.Completions {
		if sig.Kind != core.SignalWorkout || sig.Timestamp.IsZero() {
			continue
		}
		if sig.Source == "" {
			sig.Source = "companion"
		}
		accepted = append(accepted, sig)
	}

	if len(accepted) > 0 {
		if err := h.cfg.Phenome.ReplaceSignals(ctx, accepted); err != nil {
			logging.Error("failed to store companion completions: %v", err)
		} else {
			logging.WithFields(map[string]interface{}{
				"device":      peer.DeviceID,
				"completions": len(accepted),
			}).Info("companion snapshot merged")
		}
	}

	if err := h.sendState(ctx, peer); err != nil {
		logging.WithField("device", peer.DeviceID).Warn("state push failed: %v", err)
	}
}

func (h *Hub) buildState(ctx context.Context) (*State, error) {
	blocks, err := h.cfg.Blocks.Upcoming(ctx, h.now(), h.cfg.StateLimit)
	if err != nil {
		return nil, err
	}

	st, err := h.cfg.Trust.State()
	if err != nil {
		return nil, err
	}

	return &State{
		SentAt: h.now(),
		Blocks: blocks,
		Trust:  TrustInfo{Score: st.Score, Phase: string(st.Phase)},
	}, nil
}

func (h *Hub) sendState(ctx context.Context, peer *Peer) error {
	state, err := h.buildState(ctx)
	if err != nil {
		return err
	}

	env, err := sealEnvelope(peer.Session, frameState, state)
	if err != nil {
		return err
	}
	return peer.writeJSON(env)
}

// PushState sends the current state to every connected companion.
// Cycles call this after they change blocks or trust.
func (h *Hub) PushState(ctx context.Context) error {
	h.mu.RLock()
	peers := make([]*Peer, 0, len(h.peers))
	for _, peer := range h.peers {
		peers = append(peers, peer)
	}
	h.mu.RUnlock()

	var lastErr error
	for _, peer := range peers {
		if err := h.sendState(ctx, peer); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// PeerInfo summarizes a connected companion
type PeerInfo struct {
	DeviceID    string    `json:"device_id"`
	Name        string    `json:"name"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Peers returns the connected companions
func (h *Hub) Peers() []PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	info := make([]PeerInfo, 0, len(h.peers))
	for _, peer := range h.peers {
		info = append(info, PeerInfo{
			DeviceID:    peer.DeviceID,
			Name:        peer.Name,
			ConnectedAt: peer.ConnectedAt,
			LastSeen:    peer.LastSeen,
		})
	}
	return info
}

// handleIdentity serves the primary's public keys so a companion can
// encapsulate before connecting
func (h *Hub) handleIdentity(w http.ResponseWriter, r *http.Request) {
	mlkemPub, _ := h.cfg.Keys.MLKEMPublic.MarshalBinary()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"device_id": h.cfg.DeviceID,
		"public_keys": map[string]string{
			"ed25519": base64.StdEncoding.EncodeToString(h.cfg.Keys.Ed25519Public),
			"mlkem":   base64.StdEncoding.EncodeToString(mlkemPub),
		},
	})
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	peerCount := len(h.peers)
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "ok",
		"device_id":  h.cfg.DeviceID,
		"peer_count": peerCount,
		"timestamp":  h.now(),
	})
}

// ticket codes skip lookalike characters
const ticketAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func newTicketCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate ticket: %w", err)
	}
	for i, b := range buf {
		buf[i] = ticketAlphabet[int(b)%len(ticketAlphabet)]
	}
	return string(buf), nil
}
