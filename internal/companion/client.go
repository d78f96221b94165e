package companion

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/gorilla/websocket"

	"github.com/ghostcoach/ghostcoach/internal/core"
	"github.com/ghostcoach/ghostcoach/internal/identity"
)

// Client is the companion-side channel. The watch app drives one of
// these against the primary's hub.
type Client struct {
	endpoint string
	deviceID string
	name     string

	conn      *websocket.Conn
	session   *Session
	primaryID string
	writeMu   sync.Mutex
}

// NewClient creates a client for the hub at endpoint (http://host:port)
func NewClient(endpoint, deviceID, name string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		deviceID: deviceID,
		name:     name,
	}
}

// Connect fetches the primary's public keys, encapsulates a fresh
// session secret, and completes the handshake. Pass a ticket on first
// contact; reconnects of a paired device leave it empty.
func (c *Client) Connect(ctx context.Context, ticket string) error {
	mlkemPub, err := c.fetchPrimaryKey(ctx)
	if err != nil {
		return err
	}

	ciphertext, secret, err := identity.Encapsulate(mlkemPub)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrHandshakeFailed, err)
	}

	wsURL := "ws" + strings.TrimPrefix(c.endpoint, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect websocket: %w", err)
	}

	hs := Handshake{
		Type:          frameHandshake,
		Ticket:        ticket,
		DeviceID:      c.deviceID,
		Name:          c.name,
		KEMCiphertext: ciphertext,
	}
	if err := conn.WriteJSON(hs); err != nil {
		conn.Close()
		return fmt.Errorf("send handshake: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read handshake ack: %w", err)
	}

	var ack HandshakeAck
	if err := json.Unmarshal(message, &ack); err != nil {
		conn.Close()
		return fmt.Errorf("decode handshake ack: %w", err)
	}
	if ack.Error != "" {
		conn.Close()
		return fmt.Errorf("%w: %s", core.ErrHandshakeFailed, ack.Error)
	}

	session, err := NewSession(identity.DeriveSessionKey(secret))
	if err != nil {
		conn.Close()
		return err
	}

	conn.SetReadDeadline(time.Time{})
	c.conn = conn
	c.session = session
	c.primaryID = ack.DeviceID
	return nil
}

// fetchPrimaryKey pulls the primary's ML-KEM public key off the hub
func (c *Client) fetchPrimaryKey(ctx context.Context) (*mlkem768.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/identity", nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch primary identity: %w", err)
	}
	defer resp.Body.Close()

	var ident struct {
		DeviceID   string            `json:"device_id"`
		PublicKeys map[string]string `json:"public_keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ident); err != nil {
		return nil, fmt.Errorf("decode primary identity: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(ident.PublicKeys["mlkem"])
	if err != nil {
		return nil, fmt.Errorf("decode primary key: %w", err)
	}

	pub := new(mlkem768.PublicKey)
	if err := pub.Unpack(raw); err != nil {
		return nil, fmt.Errorf("unpack primary key: %w", err)
	}
	return pub, nil
}

// PrimaryID returns the primary device id learned during the handshake
func (c *Client) PrimaryID() string {
	return c.primaryID
}

// Connected reports whether a session is up
func (c *Client) Connected() bool {
	return c.conn != nil && c.session != nil
}

// SendSnapshot reports completions upward
func (c *Client) SendSnapshot(snap *Snapshot) error {
	if !c.Connected() {
		return core.ErrPeerNotPaired
	}

	if snap.DeviceID == "" {
		snap.DeviceID = c.deviceID
	}
	if snap.SentAt.IsZero() {
		snap.SentAt = time.Now().UTC()
	}

	env, err := sealEnvelope(c.session, frameSnapshot, snap)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// ReadState blocks for the next state push from the primary
func (c *Client) ReadState(timeout time.Duration) (*State, error) {
	if !c.Connected() {
		return nil, core.ErrPeerNotPaired
	}

	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read state: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		if env.Type != frameState {
			continue
		}

		var state State
		if err := openEnvelope(c.session, &env, &state); err != nil {
			return nil, err
		}
		return &state, nil
	}
}

// Close tears the connection down
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.session = nil
	return err
}
