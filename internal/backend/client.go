// Package backend talks to the remote coaching service. Nothing here
// calls the network directly on the hot path: writes become queued
// operations and only the flush sender ever opens a connection, so a
// dead link costs a cycle nothing but an enqueue.
package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ghostcoach/ghostcoach/internal/core"
	"github.com/ghostcoach/ghostcoach/internal/opqueue"
)

// SchemaVersion tags every payload so the backend can migrate old
// reports forward.
const SchemaVersion = 1

const (
	probeTimeout = 3 * time.Second
	sendTimeout  = 10 * time.Second
)

// Endpoints, relative to the base URL.
const (
	EndpointState    = "/v1/state"
	EndpointReceipts = "/v1/receipts"
)

// Config for the backend client.
type Config struct {
	URL   string // Empty disables the backend entirely
	Token string
}

// Client builds queued operations and provides the sender and the
// connectivity probe the queue flushes through.
type Client struct {
	baseURL  string
	token    string
	queue    *opqueue.Queue
	http     *http.Client
	deviceID string
	signer   func([]byte) []byte
}

// New creates a client over the given queue.
func New(cfg Config, queue *opqueue.Queue) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		queue:   queue,
		http:    &http.Client{Timeout: sendTimeout},
	}
}

// SetSigner attaches the device identity so receipt exports carry a
// verifiable signature. Unsigned reports remain valid.
func (c *Client) SetSigner(deviceID string, sign func([]byte) []byte) {
	c.deviceID = deviceID
	c.signer = sign
}

// Enabled reports whether a backend is configured at all.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// Online probes the backend with a cheap HEAD request. The queue uses
// this to skip flushes that cannot possibly succeed.
func (c *Client) Online(ctx context.Context) bool {
	if !c.Enabled() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/v1/ping", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Sender returns the opqueue sender that actually performs HTTP.
func (c *Client) Sender() opqueue.Sender {
	return opqueue.SenderFunc(func(ctx context.Context, op opqueue.Op) error {
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, op.Method, c.baseURL+op.Endpoint, strings.NewReader(op.Body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("backend %s %s: status %d", op.Method, op.Endpoint, resp.StatusCode)
		}
		return nil
	})
}

// Flush drains the queue through this client's sender.
func (c *Client) Flush(ctx context.Context) (opqueue.FlushResult, error) {
	return c.queue.Flush(ctx, c.Sender())
}

// StateReport is the daily state snapshot shipped to the backend.
type StateReport struct {
	V    int    `json:"v"`
	Date string `json:"date"`

	TrustScore float64 `json:"trust_score"`
	TrustPhase string  `json:"trust_phase"`

	RecoveryScore float64 `json:"recovery_score,omitempty"`
	HasRecovery   bool    `json:"has_recovery"`

	BlocksScheduled int `json:"blocks_scheduled"`
	BlocksCompleted int `json:"blocks_completed"`
	BlocksMissed    int `json:"blocks_missed"`
}

// SyncState queues a state snapshot. Returns immediately; delivery
// happens on the next successful flush.
func (c *Client) SyncState(ctx context.Context, report StateReport) error {
	if !c.Enabled() {
		return nil
	}
	report.V = SchemaVersion
	return c.enqueue(ctx, EndpointState, report)
}

// receiptReport wraps receipts for shipment. Signature covers the
// marshaled receipts array so the backend can verify the export came
// from the paired device.
type receiptReport struct {
	V         int             `json:"v"`
	Receipts  []*core.Receipt `json:"receipts"`
	DeviceID  string          `json:"device_id,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// ReportReceipts queues a batch of decision receipts for upload,
// signed when a device identity is attached.
func (c *Client) ReportReceipts(ctx context.Context, recs []*core.Receipt) error {
	if !c.Enabled() || len(recs) == 0 {
		return nil
	}
	report := receiptReport{V: SchemaVersion, Receipts: recs}
	if c.signer != nil {
		payload, err := json.Marshal(recs)
		if err != nil {
			return fmt.Errorf("marshal receipts for signing: %w", err)
		}
		report.DeviceID = c.deviceID
		report.Signature = base64.StdEncoding.EncodeToString(c.signer(payload))
	}
	return c.enqueue(ctx, EndpointReceipts, report)
}

func (c *Client) enqueue(ctx context.Context, endpoint string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", endpoint, err)
	}
	_, err = c.queue.Enqueue(ctx, opqueue.Op{
		Endpoint: endpoint,
		Method:   http.MethodPost,
		Body:     string(body),
	})
	return err
}
