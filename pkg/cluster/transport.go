package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	raftEndpoint     = "/api/internal/raft"
	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
)

// HTTPTransport delivers raft messages to peer nodes over HTTP. One
// transport serves all shards of a node; the shard number is part of the
// URL so the receiver can route the message to the right replica.
type HTTPTransport struct {
	logger *slog.Logger

	peersMu sync.RWMutex
	peers   map[uint64]string

	httpClient *http.Client
}

func NewHTTPTransport(peers map[uint64]string, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	p := make(map[uint64]string, len(peers))
	for id, addr := range peers {
		p[id] = addr
	}
	return &HTTPTransport{
		logger: logger,
		peers:  p,
		httpClient: &http.Client{
			Timeout: transportTimeout,
		},
	}
}

func (t *HTTPTransport) AddPeer(nodeID uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[nodeID] = addr
}

func (t *HTTPTransport) RemovePeer(nodeID uint64) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, nodeID)
}

func (t *HTTPTransport) UpdatePeer(nodeID uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[nodeID] = addr
}

func (t *HTTPTransport) PeerAddr(nodeID uint64) (string, bool) {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	addr, ok := t.peers[nodeID]
	return addr, ok
}

func (t *HTTPTransport) Send(shard int, msg raftpb.Message) error {
	t.peersMu.RLock()
	targetAddr, ok := t.peers[msg.To]
	t.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}

	url := fmt.Sprintf("%s%s/%d", targetAddr, raftEndpoint, shard)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := t.sendHTTP(url, body); err != nil {
			lastErr = err
			t.logger.Warn("failed to send raft message, retrying",
				"attempt", attempt+1,
				"shard", shard,
				"to", msg.To,
				"type", msg.Type.String(),
				"error", err)
			time.Sleep(retryDelay * time.Duration(attempt+1))
			continue
		}
		return nil
	}

	return fmt.Errorf("failed to send after %d retries: %w", maxRetries, lastErr)
}

func (t *HTTPTransport) sendHTTP(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return nil
}
