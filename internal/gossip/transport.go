package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Transport sends the node-to-node control messages of §6 to a peer at a
// given address. HTTPTransport is the concrete implementation; tests
// substitute an in-process fake.
type Transport interface {
	ListPeers(ctx context.Context, address string) (ListPeersResponse, error)
	RegisterPeer(ctx context.Context, address string, req RegisterPeerRequest) (RegisterPeerResponse, error)
	SendGossip(ctx context.Context, address string, req GossipReceiveRequest) (GossipReceiveResponse, error)
	StateSummary(ctx context.Context, address string) (StateSummaryResponse, error)
	FetchEntities(ctx context.Context, address string, req FetchEntitiesRequest) (FetchEntitiesResponse, error)
}

// HTTPTransport implements Transport over plain HTTP+JSON, matching the
// net/http.ServeMux control-plane idiom used throughout the pack (no
// example repo, including the teacher, uses grpc for its control plane).
type HTTPTransport struct {
	client *http.Client
	nodeID string
}

// NewHTTPTransport builds an HTTPTransport whose requests identify
// themselves as nodeID and use client for all outbound calls (deadlines
// are the caller's responsibility via ctx, per §5).
func NewHTTPTransport(nodeID string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{client: client, nodeID: nodeID}
}

func (t *HTTPTransport) doJSON(ctx context.Context, address, path string, body interface{}, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("gossip transport: encode request: %w", err)
		}
	}
	url := "http://" + address + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("gossip transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Redcloud-Node-Id", t.nodeID)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("gossip transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("gossip transport: peer responded %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (t *HTTPTransport) ListPeers(ctx context.Context, address string) (ListPeersResponse, error) {
	var out ListPeersResponse
	err := t.doJSON(ctx, address, "/v1/control/list-peers", nil, &out)
	return out, err
}

func (t *HTTPTransport) RegisterPeer(ctx context.Context, address string, req RegisterPeerRequest) (RegisterPeerResponse, error) {
	var out RegisterPeerResponse
	err := t.doJSON(ctx, address, "/v1/control/register-peer", req, &out)
	return out, err
}

func (t *HTTPTransport) SendGossip(ctx context.Context, address string, req GossipReceiveRequest) (GossipReceiveResponse, error) {
	var out GossipReceiveResponse
	err := t.doJSON(ctx, address, "/v1/control/gossip-receive", req, &out)
	return out, err
}

func (t *HTTPTransport) StateSummary(ctx context.Context, address string) (StateSummaryResponse, error) {
	var out StateSummaryResponse
	err := t.doJSON(ctx, address, "/v1/control/state-summary", nil, &out)
	return out, err
}

func (t *HTTPTransport) FetchEntities(ctx context.Context, address string, req FetchEntitiesRequest) (FetchEntitiesResponse, error) {
	var out FetchEntitiesResponse
	err := t.doJSON(ctx, address, "/v1/control/fetch-entities", req, &out)
	return out, err
}

var _ Transport = (*HTTPTransport)(nil)
