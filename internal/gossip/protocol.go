// Package gossip implements the metadata replication engine: the push
// gossip loop, the pull anti-entropy loop, the shared receive-side apply
// path, and the peer registry that both loops and the discovery bootstrap
// share (§4.3, §4.4).
package gossip

import (
	"encoding/json"
	"fmt"

	"github.com/redcloudfiles/redcloud/internal/model"
)

// MessageType names one of the node-to-node control messages of §6.
type MessageType string

const (
	MsgListPeers       MessageType = "list_peers"
	MsgRegisterPeer    MessageType = "register_peer"
	MsgGossipReceive   MessageType = "gossip_receive"
	MsgStateSummary    MessageType = "state_summary"
	MsgFetchEntities   MessageType = "fetch_entities"
)

// Envelope wraps every node-to-node control message with a sender id and a
// typed payload, matching the teacher's Message/payload-type separation.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SenderID  string          `json:"sender_id"`
	Payload   json.RawMessage `json:"payload"`
}

// PeerInfo is a peer registry entry as carried on the wire.
type PeerInfo struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// ListPeersResponse answers a list-peers request (§6).
type ListPeersResponse struct {
	Self  PeerInfo   `json:"self"`
	Peers []PeerInfo `json:"peers"`
}

// RegisterPeerRequest announces a peer's own identity to another peer (§6,
// §4.4 bootstrap self-registration).
type RegisterPeerRequest struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// RegisterPeerResponse acknowledges a registration.
type RegisterPeerResponse struct {
	OK bool `json:"ok"`
}

// GossipEntryWire is one gossip-log entry as sent over the wire (§6
// gossip-receive payload shape).
type GossipEntryWire struct {
	Sequence        uint64            `json:"sequence"`
	Kind            model.EntityKind  `json:"kind"`
	EntityID        string            `json:"entity_id"`
	Op              model.OpKind      `json:"op"`
	Payload         json.RawMessage   `json:"payload"`
	OriginatorClock map[string]uint64 `json:"vector_clock"`
	EmittedAtUnix   int64             `json:"stamp"`
}

// GossipReceiveRequest is the push-gossip wire message (§6).
type GossipReceiveRequest struct {
	SenderID string            `json:"sender_id"`
	Entries  []GossipEntryWire `json:"entries"`
}

// GossipReceiveResponse acknowledges receipt of a gossip push.
type GossipReceiveResponse struct {
	OK bool `json:"ok"`
}

// StateSummaryResponse answers a state-summary request: one digest per
// entity kind (§6). Each digest maps entity id to its vector clock.
type StateSummaryResponse struct {
	Digests map[model.EntityKind]map[string]map[string]uint64 `json:"digests"`
}

// FetchEntitiesRequest asks a peer for full payloads of specific entities
// of one kind (§6 fetch-entities), used to pull the to-pull delta computed
// during anti-entropy.
type FetchEntitiesRequest struct {
	Kind model.EntityKind `json:"kind"`
	IDs  []string         `json:"ids"`
}

// FetchEntitiesResponse returns full JSON snapshots keyed by entity id.
type FetchEntitiesResponse struct {
	Payloads map[string]json.RawMessage `json:"payloads"`
}

// Marshal wraps payload into a typed Envelope and serializes it.
func Marshal(t MessageType, senderID string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gossip: marshal payload: %w", err)
	}
	env := Envelope{Type: t, SenderID: senderID, Payload: raw}
	return json.Marshal(env)
}

// Unmarshal parses an Envelope from the wire.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("gossip: unmarshal envelope: %w", err)
	}
	return env, nil
}
