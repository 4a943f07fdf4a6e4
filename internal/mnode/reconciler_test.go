package mnode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redcloudfiles/redcloud/internal/gossip"
	"github.com/redcloudfiles/redcloud/internal/model"
	"github.com/redcloudfiles/redcloud/internal/testutil"
)

func TestReconcileRoundPullsGossipOnlyPeerIntoRegistry(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	registry := gossip.NewRegistry(time.Hour)

	// mn-2 was learned purely through gossip propagation (e.g. anti-entropy
	// fetched its record from a third peer) — it was never registered or
	// listed directly, so the registry has no entry for it yet.
	record := model.MetadataNodeRecord{ID: "mn-2", Address: "10.0.0.2:7100", LastSeen: time.Now()}
	record.Envelope = record.Envelope.Touch("mn-3", time.Now())
	require.NoError(t, store.PutMetadataNode(ctx, record))

	r := NewReconciler(ReconcilerConfig{NodeID: "mn-1", Store: store, Registry: registry, Logger: testutil.NopLogger()})
	r.reconcileRound(ctx)

	peers := registry.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, "mn-2", peers[0].ID)
	require.Equal(t, "10.0.0.2:7100", peers[0].Address)
}

func TestReconcileRoundPersistsRegistryOnlyPeerToStore(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	registry := gossip.NewRegistry(time.Hour)

	// mn-2 was upserted into the registry by a direct list-peers/register-
	// peer contact but, in a drift scenario, was never persisted.
	registry.Upsert("mn-2", "10.0.0.2:7100", time.Now())

	r := NewReconciler(ReconcilerConfig{NodeID: "mn-1", Store: store, Registry: registry, Logger: testutil.NopLogger()})
	r.reconcileRound(ctx)

	rec, found, err := store.GetMetadataNode(ctx, "mn-2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "10.0.0.2:7100", rec.Address)
}

func TestReconcileRoundEvictsStalePeers(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	registry := gossip.NewRegistry(time.Millisecond)

	registry.Upsert("mn-2", "10.0.0.2:7100", time.Now().Add(-time.Hour))

	r := NewReconciler(ReconcilerConfig{NodeID: "mn-1", Store: store, Registry: registry, Logger: testutil.NopLogger()})
	r.reconcileRound(ctx)

	require.Empty(t, registry.Peers())
}

func TestReconcileRoundIgnoresSelf(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	registry := gossip.NewRegistry(time.Hour)

	record := model.MetadataNodeRecord{ID: "mn-1", Address: "10.0.0.1:7100", LastSeen: time.Now()}
	record.Envelope = record.Envelope.Touch("mn-1", time.Now())
	require.NoError(t, store.PutMetadataNode(ctx, record))

	r := NewReconciler(ReconcilerConfig{NodeID: "mn-1", Store: store, Registry: registry, Logger: testutil.NopLogger()})
	require.NotPanics(t, func() { r.reconcileRound(ctx) })

	require.Empty(t, registry.Peers(), "a node must never register itself as a peer")
}
