package placement

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/redcloudfiles/redcloud/internal/metastore"
	"github.com/redcloudfiles/redcloud/internal/model"
)

func TestHealthMonitorMarksStaleNodeFailed(t *testing.T) {
	ctx := context.Background()
	store, err := metastore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.PutStorageNode(ctx, model.StorageNodeRecord{
		ID: "s1", Address: "s1:7200", Status: model.SNActive,
		LastHeartbeat: time.Now().Add(-time.Hour),
	}))

	coord := newTestCoordinator(t, newFakeSNTransport(), store)
	monitor := NewHealthMonitor(HealthMonitorConfig{NodeID: "m1", Store: store, Logger: zerolog.Nop(), HeartbeatTimeout: 30 * time.Second}, coord)

	monitor.checkAll(ctx)

	sn, ok, err := store.GetStorageNode(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.SNFailed, sn.Status)
}

func TestHealthMonitorRecoversNodeOnFreshHeartbeat(t *testing.T) {
	ctx := context.Background()
	store, err := metastore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.PutStorageNode(ctx, model.StorageNodeRecord{
		ID: "s1", Address: "s1:7200", Status: model.SNFailed,
		LastHeartbeat: time.Now(),
	}))

	coord := newTestCoordinator(t, newFakeSNTransport(), store)
	monitor := NewHealthMonitor(HealthMonitorConfig{NodeID: "m1", Store: store, Logger: zerolog.Nop(), HeartbeatTimeout: 30 * time.Second}, coord)

	monitor.checkAll(ctx)

	sn, ok, err := store.GetStorageNode(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.SNActive, sn.Status)
}

func TestHealthMonitorLeavesFreshActiveNodeAlone(t *testing.T) {
	ctx := context.Background()
	store, err := metastore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.PutStorageNode(ctx, model.StorageNodeRecord{
		ID: "s1", Address: "s1:7200", Status: model.SNActive,
		LastHeartbeat: time.Now(),
	}))

	coord := newTestCoordinator(t, newFakeSNTransport(), store)
	monitor := NewHealthMonitor(HealthMonitorConfig{NodeID: "m1", Store: store, Logger: zerolog.Nop(), HeartbeatTimeout: 30 * time.Second}, coord)

	monitor.checkAll(ctx)

	sn, ok, err := store.GetStorageNode(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.SNActive, sn.Status)
}
