package snode

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redcloudfiles/redcloud/internal/chunkstore"
	"github.com/redcloudfiles/redcloud/internal/discovery"
	"github.com/redcloudfiles/redcloud/internal/testutil"
)

func newHeartbeatSender(t *testing.T, store *chunkstore.Store) *HeartbeatSender {
	t.Helper()
	resolver := discovery.New("", 0)
	return NewHeartbeatSender(HeartbeatSenderConfig{
		NodeID:           "sn-1",
		AdvertiseAddress: "127.0.0.1:9000",
		CapacityBytes:    1024,
	}, resolver, store, testutil.NopLogger())
}

func TestUsedBytesSumsStoredChunkSizes(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	store, err := chunkstore.New(dir)
	require.NoError(t, err)

	_, err = store.Write(context.Background(), "c1", checksumOf([]byte("hello")), bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	_, err = store.Write(context.Background(), "c2", checksumOf([]byte("world!")), bytes.NewReader([]byte("world!")))
	require.NoError(t, err)

	h := newHeartbeatSender(t, store)
	h.ctx = context.Background()
	require.EqualValues(t, len("hello")+len("world!"), h.usedBytes())
}

func TestSendReportsSuccessOnly200(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	store, err := chunkstore.New(dir)
	require.NoError(t, err)
	h := newHeartbeatSender(t, store)

	var received heartbeatRequest
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	payload, err := json.Marshal(heartbeatRequest{NodeID: "sn-1", Address: "127.0.0.1:9000", Capacity: 1024, Used: 11})
	require.NoError(t, err)

	require.True(t, h.send(context.Background(), ok.Listener.Addr().String(), payload))
	require.Equal(t, "sn-1", received.NodeID)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	require.False(t, h.send(context.Background(), failing.Listener.Addr().String(), payload))
}
