package mnode

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redcloudfiles/redcloud/internal/gossip"
	"github.com/redcloudfiles/redcloud/internal/model"
	"github.com/redcloudfiles/redcloud/internal/testutil"
)

func newTestMNServer(t *testing.T, authToken string) *Server {
	t.Helper()
	store := testutil.NewStore(t)
	applier := NewApplier("mn-1", store, testutil.NopLogger(), nil)
	registry := gossip.NewRegistry(time.Minute)
	engine := gossip.New(gossip.Config{
		NodeID:   "mn-1",
		Applier:  applier,
		Registry: registry,
		Logger:   testutil.NopLogger(),
	})
	return NewServer("mn-1", "mn-1.example:7100", engine, registry, store, authToken, testutil.NopLogger())
}

func TestHealthEndpointRequiresNoAuth(t *testing.T) {
	srv := newTestMNServer(t, "shared-secret")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestControlEndpointsRejectMissingBearerToken(t *testing.T) {
	srv := newTestMNServer(t, "shared-secret")
	req := httptest.NewRequest(http.MethodGet, "/v1/control/list-peers", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestControlEndpointsAcceptCorrectBearerToken(t *testing.T) {
	srv := newTestMNServer(t, "shared-secret")
	req := httptest.NewRequest(http.MethodGet, "/v1/control/list-peers", nil)
	req.Header.Set("Authorization", "Bearer shared-secret")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListPeersSelfReportsAdvertiseAddressNotNodeID(t *testing.T) {
	srv := newTestMNServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/v1/control/list-peers", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp gossip.ListPeersResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "mn-1", resp.Self.ID)
	require.Equal(t, "mn-1.example:7100", resp.Self.Address, "a bootstrapping peer dials this address; it must never be the bare node id")
}

func TestRegisterPeerUpsertsRegistryAndPersists(t *testing.T) {
	srv := newTestMNServer(t, "")
	body, err := json.Marshal(gossip.RegisterPeerRequest{ID: "mn-2", Address: "10.0.0.2:7000"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/control/register-peer", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	record, found, err := srv.store.GetMetadataNode(req.Context(), "mn-2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "10.0.0.2:7000", record.Address)

	peers := srv.registry.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, "mn-2", peers[0].ID)
}

func TestHeartbeatUpsertsStorageNodeAsActive(t *testing.T) {
	srv := newTestMNServer(t, "")
	body, err := json.Marshal(heartbeatRequest{NodeID: "sn-1", Address: "10.0.0.5:8000", Capacity: 100, Used: 40})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/control/heartbeat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	sn, found, err := srv.store.GetStorageNode(req.Context(), "sn-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.SNActive, sn.Status)
	require.EqualValues(t, 40, sn.UsedBytes)
}

func TestStateSummaryReturnsDigest(t *testing.T) {
	srv := newTestMNServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/v1/control/state-summary", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
