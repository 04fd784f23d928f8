package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	gatewayimpl "github.com/feedmesh/go-feedmesh/internal/gateway/impl"
	groupsimpl "github.com/feedmesh/go-feedmesh/internal/groups/impl"
	"github.com/feedmesh/go-feedmesh/internal/ingest"
	pushimpl "github.com/feedmesh/go-feedmesh/internal/push/impl"
	"github.com/feedmesh/go-feedmesh/pkg/encryption"
	"github.com/feedmesh/go-feedmesh/pkg/eventbus"
	"github.com/feedmesh/go-feedmesh/pkg/invalidator"
	rotimpl "github.com/feedmesh/go-feedmesh/pkg/keyrotation/impl"
	kvimpl "github.com/feedmesh/go-feedmesh/pkg/kv/impl"
	"github.com/feedmesh/go-feedmesh/pkg/projections"
	"github.com/feedmesh/go-feedmesh/pkg/sharedmemory"
	sqlimpl "github.com/feedmesh/go-feedmesh/pkg/sqlstore/impl"
	"github.com/feedmesh/go-feedmesh/tests"
)

func TestRPCEndToEnd(t *testing.T) {
	t.Parallel()
	srv, store := newServer(t)
	defer srv.Close()

	registerProfile(t, store, "alice", "Alice", 1)
	registerProfile(t, store, "bob", "Bob", 1)

	t.Run("create and join group", func(t *testing.T) {
		var res struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
		}
		call(t, srv, "feedmesh_createGroup", map[string]interface{}{
			"feedId":   "g1",
			"title":    "book club",
			"isPublic": true,
			"participants": []map[string]interface{}{
				{"address": "alice", "role": "owner"},
			},
		}, &res)
		require.True(t, res.Success, res.Message)

		call(t, srv, "feedmesh_joinGroup", map[string]interface{}{
			"feedId": "g1", "address": "bob",
		}, &res)
		require.True(t, res.Success, res.Message)

		// Joining twice fails in the envelope, not at transport level.
		call(t, srv, "feedmesh_joinGroup", map[string]interface{}{
			"feedId": "g1", "address": "bob",
		}, &res)
		require.False(t, res.Success)
	})

	t.Run("get feeds", func(t *testing.T) {
		var res struct {
			Feeds []struct {
				FeedID feedmesh.FeedID `json:"feedId"`
				Title  string          `json:"title"`
			} `json:"feeds"`
		}
		call(t, srv, "feedmesh_getFeeds", map[string]interface{}{
			"address": "alice", "sinceBlock": 0,
		}, &res)
		require.Len(t, res.Feeds, 1)
		require.Equal(t, feedmesh.FeedID("g1"), res.Feeds[0].FeedID)
		require.Equal(t, "book club", res.Feeds[0].Title)
	})

	t.Run("key generations hide validTo", func(t *testing.T) {
		var raw struct {
			KeyGenerations []map[string]interface{} `json:"keyGenerations"`
		}
		call(t, srv, "feedmesh_getKeyGenerations", map[string]interface{}{
			"feedId": "g1", "address": "alice",
		}, &raw)
		require.NotEmpty(t, raw.KeyGenerations)
		for _, gen := range raw.KeyGenerations {
			require.NotContains(t, gen, "validToBlock")
		}
	})

	t.Run("read positions", func(t *testing.T) {
		var setRes struct {
			Success bool `json:"success"`
			Moved   bool `json:"moved"`
		}
		call(t, srv, "feedmesh_setReadPosition", map[string]interface{}{
			"address": "alice", "feedId": "g1", "blockIndex": 7,
		}, &setRes)
		require.True(t, setRes.Success)
		require.True(t, setRes.Moved)

		var getRes struct {
			Positions map[feedmesh.FeedID]feedmesh.BlockIndex `json:"positions"`
		}
		call(t, srv, "feedmesh_getReadPositions", map[string]interface{}{
			"address": "alice",
		}, &getRes)
		require.Equal(t, feedmesh.BlockIndex(7), getRes.Positions["g1"])
	})

	t.Run("ingested message shows up", func(t *testing.T) {
		var applyRes struct {
			Success bool `json:"success"`
		}
		call(t, srv, "ingest_applyMessage", map[string]interface{}{
			"message": map[string]interface{}{
				"messageId":     "m1",
				"feedId":        "g1",
				"content":       []byte("ciphertext"),
				"issuerAddress": "bob",
				"blockIndex":    9,
				"timestamp":     time.Now().UTC(),
			},
		}, &applyRes)
		require.True(t, applyRes.Success)

		var res struct {
			Messages []struct {
				MessageID         feedmesh.MessageID `json:"messageId"`
				IssuerDisplayName string             `json:"issuerDisplayName"`
			} `json:"messages"`
		}
		call(t, srv, "feedmesh_getFeedMessages", map[string]interface{}{
			"address": "alice", "sinceBlock": 0, "sinceTallyVersion": 0,
		}, &res)
		require.Len(t, res.Messages, 1)
		require.Equal(t, feedmesh.MessageID("m1"), res.Messages[0].MessageID)
		require.Equal(t, "Bob", res.Messages[0].IssuerDisplayName)
	})
}

func TestHealthAndVersion(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/health"} {
		res, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		require.NoError(t, res.Body.Close())
		require.Equal(t, http.StatusOK, res.StatusCode)
	}

	res, err := http.Get(srv.URL + "/version")
	require.NoError(t, err)
	var summary map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&summary))
	require.NoError(t, res.Body.Close())
	require.Contains(t, summary, "GitCommit")

	res, err = http.Get(srv.URL + "/cache/stats")
	require.NoError(t, err)
	var stats map[string]projections.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&stats))
	require.NoError(t, res.Body.Close())
	require.Contains(t, stats, "feed_metadata")
}

func newServer(t *testing.T) (*httptest.Server, *sqlimpl.SQLStore) {
	t.Helper()
	store, err := sqlimpl.New(tests.Sqlite3URI(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	kv := kvimpl.NewMemStore("test")
	userFeeds := projections.NewUserFeeds(kv)
	feedMeta := projections.NewFeedMetadata(kv)
	tail := projections.NewMessageTail(kv)
	readMarks := projections.NewReadMarks(kv)
	identity := projections.NewIdentity(kv)
	participants := projections.NewGroupParticipants(kv)

	bus, err := eventbus.New()
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	invalidator.New(store, identity, userFeeds, feedMeta, participants).Register(bus)

	sm := sharedmemory.NewSharedMemory()
	sm.SetLastFinalizedBlock(1)
	rotator, err := rotimpl.New(store, sm)
	require.NoError(t, err)

	gw := gatewayimpl.NewGateway(store, userFeeds, feedMeta, tail, readMarks, identity, participants)
	grp := groupsimpl.NewGroups(store, rotator, bus, sm)
	psh := pushimpl.NewPush(store, projections.NewPushTokens(kv))
	ing, err := ingest.New(store, feedMeta, tail, userFeeds, bus, sm)
	require.NoError(t, err)

	stats := func() map[string]projections.Snapshot {
		return map[string]projections.Snapshot{
			"feed_metadata": feedMeta.Stats(),
			"user_feeds":    userFeeds.Stats(),
		}
	}
	r, err := ConfiguredRouter(10000, time.Second, gw, grp, psh, ing, stats)
	require.NoError(t, err)
	return httptest.NewServer(r.Handler()), store
}

func call(t *testing.T, srv *httptest.Server, method string, params interface{}, out interface{}) {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []interface{}{params},
	})
	require.NoError(t, err)

	res, err := http.Post(srv.URL+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Body.Close()) }()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&envelope))
	if envelope.Error != nil {
		t.Fatalf("rpc %s: %s", method, envelope.Error.Message)
	}
	require.NoError(t, json.Unmarshal(envelope.Result, out))
}

func registerProfile(
	t *testing.T, store *sqlimpl.SQLStore, address feedmesh.Address, alias string, block feedmesh.BlockIndex,
) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, store.UpsertProfile(context.Background(), feedmesh.Profile{
		Address:             address,
		Alias:               alias,
		PublicEncryptionKey: encryption.PublicKeyHex(priv),
		BlockIndex:          block,
	}))
}
