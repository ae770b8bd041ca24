package graphql

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/graphops/poiwatch/pkg/poi"
)

const testDeployment = "QmWmyoMoctfbAaiEs2G46gpeUmhqFRDW6KWo64y5r581Vz"

func newTestNetworkClient(t *testing.T, handler http.HandlerFunc) (*NetworkClient, poi.Indexer) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	nc := NewNetworkClient(zaptest.NewLogger(t), Opts{Timeout: 2 * time.Second})
	return nc, poi.Indexer{ID: "indexer-a", Address: srv.URL}
}

func TestFetchDigest(t *testing.T) {
	var gotQuery Request
	nc, ix := newTestNetworkClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotQuery))
		_, _ = w.Write([]byte(`{"data":{"publicProofsOfIndexing":[{
			"deployment":"` + testDeployment + `",
			"proofOfIndexing":"0x` + strings.Repeat("ab", 32) + `",
			"block":{"number":"100","hash":"0xbeef"}
		}]}}`))
	})

	rec, err := nc.FetchDigest(context.Background(), testDeployment, ix, 100)
	require.NoError(t, err)
	assert.Equal(t, testDeployment, rec.Deployment)
	assert.Equal(t, "indexer-a", rec.Indexer)
	assert.Equal(t, uint64(100), rec.Block.Number)
	assert.Equal(t, "0xbeef", rec.Block.Hash)
	assert.Equal(t, "0x"+strings.Repeat("ab", 32), rec.Digest.String())
	assert.False(t, rec.ObservedAt.IsZero())

	assert.Contains(t, gotQuery.Query, "publicProofsOfIndexing")
}

func TestFetchDigestNullProofIsNotFound(t *testing.T) {
	nc, ix := newTestNetworkClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"publicProofsOfIndexing":[{
			"deployment":"` + testDeployment + `",
			"proofOfIndexing":null,
			"block":{"number":"100","hash":null}
		}]}}`))
	})

	_, err := nc.FetchDigest(context.Background(), testDeployment, ix, 100)
	var fe *poi.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, poi.FetchNotFound, fe.Kind)
	assert.False(t, fe.Transient())
}

func TestFetchDigestServerErrorIsUnreachable(t *testing.T) {
	nc, ix := newTestNetworkClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := nc.FetchDigest(context.Background(), testDeployment, ix, 100)
	var fe *poi.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, poi.FetchUnreachable, fe.Kind)
	assert.True(t, fe.Transient())
}

func TestFetchDigestTimeout(t *testing.T) {
	nc, ix := newTestNetworkClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can detect the client disconnect and
		// cancel the request context; otherwise srv.Close deadlocks.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := nc.FetchDigest(ctx, testDeployment, ix, 100)
	var fe *poi.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, poi.FetchTimeout, fe.Kind)
	assert.True(t, fe.Transient())
}

func TestFetchDigestQueryErrorIsNotRetried(t *testing.T) {
	nc, ix := newTestNetworkClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"deployment not fully synced"}]}`))
	})

	_, err := nc.FetchDigest(context.Background(), testDeployment, ix, 100)
	var fe *poi.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, poi.FetchNotFound, fe.Kind)
	assert.Contains(t, fe.Error(), "deployment not fully synced")
}

func TestIndexingStatuses(t *testing.T) {
	nc, ix := newTestNetworkClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"indexingStatuses":[
			{"subgraph":"` + testDeployment + `","chains":[{
				"network":"mainnet",
				"latestBlock":{"number":"12345","hash":"0xabc"},
				"earliestBlock":{"number":"7"}
			}]},
			{"subgraph":"QmNoChains","chains":[]},
			{"subgraph":"QmNotStarted","chains":[{"network":"mainnet","latestBlock":null,"earliestBlock":null}]}
		]}}`))
	})

	statuses, err := nc.IndexingStatuses(context.Background(), ix)
	require.NoError(t, err)

	// Deployments with no synced chain are skipped.
	require.Len(t, statuses, 1)
	s := statuses[0]
	assert.Equal(t, testDeployment, s.Deployment)
	assert.Equal(t, "indexer-a", s.Indexer)
	assert.Equal(t, "mainnet", s.Network)
	assert.Equal(t, uint64(12345), s.LatestBlock.Number)
	assert.Equal(t, "0xabc", s.LatestBlock.Hash)
	assert.Equal(t, uint64(7), s.EarliestBlock)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewWithOpts(Opts{Timeout: time.Second, BreakerFailures: 2, BreakerCooldown: time.Minute})

	for i := 0; i < 2; i++ {
		var se *ServerError
		require.ErrorAs(t, c.Query(context.Background(), srv.URL, Request{Query: "query { x }"}, nil), &se)
	}

	// Third call fails fast without reaching the endpoint.
	err := c.Query(context.Background(), srv.URL, Request{Query: "query { x }"}, nil)
	require.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 2, calls)
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	var fail bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	t.Cleanup(srv.Close)

	c := NewWithOpts(Opts{Timeout: time.Second, BreakerFailures: 2, BreakerCooldown: time.Minute})

	fail = true
	_ = c.Query(context.Background(), srv.URL, Request{Query: "query { x }"}, nil)
	fail = false
	require.NoError(t, c.Query(context.Background(), srv.URL, Request{Query: "query { x }"}, nil))

	// The earlier failure no longer counts toward the threshold.
	fail = true
	_ = c.Query(context.Background(), srv.URL, Request{Query: "query { x }"}, nil)
	fail = false
	require.NoError(t, c.Query(context.Background(), srv.URL, Request{Query: "query { x }"}, nil))
}
