package api

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-oracle-router/internal/jobstore"
	"github.com/0gfoundation/0g-oracle-router/internal/metrics"
)

type serverEnv struct {
	mr       *miniredis.Miniredis
	store    *jobstore.Store
	metrics  *metrics.Metrics
	engine   *gin.Engine
	operator *ecdsa.PrivateKey
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	key, addr := newOperator(t)
	store := jobstore.New(rdb)
	m := metrics.New()
	srv := NewServer(rdb, store, m, []common.Address{addr}, zap.NewNop())
	return &serverEnv{mr: mr, store: store, metrics: m, engine: srv.Engine(), operator: key}
}

func (e *serverEnv) insert(t *testing.T, id common.Hash, height uint64) {
	t.Helper()
	created, err := e.store.Insert(context.Background(), jobstore.Job{
		RequestID:     id,
		Consumer:      common.HexToAddress("0xc0"),
		Provider:      common.HexToAddress("0xa0"),
		Fee:           big.NewInt(100),
		DataSpec:      "ETH/USD",
		Nonce:         big.NewInt(1),
		GasPriceLimit: big.NewInt(50),
		ExpiresAt:     2_000_000_000,
		CreatedHeight: height,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func (e *serverEnv) get(t *testing.T, path string, out any) int {
	t.Helper()
	w := serve(e.engine, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

func (e *serverEnv) requeue(t *testing.T, id common.Hash, resource, nonce string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/dlq/"+id.Hex()+"/requeue", nil)
	signedHeaders(t, req, e.operator, SignedRequest{
		Action:     ActionRequeue,
		ExpiresAt:  time.Now().Add(time.Minute).Unix(),
		Nonce:      nonce,
		ResourceID: resource,
	})
	return serve(e.engine, req)
}

func (e *serverEnv) fail(t *testing.T, id common.Hash) {
	t.Helper()
	ctx := context.Background()
	ok, err := e.store.Transition(ctx, id, jobstore.NonFinal, jobstore.StatusFailed, "fetch failed", jobstore.Fields{jobstore.FieldAttempts: "3"})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.store.PushDLQ(ctx, id, "fetch failed"))
	_, _, err = e.store.Dequeue(ctx, time.Second)
	require.NoError(t, err)
}

func TestHealthz(t *testing.T) {
	e := newServerEnv(t)
	var body map[string]string
	require.Equal(t, http.StatusOK, e.get(t, "/healthz", &body))
	assert.Equal(t, "ok", body["status"])

	e.mr.Close()
	assert.Equal(t, http.StatusServiceUnavailable, e.get(t, "/healthz", nil))
}

func TestGetJob(t *testing.T) {
	e := newServerEnv(t)
	id := common.HexToHash("0x0101")
	e.insert(t, id, 7)

	var v JobView
	require.Equal(t, http.StatusOK, e.get(t, "/api/jobs/"+id.Hex(), &v))
	assert.Equal(t, id.Hex(), v.RequestID)
	assert.Equal(t, "PENDING", v.Status)
	assert.Equal(t, "100", v.Fee)
	assert.Equal(t, "ETH/USD", v.DataSpec)
	assert.Equal(t, uint64(7), v.CreatedHeight)
	assert.Empty(t, v.FulfillTx)

	assert.Equal(t, http.StatusNotFound, e.get(t, "/api/jobs/"+common.HexToHash("0x02").Hex(), nil))
	assert.Equal(t, http.StatusBadRequest, e.get(t, "/api/jobs/not-hex", nil))
	assert.Equal(t, http.StatusBadRequest, e.get(t, "/api/jobs/0x0101", nil))
}

func TestGetHistory(t *testing.T) {
	e := newServerEnv(t)
	id := common.HexToHash("0x0101")
	e.insert(t, id, 1)
	ok, err := e.store.Transition(context.Background(), id, []jobstore.Status{jobstore.StatusPending}, jobstore.StatusReceived, "claimed", nil)
	require.NoError(t, err)
	require.True(t, ok)

	var body struct {
		History []jobstore.HistoryEntry `json:"history"`
	}
	require.Equal(t, http.StatusOK, e.get(t, "/api/jobs/"+id.Hex()+"/history", &body))
	require.Len(t, body.History, 2)
	assert.Equal(t, jobstore.StatusPending, body.History[0].To)
	assert.Equal(t, jobstore.StatusReceived, body.History[1].To)
	assert.Equal(t, "claimed", body.History[1].Reason)

	assert.Equal(t, http.StatusNotFound, e.get(t, "/api/jobs/"+common.HexToHash("0x09").Hex()+"/history", nil))
}

func TestListJobs(t *testing.T) {
	e := newServerEnv(t)
	e.insert(t, common.HexToHash("0x03"), 9)
	e.insert(t, common.HexToHash("0x04"), 2)

	var counts struct {
		Counts map[string]int64 `json:"counts"`
	}
	require.Equal(t, http.StatusOK, e.get(t, "/api/jobs", &counts))
	assert.Equal(t, int64(2), counts.Counts["PENDING"])
	assert.Equal(t, int64(0), counts.Counts["FAILED"])

	var list struct {
		Jobs []JobView `json:"jobs"`
	}
	require.Equal(t, http.StatusOK, e.get(t, "/api/jobs?status=pending", &list))
	require.Len(t, list.Jobs, 2)
	assert.Equal(t, uint64(2), list.Jobs[0].CreatedHeight)
	assert.Equal(t, uint64(9), list.Jobs[1].CreatedHeight)

	assert.Equal(t, http.StatusBadRequest, e.get(t, "/api/jobs?status=LOST", nil))
}

func TestCursors(t *testing.T) {
	e := newServerEnv(t)
	require.NoError(t, e.store.SetCursor(context.Background(), "DataRequested", 42))

	var body struct {
		Cursors map[string]*uint64 `json:"cursors"`
	}
	require.Equal(t, http.StatusOK, e.get(t, "/api/cursors", &body))
	require.NotNil(t, body.Cursors["DataRequested"])
	assert.Equal(t, uint64(42), *body.Cursors["DataRequested"])
	assert.Contains(t, body.Cursors, "RequestFulfilled")
	assert.Nil(t, body.Cursors["RequestFulfilled"])
}

func TestRequeueDeadLetter(t *testing.T) {
	e := newServerEnv(t)
	id := common.HexToHash("0x0505")
	e.insert(t, id, 1)
	e.fail(t, id)

	var dlq struct {
		Entries []jobstore.DLQEntry `json:"entries"`
	}
	require.Equal(t, http.StatusOK, e.get(t, "/api/dlq", &dlq))
	require.Len(t, dlq.Entries, 1)

	w := e.requeue(t, id, id.Hex(), "rq-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	job, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)

	require.Equal(t, http.StatusOK, e.get(t, "/api/dlq", &dlq))
	assert.Empty(t, dlq.Entries)

	n, err := e.store.QueueLen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// a second requeue finds the job no longer FAILED
	w = e.requeue(t, id, id.Hex(), "rq-2")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRequeueRejections(t *testing.T) {
	e := newServerEnv(t)
	id := common.HexToHash("0x0606")
	e.insert(t, id, 1)
	e.fail(t, id)

	w := e.requeue(t, id, common.HexToHash("0x0707").Hex(), "rq-other")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.requeue(t, common.HexToHash("0x0808"), common.HexToHash("0x0808").Hex(), "rq-missing")
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/dlq/"+id.Hex()+"/requeue", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(e.engine, req).Code)

	job, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFailed, job.Status)
}

func TestMetricsEndpointAndInstrumentation(t *testing.T) {
	e := newServerEnv(t)
	e.get(t, "/api/jobs", nil)
	e.get(t, "/api/jobs", nil)
	e.get(t, "/nowhere", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.HTTPRequests.WithLabelValues("GET", "/api/jobs", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.HTTPRequests.WithLabelValues("GET", "unmatched", "404")))

	w := serve(e.engine, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "oracle_node_http_requests_total"))
}
