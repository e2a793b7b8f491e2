// Package api serves the node's job store over HTTP: read-only job, cursor
// and dead-letter views, health and metrics, plus an operator-signed requeue.
package api

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-oracle-router/internal/jobstore"
	"github.com/0gfoundation/0g-oracle-router/internal/metrics"
	"github.com/0gfoundation/0g-oracle-router/internal/oracle"
)

// ActionRequeue is the signed action that authorises a dead-letter requeue.
const ActionRequeue = "requeue"

var cursorKinds = []oracle.EventKind{
	oracle.KindDataRequested,
	oracle.KindRequestFulfilled,
	oracle.KindRequestCancelled,
}

type Server struct {
	rdb       *redis.Client
	store     *jobstore.Store
	metrics   *metrics.Metrics
	operators []common.Address
	log       *zap.Logger
}

func NewServer(rdb *redis.Client, store *jobstore.Store, m *metrics.Metrics, operators []common.Address, log *zap.Logger) *Server {
	return &Server{rdb: rdb, store: store, metrics: m, operators: operators, log: log}
}

// Engine builds the gin engine with every route mounted.
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.instrument())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	g := r.Group("/api")
	g.GET("/jobs", s.listJobs)
	g.GET("/jobs/:id", s.getJob)
	g.GET("/jobs/:id/history", s.getHistory)
	g.GET("/cursors", s.cursors)
	g.GET("/dlq", s.listDLQ)
	g.POST("/dlq/:id/requeue", OperatorAuth(s.rdb, s.operators, ActionRequeue), s.requeue)
	return r
}

func (s *Server) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) health(c *gin.Context) {
	if err := s.rdb.Ping(c.Request.Context()).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// JobView is the JSON form of a job.
type JobView struct {
	RequestID        string `json:"request_id"`
	Status           string `json:"status"`
	StatusReason     string `json:"status_reason,omitempty"`
	Consumer         string `json:"consumer"`
	Provider         string `json:"provider"`
	Fee              string `json:"fee"`
	DataSpec         string `json:"data_spec"`
	Nonce            string `json:"nonce"`
	GasPriceLimit    string `json:"gas_price_limit"`
	ExpiresAt        uint64 `json:"expires_at"`
	CreatedHeight    uint64 `json:"created_height"`
	Attempts         int    `json:"attempts"`
	FulfillTx        string `json:"fulfill_tx,omitempty"`
	CancelTx         string `json:"cancel_tx,omitempty"`
	SubmittedHeight  uint64 `json:"submitted_height,omitempty"`
	CompletionHeight uint64 `json:"completion_height,omitempty"`
	GasPrice         string `json:"gas_price,omitempty"`
	RequestedData    string `json:"requested_data,omitempty"`
	UpdatedAt        int64  `json:"updated_at"`
}

func viewOf(j jobstore.Job) JobView {
	v := JobView{
		RequestID:        j.RequestID.Hex(),
		Status:           string(j.Status),
		StatusReason:     j.StatusReason,
		Consumer:         j.Consumer.Hex(),
		Provider:         j.Provider.Hex(),
		Fee:              jobstore.BigString(j.Fee),
		DataSpec:         j.DataSpec,
		Nonce:            jobstore.BigString(j.Nonce),
		GasPriceLimit:    jobstore.BigString(j.GasPriceLimit),
		ExpiresAt:        j.ExpiresAt,
		CreatedHeight:    j.CreatedHeight,
		Attempts:         j.Attempts,
		SubmittedHeight:  j.SubmittedHeight,
		CompletionHeight: j.CompletionHeight,
		GasPrice:         jobstore.BigString(j.GasPrice),
		RequestedData:    jobstore.BigString(j.RequestedData),
		UpdatedAt:        j.UpdatedAt,
	}
	if j.FulfillTxRef != (common.Hash{}) {
		v.FulfillTx = j.FulfillTxRef.Hex()
	}
	if j.CancelTxRef != (common.Hash{}) {
		v.CancelTx = j.CancelTxRef.Hex()
	}
	return v
}

func parseID(c *gin.Context) (common.Hash, bool) {
	raw := c.Param("id")
	b, err := hexBytes(raw)
	if err != nil || len(b) != common.HashLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request id must be 32 hex bytes"})
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func hexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	return hex.DecodeString(s)
}

func (s *Server) getJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	j, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		s.internalError(c, "get job", err)
		return
	}
	if j == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, viewOf(*j))
}

func (s *Server) getHistory(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	h, err := s.store.History(c.Request.Context(), id)
	if err != nil {
		s.internalError(c, "job history", err)
		return
	}
	if len(h) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": id.Hex(), "history": h})
}

// listJobs lists jobs with ?status=, or returns per-status counts without it.
func (s *Server) listJobs(c *gin.Context) {
	ctx := c.Request.Context()
	raw := c.Query("status")
	if raw == "" {
		counts, err := s.store.CountByStatus(ctx)
		if err != nil {
			s.internalError(c, "count jobs", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"counts": counts})
		return
	}
	st := jobstore.Status(strings.ToUpper(raw))
	if !st.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + raw})
		return
	}
	jobs, err := s.store.ListByStatus(ctx, st)
	if err != nil {
		s.internalError(c, "list jobs", err)
		return
	}
	views := make([]JobView, len(jobs))
	for i, j := range jobs {
		views[i] = viewOf(j)
	}
	c.JSON(http.StatusOK, gin.H{"status": st, "jobs": views})
}

func (s *Server) cursors(c *gin.Context) {
	out := make(map[string]*uint64, len(cursorKinds))
	for _, kind := range cursorKinds {
		h, ok, err := s.store.Cursor(c.Request.Context(), string(kind))
		if err != nil {
			s.internalError(c, "read cursor", err)
			return
		}
		if ok {
			out[string(kind)] = &h
		} else {
			out[string(kind)] = nil
		}
	}
	c.JSON(http.StatusOK, gin.H{"cursors": out})
}

func (s *Server) listDLQ(c *gin.Context) {
	entries, err := s.store.ListDLQ(c.Request.Context())
	if err != nil {
		s.internalError(c, "list dlq", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) requeue(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	signed := c.MustGet(ctxRequest).(SignedRequest)
	if common.HexToHash(signed.ResourceID) != id {
		c.JSON(http.StatusForbidden, gin.H{"error": "signature covers a different request"})
		return
	}
	done, err := s.store.RequeueDLQ(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		s.internalError(c, "requeue", err)
		return
	}
	if !done {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not FAILED"})
		return
	}
	s.log.Info("job requeued by operator",
		zap.String("request", id.Hex()),
		zap.String("operator", c.GetString(ctxOperator)),
	)
	c.JSON(http.StatusOK, gin.H{"request_id": id.Hex(), "status": jobstore.StatusPending})
}

func (s *Server) internalError(c *gin.Context, what string, err error) {
	s.log.Error("api: "+what, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
