// Package watcher is the provider node's off-chain loop: it mirrors router
// events into the job store, fulfils requests addressed to this provider and
// reconciles the store against the chain after a crash.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/0gfoundation/0g-oracle-router/internal/config"
	"github.com/0gfoundation/0g-oracle-router/internal/jobstore"
	"github.com/0gfoundation/0g-oracle-router/internal/metrics"
	"github.com/0gfoundation/0g-oracle-router/internal/oracle"
	"github.com/0gfoundation/0g-oracle-router/internal/signature"
	"github.com/0gfoundation/0g-oracle-router/internal/source"
)

// Chain is the provider's view of the router. *chain.Client and
// *chain.LocalClient implement it.
type Chain interface {
	HeadHeight(ctx context.Context) (uint64, error)
	Events(ctx context.Context, kind oracle.EventKind, from, to uint64) ([]oracle.Event, error)
	RequestLive(ctx context.Context, id common.Hash) (bool, error)
	PrepareFulfillment(ctx context.Context, call oracle.FulfillmentCall) (*oracle.Submission, error)
	Broadcast(ctx context.Context, sub *oracle.Submission) error
	Receipt(ctx context.Context, ref common.Hash) (*oracle.Receipt, error)
}

var (
	// ErrTransient marks a failure worth retrying.
	ErrTransient = errors.New("transient")
	// ErrPermanent marks a failure that retrying cannot fix.
	ErrPermanent = errors.New("permanent")
)

func transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

func permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

func errClass(err error) string {
	switch {
	case errors.Is(err, ErrPermanent):
		return "permanent"
	case errors.Is(err, ErrTransient):
		return "transient"
	}
	return "internal"
}

type Config struct {
	Provider common.Address
	Salt     common.Hash

	StartHeight         uint64
	Confirmations       uint64
	BatchSize           uint64
	PollInterval        time.Duration
	Workers             int
	ResubmitAfterBlocks uint64
	MaxAttempts         int

	FetchRetries  uint64
	RetryInterval time.Duration

	SubmitRate  rate.Limit
	SubmitBurst int

	// LockTTL is the lifetime of a job lock between renewals. A worker
	// renews it every LockTTL/3.
	LockTTL          time.Duration
	RecoverySchedule string

	// DequeueTimeout bounds one BLPOP. go-redis rounds it up to a second.
	DequeueTimeout time.Duration
	// AwaitTimeout bounds how long a worker waits for a receipt before
	// leaving the job to the recovery sweep.
	AwaitTimeout time.Duration
	ReceiptPoll  time.Duration
}

// NewConfig maps the node configuration onto watcher settings.
func NewConfig(wc config.WatcherConfig, provider common.Address, salt common.Hash) Config {
	limit := rate.Inf
	if wc.SubmitRatePerSec > 0 {
		limit = rate.Limit(wc.SubmitRatePerSec)
	}
	return Config{
		Provider:            provider,
		Salt:                salt,
		StartHeight:         wc.StartHeight,
		Confirmations:       wc.Confirmations,
		BatchSize:           wc.BatchSize,
		PollInterval:        time.Duration(wc.PollIntervalMs) * time.Millisecond,
		Workers:             wc.Workers,
		ResubmitAfterBlocks: wc.ResubmitAfterBlocks,
		MaxAttempts:         wc.MaxAttempts,
		FetchRetries:        wc.FetchRetries,
		SubmitRate:          limit,
		SubmitBurst:         wc.SubmitBurst,
		LockTTL:             time.Duration(wc.LockTTLSec) * time.Second,
		RecoverySchedule:    wc.RecoverySchedule,
		AwaitTimeout:        time.Duration(wc.AwaitTimeoutSec) * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = 500
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.ResubmitAfterBlocks == 0 {
		c.ResubmitAfterBlocks = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.SubmitRate == 0 {
		c.SubmitRate = rate.Inf
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 1
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.RecoverySchedule == "" {
		c.RecoverySchedule = "@every 1m"
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = 2 * time.Second
	}
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = time.Minute
	}
	if c.ReceiptPoll <= 0 {
		c.ReceiptPoll = time.Second
	}
	return c
}

type Watcher struct {
	cfg     Config
	chain   Chain
	store   *jobstore.Store
	source  source.DataSource
	signer  *signature.Signer
	limiter *rate.Limiter
	metrics *metrics.Metrics
	log     *zap.Logger
}

func New(
	cfg Config,
	chain Chain,
	store *jobstore.Store,
	src source.DataSource,
	signer *signature.Signer,
	m *metrics.Metrics,
	log *zap.Logger,
) *Watcher {
	cfg = cfg.withDefaults()
	return &Watcher{
		cfg:     cfg,
		chain:   chain,
		store:   store,
		source:  src,
		signer:  signer,
		limiter: rate.NewLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		metrics: m,
		log:     log,
	}
}

// Run recovers, then ingests and works the queue until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Recover(ctx); err != nil {
		w.log.Warn("startup recovery incomplete", zap.Error(err))
	}

	sweeps := cron.New()
	if _, err := sweeps.AddFunc(w.cfg.RecoverySchedule, func() {
		if err := w.Recover(ctx); err != nil {
			w.log.Warn("recovery sweep incomplete", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("recovery schedule %q: %w", w.cfg.RecoverySchedule, err)
	}
	sweeps.Start()
	defer func() { <-sweeps.Stop().Done() }()

	w.log.Info("watcher started",
		zap.String("provider", w.cfg.Provider.Hex()),
		zap.Int("workers", w.cfg.Workers),
		zap.Uint64("confirmations", w.cfg.Confirmations),
	)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.runWorker(ctx, n)
		}(i)
	}

	w.runIngest(ctx)
	wg.Wait()
	w.log.Info("watcher stopped")
	return nil
}

func (w *Watcher) runIngest(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.IngestOnce(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("ingest", zap.Error(err))
		}
		if n, err := w.store.QueueLen(ctx); err == nil {
			w.metrics.QueueDepth.Set(float64(n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) runWorker(ctx context.Context, n int) {
	log := w.log.With(zap.Int("worker", n))
	for {
		if ctx.Err() != nil {
			return
		}
		id, ok, err := w.store.Dequeue(ctx, w.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		if err := w.Process(ctx, id); err != nil && ctx.Err() == nil {
			w.metrics.SubmitFailures.WithLabelValues(errClass(err)).Inc()
			log.Warn("job step failed",
				zap.String("request", id.Hex()),
				zap.String("class", errClass(err)),
				zap.Error(err),
			)
		}
	}
}
