package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-oracle-router/internal/jobstore"
	"github.com/0gfoundation/0g-oracle-router/internal/oracle"
)

// Process advances one job as far as it can go without waiting longer than
// AwaitTimeout. It holds the job's lock throughout, renewing it as it goes;
// if another worker holds it the call is a no-op. A job that needs another
// pass is enqueued only after the lock is released.
func (w *Watcher) Process(ctx context.Context, id common.Hash) (err error) {
	lctx, l, err := w.acquire(ctx, id)
	if err != nil {
		return err
	}
	if l == nil {
		w.metrics.LockContention.Inc()
		return nil
	}
	defer func() {
		if rerr := w.release(ctx, l); rerr != nil && err == nil {
			err = rerr
		}
	}()

	err = w.step(lctx, l)
	if lost(lctx, err) {
		return lockLostErr(id)
	}
	return err
}

func (w *Watcher) step(ctx context.Context, l *lease) error {
	job, err := w.store.Get(ctx, l.id)
	if err != nil {
		return transient("load %s: %v", l.id.Hex(), err)
	}
	if job == nil {
		return nil
	}

	switch job.Status {
	case jobstore.StatusPending:
		ok, err := w.transition(ctx, job, []jobstore.Status{jobstore.StatusPending}, jobstore.StatusReceived, "claimed by worker", nil)
		if err != nil || !ok {
			return err
		}
		return w.submit(ctx, l, job, nil)
	case jobstore.StatusReceived:
		return w.submit(ctx, l, job, nil)
	case jobstore.StatusFulfilling:
		return w.resume(ctx, l, job)
	}
	return nil
}

// submit fetches (or reuses) the value, signs it, records the transaction
// reference and only then broadcasts. The record is written only while the
// lease still holds the lock, and nothing is broadcast once it is lost.
// replaces is the stuck transaction a resubmission supersedes.
func (w *Watcher) submit(ctx context.Context, l *lease, job *jobstore.Job, replaces []byte) error {
	if job.Attempts >= w.cfg.MaxAttempts {
		return w.fail(ctx, job, fmt.Sprintf("gave up after %d submissions", job.Attempts))
	}

	data := job.RequestedData
	if data == nil {
		var err error
		if data, err = w.fetch(ctx, job.DataSpec); err != nil {
			if ctx.Err() != nil {
				return err
			}
			if failErr := w.fail(ctx, job, err.Error()); failErr != nil {
				return failErr
			}
			return err
		}
	}

	sig, err := w.signer.Sign(job.RequestID, data)
	if err != nil {
		perr := permanent("sign %s: %v", job.RequestID.Hex(), err)
		if failErr := w.fail(ctx, job, perr.Error()); failErr != nil {
			return failErr
		}
		return perr
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	sub, err := w.chain.PrepareFulfillment(ctx, oracle.FulfillmentCall{
		RequestID:     job.RequestID,
		RequestedData: data,
		Signature:     sig,
		GasPriceLimit: job.GasPriceLimit,
		Replaces:      replaces,
	})
	if err != nil {
		return w.onChainError(ctx, job, fmt.Errorf("prepare fulfilment: %w", err))
	}
	head, err := w.chain.HeadHeight(ctx)
	if err != nil {
		return transient("head height: %v", err)
	}

	fields := jobstore.Fields{
		jobstore.FieldFulfillTx:       sub.TxRef.Hex(),
		jobstore.FieldFulfillRaw:      jobstore.EncodeRaw(sub.Raw),
		jobstore.FieldSubmittedHeight: strconv.FormatUint(head, 10),
		jobstore.FieldGasPrice:        jobstore.BigString(sub.GasPrice),
		jobstore.FieldRequestedData:   data.String(),
		jobstore.FieldAttempts:        strconv.Itoa(job.Attempts + 1),
	}
	reason, kind := "submitted", "first"
	if replaces != nil || job.Status == jobstore.StatusFulfilling {
		reason, kind = "resubmitted, replaces "+job.FulfillTxRef.Hex(), "resubmit"
	}
	from := []jobstore.Status{jobstore.StatusReceived, jobstore.StatusFulfilling}
	ok, err := w.store.TransitionHeld(ctx, job.RequestID, l.owner, from, jobstore.StatusFulfilling, reason, fields)
	if err != nil {
		if errors.Is(err, jobstore.ErrLockLost) {
			w.metrics.LocksLost.Inc()
			return err
		}
		return transient("%v", err)
	}
	if !ok {
		// settled meanwhile; the prepared transaction is never sent
		return nil
	}
	w.metrics.Transitions.WithLabelValues(string(jobstore.StatusFulfilling)).Inc()
	job.Status = jobstore.StatusFulfilling
	job.FulfillTxRef = sub.TxRef
	job.FulfillRaw = sub.Raw
	job.SubmittedHeight = head
	job.RequestedData = data
	job.Attempts++

	if ctx.Err() != nil {
		// recorded but unsent; whoever holds the lock next rebroadcasts or
		// resubmits
		return ctx.Err()
	}
	if err := w.chain.Broadcast(ctx, sub); err != nil {
		// the reference is recorded, so resume re-broadcasts or resubmits
		w.log.Warn("broadcast failed", zap.String("request", job.RequestID.Hex()), zap.Error(err))
	} else {
		w.metrics.Submissions.WithLabelValues(kind).Inc()
		w.log.Info("fulfilment sent",
			zap.String("request", job.RequestID.Hex()),
			zap.String("tx", sub.TxRef.Hex()),
			zap.String("gas_price", jobstore.BigString(sub.GasPrice)),
			zap.Int("attempt", job.Attempts),
		)
	}
	return w.await(ctx, l, job)
}

// resume picks up a FULFILLING job: settle it from its receipt, keep waiting
// within the resubmit window, or resubmit once the window has passed.
func (w *Watcher) resume(ctx context.Context, l *lease, job *jobstore.Job) error {
	rcpt, err := w.chain.Receipt(ctx, job.FulfillTxRef)
	if err != nil {
		return transient("receipt %s: %v", job.FulfillTxRef.Hex(), err)
	}
	if rcpt != nil {
		return w.handleReceipt(ctx, l, job, rcpt)
	}
	head, err := w.chain.HeadHeight(ctx)
	if err != nil {
		return transient("head height: %v", err)
	}
	if head < job.SubmittedHeight+w.cfg.ResubmitAfterBlocks {
		if len(job.FulfillRaw) > 0 {
			sub := &oracle.Submission{TxRef: job.FulfillTxRef, Raw: job.FulfillRaw}
			if err := w.chain.Broadcast(ctx, sub); err != nil {
				w.log.Warn("rebroadcast failed", zap.String("request", job.RequestID.Hex()), zap.Error(err))
			} else {
				w.metrics.Submissions.WithLabelValues("rebroadcast").Inc()
			}
		}
		return w.await(ctx, l, job)
	}

	live, err := w.chain.RequestLive(ctx, job.RequestID)
	if err != nil {
		return transient("request live %s: %v", job.RequestID.Hex(), err)
	}
	if !live {
		return w.backfill(ctx, job)
	}
	w.log.Info("no receipt within window, resubmitting",
		zap.String("request", job.RequestID.Hex()),
		zap.String("tx", job.FulfillTxRef.Hex()),
		zap.Uint64("submitted_height", job.SubmittedHeight),
		zap.Uint64("head", head),
	)
	return w.submit(ctx, l, job, job.FulfillRaw)
}

// await polls for the submission's receipt until it arrives, the job is
// settled by ingestion, the resubmit window passes (re-enqueue on release)
// or AwaitTimeout elapses (left to recovery).
func (w *Watcher) await(ctx context.Context, l *lease, job *jobstore.Job) error {
	deadline := time.NewTimer(w.cfg.AwaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		rcpt, err := w.chain.Receipt(ctx, job.FulfillTxRef)
		if err != nil {
			return transient("receipt %s: %v", job.FulfillTxRef.Hex(), err)
		}
		if rcpt != nil {
			return w.handleReceipt(ctx, l, job, rcpt)
		}
		if cur, err := w.store.Get(ctx, job.RequestID); err == nil && cur != nil && cur.Status.Final() {
			return nil
		}
		head, err := w.chain.HeadHeight(ctx)
		if err != nil {
			return transient("head height: %v", err)
		}
		if head >= job.SubmittedHeight+w.cfg.ResubmitAfterBlocks {
			l.requeue = true
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-ticker.C:
		}
	}
}

// handleReceipt settles a job from its receipt. A revert on a live request
// sends the job back to RECEIVED and asks l to re-enqueue it.
func (w *Watcher) handleReceipt(ctx context.Context, l *lease, job *jobstore.Job, rcpt *oracle.Receipt) error {
	if rcpt.Success {
		_, err := w.transition(ctx, job, []jobstore.Status{jobstore.StatusFulfilling}, jobstore.StatusFulfilled, "receipt confirmed", jobstore.Fields{
			jobstore.FieldFulfillTx:        rcpt.TxRef.Hex(),
			jobstore.FieldCompletionHeight: strconv.FormatUint(rcpt.Height, 10),
		})
		return err
	}

	live, err := w.chain.RequestLive(ctx, job.RequestID)
	if err != nil {
		return transient("request live %s: %v", job.RequestID.Hex(), err)
	}
	if !live {
		return w.backfill(ctx, job)
	}
	if job.Attempts >= w.cfg.MaxAttempts {
		return w.fail(ctx, job, fmt.Sprintf("reverted %d times, last: %s", job.Attempts, rcpt.Reason))
	}
	ok, err := w.transition(ctx, job, []jobstore.Status{jobstore.StatusFulfilling}, jobstore.StatusReceived, "reverted: "+rcpt.Reason, nil)
	if err != nil || !ok {
		return err
	}
	l.requeue = true
	return transient("fulfilment %s reverted: %s", rcpt.TxRef.Hex(), rcpt.Reason)
}

// onChainError classifies a failed chain call by whether the request is
// still live.
func (w *Watcher) onChainError(ctx context.Context, job *jobstore.Job, cause error) error {
	live, err := w.chain.RequestLive(ctx, job.RequestID)
	if err != nil || live {
		return transient("%v", cause)
	}
	if err := w.backfill(ctx, job); err != nil {
		return err
	}
	return permanent("%v: request no longer live", cause)
}

// backfill settles a job whose request has left the router, from the
// terminal event if one can be found.
func (w *Watcher) backfill(ctx context.Context, job *jobstore.Job) error {
	ev, err := w.findTerminal(ctx, job)
	if err != nil {
		return err
	}
	if ev == nil {
		return w.fail(ctx, job, "settled without observed terminal event")
	}
	return w.settle(ctx, *ev, "backfilled "+string(ev.Kind))
}

func (w *Watcher) findTerminal(ctx context.Context, job *jobstore.Job) (*oracle.Event, error) {
	head, err := w.chain.HeadHeight(ctx)
	if err != nil {
		return nil, transient("head height: %v", err)
	}
	for _, kind := range []oracle.EventKind{oracle.KindRequestFulfilled, oracle.KindRequestCancelled} {
		for from := job.CreatedHeight; from <= head; {
			to := from + w.cfg.BatchSize - 1
			if to > head {
				to = head
			}
			events, err := w.chain.Events(ctx, kind, from, to)
			if err != nil {
				return nil, transient("scan %s [%d, %d]: %v", kind, from, to, err)
			}
			for i := range events {
				if events[i].RequestID() == job.RequestID {
					return &events[i], nil
				}
			}
			from = to + 1
		}
	}
	return nil, nil
}

// fail marks the job FAILED and dead-letters it.
func (w *Watcher) fail(ctx context.Context, job *jobstore.Job, reason string) error {
	ok, err := w.transition(ctx, job, jobstore.NonFinal, jobstore.StatusFailed, reason, nil)
	if err != nil || !ok {
		return err
	}
	if err := w.store.PushDLQ(ctx, job.RequestID, reason); err != nil {
		return fmt.Errorf("dead-letter %s: %w", job.RequestID.Hex(), err)
	}
	w.metrics.DeadLettered.Inc()
	w.log.Error("job failed", zap.String("request", job.RequestID.Hex()), zap.String("reason", reason))
	return nil
}

func (w *Watcher) transition(ctx context.Context, job *jobstore.Job, from []jobstore.Status, to jobstore.Status, reason string, fields jobstore.Fields) (bool, error) {
	ok, err := w.store.Transition(ctx, job.RequestID, from, to, reason, fields)
	if err != nil {
		return false, transient("%v", err)
	}
	if ok {
		job.Status = to
		w.metrics.Transitions.WithLabelValues(string(to)).Inc()
	}
	return ok, nil
}

// fetch reads the value for spec, retrying transient failures with
// exponential backoff.
func (w *Watcher) fetch(ctx context.Context, spec string) (*big.Int, error) {
	start := time.Now()
	defer func() { w.metrics.FetchDuration.Observe(time.Since(start).Seconds()) }()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, w.cfg.FetchRetries), ctx)

	var (
		value *big.Int
		perm  *backoff.PermanentError
	)
	err := backoff.Retry(func() error {
		v, err := w.source.Fetch(ctx, spec)
		if err != nil {
			errors.As(err, &perm)
			w.log.Debug("fetch failed", zap.String("spec", spec), zap.Error(err))
			return err
		}
		value = v
		return nil
	}, policy)
	switch {
	case err == nil:
		return value, nil
	case perm != nil:
		return nil, permanent("fetch %q: %v", spec, perm.Err)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}
	return nil, transient("fetch %q: retries exhausted: %v", spec, err)
}
