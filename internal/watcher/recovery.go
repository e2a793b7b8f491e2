package watcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-oracle-router/internal/jobstore"
)

// Recover reconciles in-flight jobs with the chain. The queue is rebuilt
// from the store: PENDING jobs missing from it are enqueued, and
// RECEIVED/FULFILLING jobs are settled, re-enqueued or left to their worker.
func (w *Watcher) Recover(ctx context.Context) error {
	queued, err := w.store.Queued(ctx)
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}

	pending, err := w.store.ListByStatus(ctx, jobstore.StatusPending)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	requeued := 0
	for _, job := range pending {
		if queued[job.RequestID] {
			continue
		}
		if err := w.store.Enqueue(ctx, job.RequestID); err != nil {
			return err
		}
		queued[job.RequestID] = true
		requeued++
	}

	var errs []error
	for _, st := range []jobstore.Status{jobstore.StatusReceived, jobstore.StatusFulfilling} {
		jobs, err := w.store.ListByStatus(ctx, st)
		if err != nil {
			return fmt.Errorf("list %s: %w", st, err)
		}
		for i := range jobs {
			again, err := w.recoverJob(ctx, &jobs[i], queued)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", jobs[i].RequestID.Hex(), err))
				continue
			}
			if again {
				requeued++
			}
		}
	}

	w.log.Info("recovery sweep done", zap.Int("requeued", requeued), zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// recoverJob reports whether it put the job back on the queue. Jobs locked
// by a worker are left to it.
func (w *Watcher) recoverJob(ctx context.Context, job *jobstore.Job, queued map[common.Hash]bool) (again bool, err error) {
	lctx, l, err := w.acquire(ctx, job.RequestID)
	if err != nil || l == nil {
		return false, err
	}
	defer func() {
		if rerr := w.release(ctx, l); rerr != nil && err == nil {
			again, err = false, rerr
		}
	}()

	again, err = w.reconcile(lctx, l, job.RequestID, queued)
	if lost(lctx, err) {
		return false, lockLostErr(job.RequestID)
	}
	return again, err
}

func (w *Watcher) reconcile(ctx context.Context, l *lease, id common.Hash, queued map[common.Hash]bool) (bool, error) {
	// the listing may be stale by now
	job, err := w.store.Get(ctx, id)
	if err != nil {
		return false, transient("load: %v", err)
	}
	if job == nil || (job.Status != jobstore.StatusReceived && job.Status != jobstore.StatusFulfilling) {
		return false, nil
	}

	live, err := w.chain.RequestLive(ctx, job.RequestID)
	if err != nil {
		return false, transient("request live: %v", err)
	}
	if !live {
		if job.Status == jobstore.StatusFulfilling {
			rcpt, err := w.chain.Receipt(ctx, job.FulfillTxRef)
			if err == nil && rcpt != nil && rcpt.Success {
				return false, w.handleReceipt(ctx, l, job, rcpt)
			}
		}
		w.log.Info("request left the router while in flight, backfilling",
			zap.String("request", job.RequestID.Hex()),
			zap.String("status", string(job.Status)),
		)
		return false, w.backfill(ctx, job)
	}

	if job.Status == jobstore.StatusReceived {
		return requeue(l, job, queued), nil
	}
	rcpt, err := w.chain.Receipt(ctx, job.FulfillTxRef)
	if err != nil {
		return false, transient("receipt: %v", err)
	}
	if rcpt != nil {
		// a reverted receipt puts the job back on the queue itself
		if err := w.handleReceipt(ctx, l, job, rcpt); err != nil && !errors.Is(err, ErrTransient) {
			return false, err
		}
		if l.requeue {
			queued[job.RequestID] = true
		}
		return l.requeue, nil
	}
	head, err := w.chain.HeadHeight(ctx)
	if err != nil {
		return false, transient("head height: %v", err)
	}
	if head >= job.SubmittedHeight+w.cfg.ResubmitAfterBlocks {
		return requeue(l, job, queued), nil
	}
	return false, nil
}

// requeue asks the lease to enqueue the job on release unless it is already
// waiting in the queue.
func requeue(l *lease, job *jobstore.Job, queued map[common.Hash]bool) bool {
	if queued[job.RequestID] {
		return false
	}
	l.requeue = true
	queued[job.RequestID] = true
	return true
}
