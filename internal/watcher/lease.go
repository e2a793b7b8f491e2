package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-oracle-router/internal/jobstore"
)

var errLockLost = errors.New("job lock lost")

// lease is a held job lock. A heartbeat extends it every LockTTL/3 until
// release; if the lock expires or changes hands the work context is
// cancelled with errLockLost.
type lease struct {
	id     common.Hash
	owner  string
	cancel context.CancelCauseFunc
	done   chan struct{}

	// requeue asks release to enqueue the job once the lock is gone, so
	// the next worker to pop it can take the lock.
	requeue bool
}

// acquire takes id's lock. It returns a nil lease when another owner holds
// it. The returned context must be used for all work under the lease.
func (w *Watcher) acquire(ctx context.Context, id common.Hash) (context.Context, *lease, error) {
	owner := uuid.NewString()
	locked, err := w.store.Lock(ctx, id, owner, w.cfg.LockTTL)
	if err != nil {
		return nil, nil, transient("lock %s: %v", id.Hex(), err)
	}
	if !locked {
		return nil, nil, nil
	}
	lctx, cancel := context.WithCancelCause(ctx)
	l := &lease{id: id, owner: owner, cancel: cancel, done: make(chan struct{})}
	go w.heartbeat(lctx, l)
	return lctx, l, nil
}

func (w *Watcher) heartbeat(ctx context.Context, l *lease) {
	defer close(l.done)
	ticker := time.NewTicker(max(w.cfg.LockTTL/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		held, err := w.store.Extend(ctx, l.id, l.owner, w.cfg.LockTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// the lock may still be ours; the next beat or the guarded
			// transition decides
			w.log.Warn("extend lock", zap.String("request", l.id.Hex()), zap.Error(err))
			continue
		}
		if !held {
			w.metrics.LocksLost.Inc()
			w.log.Warn("job lock lost", zap.String("request", l.id.Hex()))
			l.cancel(errLockLost)
			return
		}
	}
}

// release stops the heartbeat, drops the lock and then performs a requested
// enqueue.
func (w *Watcher) release(ctx context.Context, l *lease) error {
	l.cancel(nil)
	<-l.done
	ctx = context.WithoutCancel(ctx)
	if err := w.store.Unlock(ctx, l.id, l.owner); err != nil {
		w.log.Warn("unlock", zap.String("request", l.id.Hex()), zap.Error(err))
	}
	if !l.requeue {
		return nil
	}
	if err := w.store.Enqueue(ctx, l.id); err != nil {
		return fmt.Errorf("enqueue %s: %w", l.id.Hex(), err)
	}
	return nil
}

// lost reports whether the lease's lock is known to be gone, either from a
// failed heartbeat or from a lock-guarded write.
func lost(ctx context.Context, err error) bool {
	return errors.Is(context.Cause(ctx), errLockLost) || errors.Is(err, jobstore.ErrLockLost)
}

func lockLostErr(id common.Hash) error {
	return fmt.Errorf("%w: %s: %w", ErrTransient, id.Hex(), errLockLost)
}
