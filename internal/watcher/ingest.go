package watcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-oracle-router/internal/jobstore"
	"github.com/0gfoundation/0g-oracle-router/internal/oracle"
	"github.com/0gfoundation/0g-oracle-router/internal/requestid"
)

// ingestKinds is scanned in order each round, so a request's creation is
// always applied before its settlement.
var ingestKinds = []oracle.EventKind{
	oracle.KindDataRequested,
	oracle.KindRequestFulfilled,
	oracle.KindRequestCancelled,
}

// IngestOnce scans every watched event kind from its cursor up to the
// confirmed head.
func (w *Watcher) IngestOnce(ctx context.Context) error {
	head, err := w.chain.HeadHeight(ctx)
	if err != nil {
		return transient("head height: %v", err)
	}
	if head < w.cfg.Confirmations {
		return nil
	}
	safe := head - w.cfg.Confirmations
	for _, kind := range ingestKinds {
		if err := w.ingestKind(ctx, kind, safe); err != nil {
			return err
		}
	}
	return nil
}

// ingestKind applies [cursor+1, safe] in batches. The cursor only moves past
// a batch once every event in it has been applied.
func (w *Watcher) ingestKind(ctx context.Context, kind oracle.EventKind, safe uint64) error {
	last, ok, err := w.store.Cursor(ctx, string(kind))
	if err != nil {
		return fmt.Errorf("read %s cursor: %w", kind, err)
	}
	from := w.cfg.StartHeight
	if ok && last+1 > from {
		from = last + 1
	}
	for from <= safe {
		to := from + w.cfg.BatchSize - 1
		if to > safe {
			to = safe
		}
		events, err := w.chain.Events(ctx, kind, from, to)
		if err != nil {
			return transient("scan %s [%d, %d]: %v", kind, from, to, err)
		}
		for _, ev := range events {
			if err := w.apply(ctx, ev); err != nil {
				return fmt.Errorf("apply %s at %d: %w", kind, ev.Height, err)
			}
		}
		if err := w.store.SetCursor(ctx, string(kind), to); err != nil {
			return fmt.Errorf("advance %s cursor: %w", kind, err)
		}
		w.metrics.Cursor.WithLabelValues(string(kind)).Set(float64(to))
		from = to + 1
	}
	return nil
}

func (w *Watcher) apply(ctx context.Context, ev oracle.Event) error {
	switch ev.Kind {
	case oracle.KindDataRequested:
		return w.onDataRequested(ctx, ev)
	case oracle.KindRequestFulfilled:
		if ev.RequestFulfilled == nil {
			return nil
		}
		return w.settle(ctx, ev, "observed RequestFulfilled")
	case oracle.KindRequestCancelled:
		if ev.RequestCancelled == nil {
			return nil
		}
		return w.settle(ctx, ev, "observed RequestCancelled")
	}
	return nil
}

func (w *Watcher) onDataRequested(ctx context.Context, ev oracle.Event) error {
	dr := ev.DataRequested
	if dr == nil || dr.Provider != w.cfg.Provider {
		return nil
	}
	ok := requestid.Verify(requestid.Params{
		Consumer:         dr.Consumer,
		Nonce:            dr.Nonce,
		Provider:         dr.Provider,
		DataSpec:         dr.DataSpec,
		CallbackSelector: dr.CallbackSelector,
		GasPriceLimit:    dr.GasPriceLimit,
	}, w.cfg.Salt, dr.RequestID)
	if !ok {
		w.metrics.ForgedEvents.Inc()
		w.log.Warn("skipping DataRequested whose ID does not recompute",
			zap.String("request", dr.RequestID.Hex()),
			zap.String("consumer", dr.Consumer.Hex()),
			zap.Uint64("height", ev.Height),
		)
		return nil
	}

	created, err := w.store.Insert(ctx, jobstore.FromEvent(ev))
	if err != nil {
		return err
	}
	w.metrics.EventsIngested.WithLabelValues(string(ev.Kind)).Inc()
	if created {
		w.metrics.JobsCreated.Inc()
		w.log.Info("job created",
			zap.String("request", dr.RequestID.Hex()),
			zap.String("spec", dr.DataSpec),
			zap.Uint64("height", ev.Height),
		)
	}
	return nil
}

// settle records a terminal chain event. Unknown IDs belong to other
// providers and are ignored.
func (w *Watcher) settle(ctx context.Context, ev oracle.Event, reason string) error {
	id := ev.RequestID()
	to, fields := terminalFields(ev)
	ok, err := w.store.Transition(ctx, id, jobstore.NonFinal, to, reason, fields)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	w.metrics.EventsIngested.WithLabelValues(string(ev.Kind)).Inc()
	if ok {
		w.metrics.Transitions.WithLabelValues(string(to)).Inc()
		w.log.Info("job settled",
			zap.String("request", id.Hex()),
			zap.String("status", string(to)),
			zap.String("tx", ev.TxRef.Hex()),
		)
	}
	return nil
}

func terminalFields(ev oracle.Event) (jobstore.Status, jobstore.Fields) {
	height := strconv.FormatUint(ev.Height, 10)
	if ev.Kind == oracle.KindRequestCancelled {
		return jobstore.StatusCancelled, jobstore.Fields{
			jobstore.FieldCancelTx:         ev.TxRef.Hex(),
			jobstore.FieldCompletionHeight: height,
		}
	}
	fields := jobstore.Fields{
		jobstore.FieldFulfillTx:        ev.TxRef.Hex(),
		jobstore.FieldCompletionHeight: height,
	}
	if ev.RequestFulfilled != nil && ev.RequestFulfilled.RequestedData != nil {
		fields[jobstore.FieldRequestedData] = ev.RequestFulfilled.RequestedData.String()
	}
	return jobstore.StatusFulfilled, fields
}
