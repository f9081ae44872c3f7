package call

import (
	"context"
	"errors"
	"log/slog"

	"switchboard/internal/store"
)

// StatusUpdate is one observed change of a call's routing state, delivered
// to the caller's status stream.
type StatusUpdate struct {
	Record Record

	// Ended is set when the call is terminally resolved: status ended, the
	// record was removed, or a forward target declined. Watchers treat a
	// deleted record exactly like one with terminal status.
	Ended bool
}

// Watcher observes a call record on behalf of the caller, following the
// record to a new operator's queue when the call is forwarded and accepted
// there. It never mutates records; resolution is always expressed through
// record writes by the operators' clients or the cleanup sweeper.
type Watcher struct {
	Store store.Store
	Log   *slog.Logger
}

func NewWatcher(st store.Store, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{Store: st, Log: log}
}

// Watch streams status updates for callID, starting at the given owner's
// queue. The channel closes after a terminal update or when ctx is done.
func (w *Watcher) Watch(ctx context.Context, ownerOperatorID, callID string) <-chan StatusUpdate {
	out := make(chan StatusUpdate, 8)
	go func() {
		defer close(out)
		owner := ownerOperatorID
		for {
			next, done := w.watchOwner(ctx, owner, callID, out)
			if done {
				return
			}
			owner = next
		}
	}()
	return out
}

// watchOwner follows the record in one owner's queue. It returns the next
// owner to watch after an accepted forward, or done=true once the call is
// resolved or ctx is canceled.
func (w *Watcher) watchOwner(ctx context.Context, owner, callID string, out chan<- StatusUpdate) (string, bool) {
	path := RecordPath(owner, callID)
	events, stop, err := w.Store.Subscribe(ctx, path)
	if err != nil {
		w.Log.Warn("call watch subscribe failed", "path", path, "err", err)
		return "", true
	}
	defer stop()

	emit := func(rec Record, ended bool) bool {
		select {
		case out <- StatusUpdate{Record: rec, Ended: ended}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var lastStatus Status

	// apply processes one observed value (nil = record removed). It returns
	// the next owner and whether this watch level is finished.
	apply := func(raw []byte) (string, bool, bool) {
		if raw == nil {
			emit(Record{CallID: callID, OwnerOperatorID: owner, Status: StatusEnded}, true)
			return "", true, true
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			w.Log.Warn("ignoring malformed call record", "path", path, "err", err)
			return "", false, false
		}
		if rec.Status == lastStatus {
			return "", false, false
		}
		lastStatus = rec.Status
		if !emit(rec, rec.Status.Terminal()) {
			return "", true, true
		}
		switch rec.Status {
		case StatusEnded:
			return "", true, true
		case StatusForwarding:
			next, resolved := w.followForward(ctx, owner, rec.ForwardedTo, callID)
			if resolved {
				emit(Record{CallID: callID, OwnerOperatorID: owner, Status: StatusEnded}, true)
				return "", true, true
			}
			if next == "" {
				return "", true, true // canceled
			}
			return next, false, true
		}
		return "", false, false
	}

	raw, err := w.Store.Get(ctx, path)
	if err == nil {
		if next, finished, done := apply(raw); finished {
			return next, done
		}
	} else if errors.Is(err, store.ErrNotFound) {
		// Not written yet; wait for the first event.
	} else {
		w.Log.Warn("call watch read failed", "path", path, "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", true
		case ev, ok := <-events:
			if !ok {
				return "", true
			}
			if next, finished, done := apply(ev.Value); finished {
				return next, done
			}
		}
	}
}

// followForward waits for the forward target to accept or decline. It
// returns (target, false) when the target accepted, ("", true) when the
// transfer was declined or the source record vanished, and ("", false) only
// on cancellation.
func (w *Watcher) followForward(ctx context.Context, sourceOwner, target, callID string) (string, bool) {
	targetPath := RecordPath(target, callID)
	targetEvents, stopTarget, err := w.Store.Subscribe(ctx, targetPath)
	if err != nil {
		w.Log.Warn("forward watch subscribe failed", "path", targetPath, "err", err)
		return "", true
	}
	defer stopTarget()

	sourcePath := RecordPath(sourceOwner, callID)
	sourceEvents, stopSource, err := w.Store.Subscribe(ctx, sourcePath)
	if err != nil {
		w.Log.Warn("forward watch subscribe failed", "path", sourcePath, "err", err)
		return "", true
	}
	defer stopSource()

	sawTarget := false
	check := func(raw []byte) (string, bool, bool) {
		if raw == nil {
			if sawTarget {
				return "", true, true // target declined
			}
			return "", false, false
		}
		sawTarget = true
		rec, err := decodeRecord(raw)
		if err != nil {
			return "", false, false
		}
		switch rec.Status {
		case StatusInProgress:
			return target, false, true // target accepted
		case StatusEnded:
			return "", true, true
		}
		return "", false, false
	}

	if raw, err := w.Store.Get(ctx, targetPath); err == nil {
		if next, resolved, finished := check(raw); finished {
			return next, resolved
		}
	}
	// The decline path removes both copies; if the source is already gone
	// and the target never accepted, the transfer is resolved.
	if !sawTarget {
		if _, err := w.Store.Get(ctx, sourcePath); errors.Is(err, store.ErrNotFound) {
			return "", true
		}
	}

	for {
		select {
		case <-ctx.Done():
			return "", false
		case ev, ok := <-targetEvents:
			if !ok {
				return "", true
			}
			if next, resolved, finished := check(ev.Value); finished {
				return next, resolved
			}
		case ev, ok := <-sourceEvents:
			if !ok {
				return "", true
			}
			if ev.Value == nil && !sawTarget {
				// Source reclaimed before the target copy ever appeared:
				// the transfer cannot complete.
				return "", true
			}
		}
	}
}
