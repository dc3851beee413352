package meta

import "time"

// The functions below hold the digest entry state machine. Backends load an
// entry, apply one transition and persist the outcome inside a single
// transaction, so every backend shares the same semantics.

// queueOp tells a backend what to do with the candidate queue.
type queueOp int

const (
	queueKeep queueOp = iota
	queueAdd
	queueDrop
)

// outcome is the result of a transition: the entry to persist (or remove)
// and the candidate queue update.
type outcome struct {
	entry  Entry
	write  bool
	remove bool
	queue  queueOp
}

func acquireEntry(e Entry, found bool, now time.Time) (outcome, Acquisition) {
	if !found {
		return outcome{
			entry: Entry{Refs: 1, State: StatePending, ClaimedAt: now},
			write: true,
		}, AcquireOwner
	}
	switch e.State {
	case StateStored:
		e.Refs++
		return outcome{entry: e, write: true, queue: queueDrop}, AcquireStored
	case StatePending:
		e.Refs++
		return outcome{entry: e, write: true}, AcquireWait
	default:
		return outcome{entry: e}, AcquireBusy
	}
}

func markStoredEntry(e Entry, found bool, now time.Time) (outcome, bool) {
	if !found || e.State == StateReclaiming {
		return outcome{}, false
	}
	e.State = StateStored
	e.ClaimedAt = time.Time{}
	if e.StoredAt.IsZero() {
		e.StoredAt = now
	}
	out := outcome{entry: e, write: true}
	if e.Refs <= 0 {
		out.queue = queueAdd
	}
	return out, true
}

func takeOverEntry(e Entry, found bool, now time.Time, lease time.Duration) (outcome, bool) {
	if !found || e.State != StatePending {
		return outcome{}, false
	}
	if !e.ClaimedAt.IsZero() && now.Sub(e.ClaimedAt) < lease {
		return outcome{}, false
	}
	e.ClaimedAt = now
	return outcome{entry: e, write: true}, true
}

func abandonEntry(e Entry, found bool) outcome {
	if !found {
		return outcome{}
	}
	e.Refs--
	if e.Refs <= 0 && e.State == StatePending {
		return outcome{remove: true, queue: queueDrop}
	}
	if e.State == StatePending {
		e.ClaimedAt = time.Time{}
		return outcome{entry: e, write: true}
	}
	if e.Refs <= 0 {
		e.Refs = 0
		return outcome{entry: e, write: true, queue: queueAdd}
	}
	return outcome{entry: e, write: true}
}

func releaseEntry(e Entry, found bool) (outcome, bool) {
	if !found || e.Refs <= 0 || e.State == StateReclaiming {
		return outcome{}, false
	}
	e.Refs--
	if e.Refs > 0 {
		return outcome{entry: e, write: true}, true
	}
	if e.State == StatePending {
		// The last holder left before any write was confirmed.
		return outcome{remove: true, queue: queueDrop}, true
	}
	return outcome{entry: e, write: true, queue: queueAdd}, true
}

func beginReclaimEntry(e Entry, found bool, since, now time.Time, grace time.Duration) (outcome, bool) {
	if !found || e.Refs > 0 || e.State == StatePending {
		return outcome{queue: queueDrop}, false
	}
	if now.Sub(since) < grace {
		return outcome{}, false
	}
	e.State = StateReclaiming
	return outcome{entry: e, write: true}, true
}

func finishReclaimEntry(e Entry, found bool) outcome {
	if !found {
		return outcome{queue: queueDrop}
	}
	if e.State != StateReclaiming || e.Refs > 0 {
		return outcome{}
	}
	return outcome{remove: true, queue: queueDrop}
}

func restoreEntry(e Entry) outcome {
	if e.State == StateReclaiming {
		// An interrupted collection restarts from the queue.
		e.State = StateStored
	}
	out := outcome{entry: e, write: true, queue: queueDrop}
	if e.Refs <= 0 && e.State == StateStored {
		out.queue = queueAdd
	}
	return out
}

func retireAlias(a Alias, found bool) (Alias, bool) {
	if !found || a.Retired {
		return Alias{}, false
	}
	a.Retired = true
	return a, true
}

func reviveAlias(current Alias, next Alias) (Alias, bool) {
	if !current.Retired || current.Digest != next.Digest {
		return current, false
	}
	next.Retired = false
	return next, true
}
