package action

// Sink is invoked synchronously for every action that survives
// deduplication. reason is the rule's human-readable explanation for the
// action (spec §4.5.1), or empty if the rule gave none. It MUST NOT
// re-enter the engine with a new event from within the call; the callee is
// free to enqueue for asynchronous downstream handling.
type Sink func(kind Kind, ruleID string, subject string, reason string, event any)

// Dispatcher applies the per-subject dedup latch ahead of forwarding to a
// Sink. Non-paired kinds always forward; paired kinds forward only on the
// transition their family's latch makes.
type Dispatcher struct {
	dedup *DedupTable
	sink  Sink
}

// NewDispatcher builds a dispatcher over the given dedup table and sink.
func NewDispatcher(dedup *DedupTable, sink Sink) *Dispatcher {
	return &Dispatcher{dedup: dedup, sink: sink}
}

// DedupTable exposes the underlying latch table for snapshot serialization.
func (d *Dispatcher) DedupTable() *DedupTable { return d.dedup }

// Dispatch evaluates kind for subject and, if it should be forwarded,
// invokes the sink. Returns whether the sink was actually invoked.
func (d *Dispatcher) Dispatch(kind Kind, ruleID, subject, reason string, event any) bool {
	family, isSuspend, paired := Classify(kind)
	if !paired {
		d.sink(kind, ruleID, subject, reason, event)
		return true
	}
	if !d.dedup.Propose(subject, family, isSuspend) {
		return false
	}
	d.sink(kind, ruleID, subject, reason, event)
	return true
}
