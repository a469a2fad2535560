package models

import "fmt"

// Owner is an opaque identity token scoping a ClientJobQueue to the client
// or subsystem that created it (section 3). Any comparable value may be
// used; the scheduling layer only ever compares owners for equality and
// uses them as map keys.
type Owner any

// JobQueueKey identifies one ClientJobQueue: the tuple (owner, priority,
// name) from section 3.
type JobQueueKey struct {
	Owner    Owner
	Priority uint32
	Name     string
}

// String renders the key for logs and observability snapshots.
func (k JobQueueKey) String() string {
	return fmt.Sprintf("%v/p%d/%s", k.Owner, k.Priority, k.Name)
}

// SchedulingActivationEvent describes a child flipping between idle and
// non-empty (section 4.B). internal/scheduling's Group does not build
// values of this type: it reports each flip to its child-event callback
// as (index, activated, counter). Counter is
// monotonically increasing per child so stale, out-of-order deliveries can
// be detected and discarded by the client queue system's expiry logic.
type SchedulingActivationEvent struct {
	Child      JobQueueKey
	Counter    uint64
	Activated  bool
	Attachment any
}

// ClientQueueStats is a read-only snapshot of one ClientJobQueue's
// counters (section 6, "scheduler observables").
type ClientQueueStats struct {
	Key     JobQueueKey
	Queued  uint64
	Served  uint64
	Charged uint64
}

// MacroJobStats is a read-only snapshot of one macro job's state for
// observability (section 6).
type MacroJobStats struct {
	PromiseID    PromiseId
	Participants int
	Dead         bool
}

// Expander is the narrow view of a macro-job message the scheduling
// package needs in order to drive its enumeration at dequeue time
// (section 4.F). internal/macrojob.MacroJobMessage implements it;
// defining it here instead of importing internal/macrojob keeps
// component B/C/D free of a dependency on component F, which sits above
// them in the data flow (section 2: "driving (B) down through (C) to
// micro-job messages").
type Expander interface {
	// Expand runs the enumeration algorithm, calling emit once per
	// produced micro-job message, in order. It must be invoked at most
	// once per macro-job message.
	Expand(emit func(*JobMessage)) error
}

// SchedulerMessage is the unit a scheduling Leaf actually queues: either
// a micro-job ready to run (Job set) or a macro-job entry point awaiting
// expansion (Macro set), never both (section 2's "a single macro-job
// message that will later expand into many micro-jobs").
type SchedulerMessage struct {
	Job   *JobMessage
	Macro Expander
}

// SchedulingTarget is a SchedulingAccount that also accepts new work
// directly. internal/scheduling.Leaf implements it; a JobMessage's
// Account is always one of these once it has been resolved against a
// ClientJobQueue, which lets callers re-insert a message (e.g. a
// macro-job's emitted children) without needing to re-resolve
// (priority, owner, name) or import internal/scheduling.
type SchedulingTarget interface {
	SchedulingAccount
	Enqueue(msg *SchedulerMessage) error
}
