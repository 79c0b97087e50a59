// Package state implements the session runtime state record as a set of pure
// transition functions. The Session owns the record; nothing here holds
// references back to it.
package state

// Activity is the user-observable status of a session.
type Activity string

const (
	ActivityIdle    Activity = "idle"
	ActivityWorking Activity = "working"
	ActivityWaiting Activity = "waiting"
)

// Query is the internal lifecycle phase of one provider call.
type Query string

const (
	QueryIdle       Query = "idle"
	QueryPreparing  Query = "preparing"
	QueryRunning    Query = "running"
	QueryAborting   Query = "aborting"
	QueryCompleting Query = "completing"
)

// Record is the full runtime state of a session. It is a value type; every
// transition returns a new Record.
type Record struct {
	Activity         Activity
	Query            Query
	StopRequested    bool
	InterruptPending bool
	IsInterrupting   bool
	Generation       uint64
}

// NewRecord returns the initial state.
func NewRecord() Record {
	return Record{Activity: ActivityIdle, Query: QueryIdle}
}

// StartProcessing enters the preparing phase.
func StartProcessing(r Record) Record {
	r.Query = QueryPreparing
	r.Activity = ActivityWorking
	return r
}

// StartQuery enters the running phase and clears any stale stop request.
func StartQuery(r Record) Record {
	r.Query = QueryRunning
	r.StopRequested = false
	return r
}

// CompleteQuery enters the completing phase.
func CompleteQuery(r Record) Record {
	r.Query = QueryCompleting
	return r
}

// FinalizeQuery returns the query axis to idle.
func FinalizeQuery(r Record) Record {
	r.Query = QueryIdle
	r.Activity = ActivityIdle
	return r
}

// StopProcessing aborts out of preparing back to idle.
func StopProcessing(r Record) Record {
	r.Query = QueryIdle
	r.Activity = ActivityIdle
	return r
}

// RequestStopDuringRunning flags a stop and moves to aborting.
func RequestStopDuringRunning(r Record) Record {
	r.StopRequested = true
	r.Query = QueryAborting
	return r
}

// RequestStopDuringPreparing flags a stop without leaving preparing; the
// runtime checks the flag before the provider call starts.
func RequestStopDuringPreparing(r Record) Record {
	r.StopRequested = true
	return r
}

// ClearStopRequested drops the stop flag.
func ClearStopRequested(r Record) Record {
	r.StopRequested = false
	return r
}

// MarkInterruptFlag records that the next message carried an interrupt prefix.
func MarkInterruptFlag(r Record) Record {
	r.InterruptPending = true
	return r
}

// ConsumeInterruptFlag reports and clears a pending interrupt. When the flag
// was set, the stop flag is cleared too so the interrupted query's stop does
// not bleed into the next one.
func ConsumeInterruptFlag(r Record) (wasInterrupted bool, next Record) {
	if !r.InterruptPending {
		return false, r
	}
	r.InterruptPending = false
	r.StopRequested = false
	return true, r
}

// BeginInterrupt marks an interrupt in progress. Idempotent: a second call
// while one is running returns started=false and leaves the record unchanged.
func BeginInterrupt(r Record) (started bool, next Record) {
	if r.IsInterrupting {
		return false, r
	}
	r.IsInterrupting = true
	return true, r
}

// EndInterrupt clears the interrupt-in-progress flag.
func EndInterrupt(r Record) Record {
	r.IsInterrupting = false
	return r
}

// IncrementGeneration advances the fence counter. Events stamped with an
// older generation must be dropped by their observer.
func IncrementGeneration(r Record) Record {
	r.Generation++
	return r
}

// SetWaiting marks the session as waiting on user input.
func SetWaiting(r Record) Record {
	r.Activity = ActivityWaiting
	return r
}

// QueryRunningNow reports whether any query phase is active.
func QueryRunningNow(r Record) bool {
	return r.Query != QueryIdle
}

// QueryProcessing reports whether the query is in a productive phase.
func QueryProcessing(r Record) bool {
	switch r.Query {
	case QueryPreparing, QueryRunning, QueryCompleting:
		return true
	}
	return false
}
