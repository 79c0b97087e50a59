package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryLifecycle(t *testing.T) {
	r := NewRecord()
	assert.Equal(t, QueryIdle, r.Query)
	assert.False(t, QueryRunningNow(r))

	r = StartProcessing(r)
	assert.Equal(t, QueryPreparing, r.Query)
	assert.Equal(t, ActivityWorking, r.Activity)
	assert.True(t, QueryRunningNow(r))
	assert.True(t, QueryProcessing(r))

	r = StartQuery(r)
	assert.Equal(t, QueryRunning, r.Query)

	r = CompleteQuery(r)
	assert.Equal(t, QueryCompleting, r.Query)
	assert.True(t, QueryProcessing(r))

	r = FinalizeQuery(r)
	assert.Equal(t, QueryIdle, r.Query)
	assert.Equal(t, ActivityIdle, r.Activity)
	assert.False(t, QueryRunningNow(r))
}

func TestStartQueryClearsStaleStop(t *testing.T) {
	r := RequestStopDuringPreparing(StartProcessing(NewRecord()))
	assert.True(t, r.StopRequested)
	assert.Equal(t, QueryPreparing, r.Query)

	r = StartQuery(r)
	assert.False(t, r.StopRequested)
}

func TestRequestStopDuringRunning(t *testing.T) {
	r := StartQuery(StartProcessing(NewRecord()))
	r = RequestStopDuringRunning(r)

	assert.True(t, r.StopRequested)
	assert.Equal(t, QueryAborting, r.Query)
	assert.True(t, QueryRunningNow(r))
	assert.False(t, QueryProcessing(r), "aborting is not a productive phase")
}

func TestStopProcessing(t *testing.T) {
	r := StopProcessing(StartProcessing(NewRecord()))
	assert.Equal(t, QueryIdle, r.Query)
}

func TestInterruptFlagConsume(t *testing.T) {
	r := NewRecord()

	was, r := ConsumeInterruptFlag(r)
	assert.False(t, was)

	r = MarkInterruptFlag(RequestStopDuringPreparing(r))
	was, r = ConsumeInterruptFlag(r)
	assert.True(t, was)
	assert.False(t, r.InterruptPending)
	assert.False(t, r.StopRequested, "consuming the interrupt clears the stop flag")
}

func TestBeginInterruptIdempotent(t *testing.T) {
	r := NewRecord()

	started, r := BeginInterrupt(r)
	assert.True(t, started)
	assert.True(t, r.IsInterrupting)

	before := r
	started, r = BeginInterrupt(r)
	assert.False(t, started)
	assert.Equal(t, before, r)

	r = EndInterrupt(r)
	assert.False(t, r.IsInterrupting)
}

func TestGenerationMonotonic(t *testing.T) {
	r := NewRecord()
	for i := 1; i <= 5; i++ {
		r = IncrementGeneration(r)
		assert.Equal(t, uint64(i), r.Generation)
	}
}

func TestTransitionsArePure(t *testing.T) {
	r := StartProcessing(NewRecord())
	copy1 := StartQuery(r)
	copy2 := StartQuery(r)
	assert.Equal(t, copy1, copy2)
	assert.Equal(t, QueryPreparing, r.Query, "input record is untouched")
}
