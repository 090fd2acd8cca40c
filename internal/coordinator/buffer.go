package coordinator

import "pkt.systems/lakecommit/internal/event"

// Buffer accumulates the responses and readiness records of the in-flight
// cycle in arrival order. It is owned by the driver.
type Buffer struct {
	carried   []event.Envelope
	responses []event.Envelope
	ready     []event.CommitReady
}

// AddCarried appends a response left over from a cycle that no running
// coordinator owns. It is handed to the next cycle regardless of its commit
// id.
func (b *Buffer) AddCarried(env event.Envelope) {
	b.carried = append(b.carried, env)
}

// AddResponse appends a COMMIT_RESPONSE envelope.
func (b *Buffer) AddResponse(env event.Envelope) {
	b.responses = append(b.responses, env)
}

// AddReady appends a readiness record.
func (b *Buffer) AddReady(r event.CommitReady) {
	b.ready = append(b.ready, r)
}

// Ready returns the buffered readiness records.
func (b *Buffer) Ready() []event.CommitReady {
	return b.ready
}

// Responses returns the carried responses followed by a copy of the
// responses tagged with commitID, and the number of buffered responses that
// name another commit.
func (b *Buffer) Responses(commitID string) ([]event.Envelope, int) {
	out := make([]event.Envelope, 0, len(b.carried)+len(b.responses))
	out = append(out, b.carried...)
	stale := 0
	for _, env := range b.responses {
		if env.Event.CommitID() == commitID {
			out = append(out, env)
			continue
		}
		stale++
	}
	return out, stale
}

// Len returns the number of buffered responses and readiness records.
func (b *Buffer) Len() (responses, ready int) {
	return len(b.carried) + len(b.responses), len(b.ready)
}

// Clear drops everything. Only called once a cycle has fully committed.
func (b *Buffer) Clear() {
	b.carried = nil
	b.responses = nil
	b.ready = nil
}
