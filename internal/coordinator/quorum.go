package coordinator

import (
	"time"

	"pkt.systems/lakecommit/internal/event"
	"pkt.systems/pslog"
)

// QuorumTracker decides whether the writers have reported every partition
// for a commit. Total is captured once at startup and never refreshed.
type QuorumTracker struct {
	Total  int
	logger pslog.Logger
}

// Complete sums the assignment counts of the readiness records that carry
// commitID. Records of any other commit are ignored.
func (q QuorumTracker) Complete(commitID string, ready []event.CommitReady) (int, bool) {
	received := 0
	for _, r := range ready {
		if r.CommitID == commitID {
			received += len(r.Assignments)
		}
	}
	ok := received >= q.Total
	if q.logger != nil {
		if ok {
			q.logger.Info("commit.ready", "commit_id", commitID, "received", received)
		} else {
			q.logger.Debug("commit.not_ready", "commit_id", commitID, "received", received, "expected", q.Total)
		}
	}
	return received, ok
}

// TimedOut reports whether more than timeout has passed since start.
func (QuorumTracker) TimedOut(start, now time.Time, timeout time.Duration) bool {
	return now.Sub(start) > timeout
}
