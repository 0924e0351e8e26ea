package peer

import (
	"github.com/pion/webrtc/v3"

	"github.com/tomaslejdung/peepcam/pkg/signal"
)

// candidateQueue holds remote candidates until the remote description is
// set, then hands them out exactly once. Duplicates are dropped. Callers
// hold the owning session's lock.
type candidateQueue struct {
	seen    map[string]struct{}
	pending []webrtc.ICECandidateInit
	flushed bool
}

func newCandidateQueue() *candidateQueue {
	return &candidateQueue{seen: make(map[string]struct{})}
}

// add records c. It returns true when c should be applied immediately
// because the queue was already flushed.
func (q *candidateQueue) add(c webrtc.ICECandidateInit) bool {
	key := signal.NewCandidatePayload(c).Key()
	if _, dup := q.seen[key]; dup {
		return false
	}
	q.seen[key] = struct{}{}

	if q.flushed {
		return true
	}
	q.pending = append(q.pending, c)
	return false
}

// flush returns the queued candidates the first time it is called
func (q *candidateQueue) flush() []webrtc.ICECandidateInit {
	if q.flushed {
		return nil
	}
	q.flushed = true
	out := q.pending
	q.pending = nil
	return out
}

func (q *candidateQueue) len() int {
	return len(q.pending)
}

func (q *candidateQueue) reset() {
	q.seen = make(map[string]struct{})
	q.pending = nil
	q.flushed = false
}
