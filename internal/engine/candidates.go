package engine

import "github.com/mobilebarber/support-rtc/internal/protocol"

// candidateQueue buffers network-path candidates that arrive before the
// session's remote description is set. Candidates drain front-to-back exactly
// once; a candidate is never applied before the remote description exists and
// never applied twice.
type candidateQueue struct {
	items   []protocol.ICECandidate
	drained bool
}

func (q *candidateQueue) push(c protocol.ICECandidate) {
	q.items = append(q.items, c)
}

func (q *candidateQueue) len() int {
	return len(q.items)
}

// drain applies every queued candidate in arrival order. Individual failures
// are reported through onErr and skipped; they do not abort the drain. After
// the first drain the queue is spent and further drains are no-ops.
func (q *candidateQueue) drain(apply func(protocol.ICECandidate) error, onErr func(protocol.ICECandidate, error)) {
	if q.drained {
		return
	}
	q.drained = true
	for _, c := range q.items {
		if err := apply(c); err != nil && onErr != nil {
			onErr(c, err)
		}
	}
	q.items = nil
}
