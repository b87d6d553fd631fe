package peer

import (
	"sync"

	"github.com/omnicloud/sruth/internal/data"
)

// noticeQueue coalesces outbound notices: additions merge into one piece-spec
// set, removals into one FileID set. Take alternates between the two kinds
// when both are pending, so neither starves.
type noticeQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	adds     *data.PieceSpecSet
	removals map[data.FileID]struct{}
	tookAdds bool // what the previous Take returned
	closed   bool
}

func newNoticeQueue() *noticeQueue {
	q := &noticeQueue{
		adds:     data.NewPieceSpecSet(),
		removals: make(map[data.FileID]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// AddSet merges an addition set into the pending notice.
func (q *noticeQueue) AddSet(set *data.PieceSpecSet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.adds.Merge(set)
	q.cond.Broadcast()
}

// AddRemoval queues a removed-file notice.
func (q *noticeQueue) AddRemoval(id data.FileID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.removals[id] = struct{}{}
	q.cond.Broadcast()
}

// Take blocks until a notice is pending and drains one kind. It returns
// ok=false once the queue is closed.
func (q *noticeQueue) Take() (Notice, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.adds.IsEmpty() && len(q.removals) == 0 {
		q.cond.Wait()
	}
	if q.closed {
		return Notice{}, false
	}

	haveAdds := !q.adds.IsEmpty()
	haveRemovals := len(q.removals) > 0
	takeAdds := haveAdds && (!haveRemovals || !q.tookAdds)
	q.tookAdds = takeAdds

	if takeAdds {
		set := q.adds
		q.adds = data.NewPieceSpecSet()
		return AdditionNotice(set), true
	}
	ids := make([]data.FileID, 0, len(q.removals))
	for id := range q.removals {
		ids = append(ids, id)
	}
	q.removals = make(map[data.FileID]struct{})
	if len(ids) == 1 {
		return RemovedFileNotice(ids[0]), true
	}
	return RemovedFilesNotice(ids), true
}

// Close wakes all waiters; subsequent Takes report closed.
func (q *noticeQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// requestQueue is a single merging piece-spec set. Take blocks until the set
// is non-empty and drains it whole.
type requestQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	set    *data.PieceSpecSet
	closed bool
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{set: data.NewPieceSpecSet()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add merges one spec into the pending request.
func (q *requestQueue) Add(spec data.PieceSpec) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.set.Add(spec)
	q.cond.Broadcast()
}

// Take drains the current set, blocking while it is empty. It returns
// ok=false once the queue is closed.
func (q *requestQueue) Take() (*data.PieceSpecSet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.set.IsEmpty() {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	set := q.set
	q.set = data.NewPieceSpecSet()
	return set, true
}

// Close wakes all waiters; subsequent Takes report closed.
func (q *requestQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
