package main

// --- Request Queue ---

// requestQueue holds admitted jobs waiting for a free worker, oldest first.
// It is not safe for concurrent use; the Dispatcher owns it under its lock.
type requestQueue struct {
	items []*Job
}

func (q *requestQueue) push(j *Job) {
	q.items = append(q.items, j)
}

// pop removes and returns the oldest job, or nil when empty.
func (q *requestQueue) pop() *Job {
	if len(q.items) == 0 {
		return nil
	}
	j := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return j
}

func (q *requestQueue) len() int { return len(q.items) }

// ids lists the queued job IDs in dequeue order.
func (q *requestQueue) ids() []uint64 {
	out := make([]uint64, len(q.items))
	for i, j := range q.items {
		out[i] = j.ID
	}
	return out
}
