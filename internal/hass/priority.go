package hass

import "github.com/alexjbarnes/ha-sync/internal/ringbuf"

// priorityQueueCap bounds the priority sync queue.
const priorityQueueCap = 16

// priorityQueue is a FIFO of entity ids that never holds the same id
// twice. Pushing into a full queue evicts the oldest id.
type priorityQueue struct {
	q *ringbuf.Deque[string]
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{q: ringbuf.New[string](priorityQueueCap)}
}

// push appends id. It returns false when id is already queued. evicted
// is the id dropped to make room, if any.
func (p *priorityQueue) push(id string) (added bool, evicted string) {
	if id == "" || p.contains(id) {
		return false, ""
	}

	old, ok := p.q.Push(id)
	if !ok {
		return true, ""
	}

	return true, old
}

func (p *priorityQueue) contains(id string) bool {
	return p.q.IndexFunc(func(v string) bool { return v == id }) >= 0
}

func (p *priorityQueue) pop() (string, bool) { return p.q.Pop() }
func (p *priorityQueue) len() int            { return p.q.Len() }
func (p *priorityQueue) clear()              { p.q.Clear() }
