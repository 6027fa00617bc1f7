package gossip

import (
	"container/heap"
	"sync"
)

// Priority is a total order over message urgency. Lower is more urgent.
type Priority int

const (
	PrioritySOS Priority = iota
	PriorityWant
	PriorityHave
	PriorityAck
)

// PriorityForKind maps a post kind to its send priority.
func PriorityForKind(k Kind) Priority {
	switch k {
	case KindSOS:
		return PrioritySOS
	case KindWant:
		return PriorityWant
	default:
		return PriorityHave
	}
}

// PriorityForMessage assigns queue placement: the highest-priority post in
// the payload governs, internal acks rank last.
func PriorityForMessage(m *Message) Priority {
	if m.Type == TypeAck {
		return PriorityAck
	}
	best := PriorityHave
	for _, p := range m.Posts {
		if prio := PriorityForKind(p.Kind); prio < best {
			best = prio
		}
	}
	return best
}

// queueEntry is one message waiting to be sent.
type queueEntry struct {
	msg      *Message
	priority Priority
	retries  int
	seq      uint64
}

// entryHeap orders by priority, then insertion sequence (stable FIFO
// within a class).
type entryHeap []*queueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) {
	*h = append(*h, x.(*queueEntry))
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// sendQueue is the priority-ordered send queue.
type sendQueue struct {
	mu      sync.Mutex
	entries entryHeap
	nextSeq uint64
}

func newSendQueue() *sendQueue {
	return &sendQueue{}
}

// push enqueues a message at the given priority, preserving insertion
// order within the class.
func (q *sendQueue) push(msg *Message, priority Priority, retries int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := &queueEntry{
		msg:      msg,
		priority: priority,
		retries:  retries,
		seq:      q.nextSeq,
	}
	q.nextSeq++
	heap.Push(&q.entries, entry)
}

// pop removes and returns the most urgent entry, or nil when empty.
func (q *sendQueue) pop() *queueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}
	return heap.Pop(&q.entries).(*queueEntry)
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
