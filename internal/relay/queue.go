package relay

// Queue is an unbounded FIFO of pending events. It never drops or rejects:
// the producers feeding it are bounded upstream (the bridge envelope
// channel and the per-connection read loops), so its growth is limited by
// how far dispatch falls behind them. Not safe for concurrent use.
type Queue struct {
	items []Event
	head  int
}

func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends ev.
func (q *Queue) Enqueue(ev Event) {
	q.items = append(q.items, ev)
}

// TryDequeue removes and returns the oldest event. It never blocks; ok is
// false when the queue is empty.
func (q *Queue) TryDequeue() (ev Event, ok bool) {
	if q.head >= len(q.items) {
		return nil, false
	}
	ev = q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return ev, true
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	return len(q.items) - q.head
}
