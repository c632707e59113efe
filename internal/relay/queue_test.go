package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_Empty(t *testing.T) {
	q := NewQueue()
	ev, ok := q.TryDequeue()
	assert.False(t, ok)
	assert.Nil(t, ev)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	const n = 500
	for i := 0; i < n; i++ {
		q.Enqueue(Established{Conn: ConnID(i)})
	}
	require.Equal(t, n, q.Len())

	for i := 0; i < n; i++ {
		ev, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, ConnID(i), ev.(Established).Conn)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestQueue_InterleavedKeepsOrder(t *testing.T) {
	q := NewQueue()
	next, want := 0, 0
	for round := 0; round < 50; round++ {
		for i := 0; i < 7; i++ {
			q.Enqueue(Closed{Conn: ConnID(next)})
			next++
		}
		for i := 0; i < 5; i++ {
			ev, ok := q.TryDequeue()
			require.True(t, ok)
			require.Equal(t, ConnID(want), ev.(Closed).Conn)
			want++
		}
	}
	assert.Equal(t, next-want, q.Len())
	for q.Len() > 0 {
		ev, _ := q.TryDequeue()
		require.Equal(t, ConnID(want), ev.(Closed).Conn)
		want++
	}
	assert.Equal(t, next, want)
}

func TestQueue_MixedVariants(t *testing.T) {
	q := NewQueue()
	events := []Event{
		Established{Peer: "A", Conn: 1},
		Deliver{Target: "A", Sender: "B", Payload: []byte("x"), Conn: 1},
		Received{Peer: "A", Conn: 1},
		Closed{Peer: "A", Conn: 1},
	}
	for _, ev := range events {
		q.Enqueue(ev)
	}
	for _, want := range events {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}
