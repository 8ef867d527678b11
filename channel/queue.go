package channel

import (
	"context"
	"sync"

	"github.com/progrium/qbridge/protocol"
)

type itemKind int

const (
	itemData itemKind = iota
	itemPing
	itemEOF
)

// item is an element of the receive queue: data, a ping waiting for its
// pong, or the end of the stream.
type item struct {
	kind itemKind
	data []byte
	ping protocol.Object
}

// receiveQueue is an unbounded FIFO. Puts never block, since they happen on
// the router's dispatcher goroutine.
type receiveQueue struct {
	mu    sync.Mutex
	items []item
	ready chan struct{}
}

func newReceiveQueue() *receiveQueue {
	return &receiveQueue{ready: make(chan struct{}, 1)}
}

func (q *receiveQueue) put(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// get blocks until an item is available or ctx is done.
func (q *receiveQueue) get(ctx context.Context) (item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = item{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, nil
		}
		q.mu.Unlock()
		select {
		case <-q.ready:
		case <-ctx.Done():
			return item{}, ctx.Err()
		}
	}
}
