package mux

import "sync"

type message struct {
	payload []byte
}

// queue is an unbounded FIFO feeding one topic's delivery goroutine. Push
// never blocks, so a slow topic cannot stall the transport's read path.
type queue struct {
	mu     sync.Mutex
	items  []message
	signal chan struct{}
	closed bool
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(msg message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, msg)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a message is available or the queue is closed.
func (q *queue) pop() (message, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return message{}, false
		}
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = message{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()
		<-q.signal
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close drops pending messages and releases the delivery goroutine.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.signal)
}
