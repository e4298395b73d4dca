package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errTransportClosed = errors.New("transport closed")

// MemoryTransport is an in-process transport for tests and local runs.
// Messages that are neither acked nor nacked stay unacked forever.
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
	timers map[*time.Timer]struct{}
	done   chan struct{}
	closed bool
}

// NewMemoryTransport creates an empty MemoryTransport
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		queues: make(map[string]*memoryQueue),
		timers: make(map[*time.Timer]struct{}),
		done:   make(chan struct{}),
	}
}

type memoryQueue struct {
	mu        sync.Mutex
	ready     [][]byte
	dead      [][]byte
	published int
	acked     int
	unacked   int
	signal    chan struct{}
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{signal: make(chan struct{}, 1)}
}

func (q *memoryQueue) push(body []byte) {
	q.mu.Lock()
	q.ready = append(q.ready, body)
	q.mu.Unlock()
	q.wake()
}

func (q *memoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a message is ready or stop fires
func (q *memoryQueue) pop(ctx context.Context, done <-chan struct{}) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			body := q.ready[0]
			q.ready = q.ready[1:]
			q.unacked++
			more := len(q.ready) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return body, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, false
		case <-done:
			return nil, false
		}
	}
}

func (t *MemoryTransport) queue(name string) *memoryQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[name]
	if !ok {
		q = newMemoryQueue()
		t.queues[name] = q
	}
	return q
}

func (t *MemoryTransport) Declare(_ context.Context, name string) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errTransportClosed
	}
	t.queue(name)
	return nil
}

func (t *MemoryTransport) Publish(_ context.Context, name string, body []byte, delay time.Duration) error {
	q := t.queue(name)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}

	q.mu.Lock()
	q.published++
	q.mu.Unlock()

	body = append([]byte(nil), body...)
	if delay <= 0 {
		q.push(body)
		return nil
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, timer)
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			q.push(body)
		}
	})
	t.timers[timer] = struct{}{}
	return nil
}

func (t *MemoryTransport) Consume(ctx context.Context, name, _ string, prefetch int) (<-chan Message, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, errTransportClosed
	}

	if prefetch <= 0 {
		prefetch = 1
	}
	q := t.queue(name)
	out := make(chan Message)
	credits := make(chan struct{}, prefetch)

	go func() {
		defer close(out)
		for {
			select {
			case credits <- struct{}{}:
			case <-ctx.Done():
				return
			case <-t.done:
				return
			}

			body, ok := q.pop(ctx, t.done)
			if !ok {
				return
			}

			msg := &memoryMessage{body: body, queue: q, release: func() { <-credits }}
			select {
			case out <- msg:
			case <-ctx.Done():
				_ = msg.Nack(true)
				return
			case <-t.done:
				return
			}
		}
	}()
	return out, nil
}

// Close stops every consumer and drops pending delayed messages
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for timer := range t.timers {
		timer.Stop()
	}
	close(t.done)
	return nil
}

// Stats describes a memory queue at one point in time
type Stats struct {
	Ready     int
	Unacked   int
	Dead      int
	Published int
	Acked     int
}

// Stats returns counters for the queue called name
func (t *MemoryTransport) Stats(name string) Stats {
	q := t.queue(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Ready:     len(q.ready),
		Unacked:   q.unacked,
		Dead:      len(q.dead),
		Published: q.published,
		Acked:     q.acked,
	}
}

type memoryMessage struct {
	body    []byte
	queue   *memoryQueue
	release func()
	once    sync.Once
}

func (m *memoryMessage) Body() []byte { return m.body }

func (m *memoryMessage) Ack() error {
	return m.settle(func(q *memoryQueue) { q.acked++ })
}

func (m *memoryMessage) Nack(requeue bool) error {
	return m.settle(func(q *memoryQueue) {
		if requeue {
			q.ready = append(q.ready, m.body)
		} else {
			q.dead = append(q.dead, m.body)
		}
	})
}

func (m *memoryMessage) settle(apply func(q *memoryQueue)) error {
	settled := false
	m.once.Do(func() {
		settled = true
		m.queue.mu.Lock()
		m.queue.unacked--
		apply(m.queue)
		m.queue.mu.Unlock()
		m.queue.wake()
		m.release()
	})
	if !settled {
		return errors.New("message already settled")
	}
	return nil
}
