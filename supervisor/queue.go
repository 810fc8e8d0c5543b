package supervisor

import (
	"context"
	"sync"

	"github.com/bazelment/yoloswe/agentd/universal"
)

// delivery is one queued prompt.
type delivery struct {
	done   chan error
	prompt []universal.ContentPart
	seq    int
}

func (d *delivery) finish(err error) {
	select {
	case d.done <- err:
	default:
	}
}

// queue is an unbounded per-session FIFO. A single worker pops in
// submission order.
type queue struct {
	err    error
	notify chan struct{}
	items  []*delivery
	next   int
	mu     sync.Mutex
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

// push appends a prompt and returns its delivery and the number of prompts
// ahead of it.
func (q *queue) push(prompt []universal.ContentPart) (*delivery, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, 0, q.err
	}
	q.next++
	d := &delivery{prompt: prompt, seq: q.next, done: make(chan error, 1)}
	ahead := len(q.items)
	q.items = append(q.items, d)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return d, ahead, nil
}

// pop blocks until a prompt is available, the queue is closed, or ctx is
// done.
func (q *queue) pop(ctx context.Context) (*delivery, error) {
	for {
		q.mu.Lock()
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return nil, err
		}
		if len(q.items) > 0 {
			d := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return d, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// len returns the number of prompts waiting.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close fails every waiting prompt with err and rejects later pushes.
func (q *queue) close(err error) {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return
	}
	q.err = err
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, d := range items {
		d.finish(err)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
