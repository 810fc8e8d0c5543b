package eventlog

import (
	"log/slog"
	"sync"
)

// broadcaster fans events out to subscriber channels. Each subscriber has
// its own buffer; when a subscriber falls behind, its oldest event is
// dropped and the subscriber notices the gap by sequence.
type broadcaster[T any] struct {
	logger *slog.Logger
	subs   map[int]*subscriber[T]
	nextID int
	mu     sync.RWMutex
	closed bool
}

type subscriber[T any] struct {
	ch chan T
}

func newBroadcaster[T any](logger *slog.Logger) *broadcaster[T] {
	return &broadcaster[T]{logger: logger, subs: make(map[int]*subscriber[T])}
}

// subscribe registers a subscriber with buffer size n.
func (b *broadcaster[T]) subscribe(n int) (int, *subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	s := &subscriber[T]{ch: make(chan T, n)}
	if b.closed {
		close(s.ch)
		return id, s
	}
	b.subs[id] = s
	return id, s
}

func (b *broadcaster[T]) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}

func (b *broadcaster[T]) broadcast(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, s := range b.subs {
		select {
		case s.ch <- v:
			continue
		default:
		}
		select {
		case <-s.ch:
			b.logger.Debug("subscriber lagging, dropped oldest event", "subscriber", id)
		default:
		}
		select {
		case s.ch <- v:
		default:
			b.logger.Warn("could not deliver event to subscriber", "subscriber", id)
		}
	}
}

// close closes every subscriber channel. Later subscribers get a closed
// channel.
func (b *broadcaster[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
