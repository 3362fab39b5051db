// Package bus implements the in-process topic fan-out event bus. Subscribers
// register with an explicit subscribe(subject) -> stream handle — replacing
// the decorator-style registration of the system this was distilled from —
// and unregister by closing the stream. Publish is non-blocking for the
// caller: a full subscriber queue is evicted (its stream closed) rather than
// blocking the publisher or dropping the message for everyone else.
package bus

import (
	"sync"

	"github.com/atomic-mesh/abi-gateway/internal/envelope"
)

// Stream is the handle returned by Subscribe. Its lifecycle is tied to the
// caller's scope: Close() unregisters it from the bus. C is never closed —
// a publisher and a consumer closing the same stream concurrently would
// otherwise race a send against close(C) and panic. Readers select on Done
// alongside C to learn when the stream has ended.
type Stream struct {
	C chan envelope.Envelope

	bus     *Bus
	subject string

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Done returns a channel that's closed once the stream is closed, either by
// its owner or by publisher-side eviction.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close unregisters the stream from its subject and signals Done. Safe to
// call more than once, and safe to call concurrently with a publisher's
// in-flight send attempt.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.bus.unsubscribe(s.subject, s)
}

// trySend attempts a non-blocking enqueue of msg, reporting false if the
// stream is already closed or its queue is full. Holding mu for the
// duration of the attempt serializes against a concurrent Close, so a send
// can never land on — or race — a channel that's being torn down.
func (s *Stream) trySend(msg envelope.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.C <- msg:
		return true
	default:
		return false
	}
}

// Bus is an in-process topic fan-out. Subject matching is exact; there are
// no wildcards in the core.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Stream]struct{}
	queueDepth  int
}

// New creates a Bus whose subscriber queues are bounded to queueDepth.
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Bus{subscribers: make(map[string]map[*Stream]struct{}), queueDepth: queueDepth}
}

// Subscribe registers a new stream for subject and returns its handle.
func (b *Bus) Subscribe(subject string) *Stream {
	s := &Stream{C: make(chan envelope.Envelope, b.queueDepth), bus: b, subject: subject, done: make(chan struct{})}

	b.mu.Lock()
	set, ok := b.subscribers[subject]
	if !ok {
		set = make(map[*Stream]struct{})
		b.subscribers[subject] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	return s
}

func (b *Bus) unsubscribe(subject string, s *Stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subscribers[subject]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.subscribers, subject)
	}
}

// Publish hands msg to every current subscriber of msg.Subject. It takes
// the subject lock only long enough to snapshot the subscriber set, then
// pushes outside the lock. A subscriber whose queue is full (or already
// closed) is evicted rather than blocking the publisher or dropping the
// message for everyone else. Publish never blocks the caller.
func (b *Bus) Publish(msg envelope.Envelope) {
	b.mu.RLock()
	set := b.subscribers[msg.Subject]
	snapshot := make([]*Stream, 0, len(set))
	for s := range set {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	for _, s := range snapshot {
		if !s.trySend(msg) {
			s.Close()
		}
	}
}
