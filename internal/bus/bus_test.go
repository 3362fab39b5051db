package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/atomic-mesh/abi-gateway/internal/envelope"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(4)
	stream := b.Subscribe("fused.track")
	defer stream.Close()

	b.Publish(envelope.Envelope{Subject: "fused.track", Producer: "pub_ae"})

	select {
	case msg := <-stream.C:
		if msg.Producer != "pub_ae" {
			t.Fatalf("expected producer pub_ae, got %s", msg.Producer)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected message delivery, timed out")
	}
}

func TestPublishDoesNotCrossSubjects(t *testing.T) {
	b := New(4)
	stream := b.Subscribe("other.subject")
	defer stream.Close()

	b.Publish(envelope.Envelope{Subject: "fused.track"})

	select {
	case <-stream.C:
		t.Fatalf("expected no delivery for a different subject")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFullQueueEvictsSlowSubscriberWithoutBlockingPublisher(t *testing.T) {
	b := New(1)
	stream := b.Subscribe("fused.track")

	b.Publish(envelope.Envelope{Subject: "fused.track"}) // fills the queue
	done := make(chan struct{})
	go func() {
		b.Publish(envelope.Envelope{Subject: "fused.track"}) // must not block
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected publish to a full queue to never block")
	}

	// Stream should now be evicted: Done fires, C itself is never closed.
	select {
	case <-stream.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected stream to be evicted (Done closed)")
	}
}

func TestEvictedStreamRejectsFurtherSends(t *testing.T) {
	b := New(1)
	stream := b.Subscribe("fused.track")

	b.Publish(envelope.Envelope{Subject: "fused.track"}) // fills the queue
	b.Publish(envelope.Envelope{Subject: "fused.track"}) // evicts stream

	select {
	case <-stream.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected stream to be evicted")
	}

	// A publish racing a just-evicted stream must never panic by sending on
	// a closed channel; trySend must simply report false.
	if stream.trySend(envelope.Envelope{Subject: "fused.track"}) {
		t.Fatalf("expected trySend on a closed stream to fail, not succeed")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(4)
	stream := b.Subscribe("s")
	stream.Close()
	stream.Close()
}

// TestConcurrentPublishAndConsumerCloseNeverPanics exercises the race a
// disconnecting SSE subscriber creates against a concurrent Publish: the
// consumer closing its own stream must never let a publisher's send land on
// (or race) a closed channel.
func TestConcurrentPublishAndConsumerCloseNeverPanics(t *testing.T) {
	b := New(16)

	for i := 0; i < 200; i++ {
		stream := b.Subscribe("fused.track")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Publish(envelope.Envelope{Subject: "fused.track"})
		}()
		go func() {
			defer wg.Done()
			stream.Close() // simulates an SSE client disconnecting mid-fanout
		}()
		wg.Wait()
	}
}
