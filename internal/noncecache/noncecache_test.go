package noncecache

import (
	"errors"
	"testing"
	"time"
)

func TestIssueThenConsume(t *testing.T) {
	c := New(120 * time.Second)
	nonce, err := c.Issue("pub_ae")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := c.Consume("pub_ae", nonce); err != nil {
		t.Fatalf("consume: %v", err)
	}
}

func TestConsumeIsExactlyOnce(t *testing.T) {
	c := New(120 * time.Second)
	nonce, _ := c.Issue("pub_ae")
	if err := c.Consume("pub_ae", nonce); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := c.Consume("pub_ae", nonce); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch on replay, got %v", err)
	}
}

func TestIssueInvalidatesPriorNonce(t *testing.T) {
	c := New(120 * time.Second)
	first, _ := c.Issue("pub_ae")
	c.Issue("pub_ae")

	if err := c.Consume("pub_ae", first); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected stale nonce to mismatch, got %v", err)
	}
}

func TestConsumeExpired(t *testing.T) {
	c := New(1 * time.Millisecond)
	nonce, _ := c.Issue("pub_ae")
	time.Sleep(5 * time.Millisecond)

	if err := c.Consume("pub_ae", nonce); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestConsumeUnknownAEID(t *testing.T) {
	c := New(120 * time.Second)
	var nonce [32]byte
	if err := c.Consume("ghost", nonce); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch for unknown ae_id, got %v", err)
	}
}
