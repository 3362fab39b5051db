package capability

import (
	"errors"
	"testing"
)

func newTestStore(t *testing.T, onChange OnChange) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), []byte("test-master-secret"), onChange)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutThenGetRoundTripsMeta(t *testing.T) {
	s := newTestStore(t, nil)

	err := s.Put(Declaration{
		AEID:       "pub_ae",
		Publishes:  []string{"fusion.topic"},
		Subscribes: []string{},
		Meta:       map[string]any{"region": "east"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get("pub_ae")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Publishes[0] != "fusion.topic" {
		t.Fatalf("expected publishes [fusion.topic], got %v", got.Publishes)
	}
	if got.Meta["region"] != "east" {
		t.Fatalf("expected decrypted meta region=east, got %v", got.Meta)
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	s := newTestStore(t, nil)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLatestDeclarationSupersedesPrior(t *testing.T) {
	s := newTestStore(t, nil)
	s.Put(Declaration{AEID: "pub_ae", Publishes: []string{"a"}})
	s.Put(Declaration{AEID: "pub_ae", Publishes: []string{"b"}})

	got, _ := s.Get("pub_ae")
	if len(got.Publishes) != 1 || got.Publishes[0] != "b" {
		t.Fatalf("expected latest declaration to supersede prior, got %v", got.Publishes)
	}
}

func TestPutTriggersOnChange(t *testing.T) {
	var notified string
	s := newTestStore(t, func(aeID string) { notified = aeID })
	s.Put(Declaration{AEID: "pub_ae", Publishes: []string{"a"}})

	if notified != "pub_ae" {
		t.Fatalf("expected onChange to fire with pub_ae, got %q", notified)
	}
}
