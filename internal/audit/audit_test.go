package audit

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndTail(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(filepath.Join(dir, "audit.jsonl"), 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer log.Close()

	if err := log.Append(Record{Actor: "pub_ae", Action: "admission.verified", Decision: "Accepted"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Append(Record{Actor: "pub_ae", Action: "emit", Decision: "Accepted", Digest: "abc"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	tail := log.Tail(10)
	if len(tail) != 2 {
		t.Fatalf("expected 2 records in tail, got %d", len(tail))
	}
	if tail[1].Digest != "abc" {
		t.Fatalf("expected second record digest abc, got %q", tail[1].Digest)
	}
}

func TestTailBounded(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(filepath.Join(dir, "audit.jsonl"), 2)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer log.Close()

	for i := 0; i < 5; i++ {
		if err := log.Append(Record{Actor: "system", Action: "noop", Decision: "Accepted"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if got := len(log.Tail(100)); got != 2 {
		t.Fatalf("expected tail bounded to 2, got %d", got)
	}
}

func TestReopenPreservesFileContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	log1, err := Open(path, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := log1.Append(Record{Actor: "pub_ae", Action: "emit", Decision: "Accepted"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	log1.Close()

	log2, err := Open(path, 10)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer log2.Close()
	if err := log2.Append(Record{Actor: "pub_ae", Action: "emit", Decision: "Accepted"}); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if got := len(log2.Tail(100)); got != 1 {
		t.Fatalf("fresh process's in-memory tail should only see what it wrote, got %d", got)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if got := bytes.Count(raw, []byte("\n")); got != 2 {
		t.Fatalf("expected both records to remain in the file, got %d lines", got)
	}
}
