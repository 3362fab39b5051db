package policyfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
subjects:
  fused.track:
    pubs: [pub_ae]
    subs: [sub_ae]
roles: {}
`

const reloadedYAML = `
subjects:
  fused.track:
    pubs: [pub_ae]
    subs: [sub_ae]
  fusion.topic:
    pubs: [pub_ae]
roles: {}
`

func writeFile(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	return path
}

func TestNewWatcherLoadsInitialDocument(t *testing.T) {
	path := writeFile(t, t.TempDir(), sampleYAML)

	w, err := NewWatcher(path, time.Hour, nil, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	doc := w.Snapshot()
	if rule, ok := doc.Subjects["fused.track"]; !ok || rule.Publishers[0] != "pub_ae" {
		t.Fatalf("expected fused.track publisher pub_ae, got %+v", doc.Subjects)
	}
}

func TestNewWatcherFailsOnMissingFile(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), time.Hour, nil, nil); err == nil {
		t.Fatalf("expected error for missing initial policy file")
	}
}

func TestReloadPicksUpChangeAndSurvivesBadReparse(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, sampleYAML)

	var changes int
	w, err := NewWatcher(path, 10*time.Millisecond, nil, func(Document) { changes++ })
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.Start()
	defer w.Stop()

	// Touch mtime forward with new content.
	time.Sleep(5 * time.Millisecond)
	os.WriteFile(path, []byte(reloadedYAML), 0o600)
	os.Chtimes(path, time.Now().Add(time.Second), time.Now().Add(time.Second))
	time.Sleep(50 * time.Millisecond)

	if w.Snapshot().Subjects["fused.track"].Publishers[0] != "pub_ae" {
		t.Fatalf("expected reloaded document to still parse correctly")
	}
	if _, ok := w.Snapshot().Subjects["fusion.topic"]; !ok {
		t.Fatalf("expected reload to pick up the newly added fusion.topic subject")
	}

	// Now corrupt the file; the watcher must keep serving the last good snapshot.
	os.WriteFile(path, []byte("not: [valid yaml"), 0o600)
	os.Chtimes(path, time.Now().Add(2*time.Second), time.Now().Add(2*time.Second))
	time.Sleep(50 * time.Millisecond)

	if w.Snapshot().Subjects["fused.track"].Publishers[0] != "pub_ae" {
		t.Fatalf("expected previously good policy to remain in effect after bad reparse")
	}
}
