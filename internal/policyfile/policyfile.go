// Package policyfile parses the static, file-backed policy document and
// watches it for changes via mtime polling. A failed reparse leaves the
// previously good policy in effect and never crashes the service.
package policyfile

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atomic-mesh/abi-gateway/internal/audit"
)

// SubjectRule is the static membership + label rule for one subject.
type SubjectRule struct {
	Publishers  []string `yaml:"pubs"`
	Subscribers []string `yaml:"subs"`
	Labels      []string `yaml:"labels"`
}

// RoleAttrs is an unused-in-core attribute bag for a role name.
type RoleAttrs map[string]any

// Document is the parsed shape of the policy YAML file.
type Document struct {
	Subjects map[string]SubjectRule `yaml:"subjects"`
	Roles    map[string]RoleAttrs   `yaml:"roles"`
}

// Parse reads and decodes a policy YAML document from raw bytes.
func Parse(raw []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("policyfile: parse: %w", err)
	}
	if doc.Subjects == nil {
		doc.Subjects = map[string]SubjectRule{}
	}
	if doc.Roles == nil {
		doc.Roles = map[string]RoleAttrs{}
	}
	return doc, nil
}

// OnChange is invoked after every successful reload with the new document.
type OnChange func(Document)

// Watcher polls a policy file for mtime changes and republishes an
// immutable Document snapshot on success. Readers never block on reload.
type Watcher struct {
	path     string
	interval time.Duration
	log      *audit.Log
	onChange OnChange

	snapshot atomic.Pointer[Document]
	lastMod  time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher loads path once (an initial load failure is fatal — there is
// no "previously good" policy yet) and returns a Watcher ready to Start.
func NewWatcher(path string, interval time.Duration, log *audit.Log, onChange OnChange) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: interval,
		log:      log,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	doc, mod, err := loadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policyfile: initial load: %w", err)
	}
	w.snapshot.Store(&doc)
	w.lastMod = mod
	if onChange != nil {
		onChange(doc)
	}
	return w, nil
}

// Snapshot returns the current, immutable policy document.
func (w *Watcher) Snapshot() Document {
	return *w.snapshot.Load()
}

// Start begins the background mtime-poll loop. Stop releases it.
func (w *Watcher) Start() {
	go func() {
		defer close(w.doneCh)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.pollOnce()
			}
		}
	}()
}

// Stop halts the background poll loop and waits for it to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watcher) pollOnce() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.audit("policy.reload_failed", err.Error())
		return
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}

	doc, mod, err := loadFile(w.path)
	if err != nil {
		// A failed reparse leaves the previously good policy in effect and
		// must not crash the service.
		w.audit("policy.reload_failed", err.Error())
		return
	}
	w.snapshot.Store(&doc)
	w.lastMod = mod
	w.audit("policy.reloaded", "")
	if w.onChange != nil {
		w.onChange(doc)
	}
}

func (w *Watcher) audit(action, reason string) {
	if w.log == nil {
		return
	}
	_ = w.log.Append(audit.Record{
		Actor:    "system",
		Action:   action,
		Decision: "Accepted",
		Reason:   reason,
	})
}

func loadFile(path string) (Document, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Document{}, time.Time{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, time.Time{}, err
	}
	doc, err := Parse(raw)
	if err != nil {
		return Document{}, time.Time{}, err
	}
	return doc, info.ModTime(), nil
}
