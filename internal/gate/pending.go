package gate

import (
	"log/slog"
	"sync"
	"time"
)

// ackResult is what the device reports back for one command.
type ackResult struct {
	ok        bool
	errorCode string
}

// pendingMap correlates outstanding request ids with their completion
// channels. Each channel is buffered so the resolving side never blocks.
// Whoever removes an entry (ack handler, timeout path, or failAll) owns the
// terminal outcome for that id; the losing side of the race finds the entry
// gone and backs off.
type pendingMap struct {
	mu      sync.Mutex
	waiting map[string]*pendingEntry
}

type pendingEntry struct {
	ch      chan ackResult
	started time.Time
}

func newPendingMap() *pendingMap {
	return &pendingMap{waiting: map[string]*pendingEntry{}}
}

// add registers a waiter for id and returns its completion channel. A second
// add for a live id should be impossible (the replay guard rejects duplicates
// before dispatch); if it happens anyway the old waiter is failed and replaced
// rather than silently merging two callers onto one channel.
func (p *pendingMap) add(id string) <-chan ackResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.waiting[id]; ok {
		slog.Error("pending entry already exists, replacing", "request_id", id)
		close(old.ch)
	}
	entry := &pendingEntry{ch: make(chan ackResult, 1), started: time.Now()}
	p.waiting[id] = entry
	return entry.ch
}

// resolve completes the waiter for id, if one is still registered. Unknown
// ids are expected when an ack races a fired timeout and must not escalate.
func (p *pendingMap) resolve(id string, res ackResult) {
	p.mu.Lock()
	entry, ok := p.waiting[id]
	if ok {
		delete(p.waiting, id)
	}
	p.mu.Unlock()
	if !ok {
		slog.Warn("ack for unknown request id", "request_id", id)
		return
	}
	slog.Info("ack received", "request_id", id, "ok", res.ok, "duration_ms", time.Since(entry.started).Milliseconds())
	entry.ch <- res
}

// drop removes the waiter for id without completing it. Returns false when
// the entry is already gone, meaning an ack won the race.
func (p *pendingMap) drop(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.waiting[id]; !ok {
		return false
	}
	delete(p.waiting, id)
	return true
}

// failAll rejects every outstanding waiter. Called on transport disconnect so
// no caller waits out its full timeout against a dead connection.
func (p *pendingMap) failAll() {
	p.mu.Lock()
	entries := p.waiting
	p.waiting = map[string]*pendingEntry{}
	p.mu.Unlock()
	for id, entry := range entries {
		close(entry.ch)
		slog.Warn("pending request failed by disconnect", "request_id", id)
	}
}

func (p *pendingMap) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}
