package manager

import (
	"strings"
	"sync"
	"time"

	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/protocol"
)

// logRingEntries bounds the per-sandbox log history kept for late readers.
const logRingEntries = 512

// LogEntry is one bridge log line.
type LogEntry struct {
	Level string    `json:"level"`
	Text  string    `json:"text"`
	TS    time.Time `json:"ts"`
}

func entryFromEvent(ev *protocol.Event) LogEntry {
	ts := time.Now().UTC()
	if ev.TS > 0 {
		ts = time.UnixMilli(ev.TS).UTC()
	}
	return LogEntry{Level: ev.Level, Text: ev.Text, TS: ts}
}

// logRing keeps the last N entries and fans new ones out to subscribers.
// Slow subscribers lose entries rather than stalling the bridge reader.
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	start   int
	count   int
	subs    map[chan LogEntry]struct{}
}

func newLogRing(capacity int) *logRing {
	return &logRing{
		entries: make([]LogEntry, capacity),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

func (r *logRing) append(entry LogEntry) {
	r.mu.Lock()
	idx := (r.start + r.count) % len(r.entries)
	if r.count == len(r.entries) {
		r.start = (r.start + 1) % len(r.entries)
	} else {
		r.count++
	}
	r.entries[idx] = entry

	for ch := range r.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	r.mu.Unlock()
}

// snapshot returns up to n most recent entries, oldest first. n <= 0 returns
// everything buffered.
func (r *logRing) snapshot(n int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]LogEntry, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.entries[(r.start+i)%len(r.entries)])
	}
	return out
}

func (r *logRing) subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		delete(r.subs, ch)
		r.mu.Unlock()
	}
}

// writer adapts the ring to an io.Writer so the bridge process's own stdout
// and stderr land in the history too. Writes are split on newlines.
func (r *logRing) writer(level string) *ringWriter {
	return &ringWriter{ring: r, level: level}
}

type ringWriter struct {
	ring  *logRing
	level string
	mu    sync.Mutex
	buf   strings.Builder
}

func (w *ringWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, b := range p {
		if b == '\n' {
			if w.buf.Len() > 0 {
				w.ring.append(LogEntry{Level: w.level, Text: w.buf.String(), TS: time.Now().UTC()})
				w.buf.Reset()
			}
			continue
		}
		w.buf.WriteByte(b)
	}
	return len(p), nil
}

// Logs returns up to n recent log entries for a live sandbox, oldest first.
func (m *Manager) Logs(id string, n int) ([]LogEntry, error) {
	m.mu.RLock()
	inst, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "sandbox not running: %s", id)
	}
	return inst.logs.snapshot(n), nil
}

// FollowLogs returns recent entries plus a channel of subsequent ones. The
// cancel func must be called when the follower goes away.
func (m *Manager) FollowLogs(id string, n int) ([]LogEntry, <-chan LogEntry, func(), error) {
	m.mu.RLock()
	inst, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, nil, errs.Newf(errs.KindNotFound, "sandbox not running: %s", id)
	}
	ch, cancel := inst.logs.subscribe()
	return inst.logs.snapshot(n), ch, cancel, nil
}
