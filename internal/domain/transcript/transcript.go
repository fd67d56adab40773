package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hezronokwach/harvest/internal/domain/role"
)

const (
	// DefaultCapacity bounds the visible transcript; oldest entries are
	// evicted first.
	DefaultCapacity = 50
	// DefaultDedupWindow is the span during which a repeated
	// (role, normalized text) utterance is treated as a channel duplicate.
	DefaultDedupWindow = 5 * time.Second
)

// Entry is one surviving utterance. Entries are append-only and never
// reordered after insertion.
type Entry struct {
	ID   string    `json:"id"`
	Role role.Role `json:"role"`
	Text string    `json:"text"`
	Seq  int       `json:"seq"`
	At   time.Time `json:"at"`
}

// Buffer merges utterances from the reliable speech channel and the
// captioning channel into one bounded, deduplicated sequence. The two
// sources race and each can duplicate or fragment a sentence; keeping
// exactly one copy per utterance is the correctness goal, not ordering
// by source.
type Buffer struct {
	mu       sync.Mutex
	entries  []Entry
	seen     map[string]time.Time
	capacity int
	window   time.Duration
	seq      int
	now      func() time.Time
}

// Option configures a Buffer.
type Option func(*Buffer)

func WithCapacity(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.capacity = n
		}
	}
}

func WithDedupWindow(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.window = d
		}
	}
}

// WithClock injects a time source. Tests use this to drive dedup expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

func NewBuffer(opts ...Option) *Buffer {
	b := &Buffer{
		seen:     map[string]time.Time{},
		capacity: DefaultCapacity,
		window:   DefaultDedupWindow,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append records a finalized utterance. It returns the stored entry and
// true, or a zero entry and false when the utterance is empty after
// trimming or suppressed as a duplicate.
func (b *Buffer) Append(r role.Role, text string) (Entry, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || !r.Valid() {
		return Entry{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	at := b.now()
	b.pruneLocked(at)

	key := dedupKey(r, trimmed)
	if _, dup := b.seen[key]; dup {
		return Entry{}, false
	}
	b.seen[key] = at.Add(b.window)

	b.seq++
	entry := Entry{
		ID:   uuid.NewString(),
		Role: r,
		Text: trimmed,
		Seq:  b.seq,
		At:   at,
	}
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
	return entry, true
}

// Entries returns a copy of the current sequence in arrival order.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Entry(nil), b.entries...)
}

// Len returns the number of surviving entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Reset clears entries and dedup keys at a session boundary.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.seen = map[string]time.Time{}
	b.seq = 0
}

func (b *Buffer) pruneLocked(at time.Time) {
	for key, expiry := range b.seen {
		if !expiry.After(at) {
			delete(b.seen, key)
		}
	}
}

func dedupKey(r role.Role, text string) string {
	return strings.ToLower(string(r)) + "|" + Normalize(text)
}

// Normalize lowers, trims and strips trailing sentence punctuation so the
// two transcript sources agree on what counts as "the same" utterance.
func Normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	return strings.TrimRight(s, ".!?…")
}
