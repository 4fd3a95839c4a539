package uds

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Direction classifies a journal entry.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
	DirectionError    Direction = "error"
	DirectionPending  Direction = "pending"
)

// Entry is one protocol event pushed to observers.
type Entry struct {
	Time        time.Time `json:"time"`
	Direction   Direction `json:"direction"`
	Raw         []byte    `json:"-"`
	Hex         string    `json:"hex"`
	Description string    `json:"description"`
}

// Journal is the bounded in-memory frame log. Publication never blocks the
// protocol engine: the backlog drops its oldest entry when the cap is
// exceeded, and slow subscribers lose entries rather than stall the wire.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
	subs    map[int]chan Entry
	nextSub int
}

func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Journal{
		cap:  capacity,
		subs: make(map[int]chan Entry),
	}
}

// Record appends an entry and fans it out to subscribers.
func (j *Journal) Record(dir Direction, raw []byte, description string) {
	entry := Entry{
		Time:        time.Now(),
		Direction:   dir,
		Raw:         append([]byte{}, raw...),
		Hex:         strings.ToUpper(hex.EncodeToString(raw)),
		Description: description,
	}

	j.mu.Lock()
	j.entries = append(j.entries, entry)
	if len(j.entries) > j.cap {
		j.entries = j.entries[len(j.entries)-j.cap:]
	}
	for _, ch := range j.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	j.mu.Unlock()
}

// Subscribe registers an observer channel. The returned cancel func must be
// called when the observer goes away.
func (j *Journal) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)

	j.mu.Lock()
	id := j.nextSub
	j.nextSub++
	j.subs[id] = ch
	j.mu.Unlock()

	cancel := func() {
		j.mu.Lock()
		delete(j.subs, id)
		j.mu.Unlock()
	}
	return ch, cancel
}

// Snapshot returns a copy of the retained entries.
func (j *Journal) Snapshot() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Entry{}, j.entries...)
}

// Export renders the retained entries as the text document handed to the
// user on log export.
func (j *Journal) Export(header string) string {
	var b strings.Builder
	if header != "" {
		b.WriteString(header)
		if !strings.HasSuffix(header, "\n") {
			b.WriteByte('\n')
		}
		b.WriteString(strings.Repeat("-", 60))
		b.WriteByte('\n')
	}
	for _, e := range j.Snapshot() {
		fmt.Fprintf(&b, "%s [%-8s] %-24s %s\n",
			e.Time.Format("15:04:05.000"), e.Direction, e.Hex, e.Description)
	}
	return b.String()
}
