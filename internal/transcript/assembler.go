// Package transcript reassembles segment results into a running transcript.
//
// Segments are transcribed concurrently, so results arrive in completion
// order. The Assembler holds early arrivals until every lower sequence number
// has either produced text or been skipped.
package transcript

import (
	"strings"
	"sync"
)

// Entry is one segment's text as it is released in sequence order.
type Entry struct {
	Sequence int
	Text     string
	Skipped  bool
}

// Assembler is safe for concurrent use.
type Assembler struct {
	mu      sync.Mutex
	next    int
	pending map[int]Entry
	parts   []string
	onEmit  func(Entry)
}

// New creates an assembler expecting first as the lowest sequence number.
// onEmit, when set, is called for each released entry while the assembler's
// lock is held, so it must not call back into the assembler.
func New(first int, onEmit func(Entry)) *Assembler {
	return &Assembler{
		next:    first,
		pending: make(map[int]Entry),
		onEmit:  onEmit,
	}
}

// Add records text for seq and returns the entries released by it.
// Duplicate or already released sequence numbers are ignored.
func (a *Assembler) Add(seq int, text string) []Entry {
	return a.put(Entry{Sequence: seq, Text: strings.TrimSpace(text)})
}

// Skip marks seq as producing no text so later segments are not held back.
func (a *Assembler) Skip(seq int) []Entry {
	return a.put(Entry{Sequence: seq, Skipped: true})
}

func (a *Assembler) put(e Entry) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e.Sequence < a.next {
		return nil
	}
	if _, dup := a.pending[e.Sequence]; dup {
		return nil
	}
	a.pending[e.Sequence] = e

	var released []Entry
	for {
		next, ok := a.pending[a.next]
		if !ok {
			break
		}
		delete(a.pending, a.next)
		a.next++
		if !next.Skipped && next.Text != "" {
			a.parts = append(a.parts, next.Text)
		}
		released = append(released, next)
		if a.onEmit != nil {
			a.onEmit(next)
		}
	}
	return released
}

// Text joins every released segment with single spaces.
func (a *Assembler) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.parts, " ")
}

// Next is the sequence number the assembler is waiting for.
func (a *Assembler) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Held counts results received ahead of a gap.
func (a *Assembler) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Flush releases held entries in order regardless of gaps. Used when a
// session ends and missing sequences will never arrive.
func (a *Assembler) Flush() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return nil
	}
	max := a.next
	for seq := range a.pending {
		if seq > max {
			max = seq
		}
	}
	var released []Entry
	for ; a.next <= max; a.next++ {
		e, ok := a.pending[a.next]
		if !ok {
			continue
		}
		delete(a.pending, a.next)
		if !e.Skipped && e.Text != "" {
			a.parts = append(a.parts, e.Text)
		}
		released = append(released, e)
		if a.onEmit != nil {
			a.onEmit(e)
		}
	}
	return released
}
