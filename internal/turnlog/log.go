// Package turnlog maintains the in-memory, ordered log of conversational
// turns for one translation session. The log is the live view of the
// conversation: the upstream engine streams cumulative partials into it, and
// turns are frozen exactly once when the engine signals the end of a turn.
//
// The log performs no I/O. Durable persistence of finalized turns is handled
// elsewhere; losing the process loses only the live view.
//
// All methods are safe for concurrent use.
package turnlog

import "sync"

// Role classifies a turn's origin.
type Role string

const (
	// RoleAgent marks translation-engine output.
	RoleAgent Role = "agent"

	// RoleUser marks a raw input transcript.
	RoleUser Role = "user"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleAgent || r == RoleUser
}

// Turn is one streamed utterance/output unit. A turn starts non-final while
// the engine is still revising it and transitions to final exactly once;
// after that its text never changes.
type Turn struct {
	// Role identifies the turn's origin stream.
	Role Role

	// Text is the current cumulative text of the turn. It may carry a leading
	// language marker which the display layer strips via langtag.Resolve.
	Text string

	// Final reports whether the turn has been frozen.
	Final bool
}

// Log is the ordered turn log. Turns are only ever appended or revised at
// the tail; the invariant is that per role at most one non-final turn exists,
// and only at the tail of that role's stream.
type Log struct {
	mu    sync.RWMutex
	turns []Turn

	// changed receives a coalesced signal after every mutation. Capacity 1,
	// non-blocking send: a slow consumer sees at least one pending signal.
	changed chan struct{}
}

// New creates an empty Log.
func New() *Log {
	return &Log{
		changed: make(chan struct{}, 1),
	}
}

// Append delivers the current cumulative text of the in-progress turn for
// role. If the tail turn of the log has the same role and is still non-final
// its text is replaced by text (upstream partials are cumulative, so the
// fragment is the whole turn so far); otherwise a new non-final turn is
// appended.
func (l *Log) Append(role Role, text string) {
	l.mu.Lock()
	if n := len(l.turns); n > 0 {
		tail := &l.turns[n-1]
		if tail.Role == role && !tail.Final {
			tail.Text = text
			l.mu.Unlock()
			l.notify()
			return
		}
	}
	l.turns = append(l.turns, Turn{Role: role, Text: text})
	l.mu.Unlock()
	l.notify()
}

// Finalize freezes the tail turn of the given role's stream and returns it.
// When no non-final tail turn exists for that role — including a second
// Finalize for the same turn — it is a no-op and ok is false.
func (l *Log) Finalize(role Role) (Turn, bool) {
	l.mu.Lock()
	for i := len(l.turns) - 1; i >= 0; i-- {
		if l.turns[i].Role != role {
			continue
		}
		if l.turns[i].Final {
			break
		}
		l.turns[i].Final = true
		frozen := l.turns[i]
		l.mu.Unlock()
		l.notify()
		return frozen, true
	}
	l.mu.Unlock()
	return Turn{}, false
}

// TurnsOf returns an ordered snapshot of all turns with the given role.
func (l *Log) TurnsOf(role Role) []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Turn, 0, len(l.turns))
	for _, t := range l.turns {
		if t.Role == role {
			out = append(out, t)
		}
	}
	return out
}

// Turns returns an ordered snapshot of the whole log.
func (l *Log) Turns() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Last returns the most recently appended turn. ok is false when the log is
// empty.
func (l *Log) Last() (Turn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.turns) == 0 {
		return Turn{}, false
	}
	return l.turns[len(l.turns)-1], true
}

// Len returns the number of turns in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Reset discards all turns. The log belongs to the current session; a new
// login starts with an empty view.
func (l *Log) Reset() {
	l.mu.Lock()
	l.turns = nil
	l.mu.Unlock()
	l.notify()
}

// Changed returns a channel that receives a coalesced signal after each
// mutation of the log. Consumers should re-read a snapshot on every signal;
// signals are dropped rather than queued when the consumer lags.
func (l *Log) Changed() <-chan struct{} {
	return l.changed
}

// notify performs the non-blocking coalesced send on the change channel.
func (l *Log) notify() {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}
