package commentary

import "sync"

// MaxHistoryPairs is the number of user/assistant pairs kept per persona.
const MaxHistoryPairs = 10

// HistoryEntry is one turn of a persona's transcript.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History keeps a short rolling transcript per persona. Entries are always
// appended as a user/assistant pair and the oldest pair is evicted first.
type History struct {
	mu       sync.RWMutex
	entries  map[string][]HistoryEntry
	maxPairs int
}

func NewHistory() *History {
	return &History{
		entries:  make(map[string][]HistoryEntry),
		maxPairs: MaxHistoryPairs,
	}
}

// Get returns a copy of the persona's transcript, oldest first.
func (h *History) Get(personaID string) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cur := h.entries[personaID]
	out := make([]HistoryEntry, len(cur))
	copy(out, cur)
	return out
}

// Append records one exchange.
func (h *History) Append(personaID, user, assistant string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.entries[personaID]
	next := make([]HistoryEntry, 0, len(cur)+2)
	next = append(next, cur...)
	next = append(next,
		HistoryEntry{Role: "user", Content: user},
		HistoryEntry{Role: "assistant", Content: assistant},
	)
	if limit := h.maxPairs * 2; len(next) > limit {
		next = append([]HistoryEntry(nil), next[len(next)-limit:]...)
	}
	h.entries[personaID] = next
}

// All returns a snapshot of every transcript.
func (h *History) All() map[string][]HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string][]HistoryEntry, len(h.entries))
	for id, cur := range h.entries {
		cp := make([]HistoryEntry, len(cur))
		copy(cp, cur)
		out[id] = cp
	}
	return out
}

// Clear forgets every transcript.
func (h *History) Clear() {
	h.mu.Lock()
	h.entries = make(map[string][]HistoryEntry)
	h.mu.Unlock()
}
