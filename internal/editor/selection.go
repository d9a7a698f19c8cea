package editor

import "sync"

// SelectionTracker holds the ephemeral span the user currently has selected.
// An empty span means no selection. No history is kept.
type SelectionTracker struct {
	mu   sync.Mutex
	span string
}

// NewSelectionTracker returns a tracker with no selection.
func NewSelectionTracker() *SelectionTracker {
	return &SelectionTracker{}
}

// Set replaces the current selection; an empty span clears it.
func (t *SelectionTracker) Set(span string) {
	t.mu.Lock()
	t.span = span
	t.mu.Unlock()
}

// Clear resets the selection to empty.
func (t *SelectionTracker) Clear() {
	t.Set("")
}

// Current returns the selected span, empty when nothing is selected.
func (t *SelectionTracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.span
}
