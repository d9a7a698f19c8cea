package editor

// Draft is the in-memory title/body buffer of an editing session.
type Draft struct {
	Title string
	Body  string
}

// SaveState is the three-valued indicator of whether the buffer matches the
// last durable write.
type SaveState string

const (
	// StateSaved means the last known persistence succeeded and no local
	// edit is pending.
	StateSaved SaveState = "saved"
	// StateSaving means exactly one persistence call is in flight.
	StateSaving SaveState = "saving"
	// StateUnsaved means the buffer is ahead of the stored copy.
	StateUnsaved SaveState = "unsaved"
)
