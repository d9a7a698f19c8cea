package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultDebounceWindow = 1000 * time.Millisecond

var (
	errMissingPersister  = errors.New("persister is required")
	errMissingDocumentID = errors.New("document id is required")
	noOpLogger           = zap.NewNop()
)

// Persister writes a draft snapshot to durable storage and reports the stored
// update timestamp in unix seconds.
type Persister interface {
	PersistDraft(ctx context.Context, documentID string, draft Draft) (int64, error)
}

// SaveControllerConfig configures a per-session save controller.
type SaveControllerConfig struct {
	DocumentID string
	// Initial is the buffer contents at session open.
	Initial Draft
	// InitialState is StateSaved when loading a persisted document and
	// StateUnsaved for a freshly created one before any save.
	InitialState SaveState
	// UpdatedAtSeconds is the stored update timestamp at session open.
	UpdatedAtSeconds int64
	Window           time.Duration
	Persister        Persister
	// NewTimer may be replaced in tests with a manually driven timer.
	NewTimer TimerFactory
	Logger   *zap.Logger
}

// SaveController owns a document's draft buffer and persistence timing. Edits
// are coalesced over a debounce window; at most one persistence call is in
// flight; a stale response never clobbers a buffer that has moved on.
type SaveController struct {
	mu sync.Mutex
	// saveDone signals completion of an in-flight persistence call so
	// Flush can wait instead of silently skipping it.
	saveDone *sync.Cond

	documentID       string
	state            SaveState
	buffer           Draft
	updatedAtSeconds int64

	window    time.Duration
	timer     Timer
	persister Persister
	logger    *zap.Logger
}

// NewSaveController constructs the controller and arms nothing.
func NewSaveController(cfg SaveControllerConfig) (*SaveController, error) {
	if cfg.Persister == nil {
		return nil, errMissingPersister
	}
	if cfg.DocumentID == "" {
		return nil, errMissingDocumentID
	}

	window := cfg.Window
	if window <= 0 {
		window = defaultDebounceWindow
	}
	state := cfg.InitialState
	if state == "" {
		state = StateSaved
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	newTimer := cfg.NewTimer
	if newTimer == nil {
		newTimer = NewAfterFuncTimer
	}

	controller := &SaveController{
		documentID:       cfg.DocumentID,
		state:            state,
		buffer:           cfg.Initial,
		updatedAtSeconds: cfg.UpdatedAtSeconds,
		window:           window,
		persister:        cfg.Persister,
		logger:           logger,
	}
	controller.saveDone = sync.NewCond(&controller.mu)
	controller.timer = newTimer(controller.saveNow)
	if state == StateUnsaved {
		controller.timer.Arm(window)
	}
	return controller, nil
}

// Edit replaces the buffer with the latest draft and (re)arms the debounce
// timer. An edit during an in-flight save does not block; the completion
// handler detects that the buffer moved and re-arms.
func (c *SaveController) Edit(draft Draft) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateSaved && draft == c.buffer {
		return
	}

	c.buffer = draft
	if c.state != StateSaving {
		c.state = StateUnsaved
	}
	c.timer.Arm(c.window)
}

// State reports the current save state.
func (c *SaveController) State() SaveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Buffer returns a copy of the current draft buffer.
func (c *SaveController) Buffer() Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer
}

// UpdatedAtSeconds reports the stored update timestamp the controller last
// observed.
func (c *SaveController) UpdatedAtSeconds() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatedAtSeconds
}

// ApplyExternal reconciles a fresh copy from the store. Local edits take
// precedence: unless the local state is Saved and the external copy is
// strictly newer, the buffer is left alone. Returns whether the buffer was
// replaced.
func (c *SaveController) ApplyExternal(draft Draft, updatedAtSeconds int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateSaved {
		return false
	}
	if updatedAtSeconds <= c.updatedAtSeconds {
		return false
	}
	c.buffer = draft
	c.updatedAtSeconds = updatedAtSeconds
	return true
}

// Flush persists any pending edits immediately, bypassing the debounce
// window. A save already in flight is waited out, not skipped: if its
// response turns out stale because the buffer moved on, Flush issues another
// call, so a successful return means the current buffer is durable. Used
// when a session closes.
func (c *SaveController) Flush(ctx context.Context) error {
	c.timer.Stop()
	for {
		c.mu.Lock()
		for c.state == StateSaving {
			c.saveDone.Wait()
		}
		if c.state == StateSaved {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		if err := c.save(ctx); err != nil {
			return err
		}
	}
}

// Close stops the debounce timer without persisting.
func (c *SaveController) Close() {
	c.timer.Stop()
}

// saveNow is the timer callback. It runs on the timer goroutine.
func (c *SaveController) saveNow() {
	if err := c.save(context.Background()); err != nil {
		c.logger.Warn("debounced save failed",
			zap.String("document_id", c.documentID),
			zap.Error(err))
	}
}

// save issues a single persistence call for the buffer snapshot. The lock is
// not held across the call.
func (c *SaveController) save(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUnsaved {
		// Saving: an in-flight call already exists, this fire coalesces.
		// Saved: nothing pending.
		c.mu.Unlock()
		return nil
	}
	snapshot := c.buffer
	c.state = StateSaving
	c.mu.Unlock()

	updatedAt, err := c.persister.PersistDraft(ctx, c.documentID, snapshot)
	return c.complete(snapshot, updatedAt, err)
}

// complete applies the outcome of a persistence call against the snapshot it
// carried. If the buffer moved on while the call was in flight, the response
// is stale regardless of success and the controller re-arms.
func (c *SaveController) complete(snapshot Draft, updatedAtSeconds int64, persistErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bufferMoved := c.buffer != snapshot

	switch {
	case bufferMoved:
		// The persisted value is behind the buffer. On success the store
		// still advanced, so track its timestamp.
		if persistErr == nil {
			c.updatedAtSeconds = updatedAtSeconds
		}
		c.state = StateUnsaved
		c.timer.Arm(c.window)
	case persistErr != nil:
		// The buffer is never reverted on failure; a future edit or the
		// re-armed timer retries.
		c.state = StateUnsaved
		c.timer.Arm(c.window)
	default:
		c.state = StateSaved
		c.updatedAtSeconds = updatedAtSeconds
	}

	c.saveDone.Broadcast()

	if persistErr != nil {
		return fmt.Errorf("editor: persist draft: %w", persistErr)
	}
	return nil
}
