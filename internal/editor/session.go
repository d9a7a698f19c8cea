package editor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/assistant"
	"go.uber.org/zap"
)

var (
	// ErrSessionOwnedElsewhere indicates another user holds the live
	// session for this document.
	ErrSessionOwnedElsewhere = errors.New("editor: session owned by another user")
	// ErrSessionNotFound indicates no live session exists for the document.
	ErrSessionNotFound = errors.New("editor: session not found")

	errMissingManagerPersister = errors.New("editor: session manager requires a persister")
	errMissingGenerator        = errors.New("editor: session manager requires a generator")
)

// Session is the live, single-writer editing state for one document: the
// draft buffer with its save controller, the ephemeral selection, and the
// assistant dispatcher with its transcript.
type Session struct {
	DocumentID string
	OwnerID    string
	Controller *SaveController
	Selection  *SelectionTracker
	Assistant  *assistant.Dispatcher
}

// draftInserter adapts the save controller into the Inserter capability the
// assistant receives: generated text is appended to the draft body as a
// regular edit, so it debounces and persists like typed input.
type draftInserter struct {
	controller *SaveController
}

func (i *draftInserter) Insert(text string) error {
	draft := i.controller.Buffer()
	if draft.Body == "" {
		draft.Body = text
	} else {
		draft.Body = draft.Body + "\n\n" + text
	}
	i.controller.Edit(draft)
	return nil
}

// SessionManagerConfig describes the collaborators shared by all sessions.
type SessionManagerConfig struct {
	Persister Persister
	Generator assistant.Generator
	Assembler *assistant.ContextAssembler
	Window    time.Duration
	NewTimer  TimerFactory
	Logger    *zap.Logger
}

// SessionManager owns at most one live session per document.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	persister Persister
	generator assistant.Generator
	assembler *assistant.ContextAssembler
	window    time.Duration
	newTimer  TimerFactory
	logger    *zap.Logger
}

// NewSessionManager constructs an empty session registry.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Persister == nil {
		return nil, errMissingManagerPersister
	}
	if cfg.Generator == nil {
		return nil, errMissingGenerator
	}
	assembler := cfg.Assembler
	if assembler == nil {
		assembler = assistant.NewContextAssembler(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SessionManager{
		sessions:  make(map[string]*Session),
		persister: cfg.Persister,
		generator: cfg.Generator,
		assembler: assembler,
		window:    cfg.Window,
		newTimer:  cfg.NewTimer,
		logger:    logger,
	}, nil
}

// OpenRequest carries the stored document state a new session starts from.
type OpenRequest struct {
	DocumentID       string
	OwnerID          string
	Initial          Draft
	InitialState     SaveState
	UpdatedAtSeconds int64
}

// Open returns the live session for the document, creating one from the
// stored state if absent. A session held by a different owner is not shared.
func (m *SessionManager) Open(request OpenRequest) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[request.DocumentID]; ok {
		if existing.OwnerID != request.OwnerID {
			return nil, ErrSessionOwnedElsewhere
		}
		return existing, nil
	}

	controller, err := NewSaveController(SaveControllerConfig{
		DocumentID:       request.DocumentID,
		Initial:          request.Initial,
		InitialState:     request.InitialState,
		UpdatedAtSeconds: request.UpdatedAtSeconds,
		Window:           m.window,
		Persister:        m.persister,
		NewTimer:         m.newTimer,
		Logger:           m.logger,
	})
	if err != nil {
		return nil, err
	}

	dispatcher, err := assistant.NewDispatcher(assistant.DispatcherConfig{
		Assembler: m.assembler,
		Generator: m.generator,
		Inserter:  &draftInserter{controller: controller},
		Logger:    m.logger,
	})
	if err != nil {
		controller.Close()
		return nil, err
	}

	session := &Session{
		DocumentID: request.DocumentID,
		OwnerID:    request.OwnerID,
		Controller: controller,
		Selection:  NewSelectionTracker(),
		Assistant:  dispatcher,
	}
	m.sessions[request.DocumentID] = session
	return session, nil
}

// Get returns the live session for the document when the owner matches.
func (m *SessionManager) Get(documentID, ownerID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[documentID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.OwnerID != ownerID {
		return nil, ErrSessionOwnedElsewhere
	}
	return session, nil
}

// Close flushes pending edits and removes the session. The session is only
// removed after the flush succeeds: on a persistence failure it stays
// registered with its buffer intact, so the caller can retry the close or
// keep editing.
func (m *SessionManager) Close(ctx context.Context, documentID, ownerID string) error {
	m.mu.Lock()
	session, ok := m.sessions[documentID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if session.OwnerID != ownerID {
		m.mu.Unlock()
		return ErrSessionOwnedElsewhere
	}
	m.mu.Unlock()

	if err := session.Controller.Flush(ctx); err != nil {
		m.logger.Warn("flush on session close failed",
			zap.String("document_id", documentID),
			zap.Error(err))
		return err
	}

	m.mu.Lock()
	if current, ok := m.sessions[documentID]; ok && current == session {
		delete(m.sessions, documentID)
	}
	m.mu.Unlock()
	session.Controller.Close()
	return nil
}

// Drop removes a session without flushing, used when the document is deleted.
func (m *SessionManager) Drop(documentID string) {
	m.mu.Lock()
	session, ok := m.sessions[documentID]
	if ok {
		delete(m.sessions, documentID)
	}
	m.mu.Unlock()
	if ok {
		session.Controller.Close()
	}
}
