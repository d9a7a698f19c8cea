package editor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/assistant"
)

type staticGenerator struct {
	result string
}

func (g *staticGenerator) Generate(context.Context, assistant.GenerationRequest) (string, error) {
	if g.result == "" {
		return "", assistant.ErrEmptyGeneration
	}
	return g.result, nil
}

func newTestManager(t *testing.T, persister Persister) *SessionManager {
	t.Helper()

	manager, err := NewSessionManager(SessionManagerConfig{
		Persister: persister,
		Generator: &staticGenerator{result: "generated text"},
		Window:    time.Second,
		NewTimer: func(fire func()) Timer {
			return &manualTimer{fire: fire}
		},
	})
	if err != nil {
		t.Fatalf("unexpected manager error: %v", err)
	}
	return manager
}

func TestOpenReturnsExistingSessionForSameOwner(t *testing.T) {
	manager := newTestManager(t, &scriptedPersister{})

	first, err := manager.Open(OpenRequest{
		DocumentID:   "doc-1",
		OwnerID:      "user-1",
		Initial:      Draft{Title: "T"},
		InitialState: StateSaved,
	})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	second, err := manager.Open(OpenRequest{DocumentID: "doc-1", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same live session")
	}
}

func TestOpenRejectsForeignOwner(t *testing.T) {
	manager := newTestManager(t, &scriptedPersister{})

	if _, err := manager.Open(OpenRequest{DocumentID: "doc-1", OwnerID: "user-1"}); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	_, err := manager.Open(OpenRequest{DocumentID: "doc-1", OwnerID: "user-2"})
	if !errors.Is(err, ErrSessionOwnedElsewhere) {
		t.Fatalf("expected ownership error, got %v", err)
	}

	_, err = manager.Get("doc-1", "user-2")
	if !errors.Is(err, ErrSessionOwnedElsewhere) {
		t.Fatalf("expected ownership error on get, got %v", err)
	}
}

func TestGetUnknownSession(t *testing.T) {
	manager := newTestManager(t, &scriptedPersister{})

	_, err := manager.Get("missing", "user-1")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCloseFlushesPendingEdits(t *testing.T) {
	persister := &scriptedPersister{}
	manager := newTestManager(t, persister)

	session, err := manager.Open(OpenRequest{
		DocumentID:   "doc-1",
		OwnerID:      "user-1",
		InitialState: StateSaved,
	})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	session.Controller.Edit(Draft{Body: "pending edit"})

	if err := manager.Close(context.Background(), "doc-1", "user-1"); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	calls := persister.Calls()
	if len(calls) != 1 || calls[0].Body != "pending edit" {
		t.Fatalf("expected close to flush the pending draft, got %#v", calls)
	}

	if _, err := manager.Get("doc-1", "user-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session removed after close, got %v", err)
	}
}

func TestInserterAppendsToDraftBody(t *testing.T) {
	persister := &scriptedPersister{}
	manager := newTestManager(t, persister)

	session, err := manager.Open(OpenRequest{
		DocumentID:   "doc-1",
		OwnerID:      "user-1",
		Initial:      Draft{Body: "Opening paragraph."},
		InitialState: StateSaved,
	})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	if err := session.Assistant.InsertResult("Generated continuation."); err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}

	buffer := session.Controller.Buffer()
	expected := "Opening paragraph.\n\nGenerated continuation."
	if buffer.Body != expected {
		t.Fatalf("unexpected body after insert: %q", buffer.Body)
	}
	if session.Controller.State() != StateUnsaved {
		t.Fatalf("expected inserted text to mark the draft unsaved")
	}
}

func TestCloseKeepsSessionWhenFlushFails(t *testing.T) {
	persister := &scriptedPersister{}
	manager := newTestManager(t, persister)

	session, err := manager.Open(OpenRequest{
		DocumentID:   "doc-1",
		OwnerID:      "user-1",
		Initial:      Draft{Body: "saved body"},
		InitialState: StateSaved,
	})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	session.Controller.Edit(Draft{Body: "pending edit"})

	persister.SetError(errors.New("store unavailable"))
	if err := manager.Close(context.Background(), "doc-1", "user-1"); err == nil {
		t.Fatalf("expected close to report the flush failure")
	}

	kept, err := manager.Get("doc-1", "user-1")
	if err != nil {
		t.Fatalf("expected session to survive the failed flush, got %v", err)
	}
	if buffer := kept.Controller.Buffer(); buffer.Body != "pending edit" {
		t.Fatalf("expected buffer intact after failed flush, got %q", buffer.Body)
	}

	persister.SetError(nil)
	if err := manager.Close(context.Background(), "doc-1", "user-1"); err != nil {
		t.Fatalf("unexpected error on retried close: %v", err)
	}

	calls := persister.Calls()
	if len(calls) == 0 || calls[len(calls)-1].Body != "pending edit" {
		t.Fatalf("expected retried close to persist the pending draft, got %#v", calls)
	}
	if _, err := manager.Get("doc-1", "user-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session removed after successful close, got %v", err)
	}
}

func TestCloseRejectsForeignOwnerWithoutFlushing(t *testing.T) {
	persister := &scriptedPersister{}
	manager := newTestManager(t, persister)

	session, err := manager.Open(OpenRequest{
		DocumentID:   "doc-1",
		OwnerID:      "user-1",
		Initial:      Draft{Body: "saved body"},
		InitialState: StateSaved,
	})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	session.Controller.Edit(Draft{Body: "pending edit"})

	if err := manager.Close(context.Background(), "doc-1", "user-2"); !errors.Is(err, ErrSessionOwnedElsewhere) {
		t.Fatalf("expected ownership error, got %v", err)
	}
	if len(persister.Calls()) != 0 {
		t.Fatalf("expected no flush for a foreign close attempt, got %#v", persister.Calls())
	}
	if _, err := manager.Get("doc-1", "user-1"); err != nil {
		t.Fatalf("expected session to remain for its owner, got %v", err)
	}
}
