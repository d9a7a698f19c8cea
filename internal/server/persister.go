package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/editor"
)

var errUnknownSessionDocument = errors.New("server: no owner registered for document")

// DraftPersister writes session drafts through the documents service and
// publishes a saved event for the owner's open streams. Owner registration
// happens at session open because the persistence call itself carries only
// the document id.
type DraftPersister struct {
	documents *documents.Service
	realtime  *RealtimeDispatcher
	clock     func() time.Time

	mu     sync.RWMutex
	owners map[string]documents.UserID
}

func NewDraftPersister(service *documents.Service, realtime *RealtimeDispatcher, clock func() time.Time) *DraftPersister {
	if clock == nil {
		clock = time.Now
	}
	return &DraftPersister{
		documents: service,
		realtime:  realtime,
		clock:     clock,
		owners:    make(map[string]documents.UserID),
	}
}

// RegisterOwner binds a document to the owner whose session is writing it.
func (p *DraftPersister) RegisterOwner(documentID string, ownerID documents.UserID) {
	p.mu.Lock()
	p.owners[documentID] = ownerID
	p.mu.Unlock()
}

// ForgetOwner releases the binding once the session is gone.
func (p *DraftPersister) ForgetOwner(documentID string) {
	p.mu.Lock()
	delete(p.owners, documentID)
	p.mu.Unlock()
}

// PersistDraft stores the draft snapshot, marks the document saved, and
// reports the stored update timestamp.
func (p *DraftPersister) PersistDraft(ctx context.Context, documentID string, draft editor.Draft) (int64, error) {
	p.mu.RLock()
	ownerID, ok := p.owners[documentID]
	p.mu.RUnlock()
	if !ok {
		return 0, errUnknownSessionDocument
	}

	docID, err := documents.NewDocumentID(documentID)
	if err != nil {
		return 0, err
	}

	saved := documents.StatusSaved
	updated, err := p.documents.Patch(ctx, ownerID, docID, documents.PatchRequest{
		Title:  &draft.Title,
		Body:   &draft.Body,
		Status: &saved,
	})
	if err != nil {
		return 0, err
	}

	if p.realtime != nil {
		p.realtime.Publish(RealtimeMessage{
			UserID:      string(ownerID),
			EventType:   RealtimeEventDocumentSaved,
			DocumentIDs: []string{documentID},
			Timestamp:   p.clock().UTC(),
		})
	}
	return updated.UpdatedAtSeconds, nil
}
