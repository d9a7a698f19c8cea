package documents

import (
	"errors"
	"fmt"
	"strings"
)

// Status tracks whether the stored copy reflects an explicit save.
type Status string

const (
	// StatusDraft marks a freshly created document before its first save.
	StatusDraft Status = "draft"
	// StatusSaved marks a document whose last persistence succeeded.
	StatusSaved Status = "saved"
)

const (
	maxIdentifierLength = 190
	maxTitleLength      = 512
	maxLabelLength      = 190
	defaultTitle        = "Untitled Document"
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("documents: invalid user id")
	// ErrInvalidStatus indicates an unrecognized lifecycle status value.
	ErrInvalidStatus = errors.New("documents: invalid status")
	// ErrInvalidLabel indicates a knowledge entry label is empty or too long.
	ErrInvalidLabel = errors.New("documents: invalid knowledge label")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ParseStatus validates a raw lifecycle status string.
func ParseStatus(rawInput string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(StatusDraft):
		return StatusDraft, nil
	case string(StatusSaved):
		return StatusSaved, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// Document models a persisted document owned by a single writer.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner_updated,priority:1"`
	Title            string `gorm:"column:title;size:512;not null"`
	Body             string `gorm:"column:body;type:text;not null"`
	Status           Status `gorm:"column:status;size:16;not null;default:'draft'"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_documents_owner_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// KnowledgeEntry models a labeled reference snippet scoped to one document.
type KnowledgeEntry struct {
	EntryID          string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index:idx_knowledge_document,priority:1"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null"`
	Label            string `gorm:"column:label;size:190;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_knowledge_document,priority:2"`
	Sequence         int64  `gorm:"column:sequence;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (KnowledgeEntry) TableName() string {
	return "knowledge_entries"
}

// PatchRequest carries the optional field updates for a document.
type PatchRequest struct {
	Title  *string
	Body   *string
	Status *Status
}

func (p PatchRequest) empty() bool {
	return p.Title == nil && p.Body == nil && p.Status == nil
}
