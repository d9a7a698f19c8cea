package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrDocumentNotFound covers both an absent document and one owned by
	// another user; callers cannot distinguish the two.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrEntryNotFound covers an absent or foreign knowledge entry.
	ErrEntryNotFound = errors.New("documents: knowledge entry not found")
)

// ServiceError wraps a failure with a dotted operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "documents.service.new"
	opGetDocument    = "documents.get"
	opListDocuments  = "documents.list"
	opCreateDocument = "documents.create"
	opPatchDocument  = "documents.patch"
	opDeleteDocument = "documents.delete"
	opListKnowledge  = "documents.knowledge.list"
	opCreateEntry    = "documents.knowledge.create"
	opUpdateEntry    = "documents.knowledge.update"
	opDeleteEntry    = "documents.knowledge.delete"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new documents and knowledge entries.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the document store service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service implements owner-scoped document and knowledge persistence.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the document service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Get returns the owner's document or ErrDocumentNotFound.
func (s *Service) Get(ctx context.Context, ownerID UserID, documentID DocumentID) (Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND owner_id = ?", documentID.String(), ownerID.String()).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		s.logError(opGetDocument, "query_failed", err, zap.String("document_id", documentID.String()))
		return Document{}, newServiceError(opGetDocument, "query_failed", err)
	}
	return doc, nil
}

// List returns the owner's documents ordered by most recently updated.
func (s *Service) List(ctx context.Context, ownerID UserID) ([]Document, error) {
	var docs []Document
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID.String()).
		Order("updated_at_s DESC").
		Find(&docs).Error; err != nil {
		s.logError(opListDocuments, "query_failed", err, zap.String("owner_id", ownerID.String()))
		return nil, newServiceError(opListDocuments, "query_failed", err)
	}
	return docs, nil
}

// Create inserts a new draft document and returns it.
func (s *Service) Create(ctx context.Context, ownerID UserID, title string) (Document, error) {
	documentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateDocument, "id_generation_failed", err)
		return Document{}, newServiceError(opCreateDocument, "id_generation_failed", err)
	}

	trimmedTitle := strings.TrimSpace(title)
	if trimmedTitle == "" {
		trimmedTitle = defaultTitle
	}
	if len(trimmedTitle) > maxTitleLength {
		trimmedTitle = trimmedTitle[:maxTitleLength]
	}

	now := s.clock().UTC().Unix()
	doc := Document{
		DocumentID:       documentID,
		OwnerID:          ownerID.String(),
		Title:            trimmedTitle,
		Body:             "",
		Status:           StatusDraft,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		s.logError(opCreateDocument, "insert_failed", err, zap.String("owner_id", ownerID.String()))
		return Document{}, newServiceError(opCreateDocument, "insert_failed", err)
	}
	return doc, nil
}

// Patch applies the provided field updates and bumps the update timestamp.
// The stored updated-at strictly increases on every accepted write, even when
// two writes land within the same wall-clock second.
func (s *Service) Patch(ctx context.Context, ownerID UserID, documentID DocumentID, patch PatchRequest) (Document, error) {
	if patch.empty() {
		return Document{}, newServiceError(opPatchDocument, "empty_patch", nil)
	}

	var updated Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ? AND owner_id = ?", documentID.String(), ownerID.String()).
			Take(&doc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDocumentNotFound
		}
		if err != nil {
			return newServiceError(opPatchDocument, "select_failed", err)
		}

		if patch.Title != nil {
			title := strings.TrimSpace(*patch.Title)
			if title == "" {
				title = defaultTitle
			}
			if len(title) > maxTitleLength {
				title = title[:maxTitleLength]
			}
			doc.Title = title
		}
		if patch.Body != nil {
			doc.Body = *patch.Body
		}
		if patch.Status != nil {
			doc.Status = *patch.Status
		}
		doc.UpdatedAtSeconds = nextUpdateSeconds(doc.UpdatedAtSeconds, s.clock().UTC().Unix())

		if err := tx.Save(&doc).Error; err != nil {
			return newServiceError(opPatchDocument, "save_failed", err)
		}
		updated = doc
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrDocumentNotFound) {
			s.logError(opPatchDocument, "transaction_failed", txErr, zap.String("document_id", documentID.String()))
		}
		return Document{}, txErr
	}
	return updated, nil
}

// Delete removes the document and cascades its knowledge entries.
func (s *Service) Delete(ctx context.Context, ownerID UserID, documentID DocumentID) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		err := tx.Where("document_id = ? AND owner_id = ?", documentID.String(), ownerID.String()).
			Take(&doc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDocumentNotFound
		}
		if err != nil {
			return newServiceError(opDeleteDocument, "select_failed", err)
		}

		if err := tx.Where("document_id = ?", documentID.String()).
			Delete(&KnowledgeEntry{}).Error; err != nil {
			return newServiceError(opDeleteDocument, "cascade_failed", err)
		}
		if err := tx.Delete(&doc).Error; err != nil {
			return newServiceError(opDeleteDocument, "delete_failed", err)
		}
		return nil
	})
	if txErr != nil && !errors.Is(txErr, ErrDocumentNotFound) {
		s.logError(opDeleteDocument, "transaction_failed", txErr, zap.String("document_id", documentID.String()))
	}
	return txErr
}

// ListKnowledge returns the document's knowledge entries in insertion order.
func (s *Service) ListKnowledge(ctx context.Context, ownerID UserID, documentID DocumentID) ([]KnowledgeEntry, error) {
	if _, err := s.Get(ctx, ownerID, documentID); err != nil {
		return nil, err
	}

	var entries []KnowledgeEntry
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Order("sequence ASC").
		Find(&entries).Error; err != nil {
		s.logError(opListKnowledge, "query_failed", err, zap.String("document_id", documentID.String()))
		return nil, newServiceError(opListKnowledge, "query_failed", err)
	}
	return entries, nil
}

// CreateEntry attaches a labeled reference snippet to the owner's document.
func (s *Service) CreateEntry(ctx context.Context, ownerID UserID, documentID DocumentID, label, content string) (KnowledgeEntry, error) {
	trimmedLabel := strings.TrimSpace(label)
	if trimmedLabel == "" || len(trimmedLabel) > maxLabelLength {
		return KnowledgeEntry{}, ErrInvalidLabel
	}

	if _, err := s.Get(ctx, ownerID, documentID); err != nil {
		return KnowledgeEntry{}, err
	}

	entryID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateEntry, "id_generation_failed", err)
		return KnowledgeEntry{}, newServiceError(opCreateEntry, "id_generation_failed", err)
	}

	var entry KnowledgeEntry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSequence int64
		row := tx.Model(&KnowledgeEntry{}).
			Where("document_id = ?", documentID.String()).
			Select("COALESCE(MAX(sequence), 0)").
			Row()
		if err := row.Scan(&maxSequence); err != nil {
			return newServiceError(opCreateEntry, "sequence_failed", err)
		}

		entry = KnowledgeEntry{
			EntryID:          entryID,
			DocumentID:       documentID.String(),
			OwnerID:          ownerID.String(),
			Label:            trimmedLabel,
			Content:          content,
			CreatedAtSeconds: s.clock().UTC().Unix(),
			Sequence:         maxSequence + 1,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return newServiceError(opCreateEntry, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateEntry, "transaction_failed", txErr, zap.String("document_id", documentID.String()))
		return KnowledgeEntry{}, txErr
	}
	return entry, nil
}

// UpdateEntry replaces the label and/or content of an owned knowledge entry.
func (s *Service) UpdateEntry(ctx context.Context, ownerID UserID, entryID string, label, content *string) (KnowledgeEntry, error) {
	var entry KnowledgeEntry
	err := s.db.WithContext(ctx).
		Where("entry_id = ? AND owner_id = ?", entryID, ownerID.String()).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return KnowledgeEntry{}, ErrEntryNotFound
	}
	if err != nil {
		s.logError(opUpdateEntry, "select_failed", err, zap.String("entry_id", entryID))
		return KnowledgeEntry{}, newServiceError(opUpdateEntry, "select_failed", err)
	}

	if label != nil {
		trimmed := strings.TrimSpace(*label)
		if trimmed == "" || len(trimmed) > maxLabelLength {
			return KnowledgeEntry{}, ErrInvalidLabel
		}
		entry.Label = trimmed
	}
	if content != nil {
		entry.Content = *content
	}

	if err := s.db.WithContext(ctx).Save(&entry).Error; err != nil {
		s.logError(opUpdateEntry, "save_failed", err, zap.String("entry_id", entryID))
		return KnowledgeEntry{}, newServiceError(opUpdateEntry, "save_failed", err)
	}
	return entry, nil
}

// DeleteEntry removes an owned knowledge entry.
func (s *Service) DeleteEntry(ctx context.Context, ownerID UserID, entryID string) error {
	result := s.db.WithContext(ctx).
		Where("entry_id = ? AND owner_id = ?", entryID, ownerID.String()).
		Delete(&KnowledgeEntry{})
	if result.Error != nil {
		s.logError(opDeleteEntry, "delete_failed", result.Error, zap.String("entry_id", entryID))
		return newServiceError(opDeleteEntry, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// nextUpdateSeconds keeps the persisted update timestamp strictly increasing.
func nextUpdateSeconds(previous, now int64) int64 {
	if now > previous {
		return now
	}
	return previous + 1
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("documents service error", attrs...)
}
