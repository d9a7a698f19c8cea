package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/accounts"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/assistant"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/billing"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/editor"
)

const (
	userIDContextKey    = "draftsmith_user_id"
	userEmailContextKey = "draftsmith_user_email"

	webhookSignatureHeader = "X-Webhook-Signature"
	heartbeatInterval      = 15 * time.Second
)

var (
	errMissingAccountsService  = errors.New("accounts service dependency required")
	errMissingDocumentsService = errors.New("documents service dependency required")
	errMissingSessionManager   = errors.New("session manager dependency required")
	errMissingBillingService   = errors.New("billing service dependency required")
	errMissingTokenManager     = errors.New("token manager dependency required")
	errMissingPersister        = errors.New("draft persister dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// SessionTokenManager issues and validates backend session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (auth.Identity, error)
}

type Dependencies struct {
	Accounts      *accounts.Service
	Documents     *documents.Service
	Sessions      *editor.SessionManager
	Billing       *billing.Service
	TokenManager  SessionTokenManager
	Persister     *DraftPersister
	Realtime      *RealtimeDispatcher
	WebhookSecret string
	Logger        *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccountsService
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentsService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
	}
	if deps.Billing == nil {
		return nil, errMissingBillingService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Persister == nil {
		return nil, errMissingPersister
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		accounts:      deps.Accounts,
		documents:     deps.Documents,
		sessions:      deps.Sessions,
		billing:       deps.Billing,
		tokens:        deps.TokenManager,
		persister:     deps.Persister,
		realtime:      deps.Realtime,
		webhookSecret: deps.WebhookSecret,
		logger:        logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)
	router.POST("/billing/webhook", handler.handleBillingWebhook)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/documents", handler.handleListDocuments)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents/stream", handler.handleDocumentStream)
	protected.GET("/documents/:id", handler.handleGetDocument)
	protected.PATCH("/documents/:id", handler.handlePatchDocument)
	protected.DELETE("/documents/:id", handler.handleDeleteDocument)
	protected.GET("/documents/:id/knowledge", handler.handleListKnowledge)
	protected.POST("/documents/:id/knowledge", handler.handleCreateKnowledge)
	protected.PATCH("/knowledge/:id", handler.handleUpdateKnowledge)
	protected.DELETE("/knowledge/:id", handler.handleDeleteKnowledge)
	protected.GET("/documents/:id/session", handler.handleGetSession)
	protected.DELETE("/documents/:id/session", handler.handleCloseSession)
	protected.PUT("/documents/:id/session/draft", handler.handleSessionDraft)
	protected.PUT("/documents/:id/session/selection", handler.handleSessionSelection)
	protected.POST("/documents/:id/assistant/generate", handler.handleAssistantGenerate)
	protected.POST("/documents/:id/assistant/chat", handler.handleAssistantChat)
	protected.GET("/documents/:id/assistant/transcript", handler.handleAssistantTranscript)
	protected.GET("/billing/entitlement", handler.handleGetEntitlement)
	protected.POST("/billing/checkout", handler.handleCheckout)

	return router, nil
}

type httpHandler struct {
	accounts      *accounts.Service
	documents     *documents.Service
	sessions      *editor.SessionManager
	billing       *billing.Service
	tokens        SessionTokenManager
	persister     *DraftPersister
	realtime      *RealtimeDispatcher
	webhookSecret string
	logger        *zap.Logger
}

type credentialsPayload struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.accounts.Register(c.Request.Context(), request.Email, request.Password, request.DisplayName)
	if errors.Is(err, accounts.ErrEmailTaken) {
		c.JSON(http.StatusConflict, gin.H{"error": "email_taken"})
		return
	}
	if errors.Is(err, accounts.ErrInvalidEmail) || errors.Is(err, accounts.ErrWeakPassword) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err != nil {
		h.logger.Error("account registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		return
	}

	h.respondWithToken(c, http.StatusCreated, account)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.accounts.Authenticate(c.Request.Context(), request.Email, request.Password)
	if errors.Is(err, accounts.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("authentication failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	h.respondWithToken(c, http.StatusOK, account)
}

func (h *httpHandler) respondWithToken(c *gin.Context, status int, account accounts.Account) {
	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), auth.Identity{
		UserID: account.ID,
		Email:  account.Email,
	})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(status, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
		// EventSource cannot set headers, so streams pass the token in
		// the query string.
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, identity.UserID)
	c.Set(userEmailContextKey, identity.Email)
	c.Next()
}

func (h *httpHandler) requireOwner(c *gin.Context) (documents.UserID, bool) {
	ownerID, err := documents.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return ownerID, true
}

func (h *httpHandler) requireDocumentID(c *gin.Context) (documents.DocumentID, bool) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return documentID, true
}

type documentPayload struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Body             string `json:"body"`
	Status           string `json:"status"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func renderDocument(doc documents.Document) documentPayload {
	return documentPayload{
		ID:               doc.DocumentID,
		Title:            doc.Title,
		Body:             doc.Body,
		Status:           string(doc.Status),
		CreatedAtSeconds: doc.CreatedAtSeconds,
		UpdatedAtSeconds: doc.UpdatedAtSeconds,
	}
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}

	docs, err := h.documents.List(c.Request.Context(), ownerID)
	if err != nil {
		h.logger.Error("failed to list documents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	payload := make([]documentPayload, 0, len(docs))
	for _, doc := range docs {
		payload = append(payload, renderDocument(doc))
	}
	c.JSON(http.StatusOK, gin.H{"documents": payload})
}

type createDocumentPayload struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}

	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	doc, err := h.documents.Create(c.Request.Context(), ownerID, request.Title)
	if err != nil {
		h.logger.Error("failed to create document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, renderDocument(doc))
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}
	documentID, ok := h.requireDocumentID(c)
	if !ok {
		return
	}

	doc, err := h.documents.Get(c.Request.Context(), ownerID, documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_failed"})
		return
	}
	c.JSON(http.StatusOK, renderDocument(doc))
}

type patchDocumentPayload struct {
	Title  *string `json:"title"`
	Body   *string `json:"body"`
	Status *string `json:"status"`
}

func (h *httpHandler) handlePatchDocument(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}
	documentID, ok := h.requireDocumentID(c)
	if !ok {
		return
	}

	var request patchDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Title == nil && request.Body == nil && request.Status == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_patch"})
		return
	}

	patch := documents.PatchRequest{Title: request.Title, Body: request.Body}
	if request.Status != nil {
		status, err := documents.ParseStatus(*request.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
			return
		}
		patch.Status = &status
	}

	doc, err := h.documents.Patch(c.Request.Context(), ownerID, documentID, patch)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to patch document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "patch_failed"})
		return
	}

	// A stored write behind the session's back must not clobber newer
	// session edits; ApplyExternal refuses unless the buffer is clean.
	if session, sessionErr := h.sessions.Get(documentID.String(), ownerID.String()); sessionErr == nil {
		session.Controller.ApplyExternal(editor.Draft{Title: doc.Title, Body: doc.Body}, doc.UpdatedAtSeconds)
	}

	c.JSON(http.StatusOK, renderDocument(doc))
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}
	documentID, ok := h.requireDocumentID(c)
	if !ok {
		return
	}

	err := h.documents.Delete(c.Request.Context(), ownerID, documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to delete document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}

	h.sessions.Drop(documentID.String())
	h.persister.ForgetOwner(documentID.String())
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type knowledgePayload struct {
	ID               string `json:"id"`
	DocumentID       string `json:"document_id"`
	Label            string `json:"label"`
	Content          string `json:"content"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func renderKnowledge(entry documents.KnowledgeEntry) knowledgePayload {
	return knowledgePayload{
		ID:               entry.EntryID,
		DocumentID:       entry.DocumentID,
		Label:            entry.Label,
		Content:          entry.Content,
		CreatedAtSeconds: entry.CreatedAtSeconds,
	}
}

func (h *httpHandler) handleListKnowledge(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}
	documentID, ok := h.requireDocumentID(c)
	if !ok {
		return
	}

	entries, err := h.documents.ListKnowledge(c.Request.Context(), ownerID, documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to list knowledge entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	payload := make([]knowledgePayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, renderKnowledge(entry))
	}
	c.JSON(http.StatusOK, gin.H{"entries": payload})
}

type createKnowledgePayload struct {
	Label   string `json:"label"`
	Content string `json:"content"`
}

func (h *httpHandler) handleCreateKnowledge(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}
	documentID, ok := h.requireDocumentID(c)
	if !ok {
		return
	}

	var request createKnowledgePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	entry, err := h.documents.CreateEntry(c.Request.Context(), ownerID, documentID, request.Label, request.Content)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if errors.Is(err, documents.ErrInvalidLabel) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_label"})
		return
	}
	if err != nil {
		h.logger.Error("failed to create knowledge entry", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, renderKnowledge(entry))
}

type updateKnowledgePayload struct {
	Label   *string `json:"label"`
	Content *string `json:"content"`
}

func (h *httpHandler) handleUpdateKnowledge(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}

	var request updateKnowledgePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	entry, err := h.documents.UpdateEntry(c.Request.Context(), ownerID, c.Param("id"), request.Label, request.Content)
	if errors.Is(err, documents.ErrEntryNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to update knowledge entry", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, renderKnowledge(entry))
}

func (h *httpHandler) handleDeleteKnowledge(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}

	err := h.documents.DeleteEntry(c.Request.Context(), ownerID, c.Param("id"))
	if errors.Is(err, documents.ErrEntryNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to delete knowledge entry", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// sessionFor returns the live session for the document, creating one from
// stored state on first touch.
func (h *httpHandler) sessionFor(c *gin.Context, ownerID documents.UserID, documentID documents.DocumentID) (*editor.Session, bool) {
	session, err := h.sessions.Get(documentID.String(), ownerID.String())
	if err == nil {
		return session, true
	}
	if errors.Is(err, editor.ErrSessionOwnedElsewhere) {
		c.JSON(http.StatusConflict, gin.H{"error": "session_owned_elsewhere"})
		return nil, false
	}

	doc, err := h.documents.Get(c.Request.Context(), ownerID, documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load document for session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_open_failed"})
		return nil, false
	}

	h.persister.RegisterOwner(documentID.String(), ownerID)
	session, err = h.sessions.Open(editor.OpenRequest{
		DocumentID:       documentID.String(),
		OwnerID:          ownerID.String(),
		Initial:          editor.Draft{Title: doc.Title, Body: doc.Body},
		InitialState:     editor.StateSaved,
		UpdatedAtSeconds: doc.UpdatedAtSeconds,
	})
	if errors.Is(err, editor.ErrSessionOwnedElsewhere) {
		c.JSON(http.StatusConflict, gin.H{"error": "session_owned_elsewhere"})
		return nil, false
	}
	if err != nil {
		h.persister.ForgetOwner(documentID.String())
		h.logger.Error("failed to open session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_open_failed"})
		return nil, false
	}
	return session, true
}

type sessionStatePayload struct {
	State            string `json:"state"`
	Title            string `json:"title"`
	Body             string `json:"body"`
	Selection        string `json:"selection"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func renderSession(session *editor.Session) sessionStatePayload {
	draft := session.Controller.Buffer()
	return sessionStatePayload{
		State:            string(session.Controller.State()),
		Title:            draft.Title,
		Body:             draft.Body,
		Selection:        session.Selection.Current(),
		UpdatedAtSeconds: session.Controller.UpdatedAtSeconds(),
	}
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}
	documentID, ok := h.requireDocumentID(c)
	if !ok {
		return
	}

	session, ok := h.sessionFor(c, ownerID, documentID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, renderSession(session))
}

type draftPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (h *httpHandler) handleSessionDraft(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}
	documentID, ok := h.requireDocumentID(c)
	if !ok {
		return
	}

	var request draftPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	session, ok := h.sessionFor(c, ownerID, documentID)
	if !ok {
		return
	}

	session.Controller.Edit(editor.Draft{Title: request.Title, Body: request.Body})
	c.JSON(http.StatusOK, renderSession(session))
}

type selectionPayload struct {
	Selection string `json:"selection"`
}

func (h *httpHandler) handleSessionSelection(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}
	documentID, ok := h.requireDocumentID(c)
	if !ok {
		return
	}

	var request selectionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	session, ok := h.sessionFor(c, ownerID, documentID)
	if !ok {
		return
	}

	if strings.TrimSpace(request.Selection) == "" {
		session.Selection.Clear()
	} else {
		session.Selection.Set(request.Selection)
	}
	c.JSON(http.StatusOK, renderSession(session))
}

func (h *httpHandler) handleCloseSession(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}
	documentID, ok := h.requireDocumentID(c)
	if !ok {
		return
	}

	// The owner binding is released only once the session is actually
	// gone: a stranger's 409 must not sever the live owner's persistence
	// path, and a failed flush keeps the session (and its binding) for a
	// retry.
	err := h.sessions.Close(c.Request.Context(), documentID.String(), ownerID.String())
	if errors.Is(err, editor.ErrSessionNotFound) {
		h.persister.ForgetOwner(documentID.String())
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if errors.Is(err, editor.ErrSessionOwnedElsewhere) {
		c.JSON(http.StatusConflict, gin.H{"error": "session_owned_elsewhere"})
		return
	}
	if err != nil {
		h.logger.Warn("final flush on session close failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flush_failed"})
		return
	}
	h.persister.ForgetOwner(documentID.String())
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func (h *httpHandler) documentContext(c *gin.Context, ownerID documents.UserID, documentID documents.DocumentID, session *editor.Session) (assistant.DocumentContext, bool) {
	entries, err := h.documents.ListKnowledge(c.Request.Context(), ownerID, documentID)
	if err != nil {
		h.logger.Error("failed to load knowledge for assistant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "context_failed"})
		return assistant.DocumentContext{}, false
	}

	snippets := make([]assistant.KnowledgeSnippet, 0, len(entries))
	for _, entry := range entries {
		snippets = append(snippets, assistant.KnowledgeSnippet{Label: entry.Label, Content: entry.Content})
	}
	return assistant.DocumentContext{
		Body:      session.Controller.Buffer().Body,
		Knowledge: snippets,
		Selection: session.Selection.Current(),
	}, true
}

type generatePayload struct {
	Action      string `json:"action"`
	Instruction string `json:"instruction"`
	Insert      bool   `json:"insert"`
}

type generationResponsePayload struct {
	Result   string `json:"result"`
	Inserted bool   `json:"inserted"`
}

func (h *httpHandler) handleAssistantGenerate(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}
	documentID, ok := h.requireDocumentID(c)
	if !ok {
		return
	}

	var request generatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	session, ok := h.sessionFor(c, ownerID, documentID)
	if !ok {
		return
	}
	docContext, ok := h.documentContext(c, ownerID, documentID, session)
	if !ok {
		return
	}

	var result string
	var err error
	if strings.TrimSpace(request.Action) != "" {
		action, parseErr := assistant.ParseAction(request.Action)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_action"})
			return
		}
		result, err = session.Assistant.RunAction(c.Request.Context(), action, docContext)
	} else {
		result, err = session.Assistant.Generate(c.Request.Context(), request.Instruction, docContext)
	}

	if errors.Is(err, assistant.ErrGenerationInFlight) {
		c.JSON(http.StatusConflict, gin.H{"error": "generation_in_flight"})
		return
	}
	if errors.Is(err, assistant.ErrEmptyInstruction) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_instruction"})
		return
	}
	if err != nil {
		h.logger.Error("generation failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "generation_failed"})
		return
	}

	inserted := false
	if request.Insert {
		if insertErr := session.Assistant.InsertResult(result); insertErr == nil {
			inserted = true
		}
	}
	c.JSON(http.StatusOK, generationResponsePayload{Result: result, Inserted: inserted})
}

type chatPayload struct {
	Message string `json:"message"`
}

func (h *httpHandler) handleAssistantChat(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}
	documentID, ok := h.requireDocumentID(c)
	if !ok {
		return
	}

	var request chatPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	session, ok := h.sessionFor(c, ownerID, documentID)
	if !ok {
		return
	}
	docContext, ok := h.documentContext(c, ownerID, documentID, session)
	if !ok {
		return
	}

	reply, err := session.Assistant.Chat(c.Request.Context(), request.Message, docContext)
	if errors.Is(err, assistant.ErrGenerationInFlight) {
		c.JSON(http.StatusConflict, gin.H{"error": "generation_in_flight"})
		return
	}
	if errors.Is(err, assistant.ErrEmptyInstruction) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_message"})
		return
	}
	if err != nil {
		h.logger.Error("chat generation failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "generation_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

type transcriptTurnPayload struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func (h *httpHandler) handleAssistantTranscript(c *gin.Context) {
	ownerID, ok := h.requireOwner(c)
	if !ok {
		return
	}
	documentID, ok := h.requireDocumentID(c)
	if !ok {
		return
	}

	session, ok := h.sessionFor(c, ownerID, documentID)
	if !ok {
		return
	}

	turns := session.Assistant.Transcript()
	payload := make([]transcriptTurnPayload, 0, len(turns))
	for _, turn := range turns {
		payload = append(payload, transcriptTurnPayload{Role: string(turn.Role), Text: turn.Text})
	}
	c.JSON(http.StatusOK, gin.H{"turns": payload})
}

type entitlementPayload struct {
	Status               string `json:"status"`
	Active               bool   `json:"active"`
	CurrentPeriodEndSecs *int64 `json:"current_period_end_s,omitempty"`
}

func (h *httpHandler) handleGetEntitlement(c *gin.Context) {
	email := c.GetString(userEmailContextKey)
	record, found, err := h.billing.GetByOwner(c.Request.Context(), email)
	if err != nil {
		h.logger.Error("failed to load entitlement", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "entitlement_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, entitlementPayload{
		Status:               string(record.Status),
		Active:               record.Status.Grants(),
		CurrentPeriodEndSecs: record.CurrentPeriodEndSecs,
	})
}

func (h *httpHandler) handleCheckout(c *gin.Context) {
	email := c.GetString(userEmailContextKey)
	record, err := h.billing.CreateForOwner(c.Request.Context(), email)
	if err != nil {
		h.logger.Error("failed to prepare entitlement record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkout_failed"})
		return
	}
	c.JSON(http.StatusOK, entitlementPayload{
		Status:               string(record.Status),
		Active:               record.Status.Grants(),
		CurrentPeriodEndSecs: record.CurrentPeriodEndSecs,
	})
}

type webhookEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (h *httpHandler) handleBillingWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if h.webhookSecret != "" && !h.verifyWebhookSignature(body, c.GetHeader(webhookSignatureHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	event, relevant, err := billing.ParseEvent(envelope.Type, envelope.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !relevant {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := h.billing.Apply(c.Request.Context(), event); err != nil {
		h.logger.Error("failed to reconcile billing event",
			zap.String("event_kind", event.Kind),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) verifyWebhookSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

type streamEventPayload struct {
	DocumentIDs []string `json:"documentIds"`
	Timestamp   string   `json:"timestamp"`
}

func (h *httpHandler) handleDocumentStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if h.realtime == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream_unavailable"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), userID)
	defer cleanup()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			payload, err := json.Marshal(streamEventPayload{
				DocumentIDs: message.DocumentIDs,
				Timestamp:   message.Timestamp.UTC().Format(time.RFC3339),
			})
			if err != nil {
				continue
			}
			if _, err := c.Writer.WriteString("event: " + message.EventType + "\ndata: " + string(payload) + "\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString("event: " + realtimeEventHeartbeat + "\ndata: {}\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
