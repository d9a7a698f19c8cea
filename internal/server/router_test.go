package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/accounts"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/assistant"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/billing"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/editor"
)

type sequenceIDGenerator struct {
	prefix string
	next   int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

// inertTimer never fires on its own; sessions flush explicitly in tests.
type inertTimer struct{}

func (inertTimer) Arm(time.Duration) {}
func (inertTimer) Stop()             {}

func newInertTimer(func()) editor.Timer {
	return inertTimer{}
}

type staticGenerator struct {
	reply string
	err   error
	calls []assistant.GenerationRequest
}

func (g *staticGenerator) Generate(_ context.Context, request assistant.GenerationRequest) (string, error) {
	g.calls = append(g.calls, request)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

type testEnvironment struct {
	server    *httptest.Server
	database  *gorm.DB
	generator *staticGenerator
	realtime  *RealtimeDispatcher
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&accounts.Account{}, &documents.Document{}, &documents.KnowledgeEntry{}, &billing.Entitlement{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Database:   db,
		IDProvider: &sequenceIDGenerator{prefix: "acct"},
	})
	if err != nil {
		t.Fatalf("failed to build accounts service: %v", err)
	}

	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		IDProvider: &sequenceIDGenerator{prefix: "doc"},
	})
	if err != nil {
		t.Fatalf("failed to build documents service: %v", err)
	}

	billingService, err := billing.NewService(billing.ServiceConfig{
		Database:   db,
		IDProvider: &sequenceIDGenerator{prefix: "ent"},
	})
	if err != nil {
		t.Fatalf("failed to build billing service: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	persister := NewDraftPersister(documentService, realtime, nil)

	generator := &staticGenerator{reply: "generated text"}
	sessionManager, err := editor.NewSessionManager(editor.SessionManagerConfig{
		Persister: persister,
		Generator: generator,
		Window:    time.Second,
		NewTimer:  newInertTimer,
	})
	if err != nil {
		t.Fatalf("failed to build session manager: %v", err)
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "draftsmith-auth",
		Audience:      "draftsmith-api",
		TokenTTL:      time.Minute,
	})

	handler, err := NewHTTPHandler(Dependencies{
		Accounts:      accountService,
		Documents:     documentService,
		Sessions:      sessionManager,
		Billing:       billingService,
		TokenManager:  tokenIssuer,
		Persister:     persister,
		Realtime:      realtime,
		WebhookSecret: "",
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testEnvironment{
		server:    server,
		database:  db,
		generator: generator,
		realtime:  realtime,
	}
}

func (e *testEnvironment) registerAccount(t *testing.T, email, password string) string {
	t.Helper()
	status, body := e.request(t, http.MethodPost, "/auth/register", "", map[string]any{
		"email":    email,
		"password": password,
	})
	if status != http.StatusCreated {
		t.Fatalf("unexpected register status %d: %s", status, body)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if payload.AccessToken == "" {
		t.Fatal("expected a non-empty access token")
	}
	return payload.AccessToken
}

func (e *testEnvironment) request(t *testing.T, method, path, token string, payload any) (int, string) {
	t.Helper()

	var body *bytes.Buffer
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode request payload: %v", err)
		}
		body = bytes.NewBuffer(encoded)
	} else {
		body = bytes.NewBuffer(nil)
	}

	request, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	var buffer bytes.Buffer
	if _, err := buffer.ReadFrom(response.Body); err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return response.StatusCode, buffer.String()
}

func decodeJSON(t *testing.T, body string, target any) {
	t.Helper()
	if err := json.Unmarshal([]byte(body), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", body, err)
	}
}

var errGeneratorDown = errors.New("upstream unavailable")
