package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "test-model",
	})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	return client, server
}

func TestClientSendsSystemAndTurns(t *testing.T) {
	var captured completionRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "completed text"}},
			},
		})
	})

	result, err := client.Generate(context.Background(), GenerationRequest{
		System: "system prompt",
		Turns: []Turn{
			{Role: RoleUser, Text: "question"},
			{Role: RoleAssistant, Text: "answer"},
			{Role: RoleUser, Text: "follow-up"},
		},
		Params: GenerationParams{Temperature: 0.7, MaxTokens: 42},
	})
	if err != nil {
		t.Fatalf("unexpected generate error: %v", err)
	}
	if result != "completed text" {
		t.Fatalf("unexpected result %q", result)
	}

	if captured.Model != "test-model" {
		t.Fatalf("unexpected model %q", captured.Model)
	}
	if captured.MaxTokens != 42 {
		t.Fatalf("unexpected max tokens %d", captured.MaxTokens)
	}
	if len(captured.Messages) != 4 {
		t.Fatalf("expected system plus three turns, got %d", len(captured.Messages))
	}
	if captured.Messages[0].Role != "system" || captured.Messages[0].Content != "system prompt" {
		t.Fatalf("unexpected system message %+v", captured.Messages[0])
	}
	if captured.Messages[2].Role != "assistant" {
		t.Fatalf("unexpected role ordering %+v", captured.Messages)
	}
}

func TestClientTreatsEmptyCompletionAsError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "   "}},
			},
		})
	})

	_, err := client.Generate(context.Background(), GenerationRequest{
		Turns: []Turn{{Role: RoleUser, Text: "question"}},
	})
	if !errors.Is(err, ErrEmptyGeneration) {
		t.Fatalf("expected empty generation error, got %v", err)
	}
}

func TestClientSurfacesUpstreamErrors(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limited"},
		})
	})

	_, err := client.Generate(context.Background(), GenerationRequest{
		Turns: []Turn{{Role: RoleUser, Text: "question"}},
	})
	if err == nil {
		t.Fatalf("expected upstream error")
	}
}

func TestNewClientValidatesConfiguration(t *testing.T) {
	if _, err := NewClient(ClientConfig{BaseURL: "http://x", Model: "m"}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
	if _, err := NewClient(ClientConfig{APIKey: "k", Model: "m"}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
	if _, err := NewClient(ClientConfig{APIKey: "k", BaseURL: "http://x"}); err == nil {
		t.Fatalf("expected error for missing model")
	}
}
