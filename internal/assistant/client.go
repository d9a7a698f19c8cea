package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultRequestTimeout = 60 * time.Second
	systemRole            = "system"
)

var (
	errMissingAPIKey  = errors.New("assistant: api key is required")
	errMissingBaseURL = errors.New("assistant: base url is required")
	errMissingModel   = errors.New("assistant: model is required")
)

// ClientConfig configures the chat-completions HTTP client.
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// Client calls an OpenAI-compatible chat-completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient constructs the generation client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errMissingModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: httpClient,
	}, nil
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate implements the Generator contract over the chat-completions wire
// format. An empty completion is reported as ErrEmptyGeneration.
func (c *Client) Generate(ctx context.Context, request GenerationRequest) (string, error) {
	messages := make([]wireMessage, 0, len(request.Turns)+1)
	if request.System != "" {
		messages = append(messages, wireMessage{Role: systemRole, Content: request.System})
	}
	for _, turn := range request.Turns {
		messages = append(messages, wireMessage{Role: string(turn.Role), Content: turn.Text})
	}

	payload, err := json.Marshal(completionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: request.Params.Temperature,
		MaxTokens:   request.Params.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("assistant: encode request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("assistant: build request: %w", err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return "", fmt.Errorf("assistant: request failed: %w", err)
	}
	defer httpResponse.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("assistant: read response: %w", err)
	}

	var decoded completionResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("assistant: decode response (status %d): %w", httpResponse.StatusCode, err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		message := "unexpected status"
		if decoded.Error != nil && decoded.Error.Message != "" {
			message = decoded.Error.Message
		}
		return "", fmt.Errorf("assistant: upstream status %d: %s", httpResponse.StatusCode, message)
	}

	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return "", ErrEmptyGeneration
	}
	return decoded.Choices[0].Message.Content, nil
}
