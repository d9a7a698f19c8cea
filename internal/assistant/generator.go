package assistant

import (
	"context"
	"errors"
)

// Role identifies the author of a transcript turn.
type Role string

const (
	// RoleUser marks a turn written by the user.
	RoleUser Role = "user"
	// RoleAssistant marks a turn produced by the generation service.
	RoleAssistant Role = "assistant"
)

// Turn is one entry in an ordered conversation transcript.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// GenerationParams tune a single generation call.
type GenerationParams struct {
	Temperature float64
	MaxTokens   int
}

// GenerationRequest carries the assembled context and conversation turns for
// one call to the generation service.
type GenerationRequest struct {
	System string
	Turns  []Turn
	Params GenerationParams
}

// ErrEmptyGeneration indicates the service returned no text; callers may
// retry.
var ErrEmptyGeneration = errors.New("assistant: generation returned empty result")

// Generator is the request/response contract to the external text-generation
// service. Implementations hold no state beyond per-call parameters and must
// return a non-empty result or an explicit error.
type Generator interface {
	Generate(ctx context.Context, request GenerationRequest) (string, error)
}
