package assistant

import (
	"errors"
	"fmt"
	"strings"
)

// Action is one of the fixed quick-action intents.
type Action string

const (
	// ActionContinue asks for a continuation of the document.
	ActionContinue Action = "continue"
	// ActionImprove asks for a rewrite of the selection or whole document.
	ActionImprove Action = "improve"
	// ActionExpand asks for an elaboration of the selection or whole document.
	ActionExpand Action = "expand"
	// ActionSummarize asks for a summary of the document.
	ActionSummarize Action = "summarize"
)

// ErrUnknownAction indicates an intent outside the fixed vocabulary.
var ErrUnknownAction = errors.New("assistant: unknown quick action")

// ParseAction validates a raw intent string. "rewrite" is accepted as an
// alias of improve.
func ParseAction(rawInput string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(ActionContinue):
		return ActionContinue, nil
	case string(ActionImprove), "rewrite":
		return ActionImprove, nil
	case string(ActionExpand):
		return ActionExpand, nil
	case string(ActionSummarize):
		return ActionSummarize, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, rawInput)
	}
}

// Instruction renders the action into its user instruction, choosing the
// selection-qualified phrasing when a span is selected.
func (a Action) Instruction(selection string) string {
	switch a {
	case ActionContinue:
		return "Continue writing from where the document left off."
	case ActionImprove:
		if selection != "" {
			return fmt.Sprintf("Improve the following text: %q", selection)
		}
		return "Improve the clarity and flow of the document."
	case ActionExpand:
		if selection != "" {
			return fmt.Sprintf("Expand on this section: %q", selection)
		}
		return "Expand on the main points in the document."
	case ActionSummarize:
		return "Summarize the key points of the document."
	default:
		return ""
	}
}
