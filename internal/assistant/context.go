package assistant

import (
	"fmt"
	"strings"
)

// Mode selects the preamble the assembled context opens with.
type Mode string

const (
	// ModeCompose is used for single-shot generation requests.
	ModeCompose Mode = "compose"
	// ModeChat is used for conversational exchanges.
	ModeChat Mode = "chat"
)

const (
	composePreamble = "You are an expert writing assistant helping users create high-quality documents.\n" +
		"Your responses should be well-structured, professional, and match the tone of the existing document."
	chatPreamble = "You are an expert writing assistant helping users create documents.\n" +
		"You can help with writing, editing, improving, and answering questions about the document.\n" +
		"Keep responses concise and helpful."
	groundingClause = "IMPORTANT: Use ONLY the following reference materials as context for your responses.\n" +
		"Do not make up information that is not supported by these references:"
	emptyBodyPlaceholder = "(the document is currently empty)"

	defaultInputLimit = 24000
)

// KnowledgeSnippet is a labeled reference block in insertion order.
type KnowledgeSnippet struct {
	Label   string
	Content string
}

// ContextPayload is the deterministic context assembled for one request.
// Given identical inputs the payload is byte-identical.
type ContextPayload struct {
	System      string
	Instruction string
	// DroppedBlocks counts knowledge blocks removed to fit the input limit.
	DroppedBlocks int
}

// Truncated reports whether any knowledge blocks were dropped.
func (p ContextPayload) Truncated() bool {
	return p.DroppedBlocks > 0
}

// ContextAssembler builds bounded, deterministic context payloads.
type ContextAssembler struct {
	inputLimit int
}

// NewContextAssembler constructs an assembler. A non-positive limit falls
// back to the default input budget.
func NewContextAssembler(inputLimit int) *ContextAssembler {
	if inputLimit <= 0 {
		inputLimit = defaultInputLimit
	}
	return &ContextAssembler{inputLimit: inputLimit}
}

// Assemble renders the ordered payload: preamble, grounding blocks (only when
// entries exist), document body or placeholder, selection framing (only when
// non-empty), with the task instruction carried separately. When the payload
// would exceed the input limit, knowledge blocks are dropped from the end of
// the list first; the body and instruction are never truncated.
func (a *ContextAssembler) Assemble(mode Mode, body string, entries []KnowledgeSnippet, selection, instruction string) ContextPayload {
	kept := len(entries)
	for {
		system := renderSystem(mode, body, entries[:kept], selection)
		if len(system)+len(instruction) <= a.inputLimit || kept == 0 {
			return ContextPayload{
				System:        system,
				Instruction:   instruction,
				DroppedBlocks: len(entries) - kept,
			}
		}
		kept--
	}
}

func renderSystem(mode Mode, body string, entries []KnowledgeSnippet, selection string) string {
	var builder strings.Builder

	if mode == ModeChat {
		builder.WriteString(chatPreamble)
	} else {
		builder.WriteString(composePreamble)
	}

	if len(entries) > 0 {
		builder.WriteString("\n\n")
		builder.WriteString(groundingClause)
		for _, entry := range entries {
			builder.WriteString("\n\n")
			fmt.Fprintf(&builder, "[%s]: %s", entry.Label, entry.Content)
		}
	}

	builder.WriteString("\n\nCurrent document content:\n")
	if body == "" {
		builder.WriteString(emptyBodyPlaceholder)
	} else {
		builder.WriteString(body)
	}

	if selection != "" {
		builder.WriteString("\n\nThe user has selected the following text for editing:\n")
		fmt.Fprintf(&builder, "%q", selection)
	}

	return builder.String()
}
