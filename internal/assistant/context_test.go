package assistant

import (
	"strings"
	"testing"
)

func TestAssembleIsDeterministic(t *testing.T) {
	assembler := NewContextAssembler(0)
	entries := []KnowledgeSnippet{
		{Label: "R1", Content: "X"},
		{Label: "R2", Content: "Y"},
	}

	first := assembler.Assemble(ModeCompose, "document body", entries, "a span", "do the thing")
	second := assembler.Assemble(ModeCompose, "document body", entries, "a span", "do the thing")

	if first.System != second.System {
		t.Fatalf("expected byte-identical system payloads")
	}
	if first.Instruction != second.Instruction {
		t.Fatalf("expected byte-identical instructions")
	}
}

func TestAssembleIncludesKnowledgeBlocksInOrder(t *testing.T) {
	assembler := NewContextAssembler(0)
	entries := []KnowledgeSnippet{
		{Label: "R1", Content: "X"},
		{Label: "R2", Content: "Y"},
	}

	payload := assembler.Assemble(ModeCompose, "body", entries, "", "instruction")

	if !strings.Contains(payload.System, "[R1]: X") {
		t.Fatalf("expected first knowledge block in payload:\n%s", payload.System)
	}
	if !strings.Contains(payload.System, "[R2]: Y") {
		t.Fatalf("expected second knowledge block in payload:\n%s", payload.System)
	}
	if strings.Index(payload.System, "[R1]: X") > strings.Index(payload.System, "[R2]: Y") {
		t.Fatalf("expected insertion order preserved")
	}
	if !strings.Contains(payload.System, "Do not make up information") {
		t.Fatalf("expected grounding clause when knowledge present")
	}
}

func TestAssembleOmitsGroundingClauseWithoutKnowledge(t *testing.T) {
	assembler := NewContextAssembler(0)

	payload := assembler.Assemble(ModeCompose, "body", nil, "", "instruction")

	if strings.Contains(payload.System, "Do not make up information") {
		t.Fatalf("grounding clause must be absent without knowledge entries:\n%s", payload.System)
	}
}

func TestAssembleUsesPlaceholderForEmptyBody(t *testing.T) {
	assembler := NewContextAssembler(0)

	payload := assembler.Assemble(ModeCompose, "", nil, "", "instruction")

	if !strings.Contains(payload.System, emptyBodyPlaceholder) {
		t.Fatalf("expected empty-body placeholder:\n%s", payload.System)
	}
}

func TestAssembleFramesSelectionOnlyWhenPresent(t *testing.T) {
	assembler := NewContextAssembler(0)

	withSelection := assembler.Assemble(ModeCompose, "body", nil, "chosen words", "instruction")
	if !strings.Contains(withSelection.System, "selected the following text") {
		t.Fatalf("expected selection framing:\n%s", withSelection.System)
	}
	if !strings.Contains(withSelection.System, "chosen words") {
		t.Fatalf("expected selection content:\n%s", withSelection.System)
	}

	withoutSelection := assembler.Assemble(ModeCompose, "body", nil, "", "instruction")
	if strings.Contains(withoutSelection.System, "selected the following text") {
		t.Fatalf("selection framing must be absent for empty selection")
	}
}

func TestAssembleChatModeUsesChatPreamble(t *testing.T) {
	assembler := NewContextAssembler(0)

	payload := assembler.Assemble(ModeChat, "body", nil, "", "hello")
	if !strings.HasPrefix(payload.System, chatPreamble) {
		t.Fatalf("expected chat preamble:\n%s", payload.System)
	}

	compose := assembler.Assemble(ModeCompose, "body", nil, "", "hello")
	if !strings.HasPrefix(compose.System, composePreamble) {
		t.Fatalf("expected compose preamble:\n%s", compose.System)
	}
}

func TestAssembleTruncatesKnowledgeFromEndFirst(t *testing.T) {
	long := strings.Repeat("x", 400)
	entries := []KnowledgeSnippet{
		{Label: "keep", Content: long},
		{Label: "drop-first", Content: long},
		{Label: "drop-second", Content: long},
	}

	// Budget fits the preamble, body, instruction, and one block only.
	assembler := NewContextAssembler(len(composePreamble) + 700)
	payload := assembler.Assemble(ModeCompose, "short body", entries, "", "instruction")

	if payload.DroppedBlocks != 2 {
		t.Fatalf("expected two dropped blocks, got %d", payload.DroppedBlocks)
	}
	if !payload.Truncated() {
		t.Fatalf("expected truncation flag")
	}
	if !strings.Contains(payload.System, "[keep]:") {
		t.Fatalf("expected the leading block to survive:\n%s", payload.System)
	}
	if strings.Contains(payload.System, "[drop-second]:") {
		t.Fatalf("expected trailing blocks dropped first")
	}
	if !strings.Contains(payload.System, "short body") {
		t.Fatalf("document body must never be truncated")
	}
	if payload.Instruction != "instruction" {
		t.Fatalf("instruction must never be truncated")
	}
}

func TestAssembleNeverDropsBodyEvenWhenOverBudget(t *testing.T) {
	assembler := NewContextAssembler(10)
	payload := assembler.Assemble(ModeCompose, "a very long body that exceeds the limit", nil, "", "instruction")

	if !strings.Contains(payload.System, "a very long body that exceeds the limit") {
		t.Fatalf("body must survive even over budget:\n%s", payload.System)
	}
	if payload.DroppedBlocks != 0 {
		t.Fatalf("no blocks existed to drop, got %d", payload.DroppedBlocks)
	}
}
