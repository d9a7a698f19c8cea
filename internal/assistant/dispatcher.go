package assistant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	composeTemperature = 0.7
	composeMaxTokens   = 2000
	chatTemperature    = 0.7
	chatMaxTokens      = 1500

	failedTurnNotice = "Sorry, I encountered an error. Please try again."
)

var (
	// ErrGenerationInFlight indicates a send was rejected because a prior
	// call for this session is still outstanding.
	ErrGenerationInFlight = errors.New("assistant: a generation call is already in flight")
	// ErrEmptyInstruction indicates a blank instruction or chat message.
	ErrEmptyInstruction = errors.New("assistant: instruction must not be empty")

	errMissingGenerator = errors.New("assistant: generator is required")
	errMissingAssembler = errors.New("assistant: context assembler is required")
)

// Inserter is the capability to place generated text into the active editor.
// It is injected per document session instead of living in global state.
type Inserter interface {
	Insert(text string) error
}

// DocumentContext is the grounding material read at the moment a request is
// dispatched: the live draft body, the ordered knowledge list, and the
// current selection.
type DocumentContext struct {
	Body      string
	Knowledge []KnowledgeSnippet
	Selection string
}

// DispatcherConfig configures a per-session dispatcher.
type DispatcherConfig struct {
	Assembler *ContextAssembler
	Generator Generator
	Inserter  Inserter
	Logger    *zap.Logger
}

// Dispatcher maps quick actions and chat turns onto generation calls. Calls
// are serialized per session: a send while another is outstanding is
// rejected, never queued.
type Dispatcher struct {
	mu         sync.Mutex
	busy       bool
	transcript []Turn

	assembler *ContextAssembler
	generator Generator
	inserter  Inserter
	logger    *zap.Logger
}

// NewDispatcher constructs a dispatcher with an empty transcript.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Assembler == nil {
		return nil, errMissingAssembler
	}
	if cfg.Generator == nil {
		return nil, errMissingGenerator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		assembler: cfg.Assembler,
		generator: cfg.Generator,
		inserter:  cfg.Inserter,
		logger:    logger,
	}, nil
}

// RunAction renders the quick action into an instruction and dispatches it as
// a single-shot generation request.
func (d *Dispatcher) RunAction(ctx context.Context, action Action, docContext DocumentContext) (string, error) {
	instruction := action.Instruction(docContext.Selection)
	if instruction == "" {
		return "", ErrUnknownAction
	}
	return d.Generate(ctx, instruction, docContext)
}

// Generate dispatches a single-shot request: the instruction plus assembled
// context, no prior turns. The exchange is appended to the transcript; the
// result is independently insertable via InsertResult.
func (d *Dispatcher) Generate(ctx context.Context, instruction string, docContext DocumentContext) (string, error) {
	if instruction == "" {
		return "", ErrEmptyInstruction
	}
	if err := d.begin(); err != nil {
		return "", err
	}
	defer d.end()

	payload := d.assembler.Assemble(ModeCompose, docContext.Body, docContext.Knowledge, docContext.Selection, instruction)
	d.logTruncation(payload)

	d.appendTurn(Turn{Role: RoleUser, Text: instruction})

	result, err := d.generator.Generate(ctx, GenerationRequest{
		System: payload.System,
		Turns:  []Turn{{Role: RoleUser, Text: payload.Instruction}},
		Params: GenerationParams{Temperature: composeTemperature, MaxTokens: composeMaxTokens},
	})
	if err != nil {
		// The failed turn stays visible; the transcript is never rolled back.
		d.appendTurn(Turn{Role: RoleAssistant, Text: failedTurnNotice})
		return "", fmt.Errorf("assistant: generate: %w", err)
	}

	d.appendTurn(Turn{Role: RoleAssistant, Text: result})
	return result, nil
}

// Chat appends the message to the transcript and sends the entire transcript
// plus context; the response is appended as an assistant turn.
func (d *Dispatcher) Chat(ctx context.Context, message string, docContext DocumentContext) (string, error) {
	if message == "" {
		return "", ErrEmptyInstruction
	}
	if err := d.begin(); err != nil {
		return "", err
	}
	defer d.end()

	payload := d.assembler.Assemble(ModeChat, docContext.Body, docContext.Knowledge, "", message)
	d.logTruncation(payload)

	d.appendTurn(Turn{Role: RoleUser, Text: message})
	turns := d.Transcript()

	result, err := d.generator.Generate(ctx, GenerationRequest{
		System: payload.System,
		Turns:  turns,
		Params: GenerationParams{Temperature: chatTemperature, MaxTokens: chatMaxTokens},
	})
	if err != nil {
		d.appendTurn(Turn{Role: RoleAssistant, Text: failedTurnNotice})
		return "", fmt.Errorf("assistant: chat: %w", err)
	}

	d.appendTurn(Turn{Role: RoleAssistant, Text: result})
	return result, nil
}

// InsertResult places generated text into the active editor through the
// injected capability.
func (d *Dispatcher) InsertResult(text string) error {
	if d.inserter == nil {
		return errors.New("assistant: no inserter configured for this session")
	}
	if text == "" {
		return ErrEmptyInstruction
	}
	return d.inserter.Insert(text)
}

// Transcript returns a copy of the ordered conversation turns.
func (d *Dispatcher) Transcript() []Turn {
	d.mu.Lock()
	defer d.mu.Unlock()
	turns := make([]Turn, len(d.transcript))
	copy(turns, d.transcript)
	return turns
}

func (d *Dispatcher) begin() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy {
		return ErrGenerationInFlight
	}
	d.busy = true
	return nil
}

func (d *Dispatcher) end() {
	d.mu.Lock()
	d.busy = false
	d.mu.Unlock()
}

func (d *Dispatcher) appendTurn(turn Turn) {
	d.mu.Lock()
	d.transcript = append(d.transcript, turn)
	d.mu.Unlock()
}

func (d *Dispatcher) logTruncation(payload ContextPayload) {
	if payload.Truncated() {
		d.logger.Warn("context payload truncated",
			zap.Int("dropped_blocks", payload.DroppedBlocks))
	}
}
