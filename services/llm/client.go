package llm

import (
	"context"
	"fmt"
)

// ChunkCallback receives one streamed text fragment, in emission order.
type ChunkCallback func(chunk string)

// Prompt is one generation request: a system instruction plus the user
// turn (which carries the room context inline).
type Prompt struct {
	System string
	User   string
}

// StreamingClient defines the standard interface for any streaming LLM backend.
// Implementations forward each text fragment to onChunk and never retain the
// full reply themselves; accumulation is the caller's job, so reply content
// lives only where the caller puts it. Implementations must respect ctx
// cancellation and must not invoke onChunk after returning.
type StreamingClient interface {
	StreamGenerate(ctx context.Context, model string, prompt Prompt, onChunk ChunkCallback) error
}

// ModelAttemptError wraps one failed model attempt inside the fallback
// chain. It is recovered locally by the chain and logged, never surfaced
// to callers individually.
type ModelAttemptError struct {
	Model string
	Err   error
}

func (e *ModelAttemptError) Error() string {
	return fmt.Sprintf("model %s attempt failed: %v", e.Model, e.Err)
}

func (e *ModelAttemptError) Unwrap() error { return e.Err }

// AllModelsFailedError is returned when every model in the chain failed.
// LastErr is the final attempt's error.
type AllModelsFailedError struct {
	Attempts int
	LastErr  error
}

func (e *AllModelsFailedError) Error() string {
	return fmt.Sprintf("all %d models failed, last error: %v", e.Attempts, e.LastErr)
}

func (e *AllModelsFailedError) Unwrap() error { return e.LastErr }
