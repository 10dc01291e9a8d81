package llm

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultModelPriority is the fixed fallback order: fastest/cheapest
// first, most capable last. Not adaptive.
var DefaultModelPriority = []string{
	"gemini-2.5-flash",      // high speed / good capability
	"gemini-2.5-flash-lite", // fastest / cheapest in 2.5 family
	"gemini-2.0-flash",      // older flash model
	"gemini-2.0-flash-lite", // cost / latency friendly in 2.0
	"gemini-1.5-flash",      // older flash model
	"gemini-2.5-pro",        // strongest / most capable
	"gemini-1.5-pro",        // older pro model
	"gemini-pro",            // generic alias / fallback
}

// FallbackClient walks an ordered model list until one streams to
// completion.
//
// # Description
//
// Each model attempt accumulates into its own fresh ReplyAccumulator, so
// reply content lives in wipeable (mlocked where available) memory for the
// whole attempt. On success the finalized buffer is the returned text; on
// any error the attempt's partial accumulation is wiped and the next model
// is tried — a failed attempt never contributes to the returned text. When
// every model fails, the caller gets an *AllModelsFailedError carrying
// the last error.
//
// Chunks are forwarded to onChunk live as they arrive, so an attempt
// that fails mid-stream may already have emitted chunks; only the
// returned text is guaranteed to come wholly from the winning attempt.
//
// # Thread Safety
//
// Safe for concurrent use; the client holds no per-call state.
type FallbackClient struct {
	client         StreamingClient
	models         []string
	logger         *slog.Logger
	onAttempt      func(model string, err error)
	newAccumulator func() (ReplyAccumulator, error)
}

// NewFallbackClient builds a chain over the given provider and model
// order. Panics on missing dependencies: construction happens once at
// startup and a silent nil would only fail later, mid-turn.
func NewFallbackClient(client StreamingClient, models []string, logger *slog.Logger) *FallbackClient {
	if client == nil {
		panic("NewFallbackClient: client is required")
	}
	if len(models) == 0 {
		panic("NewFallbackClient: at least one model is required")
	}
	if logger == nil {
		panic("NewFallbackClient: logger is required")
	}
	f := &FallbackClient{
		client: client,
		models: append([]string(nil), models...),
		logger: logger,
	}
	// Prefer mlocked reply buffers; a chain must not lose its models
	// because the host's mlock limit is low.
	f.newAccumulator = func() (ReplyAccumulator, error) {
		acc, err := NewReplyAccumulator()
		if err != nil {
			logger.Warn("secure reply buffer unavailable, using standard memory", "error", err)
			return newInsecureReplyAccumulator(), nil
		}
		return acc, nil
	}
	return f
}

// SetAttemptObserver registers a hook invoked after every model attempt
// with the attempt's error (nil on success). Used for metrics wiring.
// Must be called before Stream; not safe to call concurrently with it.
func (f *FallbackClient) SetAttemptObserver(fn func(model string, err error)) {
	f.onAttempt = fn
}

// Models returns the configured priority order.
func (f *FallbackClient) Models() []string {
	return append([]string(nil), f.models...)
}

// Stream runs the fallback chain for one prompt.
//
// # Outputs
//
//   - string: The winning attempt's full text, read back from that
//     attempt's finalized accumulator.
//   - error: *AllModelsFailedError when the chain is exhausted, or the
//     context error when ctx is cancelled between attempts.
func (f *FallbackClient) Stream(ctx context.Context, prompt Prompt, onChunk ChunkCallback) (string, error) {
	ctx, span := tracer.Start(ctx, "FallbackClient.Stream")
	defer span.End()
	span.SetAttributes(attribute.Int("llm.chain_length", len(f.models)))

	var lastErr error
	for _, model := range f.models {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}

		f.logger.Debug("attempting model", "model", model)
		acc, err := f.newAccumulator()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}

		err = f.client.StreamGenerate(ctx, model, prompt, func(chunk string) {
			if werr := acc.Write(chunk); werr != nil {
				f.logger.Warn("reply accumulator write failed", "model", model, "error", werr)
			}
			if onChunk != nil {
				onChunk(chunk)
			}
		})
		if f.onAttempt != nil {
			f.onAttempt(model, err)
		}
		if err == nil {
			text, digest, ferr := acc.Finalize()
			if ferr == nil {
				span.SetAttributes(attribute.String("llm.winning_model", model))
				f.logger.Info("model stream completed",
					"model", model,
					"response_chars", len(text),
					"digest", digest[:16],
				)
				return text, nil
			}
			// Oversized or poisoned buffer: the attempt did not produce a
			// usable reply, fall through to the next model.
			err = ferr
		}
		acc.Destroy()

		attemptErr := &ModelAttemptError{Model: model, Err: err}
		lastErr = attemptErr
		f.logger.Warn("model failed, trying next", "model", model, "error", err)
	}

	failed := &AllModelsFailedError{Attempts: len(f.models), LastErr: lastErr}
	span.RecordError(failed)
	span.SetStatus(codes.Error, failed.Error())
	f.logger.Error("all models failed", "attempts", len(f.models), "last_error", lastErr)
	return "", failed
}
