package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("devsync.llm")

const (
	// DefaultGeminiBaseURL is the public Generative Language API endpoint.
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	defaultTemperature     = 0.4
	defaultMaxOutputTokens = 8192

	// sseScanBufferSize bounds one SSE line; large code files arrive as
	// many chunks, not one giant line, so 1MB is generous.
	sseScanBufferSize = 1024 * 1024
)

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey          string
	BaseURL         string
	Timeout         time.Duration
	Temperature     float64
	MaxOutputTokens int
}

// GeminiClient streams completions from the Generative Language API
// using server-sent events. The model name is supplied per call so one
// client serves the whole fallback chain.
type GeminiClient struct {
	apiKey          string
	baseURL         string
	httpClient      *http.Client
	temperature     float64
	maxOutputTokens int
}

// Gemini API request/response structures (only the fields we use).
type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewGeminiClient creates a client from config, applying defaults for
// every zero field except the API key, which is required.
func NewGeminiClient(config GeminiConfig) (*GeminiClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key not configured")
	}
	baseURL := strings.TrimSuffix(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	temperature := config.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxTokens := config.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxOutputTokens
	}

	slog.Info("Initializing Gemini client", "base_url", baseURL, "timeout", timeout)
	return &GeminiClient{
		apiKey:          config.APIKey,
		baseURL:         baseURL,
		httpClient:      &http.Client{Timeout: timeout},
		temperature:     temperature,
		maxOutputTokens: maxTokens,
	}, nil
}

// StreamGenerate implements the StreamingClient interface.
//
// Opens a streamGenerateContent call with alt=sse and forwards every
// text part to onChunk as it arrives; the client never buffers the full
// reply. Errors mid-stream abandon the call; the fallback chain decides
// what happens next.
func (c *GeminiClient) StreamGenerate(ctx context.Context, model string, prompt Prompt,
	onChunk ChunkCallback) error {

	ctx, span := tracer.Start(ctx, "GeminiClient.StreamGenerate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model))

	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt.User}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     c.temperature,
			MaxOutputTokens: c.maxOutputTokens,
		},
	}
	if prompt.System != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: prompt.System}}}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("create gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("gemini API status %d for model %s: %s",
			resp.StatusCode, model, strings.TrimSpace(string(body)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	chars, err := c.consumeStream(ctx, resp.Body, onChunk)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Int("llm.response_chars", chars))
	return nil
}

// consumeStream reads SSE "data:" lines until EOF or [DONE], forwarding
// text parts to onChunk. Returns the total character count for tracing.
func (c *GeminiClient) consumeStream(ctx context.Context, body io.Reader, onChunk ChunkCallback) (int, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), sseScanBufferSize)

	chars := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return chars, err
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip non-JSON keepalive frames.
			continue
		}
		if chunk.Error != nil {
			return chars, fmt.Errorf("gemini API error %d: %s", chunk.Error.Code, chunk.Error.Message)
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		for _, part := range chunk.Candidates[0].Content.Parts {
			if part.Text == "" {
				continue
			}
			chars += len(part.Text)
			if onChunk != nil {
				onChunk(part.Text)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return chars, fmt.Errorf("read gemini stream: %w", err)
	}
	return chars, nil
}

// Compile-time interface check
var _ StreamingClient = (*GeminiClient)(nil)
