// Package transform implements the Transformer: bidirectional mapping
// between the canonical OpenAI-chat-completions shape and each vendor's
// native shape, including SSE re-framing. Per the design notes, this is a
// sum type over {OpenAI, Anthropic, Gemini, Custom(FieldMap)} rather than a
// set of dynamic trait objects — one Transformer value per api_format,
// selected once per request and reused across all of that request's
// streamed chunks with no cross-request state.
package transform

import (
	"errors"
	"fmt"

	"github.com/nulpointcorp/llm-proxy/internal/models"
)

var (
	ErrEmptyMessages = errors.New("transform: messages must not be empty")
	ErrEmptyModel    = errors.New("transform: model must not be empty")
)

// Message is one canonical conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the canonical OpenAI chat-completions request shape.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Validate rejects requests with an empty messages array or empty model,
// per §4.6.
func (r Request) Validate() error {
	if r.Model == "" {
		return ErrEmptyModel
	}
	if len(r.Messages) == 0 {
		return ErrEmptyMessages
	}
	return nil
}

// Choice is one canonical response choice (non-streaming or delta form).
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// Usage is the canonical token accounting shape.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Response is the canonical non-streaming response shape.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// StreamChunk is one canonical SSE "data:" frame payload. Usage is nil on
// every frame but the terminal one — vendors that report token accounting
// mid-stream only do so on their final chunk.
type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Codec translates between the canonical shape and one vendor api_format.
// Implementations hold no per-request mutable state except, where needed,
// a partial-frame buffer private to one streaming call.
type Codec interface {
	EncodeRequest(req Request) ([]byte, error)
	DecodeResponse(body []byte) (Response, error)
	// DecodeStreamFrame maps one already-unwrapped vendor SSE payload
	// (the bytes after "data: ", before the trailing newlines) to zero or
	// one canonical chunk. done=true means this frame was the vendor's own
	// terminal marker and no further frames should be expected.
	DecodeStreamFrame(payload []byte) (chunk *StreamChunk, done bool, err error)
}

// ForFormat returns the Codec for a vendor's api_format. extra carries the
// custom format's field mappings; it is ignored for the other formats.
func ForFormat(format models.APIFormat, extra models.ExtraConfig) (Codec, error) {
	switch format {
	case models.APIFormatOpenAI:
		return openAICodec{}, nil
	case models.APIFormatAnthropic:
		return anthropicCodec{}, nil
	case models.APIFormatGemini:
		return geminiCodec{}, nil
	case models.APIFormatCustom:
		return newCustomCodec(extra), nil
	default:
		return nil, fmt.Errorf("transform: unknown api_format %q", format)
	}
}
