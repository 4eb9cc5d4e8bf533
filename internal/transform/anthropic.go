package transform

import "encoding/json"

// anthropicCodec maps the canonical shape to/from Anthropic's Messages API
// shape: system messages are lifted out of `messages` into a top-level
// `system` field, usage fields are renamed, and content is an array of
// typed blocks rather than a single string.
type anthropicCodec struct{}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

const defaultAnthropicMaxTokens = 4096

func (anthropicCodec) EncodeRequest(req Request) ([]byte, error) {
	var system string
	msgs := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" || m.Role == "developer" {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	return json.Marshal(anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      system,
		Messages:    msgs,
	})
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

func (anthropicCodec) DecodeResponse(body []byte) (Response, error) {
	var raw anthropicResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return Response{}, err
	}

	var text string
	for _, block := range raw.Content {
		if block.Type == "text" || block.Type == "" {
			text += block.Text
		}
	}

	return Response{
		ID:     raw.ID,
		Object: "chat.completion",
		Model:  raw.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      &Message{Role: "assistant", Content: text},
			FinishReason: raw.StopReason,
		}},
		Usage: Usage{
			PromptTokens:     raw.Usage.InputTokens,
			CompletionTokens: raw.Usage.OutputTokens,
			TotalTokens:      raw.Usage.InputTokens + raw.Usage.OutputTokens,
		},
	}, nil
}

// anthropicStreamEvent covers the subset of Anthropic SSE event bodies the
// Transformer needs: content_block_delta carries the incremental text,
// message_delta carries the stop reason, message_stop is the terminal
// marker (Anthropic has no literal "[DONE]" frame, unlike OpenAI).
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Text        string `json:"text"`
		StopReason  string `json:"stop_reason"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
		InputTokens  int `json:"input_tokens"`
	} `json:"usage"`
}

func (anthropicCodec) DecodeStreamFrame(payload []byte) (*StreamChunk, bool, error) {
	var ev anthropicStreamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, false, err
	}

	switch ev.Type {
	case "content_block_delta":
		if ev.Delta.Text == "" {
			return nil, false, nil
		}
		return &StreamChunk{
			Object:  "chat.completion.chunk",
			Choices: []Choice{{Delta: &Message{Content: ev.Delta.Text}}},
		}, false, nil
	case "message_delta":
		if ev.Delta.StopReason == "" {
			return nil, false, nil
		}
		chunk := &StreamChunk{
			Object:  "chat.completion.chunk",
			Choices: []Choice{{FinishReason: ev.Delta.StopReason}},
		}
		if ev.Usage.OutputTokens > 0 || ev.Usage.InputTokens > 0 {
			chunk.Usage = &Usage{
				PromptTokens:     ev.Usage.InputTokens,
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      ev.Usage.InputTokens + ev.Usage.OutputTokens,
			}
		}
		return chunk, false, nil
	case "message_stop":
		return nil, true, nil
	default:
		return nil, false, nil
	}
}
