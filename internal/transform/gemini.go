package transform

import "encoding/json"

// geminiCodec maps the canonical shape to/from Gemini's generateContent
// shape. Per the mapping rule, system/developer messages are concatenated
// and folded into the first user part rather than carried as a distinct
// field, matching the literal behaviour described for this api_format.
type geminiCodec struct{}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

func (geminiCodec) EncodeRequest(req Request) ([]byte, error) {
	var system string
	var contents []geminiContent

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case "assistant", "model":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	if system != "" {
		if len(contents) > 0 {
			firstUser := -1
			for i, c := range contents {
				if c.Role == "user" {
					firstUser = i
					break
				}
			}
			if firstUser >= 0 && len(contents[firstUser].Parts) > 0 {
				contents[firstUser].Parts[0].Text = system + "\n" + contents[firstUser].Parts[0].Text
			} else {
				contents = append([]geminiContent{{Role: "user", Parts: []geminiPart{{Text: system}}}}, contents...)
			}
		} else {
			contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: system}}}}
		}
	}

	var cfg *geminiGenerationConfig
	if req.MaxTokens > 0 || req.Temperature > 0 {
		cfg = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens, Temperature: req.Temperature}
	}

	return json.Marshal(geminiRequest{Contents: contents, GenerationConfig: cfg})
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

func firstText(c geminiContent) string {
	if len(c.Parts) == 0 {
		return ""
	}
	var out string
	for _, p := range c.Parts {
		out += p.Text
	}
	return out
}

func (geminiCodec) DecodeResponse(body []byte) (Response, error) {
	var raw geminiResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return Response{}, err
	}

	var content string
	var finish string
	if len(raw.Candidates) > 0 {
		content = firstText(raw.Candidates[0].Content)
		finish = raw.Candidates[0].FinishReason
	}

	return Response{
		Object: "chat.completion",
		Choices: []Choice{{
			Index:        0,
			Message:      &Message{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
		Usage: Usage{
			PromptTokens:     raw.UsageMetadata.PromptTokenCount,
			CompletionTokens: raw.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      raw.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

// DecodeStreamFrame maps one Gemini streaming response chunk. Gemini has no
// literal terminal frame analogous to "[DONE]"; the stream simply ends when
// the upstream connection closes, which the Forwarder observes at the
// transport level and signals to the canonical SSE writer itself.
func (geminiCodec) DecodeStreamFrame(payload []byte) (*StreamChunk, bool, error) {
	var raw geminiResponse
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, false, err
	}
	if len(raw.Candidates) == 0 {
		return nil, false, nil
	}
	text := firstText(raw.Candidates[0].Content)
	finish := raw.Candidates[0].FinishReason
	if text == "" && finish == "" {
		return nil, false, nil
	}
	chunk := &StreamChunk{
		Object:  "chat.completion.chunk",
		Choices: []Choice{{Delta: &Message{Content: text}, FinishReason: finish}},
	}
	if finish != "" && raw.UsageMetadata.TotalTokenCount > 0 {
		chunk.Usage = &Usage{
			PromptTokens:     raw.UsageMetadata.PromptTokenCount,
			CompletionTokens: raw.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      raw.UsageMetadata.TotalTokenCount,
		}
	}
	return chunk, false, nil
}
