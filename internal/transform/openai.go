package transform

import "encoding/json"

// openAICodec is the pass-through codec: the canonical shape already is
// the OpenAI chat-completions shape, so encode/decode are plain
// marshal/unmarshal with no field remapping.
type openAICodec struct{}

func (openAICodec) EncodeRequest(req Request) ([]byte, error) {
	return json.Marshal(req)
}

func (openAICodec) DecodeResponse(body []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (openAICodec) DecodeStreamFrame(payload []byte) (*StreamChunk, bool, error) {
	if string(payload) == "[DONE]" {
		return nil, true, nil
	}
	var chunk StreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, false, err
	}
	return &chunk, false, nil
}
