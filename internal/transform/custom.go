package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/llm-proxy/internal/models"
)

// customCodec implements the user-declared "custom" api_format: a
// vendor-defined, data-driven field mapping rather than a hardcoded shape.
// Extraction reads a canonical or vendor path with gjson; injection writes
// the mapped value at the other side's path with sjson. This mirrors the
// role gjson/sjson play for Gemini<->OpenAI field translation elsewhere in
// the wider provider ecosystem, generalized here to an arbitrary,
// store-declared mapping instead of one hardcoded pair of shapes.
type customCodec struct {
	extra models.ExtraConfig
}

func newCustomCodec(extra models.ExtraConfig) customCodec {
	return customCodec{extra: extra}
}

func (c customCodec) EncodeRequest(req Request) ([]byte, error) {
	canonical, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	out := "{}"
	canonicalJSON := string(canonical)
	for _, m := range c.extra.RequestMappings {
		val := gjson.Get(canonicalJSON, m.CanonicalPath)
		if !val.Exists() {
			continue
		}
		transformed, err := applyTransform(val, m.Transform)
		if err != nil {
			return nil, fmt.Errorf("transform: custom request mapping %q: %w", m.CanonicalPath, err)
		}
		out, err = sjson.Set(out, m.VendorPath, transformed)
		if err != nil {
			return nil, fmt.Errorf("transform: set vendor path %q: %w", m.VendorPath, err)
		}
	}
	return []byte(out), nil
}

func (c customCodec) DecodeResponse(body []byte) (Response, error) {
	vendorJSON := string(body)
	out := "{}"
	var err error
	for _, m := range c.extra.ResponseMappings {
		val := gjson.Get(vendorJSON, m.VendorPath)
		if !val.Exists() {
			continue
		}
		transformed, terr := applyTransform(val, m.Transform)
		if terr != nil {
			return Response{}, fmt.Errorf("transform: custom response mapping %q: %w", m.VendorPath, terr)
		}
		out, err = sjson.Set(out, m.CanonicalPath, transformed)
		if err != nil {
			return Response{}, fmt.Errorf("transform: set canonical path %q: %w", m.CanonicalPath, err)
		}
	}
	var resp Response
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return Response{}, fmt.Errorf("transform: decode mapped custom response: %w", err)
	}
	return resp, nil
}

func (c customCodec) DecodeStreamFrame(payload []byte) (*StreamChunk, bool, error) {
	if c.extra.StreamDonePath != "" {
		if gjson.GetBytes(payload, c.extra.StreamDonePath).Bool() {
			return nil, true, nil
		}
	}
	vendorJSON := string(payload)
	out := "{}"
	var err error
	mappings := c.extra.DeltaMappings
	if len(mappings) == 0 {
		mappings = c.extra.ResponseMappings
	}
	for _, m := range mappings {
		val := gjson.Get(vendorJSON, m.VendorPath)
		if !val.Exists() {
			continue
		}
		transformed, terr := applyTransform(val, m.Transform)
		if terr != nil {
			return nil, false, fmt.Errorf("transform: custom delta mapping %q: %w", m.VendorPath, terr)
		}
		out, err = sjson.Set(out, m.CanonicalPath, transformed)
		if err != nil {
			return nil, false, fmt.Errorf("transform: set delta path %q: %w", m.CanonicalPath, err)
		}
	}
	var chunk StreamChunk
	if err := json.Unmarshal([]byte(out), &chunk); err != nil {
		return nil, false, fmt.Errorf("transform: decode mapped custom delta: %w", err)
	}
	return &chunk, false, nil
}

// applyTransform converts a gjson.Result per the mapping's numeric
// transform directive ("multiply:n", "divide:n", "fixed:v"); the empty
// string leaves the value untouched.
func applyTransform(val gjson.Result, transform string) (any, error) {
	if transform == "" {
		return val.Value(), nil
	}

	if strings.HasPrefix(transform, "fixed:") {
		fixed := strings.TrimPrefix(transform, "fixed:")
		var fv any
		if err := json.Unmarshal([]byte(fixed), &fv); err != nil {
			return fixed, nil
		}
		return fv, nil
	}

	parts := strings.SplitN(transform, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("unrecognised transform %q", transform)
	}
	factor, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, fmt.Errorf("transform %q: invalid factor: %w", transform, err)
	}

	switch parts[0] {
	case "multiply":
		return val.Float() * factor, nil
	case "divide":
		if factor == 0 {
			return nil, fmt.Errorf("transform %q: divide by zero", transform)
		}
		return val.Float() / factor, nil
	default:
		return nil, fmt.Errorf("unrecognised transform %q", transform)
	}
}
