package transform

import "bytes"

// FrameSplitter reassembles a chunked byte stream into complete
// "data: <payload>\n\n" SSE frames, tolerating reads that split a frame
// anywhere — mid-line, mid-payload, or across the blank-line terminator.
// It holds no state beyond one request's own unconsumed tail, matching the
// Codec contract of zero cross-request state.
type FrameSplitter struct {
	buf bytes.Buffer
}

// Push appends newly read bytes and returns every complete frame payload
// contained so far (with the "data: " prefix stripped and both trailing
// newlines removed). Comment lines (starting with ':') and non-"data:"
// fields are dropped. Leftover partial data is retained for the next Push.
func (s *FrameSplitter) Push(chunk []byte) [][]byte {
	s.buf.Write(chunk)

	var frames [][]byte
	for {
		data := s.buf.Bytes()

		lfIdx := bytes.Index(data, []byte("\n\n"))
		crlfIdx := bytes.Index(data, []byte("\r\n\r\n"))

		var idx, skip int
		switch {
		case crlfIdx >= 0 && (lfIdx < 0 || crlfIdx <= lfIdx):
			idx, skip = crlfIdx, 4
		case lfIdx >= 0:
			idx, skip = lfIdx, 2
		default:
			return frames
		}

		raw := make([]byte, idx)
		copy(raw, data)
		s.buf.Next(idx + skip)

		if payload, ok := extractDataPayload(raw); ok {
			frames = append(frames, payload)
		}
	}
}

// extractDataPayload joins every "data:" line in a frame (per the SSE spec,
// multiple data lines concatenate with '\n'), ignoring comment and other
// field lines. ok is false for a frame with no data line at all, e.g. a
// bare keep-alive comment.
func extractDataPayload(raw []byte) ([]byte, bool) {
	lines := bytes.Split(raw, []byte("\n"))
	var out bytes.Buffer
	found := false
	for _, line := range lines {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if bytes.HasPrefix(line, []byte(":")) {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		value := bytes.TrimPrefix(line, []byte("data:"))
		value = bytes.TrimPrefix(value, []byte(" "))
		if found {
			out.WriteByte('\n')
		}
		out.Write(value)
		found = true
	}
	if !found {
		return nil, false
	}
	return out.Bytes(), true
}
