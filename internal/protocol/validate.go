package protocol

import (
	"fmt"

	"afb-client/internal/value"
)

// maxFrameSnippet bounds how much of a bad frame is echoed in errors.
const maxFrameSnippet = 120

// DecodeFrame validates a raw frame and decodes it by message code.
func DecodeFrame(raw []byte) (Frame, error) {
	v, err := value.Parse(raw)
	if err != nil {
		return Frame{}, fmt.Errorf("invalid JSON: %w", err)
	}

	items, ok := v.Items()
	if !ok {
		return Frame{}, fmt.Errorf("frame is %s, not array: %s", v.Kind(), snippet(raw))
	}
	if len(items) < 3 {
		return Frame{}, fmt.Errorf("frame has %d elements, need at least 3", len(items))
	}

	n, ok := items[0].Int()
	if !ok {
		return Frame{}, fmt.Errorf("missing message code: %s", snippet(raw))
	}
	code := MessageCode(n)

	id, ok := items[1].Str()
	if !ok || id == "" {
		return Frame{}, fmt.Errorf("missing id for %s frame", code)
	}

	switch code {
	case CodeCall:
		method, ok := items[2].Str()
		if !ok || method == "" {
			return Frame{}, fmt.Errorf("missing method in call %s", id)
		}
		c := &Call{ID: id, Method: method, Args: value.EmptyObject()}
		if len(items) > 3 {
			c.Args = items[3]
		}
		if len(items) > 4 {
			c.Token, _ = items[4].Str()
		}
		return Frame{Code: code, Call: c}, nil

	case CodeReplyOK, CodeReplyError:
		r, err := parseReply(id, code == CodeReplyOK, items[2])
		if err != nil {
			return Frame{}, fmt.Errorf("invalid reply for call %s: %w", id, err)
		}
		return Frame{Code: code, Reply: r}, nil

	case CodeEvent:
		return Frame{Code: code, Event: parseEvent(id, items[2])}, nil
	}

	return Frame{}, fmt.Errorf("unknown message code: %d", n)
}

// DecodeCall decodes a frame that must be a call. Binders use it on their
// inbound side.
func DecodeCall(raw []byte) (*Call, error) {
	f, err := DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	if f.Code != CodeCall {
		return nil, fmt.Errorf("expected call frame, got %s", f.Code)
	}
	return f.Call, nil
}

func snippet(raw []byte) string {
	s := compact(raw)
	if len(s) > maxFrameSnippet {
		return s[:maxFrameSnippet] + "..."
	}
	return s
}
