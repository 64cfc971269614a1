package rpc

import (
	"encoding/json"
	"strings"

	"afb-client/internal/value"
)

// NormalizeArguments turns caller-supplied call arguments into a payload.
//
// Strings and byte slices must hold JSON; empty, blank or unparseable text
// becomes an empty object. nil becomes an empty object. Any other value is
// passed through, converted to a value.Value if needed.
func NormalizeArguments(args any) value.Value {
	switch a := args.(type) {
	case nil:
		return value.EmptyObject()
	case value.Value:
		if a.IsNull() {
			return value.EmptyObject()
		}
		return a
	case string:
		return parseText([]byte(a))
	case []byte:
		return parseText(a)
	case json.RawMessage:
		return parseText(a)
	}

	v, err := value.FromGo(args)
	if err != nil || v.IsNull() {
		return value.EmptyObject()
	}
	return v
}

func parseText(text []byte) value.Value {
	if strings.TrimSpace(string(text)) == "" {
		return value.EmptyObject()
	}
	v, err := value.Parse(text)
	if err != nil {
		return value.EmptyObject()
	}
	return v
}
