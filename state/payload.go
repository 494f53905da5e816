package state

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// VersionField is the payload property that carries the version token.
const VersionField = "version"

// stampVersion serializes value and, when it encodes a JSON object, sets its
// version property to the given token, replacing any value supplied by the
// caller. Other JSON values are stored as encoded.
func stampVersion(value any, version string) (json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	token, err := json.Marshal(version)
	if err != nil {
		return nil, err
	}
	fields[VersionField] = token
	return json.Marshal(fields)
}
