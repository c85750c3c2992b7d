package engine

import (
	"bytes"
	"encoding/json"
)

// flattenJSONAppend validates a JSON append body and splits it into the
// individual messages it represents: a bare value becomes one message; a
// top-level array is flattened one level, one message per element.
//
// Grounded on the teacher's store/memory_store.go processJSONAppend.
func flattenJSONAppend(data []byte, allowEmptyArray bool) ([][]byte, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(arr) == 0 {
			if !allowEmptyArray {
				return nil, ErrEmptyJSONArray
			}
			return [][]byte{}, nil
		}
		out := make([][]byte, len(arr))
		for i, elem := range arr {
			out[i] = []byte(elem)
		}
		return out, nil
	}

	return [][]byte{trimmed}, nil
}

// formatJSONResponse joins raw message bodies into a single JSON array
// response, without re-parsing each element.
func formatJSONResponse(messages [][]byte) []byte {
	if len(messages) == 0 {
		return []byte("[]")
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, m := range messages {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(m)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
