package chorddir

import "encoding/json"

func encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	return data, err
}

func decode(data json.RawMessage, v any) error {
	return json.Unmarshal(data, v)
}
