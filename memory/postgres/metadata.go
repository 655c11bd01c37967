package postgres

import "encoding/json"

// marshalMetadata encodes metadata for storage in the JSONB column. A nil
// map is stored as SQL NULL.
func marshalMetadata(metadata map[string]string) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	return json.Marshal(metadata)
}

// unmarshalMetadata decodes the JSONB column back into a map. Empty input
// (SQL NULL) decodes to a nil map, matching what was stored.
func unmarshalMetadata(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
