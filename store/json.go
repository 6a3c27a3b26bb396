package store

import "encoding/json"

// EncodeJSON marshals v for storage in a TEXT column. A nil map or slice
// encodes as "{}" rather than "null" so downstream JSON-path queries
// (gjson, sjson) never have to special-case null.
func EncodeJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "{}", nil
	}
	return string(data), nil
}

// DecodeJSON unmarshals raw into v. An empty string is treated as "{}".
func DecodeJSON(raw string, v any) error {
	if raw == "" {
		raw = "{}"
	}
	return json.Unmarshal([]byte(raw), v)
}

// MustEncodeJSON is EncodeJSON for call sites that already know v
// marshals cleanly (e.g. a []string of normalised tags); panics on error
// only surface a programmer bug, never bad input.
func MustEncodeJSON(v any) string {
	s, err := EncodeJSON(v)
	if err != nil {
		panic(err)
	}
	return s
}
