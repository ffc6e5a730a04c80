package utils

import (
	json "github.com/goccy/go-json"
)

// MarshalJSON marshals v into a json byte array
func MarshalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalJSON unmarshals json data into v
func UnmarshalJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
