package sketch

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a state to its canonical JSON form.
func Encode(s *State) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("sketch: encode: %w", err)
	}
	return data, nil
}

// Decode parses a state from its canonical JSON form. The returned state is
// normalized: the shape map is never nil and every Order entry resolves.
func Decode(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("sketch: decode: %w", err)
	}
	if s.Shapes == nil {
		s.Shapes = make(map[string]*Shape)
	}
	for _, id := range s.Order {
		if _, ok := s.Shapes[id]; !ok {
			return nil, fmt.Errorf("sketch: decode: order references missing shape %s", id)
		}
	}
	return &s, nil
}
