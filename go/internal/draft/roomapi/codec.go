// Package roomapi serves room mutations and snapshots as a Connect service
// with a JSON codec over the store request types.
package roomapi

import (
	"encoding/json"
	"fmt"
)

// Codec is registered under the "json" name, replacing Connect's protobuf
// JSON codec for this service.
type Codec struct{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", msg, err)
	}
	return data, nil
}

func (Codec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("unmarshal %T: %w", msg, err)
	}
	return nil
}
