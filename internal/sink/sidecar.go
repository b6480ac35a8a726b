package sink

import (
	"encoding/json"
	"fmt"
	"os"
)

// WriteSidecar writes the merged metadata document. Keys beyond the
// envelope come straight from the detector and are preserved as-is.
func WriteSidecar(path string, body map[string]any) error {
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return fmt.Errorf("sink: sidecar marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("sink: sidecar write: %w", err)
	}
	return nil
}

// ReadSidecar loads a sidecar back. Unknown keys survive the round trip.
func ReadSidecar(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sink: sidecar read: %w", err)
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("sink: sidecar parse %s: %w", path, err)
	}
	return body, nil
}
