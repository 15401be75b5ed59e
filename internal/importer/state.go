package importer

import (
	"encoding/json"
	"fmt"
)

const statusDone = "done"

type CollectionState struct {
	OmekaID     int64  `json:"omekaId,omitempty"`
	IsDuplicate bool   `json:"isDuplicate,omitempty"`
	Error       string `json:"error,omitempty"`
}

type ManifestState struct {
	OmekaID     int64  `json:"omekaId,omitempty"`
	IsDuplicate bool   `json:"isDuplicate,omitempty"`
	Error       string `json:"error,omitempty"`
}

type CanvasState struct {
	OmekaID     int64  `json:"omekaId,omitempty"`
	IsDuplicate bool   `json:"isDuplicate,omitempty"`
	CanvasOrder *int   `json:"canvasOrder,omitempty"`
	Error       string `json:"error,omitempty"`
}

// UserParams is the parameter tuple of collection and manifest tasks:
// [userId].
type UserParams struct {
	UserID int
}

func (p UserParams) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.UserID})
}

func (p *UserParams) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("parameters: %w", err)
	}
	if len(tuple) < 1 {
		return fmt.Errorf("parameters: want [userId], got %d values", len(tuple))
	}
	return json.Unmarshal(tuple[0], &p.UserID)
}

// CanvasParams is the parameter tuple of canvas tasks:
// [userId, manifestPath, manifestId].
type CanvasParams struct {
	UserID       int
	ManifestPath string
	ManifestID   string
}

func (p CanvasParams) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.UserID, p.ManifestPath, p.ManifestID})
}

func (p *CanvasParams) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("parameters: %w", err)
	}
	if len(tuple) != 3 {
		return fmt.Errorf("parameters: want [userId, manifestPath, manifestId], got %d values", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &p.UserID); err != nil {
		return fmt.Errorf("parameters: userId: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &p.ManifestPath); err != nil {
		return fmt.Errorf("parameters: manifestPath: %w", err)
	}
	if err := json.Unmarshal(tuple[2], &p.ManifestID); err != nil {
		return fmt.Errorf("parameters: manifestId: %w", err)
	}
	return nil
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
