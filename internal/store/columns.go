package store

import (
	"encoding/json"
	"fmt"

	"tally-sync/internal/models"
)

func encodePayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// patchColumns turns a Patch into a column map for an UPDATE. wrapPayload adapts the encoded
// JSON to the column type of the backend.
func patchColumns(p models.Patch, wrapPayload func([]byte) any) (map[string]any, error) {
	set := map[string]any{}
	if p.Status != nil {
		if !models.ValidStatus(*p.Status) {
			return nil, fmt.Errorf("unknown status %q", *p.Status)
		}
		set["status"] = *p.Status
	}
	if p.LastStatus != nil {
		set["last_status"] = *p.LastStatus
	}
	if p.LastError != nil {
		set["last_error"] = *p.LastError
	}
	if p.Attempts != nil {
		set["attempts"] = *p.Attempts
	}
	if p.Credential != nil {
		set["credential"] = *p.Credential
	}
	if p.Payload != nil {
		b, err := encodePayload(p.Payload)
		if err != nil {
			return nil, err
		}
		set["payload"] = wrapPayload(b)
	}
	return set, nil
}
