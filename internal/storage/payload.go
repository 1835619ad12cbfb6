package storage

import (
	"encoding/json"
	"fmt"

	"gacha-exchange/internal/domain"
)

// EncodePayload serializes an item payload for persistence.
func EncodePayload(p domain.Payload) (domain.ItemKind, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("%w: item has no payload", ErrInvalidInput)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("marshal payload: %w", err)
	}
	return p.Kind(), data, nil
}

// DecodePayload restores a payload written by EncodePayload.
func DecodePayload(kind domain.ItemKind, data []byte) (domain.Payload, error) {
	switch kind {
	case domain.KindCharacter:
		var c domain.CharacterTraits
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("unmarshal character payload: %w", err)
		}
		return c, nil
	case domain.KindGear:
		var g domain.GearTraits
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("unmarshal gear payload: %w", err)
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown item kind %q", kind)
	}
}
