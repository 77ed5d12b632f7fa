package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Keys used by the chat core.
const (
	KeyMessages           = "chat.messages"
	KeyIdentity           = "chat.identity"
	KeyNotificationsOptIn = "chat.notificationsOptIn"
	KeySeen               = "chat.seen"
)

const maxKeyLength = 190

var (
	// ErrInvalidKey indicates that a key is empty or exceeds storage bounds.
	ErrInvalidKey = errors.New("store: invalid key")
	// ErrCorruptValue indicates that a stored value could not be decoded.
	ErrCorruptValue = errors.New("store: corrupt value")
)

// Store is a durable key-value store holding serialized values.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Load decodes the value stored under key into target.
// It reports false when the key is absent; a decode failure also reports false
// together with an ErrCorruptValue so callers can log it and carry on.
func Load(ctx context.Context, s Store, key string, target any) (bool, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorruptValue, key, err)
	}
	return true, nil
}

// Save encodes value and stores it under key, returning the encoded bytes.
func Save(ctx context.Context, s Store, key string, value any) ([]byte, error) {
	raw, err := Encode(value)
	if err != nil {
		return nil, err
	}
	if err := s.Set(ctx, key, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Encode serializes a value with the codec used for every stored key.
func Encode(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("store: encode: %w", err)
	}
	return raw, nil
}

func validateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(trimmed) > maxKeyLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidKey, maxKeyLength)
	}
	return nil
}
