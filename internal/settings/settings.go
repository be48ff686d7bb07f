// Package settings reads operator settings from the store. Values are never
// cached so changes apply to the next read.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"monitorhub/internal/storage"
)

const KeyTrustProxy = "trustProxy"

// Source is the subset of the repository needed to read settings.
type Source interface {
	Setting(ctx context.Context, key string) (string, error)
}

type Store struct {
	source Source
}

func NewStore(source Source) *Store {
	return &Store{source: source}
}

// Bool reads key as a boolean. Missing keys yield fallback. Values may be
// stored as JSON (true, "true", 1) or bare strings.
func (s *Store) Bool(ctx context.Context, key string, fallback bool) (bool, error) {
	if s == nil || s.source == nil {
		return fallback, nil
	}
	raw, err := s.source.Setting(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("read setting %s: %w", key, err)
	}
	value, err := parseBool(raw)
	if err != nil {
		return fallback, fmt.Errorf("setting %s: %w", key, err)
	}
	return value, nil
}

// TrustProxy reports whether forwarded client address headers are honoured.
func (s *Store) TrustProxy(ctx context.Context) (bool, error) {
	return s.Bool(ctx, KeyTrustProxy, false)
}

func parseBool(raw string) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return false, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		switch v := decoded.(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		case string:
			trimmed = strings.TrimSpace(v)
		case nil:
			return false, nil
		}
	}
	value, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", raw)
	}
	return value, nil
}
