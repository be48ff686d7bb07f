package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Monitor is an uptime check definition owned by exactly one user. Fields the
// delivery core does not interpret travel untouched in Extra.
type Monitor struct {
	ID       string
	UserID   string
	Name     string
	Weight   int
	Type     string
	URL      string
	Interval int
	Active   bool
	Extra    map[string]json.RawMessage
}

// reservedMonitorFields are always emitted from the typed fields.
var reservedMonitorFields = map[string]struct{}{
	"id": {}, "userId": {}, "name": {}, "weight": {}, "type": {}, "url": {}, "interval": {}, "active": {},
}

// MarshalJSON emits the transport form of a monitor: the typed fields merged
// over any extra attributes. The owning user is not part of the payload.
func (m Monitor) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+7)
	for key, value := range m.Extra {
		if _, reserved := reservedMonitorFields[key]; reserved {
			continue
		}
		out[key] = value
	}
	out["id"] = m.ID
	out["name"] = m.Name
	out["weight"] = m.Weight
	out["type"] = m.Type
	out["url"] = m.URL
	out["interval"] = m.Interval
	out["active"] = m.Active
	return json.Marshal(out)
}

// UnmarshalJSON accepts the transport form plus an optional userId, keeping
// unknown keys in Extra.
func (m *Monitor) UnmarshalJSON(data []byte) error {
	if m == nil {
		return fmt.Errorf("models: cannot decode into nil Monitor pointer")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode monitor: %w", err)
	}
	var decoded Monitor
	targets := map[string]any{
		"id":       &decoded.ID,
		"userId":   &decoded.UserID,
		"name":     &decoded.Name,
		"weight":   &decoded.Weight,
		"type":     &decoded.Type,
		"url":      &decoded.URL,
		"interval": &decoded.Interval,
		"active":   &decoded.Active,
	}
	for key, raw := range fields {
		target, ok := targets[key]
		if !ok {
			if decoded.Extra == nil {
				decoded.Extra = make(map[string]json.RawMessage)
			}
			decoded.Extra[key] = append(json.RawMessage(nil), raw...)
			continue
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return fmt.Errorf("decode monitor field %q: %w", key, err)
		}
	}
	*m = decoded
	return nil
}

// StoredMonitor is the persisted form used by file-backed stores; unlike the
// transport form it keeps the owner.
type StoredMonitor struct {
	Monitor
}

func (s StoredMonitor) MarshalJSON() ([]byte, error) {
	payload, err := s.Monitor.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	owner, err := json.Marshal(s.UserID)
	if err != nil {
		return nil, err
	}
	fields["userId"] = owner
	return json.Marshal(fields)
}

func (s *StoredMonitor) UnmarshalJSON(data []byte) error {
	return s.Monitor.UnmarshalJSON(data)
}

// Less reports whether a sorts before b in the dashboard order: heavier
// weight first, then name in ascending byte order, then id so that equal
// weight and name pairs keep a stable position.
func Less(a, b Monitor) bool {
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.ID < b.ID
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Active   bool   `json:"active"`
}

// Session is a login session issued elsewhere; only the token hash is kept.
type Session struct {
	TokenHash string    `json:"tokenHash"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session is no longer usable at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// APIKey is a bcrypt-hashed key issued elsewhere.
type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Hash      string    `json:"hash"`
	Active    bool      `json:"active"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

func (k APIKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}
