// Package definitions holds the static per-device schemas loaded from disk.
package definitions

import (
	"encoding/json"
	"strings"
	"sync"
)

// FieldSpec describes one telemetry field of a device schema.
type FieldSpec struct {
	Type       string            `json:"type"` // float, int, string, enum
	Map        map[string]string `json:"map,omitempty"`
	Multiplier *float64          `json:"multiplier,omitempty"`
	Precision  *int              `json:"precision,omitempty"`
	Unit       string            `json:"unit,omitempty"`
}

// Config is the opaque per-device configuration bag. Only usb_identifiers
// is interpreted by the gateway; the rest passes through to clients.
type Config struct {
	USBIdentifiers []string                   `json:"usb_identifiers,omitempty"`
	Extra          map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps unknown config keys intact for client pass-through.
func (c *Config) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if ids, ok := raw["usb_identifiers"]; ok {
		if err := json.Unmarshal(ids, &c.USBIdentifiers); err != nil {
			return err
		}
		delete(raw, "usb_identifiers")
	}
	c.Extra = raw
	return nil
}

// MarshalJSON re-merges the interpreted and pass-through keys.
func (c Config) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+1)
	for k, v := range c.Extra {
		out[k] = v
	}
	if c.USBIdentifiers != nil {
		out["usb_identifiers"] = c.USBIdentifiers
	}
	return json.Marshal(out)
}

// Definition is one device definition, immutable after load.
type Definition struct {
	ID       string                    `json:"id"`
	Config   Config                    `json:"config"`
	Commands json.RawMessage           `json:"commands,omitempty"`
	Schema   map[string]FieldSpec      `json:"telemetry,omitempty"`
	Events   json.RawMessage           `json:"events,omitempty"`
	Warnings json.RawMessage           `json:"warnings,omitempty"`
	Reports  json.RawMessage           `json:"reports,omitempty"`
	Views    json.RawMessage           `json:"views,omitempty"`
}

// Store is the in-memory id → Definition map. Replace swaps the whole set
// atomically so a reload never exposes a half-loaded view.
type Store struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{defs: make(map[string]*Definition)}
}

// Replace installs a new definition set.
func (s *Store) Replace(defs []*Definition) {
	m := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		m[strings.ToLower(d.ID)] = d
	}
	s.mu.Lock()
	s.defs = m
	s.mu.Unlock()
}

// Get returns the definition for id, or nil.
func (s *Store) Get(id string) *Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defs[strings.ToLower(id)]
}

// Known reports whether id has a loaded definition.
func (s *Store) Known(id string) bool {
	return s.Get(id) != nil
}

// IDs returns the loaded device ids.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.defs))
	for id := range s.defs {
		ids = append(ids, id)
	}
	return ids
}

// All returns the loaded definitions keyed by id.
func (s *Store) All() map[string]*Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Definition, len(s.defs))
	for id, d := range s.defs {
		out[id] = d
	}
	return out
}

// Schema returns the telemetry schema for id, or nil.
func (s *Store) Schema(id string) map[string]FieldSpec {
	if d := s.Get(id); d != nil {
		return d.Schema
	}
	return nil
}

// DeviceByLinePrefix resolves a wire line of the form "<ID_UPPER>_..." to
// the device id owning it. Used by the frame classifier.
func (s *Store) DeviceByLinePrefix(line string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := range s.defs {
		if strings.HasPrefix(line, strings.ToUpper(id)+"_") {
			return id
		}
	}
	return ""
}
