package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Well-known dynamic setting keys.
const (
	KeyUUID           = "uuid"
	KeyAPIEndpoint    = "apiEndpoint"
	KeyAPITimeout     = "apiTimeout"
	KeyPollInterval   = "appUpdatePollInterval"
	KeyInstantUpdates = "instantUpdates"
	KeyCurrentAPIKey  = "currentApiKey"
)

// Backend persists settings key/value pairs. Implemented by the bbolt
// store so that API-driven changes survive restarts.
type Backend interface {
	GetSetting(key string) (value []byte, found bool, err error)
	PutSetting(key string, value []byte) error
}

// Settings is the runtime key/value view over the persisted settings
// bucket. Values are stored JSON-encoded so reads can detect a value of
// the wrong type instead of silently coercing it.
type Settings struct {
	backend Backend
}

// NewSettings wraps a backend.
func NewSettings(backend Backend) *Settings {
	return &Settings{backend: backend}
}

// Seed writes the startup config into the backend for any key that has
// not been set yet, so previously persisted overrides win.
func (s *Settings) Seed(cfg *AgentConfig) error {
	seeds := map[string]interface{}{
		KeyUUID:           cfg.UUID,
		KeyAPIEndpoint:    cfg.APIEndpoint,
		KeyAPITimeout:     cfg.APITimeoutMs,
		KeyPollInterval:   cfg.PollIntervalMs,
		KeyInstantUpdates: cfg.InstantUpdates,
		KeyCurrentAPIKey:  cfg.APIKey,
	}
	for key, value := range seeds {
		if _, found, err := s.backend.GetSetting(key); err != nil {
			return err
		} else if found {
			continue
		}
		if err := s.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Set stores a value under key.
func (s *Settings) Set(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	return s.backend.PutSetting(key, data)
}

// GetString reads a string-typed setting. A missing key or a value of
// another type is a configuration error.
func (s *Settings) GetString(key string) (string, error) {
	data, found, err := s.backend.GetSetting(key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("setting %s is not set", key)
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return "", fmt.Errorf("setting %s is not a string", key)
	}
	return v, nil
}

// GetInt reads an integer setting. Accepts a numeric string for
// compatibility with values written by older agents.
func (s *Settings) GetInt(key string) (int, error) {
	data, found, err := s.backend.GetSetting(key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("setting %s is not set", key)
	}
	var v int
	if err := json.Unmarshal(data, &v); err == nil {
		return v, nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if v, err := strconv.Atoi(str); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("setting %s is not an integer", key)
}

// GetBool reads a boolean setting.
func (s *Settings) GetBool(key string) (bool, error) {
	data, found, err := s.backend.GetSetting(key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("setting %s is not set", key)
	}
	var v bool
	if err := json.Unmarshal(data, &v); err != nil {
		return false, fmt.Errorf("setting %s is not a boolean", key)
	}
	return v, nil
}

// GetMany reads several keys at once, failing on the first error.
func (s *Settings) GetMany(keys ...string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		data, found, err := s.backend.GetSetting(key)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("setting %s is not set", key)
		}
		out[key] = json.RawMessage(data)
	}
	return out, nil
}

// APITimeout reads the request timeout setting.
func (s *Settings) APITimeout() (time.Duration, error) {
	ms, err := s.GetInt(KeyAPITimeout)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// PollInterval reads the nominal poll interval setting.
func (s *Settings) PollInterval() (time.Duration, error) {
	ms, err := s.GetInt(KeyPollInterval)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
