package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ConfigDefaults maps every recognized runtime config key to its default
// value and type tag. Keys not listed here are rejected by the API layer.
var ConfigDefaults = map[string]struct {
	Value string
	Type  string
}{
	"name":              {"ActivityRelay", "str"},
	"note":              {"Make a note about your instance here.", "str"},
	"theme":             {"Default", "str"},
	"log-level":         {"INFO", "str"},
	"whitelist-enabled": {"false", "bool"},
	"approval-required": {"false", "bool"},
	"schema-version":    {"0", "int"},
	"private-key":       {"", "str"},
	"private-key-id":    {"", "str"},
}

// UserConfigKeys are the keys admins may read and write through the API.
// The signing key and schema version are internal.
var UserConfigKeys = []string{
	"name", "note", "theme", "log-level", "whitelist-enabled", "approval-required",
}

// GetConfig returns the stored value for a key, falling back to its default.
func (s *Store) GetConfig(key string) (value, vtype string, err error) {
	def, known := ConfigDefaults[key]

	err = s.db.QueryRow(`SELECT value, type FROM config WHERE key = `+s.ph(), key).
		Scan(&value, &vtype)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if !known {
				return "", "", ErrNotFound
			}
			return def.Value, def.Type, nil
		}
		return "", "", err
	}
	return value, vtype, nil
}

// PutConfig upserts a config row.
func (s *Store) PutConfig(key, value, vtype string) error {
	query := s.q(
		`INSERT INTO config (key, value, type) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, type = excluded.type`,
		`INSERT INTO config (key, value, type) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, type = EXCLUDED.type`,
	)
	_, err := s.exec(query, key, value, vtype)
	return err
}

// DelConfig resets a key to its default by removing the stored row.
func (s *Store) DelConfig(key string) error {
	_, err := s.exec(`DELETE FROM config WHERE key = `+s.ph(), key)
	return err
}

// GetConfigBool decodes a bool-typed config value.
func (s *Store) GetConfigBool(key string) (bool, error) {
	value, _, err := s.GetConfig(key)
	if err != nil {
		return false, err
	}
	return ParseBool(value)
}

// GetConfigInt decodes an int-typed config value.
func (s *Store) GetConfigInt(key string) (int, error) {
	value, _, err := s.GetConfig(key)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}

// ParseBool accepts the lenient boolean spellings used in config values.
func ParseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "y", "yes", "true", "enable", "enabled", "1":
		return true, nil
	case "off", "n", "no", "false", "disable", "disabled", "0", "":
		return false, nil
	}
	return false, fmt.Errorf("cannot parse %q as a boolean", value)
}
