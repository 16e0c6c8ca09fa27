// Package connections manages the database connection descriptors known to
// the gateway: predefined entries loaded from a YAML file at startup, and
// session entries created over the API at runtime.
package connections

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no connection exists for an id.
	ErrNotFound = errors.New("connection not found")
	// ErrPredefined is returned for attempts to modify a predefined
	// connection, which is read-only after load.
	ErrPredefined = errors.New("predefined connections are read-only")
)

// Config is the open bag of backend-specific settings of a connection. The
// recognized keys depend on the connection type.
type Config map[string]any

// GetString returns the named value as a string, or "" if absent or not a
// string.
func (c Config) GetString(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// GetInt returns the named value as an int, accepting JSON and YAML numeric
// decodings, or def if absent.
func (c Config) GetInt(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// GetBool returns the named value as a bool, or false if absent or not a
// bool.
func (c Config) GetBool(key string) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return false
}

// Connection is a registered database connection.
type Connection struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Config    Config    `json:"config"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
