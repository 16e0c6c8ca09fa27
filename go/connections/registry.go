package connections

import (
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Registry holds the known connections. Predefined connections come from the
// YAML config file and are read-only; session connections are created over
// the API and live only in memory.
type Registry struct {
	mu         sync.RWMutex
	predefined []*Connection
	session    []*Connection
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// connectionsFile is the YAML shape of the predefined connections file.
type connectionsFile struct {
	Connections []struct {
		Name   string         `yaml:"name"`
		Type   string         `yaml:"type"`
		Config map[string]any `yaml:"config"`
	} `yaml:"connections"`
}

var envPattern = regexp.MustCompile(`\$\{(FACET_[A-Z0-9_]+)\}`)

// substituteEnv replaces ${FACET_*} references in string config values with
// the environment variable's value. Missing variables substitute the empty
// string and log a warning.
func substituteEnv(config map[string]any) Config {
	var out = make(Config, len(config))
	for key, value := range config {
		var s, ok = value.(string)
		if !ok {
			out[key] = value
			continue
		}
		out[key] = envPattern.ReplaceAllStringFunc(s, func(match string) string {
			var name = envPattern.FindStringSubmatch(match)[1]
			var env = os.Getenv(name)
			if env == "" {
				log.WithField("variable", name).Warn("environment variable not found or empty")
			}
			return env
		})
	}
	return out
}

// LoadFile loads predefined connections from a YAML config file, replacing
// any previously loaded set. Each entry receives the stable id
// "predef_<index>_<type>".
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading connections file: %w", err)
	}

	var file connectionsFile
	if err = yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parsing connections file: %w", err)
	}
	if len(file.Connections) == 0 {
		log.WithField("path", path).Warn("connections file has no connections")
	}

	var now = time.Now()
	var loaded []*Connection
	for i, entry := range file.Connections {
		if entry.Type == "" {
			log.WithFields(log.Fields{"index": i, "name": entry.Name}).
				Warn("skipping connection entry with no type")
			continue
		}
		loaded = append(loaded, &Connection{
			ID:        fmt.Sprintf("predef_%d_%s", i, entry.Type),
			Name:      entry.Name,
			Type:      entry.Type,
			Config:    substituteEnv(entry.Config),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	r.mu.Lock()
	r.predefined = loaded
	r.mu.Unlock()

	log.WithFields(log.Fields{"path": path, "count": len(loaded)}).
		Info("loaded predefined connections")
	return nil
}

// List returns all connections, predefined first, in stable order.
func (r *Registry) List() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out = make([]*Connection, 0, len(r.predefined)+len(r.session))
	out = append(out, r.predefined...)
	out = append(out, r.session...)
	return out
}

// Get returns the connection with the given id, or ErrNotFound.
func (r *Registry) Get(id string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.predefined {
		if conn.ID == id {
			return conn, nil
		}
	}
	for _, conn := range r.session {
		if conn.ID == id {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("connection %q: %w", id, ErrNotFound)
}

// Create registers a new session connection and returns it with a generated
// id.
func (r *Registry) Create(name, typ string, config Config) *Connection {
	var now = time.Now()
	var conn = &Connection{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      typ,
		Config:    config,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.session = append(r.session, conn)
	r.mu.Unlock()

	return conn
}

// Update replaces the name, type and config of a session connection.
// Predefined connections reject updates with ErrPredefined.
func (r *Registry) Update(id, name, typ string, config Config) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, conn := range r.predefined {
		if conn.ID == id {
			return nil, fmt.Errorf("connection %q: %w", id, ErrPredefined)
		}
	}
	for _, conn := range r.session {
		if conn.ID == id {
			conn.Name = name
			conn.Type = typ
			conn.Config = config
			conn.UpdatedAt = time.Now()
			return conn, nil
		}
	}
	return nil, fmt.Errorf("connection %q: %w", id, ErrNotFound)
}

// Delete removes a session connection. Predefined connections reject deletion
// with ErrPredefined.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, conn := range r.predefined {
		if conn.ID == id {
			return fmt.Errorf("connection %q: %w", id, ErrPredefined)
		}
	}
	for i, conn := range r.session {
		if conn.ID == id {
			r.session = append(r.session[:i], r.session[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("connection %q: %w", id, ErrNotFound)
}
