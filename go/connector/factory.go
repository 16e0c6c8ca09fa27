package connector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/facet-io/facet/go/connections"
)

// Constructor builds a Connector for a connection descriptor. It validates
// the connection's config but does not dial the backend; that happens on
// Connect.
type Constructor func(conn *connections.Connection) (Connector, error)

var (
	constructorsMu sync.RWMutex
	constructors   = make(map[string]Constructor)
)

// Register makes a backend available under a connection type tag. It is
// intended to be called from backend package init functions, and panics on a
// duplicate tag.
func Register(typ string, fn Constructor) {
	constructorsMu.Lock()
	defer constructorsMu.Unlock()

	if _, dup := constructors[typ]; dup {
		panic(fmt.Sprintf("connector: Register called twice for type %q", typ))
	}
	constructors[typ] = fn
}

// New builds a Connector for the connection, selected by its type tag.
func New(conn *connections.Connection) (Connector, error) {
	constructorsMu.RLock()
	var fn, ok = constructors[conn.Type]
	constructorsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, conn.Type)
	}
	return fn(conn)
}

// Types returns the registered connection type tags, sorted.
func Types() []string {
	constructorsMu.RLock()
	defer constructorsMu.RUnlock()

	var out = make([]string, 0, len(constructors))
	for typ := range constructors {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}
