package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/facet-io/facet/go/connections"
	"github.com/facet-io/facet/go/connector"
	"github.com/facet-io/facet/go/metadata"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// metadataCacheSize bounds the number of connections whose schema snapshots
// stay resident.
const metadataCacheSize = 64

// snapshot is one connection's cached schema. Display-field patches mutate
// the snapshot in place under mu.
type snapshot struct {
	mu          sync.RWMutex
	meta        *connector.Metadata
	refreshedAt time.Time
}

// RefreshSummary reports the outcome of a metadata refresh.
type RefreshSummary struct {
	Tables        int       `json:"tables"`
	Columns       int       `json:"columns"`
	Relationships int       `json:"relationships"`
	RefreshedAt   time.Time `json:"refreshedAt"`
}

// MetadataService serves schema metadata, fetching lazily from the backend
// on first use and caching per connection. Concurrent first loads of the
// same connection collapse into a single backend fetch.
type MetadataService struct {
	registry *connections.Registry
	cache    *lru.Cache[string, *snapshot]
	group    singleflight.Group
}

func NewMetadataService(registry *connections.Registry) *MetadataService {
	cache, err := lru.New[string, *snapshot](metadataCacheSize)
	if err != nil {
		panic(err) // only fails on a non-positive size
	}
	return &MetadataService{registry: registry, cache: cache}
}

// fetch loads the schema from the backend and stamps the refresh time on
// every table.
func (s *MetadataService) fetch(ctx context.Context, connectionID string) (*snapshot, error) {
	conn, err := s.registry.Get(connectionID)
	if err != nil {
		return nil, err
	}
	drv, err := connector.New(conn)
	if err != nil {
		return nil, err
	}
	defer drv.Close()

	if err = drv.Connect(ctx); err != nil {
		metadataRefreshes.WithLabelValues(string(drv.Dialect()), "error").Inc()
		return nil, err
	}
	meta, err := drv.GetMetadata(ctx)
	if err != nil {
		metadataRefreshes.WithLabelValues(string(drv.Dialect()), "error").Inc()
		return nil, fmt.Errorf("fetching metadata of connection %s: %w", connectionID, err)
	}

	var now = time.Now().UTC()
	for i := range meta.Tables {
		meta.Tables[i].RefreshedAt = &now
	}

	log.WithFields(log.Fields{
		"connection": connectionID,
		"tables":     len(meta.Tables),
		"columns":    len(meta.Columns),
	}).Info("loaded connection metadata")

	metadataRefreshes.WithLabelValues(string(drv.Dialect()), "ok").Inc()
	return &snapshot{meta: meta, refreshedAt: now}, nil
}

// load returns the cached snapshot, fetching it on a miss. Concurrent
// misses of one connection share a single fetch.
func (s *MetadataService) load(ctx context.Context, connectionID string) (*snapshot, error) {
	if snap, ok := s.cache.Get(connectionID); ok {
		return snap, nil
	}

	result, err, _ := s.group.Do(connectionID, func() (any, error) {
		if snap, ok := s.cache.Get(connectionID); ok {
			return snap, nil
		}
		// The fetch is shared by every collapsed caller, so it must not be
		// tied to whichever request happened to arrive first.
		snap, err := s.fetch(context.WithoutCancel(ctx), connectionID)
		if err != nil {
			return nil, err
		}
		s.cache.Add(connectionID, snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*snapshot), nil
}

// GetTables lists the connection's tables.
func (s *MetadataService) GetTables(ctx context.Context, connectionID string) ([]metadata.Table, error) {
	snap, err := s.load(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	snap.mu.RLock()
	defer snap.mu.RUnlock()
	return append([]metadata.Table(nil), snap.meta.Tables...), nil
}

// GetTable returns one table and its columns.
func (s *MetadataService) GetTable(ctx context.Context, connectionID, tableID string) (*metadata.Table, []metadata.Column, error) {
	snap, err := s.load(ctx, connectionID)
	if err != nil {
		return nil, nil, err
	}
	snap.mu.RLock()
	defer snap.mu.RUnlock()

	for i := range snap.meta.Tables {
		if snap.meta.Tables[i].Name != tableID {
			continue
		}
		var table = snap.meta.Tables[i]
		var columns []metadata.Column
		for _, col := range snap.meta.Columns {
			if col.TableName == tableID {
				columns = append(columns, col)
			}
		}
		table.Columns = columns
		return &table, columns, nil
	}
	return nil, nil, fmt.Errorf("table %q: %w", tableID, connections.ErrNotFound)
}

// GetColumns lists columns, optionally filtered to one table.
func (s *MetadataService) GetColumns(ctx context.Context, connectionID, tableName string) ([]metadata.Column, error) {
	snap, err := s.load(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	snap.mu.RLock()
	defer snap.mu.RUnlock()

	if tableName == "" {
		return append([]metadata.Column(nil), snap.meta.Columns...), nil
	}
	var out []metadata.Column
	for _, col := range snap.meta.Columns {
		if col.TableName == tableName {
			out = append(out, col)
		}
	}
	return out, nil
}

// GetRelationships lists the connection's table relationships.
func (s *MetadataService) GetRelationships(ctx context.Context, connectionID string) ([]metadata.Relationship, error) {
	snap, err := s.load(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	snap.mu.RLock()
	defer snap.mu.RUnlock()
	return append([]metadata.Relationship(nil), snap.meta.Relationships...), nil
}

// UpdateTable patches display-only fields of a cached table. Backend schema
// fields are never writable.
func (s *MetadataService) UpdateTable(ctx context.Context, connectionID, tableID string, update metadata.TableUpdate) (*metadata.Table, error) {
	snap, err := s.load(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	snap.mu.Lock()
	defer snap.mu.Unlock()

	for i := range snap.meta.Tables {
		if snap.meta.Tables[i].Name != tableID {
			continue
		}
		var table = &snap.meta.Tables[i]
		if update.DisplayName != nil {
			table.DisplayName = *update.DisplayName
		}
		if update.Description != nil {
			table.Description = *update.Description
		}
		if update.Category != nil {
			table.Category = *update.Category
		}
		if update.Explorable != nil {
			table.Explorable = *update.Explorable
		}
		var copied = *table
		return &copied, nil
	}
	return nil, fmt.Errorf("table %q: %w", tableID, connections.ErrNotFound)
}

// Refresh discards the cached snapshot and reloads from the backend. The
// stale snapshot keeps serving reads until the new one lands.
func (s *MetadataService) Refresh(ctx context.Context, connectionID string) (*RefreshSummary, error) {
	snap, err := s.fetch(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	s.cache.Add(connectionID, snap)

	return &RefreshSummary{
		Tables:        len(snap.meta.Tables),
		Columns:       len(snap.meta.Columns),
		Relationships: len(snap.meta.Relationships),
		RefreshedAt:   snap.refreshedAt,
	}, nil
}

// Invalidate drops a connection's cached snapshot, for connection deletes.
func (s *MetadataService) Invalidate(connectionID string) {
	s.cache.Remove(connectionID)
}
