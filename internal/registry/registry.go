// Package registry reconciles client project identifiers with the
// backend's server file identifiers.
//
// The in-memory table is authoritative within a process. A Store makes the
// table survive restarts; writes go through to it and a Watcher can pull in
// changes made by other processes sharing the same file.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"go.uber.org/zap"
)

// Errors for registry operations.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrRegistryCorrupted = errors.New("registry file corrupted")
)

// Mapping pairs a client project id with its server file id.
type Mapping struct {
	ClientProjectID string    `json:"clientProjectId" yaml:"clientProjectId" toml:"clientProjectId"`
	ServerFileID    int64     `json:"serverFileId" yaml:"serverFileId" toml:"serverFileId"`
	UpdatedAt       time.Time `json:"updatedAt" yaml:"updatedAt" toml:"updatedAt"`
}

// Registry maps client project ids to server file ids.
// At most one server file id is held per client id; Register overwrites.
type Registry struct {
	mu       sync.RWMutex
	mappings map[string]Mapping
	store    Store
	logger   *logging.Logger
}

// New creates a registry backed by store and loads its contents.
// A nil store keeps mappings in memory only.
func New(ctx context.Context, store Store, logger *logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Registry{
		mappings: make(map[string]Mapping),
		store:    store,
		logger:   logger,
	}
	if store != nil {
		if err := r.Reload(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewMemory returns a registry without persistence.
func NewMemory() *Registry {
	r, _ := New(context.Background(), nil, nil)
	return r
}

// Register inserts or overwrites the mapping for clientProjectID.
// Both halves are required. Persistence failures are logged, not returned;
// the in-memory mapping is already in effect.
func (r *Registry) Register(ctx context.Context, clientProjectID string, serverFileID int64) error {
	if clientProjectID == "" {
		return fmt.Errorf("%w: client project id is empty", ErrInvalidArgument)
	}
	if serverFileID <= 0 {
		return fmt.Errorf("%w: server file id must be positive, got %d", ErrInvalidArgument, serverFileID)
	}

	m := Mapping{
		ClientProjectID: clientProjectID,
		ServerFileID:    serverFileID,
		UpdatedAt:       time.Now().UTC(),
	}

	r.mu.Lock()
	r.mappings[clientProjectID] = m
	r.mu.Unlock()

	r.logger.Debug(ctx, "identifier registered",
		zap.String("client_project_id", clientProjectID),
		zap.Int64("server_file_id", serverFileID))

	if r.store != nil {
		if err := r.store.Put(ctx, m); err != nil {
			r.logger.Warn(ctx, "failed to persist mapping",
				zap.String("client_project_id", clientProjectID), zap.Error(err))
		}
	}
	return nil
}

// Lookup returns the server file id for clientProjectID.
func (r *Registry) Lookup(clientProjectID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[clientProjectID]
	return m.ServerFileID, ok
}

// Remove deletes the mapping for clientProjectID. Absent ids are a no-op.
func (r *Registry) Remove(ctx context.Context, clientProjectID string) {
	r.mu.Lock()
	_, ok := r.mappings[clientProjectID]
	delete(r.mappings, clientProjectID)
	r.mu.Unlock()

	if !ok || r.store == nil {
		return
	}
	if err := r.store.Delete(ctx, clientProjectID); err != nil {
		r.logger.Warn(ctx, "failed to delete persisted mapping",
			zap.String("client_project_id", clientProjectID), zap.Error(err))
	}
}

// RemoveFile deletes every mapping that points at serverFileID and returns
// the client ids it removed.
func (r *Registry) RemoveFile(ctx context.Context, serverFileID int64) []string {
	var removed []string
	r.mu.Lock()
	for id, m := range r.mappings {
		if m.ServerFileID == serverFileID {
			delete(r.mappings, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()
	sort.Strings(removed)

	if r.store == nil {
		return removed
	}
	for _, id := range removed {
		if err := r.store.Delete(ctx, id); err != nil {
			r.logger.Warn(ctx, "failed to delete persisted mapping",
				zap.String("client_project_id", id), zap.Error(err))
		}
	}
	return removed
}

// List returns all mappings ordered by client project id.
func (r *Registry) List() []Mapping {
	r.mu.RLock()
	out := make([]Mapping, 0, len(r.mappings))
	for _, m := range r.mappings {
		out = append(out, m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ClientProjectID < out[j].ClientProjectID
	})
	return out
}

// Reload replaces the in-memory table with the store's contents.
func (r *Registry) Reload(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	loaded, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	table := make(map[string]Mapping, len(loaded))
	for _, m := range loaded {
		table[m.ClientProjectID] = m
	}

	r.mu.Lock()
	r.mappings = table
	r.mu.Unlock()
	return nil
}

// Close releases the underlying store.
func (r *Registry) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}
