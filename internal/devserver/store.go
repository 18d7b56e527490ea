package devserver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrForbidden       = errors.New("project belongs to another user")
)

// QuotaError rejects a save that would push a user past the quota.
type QuotaError struct {
	Used  uint64
	Limit uint64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("Storage quota exceeded: %s of %s used",
		humanize.IBytes(e.Used), humanize.IBytes(e.Limit))
}

// Project is one stored project.
type Project struct {
	FileID    int64
	ProjectID string
	Owner     string
	Title     string
	Data      []byte
	Thumbnail []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveInput is the decoded body of a save.
type SaveInput struct {
	ProjectID string
	Title     string
	Data      []byte
	Thumbnail []byte // nil keeps the existing thumbnail
}

// Store keeps projects in memory.
type Store struct {
	mu       sync.RWMutex
	projects map[int64]*Project
	nextID   int64
	quota    uint64 // 0 disables the quota
	now      func() time.Time
}

// NewStore creates an empty store. quota is the per-user byte limit.
func NewStore(quota int64, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	var q uint64
	if quota > 0 {
		q = uint64(quota)
	}
	return &Store{projects: make(map[int64]*Project), quota: q, now: now}
}

// Save creates a project when fileID is 0 and replaces it otherwise.
func (s *Store) Save(owner string, fileID int64, in SaveInput) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *Project
	if fileID != 0 {
		p, ok := s.projects[fileID]
		if !ok {
			return Project{}, ErrProjectNotFound
		}
		if p.Owner != owner {
			return Project{}, ErrForbidden
		}
		existing = p
	}

	if s.quota > 0 {
		used := s.usageLocked(owner)
		if existing != nil {
			used -= uint64(len(existing.Data))
		}
		if total := used + uint64(len(in.Data)); total > s.quota {
			return Project{}, &QuotaError{Used: total, Limit: s.quota}
		}
	}

	now := s.now().UTC()
	if existing == nil {
		s.nextID++
		existing = &Project{FileID: s.nextID, Owner: owner, CreatedAt: now}
		s.projects[existing.FileID] = existing
	}
	if in.ProjectID != "" {
		existing.ProjectID = in.ProjectID
	}
	existing.Title = in.Title
	existing.Data = in.Data
	if in.Thumbnail != nil {
		existing.Thumbnail = in.Thumbnail
	}
	existing.UpdatedAt = now
	return *existing, nil
}

// Get returns the project if owner may read it.
func (s *Store) Get(owner string, fileID int64) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[fileID]
	if !ok {
		return Project{}, ErrProjectNotFound
	}
	if p.Owner != owner {
		return Project{}, ErrForbidden
	}
	return *p, nil
}

// Thumbnail returns a project's thumbnail regardless of owner.
func (s *Store) Thumbnail(fileID int64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[fileID]
	if !ok || len(p.Thumbnail) == 0 {
		return nil, false
	}
	return p.Thumbnail, true
}

// SetThumbnail replaces a project's thumbnail.
func (s *Store) SetThumbnail(owner string, fileID int64, png []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[fileID]
	if !ok {
		return ErrProjectNotFound
	}
	if p.Owner != owner {
		return ErrForbidden
	}
	p.Thumbnail = png
	p.UpdatedAt = s.now().UTC()
	return nil
}

// Delete removes a project.
func (s *Store) Delete(owner string, fileID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[fileID]
	if !ok {
		return ErrProjectNotFound
	}
	if p.Owner != owner {
		return ErrForbidden
	}
	delete(s.projects, fileID)
	return nil
}

// List returns owner's projects, newest first.
func (s *Store) List(owner string) []Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Project
	for _, p := range s.projects {
		if p.Owner == owner {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID > out[j].FileID })
	return out
}

// Usage returns the bytes owner has stored.
func (s *Store) Usage(owner string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usageLocked(owner)
}

func (s *Store) usageLocked(owner string) uint64 {
	var n uint64
	for _, p := range s.projects {
		if p.Owner == owner {
			n += uint64(len(p.Data))
		}
	}
	return n
}

// Count returns the number of stored projects.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.projects)
}
