// Package appstate holds the shared state containers that the session,
// loader and catalog components publish into and that UI collaborators
// (the CLI, the MCP tools) read.
package appstate

import (
	"sync"
	"time"
)

// Value is an observable container for a single state value.
// Subscribers are called synchronously, in subscription order, after each Set.
type Value[T any] struct {
	mu     sync.RWMutex
	value  T
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// NewValue returns a container holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{value: initial}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Set replaces the value and notifies subscribers.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	v.value = val
	subs := make([]subscriber[T], len(v.subs))
	copy(subs, v.subs)
	v.mu.Unlock()

	for _, s := range subs {
		s.fn(val)
	}
}

// Subscribe registers fn and returns a function that removes it.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs = append(v.subs, subscriber[T]{id: id, fn: fn})
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		for i, s := range v.subs {
			if s.id == id {
				v.subs = append(v.subs[:i], v.subs[i+1:]...)
				return
			}
		}
	}
}

// SessionStatus is the lifecycle of a session bootstrap.
type SessionStatus string

const (
	SessionNotFetched SessionStatus = "NOT_FETCHED"
	SessionFetched    SessionStatus = "FETCHED"
	SessionError      SessionStatus = "ERROR"
)

// User is the normalized signed-in user.
type User struct {
	ID           int64  `json:"id" yaml:"id" toml:"id"`
	Username     string `json:"username" yaml:"username" toml:"username"`
	ThumbnailURL string `json:"thumbnailUrl" yaml:"thumbnailUrl" toml:"thumbnailUrl"`
	ProfileURL   string `json:"profileUrl" yaml:"profileUrl" toml:"profileUrl"`
	ClassroomID  string `json:"classroomId,omitempty" yaml:"classroomId,omitempty" toml:"classroomId,omitempty"`
	Role         string `json:"role,omitempty" yaml:"role,omitempty" toml:"role,omitempty"`
	Educator     bool   `json:"educator" yaml:"educator" toml:"educator"`
	Student      bool   `json:"student" yaml:"student" toml:"student"`
}

// SessionState is the published result of a session bootstrap.
// User is nil when nobody is signed in.
type SessionState struct {
	Status SessionStatus `json:"status" yaml:"status" toml:"status"`
	User   *User         `json:"user" yaml:"user" toml:"user,omitempty"`
	Error  string        `json:"error,omitempty" yaml:"error,omitempty" toml:"error,omitempty"`
}

// Authenticated reports whether a user is signed in.
func (s SessionState) Authenticated() bool {
	return s.Status == SessionFetched && s.User != nil
}

// LoadedProject tracks a project opened from the server so later saves can
// overwrite it.
type LoadedProject struct {
	FileID       int64     `json:"fileId,omitempty" yaml:"fileId,omitempty" toml:"fileId,omitempty"`
	Title        string    `json:"title,omitempty" yaml:"title,omitempty" toml:"title,omitempty"`
	LoadedAt     time.Time `json:"loadedAt,omitzero" yaml:"loadedAt,omitempty" toml:"loadedAt,omitempty"`
	IsFromServer bool      `json:"isFromServer" yaml:"isFromServer" toml:"isFromServer"`
}

// LoadStatus is the lifecycle of a startup project load.
type LoadStatus string

const (
	LoadIdle    LoadStatus = "IDLE"
	LoadLoading LoadStatus = "LOADING"
	LoadLoaded  LoadStatus = "LOADED"
	LoadError   LoadStatus = "ERROR"
)

// ProjectLoadState reports what the loader is doing.
type ProjectLoadState struct {
	Status LoadStatus `json:"status" yaml:"status" toml:"status"`
	Source string     `json:"source,omitempty" yaml:"source,omitempty" toml:"source,omitempty"`
	Error  string     `json:"error,omitempty" yaml:"error,omitempty" toml:"error,omitempty"`
}

// State groups the containers shared across components.
type State struct {
	Session       *Value[SessionState]
	LoadedProject *Value[LoadedProject]
	ProjectLoad   *Value[ProjectLoadState]
}

// New returns a State with every container at its initial value.
func New() *State {
	return &State{
		Session:       NewValue(SessionState{Status: SessionNotFetched}),
		LoadedProject: NewValue(LoadedProject{}),
		ProjectLoad:   NewValue(ProjectLoadState{Status: LoadIdle}),
	}
}
