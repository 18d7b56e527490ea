// Package engine is the port to the editor engine that owns in-memory
// project state. The loader hands it fetched bytes; the persister asks it
// to serialize the current project.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrEmptyProject      = errors.New("empty project data")
	ErrUnsupportedFormat = errors.New("unsupported project format")
	ErrNoProject         = errors.New("no project loaded")
)

// Format identifies a serialized project.
type Format string

const (
	FormatSB3  Format = "sb3"  // zip archive
	FormatJSON Format = "json" // bare project.json
)

var zipMagic = []byte("PK\x03\x04")

// DetectFormat classifies project bytes.
func DetectFormat(data []byte) (Format, error) {
	switch {
	case len(data) == 0:
		return "", ErrEmptyProject
	case bytes.HasPrefix(data, zipMagic):
		return FormatSB3, nil
	case json.Valid(data):
		return FormatJSON, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Engine loads and serializes projects.
type Engine interface {
	LoadProject(ctx context.Context, data []byte) error
	SerializeProject(ctx context.Context) ([]byte, error)
}

// Memory is an Engine that keeps the current project in memory.
type Memory struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemory returns an empty Memory engine.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) LoadProject(_ context.Context, data []byte) error {
	if _, err := DetectFormat(data); err != nil {
		return err
	}
	m.mu.Lock()
	m.data = bytes.Clone(data)
	m.mu.Unlock()
	return nil
}

func (m *Memory) SerializeProject(_ context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return nil, ErrNoProject
	}
	return bytes.Clone(m.data), nil
}

// File is an Engine backed by files on disk: LoadProject writes to Out,
// SerializeProject reads from Source. Used by the CLI.
type File struct {
	Source string
	Out    string
}

func (f *File) LoadProject(_ context.Context, data []byte) error {
	if _, err := DetectFormat(data); err != nil {
		return err
	}
	if f.Out == "" {
		return fmt.Errorf("no output path for loaded project")
	}
	if dir := filepath.Dir(f.Out); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(f.Out, data, 0644); err != nil {
		return fmt.Errorf("failed to write project: %w", err)
	}
	return nil
}

func (f *File) SerializeProject(_ context.Context) ([]byte, error) {
	if f.Source == "" {
		return nil, ErrNoProject
	}
	data, err := os.ReadFile(f.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to read project: %w", err)
	}
	if _, err := DetectFormat(data); err != nil {
		return nil, fmt.Errorf("%s: %w", f.Source, err)
	}
	return data, nil
}
