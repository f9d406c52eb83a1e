package ragsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// StateBackend persists tracking state. Load returns (nil, nil) when no
// state has been written yet.
type StateBackend interface {
	Load() (*TrackingState, error)
	Save(state *TrackingState) error
}

type stateBackendCloser interface {
	Close() error
}

// CloseStateBackend closes a backend if it holds external resources.
func CloseStateBackend(backend StateBackend) error {
	if closer, ok := backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

// JSONFileStateBackend is the default backend. The document layout
// (sourceLastUsed / fileOrigin / pluginPermissions) is frozen for backward
// compatibility; absence of the file implies all three fields start empty.
type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*TrackingState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot TrackingState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	snapshot.normalize()
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *TrackingState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *TrackingState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*TrackingState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	clone, err := cloneTrackingState(b.snapshot)
	if err != nil {
		return nil, err
	}
	return clone, nil
}

func (b *InMemoryStateBackend) Save(state *TrackingState) error {
	if b == nil || state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clone, err := cloneTrackingState(state)
	if err != nil {
		return err
	}
	b.snapshot = clone
	return nil
}

func cloneTrackingState(state *TrackingState) (*TrackingState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone TrackingState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	clone.normalize()
	return &clone, nil
}

// BuildStateBackendFromDSN resolves a backend from a DSN. Bare paths and
// file:// DSNs map to the JSON file backend, memory:// to the in-memory
// backend, postgres:// and sqlite:// to their SQL backends. Externally
// registered schemes take precedence.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStateBackend(path)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Opaque != "" {
		return parsed.Opaque, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = filepath.Join(parsed.Host, path)
	}
	if strings.TrimSpace(path) == "" {
		if parsed.Scheme == "" {
			return raw, nil
		}
		return "", fmt.Errorf("%w: state backend dsn %q has no path", ErrInvalidInput, raw)
	}
	return path, nil
}
