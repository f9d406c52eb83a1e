package ragsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// CredentialStore is the process-wide name→secret mapping. It is loaded once
// per run, appended to whenever a capability declares a requirement that is
// absent, and rewritten wholesale on every change. An empty path keeps the
// store memory-only, which the tests rely on.
type CredentialStore struct {
	path    string
	secrets map[string]string
}

func OpenCredentialStore(path string) (*CredentialStore, error) {
	store := &CredentialStore{
		path:    strings.TrimSpace(path),
		secrets: map[string]string{},
	}
	if store.path == "" {
		return store, nil
	}
	data, err := os.ReadFile(store.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &store.secrets); err != nil {
		return nil, err
	}
	if store.secrets == nil {
		store.secrets = map[string]string{}
	}
	return store, nil
}

func (s *CredentialStore) Get(name string) (string, bool) {
	if s == nil {
		return "", false
	}
	secret, ok := s.secrets[name]
	return secret, ok
}

// Set stores a secret and persists the whole document immediately.
func (s *CredentialStore) Set(name, secret string) error {
	if s == nil || strings.TrimSpace(name) == "" {
		return ErrInvalidInput
	}
	s.secrets[name] = secret
	return s.save()
}

// Names lists stored credential names, sorted, without secrets.
func (s *CredentialStore) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.secrets))
	for name := range s.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve ensures every declared credential name is present in the store,
// invoking the resolver for each missing one and persisting results before
// any adapter initialization. A nil resolver fails resolution of missing
// names with ErrNoResolver.
func (s *CredentialStore) Resolve(ctx context.Context, needs map[string]string, resolver CredentialResolver) error {
	if s == nil {
		return ErrInvalidState
	}
	names := make([]string, 0, len(needs))
	for name := range needs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := s.secrets[name]; ok {
			continue
		}
		if resolver == nil {
			return ErrNoResolver
		}
		secret, err := resolver(ctx, name, needs[name])
		if err != nil {
			return err
		}
		if err := s.Set(name, secret); err != nil {
			return err
		}
	}
	return nil
}

func (s *CredentialStore) save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.secrets, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
