// Package dirsink provides the reference RAG adapter: a sink that
// materializes the merged change set as files under a local directory.
package dirsink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knowledgeforge/ragsync/internal/ragsync"
)

// Identity is the plugin identity this package registers under.
const Identity = "dirsink"

func init() {
	ragsync.RegisterSinkFactory(Identity, func() ragsync.Sink { return &Sink{} })
}

// Sink writes each file ID to a path under the configured root. File IDs
// are treated as slash-separated relative paths; anything escaping the
// root is rejected.
type Sink struct {
	root string
}

func (s *Sink) DeclareCredentialNeeds() map[string]string { return nil }

func (s *Sink) Initialize(_ context.Context, _ map[string]string, config map[string]any) error {
	root, _ := config["root"].(string)
	if strings.TrimSpace(root) == "" {
		return fmt.Errorf("%w: dirsink requires a root directory", ragsync.ErrInvalidInput)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("dirsink root: %w", err)
	}
	s.root = abs
	return nil
}

func (s *Sink) AddFile(_ context.Context, fileID, content string) error {
	return s.write(fileID, content)
}

func (s *Sink) UpdateFile(_ context.Context, fileID, content string) error {
	return s.write(fileID, content)
}

// DeleteFile removes the file if present. A file that is already gone is
// not an error; deletes must stay idempotent across retried runs.
func (s *Sink) DeleteFile(_ context.Context, fileID string) error {
	path, err := s.resolve(fileID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Sink) Finalize(context.Context) error { return nil }

// ResetAll empties the root directory but keeps the directory itself.
func (s *Sink) ResetAll(context.Context) error {
	if s.root == "" {
		return fmt.Errorf("%w: dirsink not initialized", ragsync.ErrInvalidState)
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) write(fileID, content string) error {
	path, err := s.resolve(fileID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Sink) resolve(fileID string) (string, error) {
	if s.root == "" {
		return "", fmt.Errorf("%w: dirsink not initialized", ragsync.ErrInvalidState)
	}
	cleaned := filepath.Clean(filepath.FromSlash(fileID))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: file ID %q escapes sink root", ragsync.ErrInvalidInput, fileID)
	}
	return filepath.Join(s.root, cleaned), nil
}
