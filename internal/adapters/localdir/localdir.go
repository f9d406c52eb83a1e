// Package localdir provides the reference shop adapter: a source that
// mirrors a local directory tree, reporting files as adds, updates, and
// deletes against the engine's ownership records.
package localdir

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knowledgeforge/ragsync/internal/ragsync"
)

// Identity is the plugin identity this package registers under.
const Identity = "localdir"

func init() {
	ragsync.RegisterSourceFactory(Identity, func() ragsync.Source { return &Source{} })
}

// Source walks a directory and emits one change record per regular file.
// File IDs are slash-separated paths relative to the configured root.
type Source struct {
	root       string
	extensions map[string]bool
}

func (s *Source) DeclareCredentialNeeds() map[string]string { return nil }

// Initialize reads the instance configuration. "root" is required;
// "extensions" optionally restricts the walk to a list of suffixes such
// as ".md".
func (s *Source) Initialize(_ context.Context, _ map[string]string, config map[string]any) error {
	root, _ := config["root"].(string)
	if strings.TrimSpace(root) == "" {
		return fmt.Errorf("%w: localdir requires a root directory", ragsync.ErrInvalidInput)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("localdir root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: localdir root %s is not a directory", ragsync.ErrInvalidInput, abs)
	}
	s.root = abs

	if raw, ok := config["extensions"].([]any); ok {
		s.extensions = make(map[string]bool, len(raw))
		for _, item := range raw {
			ext, ok := item.(string)
			if !ok {
				return fmt.Errorf("%w: localdir extensions must be strings", ragsync.ErrInvalidInput)
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			s.extensions[strings.ToLower(ext)] = true
		}
	}
	return nil
}

// ComputeChanges diffs the directory against the files this instance owns.
// Files newer than their recorded update time are reported as updates;
// owned files no longer on disk are reported as deletes.
func (s *Source) ComputeChanges(ctx context.Context, _ time.Time, ownedFiles map[string]time.Time) (map[string]ragsync.ChangeRecord, error) {
	if s.root == "" {
		return nil, fmt.Errorf("%w: localdir source not initialized", ragsync.ErrInvalidState)
	}

	changes := make(map[string]ragsync.ChangeRecord)
	seen := make(map[string]bool)
	err := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), ".") && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			return nil
		}
		if !s.wantFile(path) {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		fileID := filepath.ToSlash(rel)
		seen[fileID] = true

		lastKnown, owned := ownedFiles[fileID]
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if owned && !info.ModTime().After(lastKnown) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		action := ragsync.ActionAdd
		if owned {
			action = ragsync.ActionUpdate
		}
		changes[fileID] = ragsync.ChangeRecord{Action: action, Content: string(content)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for fileID := range ownedFiles {
		if !seen[fileID] {
			changes[fileID] = ragsync.ChangeRecord{Action: ragsync.ActionDelete}
		}
	}
	return changes, nil
}

func (s *Source) wantFile(path string) bool {
	if len(s.extensions) == 0 {
		return true
	}
	return s.extensions[strings.ToLower(filepath.Ext(path))]
}
