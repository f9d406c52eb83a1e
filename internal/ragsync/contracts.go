package ragsync

import (
	"context"
	"fmt"
	"time"
)

type ChangeAction string

const (
	ActionAdd    ChangeAction = "add"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

// ChangeRecord is one file-level mutation. Content is meaningful only when
// Action is not ActionDelete.
type ChangeRecord struct {
	Action  ChangeAction `json:"action"`
	Content string       `json:"content,omitempty"`
}

// Source is the capability contract for an external data producer.
//
// DeclareCredentialNeeds must be pure and callable before Initialize; it maps
// credential names to human-readable acquisition instructions. Initialize
// receives only the credential names the caller decided to grant — an absent
// name means "not granted", not an error, unless the source strictly requires
// it. ComputeChanges receives the time this instance last ran (zero means
// never) and the files it currently owns with their last-known update times;
// it returns a sparse diff. An empty ownedFiles map signals first-run
// semantics and a full population is expected. Returning an empty diff is
// legitimate (for example when the source applies its own update interval).
type Source interface {
	DeclareCredentialNeeds() map[string]string
	Initialize(ctx context.Context, credentials map[string]string, config map[string]any) error
	ComputeChanges(ctx context.Context, lastUsed time.Time, ownedFiles map[string]time.Time) (map[string]ChangeRecord, error)
}

// Sink is the capability contract for a downstream store. The per-file calls
// must be treated as idempotent by callers: deleting an absent file or adding
// an existing one is not a contract violation, though a sink may still signal
// an error, which the engine isolates per file. Finalize is called exactly
// once per run after all per-file calls for the sink, even when no file
// operations occurred. ResetAll is an out-of-band wipe, never invoked by the
// normal reconciliation path.
type Sink interface {
	DeclareCredentialNeeds() map[string]string
	Initialize(ctx context.Context, credentials map[string]string, config map[string]any) error
	AddFile(ctx context.Context, fileID, content string) error
	UpdateFile(ctx context.Context, fileID, content string) error
	DeleteFile(ctx context.Context, fileID string) error
	Finalize(ctx context.Context) error
	ResetAll(ctx context.Context) error
}

// CredentialResolver supplies a secret for a credential name that is absent
// from the credential store. Implemented outside the engine (interactive
// prompt, environment lookup, vault client).
type CredentialResolver func(ctx context.Context, name, instructions string) (string, error)

// PermissionPrompt decides whether an unofficial plugin may receive a
// declared credential. Implemented outside the engine.
type PermissionPrompt func(ctx context.Context, pluginIdentity, credentialName string) (bool, error)

// InstanceRef identifies one configured use of a plugin. The ordinal
// disambiguates multiple instances of the same plugin identity within a
// project; identifiers are stable only while configuration order is stable.
// Reordering or removing entries from the middle of the list orphans
// tracking entries — a documented limitation, not a defect.
type InstanceRef struct {
	Identity   string
	Ordinal    int
	Unofficial bool
	Config     map[string]any
}

// ID returns the durable instance identifier, "<identity>[<ordinal>]".
func (r InstanceRef) ID() string {
	return fmt.Sprintf("%s[%d]", r.Identity, r.Ordinal)
}

// SourceInstance pairs an instance reference with its constructed adapter.
type SourceInstance struct {
	InstanceRef
	Source Source
}

// SinkInstance pairs an instance reference with its constructed adapter.
type SinkInstance struct {
	InstanceRef
	Sink Sink
}

// ChangeSet is the merged, globally keyed change set for one run. Iteration
// order is the order in which file IDs first entered the set; overwriting an
// existing ID keeps its original position (last-source-wins on the record,
// first-writer-wins on the position).
type ChangeSet struct {
	order   []string
	records map[string]ChangeRecord
}

func NewChangeSet() *ChangeSet {
	return &ChangeSet{records: map[string]ChangeRecord{}}
}

func (c *ChangeSet) Put(fileID string, record ChangeRecord) {
	if c == nil || fileID == "" {
		return
	}
	if _, seen := c.records[fileID]; !seen {
		c.order = append(c.order, fileID)
	}
	c.records[fileID] = record
}

func (c *ChangeSet) Get(fileID string) (ChangeRecord, bool) {
	if c == nil {
		return ChangeRecord{}, false
	}
	record, ok := c.records[fileID]
	return record, ok
}

func (c *ChangeSet) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

// FileIDs returns the file IDs in first-insertion order.
func (c *ChangeSet) FileIDs() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.order...)
}
