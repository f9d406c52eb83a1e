package ragsync

import (
	"sort"
	"time"
)

// FileRecord is the durable ownership record for one file ID. The JSON field
// name shopIdentifier is frozen for backward compatibility with state files
// written by earlier versions of the tool.
type FileRecord struct {
	ShopIdentifier string `json:"shopIdentifier"`
	LastUpdated    int64  `json:"lastUpdated"`
}

// TrackingState is the durable bookkeeping the engine reads before, and
// writes after, each run: per-source last-run times, per-file ownership, and
// the per-plugin credential allow-lists. It is created empty on first run and
// owned exclusively by the engine for the duration of a run.
type TrackingState struct {
	SourceLastUsed    map[string]int64      `json:"sourceLastUsed"`
	FileOrigin        map[string]FileRecord `json:"fileOrigin"`
	PluginPermissions map[string][]string   `json:"pluginPermissions"`
}

func NewTrackingState() *TrackingState {
	return &TrackingState{
		SourceLastUsed:    map[string]int64{},
		FileOrigin:        map[string]FileRecord{},
		PluginPermissions: map[string][]string{},
	}
}

// normalize backfills nil maps after JSON decoding of a partial document.
func (t *TrackingState) normalize() {
	if t.SourceLastUsed == nil {
		t.SourceLastUsed = map[string]int64{}
	}
	if t.FileOrigin == nil {
		t.FileOrigin = map[string]FileRecord{}
	}
	if t.PluginPermissions == nil {
		t.PluginPermissions = map[string][]string{}
	}
}

// LastUsed returns the recorded last-run time for a source instance. The
// zero time signals "never run".
func (t *TrackingState) LastUsed(sourceID string) time.Time {
	if t == nil {
		return time.Time{}
	}
	ms, ok := t.SourceLastUsed[sourceID]
	if !ok || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Advance records that a source instance completed a diff computation now.
func (t *TrackingState) Advance(sourceID string, now time.Time) {
	if t == nil || sourceID == "" {
		return
	}
	t.SourceLastUsed[sourceID] = now.UnixMilli()
}

// OwnedFiles projects fileOrigin to the {fileID: lastUpdated} view of one
// source instance.
func (t *TrackingState) OwnedFiles(sourceID string) map[string]time.Time {
	owned := map[string]time.Time{}
	if t == nil {
		return owned
	}
	for fileID, record := range t.FileOrigin {
		if record.ShopIdentifier == sourceID {
			owned[fileID] = time.UnixMilli(record.LastUpdated)
		}
	}
	return owned
}

// ApplyChange updates fileOrigin for one change record: deletes remove the
// ownership entry, everything else upserts it under the producing source.
func (t *TrackingState) ApplyChange(sourceID, fileID string, record ChangeRecord, now time.Time) {
	if t == nil || fileID == "" {
		return
	}
	if record.Action == ActionDelete {
		delete(t.FileOrigin, fileID)
		return
	}
	t.FileOrigin[fileID] = FileRecord{
		ShopIdentifier: sourceID,
		LastUpdated:    now.UnixMilli(),
	}
}

// Entitled reports whether a plugin identity has been granted a credential
// name.
func (t *TrackingState) Entitled(pluginIdentity, credentialName string) bool {
	if t == nil {
		return false
	}
	for _, name := range t.PluginPermissions[pluginIdentity] {
		if name == credentialName {
			return true
		}
	}
	return false
}

// Grant appends a credential name to a plugin identity's allow-list. The
// grant becomes durable with the end-of-run state persist.
func (t *TrackingState) Grant(pluginIdentity, credentialName string) {
	if t == nil || pluginIdentity == "" || credentialName == "" {
		return
	}
	if t.Entitled(pluginIdentity, credentialName) {
		return
	}
	t.PluginPermissions[pluginIdentity] = append(t.PluginPermissions[pluginIdentity], credentialName)
	sort.Strings(t.PluginPermissions[pluginIdentity])
}
