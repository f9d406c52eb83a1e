package ragsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
)

// EngineOptions configures a reconciliation engine for one project.
type EngineOptions struct {
	Sources           []SourceInstance
	Sinks             []SinkInstance
	StateBackend      StateBackend
	Credentials       *CredentialStore
	ResolveCredential CredentialResolver
	PromptPermission  PermissionPrompt

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Engine orchestrates one reconciliation run: load tracking state, ask each
// source for its incremental change set, merge per-source sets into one
// global change set, replay it against every sink, persist the updated
// state. Execution is strictly sequential; the engine holds the only
// reference to the tracking state and the credential store for the run's
// duration, so no locking discipline is needed beyond that.
type Engine struct {
	sources     []SourceInstance
	sinks       []SinkInstance
	backend     StateBackend
	credentials *CredentialStore
	resolve     CredentialResolver
	prompt      PermissionPrompt
	now         func() time.Time
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	backend := opts.StateBackend
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	credentials := opts.Credentials
	if credentials == nil {
		memStore, err := OpenCredentialStore("")
		if err != nil {
			return nil, err
		}
		credentials = memStore
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	for _, source := range opts.Sources {
		if source.Source == nil || source.Identity == "" {
			return nil, fmt.Errorf("%w: source instance %q has no adapter", ErrInvalidInput, source.ID())
		}
	}
	for _, sink := range opts.Sinks {
		if sink.Sink == nil || sink.Identity == "" {
			return nil, fmt.Errorf("%w: sink instance %q has no adapter", ErrInvalidInput, sink.ID())
		}
	}
	return &Engine{
		sources:     append([]SourceInstance(nil), opts.Sources...),
		sinks:       append([]SinkInstance(nil), opts.Sinks...),
		backend:     backend,
		credentials: credentials,
		resolve:     opts.ResolveCredential,
		prompt:      opts.PromptPermission,
		now:         now,
	}, nil
}

// RunOnce performs one full reconciliation run and returns its report.
// Adapter-originated failures are downgraded to report events; only a
// tracking-state load or persist failure is returned as an error, because
// there is no safe way to proceed without durable bookkeeping. On a persist
// failure the report is still returned alongside the error.
func (e *Engine) RunOnce(ctx context.Context) (*RunReport, error) {
	log := clog.FromContext(ctx)
	started := e.now()
	report := &RunReport{
		RunID:     uuid.NewString(),
		StartedAt: started,
	}

	state, err := e.backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load tracking state: %w", err)
	}
	if state == nil {
		state = NewTrackingState()
	}

	changes := NewChangeSet()
	for _, instance := range e.sources {
		e.syncSource(ctx, state, instance, changes, report)
	}
	report.Changes = changes.Len()

	for _, instance := range e.sinks {
		e.replaySink(ctx, state, instance, changes, report)
	}

	if err := e.backend.Save(state); err != nil {
		report.PersistFailure = err.Error()
		report.Duration = e.now().Sub(started)
		return report, fmt.Errorf("persist tracking state: %w", err)
	}
	report.StatePersisted = true
	report.Duration = e.now().Sub(started)
	log.Info("run complete",
		"run_id", report.RunID,
		"changes", report.Changes,
		"sources_synced", report.SourcesSynced,
		"sinks_finalized", report.SinksFinalized,
		"files_failed", report.FilesFailed,
	)
	return report, nil
}

// syncSource processes one source instance: credential gating, lazy
// initialization, diff computation, merge, bookkeeping. Any failure skips
// the instance for this run and leaves its sourceLastUsed untouched, which
// is what adapter-side retry and backoff policies rely on.
func (e *Engine) syncSource(ctx context.Context, state *TrackingState, instance SourceInstance, changes *ChangeSet, report *RunReport) {
	log := clog.FromContext(ctx).With("source", instance.ID())
	id := instance.ID()

	credentials, err := e.prepareCredentials(ctx, state, instance.InstanceRef, instance.Source.DeclareCredentialNeeds())
	if err != nil {
		report.SourcesSkipped++
		report.addEvent(EventSourceSkipped, id, "", err.Error())
		log.Warn("source skipped", "stage", "credentials", "error", err)
		return
	}
	if err := instance.Source.Initialize(ctx, credentials, instance.Config); err != nil {
		report.SourcesSkipped++
		report.addEvent(EventSourceSkipped, id, "", fmt.Sprintf("initialize: %v", err))
		log.Warn("source skipped", "stage", "initialize", "error", err)
		return
	}

	lastUsed := state.LastUsed(id)
	owned := state.OwnedFiles(id)
	diff, err := instance.Source.ComputeChanges(ctx, lastUsed, owned)
	if err != nil {
		report.SourcesSkipped++
		report.addEvent(EventSourceSkipped, id, "", fmt.Sprintf("compute changes: %v", err))
		log.Warn("source skipped", "stage", "compute", "error", err)
		return
	}

	now := e.now()
	// Per-source diffs are maps; merge in lexical file-ID order so the
	// global set's insertion order is reproducible across runs. Across
	// sources the merge is last-source-wins by configuration order; a
	// shared file ID between two sources is a configuration error the
	// engine does not detect.
	fileIDs := make([]string, 0, len(diff))
	for fileID := range diff {
		fileIDs = append(fileIDs, fileID)
	}
	sort.Strings(fileIDs)
	for _, fileID := range fileIDs {
		record := diff[fileID]
		changes.Put(fileID, record)
		state.ApplyChange(id, fileID, record, now)
	}
	// Advance even on an empty diff: source-side update intervals depend
	// on the timestamp moving every successful poll.
	state.Advance(id, now)

	report.SourcesSynced++
	report.addEvent(EventSourceSynced, id, "", fmt.Sprintf("%d changes", len(diff)))
	log.Info("source synced", "changes", len(diff))
}

// replaySink replays the global change set against one sink and finalizes
// it. Each per-file call is isolated: one failing file never blocks the rest
// of the files, the finalize call, or the other sinks.
func (e *Engine) replaySink(ctx context.Context, state *TrackingState, instance SinkInstance, changes *ChangeSet, report *RunReport) {
	log := clog.FromContext(ctx).With("sink", instance.ID())
	id := instance.ID()

	credentials, err := e.prepareCredentials(ctx, state, instance.InstanceRef, instance.Sink.DeclareCredentialNeeds())
	if err != nil {
		report.SinksSkipped++
		report.addEvent(EventSinkSkipped, id, "", err.Error())
		log.Warn("sink skipped", "stage", "credentials", "error", err)
		return
	}
	if err := instance.Sink.Initialize(ctx, credentials, instance.Config); err != nil {
		report.SinksSkipped++
		report.addEvent(EventSinkSkipped, id, "", fmt.Sprintf("initialize: %v", err))
		log.Warn("sink skipped", "stage", "initialize", "error", err)
		return
	}

	applied := 0
	for _, fileID := range changes.FileIDs() {
		record, _ := changes.Get(fileID)
		var opErr error
		switch record.Action {
		case ActionAdd:
			opErr = instance.Sink.AddFile(ctx, fileID, record.Content)
		case ActionUpdate:
			opErr = instance.Sink.UpdateFile(ctx, fileID, record.Content)
		case ActionDelete:
			opErr = instance.Sink.DeleteFile(ctx, fileID)
		default:
			opErr = fmt.Errorf("%w: change action %q", ErrInvalidInput, record.Action)
		}
		if opErr != nil {
			report.FilesFailed++
			report.addEvent(EventFileFailed, id, fileID, opErr.Error())
			log.Warn("file failed", "file", fileID, "action", record.Action, "error", opErr)
			continue
		}
		applied++
	}
	report.FilesApplied += applied

	// Finalize unconditionally, even for an empty change set: sinks may
	// batch work or do end-of-run bookkeeping that must run every run.
	if err := instance.Sink.Finalize(ctx); err != nil {
		report.addEvent(EventSinkError, id, "", fmt.Sprintf("finalize: %v", err))
		log.Warn("finalize failed", "error", err)
		return
	}
	report.SinksFinalized++
	report.addEvent(EventSinkFinalized, id, "", fmt.Sprintf("%d files applied", applied))
}

func (e *Engine) prepareCredentials(ctx context.Context, state *TrackingState, ref InstanceRef, needs map[string]string) (map[string]string, error) {
	if len(needs) == 0 {
		return map[string]string{}, nil
	}
	if err := e.credentials.Resolve(ctx, needs, e.resolve); err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	granted, err := grantCredentials(ctx, state, e.credentials, ref, needs, e.prompt)
	if err != nil {
		return nil, err
	}
	return granted, nil
}

// ResetAll is the out-of-band wipe: every sink's ResetAll is invoked and the
// tracking state is reset to empty. It is never part of the normal
// reconciliation path.
func (e *Engine) ResetAll(ctx context.Context) error {
	log := clog.FromContext(ctx)
	state, err := e.backend.Load()
	if err != nil {
		return fmt.Errorf("load tracking state: %w", err)
	}
	if state == nil {
		state = NewTrackingState()
	}

	var firstErr error
	for _, instance := range e.sinks {
		credentials, err := e.prepareCredentials(ctx, state, instance.InstanceRef, instance.Sink.DeclareCredentialNeeds())
		if err == nil {
			err = instance.Sink.Initialize(ctx, credentials, instance.Config)
		}
		if err == nil {
			err = instance.Sink.ResetAll(ctx)
		}
		if err != nil {
			log.Warn("sink reset failed", "sink", instance.ID(), "error", err)
			if firstErr == nil {
				firstErr = &InstanceError{InstanceID: instance.ID(), Stage: "reset", Err: err}
			}
		}
	}
	if err := e.backend.Save(NewTrackingState()); err != nil {
		return fmt.Errorf("persist tracking state: %w", err)
	}
	return firstErr
}
