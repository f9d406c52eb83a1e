package ragsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticSource returns a scripted diff per call.
type staticSource struct {
	needs       map[string]string
	initErr     error
	computeErr  error
	diffs       []map[string]ChangeRecord
	calls       int
	gotCreds    map[string]string
	gotLastUsed []time.Time
	gotOwned    []map[string]time.Time
}

func (s *staticSource) DeclareCredentialNeeds() map[string]string {
	return s.needs
}

func (s *staticSource) Initialize(ctx context.Context, credentials map[string]string, config map[string]any) error {
	s.gotCreds = credentials
	return s.initErr
}

func (s *staticSource) ComputeChanges(ctx context.Context, lastUsed time.Time, ownedFiles map[string]time.Time) (map[string]ChangeRecord, error) {
	s.gotLastUsed = append(s.gotLastUsed, lastUsed)
	s.gotOwned = append(s.gotOwned, ownedFiles)
	if s.computeErr != nil {
		return nil, s.computeErr
	}
	if s.calls >= len(s.diffs) {
		s.calls++
		return map[string]ChangeRecord{}, nil
	}
	diff := s.diffs[s.calls]
	s.calls++
	return diff, nil
}

type sinkCall struct {
	op      string
	fileID  string
	content string
}

// recordingSink records every call; failOn makes one (op, fileID) pair fail.
type recordingSink struct {
	needs      map[string]string
	initErr    error
	failOp     string
	failFileID string
	calls      []sinkCall
	finalized  int
	resets     int
}

func (s *recordingSink) DeclareCredentialNeeds() map[string]string {
	return s.needs
}

func (s *recordingSink) Initialize(ctx context.Context, credentials map[string]string, config map[string]any) error {
	return s.initErr
}

func (s *recordingSink) apply(op, fileID, content string) error {
	s.calls = append(s.calls, sinkCall{op: op, fileID: fileID, content: content})
	if op == s.failOp && fileID == s.failFileID {
		return fmt.Errorf("simulated %s failure for %s", op, fileID)
	}
	return nil
}

func (s *recordingSink) AddFile(ctx context.Context, fileID, content string) error {
	return s.apply("add", fileID, content)
}

func (s *recordingSink) UpdateFile(ctx context.Context, fileID, content string) error {
	return s.apply("update", fileID, content)
}

func (s *recordingSink) DeleteFile(ctx context.Context, fileID string) error {
	return s.apply("delete", fileID)
}

func (s *recordingSink) Finalize(ctx context.Context) error {
	s.finalized++
	return nil
}

func (s *recordingSink) ResetAll(ctx context.Context) error {
	s.resets++
	return nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newTestEngine(t *testing.T, opts EngineOptions) (*Engine, StateBackend) {
	t.Helper()
	if opts.StateBackend == nil {
		opts.StateBackend = NewInMemoryStateBackend()
	}
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	return engine, opts.StateBackend
}

// TestFirstRunPopulation covers the concrete scenario: one source adds one
// file on a first run with empty owned files, every sink sees exactly one
// add and one finalize, and every bookkeeping field lands on T.
func TestFirstRunPopulation(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	source := &staticSource{
		diffs: []map[string]ChangeRecord{
			{"demo-a": {Action: ActionAdd, Content: "hi"}},
		},
	}
	sink := &recordingSink{}
	engine, backend := newTestEngine(t, EngineOptions{
		Sources: []SourceInstance{{InstanceRef: InstanceRef{Identity: "demo"}, Source: source}},
		Sinks:   []SinkInstance{{InstanceRef: InstanceRef{Identity: "store"}, Sink: sink}},
		Now:     fixedClock(at),
	})

	report, err := engine.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, source.gotOwned, 1)
	assert.Empty(t, source.gotOwned[0], "first run passes empty owned files")
	assert.True(t, source.gotLastUsed[0].IsZero(), "first run passes zero lastUsed")

	require.Equal(t, []sinkCall{{op: "add", fileID: "demo-a", content: "hi"}}, sink.calls)
	assert.Equal(t, 1, sink.finalized)

	state, err := backend.Load()
	require.NoError(t, err)
	require.Contains(t, state.FileOrigin, "demo-a")
	assert.Equal(t, "demo[0]", state.FileOrigin["demo-a"].ShopIdentifier)
	assert.Equal(t, at.UnixMilli(), state.FileOrigin["demo-a"].LastUpdated)
	assert.Equal(t, at.UnixMilli(), state.SourceLastUsed["demo[0]"])

	assert.Equal(t, 1, report.Changes)
	assert.Equal(t, 1, report.SourcesSynced)
	assert.Equal(t, 1, report.SinksFinalized)
	assert.True(t, report.StatePersisted)
}

// TestRerunWithoutUpstreamChange verifies idempotence: a second run with an
// empty diff leaves fileOrigin untouched and only advances sourceLastUsed.
func TestRerunWithoutUpstreamChange(t *testing.T) {
	t1 := time.UnixMilli(1_700_000_000_000)
	t2 := t1.Add(time.Minute)
	source := &staticSource{
		diffs: []map[string]ChangeRecord{
			{"demo-a": {Action: ActionAdd, Content: "hi"}},
			{},
		},
	}
	backend := NewInMemoryStateBackend()

	clock := t1
	engine, _ := newTestEngine(t, EngineOptions{
		Sources:      []SourceInstance{{InstanceRef: InstanceRef{Identity: "demo"}, Source: source}},
		StateBackend: backend,
		Now:          func() time.Time { return clock },
	})

	_, err := engine.RunOnce(context.Background())
	require.NoError(t, err)
	first, err := backend.Load()
	require.NoError(t, err)

	clock = t2
	_, err = engine.RunOnce(context.Background())
	require.NoError(t, err)
	second, err := backend.Load()
	require.NoError(t, err)

	assert.Equal(t, first.FileOrigin, second.FileOrigin)
	assert.Equal(t, t2.UnixMilli(), second.SourceLastUsed["demo[0]"])

	// The second call saw the first run's bookkeeping.
	require.Len(t, source.gotOwned, 2)
	assert.Equal(t, map[string]time.Time{"demo-a": t1}, source.gotOwned[1])
	assert.Equal(t, t1, source.gotLastUsed[1])
}

// TestDeleteRemovesOwnership verifies a delete drops the fileOrigin entry
// and reaches every configured sink.
func TestDeleteRemovesOwnership(t *testing.T) {
	source := &staticSource{
		diffs: []map[string]ChangeRecord{
			{"demo-a": {Action: ActionAdd, Content: "hi"}},
			{"demo-a": {Action: ActionDelete}},
		},
	}
	sink1 := &recordingSink{}
	sink2 := &recordingSink{}
	backend := NewInMemoryStateBackend()
	engine, _ := newTestEngine(t, EngineOptions{
		Sources: []SourceInstance{{InstanceRef: InstanceRef{Identity: "demo"}, Source: source}},
		Sinks: []SinkInstance{
			{InstanceRef: InstanceRef{Identity: "one"}, Sink: sink1},
			{InstanceRef: InstanceRef{Identity: "two", Ordinal: 0}, Sink: sink2},
		},
		StateBackend: backend,
	})

	_, err := engine.RunOnce(context.Background())
	require.NoError(t, err)
	_, err = engine.RunOnce(context.Background())
	require.NoError(t, err)

	state, err := backend.Load()
	require.NoError(t, err)
	assert.NotContains(t, state.FileOrigin, "demo-a")

	for _, sink := range []*recordingSink{sink1, sink2} {
		require.Len(t, sink.calls, 2)
		assert.Equal(t, "delete", sink.calls[1].op)
		assert.Equal(t, "demo-a", sink.calls[1].fileID)
		assert.Equal(t, 2, sink.finalized)
	}
}

// TestCrossSourceOverwrite verifies last-source-wins by configuration order
// when two sources emit the same file ID in one run.
func TestCrossSourceOverwrite(t *testing.T) {
	sourceA := &staticSource{diffs: []map[string]ChangeRecord{
		{"shared": {Action: ActionAdd, Content: "from-a"}},
	}}
	sourceB := &staticSource{diffs: []map[string]ChangeRecord{
		{"shared": {Action: ActionAdd, Content: "from-b"}},
	}}
	sink := &recordingSink{}
	backend := NewInMemoryStateBackend()
	engine, _ := newTestEngine(t, EngineOptions{
		Sources: []SourceInstance{
			{InstanceRef: InstanceRef{Identity: "alpha"}, Source: sourceA},
			{InstanceRef: InstanceRef{Identity: "beta"}, Source: sourceB},
		},
		Sinks:        []SinkInstance{{InstanceRef: InstanceRef{Identity: "store"}, Sink: sink}},
		StateBackend: backend,
	})

	_, err := engine.RunOnce(context.Background())
	require.NoError(t, err)

	state, err := backend.Load()
	require.NoError(t, err)
	assert.Equal(t, "beta[0]", state.FileOrigin["shared"].ShopIdentifier)

	require.Len(t, sink.calls, 1)
	assert.Equal(t, "from-b", sink.calls[0].content)
}

// TestSinkIsolation verifies a failing file in one sink blocks neither the
// other sink nor that sink's finalize.
func TestSinkIsolation(t *testing.T) {
	source := &staticSource{diffs: []map[string]ChangeRecord{
		{
			"f-1": {Action: ActionAdd, Content: "one"},
			"f-2": {Action: ActionAdd, Content: "two"},
		},
	}}
	failing := &recordingSink{failOp: "add", failFileID: "f-1"}
	healthy := &recordingSink{}
	engine, _ := newTestEngine(t, EngineOptions{
		Sources: []SourceInstance{{InstanceRef: InstanceRef{Identity: "demo"}, Source: source}},
		Sinks: []SinkInstance{
			{InstanceRef: InstanceRef{Identity: "flaky"}, Sink: failing},
			{InstanceRef: InstanceRef{Identity: "solid"}, Sink: healthy},
		},
	})

	report, err := engine.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Len(t, failing.calls, 2, "remaining files still replay after a failure")
	assert.Equal(t, 1, failing.finalized)
	assert.Len(t, healthy.calls, 2)
	assert.Equal(t, 1, healthy.finalized)

	assert.Equal(t, 1, report.FilesFailed)
	assert.Equal(t, 3, report.FilesApplied)
	var failedEvents []ReportEvent
	for _, event := range report.Events {
		if event.Kind == EventFileFailed {
			failedEvents = append(failedEvents, event)
		}
	}
	require.Len(t, failedEvents, 1)
	assert.Equal(t, "flaky[0]", failedEvents[0].Instance)
	assert.Equal(t, "f-1", failedEvents[0].FileID)
}

// TestBookkeepingSurvivesPartialFailure verifies a failing source keeps its
// sourceLastUsed unchanged while other sources still advance.
func TestBookkeepingSurvivesPartialFailure(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	broken := &staticSource{computeErr: errors.New("upstream unreachable")}
	working := &staticSource{diffs: []map[string]ChangeRecord{{}}}
	backend := NewInMemoryStateBackend()
	engine, _ := newTestEngine(t, EngineOptions{
		Sources: []SourceInstance{
			{InstanceRef: InstanceRef{Identity: "broken"}, Source: broken},
			{InstanceRef: InstanceRef{Identity: "working"}, Source: working},
		},
		StateBackend: backend,
		Now:          fixedClock(at),
	})

	report, err := engine.RunOnce(context.Background())
	require.NoError(t, err)

	state, err := backend.Load()
	require.NoError(t, err)
	assert.NotContains(t, state.SourceLastUsed, "broken[0]")
	assert.Equal(t, at.UnixMilli(), state.SourceLastUsed["working[0]"])

	assert.Equal(t, 1, report.SourcesSkipped)
	assert.Equal(t, 1, report.SourcesSynced)
}

// TestFinalizeOnEmptyChangeSet verifies the adopted contract: finalize runs
// every run, even when no source produced any change.
func TestFinalizeOnEmptyChangeSet(t *testing.T) {
	source := &staticSource{diffs: []map[string]ChangeRecord{{}}}
	sink := &recordingSink{}
	engine, _ := newTestEngine(t, EngineOptions{
		Sources: []SourceInstance{{InstanceRef: InstanceRef{Identity: "demo"}, Source: source}},
		Sinks:   []SinkInstance{{InstanceRef: InstanceRef{Identity: "store"}, Sink: sink}},
	})

	report, err := engine.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, sink.calls)
	assert.Equal(t, 1, sink.finalized)
	assert.Equal(t, 0, report.Changes)
	assert.Equal(t, 1, report.SinksFinalized)
}

// TestSinkInitFailureExcludesInstance verifies an initialization failure is
// fatal to that instance only.
func TestSinkInitFailureExcludesInstance(t *testing.T) {
	source := &staticSource{diffs: []map[string]ChangeRecord{
		{"f-1": {Action: ActionAdd, Content: "one"}},
	}}
	broken := &recordingSink{initErr: errors.New("missing required config key")}
	healthy := &recordingSink{}
	engine, _ := newTestEngine(t, EngineOptions{
		Sources: []SourceInstance{{InstanceRef: InstanceRef{Identity: "demo"}, Source: source}},
		Sinks: []SinkInstance{
			{InstanceRef: InstanceRef{Identity: "broken"}, Sink: broken},
			{InstanceRef: InstanceRef{Identity: "healthy"}, Sink: healthy},
		},
	})

	report, err := engine.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, broken.calls)
	assert.Equal(t, 0, broken.finalized, "an excluded sink is not finalized")
	assert.Len(t, healthy.calls, 1)
	assert.Equal(t, 1, healthy.finalized)
	assert.Equal(t, 1, report.SinksSkipped)
	assert.Equal(t, 1, report.SinksFinalized)
}

// TestUpdateIntervalSemantics verifies the lastUsed handed to a source is
// the previous run's advance time even when that run produced no changes.
func TestUpdateIntervalSemantics(t *testing.T) {
	t1 := time.UnixMilli(1_700_000_000_000)
	t2 := t1.Add(time.Hour)
	clock := t1
	source := &staticSource{diffs: []map[string]ChangeRecord{{}, {}}}
	engine, _ := newTestEngine(t, EngineOptions{
		Sources: []SourceInstance{{InstanceRef: InstanceRef{Identity: "demo"}, Source: source}},
		Now:     func() time.Time { return clock },
	})

	_, err := engine.RunOnce(context.Background())
	require.NoError(t, err)
	clock = t2
	_, err = engine.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, source.gotLastUsed, 2)
	assert.True(t, source.gotLastUsed[0].IsZero())
	assert.Equal(t, t1, source.gotLastUsed[1])
}

// TestPersistFailureIsFatal verifies a state persist failure surfaces as a
// run error while the report is still returned.
func TestPersistFailureIsFatal(t *testing.T) {
	source := &staticSource{diffs: []map[string]ChangeRecord{{}}}
	engine, _ := newTestEngine(t, EngineOptions{
		Sources:      []SourceInstance{{InstanceRef: InstanceRef{Identity: "demo"}, Source: source}},
		StateBackend: failingStateBackend{},
	})

	report, err := engine.RunOnce(context.Background())
	require.Error(t, err)
	require.NotNil(t, report)
	assert.False(t, report.StatePersisted)
	assert.NotEmpty(t, report.PersistFailure)
}

type failingStateBackend struct{}

func (failingStateBackend) Load() (*TrackingState, error) { return nil, nil }

func (failingStateBackend) Save(*TrackingState) error {
	return errors.New("disk full")
}

// TestChangeSetInsertionOrder verifies the merged set iterates in
// first-insertion order with overwrite keeping the original position.
func TestChangeSetInsertionOrder(t *testing.T) {
	set := NewChangeSet()
	set.Put("b", ChangeRecord{Action: ActionAdd, Content: "1"})
	set.Put("a", ChangeRecord{Action: ActionAdd, Content: "2"})
	set.Put("b", ChangeRecord{Action: ActionUpdate, Content: "3"})

	assert.Equal(t, []string{"b", "a"}, set.FileIDs())
	record, ok := set.Get("b")
	require.True(t, ok)
	assert.Equal(t, ActionUpdate, record.Action)
	assert.Equal(t, "3", record.Content)
	assert.Equal(t, 2, set.Len())
}

// TestResetAll verifies reset reaches every sink and wipes tracking state.
func TestResetAll(t *testing.T) {
	sink1 := &recordingSink{}
	sink2 := &recordingSink{}
	backend := NewInMemoryStateBackend()
	seed := NewTrackingState()
	seed.Advance("demo[0]", time.UnixMilli(42))
	require.NoError(t, backend.Save(seed))

	engine, _ := newTestEngine(t, EngineOptions{
		Sinks: []SinkInstance{
			{InstanceRef: InstanceRef{Identity: "one"}, Sink: sink1},
			{InstanceRef: InstanceRef{Identity: "two"}, Sink: sink2},
		},
		StateBackend: backend,
	})

	require.NoError(t, engine.ResetAll(context.Background()))
	assert.Equal(t, 1, sink1.resets)
	assert.Equal(t, 1, sink2.resets)

	state, err := backend.Load()
	require.NoError(t, err)
	assert.Empty(t, state.SourceLastUsed)
	assert.Empty(t, state.FileOrigin)
}
