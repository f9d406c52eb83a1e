package ragsync

import (
	"fmt"
	"strings"
	"time"
)

type EventKind string

const (
	EventSourceSynced  EventKind = "source_synced"
	EventSourceSkipped EventKind = "source_skipped"
	EventSinkFinalized EventKind = "sink_finalized"
	EventSinkSkipped   EventKind = "sink_skipped"
	EventSinkError     EventKind = "sink_error"
	EventFileFailed    EventKind = "file_failed"
)

// ReportEvent is one discrete, user-visible step of a run. Every skip and
// failure carries enough detail to diagnose a partial run from output alone.
type ReportEvent struct {
	Kind     EventKind `json:"kind"`
	Instance string    `json:"instance,omitempty"`
	FileID   string    `json:"fileId,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// RunReport summarizes one reconciliation run.
type RunReport struct {
	RunID          string        `json:"runId"`
	StartedAt      time.Time     `json:"startedAt"`
	Duration       time.Duration `json:"durationNs"`
	Changes        int           `json:"changes"`
	SourcesSynced  int           `json:"sourcesSynced"`
	SourcesSkipped int           `json:"sourcesSkipped"`
	SinksFinalized int           `json:"sinksFinalized"`
	SinksSkipped   int           `json:"sinksSkipped"`
	FilesApplied   int           `json:"filesApplied"`
	FilesFailed    int           `json:"filesFailed"`
	Events         []ReportEvent `json:"events"`
	StatePersisted bool          `json:"statePersisted"`
	PersistFailure string        `json:"persistFailure,omitempty"`
}

func (r *RunReport) addEvent(kind EventKind, instance, fileID, detail string) {
	if r == nil {
		return
	}
	r.Events = append(r.Events, ReportEvent{
		Kind:     kind,
		Instance: instance,
		FileID:   fileID,
		Detail:   detail,
	})
}

// RenderText renders the report for terminal output, one line per event
// followed by a summary line.
func (r *RunReport) RenderText() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "run %s started %s\n", r.RunID, r.StartedAt.UTC().Format(time.RFC3339))
	for _, event := range r.Events {
		switch event.Kind {
		case EventSourceSynced:
			fmt.Fprintf(&b, "  source %s: %s\n", event.Instance, event.Detail)
		case EventSourceSkipped:
			fmt.Fprintf(&b, "  source %s skipped: %s\n", event.Instance, event.Detail)
		case EventSinkFinalized:
			fmt.Fprintf(&b, "  sink %s: %s\n", event.Instance, event.Detail)
		case EventSinkSkipped:
			fmt.Fprintf(&b, "  sink %s skipped: %s\n", event.Instance, event.Detail)
		case EventSinkError:
			fmt.Fprintf(&b, "  sink %s error: %s\n", event.Instance, event.Detail)
		case EventFileFailed:
			fmt.Fprintf(&b, "  file %s failed in sink %s: %s\n", event.FileID, event.Instance, event.Detail)
		default:
			fmt.Fprintf(&b, "  %s %s %s %s\n", event.Kind, event.Instance, event.FileID, event.Detail)
		}
	}
	fmt.Fprintf(&b, "%d changes, %d/%d sources synced, %d/%d sinks finalized, %d files applied, %d failed (%s)\n",
		r.Changes,
		r.SourcesSynced, r.SourcesSynced+r.SourcesSkipped,
		r.SinksFinalized, r.SinksFinalized+r.SinksSkipped,
		r.FilesApplied, r.FilesFailed,
		r.Duration.Round(time.Millisecond))
	if !r.StatePersisted {
		fmt.Fprintf(&b, "tracking state NOT persisted: %s\n", r.PersistFailure)
	}
	return b.String()
}
