package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/knowledgeforge/ragsync/internal/ragsync"
)

func report(runID string, changes int) *ragsync.RunReport {
	return &ragsync.RunReport{
		RunID:     runID,
		StartedAt: time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC),
		Changes:   changes,
	}
}

func TestHealth(t *testing.T) {
	srv := NewServer("docs")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusEmpty(t *testing.T) {
	srv := NewServer("docs")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "docs", resp.Project)
	assert.Zero(t, resp.RunsTotal)
	assert.Nil(t, resp.LastRun)
}

func TestStatusReflectsLastRun(t *testing.T) {
	srv := NewServer("docs")
	srv.Record(report("r-1", 2))
	srv.Record(report("r-2", 5))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.RunsTotal)
	require.NotNil(t, resp.LastRun)
	assert.Equal(t, "r-2", resp.LastRun.RunID)
}

func TestReportsLimit(t *testing.T) {
	srv := NewServer("docs")
	for i := 0; i < 5; i++ {
		srv.Record(report("r", i))
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/reports?limit=2", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Reports []*ragsync.RunReport `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Reports, 2)
	assert.Equal(t, 3, resp.Reports[0].Changes)
	assert.Equal(t, 4, resp.Reports[1].Changes)
}

func TestReportsInvalidLimit(t *testing.T) {
	srv := NewServer("docs")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/reports?limit=zero", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryBounded(t *testing.T) {
	srv := NewServer("docs")
	for i := 0; i < defaultHistoryLimit+10; i++ {
		srv.Record(report("r", i))
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/reports", nil))

	var resp struct {
		Reports []*ragsync.RunReport `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Reports, defaultHistoryLimit)
}

func TestUnknownRoute(t *testing.T) {
	srv := NewServer("docs")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := NewServer("docs")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/status", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEventsStream(t *testing.T) {
	srv := NewServer("docs")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Subscription registration races the dial; give the handler a beat.
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.subscribers) == 1
	}, time.Second, 10*time.Millisecond)

	srv.Record(report("r-live", 7))

	var got ragsync.RunReport
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "r-live", got.RunID)
	assert.Equal(t, 7, got.Changes)
}
