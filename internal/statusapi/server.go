// Package statusapi exposes run history over HTTP while watch mode is
// active: a status summary, recent run reports, and a websocket feed that
// streams each report as it completes.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/knowledgeforge/ragsync/internal/ragsync"
)

const defaultHistoryLimit = 50

type Server struct {
	project   string
	startedAt time.Time

	mu          sync.Mutex
	reports     []*ragsync.RunReport
	runsTotal   int
	subscribers map[chan *ragsync.RunReport]struct{}
}

func NewServer(project string) *Server {
	return &Server{
		project:     project,
		startedAt:   time.Now().UTC(),
		subscribers: map[chan *ragsync.RunReport]struct{}{},
	}
}

// Record stores a completed run report and fans it out to websocket
// subscribers. A slow subscriber drops reports rather than blocking the
// sync loop.
func (s *Server) Record(report *ragsync.RunReport) {
	if s == nil || report == nil {
		return
	}
	s.mu.Lock()
	s.runsTotal++
	s.reports = append(s.reports, report)
	if len(s.reports) > defaultHistoryLimit {
		s.reports = s.reports[len(s.reports)-defaultHistoryLimit:]
	}
	for sub := range s.subscribers {
		select {
		case sub <- report:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	switch r.URL.Path {
	case "/health":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/v1/status":
		s.handleStatus(w, r)
	case "/v1/reports":
		s.handleReports(w, r)
	case "/v1/events":
		s.handleEvents(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

type statusResponse struct {
	Project   string             `json:"project"`
	StartedAt time.Time          `json:"startedAt"`
	RunsTotal int                `json:"runsTotal"`
	LastRun   *ragsync.RunReport `json:"lastRun"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	resp := statusResponse{
		Project:   s.project,
		StartedAt: s.startedAt,
		RunsTotal: s.runsTotal,
	}
	if len(s.reports) > 0 {
		resp.LastRun = s.reports[len(s.reports)-1]
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
			return
		}
		limit = parsed
	}

	s.mu.Lock()
	start := len(s.reports) - limit
	if start < 0 {
		start = 0
	}
	reports := make([]*ragsync.RunReport, len(s.reports)-start)
	copy(reports, s.reports[start:])
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, struct {
		Reports []*ragsync.RunReport `json:"reports"`
	}{Reports: reports})
}

// handleEvents upgrades to a websocket and streams every run report
// completed after the subscription was established.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := make(chan *ragsync.RunReport, 16)
	s.subscribe(sub)
	defer s.unsubscribe(sub)

	ctx := r.Context()
	// Reads are discarded; the socket exists so the client learns about
	// disconnects and server-side pings keep intermediaries open.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-sub:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, report)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) subscribe(sub chan *ragsync.RunReport) {
	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) unsubscribe(sub chan *ragsync.RunReport) {
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
