package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ernie/bloodmoon/internal/collector"
	"github.com/ernie/bloodmoon/internal/console"
	"github.com/ernie/bloodmoon/internal/domain"
	"github.com/ernie/bloodmoon/internal/storage"
	"github.com/ernie/bloodmoon/internal/supervisor"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// parseID parses an ID from the URL path
func parseID(req *http.Request, param string) (int64, error) {
	return strconv.ParseInt(req.PathValue(param), 10, 64)
}

// parseLimit parses a limit parameter, falling back to defaultLimit when
// missing or out of range
func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxLimit {
			return parsed
		}
	}
	return defaultLimit
}

// parseBeforeID parses the cursor used to page backwards through events
func parseBeforeID(r *http.Request) *int64 {
	if b := r.URL.Query().Get("before"); b != "" {
		if parsed, err := strconv.ParseInt(b, 10, 64); err == nil && parsed > 0 {
			return &parsed
		}
	}
	return nil
}

var journaledEventTypes = map[string]bool{
	domain.EventPlayerJoin:      true,
	domain.EventPlayerLeave:     true,
	domain.EventPlayerKicked:    true,
	domain.EventCountReconciled: true,
	domain.EventErrorSnapshot:   true,
}

// consoleErrorStatus maps console failures to HTTP status codes
func consoleErrorStatus(err error) int {
	switch {
	case errors.Is(err, console.ErrNotReady), errors.Is(err, console.ErrDropped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// handleHealth is the liveness probe
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetStatus returns the supervisor's view of the server
func (r *Router) handleGetStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.server.Status())
}

// handleGetPlayers asks the server console who is online
func (r *Router) handleGetPlayers(w http.ResponseWriter, req *http.Request) {
	res, err := r.server.SendCommand(req.Context(), r.PlayersCommand)
	if err != nil {
		writeError(w, consoleErrorStatus(err), err.Error())
		return
	}
	if res.TimedOut {
		writeError(w, http.StatusGatewayTimeout, "console did not answer")
		return
	}

	players := console.ParsePlayers(res.Output)
	total, ok := console.ParsePlayerCount(res.Output)
	if !ok {
		total = len(players)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"players": players,
		"total":   total,
	})
}

// handleGetRuns returns recent server runs
func (r *Router) handleGetRuns(w http.ResponseWriter, req *http.Request) {
	runs, err := r.store.GetRuns(req.Context(), parseLimit(req, 20, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns a single run
func (r *Router) handleGetRun(w http.ResponseWriter, req *http.Request) {
	run, err := r.store.GetRun(req.Context(), req.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// RunLogResponse is the tail of a run's main log
type RunLogResponse struct {
	RunID string   `json:"run_id"`
	Path  string   `json:"path"`
	Lines []string `json:"lines"`
}

// handleGetRunLog returns the last lines of a run's main log, whether it
// is still plain text or already archived
func (r *Router) handleGetRunLog(w http.ResponseWriter, req *http.Request) {
	run, err := r.store.GetRun(req.Context(), req.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	lines, err := collector.ReadRunLog(run.MainLog, parseLimit(req, 200, 5000))
	if err != nil {
		writeError(w, http.StatusNotFound, "run log not available")
		return
	}
	writeJSON(w, http.StatusOK, RunLogResponse{RunID: run.ID, Path: run.MainLog, Lines: lines})
}

// handleGetEvents returns journaled player events, newest first
func (r *Router) handleGetEvents(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	filter := storage.EventFilter{
		RunID:    q.Get("run_id"),
		SteamID:  q.Get("steam_id"),
		BeforeID: parseBeforeID(req),
		Limit:    parseLimit(req, 50, 500),
	}
	if t := q.Get("type"); t != "" {
		if !journaledEventTypes[t] {
			writeError(w, http.StatusBadRequest, "invalid type")
			return
		}
		filter.Type = t
	}

	events, err := r.store.GetEvents(req.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []domain.PlayerRecord{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleRestart restarts the server through the console shutdown sequence
func (r *Router) handleRestart(w http.ResponseWriter, req *http.Request) {
	if err := r.server.Restart(req.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrNotRunning) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, r.server.Status())
}

// VipResponse is a VIP list entry with its current validity
type VipResponse struct {
	domain.VipEntry
	Active bool `json:"active"`
}

// handleGetVips returns the VIP list
func (r *Router) handleGetVips(w http.ResponseWriter, req *http.Request) {
	entries, err := r.vips.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	now := time.Now()
	response := make([]VipResponse, len(entries))
	for i, e := range entries {
		response[i] = VipResponse{VipEntry: e, Active: e.ValidAt(now)}
	}
	writeJSON(w, http.StatusOK, response)
}
