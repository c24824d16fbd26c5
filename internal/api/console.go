package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/ernie/bloodmoon/internal/domain"
)

// ConsoleRequest is the request body for console commands
type ConsoleRequest struct {
	Command string `json:"command"`
}

// ConsoleResponse is the response body for console commands
type ConsoleResponse struct {
	Output   string `json:"output"`
	TimedOut bool   `json:"timed_out"`
}

// handleConsoleCommand runs a command on the server console (admin only)
func (r *Router) handleConsoleCommand(w http.ResponseWriter, req *http.Request) {
	var body ConsoleRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	command := strings.TrimSpace(body.Command)
	if command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	// Shutting down has to go through the supervisor or it restarts the server
	if strings.EqualFold(command, "shutdown") || strings.EqualFold(command, "exit") {
		writeError(w, http.StatusBadRequest, "use the server restart endpoint or the CLI to stop the server")
		return
	}

	if claims := r.getAuthClaims(req); claims != nil {
		log.Printf("Console command from %s: %s", claims.Username, command)
	}

	res, err := r.server.SendCommand(req.Context(), command)
	if err != nil {
		writeError(w, consoleErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ConsoleResponse{Output: res.Output, TimedOut: res.TimedOut})
}

// handleConsoleStatus returns whether the console session is usable (no auth needed)
func (r *Router) handleConsoleStatus(w http.ResponseWriter, req *http.Request) {
	state := r.server.Status().SessionState
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"available": state == domain.SessionReady,
		"state":     state,
	})
}
