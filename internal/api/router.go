package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ernie/bloodmoon/internal/access"
	"github.com/ernie/bloodmoon/internal/auth"
	"github.com/ernie/bloodmoon/internal/console"
	"github.com/ernie/bloodmoon/internal/domain"
	"github.com/ernie/bloodmoon/internal/storage"
)

// Server is the supervised game server as seen by the API
type Server interface {
	Status() domain.ServerStatus
	Restart(ctx context.Context) error
	SendCommand(ctx context.Context, text string) (console.Result, error)
}

// Router holds the HTTP routes and dependencies
type Router struct {
	mux       *http.ServeMux
	store     *storage.Store
	server    Server
	vips      access.VipSource
	wsHub     *WebSocketHub
	logStream *LogStreamManager
	auth      *auth.Service
	staticDir string

	// PlayersCommand lists connected players
	PlayersCommand string
}

// NewRouter creates a new HTTP router
func NewRouter(store *storage.Store, server Server, vips access.VipSource, authService *auth.Service, staticDir string) *Router {
	r := &Router{
		mux:            http.NewServeMux(),
		store:          store,
		server:         server,
		vips:           vips,
		wsHub:          NewWebSocketHub(),
		auth:           authService,
		staticDir:      staticDir,
		PlayersCommand: "lp",
	}
	r.logStream = NewLogStreamManager(func() string {
		return server.Status().MainLog
	})

	// Server routes
	r.mux.HandleFunc("GET /api/status", r.handleGetStatus)
	r.mux.HandleFunc("GET /api/players", r.handleGetPlayers)
	r.mux.HandleFunc("GET /api/runs", r.handleGetRuns)
	r.mux.HandleFunc("GET /api/runs/{id}", r.handleGetRun)
	r.mux.HandleFunc("GET /api/events", r.handleGetEvents)

	// Auth routes
	r.mux.HandleFunc("POST /api/auth/login", r.handleLogin)
	r.mux.HandleFunc("POST /api/auth/logout", r.handleLogout)
	r.mux.HandleFunc("GET /api/auth/check", r.handleAuthCheck)
	r.mux.HandleFunc("POST /api/auth/change-password", r.requireAuth(r.handleChangePassword))

	// User management routes (admin only)
	r.mux.HandleFunc("GET /api/users", r.requireAdmin(r.handleListUsers))
	r.mux.HandleFunc("POST /api/users", r.requireAdmin(r.handleCreateUser))
	r.mux.HandleFunc("DELETE /api/users/{username}", r.requireAdmin(r.handleDeleteUser))
	r.mux.HandleFunc("POST /api/users/{id}/reset-password", r.requireAdmin(r.handleResetUserPassword))

	// Console and control routes (admin only)
	r.mux.HandleFunc("POST /api/console", r.requireAdmin(r.handleConsoleCommand))
	r.mux.HandleFunc("GET /api/console/status", r.handleConsoleStatus)
	r.mux.HandleFunc("POST /api/server/restart", r.requireAdmin(r.handleRestart))
	r.mux.HandleFunc("GET /api/vips", r.requireAdmin(r.handleGetVips))
	r.mux.HandleFunc("GET /api/runs/{id}/log", r.requireAdmin(r.handleGetRunLog))

	// WebSocket endpoints
	r.mux.HandleFunc("GET /ws", r.handleWebSocket)
	r.mux.HandleFunc("GET /ws/logs", r.handleLogWebSocket)

	// Health check
	r.mux.HandleFunc("GET /health", r.handleHealth)

	// Static files - only serve if staticDir is configured
	if staticDir != "" {
		r.mux.HandleFunc("GET /", r.handleStatic)
	}

	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// StartWebSocketHub starts the hub's broadcast loop
func (r *Router) StartWebSocketHub() {
	go r.wsHub.Run()
}

// Broadcast sends an event to every connected /ws client
func (r *Router) Broadcast(event domain.Event) {
	r.wsHub.Broadcast(event)
}

// Close stops the hub and any running log follower
func (r *Router) Close() {
	r.logStream.Close()
	r.wsHub.Stop()
}

// handleStatic serves static files from the configured directory.
// Unknown paths get index.html so a single page app can route them.
func (r *Router) handleStatic(w http.ResponseWriter, req *http.Request) {
	path := filepath.Clean(req.URL.Path)
	if path == "/" {
		path = "/index.html"
	}

	fullPath := filepath.Join(r.staticDir, path)

	// Security: ensure the path is within staticDir
	absStaticDir, _ := filepath.Abs(r.staticDir)
	absPath, _ := filepath.Abs(fullPath)
	if !strings.HasPrefix(absPath, absStaticDir) {
		http.NotFound(w, req)
		return
	}

	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		fullPath = filepath.Join(r.staticDir, "index.html")
		if _, err = os.Stat(fullPath); err != nil {
			http.NotFound(w, req)
			return
		}
	}

	if contentType := getContentType(fullPath); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	http.ServeFile(w, req, fullPath)
}

// getContentType returns the content type for a file based on extension
func getContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".svg":
		return "image/svg+xml"
	case ".png":
		return "image/png"
	case ".ico":
		return "image/x-icon"
	default:
		return ""
	}
}
