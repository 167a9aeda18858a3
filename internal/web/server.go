package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"visionflow/internal/coordinator"
	"visionflow/internal/identity"
	"visionflow/internal/player"
	"visionflow/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var playerPage = &url.URL{Path: "/player"}

// EventPlayerFrame is the WebSocket message type for terminal frames.
const EventPlayerFrame = "player_frame"

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithFleet serves terminal pages from fleet.
func WithFleet(fleet *player.Fleet) ServerOption {
	return func(s *Server) {
		s.fleet = fleet
	}
}

// WithMedia mounts h on /media/{token}.
func WithMedia(h http.Handler) ServerOption {
	return func(s *Server) {
		s.media = h
	}
}

// WithPairing lists pending terminals from reg.
func WithPairing(reg identity.Registry) ServerOption {
	return func(s *Server) {
		s.pairing = reg
	}
}

// WithVersion sets the application version string shown in the UI.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the admin console and terminal pages.
type Server struct {
	coord          *coordinator.Coordinator
	fleet          *player.Fleet
	media          http.Handler
	pairing        identity.Registry
	templates      map[string]*template.Template
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server on top of the admin context's
// coordinator.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	// Parse each page template separately with layout to avoid {{define "content"}} conflicts.
	base, err := template.ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	pages := []string{"index.html", "player.html"}
	tmpl := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		cloned, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone layout for %s: %w", page, err)
		}
		t, err := cloned.ParseFS(templateFS, "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		tmpl[page] = t
	}

	s := &Server{
		coord:     coord,
		templates: tmpl,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Subscribe to all coordinator events and broadcast via WebSocket
	s.unsubEvents = coord.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s, nil
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

// BroadcastFrame pushes a terminal frame to dashboards and to that
// terminal's own page.
func (s *Server) BroadcastFrame(f player.Frame) {
	s.wsHub.BroadcastTo(f.Code, coordinator.Event{Type: EventPlayerFrame, Data: f})
}

func (s *Server) routes() {
	// HTML pages
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /player", s.handlePlayerPage)

	if s.media != nil {
		s.mux.Handle("GET /media/{token}", s.media)
	}

	// REST API
	s.mux.HandleFunc("GET /api/state", s.handleAPIState)
	s.mux.HandleFunc("POST /api/sync", s.handleAPISyncAll)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/assets", s.handleAPIListAssets)
	s.mux.HandleFunc("POST /api/assets", s.handleAPIUploadAsset)
	s.mux.HandleFunc("DELETE /api/assets/{id}", s.handleAPIDeleteAsset)
	s.mux.HandleFunc("POST /api/assets/{id}/analyze", s.handleAPIAnalyzeAsset)

	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("POST /api/devices", s.handleAPIPairDevice)
	s.mux.HandleFunc("DELETE /api/devices/{id}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("PUT /api/devices/{id}/playlist", s.handleAPIAssignPlaylist)

	s.mux.HandleFunc("GET /api/playlists", s.handleAPIListPlaylists)
	s.mux.HandleFunc("POST /api/playlists", s.handleAPICreatePlaylist)
	s.mux.HandleFunc("PUT /api/playlists/{id}", s.handleAPIUpdatePlaylist)
	s.mux.HandleFunc("PATCH /api/playlists/{id}", s.handleAPIRenamePlaylist)
	s.mux.HandleFunc("DELETE /api/playlists/{id}", s.handleAPIDeletePlaylist)
	s.mux.HandleFunc("POST /api/playlists/{id}/items", s.handleAPIAddItem)
	s.mux.HandleFunc("PATCH /api/playlists/{id}/items/{assetId}", s.handleAPISetItemDuration)
	s.mux.HandleFunc("DELETE /api/playlists/{id}/items/{assetId}", s.handleAPIRemoveItem)
	s.mux.HandleFunc("POST /api/playlists/{id}/suggest-name", s.handleAPISuggestName)

	s.mux.HandleFunc("GET /api/schedules", s.handleAPIListSchedules)
	s.mux.HandleFunc("POST /api/schedules", s.handleAPISaveSchedule)
	s.mux.HandleFunc("DELETE /api/schedules/{id}", s.handleAPIDeleteSchedule)
	s.mux.HandleFunc("GET /api/schedules/advice", s.handleAPIScheduleAdvice)

	s.mux.HandleFunc("GET /api/pairing/pending", s.handleAPIPendingPairing)
	s.mux.HandleFunc("GET /api/terminals", s.handleAPIListTerminals)
	s.mux.HandleFunc("POST /api/terminals/{code}/online", s.handleAPISetOnline)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only /api/ is key-protected. Pages, media and the WebSocket are
		// opened by browsers that cannot send custom headers.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// handleIndex serves the admin console. A player query is redirected to
// the terminal page so both entry points resolve identity the same way.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	id := identity.Resolve(r.URL.Query())
	if id.Role == identity.RolePlayer {
		http.Redirect(w, r, identity.PlayerURL(playerPage, id.PairingCode), http.StatusFound)
		return
	}

	snap := s.coord.Snapshot().Public()
	online := 0
	for _, d := range snap.Devices {
		if d.Status == store.StatusOnline {
			online++
		}
	}
	state, _ := json.Marshal(snap)
	s.renderTemplate(w, "index.html", map[string]interface{}{
		"PageTitle":   "Dashboard",
		"Snapshot":    snap,
		"OnlineCount": online,
		"StateJSON":   template.JS(state),
	})
}

// handlePlayerPage opens the terminal for ?code=. Without a code a fresh
// one is generated and the browser is sent to a URL carrying it.
func (s *Server) handlePlayerPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	q.Set(identity.ParamView, "player")
	id := identity.Resolve(q)
	id.PairingCode = strings.ToUpper(id.PairingCode)
	if id.Generated || !identity.ValidCode(id.PairingCode) {
		code := id.PairingCode
		if !identity.ValidCode(code) {
			code = identity.GenerateCode()
		}
		http.Redirect(w, r, identity.PlayerURL(playerPage, code), http.StatusFound)
		return
	}
	if s.fleet == nil {
		http.Error(w, "Terminal mode disabled", http.StatusNotFound)
		return
	}

	// The terminal outlives this request.
	term, err := s.fleet.Open(context.WithoutCancel(r.Context()), id.PairingCode)
	if err != nil {
		s.logger.Error("open terminal", "code", id.PairingCode, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	frame := term.Engine().Frame()
	frameJSON, _ := json.Marshal(frame)
	s.renderTemplate(w, "player.html", map[string]interface{}{
		"PageTitle": "Terminal " + id.PairingCode,
		"Code":      id.PairingCode,
		"Frame":     frame,
		"FrameJSON": template.JS(frameJSON),
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// renderTemplate renders to a buffer first, so partial write failures don't corrupt the response.
func (s *Server) renderTemplate(w http.ResponseWriter, name string, data interface{}) {
	t, ok := s.templates[name]
	if !ok {
		s.logger.Error("template not found", "name", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	// Inject version and API key into template data if it's a map.
	if m, ok := data.(map[string]interface{}); ok {
		m["Version"] = s.version
		if s.apiKey != "" {
			m["APIKey"] = s.apiKey
		}
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("render template", "name", name, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write template response", "name", name, "err", err)
	}
}
