// Package api provides the local HTTP control surface for one device.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dashctl/dashctl/internal/events"
	"github.com/dashctl/dashctl/internal/logging"
	"github.com/dashctl/dashctl/internal/metrics"
	"github.com/dashctl/dashctl/pkg/catalog"
	"github.com/dashctl/dashctl/pkg/fault"
	"github.com/dashctl/dashctl/pkg/models"
	"github.com/dashctl/dashctl/pkg/session"
)

// Archiver copies a recording off the device. Nil disables the archive route.
type Archiver interface {
	Archive(ctx context.Context, rec models.FileRecord) (string, error)
}

// Server serves the local API.
type Server struct {
	ctrl     *session.Controller
	catalog  *catalog.Catalog
	archiver Archiver
	now      func() time.Time
}

// NewServer creates a new server. archiver may be nil.
func NewServer(ctrl *session.Controller, cat *catalog.Catalog, archiver Archiver) *Server {
	return &Server{
		ctrl:     ctrl,
		catalog:  cat,
		archiver: archiver,
		now:      time.Now,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Device state
	mux.HandleFunc("GET /api/v1/state", s.handleState)
	mux.HandleFunc("POST /api/v1/state/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/v1/recording/toggle", s.handleToggleRecording)
	mux.HandleFunc("POST /api/v1/mode/advance", s.handleAdvanceMode)
	mux.HandleFunc("POST /api/v1/clock/sync", s.handleSyncClock)
	mux.HandleFunc("GET /api/v1/liveview", s.handleLiveView)
	mux.HandleFunc("POST /api/v1/photo", s.handlePhoto)
	mux.HandleFunc("POST /api/v1/wifi", s.handleWifi)
	mux.HandleFunc("POST /api/v1/wifi/restart", s.handleWifiRestart)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Recordings
	mux.HandleFunc("GET /api/v1/files", s.handleFiles)
	mux.HandleFunc("POST /api/v1/files/refresh", s.handleFilesRefresh)
	mux.HandleFunc("DELETE /api/v1/files", s.handleDelete)
	mux.HandleFunc("GET /api/v1/playback", s.handlePlayback)
	if s.archiver != nil {
		mux.HandleFunc("POST /api/v1/archive", s.handleArchive)
	}

	// Metrics sits inside logging so it sees the matched route pattern.
	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if !s.ctrl.Connected() {
		status = "disconnected"
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": status, "device": s.ctrl.BaseURL()})
}

// ─── State ──────────────────────────────────────────────────────────────────

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.ctrl.State())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Refresh(r.Context())
	if err != nil {
		s.sendFault(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, snap)
}

func (s *Server) handleToggleRecording(w http.ResponseWriter, r *http.Request) {
	recording, err := s.ctrl.ToggleRecordingChecked(r.Context())
	if err != nil {
		s.sendFault(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"recording": recording})
}

func (s *Server) handleAdvanceMode(w http.ResponseWriter, r *http.Request) {
	mode, err := s.ctrl.AdvanceModeChecked(r.Context())
	if err != nil {
		s.sendFault(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]models.Mode{"mode": mode})
}

type clockRequest struct {
	Time *time.Time `json:"time,omitempty"`
}

func (s *Server) handleSyncClock(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	if r.ContentLength > 0 {
		var req clockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Time != nil {
			now = *req.Time
		}
	}

	if err := s.ctrl.SyncClock(r.Context(), now); err != nil {
		if ce, ok := session.AsClockSync(err); ok {
			s.sendJSON(w, statusFor(err), map[string]interface{}{
				"error": err.Error(),
				"date":  errString(ce.DateErr),
				"time":  errString(ce.TimeErr),
			})
			return
		}
		s.sendFault(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"synced": now.Format("2006-01-02 15:04:05")})
}

func (s *Server) handleLiveView(w http.ResponseWriter, r *http.Request) {
	mode := s.ctrl.CurrentMode()
	link, err := s.ctrl.LiveViewLink(r.Context(), mode)
	if err != nil {
		s.sendFault(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"mode": mode, "url": link})
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.TakePhoto(r.Context()); err != nil {
		s.sendFault(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type wifiRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func (s *Server) handleWifi(w http.ResponseWriter, r *http.Request) {
	var req wifiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.ctrl.ConfigureWifi(r.Context(), req.SSID, req.Password); err != nil {
		if we, ok := session.AsWifiConfig(err); ok {
			s.sendJSON(w, statusFor(err), map[string]interface{}{
				"error":    err.Error(),
				"ssid":     errString(we.SSIDErr),
				"password": errString(we.PasswordErr),
			})
			return
		}
		s.sendFault(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok", "note": "restart wifi to apply"})
}

func (s *Server) handleWifiRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.RestartWifi(r.Context()); err != nil {
		s.sendFault(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ch := s.ctrl.Subscribe()
	defer s.ctrl.Unsubscribe(ch)

	// Current state first so clients need no separate GET.
	s.writeEvent(w, events.Event{Type: "snapshot", State: s.ctrl.State(), Timestamp: time.Now().Unix()})
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			s.writeEvent(w, event)
			flusher.Flush()
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, event events.Event) {
	data, err := events.MarshalEvent(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}

// ─── Recordings ─────────────────────────────────────────────────────────────

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("sort") == "" {
		s.sendJSON(w, http.StatusOK, s.catalog.Records())
		return
	}

	col, err := catalog.ParseColumn(q.Get("sort"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	var recs []models.FileRecord
	switch q.Get("order") {
	case "":
		recs = s.catalog.Sort(col)
	case "asc":
		recs = s.catalog.SortDirected(col, true)
	case "desc":
		recs = s.catalog.SortDirected(col, false)
	default:
		s.sendError(w, http.StatusBadRequest, "order must be asc or desc")
		return
	}
	s.sendJSON(w, http.StatusOK, recs)
}

func (s *Server) handleFilesRefresh(w http.ResponseWriter, r *http.Request) {
	recs, err := s.catalog.Fetch(r.Context())
	if err != nil {
		s.sendFault(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, recs)
}

type deleteResponse struct {
	Deleted      string              `json:"deleted"`
	Files        []models.FileRecord `json:"files"`
	RefreshError string              `json:"refresh_error,omitempty"`
}

// handleDelete reports a failed reload in the body rather than the status,
// so a caller never retries a delete the device already performed.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if _, err := s.catalog.Delete(r.Context(), path); err != nil {
		s.sendFault(w, r, err)
		return
	}

	resp := deleteResponse{Deleted: path}
	recs, err := s.catalog.Fetch(r.Context())
	if err != nil {
		logging.WithContext(r.Context()).Warn("file list reload after delete failed",
			zap.String("path", path), zap.Error(err))
		resp.RefreshError = err.Error()
		recs = s.catalog.Records()
	}
	resp.Files = recs
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.sendError(w, http.StatusBadRequest, "path is required")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{
		"path": path,
		"url":  catalog.PlaybackURL(s.ctrl.BaseURL(), path),
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.sendError(w, http.StatusBadRequest, "path is required")
		return
	}

	rec, ok := s.catalog.Find(path)
	if !ok {
		if _, err := s.catalog.Fetch(r.Context()); err != nil {
			s.sendFault(w, r, err)
			return
		}
		if rec, ok = s.catalog.Find(path); !ok {
			s.sendError(w, http.StatusNotFound, "recording not found")
			return
		}
	}

	key, err := s.archiver.Archive(r.Context(), rec)
	if err != nil {
		s.sendFault(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"path": path, "key": key, "bytes": rec.Bytes})
}

// ─── Responses ──────────────────────────────────────────────────────────────

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error        string `json:"error"`
	Code         int    `json:"code"`
	Kind         string `json:"kind,omitempty"`
	DeviceStatus string `json:"device_status,omitempty"`
}

// statusFor maps an error to an HTTP status.
func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.DeviceRejected, fault.MissingField, fault.MalformedBody:
		return http.StatusBadGateway
	case fault.Transport:
		return http.StatusGatewayTimeout
	case fault.FatalDisconnect:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) sendFault(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}
	if k := fault.KindOf(err); k != fault.KindUnknown {
		resp.Kind = k.String()
	}
	if dc, ok := fault.Code(err); ok {
		resp.DeviceStatus = dc
	}
	logging.WithContext(r.Context()).Warn("request failed",
		zap.String("path", r.URL.Path),
		zap.Int("status", code),
		zap.Error(err))
	s.sendJSON(w, code, resp)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, ErrorResponse{Error: message, Code: code})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
