package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"visionflow/internal/coordinator"
	"visionflow/internal/store"
)

// maxUploadBytes bounds a single media upload.
const maxUploadBytes = 64 << 20

// Prompts returned with 409 when a destructive call lacks ?confirm=true.
const (
	promptDeleteDevice = "Remove device %q?"
	promptDeleteAsset  = "Remove this file permanently from the local store?"
)

func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot().Public())
}

func (s *Server) handleAPISyncAll(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.SyncAll(r.Context()); err != nil {
		s.writeError(w, "sync all", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- assets ---

func (s *Server) handleAPIListAssets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, coordinator.PublicAssets(s.coord.Snapshot().Assets))
}

func (s *Server) handleAPIUploadAsset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read upload failed"})
		return
	}
	asset, err := s.coord.UploadAsset(r.Context(), header.Filename, data)
	if err != nil {
		s.writeError(w, "upload asset", err)
		return
	}
	asset.BinaryContent = nil
	s.writeJSON(w, http.StatusCreated, asset)
}

func (s *Server) handleAPIDeleteAsset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !confirmed(r) {
		s.writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "confirmation required",
			"prompt": promptDeleteAsset,
		})
		return
	}
	if err := s.coord.DeleteAsset(r.Context(), id); err != nil {
		s.writeError(w, "delete asset", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIAnalyzeAsset(w http.ResponseWriter, r *http.Request) {
	meta, err := s.coord.AnalyzeAsset(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "analyze asset", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"analyzed":   meta != nil,
		"aiMetadata": meta,
	})
}

// --- devices ---

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot().Devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.coord.Snapshot().Device(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type pairDeviceRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func (s *Server) handleAPIPairDevice(w http.ResponseWriter, r *http.Request) {
	var req pairDeviceRequest
	if !s.decode(w, r, &req) {
		return
	}
	dev, err := s.coord.PairDevice(r.Context(), req.Code, req.Name)
	if err != nil {
		s.writeError(w, "pair device", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !confirmed(r) {
		name := id
		if dev, ok := s.coord.Snapshot().Device(id); ok {
			name = dev.Name
		}
		s.writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "confirmation required",
			"prompt": fmt.Sprintf(promptDeleteDevice, name),
		})
		return
	}
	if err := s.coord.DeleteDevice(r.Context(), id); err != nil {
		s.writeError(w, "delete device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type assignPlaylistRequest struct {
	PlaylistID string `json:"playlistId"`
}

func (s *Server) handleAPIAssignPlaylist(w http.ResponseWriter, r *http.Request) {
	var req assignPlaylistRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.coord.AssignPlaylist(r.Context(), r.PathValue("id"), req.PlaylistID); err != nil {
		s.writeError(w, "assign playlist", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "playlistId": req.PlaylistID})
}

// --- playlists ---

func (s *Server) handleAPIListPlaylists(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot().Playlists)
}

func (s *Server) handleAPICreatePlaylist(w http.ResponseWriter, r *http.Request) {
	p, err := s.coord.CreatePlaylist(r.Context())
	if err != nil {
		s.writeError(w, "create playlist", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleAPIUpdatePlaylist(w http.ResponseWriter, r *http.Request) {
	var p store.Playlist
	if !s.decode(w, r, &p) {
		return
	}
	p.ID = r.PathValue("id")
	if err := s.coord.UpdatePlaylist(r.Context(), p); err != nil {
		s.writeError(w, "update playlist", err)
		return
	}
	got, _ := s.coord.Snapshot().Playlist(p.ID)
	s.writeJSON(w, http.StatusOK, got)
}

type renamePlaylistRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPIRenamePlaylist(w http.ResponseWriter, r *http.Request) {
	var req renamePlaylistRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.coord.RenamePlaylist(r.Context(), r.PathValue("id"), req.Name); err != nil {
		s.writeError(w, "rename playlist", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": req.Name})
}

func (s *Server) handleAPIDeletePlaylist(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DeletePlaylist(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, "delete playlist", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type addItemRequest struct {
	AssetID string `json:"assetId"`
}

func (s *Server) handleAPIAddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.coord.PlaylistAddItem(r.Context(), id, req.AssetID); err != nil {
		s.writeError(w, "add playlist item", err)
		return
	}
	got, _ := s.coord.Snapshot().Playlist(id)
	s.writeJSON(w, http.StatusOK, got)
}

type setDurationRequest struct {
	Duration int `json:"duration"`
}

func (s *Server) handleAPISetItemDuration(w http.ResponseWriter, r *http.Request) {
	var req setDurationRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.coord.PlaylistSetDuration(r.Context(), id, r.PathValue("assetId"), req.Duration); err != nil {
		s.writeError(w, "set item duration", err)
		return
	}
	got, _ := s.coord.Snapshot().Playlist(id)
	s.writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleAPIRemoveItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.coord.PlaylistRemoveItem(r.Context(), id, r.PathValue("assetId")); err != nil {
		s.writeError(w, "remove playlist item", err)
		return
	}
	got, _ := s.coord.Snapshot().Playlist(id)
	s.writeJSON(w, http.StatusOK, got)
}

// handleAPISuggestName returns an advisory name; ?apply=true also renames.
func (s *Server) handleAPISuggestName(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	name, err := s.coord.SuggestPlaylistName(r.Context(), id)
	if err != nil {
		s.writeError(w, "suggest playlist name", err)
		return
	}
	apply, _ := strconv.ParseBool(r.URL.Query().Get("apply"))
	if apply {
		if err := s.coord.RenamePlaylist(r.Context(), id, name); err != nil {
			s.writeError(w, "rename playlist", err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "applied": apply})
}

// --- schedules ---

func (s *Server) handleAPIListSchedules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot().Schedules)
}

func (s *Server) handleAPISaveSchedule(w http.ResponseWriter, r *http.Request) {
	var sch store.Schedule
	if !s.decode(w, r, &sch) {
		return
	}
	saved, err := s.coord.SaveSchedule(r.Context(), sch)
	if err != nil {
		s.writeError(w, "save schedule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleAPIDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DeleteSchedule(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, "delete schedule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIScheduleAdvice(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"advice": s.coord.ScheduleAdvice(r.Context())})
}

// --- terminals ---

func (s *Server) handleAPIPendingPairing(w http.ResponseWriter, r *http.Request) {
	if s.pairing == nil {
		s.writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	pending, err := s.pairing.Pending(r.Context())
	if err != nil {
		s.logger.Error("list pending terminals", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	// A code paired from another context may still be listed until it expires.
	snap := s.coord.Snapshot()
	out := pending[:0]
	for _, p := range pending {
		if _, ok := snap.DeviceByCode(p.Code); !ok {
			out = append(out, p)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIListTerminals(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		s.writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.fleet.Frames())
}

type setOnlineRequest struct {
	Online bool `json:"online"`
}

func (s *Server) handleAPISetOnline(w http.ResponseWriter, r *http.Request) {
	var req setOnlineRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.fleet == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "terminal not found"})
		return
	}
	term, ok := s.fleet.Get(r.PathValue("code"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "terminal not found"})
		return
	}
	term.Engine().SetOnline(req.Online)
	s.writeJSON(w, http.StatusOK, term.Engine().Frame())
}

// --- helpers ---

func confirmed(r *http.Request) bool {
	ok, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	return ok
}

// decode reads a JSON body of at most 1 MB into v, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeError maps coordinator errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, coordinator.ErrInvalid):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error(op, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
