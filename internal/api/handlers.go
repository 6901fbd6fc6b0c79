package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"streamcast/internal/models"
	"streamcast/internal/storage"
	"streamcast/internal/stream"
)

// Streamer is the engine surface the handlers drive.
type Streamer interface {
	StartFileStream(ctx context.Context, videoID string, opts stream.StartOptions) (models.Video, error)
	StartURLStream(ctx context.Context, sourceURL, target string, opts stream.StartOptions) (models.ExternalJob, error)
	Stop(ctx context.Context, id string) bool
	Status(id string) (stream.StatusInfo, bool)
	ListActive() []stream.StatusInfo
}

// Handler exposes the HTTP API over the datastore and the stream engine.
type Handler struct {
	Store   storage.Repository
	Streams Streamer
	Logger  *slog.Logger
}

// NewHandler builds a Handler.
func NewHandler(store storage.Repository, streams Streamer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Store: store, Streams: streams, Logger: logger}
}

// streamErrorStatus maps engine error kinds onto HTTP statuses.
func streamErrorStatus(err error) int {
	switch {
	case errors.Is(err, stream.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, stream.ErrNotFound), errors.Is(err, stream.ErrSourceMissing):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrInvalidTarget):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
}

// Health reports datastore reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createVideoRequest struct {
	Title           string     `json:"title"`
	SourcePath      string     `json:"sourcePath"`
	DurationSeconds float64    `json:"durationSeconds"`
	RTMPTarget      string     `json:"rtmpTarget"`
	ScheduleAt      *time.Time `json:"scheduleAt"`
	StopAt          *time.Time `json:"stopAt"`
}

type updateVideoRequest struct {
	Title           *string    `json:"title"`
	SourcePath      *string    `json:"sourcePath"`
	DurationSeconds *float64   `json:"durationSeconds"`
	RTMPTarget      *string    `json:"rtmpTarget"`
	ScheduleAt      *time.Time `json:"scheduleAt"`
	ClearSchedule   bool       `json:"clearSchedule"`
	StopAt          *time.Time `json:"stopAt"`
	ClearStop       bool       `json:"clearStop"`
}

type startStreamRequest struct {
	Target string `json:"target"`
	Loop   bool   `json:"loop"`
}

// Videos handles the collection routes: list and register.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Store.ListVideos())
	case http.MethodPost:
		var req createVideoRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		video, err := h.Store.CreateVideo(storage.CreateVideoParams{
			Title:           req.Title,
			SourcePath:      req.SourcePath,
			DurationSeconds: req.DurationSeconds,
			RTMPTarget:      req.RTMPTarget,
			ScheduleAt:      req.ScheduleAt,
			StopAt:          req.StopAt,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, video)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

// VideoByID handles per-record routes plus the start/stop/status actions.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/videos/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("video id missing"))
		return
	}
	videoID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			video, ok := h.Store.GetVideo(videoID)
			if !ok {
				writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
				return
			}
			writeJSON(w, http.StatusOK, video)
		case http.MethodPatch:
			var req updateVideoRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			video, err := h.Store.UpdateVideo(videoID, storage.VideoUpdate{
				Title:           req.Title,
				SourcePath:      req.SourcePath,
				DurationSeconds: req.DurationSeconds,
				RTMPTarget:      req.RTMPTarget,
				ScheduleAt:      req.ScheduleAt,
				ClearSchedule:   req.ClearSchedule,
				StopAt:          req.StopAt,
				ClearStop:       req.ClearStop,
			})
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, video)
		case http.MethodDelete:
			if err := h.Store.DeleteVideo(videoID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				writeError(w, http.StatusBadRequest, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, "GET, PATCH, DELETE")
		}
		return
	}

	switch parts[1] {
	case "start":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		var req startStreamRequest
		if r.ContentLength > 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		video, err := h.Streams.StartFileStream(r.Context(), videoID, stream.StartOptions{
			OverrideTarget: req.Target,
			Loop:           req.Loop,
		})
		if err != nil {
			writeError(w, streamErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, video)
	case "stop":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		if !h.Streams.Stop(r.Context(), videoID) {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s is not streaming", videoID))
			return
		}
		video, _ := h.Store.GetVideo(videoID)
		writeJSON(w, http.StatusOK, video)
	case "status":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, "GET")
			return
		}
		if info, ok := h.Streams.Status(videoID); ok {
			writeJSON(w, http.StatusOK, info)
			return
		}
		video, ok := h.Store.GetVideo(videoID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
			return
		}
		writeJSON(w, http.StatusOK, video)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown video action %q", parts[1]))
	}
}

type createPlaylistRequest struct {
	Name       string     `json:"name"`
	ItemIDs    []string   `json:"itemIds"`
	Loop       bool       `json:"loop"`
	RTMPTarget string     `json:"rtmpTarget"`
	ScheduleAt *time.Time `json:"scheduleAt"`
}

type updatePlaylistRequest struct {
	Name          *string    `json:"name"`
	ItemIDs       []string   `json:"itemIds"`
	Loop          *bool      `json:"loop"`
	RTMPTarget    *string    `json:"rtmpTarget"`
	ScheduleAt    *time.Time `json:"scheduleAt"`
	ClearSchedule bool       `json:"clearSchedule"`
}

// Playlists handles the playlist collection routes.
func (h *Handler) Playlists(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Store.ListPlaylists())
	case http.MethodPost:
		var req createPlaylistRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		playlist, err := h.Store.CreatePlaylist(storage.CreatePlaylistParams{
			Name:       req.Name,
			ItemIDs:    req.ItemIDs,
			Loop:       req.Loop,
			RTMPTarget: req.RTMPTarget,
			ScheduleAt: req.ScheduleAt,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, playlist)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

// PlaylistByID handles per-playlist routes plus the start/stop actions.
// Start marks the playlist running from its first item; the admission loop
// picks it up on its next pass.
func (h *Handler) PlaylistByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/playlists/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("playlist id missing"))
		return
	}
	playlistID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			playlist, ok := h.Store.GetPlaylist(playlistID)
			if !ok {
				writeError(w, http.StatusNotFound, fmt.Errorf("playlist %s not found", playlistID))
				return
			}
			writeJSON(w, http.StatusOK, playlist)
		case http.MethodPatch:
			var req updatePlaylistRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			playlist, err := h.Store.UpdatePlaylist(playlistID, storage.PlaylistUpdate{
				Name:          req.Name,
				ItemIDs:       req.ItemIDs,
				Loop:          req.Loop,
				RTMPTarget:    req.RTMPTarget,
				ScheduleAt:    req.ScheduleAt,
				ClearSchedule: req.ClearSchedule,
			})
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, playlist)
		case http.MethodDelete:
			if err := h.Store.DeletePlaylist(playlistID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				writeError(w, http.StatusBadRequest, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, "GET, PATCH, DELETE")
		}
		return
	}

	switch parts[1] {
	case "start":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		playlist, ok := h.Store.GetPlaylist(playlistID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("playlist %s not found", playlistID))
			return
		}
		if playlist.Status == models.PlaylistRunning {
			writeError(w, http.StatusConflict, fmt.Errorf("playlist %s is already running", playlistID))
			return
		}
		if _, err := h.Store.SetPlaylistCursor(playlistID, 0); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		now := time.Now().UTC()
		playlist, err := h.Store.UpdatePlaylistStatus(playlistID, models.PlaylistRunning,
			storage.StatusFields{StartedAt: &now})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, playlist)
	case "stop":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		playlist, ok := h.Store.GetPlaylist(playlistID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("playlist %s not found", playlistID))
			return
		}
		if playlist.Status != models.PlaylistRunning {
			writeError(w, http.StatusConflict, fmt.Errorf("playlist %s is not running", playlistID))
			return
		}
		for _, info := range h.Streams.ListActive() {
			if info.PlaylistID == playlistID {
				h.Streams.Stop(r.Context(), info.ID)
			}
		}
		now := time.Now().UTC()
		playlist, err := h.Store.UpdatePlaylistStatus(playlistID, models.PlaylistCancelled,
			storage.StatusFields{EndedAt: &now})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, playlist)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown playlist action %q", parts[1]))
	}
}

type createExternalJobRequest struct {
	SourceURL  string     `json:"sourceUrl"`
	RTMPTarget string     `json:"rtmpTarget"`
	ScheduleAt *time.Time `json:"scheduleAt"`
	StopAt     *time.Time `json:"stopAt"`
}

// ExternalJobs handles the external URL job collection routes.
func (h *Handler) ExternalJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Store.ListExternalJobs())
	case http.MethodPost:
		var req createExternalJobRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := stream.ValidateTarget(req.RTMPTarget); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		job, err := h.Store.CreateExternalJob(storage.CreateExternalJobParams{
			SourceURL:  req.SourceURL,
			RTMPTarget: req.RTMPTarget,
			ScheduleAt: req.ScheduleAt,
			StopAt:     req.StopAt,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

// ExternalJobByID handles per-job routes plus the start/stop actions.
func (h *Handler) ExternalJobByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("job id missing"))
		return
	}
	jobID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			job, ok := h.Store.GetExternalJob(jobID)
			if !ok {
				writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", jobID))
				return
			}
			writeJSON(w, http.StatusOK, job)
		case http.MethodDelete:
			if err := h.Store.DeleteExternalJob(jobID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				writeError(w, http.StatusBadRequest, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, "GET, DELETE")
		}
		return
	}

	switch parts[1] {
	case "start":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		job, err := h.Streams.StartURLStream(r.Context(), "", "", stream.StartOptions{JobID: jobID})
		if err != nil {
			writeError(w, streamErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case "stop":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		if !h.Streams.Stop(r.Context(), jobID) {
			writeError(w, http.StatusNotFound, fmt.Errorf("job %s is not streaming", jobID))
			return
		}
		job, _ := h.Store.GetExternalJob(jobID)
		writeJSON(w, http.StatusOK, job)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown job action %q", parts[1]))
	}
}

type instantLiveRequest struct {
	SourceURL string `json:"sourceUrl"`
	Target    string `json:"target"`
}

// InstantLive starts relaying a remote source immediately, without a
// pre-registered job record.
func (h *Handler) InstantLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	var req instantLiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.SourceURL) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sourceUrl is required"))
		return
	}
	job, err := h.Streams.StartURLStream(r.Context(), req.SourceURL, req.Target, stream.StartOptions{})
	if err != nil {
		writeError(w, streamErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// ActiveStreams lists a snapshot of every live stream.
func (h *Handler) ActiveStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	writeJSON(w, http.StatusOK, h.Streams.ListActive())
}
