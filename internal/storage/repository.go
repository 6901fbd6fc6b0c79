package storage

import (
	"context"
	"errors"
	"time"

	"streamcast/internal/models"
)

// ErrNotFound is returned when a persisted record does not exist. Status
// writers treat it as a benign skip: a record deleted while its stream is
// active must not produce a zombie write.
var ErrNotFound = errors.New("record not found")

// StatusFields carries the optional attributes written alongside a status
// transition. Nil fields are left untouched.
type StatusFields struct {
	StartedAt      *time.Time
	EndedAt        *time.Time
	Progress       *float64
	ErrorMessage   *string
	ResolvedTarget *string
}

// CreateVideoParams captures the attributes accepted when registering a video.
type CreateVideoParams struct {
	Title           string
	SourcePath      string
	DurationSeconds float64
	RTMPTarget      string
	PlaylistID      string
	ScheduleAt      *time.Time
	StopAt          *time.Time
}

// VideoUpdate mutates a video record. Pointer fields are applied only when
// non-nil; the Clear flags reset the corresponding schedule timestamps.
type VideoUpdate struct {
	Title           *string
	SourcePath      *string
	DurationSeconds *float64
	RTMPTarget      *string
	PlaylistID      *string
	ScheduleAt      *time.Time
	ClearSchedule   bool
	StopAt          *time.Time
	ClearStop       bool
}

// CreatePlaylistParams captures the attributes accepted when creating a playlist.
type CreatePlaylistParams struct {
	Name       string
	ItemIDs    []string
	Loop       bool
	RTMPTarget string
	ScheduleAt *time.Time
}

// PlaylistUpdate mutates a playlist record.
type PlaylistUpdate struct {
	Name          *string
	ItemIDs       []string
	Loop          *bool
	RTMPTarget    *string
	ScheduleAt    *time.Time
	ClearSchedule bool
}

// CreateExternalJobParams captures the attributes accepted when scheduling an
// external URL job. ID is optional; when empty the store generates one, and
// callers that mint their own job tokens pass it through.
type CreateExternalJobParams struct {
	ID         string
	SourceURL  string
	RTMPTarget string
	ScheduleAt *time.Time
	StopAt     *time.Time
}

// Repository exposes the datastore operations required by the API handlers,
// the stream orchestration engine, and the scheduling loop.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateVideo(params CreateVideoParams) (models.Video, error)
	GetVideo(id string) (models.Video, bool)
	ListVideos() []models.Video
	UpdateVideo(id string, update VideoUpdate) (models.Video, error)
	DeleteVideo(id string) error
	UpdateVideoStatus(id string, status models.StreamStatus, fields StatusFields) (models.Video, error)
	FindDueVideos(now time.Time) []models.Video

	CreatePlaylist(params CreatePlaylistParams) (models.Playlist, error)
	GetPlaylist(id string) (models.Playlist, bool)
	ListPlaylists() []models.Playlist
	UpdatePlaylist(id string, update PlaylistUpdate) (models.Playlist, error)
	DeletePlaylist(id string) error
	UpdatePlaylistStatus(id string, status models.PlaylistStatus, fields StatusFields) (models.Playlist, error)
	SetPlaylistCursor(id string, index int) (models.Playlist, error)
	FindDuePlaylists(now time.Time) []models.Playlist
	FindRunningPlaylists() []models.Playlist

	CreateExternalJob(params CreateExternalJobParams) (models.ExternalJob, error)
	GetExternalJob(id string) (models.ExternalJob, bool)
	ListExternalJobs() []models.ExternalJob
	DeleteExternalJob(id string) error
	UpdateExternalJobStatus(id string, status models.StreamStatus, fields StatusFields) (models.ExternalJob, error)
	FindDueExternalJobs(now time.Time) []models.ExternalJob

	// FindExpiredStreaming returns every record still marked streaming whose
	// configured stop time has elapsed. The scheduling loop stops these
	// before attempting any new admission.
	FindExpiredStreaming(now time.Time) ([]models.Video, []models.ExternalJob)
}

var _ Repository = (*Storage)(nil)
