package models

import (
	"fmt"
	"strings"
	"time"
)

// StreamStatus tracks a streamable record through its lifecycle. A record in
// a terminal state is never resurrected; a new start request re-marks it
// scheduled first.
type StreamStatus string

const (
	// StatusLibrary marks an uploaded video with no RTMP assignment yet.
	StatusLibrary StreamStatus = "library"
	// StatusScheduled marks a record waiting for its schedule time.
	StatusScheduled StreamStatus = "scheduled"
	// StatusStreaming marks a record whose transcode process is live.
	StatusStreaming StreamStatus = "streaming"
	// StatusCompleted marks a stream that reached its natural end.
	StatusCompleted StreamStatus = "completed"
	// StatusFailed marks a stream whose process could not be spawned or
	// exited abnormally.
	StatusFailed StreamStatus = "failed"
	// StatusCancelled marks an operator-initiated stop.
	StatusCancelled StreamStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s StreamStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseStreamStatus validates a raw status value.
func ParseStreamStatus(raw string) (StreamStatus, error) {
	status := StreamStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusLibrary, StatusScheduled, StatusStreaming, StatusCompleted, StatusFailed, StatusCancelled:
		return status, nil
	}
	return "", fmt.Errorf("unknown stream status %q", raw)
}

// PlaylistStatus tracks a playlist through its run.
type PlaylistStatus string

const (
	PlaylistScheduled PlaylistStatus = "scheduled"
	PlaylistRunning   PlaylistStatus = "running"
	PlaylistCompleted PlaylistStatus = "completed"
	PlaylistCancelled PlaylistStatus = "cancelled"
)

// Video is a persisted media asset backed by a local file.
type Video struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	SourcePath      string       `json:"sourcePath"`
	DurationSeconds float64      `json:"durationSeconds,omitempty"`
	RTMPTarget      string       `json:"rtmpTarget,omitempty"`
	ResolvedTarget  string       `json:"resolvedTarget,omitempty"`
	PlaylistID      string       `json:"playlistId,omitempty"`
	Status          StreamStatus `json:"status"`
	Progress        float64      `json:"progress"`
	ScheduleAt      *time.Time   `json:"scheduleAt,omitempty"`
	StopAt          *time.Time   `json:"stopAt,omitempty"`
	StartedAt       *time.Time   `json:"startedAt,omitempty"`
	EndedAt         *time.Time   `json:"endedAt,omitempty"`
	ErrorMessage    string       `json:"errorMessage,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Playlist is an ordered sequence of video references streamed back to back.
// CurrentIndex is the cursor into ItemIDs; reaching len(ItemIDs) signals a
// completed cycle, resolved on the next scheduler tick into a cursor reset
// (loop) or terminal completion.
type Playlist struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	ItemIDs      []string       `json:"itemIds"`
	CurrentIndex int            `json:"currentIndex"`
	Loop         bool           `json:"loop"`
	RTMPTarget   string         `json:"rtmpTarget,omitempty"`
	Status       PlaylistStatus `json:"status"`
	ScheduleAt   *time.Time     `json:"scheduleAt,omitempty"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// ExternalJob streams a remote URL to an RTMP target. Unlike videos, external
// jobs have no backing file and no library pre-state.
type ExternalJob struct {
	ID             string       `json:"id"`
	SourceURL      string       `json:"sourceUrl"`
	RTMPTarget     string       `json:"rtmpTarget"`
	ResolvedTarget string       `json:"resolvedTarget,omitempty"`
	Status         StreamStatus `json:"status"`
	Progress       float64      `json:"progress"`
	ScheduleAt     *time.Time   `json:"scheduleAt,omitempty"`
	StopAt         *time.Time   `json:"stopAt,omitempty"`
	StartedAt      *time.Time   `json:"startedAt,omitempty"`
	EndedAt        *time.Time   `json:"endedAt,omitempty"`
	ErrorMessage   string       `json:"errorMessage,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}
