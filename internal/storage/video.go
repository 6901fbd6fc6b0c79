package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"streamcast/internal/models"
)

func initialVideoStatus(params CreateVideoParams) models.StreamStatus {
	if strings.TrimSpace(params.RTMPTarget) == "" || params.ScheduleAt == nil {
		return models.StatusLibrary
	}
	return models.StatusScheduled
}

func (s *Storage) CreateVideo(params CreateVideoParams) (models.Video, error) {
	if strings.TrimSpace(params.Title) == "" {
		return models.Video{}, fmt.Errorf("video title is required")
	}
	if strings.TrimSpace(params.SourcePath) == "" {
		return models.Video{}, fmt.Errorf("video source path is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := generateID()
	if err != nil {
		return models.Video{}, err
	}
	now := s.now()
	video := models.Video{
		ID:              id,
		Title:           strings.TrimSpace(params.Title),
		SourcePath:      params.SourcePath,
		DurationSeconds: params.DurationSeconds,
		RTMPTarget:      strings.TrimSpace(params.RTMPTarget),
		PlaylistID:      params.PlaylistID,
		Status:          initialVideoStatus(params),
		ScheduleAt:      params.ScheduleAt,
		StopAt:          params.StopAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		delete(s.data.Videos, id)
		return models.Video{}, err
	}
	return video, nil
}

func (s *Storage) GetVideo(id string) (models.Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.data.Videos[id]
	return video, ok
}

func (s *Storage) ListVideos() []models.Video {
	s.mu.RLock()
	defer s.mu.RUnlock()
	videos := make([]models.Video, 0, len(s.data.Videos))
	for _, video := range s.data.Videos {
		videos = append(videos, video)
	}
	sort.Slice(videos, func(i, j int) bool {
		return videos[i].CreatedAt.Before(videos[j].CreatedAt)
	})
	return videos
}

func (s *Storage) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	original := video

	if update.Title != nil {
		video.Title = strings.TrimSpace(*update.Title)
	}
	if update.SourcePath != nil {
		video.SourcePath = *update.SourcePath
	}
	if update.DurationSeconds != nil {
		video.DurationSeconds = *update.DurationSeconds
	}
	if update.RTMPTarget != nil {
		video.RTMPTarget = strings.TrimSpace(*update.RTMPTarget)
	}
	if update.PlaylistID != nil {
		video.PlaylistID = *update.PlaylistID
	}
	if update.ClearSchedule {
		video.ScheduleAt = nil
	} else if update.ScheduleAt != nil {
		video.ScheduleAt = update.ScheduleAt
	}
	if update.ClearStop {
		video.StopAt = nil
	} else if update.StopAt != nil {
		video.StopAt = update.StopAt
	}
	video.UpdatedAt = s.now()

	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		s.data.Videos[id] = original
		return models.Video{}, err
	}
	return video, nil
}

func (s *Storage) DeleteVideo(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	delete(s.data.Videos, id)
	if err := s.persist(); err != nil {
		s.data.Videos[id] = video
		return err
	}
	return nil
}

func (s *Storage) UpdateVideoStatus(id string, status models.StreamStatus, fields StatusFields) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	original := video

	video.Status = status
	applyVideoStatusFields(&video, fields)
	video.UpdatedAt = s.now()

	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		s.data.Videos[id] = original
		return models.Video{}, err
	}
	return video, nil
}

func applyVideoStatusFields(video *models.Video, fields StatusFields) {
	if fields.StartedAt != nil {
		video.StartedAt = fields.StartedAt
	}
	if fields.EndedAt != nil {
		video.EndedAt = fields.EndedAt
	}
	if fields.Progress != nil {
		video.Progress = *fields.Progress
	}
	if fields.ErrorMessage != nil {
		video.ErrorMessage = *fields.ErrorMessage
	}
	if fields.ResolvedTarget != nil {
		video.ResolvedTarget = *fields.ResolvedTarget
	}
}

// FindDueVideos returns scheduled standalone videos whose schedule time has
// elapsed, earliest first. Ties are broken by creation order. Videos attached
// to a playlist are started by playlist admission, never directly.
func (s *Storage) FindDueVideos(now time.Time) []models.Video {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]models.Video, 0)
	for _, video := range s.data.Videos {
		if video.Status != models.StatusScheduled || video.PlaylistID != "" {
			continue
		}
		if video.ScheduleAt == nil || video.ScheduleAt.After(now) {
			continue
		}
		due = append(due, video)
	}
	sortByScheduleVideos(due)
	return due
}

func sortByScheduleVideos(videos []models.Video) {
	sort.Slice(videos, func(i, j int) bool {
		a, b := videos[i], videos[j]
		if !a.ScheduleAt.Equal(*b.ScheduleAt) {
			return a.ScheduleAt.Before(*b.ScheduleAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
