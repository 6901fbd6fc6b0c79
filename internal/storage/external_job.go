package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"streamcast/internal/models"
)

func (s *Storage) CreateExternalJob(params CreateExternalJobParams) (models.ExternalJob, error) {
	if strings.TrimSpace(params.SourceURL) == "" {
		return models.ExternalJob{}, fmt.Errorf("source url is required")
	}
	if strings.TrimSpace(params.RTMPTarget) == "" {
		return models.ExternalJob{}, fmt.Errorf("rtmp target is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.TrimSpace(params.ID)
	if id == "" {
		generated, err := generateID()
		if err != nil {
			return models.ExternalJob{}, err
		}
		id = generated
	} else if _, exists := s.data.ExternalJobs[id]; exists {
		return models.ExternalJob{}, fmt.Errorf("external job %s already exists", id)
	}
	now := s.now()
	job := models.ExternalJob{
		ID:         id,
		SourceURL:  strings.TrimSpace(params.SourceURL),
		RTMPTarget: strings.TrimSpace(params.RTMPTarget),
		Status:     models.StatusScheduled,
		ScheduleAt: params.ScheduleAt,
		StopAt:     params.StopAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if job.ScheduleAt == nil {
		job.ScheduleAt = &now
	}
	s.data.ExternalJobs[id] = job
	if err := s.persist(); err != nil {
		delete(s.data.ExternalJobs, id)
		return models.ExternalJob{}, err
	}
	return job, nil
}

func (s *Storage) GetExternalJob(id string) (models.ExternalJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.data.ExternalJobs[id]
	return job, ok
}

func (s *Storage) ListExternalJobs() []models.ExternalJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]models.ExternalJob, 0, len(s.data.ExternalJobs))
	for _, job := range s.data.ExternalJobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

func (s *Storage) DeleteExternalJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.data.ExternalJobs[id]
	if !ok {
		return fmt.Errorf("external job %s: %w", id, ErrNotFound)
	}
	delete(s.data.ExternalJobs, id)
	if err := s.persist(); err != nil {
		s.data.ExternalJobs[id] = job
		return err
	}
	return nil
}

func (s *Storage) UpdateExternalJobStatus(id string, status models.StreamStatus, fields StatusFields) (models.ExternalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.data.ExternalJobs[id]
	if !ok {
		return models.ExternalJob{}, fmt.Errorf("external job %s: %w", id, ErrNotFound)
	}
	original := job

	job.Status = status
	if fields.StartedAt != nil {
		job.StartedAt = fields.StartedAt
	}
	if fields.EndedAt != nil {
		job.EndedAt = fields.EndedAt
	}
	if fields.Progress != nil {
		job.Progress = *fields.Progress
	}
	if fields.ErrorMessage != nil {
		job.ErrorMessage = *fields.ErrorMessage
	}
	if fields.ResolvedTarget != nil {
		job.ResolvedTarget = *fields.ResolvedTarget
	}
	job.UpdatedAt = s.now()

	s.data.ExternalJobs[id] = job
	if err := s.persist(); err != nil {
		s.data.ExternalJobs[id] = original
		return models.ExternalJob{}, err
	}
	return job, nil
}

// FindDueExternalJobs returns scheduled external jobs whose schedule time has
// elapsed, earliest first.
func (s *Storage) FindDueExternalJobs(now time.Time) []models.ExternalJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]models.ExternalJob, 0)
	for _, job := range s.data.ExternalJobs {
		if job.Status != models.StatusScheduled {
			continue
		}
		if job.ScheduleAt == nil || job.ScheduleAt.After(now) {
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if !a.ScheduleAt.Equal(*b.ScheduleAt) {
			return a.ScheduleAt.Before(*b.ScheduleAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return due
}

// FindExpiredStreaming returns streaming records whose stop time has elapsed.
func (s *Storage) FindExpiredStreaming(now time.Time) ([]models.Video, []models.ExternalJob) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0)
	for _, video := range s.data.Videos {
		if video.Status != models.StatusStreaming {
			continue
		}
		if video.StopAt == nil || video.StopAt.After(now) {
			continue
		}
		videos = append(videos, video)
	}
	sortByScheduleExpired(videos)

	jobs := make([]models.ExternalJob, 0)
	for _, job := range s.data.ExternalJobs {
		if job.Status != models.StatusStreaming {
			continue
		}
		if job.StopAt == nil || job.StopAt.After(now) {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StopAt.Before(*jobs[j].StopAt)
	})
	return videos, jobs
}

func sortByScheduleExpired(videos []models.Video) {
	sort.Slice(videos, func(i, j int) bool {
		return videos[i].StopAt.Before(*videos[j].StopAt)
	})
}
