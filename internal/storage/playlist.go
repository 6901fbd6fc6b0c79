package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"streamcast/internal/models"
)

func (s *Storage) CreatePlaylist(params CreatePlaylistParams) (models.Playlist, error) {
	if strings.TrimSpace(params.Name) == "" {
		return models.Playlist{}, fmt.Errorf("playlist name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, itemID := range params.ItemIDs {
		if _, ok := s.data.Videos[itemID]; !ok {
			return models.Playlist{}, fmt.Errorf("playlist item %s: %w", itemID, ErrNotFound)
		}
	}

	id, err := generateID()
	if err != nil {
		return models.Playlist{}, err
	}
	now := s.now()
	playlist := models.Playlist{
		ID:         id,
		Name:       strings.TrimSpace(params.Name),
		ItemIDs:    append([]string(nil), params.ItemIDs...),
		Loop:       params.Loop,
		RTMPTarget: strings.TrimSpace(params.RTMPTarget),
		Status:     models.PlaylistScheduled,
		ScheduleAt: params.ScheduleAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.data.Playlists[id] = playlist

	originals := make(map[string]models.Video, len(params.ItemIDs))
	for _, itemID := range params.ItemIDs {
		video := s.data.Videos[itemID]
		originals[itemID] = video
		video.PlaylistID = id
		video.UpdatedAt = now
		s.data.Videos[itemID] = video
	}

	if err := s.persist(); err != nil {
		delete(s.data.Playlists, id)
		for itemID, video := range originals {
			s.data.Videos[itemID] = video
		}
		return models.Playlist{}, err
	}
	return playlist, nil
}

func (s *Storage) GetPlaylist(id string) (models.Playlist, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	playlist, ok := s.data.Playlists[id]
	return playlist, ok
}

func (s *Storage) ListPlaylists() []models.Playlist {
	s.mu.RLock()
	defer s.mu.RUnlock()
	playlists := make([]models.Playlist, 0, len(s.data.Playlists))
	for _, playlist := range s.data.Playlists {
		playlists = append(playlists, playlist)
	}
	sort.Slice(playlists, func(i, j int) bool {
		return playlists[i].CreatedAt.Before(playlists[j].CreatedAt)
	})
	return playlists
}

func (s *Storage) UpdatePlaylist(id string, update PlaylistUpdate) (models.Playlist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	playlist, ok := s.data.Playlists[id]
	if !ok {
		return models.Playlist{}, fmt.Errorf("playlist %s: %w", id, ErrNotFound)
	}
	original := playlist

	if update.Name != nil {
		playlist.Name = strings.TrimSpace(*update.Name)
	}
	if update.ItemIDs != nil {
		for _, itemID := range update.ItemIDs {
			if _, ok := s.data.Videos[itemID]; !ok {
				return models.Playlist{}, fmt.Errorf("playlist item %s: %w", itemID, ErrNotFound)
			}
		}
		playlist.ItemIDs = append([]string(nil), update.ItemIDs...)
		if playlist.CurrentIndex > len(playlist.ItemIDs) {
			playlist.CurrentIndex = len(playlist.ItemIDs)
		}
	}
	if update.Loop != nil {
		playlist.Loop = *update.Loop
	}
	if update.RTMPTarget != nil {
		playlist.RTMPTarget = strings.TrimSpace(*update.RTMPTarget)
	}
	if update.ClearSchedule {
		playlist.ScheduleAt = nil
	} else if update.ScheduleAt != nil {
		playlist.ScheduleAt = update.ScheduleAt
	}
	playlist.UpdatedAt = s.now()

	s.data.Playlists[id] = playlist
	if err := s.persist(); err != nil {
		s.data.Playlists[id] = original
		return models.Playlist{}, err
	}
	return playlist, nil
}

func (s *Storage) DeletePlaylist(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	playlist, ok := s.data.Playlists[id]
	if !ok {
		return fmt.Errorf("playlist %s: %w", id, ErrNotFound)
	}
	delete(s.data.Playlists, id)

	now := s.now()
	originals := make(map[string]models.Video)
	for videoID, video := range s.data.Videos {
		if video.PlaylistID != id {
			continue
		}
		originals[videoID] = video
		video.PlaylistID = ""
		video.UpdatedAt = now
		s.data.Videos[videoID] = video
	}

	if err := s.persist(); err != nil {
		s.data.Playlists[id] = playlist
		for videoID, video := range originals {
			s.data.Videos[videoID] = video
		}
		return err
	}
	return nil
}

func (s *Storage) UpdatePlaylistStatus(id string, status models.PlaylistStatus, fields StatusFields) (models.Playlist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	playlist, ok := s.data.Playlists[id]
	if !ok {
		return models.Playlist{}, fmt.Errorf("playlist %s: %w", id, ErrNotFound)
	}
	original := playlist

	playlist.Status = status
	if fields.StartedAt != nil {
		playlist.StartedAt = fields.StartedAt
	}
	if fields.EndedAt != nil {
		playlist.EndedAt = fields.EndedAt
	}
	playlist.UpdatedAt = s.now()

	s.data.Playlists[id] = playlist
	if err := s.persist(); err != nil {
		s.data.Playlists[id] = original
		return models.Playlist{}, err
	}
	return playlist, nil
}

// SetPlaylistCursor moves the playback cursor. The cursor may equal the item
// count; that position marks a completed cycle awaiting the next tick.
func (s *Storage) SetPlaylistCursor(id string, index int) (models.Playlist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	playlist, ok := s.data.Playlists[id]
	if !ok {
		return models.Playlist{}, fmt.Errorf("playlist %s: %w", id, ErrNotFound)
	}
	if index < 0 || index > len(playlist.ItemIDs) {
		return models.Playlist{}, fmt.Errorf("cursor %d out of range for playlist %s", index, id)
	}
	original := playlist

	playlist.CurrentIndex = index
	playlist.UpdatedAt = s.now()

	s.data.Playlists[id] = playlist
	if err := s.persist(); err != nil {
		s.data.Playlists[id] = original
		return models.Playlist{}, err
	}
	return playlist, nil
}

// FindDuePlaylists returns scheduled playlists whose schedule time has
// elapsed, earliest first.
func (s *Storage) FindDuePlaylists(now time.Time) []models.Playlist {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]models.Playlist, 0)
	for _, playlist := range s.data.Playlists {
		if playlist.Status != models.PlaylistScheduled {
			continue
		}
		if playlist.ScheduleAt == nil || playlist.ScheduleAt.After(now) {
			continue
		}
		due = append(due, playlist)
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

// FindRunningPlaylists returns running playlists ordered by least recently
// touched first, so admission resumes the longest-idle playlist.
func (s *Storage) FindRunningPlaylists() []models.Playlist {
	s.mu.RLock()
	defer s.mu.RUnlock()

	running := make([]models.Playlist, 0)
	for _, playlist := range s.data.Playlists {
		if playlist.Status == models.PlaylistRunning {
			running = append(running, playlist)
		}
	}
	sort.Slice(running, func(i, j int) bool {
		return running[i].UpdatedAt.Before(running[j].UpdatedAt)
	})
	return running
}
