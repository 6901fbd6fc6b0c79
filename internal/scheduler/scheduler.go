// Package scheduler drives the periodic admission loop: it stops streams
// whose stop time has elapsed, settles finished playlists, and starts at most
// one due stream per tick in strict priority order.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"streamcast/internal/models"
	"streamcast/internal/storage"
	"streamcast/internal/stream"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = time.Minute

// Engine is the slice of the orchestration engine the scheduler drives.
type Engine interface {
	StartFileStream(ctx context.Context, videoID string, opts stream.StartOptions) (models.Video, error)
	StartURLStream(ctx context.Context, sourceURL, target string, opts stream.StartOptions) (models.ExternalJob, error)
	Stop(ctx context.Context, id string) bool
	ActiveCount() int
}

// Store is the slice of the datastore the scheduler reads and reconciles.
type Store interface {
	FindExpiredStreaming(now time.Time) ([]models.Video, []models.ExternalJob)
	FindRunningPlaylists() []models.Playlist
	FindDuePlaylists(now time.Time) []models.Playlist
	FindDueVideos(now time.Time) []models.Video
	FindDueExternalJobs(now time.Time) []models.ExternalJob
	UpdateVideoStatus(id string, status models.StreamStatus, fields storage.StatusFields) (models.Video, error)
	UpdateExternalJobStatus(id string, status models.StreamStatus, fields storage.StatusFields) (models.ExternalJob, error)
	UpdatePlaylistStatus(id string, status models.PlaylistStatus, fields storage.StatusFields) (models.Playlist, error)
	SetPlaylistCursor(id string, index int) (models.Playlist, error)
}

// MetricsSink receives scheduling measurements. A nil sink becomes a no-op.
type MetricsSink interface {
	TickCompleted(duration time.Duration)
	AdmissionAttempted(kind string, succeeded bool)
}

type noopMetrics struct{}

func (noopMetrics) TickCompleted(time.Duration) {}
func (noopMetrics) AdmissionAttempted(string, bool) {}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }
func (t timeTicker) Stop() { t.ticker.Stop() }

type tickerFactory func(time.Duration) ticker

// Config wires a Scheduler.
type Config struct {
	Store    Store
	Engine   Engine
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  MetricsSink
}

// Scheduler owns the tick loop. One Scheduler runs per process; ticks never
// overlap because the loop is single-threaded.
type Scheduler struct {
	store    Store
	engine   Engine
	interval time.Duration
	logger   *slog.Logger
	metrics  MetricsSink

	clock     func() time.Time
	newTicker tickerFactory
}

// New builds a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		store:    cfg.Store,
		engine:   cfg.Engine,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		clock:    time.Now,
		newTicker: func(d time.Duration) ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	return s
}

// Start launches the tick loop and returns a stop function that blocks until
// the loop has exited. The stop function is safe to call more than once.
func (s *Scheduler) Start(ctx context.Context) func() {
	loopCtx, cancel := context.WithCancel(ctx)
	tick := s.newTicker(s.interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			tick.Stop()
			close(done)
		}()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-tick.C():
				s.runTick(loopCtx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// runTick executes one full scheduling pass.
func (s *Scheduler) runTick(ctx context.Context) {
	started := s.clock()
	s.stopSweep(ctx, started)

	if s.engine.ActiveCount() == 0 {
		s.settlePlaylists(started)
	}
	if s.engine.ActiveCount() == 0 {
		s.admitOne(ctx, started)
	}
	s.metrics.TickCompleted(s.clock().Sub(started))
}

// stopSweep winds down every streaming record whose stop time has elapsed.
// A record marked streaming with no live process is a leftover from a crash;
// it is reconciled to cancelled directly.
func (s *Scheduler) stopSweep(ctx context.Context, now time.Time) {
	videos, jobs := s.store.FindExpiredStreaming(now)
	for _, video := range videos {
		if s.engine.Stop(ctx, video.ID) {
			s.logger.Info("stop time reached", "stream_id", video.ID)
			continue
		}
		s.reconcileStale(video.ID, false, now)
	}
	for _, job := range jobs {
		if s.engine.Stop(ctx, job.ID) {
			s.logger.Info("stop time reached", "stream_id", job.ID)
			continue
		}
		s.reconcileStale(job.ID, true, now)
	}
}

func (s *Scheduler) reconcileStale(id string, external bool, now time.Time) {
	s.logger.Warn("streaming record has no live process, reconciling", "stream_id", id)
	fields := storage.StatusFields{EndedAt: &now}
	var err error
	if external {
		_, err = s.store.UpdateExternalJobStatus(id, models.StatusCancelled, fields)
	} else {
		_, err = s.store.UpdateVideoStatus(id, models.StatusCancelled, fields)
	}
	if err != nil {
		s.logger.Warn("stale record reconciliation failed", "stream_id", id, "error", err)
	}
}

// settlePlaylists handles playlists whose cursor has reached the end of the
// item list: looping ones wind back to the start, the rest complete exactly
// once. Runs only when nothing is streaming, so a finished item's terminal
// write never races the sweep.
func (s *Scheduler) settlePlaylists(now time.Time) {
	for _, playlist := range s.store.FindRunningPlaylists() {
		if playlist.CurrentIndex < len(playlist.ItemIDs) {
			continue
		}
		if playlist.Loop && len(playlist.ItemIDs) > 0 {
			if _, err := s.store.SetPlaylistCursor(playlist.ID, 0); err != nil {
				s.logger.Warn("playlist cursor reset failed", "playlist_id", playlist.ID, "error", err)
			} else {
				s.logger.Info("playlist cycle complete, looping", "playlist_id", playlist.ID)
			}
			continue
		}
		fields := storage.StatusFields{EndedAt: &now}
		if _, err := s.store.UpdatePlaylistStatus(playlist.ID, models.PlaylistCompleted, fields); err != nil {
			s.logger.Warn("playlist completion write failed", "playlist_id", playlist.ID, "error", err)
		} else {
			s.logger.Info("playlist completed", "playlist_id", playlist.ID)
		}
	}
}

// admitOne starts at most one stream, in strict priority order: the next item
// of the longest-idle running playlist, then the earliest due playlist, then
// the earliest due standalone video, then the earliest due external URL job.
// A failed attempt marks its record failed and still consumes the tick.
func (s *Scheduler) admitOne(ctx context.Context, now time.Time) {
	for _, playlist := range s.store.FindRunningPlaylists() {
		if playlist.CurrentIndex >= len(playlist.ItemIDs) {
			continue
		}
		s.startPlaylistItem(ctx, playlist, now)
		return
	}

	if due := s.store.FindDuePlaylists(now); len(due) > 0 {
		playlist := due[0]
		startedAt := now
		promoted, err := s.store.UpdatePlaylistStatus(playlist.ID, models.PlaylistRunning,
			storage.StatusFields{StartedAt: &startedAt})
		if err != nil {
			s.logger.Warn("playlist promotion failed", "playlist_id", playlist.ID, "error", err)
			return
		}
		s.logger.Info("playlist started", "playlist_id", playlist.ID, "items", len(promoted.ItemIDs))
		if len(promoted.ItemIDs) > 0 {
			s.startPlaylistItem(ctx, promoted, now)
		}
		return
	}

	if due := s.store.FindDueVideos(now); len(due) > 0 {
		video := due[0]
		_, err := s.engine.StartFileStream(ctx, video.ID, stream.StartOptions{})
		s.metrics.AdmissionAttempted("video", err == nil)
		if err != nil {
			s.logger.Error("scheduled video start failed", "stream_id", video.ID, "error", err)
			s.markVideoFailed(video.ID, err, now)
		} else {
			s.logger.Info("scheduled video started", "stream_id", video.ID)
		}
		return
	}

	if due := s.store.FindDueExternalJobs(now); len(due) > 0 {
		job := due[0]
		_, err := s.engine.StartURLStream(ctx, job.SourceURL, job.RTMPTarget,
			stream.StartOptions{JobID: job.ID})
		s.metrics.AdmissionAttempted("external", err == nil)
		if err != nil {
			s.logger.Error("scheduled external job start failed", "stream_id", job.ID, "error", err)
			fields := storage.StatusFields{EndedAt: &now}
			msg := err.Error()
			fields.ErrorMessage = &msg
			if _, uerr := s.store.UpdateExternalJobStatus(job.ID, models.StatusFailed, fields); uerr != nil {
				s.logger.Warn("failed-state write failed", "stream_id", job.ID, "error", uerr)
			}
		} else {
			s.logger.Info("scheduled external job started", "stream_id", job.ID)
		}
	}
}

// startPlaylistItem attempts the item under the playlist's cursor and then
// advances the cursor. The cursor moves even when the attempt fails, so one
// broken item cannot wedge the whole playlist.
func (s *Scheduler) startPlaylistItem(ctx context.Context, playlist models.Playlist, now time.Time) {
	itemID := playlist.ItemIDs[playlist.CurrentIndex]
	_, err := s.engine.StartFileStream(ctx, itemID, stream.StartOptions{
		OverrideTarget: playlist.RTMPTarget,
	})
	s.metrics.AdmissionAttempted("playlist_item", err == nil)
	if err != nil {
		s.logger.Error("playlist item start failed",
			"playlist_id", playlist.ID, "stream_id", itemID, "error", err)
		s.markVideoFailed(itemID, err, now)
	} else {
		s.logger.Info("playlist item started",
			"playlist_id", playlist.ID, "stream_id", itemID, "position", playlist.CurrentIndex)
	}
	if _, err := s.store.SetPlaylistCursor(playlist.ID, playlist.CurrentIndex+1); err != nil {
		s.logger.Warn("playlist cursor advance failed", "playlist_id", playlist.ID, "error", err)
	}
}

func (s *Scheduler) markVideoFailed(id string, cause error, now time.Time) {
	msg := cause.Error()
	fields := storage.StatusFields{EndedAt: &now, ErrorMessage: &msg}
	if _, err := s.store.UpdateVideoStatus(id, models.StatusFailed, fields); err != nil {
		s.logger.Warn("failed-state write failed", "stream_id", id, "error", err)
	}
}
