package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"streamcast/internal/models"
	"streamcast/internal/storage"
	"streamcast/internal/stream"
)

const testTarget = "rtmp://live.example.com/app/secretkey123"

type fileStart struct {
	videoID  string
	override string
}

type urlStart struct {
	sourceURL string
	target    string
	jobID     string
}

type fakeEngine struct {
	mu          sync.Mutex
	live        map[string]bool
	activeCount int
	startErr    error

	fileStarts []fileStart
	urlStarts  []urlStart
	stops      []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{live: make(map[string]bool)}
}

func (f *fakeEngine) StartFileStream(_ context.Context, videoID string, opts stream.StartOptions) (models.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileStarts = append(f.fileStarts, fileStart{videoID: videoID, override: opts.OverrideTarget})
	if f.startErr != nil {
		return models.Video{}, f.startErr
	}
	f.live[videoID] = true
	return models.Video{ID: videoID, Status: models.StatusStreaming}, nil
}

func (f *fakeEngine) StartURLStream(_ context.Context, sourceURL, target string, opts stream.StartOptions) (models.ExternalJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urlStarts = append(f.urlStarts, urlStart{sourceURL: sourceURL, target: target, jobID: opts.JobID})
	if f.startErr != nil {
		return models.ExternalJob{}, f.startErr
	}
	f.live[opts.JobID] = true
	return models.ExternalJob{ID: opts.JobID, Status: models.StatusStreaming}, nil
}

func (f *fakeEngine) Stop(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	if f.live[id] {
		delete(f.live, id)
		return true
	}
	return false
}

func (f *fakeEngine) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeCount
}

func (f *fakeEngine) fileStartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fileStarts)
}

type fixture struct {
	store     *storage.Storage
	engine    *fakeEngine
	scheduler *Scheduler
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}
	engine := newFakeEngine()
	sched := New(Config{
		Store:  store,
		Engine: engine,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	sched.clock = func() time.Time { return now }
	return &fixture{store: store, engine: engine, scheduler: sched, now: now}
}

func (f *fixture) addScheduledVideo(t *testing.T, title string, scheduleAt time.Time) models.Video {
	t.Helper()
	video, err := f.store.CreateVideo(storage.CreateVideoParams{
		Title:      title,
		SourcePath: "/media/" + title + ".mp4",
		RTMPTarget: testTarget,
		ScheduleAt: &scheduleAt,
	})
	if err != nil {
		t.Fatalf("CreateVideo failed: %v", err)
	}
	return video
}

func (f *fixture) addLibraryVideo(t *testing.T, title string) models.Video {
	t.Helper()
	video, err := f.store.CreateVideo(storage.CreateVideoParams{
		Title:      title,
		SourcePath: "/media/" + title + ".mp4",
	})
	if err != nil {
		t.Fatalf("CreateVideo failed: %v", err)
	}
	return video
}

func (f *fixture) addRunningPlaylist(t *testing.T, loop bool, cursor int, itemTitles ...string) models.Playlist {
	t.Helper()
	ids := make([]string, 0, len(itemTitles))
	for _, title := range itemTitles {
		ids = append(ids, f.addLibraryVideo(t, title).ID)
	}
	past := f.now.Add(-time.Hour)
	playlist, err := f.store.CreatePlaylist(storage.CreatePlaylistParams{
		Name:       "pl",
		ItemIDs:    ids,
		Loop:       loop,
		RTMPTarget: testTarget,
		ScheduleAt: &past,
	})
	if err != nil {
		t.Fatalf("CreatePlaylist failed: %v", err)
	}
	startedAt := f.now.Add(-time.Hour)
	if _, err := f.store.UpdatePlaylistStatus(playlist.ID, models.PlaylistRunning,
		storage.StatusFields{StartedAt: &startedAt}); err != nil {
		t.Fatalf("UpdatePlaylistStatus failed: %v", err)
	}
	if cursor > 0 {
		if _, err := f.store.SetPlaylistCursor(playlist.ID, cursor); err != nil {
			t.Fatalf("SetPlaylistCursor failed: %v", err)
		}
	}
	playlist, _ = f.store.GetPlaylist(playlist.ID)
	return playlist
}

func TestStopSweepStopsExpiredStreams(t *testing.T) {
	f := newFixture(t)
	video := f.addScheduledVideo(t, "expired", f.now.Add(-2*time.Hour))
	stopAt := f.now.Add(-time.Minute)
	if _, err := f.store.UpdateVideo(video.ID, storage.VideoUpdate{StopAt: &stopAt}); err != nil {
		t.Fatalf("UpdateVideo failed: %v", err)
	}
	if _, err := f.store.UpdateVideoStatus(video.ID, models.StatusStreaming, storage.StatusFields{}); err != nil {
		t.Fatalf("UpdateVideoStatus failed: %v", err)
	}
	f.engine.live[video.ID] = true
	f.engine.activeCount = 1

	f.scheduler.runTick(context.Background())

	if len(f.engine.stops) != 1 || f.engine.stops[0] != video.ID {
		t.Fatalf("stops = %v", f.engine.stops)
	}
	// An active stream blocks admission entirely.
	if f.engine.fileStartCount() != 0 {
		t.Fatalf("fileStarts = %v, want none", f.engine.fileStarts)
	}
}

func TestStopSweepReconcilesStaleRecords(t *testing.T) {
	f := newFixture(t)
	video := f.addScheduledVideo(t, "stale", f.now.Add(-2*time.Hour))
	stopAt := f.now.Add(-time.Minute)
	if _, err := f.store.UpdateVideo(video.ID, storage.VideoUpdate{StopAt: &stopAt}); err != nil {
		t.Fatalf("UpdateVideo failed: %v", err)
	}
	if _, err := f.store.UpdateVideoStatus(video.ID, models.StatusStreaming, storage.StatusFields{}); err != nil {
		t.Fatalf("UpdateVideoStatus failed: %v", err)
	}

	f.scheduler.runTick(context.Background())

	reconciled, _ := f.store.GetVideo(video.ID)
	if reconciled.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", reconciled.Status)
	}
	if reconciled.EndedAt == nil {
		t.Fatal("EndedAt not set")
	}
}

func TestSingleAdmissionPerTick(t *testing.T) {
	f := newFixture(t)
	first := f.addScheduledVideo(t, "first", f.now.Add(-2*time.Hour))
	f.addScheduledVideo(t, "second", f.now.Add(-time.Hour))

	f.scheduler.runTick(context.Background())

	if f.engine.fileStartCount() != 1 {
		t.Fatalf("fileStarts = %v, want exactly one", f.engine.fileStarts)
	}
	if f.engine.fileStarts[0].videoID != first.ID {
		t.Fatalf("started %s, want earliest due %s", f.engine.fileStarts[0].videoID, first.ID)
	}
}

func TestNoAdmissionWhileStreamActive(t *testing.T) {
	f := newFixture(t)
	f.addScheduledVideo(t, "due", f.now.Add(-time.Hour))
	f.engine.activeCount = 1

	f.scheduler.runTick(context.Background())

	if f.engine.fileStartCount() != 0 {
		t.Fatalf("fileStarts = %v, want none while another stream is active", f.engine.fileStarts)
	}
}

func TestFailedAdmissionMarksVideoFailed(t *testing.T) {
	f := newFixture(t)
	video := f.addScheduledVideo(t, "broken", f.now.Add(-time.Hour))
	f.engine.startErr = stream.ErrSourceMissing

	f.scheduler.runTick(context.Background())

	persisted, _ := f.store.GetVideo(video.ID)
	if persisted.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", persisted.Status)
	}
	if persisted.ErrorMessage == "" {
		t.Fatal("ErrorMessage not recorded")
	}
	if f.engine.fileStartCount() != 1 {
		t.Fatalf("fileStarts = %v, want exactly one attempt", f.engine.fileStarts)
	}
}

func TestDuePlaylistPromotionStartsFirstItem(t *testing.T) {
	f := newFixture(t)
	itemA := f.addLibraryVideo(t, "item-a")
	itemB := f.addLibraryVideo(t, "item-b")
	past := f.now.Add(-time.Minute)
	playlist, err := f.store.CreatePlaylist(storage.CreatePlaylistParams{
		Name:       "morning",
		ItemIDs:    []string{itemA.ID, itemB.ID},
		RTMPTarget: testTarget,
		ScheduleAt: &past,
	})
	if err != nil {
		t.Fatalf("CreatePlaylist failed: %v", err)
	}

	f.scheduler.runTick(context.Background())

	promoted, _ := f.store.GetPlaylist(playlist.ID)
	if promoted.Status != models.PlaylistRunning {
		t.Fatalf("playlist status = %s, want running", promoted.Status)
	}
	if promoted.StartedAt == nil {
		t.Fatal("playlist StartedAt not set")
	}
	if promoted.CurrentIndex != 1 {
		t.Fatalf("cursor = %d, want 1", promoted.CurrentIndex)
	}
	if f.engine.fileStartCount() != 1 {
		t.Fatalf("fileStarts = %v", f.engine.fileStarts)
	}
	start := f.engine.fileStarts[0]
	if start.videoID != itemA.ID || start.override != testTarget {
		t.Fatalf("started %+v, want item-a with playlist target", start)
	}
}

func TestRunningPlaylistBeatsDueVideo(t *testing.T) {
	f := newFixture(t)
	playlist := f.addRunningPlaylist(t, false, 1, "item-a", "item-b")
	f.addScheduledVideo(t, "standalone", f.now.Add(-time.Hour))

	f.scheduler.runTick(context.Background())

	if f.engine.fileStartCount() != 1 {
		t.Fatalf("fileStarts = %v", f.engine.fileStarts)
	}
	if f.engine.fileStarts[0].videoID != playlist.ItemIDs[1] {
		t.Fatalf("started %s, want playlist item %s", f.engine.fileStarts[0].videoID, playlist.ItemIDs[1])
	}
	advanced, _ := f.store.GetPlaylist(playlist.ID)
	if advanced.CurrentIndex != 2 {
		t.Fatalf("cursor = %d, want 2", advanced.CurrentIndex)
	}
}

func TestPlaylistCursorAdvancesPastBrokenItem(t *testing.T) {
	f := newFixture(t)
	playlist := f.addRunningPlaylist(t, false, 0, "item-a", "item-b")
	f.engine.startErr = stream.ErrSourceMissing

	f.scheduler.runTick(context.Background())

	item, _ := f.store.GetVideo(playlist.ItemIDs[0])
	if item.Status != models.StatusFailed {
		t.Fatalf("item status = %s, want failed", item.Status)
	}
	advanced, _ := f.store.GetPlaylist(playlist.ID)
	if advanced.CurrentIndex != 1 {
		t.Fatalf("cursor = %d, want 1 after failed attempt", advanced.CurrentIndex)
	}
}

func TestLoopingPlaylistResetsAndContinues(t *testing.T) {
	f := newFixture(t)
	playlist := f.addRunningPlaylist(t, true, 2, "item-a", "item-b")

	f.scheduler.runTick(context.Background())

	// The cycle-complete sweep resets the cursor, then admission starts the
	// first item again in the same tick.
	if f.engine.fileStartCount() != 1 {
		t.Fatalf("fileStarts = %v", f.engine.fileStarts)
	}
	if f.engine.fileStarts[0].videoID != playlist.ItemIDs[0] {
		t.Fatalf("started %s, want first item", f.engine.fileStarts[0].videoID)
	}
	looped, _ := f.store.GetPlaylist(playlist.ID)
	if looped.Status != models.PlaylistRunning {
		t.Fatalf("status = %s, want running", looped.Status)
	}
	if looped.CurrentIndex != 1 {
		t.Fatalf("cursor = %d, want 1", looped.CurrentIndex)
	}
}

func TestNonLoopingPlaylistCompletesOnce(t *testing.T) {
	f := newFixture(t)
	playlist := f.addRunningPlaylist(t, false, 2, "item-a", "item-b")

	f.scheduler.runTick(context.Background())

	completed, _ := f.store.GetPlaylist(playlist.ID)
	if completed.Status != models.PlaylistCompleted {
		t.Fatalf("status = %s, want completed", completed.Status)
	}
	if completed.EndedAt == nil {
		t.Fatal("EndedAt not set")
	}
	firstEnd := *completed.EndedAt

	// A later tick must not rewrite the completion.
	f.scheduler.runTick(context.Background())
	again, _ := f.store.GetPlaylist(playlist.ID)
	if !again.EndedAt.Equal(firstEnd) {
		t.Fatalf("EndedAt rewritten: %v -> %v", firstEnd, again.EndedAt)
	}
	if f.engine.fileStartCount() != 0 {
		t.Fatalf("fileStarts = %v, want none", f.engine.fileStarts)
	}
}

func TestDueExternalJobAdmission(t *testing.T) {
	f := newFixture(t)
	past := f.now.Add(-time.Minute)
	job, err := f.store.CreateExternalJob(storage.CreateExternalJobParams{
		SourceURL:  "https://cdn.example/feed.m3u8",
		RTMPTarget: testTarget,
		ScheduleAt: &past,
	})
	if err != nil {
		t.Fatalf("CreateExternalJob failed: %v", err)
	}

	f.scheduler.runTick(context.Background())

	if len(f.engine.urlStarts) != 1 {
		t.Fatalf("urlStarts = %v", f.engine.urlStarts)
	}
	got := f.engine.urlStarts[0]
	if got.jobID != job.ID || got.sourceURL != job.SourceURL || got.target != job.RTMPTarget {
		t.Fatalf("urlStarts[0] = %+v", got)
	}
}

func TestDueVideoBeatsExternalJob(t *testing.T) {
	f := newFixture(t)
	past := f.now.Add(-time.Minute)
	f.addScheduledVideo(t, "due", past)
	if _, err := f.store.CreateExternalJob(storage.CreateExternalJobParams{
		SourceURL:  "https://cdn.example/feed.m3u8",
		RTMPTarget: testTarget,
		ScheduleAt: &past,
	}); err != nil {
		t.Fatalf("CreateExternalJob failed: %v", err)
	}

	f.scheduler.runTick(context.Background())

	if f.engine.fileStartCount() != 1 || len(f.engine.urlStarts) != 0 {
		t.Fatalf("fileStarts=%v urlStarts=%v", f.engine.fileStarts, f.engine.urlStarts)
	}
}

type manualTicker struct {
	ch chan time.Time
}

func (m manualTicker) C() <-chan time.Time { return m.ch }
func (m manualTicker) Stop() {}

func TestStartRunsTicksUntilStopped(t *testing.T) {
	f := newFixture(t)
	video := f.addScheduledVideo(t, "due", f.now.Add(-time.Hour))

	tick := manualTicker{ch: make(chan time.Time)}
	f.scheduler.newTicker = func(time.Duration) ticker { return tick }

	stop := f.scheduler.Start(context.Background())
	tick.ch <- f.now

	deadline := time.After(5 * time.Second)
	for f.engine.fileStartCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("tick did not trigger an admission")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	stop()
	stop()

	if f.engine.fileStarts[0].videoID != video.ID {
		t.Fatalf("started %s, want %s", f.engine.fileStarts[0].videoID, video.ID)
	}
}
