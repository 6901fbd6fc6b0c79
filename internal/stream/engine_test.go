package stream

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"streamcast/internal/mirror"
	"streamcast/internal/models"
	"streamcast/internal/storage"
)

type recordingMirror struct {
	mu      sync.Mutex
	events  []mirror.StatusEvent
	removed []string
}

func (m *recordingMirror) PublishStatus(_ context.Context, event mirror.StatusEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *recordingMirror) Remove(_ context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
}

func (m *recordingMirror) statuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, event := range m.events {
		out = append(out, event.Status)
	}
	return out
}

const testTarget = "rtmp://live.example.com/app/secretkey123"

type fakeSupervisor struct {
	cfg SupervisorConfig

	mu        sync.Mutex
	launchErr error
	stopCalls int
	finished  bool
	done      chan struct{}
}

func (f *fakeSupervisor) Launch() error {
	if f.launchErr != nil {
		return f.launchErr
	}
	if f.cfg.Callbacks.OnLaunch != nil {
		f.cfg.Callbacks.OnLaunch(4242)
	}
	return nil
}

func (f *fakeSupervisor) RequestStop() {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
}

func (f *fakeSupervisor) Done() <-chan struct{} { return f.done }

func (f *fakeSupervisor) CommandDescription() string { return "ffmpeg (fake)" }

func (f *fakeSupervisor) emitProgress(seconds float64) {
	f.cfg.Callbacks.OnProgress(seconds)
}

func (f *fakeSupervisor) exit(err error) {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	f.finished = true
	f.mu.Unlock()
	f.cfg.Callbacks.OnEnd(err)
	close(f.done)
}

func (f *fakeSupervisor) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

type engineFixture struct {
	engine *Engine
	store  *storage.Storage
	now    time.Time

	mu          sync.Mutex
	supervisors []*fakeSupervisor
	launchErr   error
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}
	f := &engineFixture{
		store: store,
		now:   time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(EngineConfig{
		Store:  store,
		Logger: testLogger(),
	})
	f.engine.clock = func() time.Time { return f.now }
	f.engine.newSupervisor = func(cfg SupervisorConfig) supervisorHandle {
		f.mu.Lock()
		defer f.mu.Unlock()
		sup := &fakeSupervisor{cfg: cfg, launchErr: f.launchErr, done: make(chan struct{})}
		f.supervisors = append(f.supervisors, sup)
		return sup
	}
	return f
}

func (f *engineFixture) lastSupervisor(t *testing.T) *fakeSupervisor {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.supervisors) == 0 {
		t.Fatal("no supervisor was created")
	}
	return f.supervisors[len(f.supervisors)-1]
}

func (f *engineFixture) addVideo(t *testing.T, duration float64) models.Video {
	t.Helper()
	source := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(source, []byte("media"), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	video, err := f.store.CreateVideo(storage.CreateVideoParams{
		Title:           "clip",
		SourcePath:      source,
		DurationSeconds: duration,
		RTMPTarget:      testTarget,
	})
	if err != nil {
		t.Fatalf("CreateVideo failed: %v", err)
	}
	return video
}

func TestStartFileStreamLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	video := f.addVideo(t, 100)

	var (
		terminalMu sync.Mutex
		terminalID string
		outcome    Outcome
		calls      int
	)
	started, err := f.engine.StartFileStream(context.Background(), video.ID, StartOptions{
		OnTerminal: func(id string, o Outcome) {
			terminalMu.Lock()
			defer terminalMu.Unlock()
			terminalID, outcome = id, o
			calls++
		},
	})
	if err != nil {
		t.Fatalf("StartFileStream failed: %v", err)
	}
	if started.Status != models.StatusStreaming {
		t.Fatalf("status = %s, want streaming", started.Status)
	}
	if started.StartedAt == nil || !started.StartedAt.Equal(f.now) {
		t.Fatalf("StartedAt = %v", started.StartedAt)
	}
	if started.ResolvedTarget != testTarget {
		t.Fatalf("ResolvedTarget = %q", started.ResolvedTarget)
	}
	if f.engine.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d", f.engine.ActiveCount())
	}

	sup := f.lastSupervisor(t)
	sup.emitProgress(50)
	persisted, _ := f.store.GetVideo(video.ID)
	if persisted.Progress != 50 {
		t.Fatalf("persisted progress = %v, want 50", persisted.Progress)
	}

	sup.exit(nil)
	final, _ := f.store.GetVideo(video.ID)
	if final.Status != models.StatusCompleted {
		t.Fatalf("final status = %s, want completed", final.Status)
	}
	if final.Progress != 100 {
		t.Fatalf("final progress = %v, want 100", final.Progress)
	}
	if final.EndedAt == nil {
		t.Fatal("EndedAt not set")
	}
	if f.engine.ActiveCount() != 0 {
		t.Fatalf("ActiveCount after exit = %d", f.engine.ActiveCount())
	}

	terminalMu.Lock()
	defer terminalMu.Unlock()
	if calls != 1 || terminalID != video.ID || outcome != OutcomeCompleted {
		t.Fatalf("OnTerminal calls=%d id=%s outcome=%s", calls, terminalID, outcome)
	}
}

func TestStartFileStreamErrorKinds(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	if _, err := f.engine.StartFileStream(ctx, "missing", StartOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown video: err = %v, want ErrNotFound", err)
	}

	gone := f.addVideo(t, 10)
	vid, _ := f.store.GetVideo(gone.ID)
	os.Remove(vid.SourcePath)
	if _, err := f.engine.StartFileStream(ctx, gone.ID, StartOptions{}); !errors.Is(err, ErrSourceMissing) {
		t.Errorf("missing source: err = %v, want ErrSourceMissing", err)
	}

	video := f.addVideo(t, 10)
	if _, err := f.engine.StartFileStream(ctx, video.ID, StartOptions{OverrideTarget: "http://nope"}); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("bad target: err = %v, want ErrInvalidTarget", err)
	}

	if _, err := f.engine.StartFileStream(ctx, video.ID, StartOptions{}); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if _, err := f.engine.StartFileStream(ctx, video.ID, StartOptions{}); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("double start: err = %v, want ErrAlreadyActive", err)
	}
}

func TestStopCancelsAndSuppressesCompletion(t *testing.T) {
	f := newEngineFixture(t)
	video := f.addVideo(t, 100)

	var calls int
	var outcome Outcome
	var mu sync.Mutex
	if _, err := f.engine.StartFileStream(context.Background(), video.ID, StartOptions{
		OnTerminal: func(_ string, o Outcome) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			outcome = o
		},
	}); err != nil {
		t.Fatalf("StartFileStream failed: %v", err)
	}
	sup := f.lastSupervisor(t)

	if !f.engine.Stop(context.Background(), video.ID) {
		t.Fatal("Stop returned false for a live stream")
	}
	if sup.stops() != 1 {
		t.Fatalf("supervisor stop calls = %d", sup.stops())
	}

	// Cancelled is persisted before the process has actually exited.
	cancelled, _ := f.store.GetVideo(video.ID)
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("status after Stop = %s, want cancelled", cancelled.Status)
	}
	if cancelled.EndedAt == nil {
		t.Fatal("EndedAt not set on cancel")
	}

	// The natural exit that follows must not flip cancelled to completed.
	sup.exit(nil)
	final, _ := f.store.GetVideo(video.ID)
	if final.Status != models.StatusCancelled {
		t.Fatalf("status after natural exit = %s, want cancelled", final.Status)
	}
	if f.engine.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d", f.engine.ActiveCount())
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 || outcome != OutcomeCancelled {
		t.Fatalf("OnTerminal calls=%d outcome=%s", calls, outcome)
	}
}

func TestStopUnknownID(t *testing.T) {
	f := newEngineFixture(t)
	video := f.addVideo(t, 100)

	if f.engine.Stop(context.Background(), "nope") {
		t.Fatal("Stop returned true for an unknown id")
	}
	// A no-op stop must not write anything either.
	if f.engine.Stop(context.Background(), video.ID) {
		t.Fatal("Stop returned true for a video that is not streaming")
	}
	persisted, _ := f.store.GetVideo(video.ID)
	if persisted.Status != video.Status {
		t.Fatalf("status = %s, want %s untouched", persisted.Status, video.Status)
	}
	if !persisted.UpdatedAt.Equal(video.UpdatedAt) {
		t.Fatalf("UpdatedAt changed from %v to %v", video.UpdatedAt, persisted.UpdatedAt)
	}
	if persisted.EndedAt != nil {
		t.Fatalf("EndedAt = %v, want nil", persisted.EndedAt)
	}
}

func TestLateProgressKeepsCancelled(t *testing.T) {
	f := newEngineFixture(t)
	video := f.addVideo(t, 100)

	if _, err := f.engine.StartFileStream(context.Background(), video.ID, StartOptions{}); err != nil {
		t.Fatalf("StartFileStream failed: %v", err)
	}
	sup := f.lastSupervisor(t)

	if !f.engine.Stop(context.Background(), video.ID) {
		t.Fatal("Stop returned false for a live stream")
	}
	cancelled, _ := f.store.GetVideo(video.ID)
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("status after Stop = %s, want cancelled", cancelled.Status)
	}

	// ffmpeg keeps reporting progress while it winds down after the stop.
	// Those reports must not touch the record.
	f.now = f.now.Add(2 * time.Second)
	sup.emitProgress(60)
	persisted, _ := f.store.GetVideo(video.ID)
	if persisted.Status != models.StatusCancelled {
		t.Fatalf("status after late progress = %s, want cancelled", persisted.Status)
	}
	if persisted.Progress != cancelled.Progress {
		t.Fatalf("progress after late progress = %v, want %v", persisted.Progress, cancelled.Progress)
	}

	sup.exit(nil)
	final, _ := f.store.GetVideo(video.ID)
	if final.Status != models.StatusCancelled {
		t.Fatalf("status after natural exit = %s, want cancelled", final.Status)
	}
}

func TestProgressFallsBackToElapsedSeconds(t *testing.T) {
	f := newEngineFixture(t)
	video := f.addVideo(t, 0)

	if _, err := f.engine.StartFileStream(context.Background(), video.ID, StartOptions{}); err != nil {
		t.Fatalf("StartFileStream failed: %v", err)
	}
	sup := f.lastSupervisor(t)

	// Without a known duration progress carries the raw elapsed seconds.
	sup.emitProgress(37)
	persisted, _ := f.store.GetVideo(video.ID)
	if persisted.Progress != 37 {
		t.Fatalf("persisted progress = %v, want 37", persisted.Progress)
	}

	f.now = f.now.Add(2 * time.Second)
	sup.emitProgress(42.5)
	persisted, _ = f.store.GetVideo(video.ID)
	if persisted.Progress != 42.5 {
		t.Fatalf("persisted progress = %v, want 42.5", persisted.Progress)
	}

	// Completion must not rewrite elapsed seconds to a phony 100 percent.
	sup.exit(nil)
	final, _ := f.store.GetVideo(video.ID)
	if final.Status != models.StatusCompleted {
		t.Fatalf("final status = %s, want completed", final.Status)
	}
	if final.Progress != 42.5 {
		t.Fatalf("final progress = %v, want 42.5", final.Progress)
	}
}

func TestMirrorFollowsStreamLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	rec := &recordingMirror{}
	f.engine.mirror = rec
	video := f.addVideo(t, 100)

	if _, err := f.engine.StartFileStream(context.Background(), video.ID, StartOptions{}); err != nil {
		t.Fatalf("StartFileStream failed: %v", err)
	}
	sup := f.lastSupervisor(t)
	sup.emitProgress(50)

	if !f.engine.Stop(context.Background(), video.ID) {
		t.Fatal("Stop returned false for a live stream")
	}
	sup.exit(nil)

	want := []string{"streaming", "streaming", "cancelled"}
	got := rec.statuses()
	if len(got) != len(want) {
		t.Fatalf("mirror statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mirror statuses = %v, want %v", got, want)
		}
	}

	// The entry is dropped once the process is gone; terminal state lives in
	// the datastore.
	rec.mu.Lock()
	removed := append([]string(nil), rec.removed...)
	rec.mu.Unlock()
	if len(removed) != 1 || removed[0] != video.ID {
		t.Fatalf("mirror removals = %v, want [%s]", removed, video.ID)
	}
}

func TestRegisteredJobAlwaysHasSupervisor(t *testing.T) {
	f := newEngineFixture(t)
	video := f.addVideo(t, 100)

	// The factory runs before the job is admitted, so the stream must not be
	// visible yet; once StartFileStream returns, the snapshot must carry a
	// usable command description.
	var visibleDuringFactory bool
	inner := f.engine.newSupervisor
	f.engine.newSupervisor = func(cfg SupervisorConfig) supervisorHandle {
		_, visibleDuringFactory = f.engine.Status(video.ID)
		return inner(cfg)
	}

	if _, err := f.engine.StartFileStream(context.Background(), video.ID, StartOptions{}); err != nil {
		t.Fatalf("StartFileStream failed: %v", err)
	}
	if visibleDuringFactory {
		t.Fatal("stream was visible before its supervisor handle was set")
	}
	info, ok := f.engine.Status(video.ID)
	if !ok {
		t.Fatal("Status did not find the live stream")
	}
	if info.Command == "" {
		t.Fatal("snapshot has no command description")
	}
}

func TestLaunchFailureMarksFailed(t *testing.T) {
	f := newEngineFixture(t)
	video := f.addVideo(t, 10)
	f.launchErr = errors.New("ffmpeg not found")

	if _, err := f.engine.StartFileStream(context.Background(), video.ID, StartOptions{}); err == nil {
		t.Fatal("StartFileStream succeeded despite launch failure")
	}
	persisted, _ := f.store.GetVideo(video.ID)
	if persisted.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", persisted.Status)
	}
	if !strings.Contains(persisted.ErrorMessage, "ffmpeg not found") {
		t.Fatalf("ErrorMessage = %q", persisted.ErrorMessage)
	}
	if f.engine.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0 after rollback", f.engine.ActiveCount())
	}
}

func TestProcessErrorMarksFailedWithDiagnostic(t *testing.T) {
	f := newEngineFixture(t)
	video := f.addVideo(t, 10)

	if _, err := f.engine.StartFileStream(context.Background(), video.ID, StartOptions{}); err != nil {
		t.Fatalf("StartFileStream failed: %v", err)
	}
	sup := f.lastSupervisor(t)
	sup.cfg.Callbacks.OnDiagnosticLine("Connection refused")
	sup.exit(errors.New("exit status 1"))

	persisted, _ := f.store.GetVideo(video.ID)
	if persisted.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", persisted.Status)
	}
	if !strings.Contains(persisted.ErrorMessage, "Connection refused") {
		t.Fatalf("ErrorMessage = %q, want diagnostic included", persisted.ErrorMessage)
	}
}

func TestProgressPersistenceRateLimited(t *testing.T) {
	f := newEngineFixture(t)
	video := f.addVideo(t, 100)

	if _, err := f.engine.StartFileStream(context.Background(), video.ID, StartOptions{}); err != nil {
		t.Fatalf("StartFileStream failed: %v", err)
	}
	sup := f.lastSupervisor(t)

	// First report always writes (the last-write clock starts at zero).
	sup.emitProgress(0.5)
	persisted, _ := f.store.GetVideo(video.ID)
	if persisted.Progress != 0.5 {
		t.Fatalf("progress = %v, want 0.5", persisted.Progress)
	}

	// Same integer percent within the same second: skipped.
	sup.emitProgress(0.9)
	persisted, _ = f.store.GetVideo(video.ID)
	if persisted.Progress != 0.5 {
		t.Fatalf("progress = %v, want 0.5 (write suppressed)", persisted.Progress)
	}

	// Integer percent changed: written even inside the interval.
	sup.emitProgress(1.4)
	persisted, _ = f.store.GetVideo(video.ID)
	if persisted.Progress != 1.4 {
		t.Fatalf("progress = %v, want 1.4", persisted.Progress)
	}

	// Same integer percent but the interval has elapsed: written.
	f.now = f.now.Add(2 * time.Second)
	sup.emitProgress(1.6)
	persisted, _ = f.store.GetVideo(video.ID)
	if persisted.Progress != 1.6 {
		t.Fatalf("progress = %v, want 1.6", persisted.Progress)
	}
}

func TestTerminalWriteToleratesDeletedRecord(t *testing.T) {
	f := newEngineFixture(t)
	video := f.addVideo(t, 10)

	if _, err := f.engine.StartFileStream(context.Background(), video.ID, StartOptions{}); err != nil {
		t.Fatalf("StartFileStream failed: %v", err)
	}
	if err := f.store.DeleteVideo(video.ID); err != nil {
		t.Fatalf("DeleteVideo failed: %v", err)
	}

	f.lastSupervisor(t).exit(nil)
	if _, ok := f.store.GetVideo(video.ID); ok {
		t.Fatal("terminal write resurrected a deleted record")
	}
	if f.engine.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d", f.engine.ActiveCount())
	}
}

func TestStartURLStreamCreatesAndFinishesJob(t *testing.T) {
	f := newEngineFixture(t)

	job, err := f.engine.StartURLStream(context.Background(),
		"https://videohost.example/watch?v=abc", testTarget, StartOptions{})
	if err != nil {
		t.Fatalf("StartURLStream failed: %v", err)
	}
	if job.ID == "" {
		t.Fatal("job id is empty")
	}
	if job.Status != models.StatusStreaming {
		t.Fatalf("status = %s, want streaming", job.Status)
	}
	if job.ResolvedTarget != testTarget {
		t.Fatalf("ResolvedTarget = %q", job.ResolvedTarget)
	}

	if !f.engine.Stop(context.Background(), job.ID) {
		t.Fatal("Stop returned false")
	}
	f.lastSupervisor(t).exit(errors.New("signal: interrupt"))

	final, ok := f.store.GetExternalJob(job.ID)
	if !ok {
		t.Fatal("job record disappeared")
	}
	if final.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
}

func TestStartURLStreamWithExistingJobID(t *testing.T) {
	f := newEngineFixture(t)

	record, err := f.store.CreateExternalJob(storage.CreateExternalJobParams{
		SourceURL:  "https://cdn.example/feed.m3u8",
		RTMPTarget: testTarget,
	})
	if err != nil {
		t.Fatalf("CreateExternalJob failed: %v", err)
	}

	job, err := f.engine.StartURLStream(context.Background(), "", "", StartOptions{JobID: record.ID})
	if err != nil {
		t.Fatalf("StartURLStream failed: %v", err)
	}
	if job.ID != record.ID {
		t.Fatalf("job id = %s, want %s", job.ID, record.ID)
	}
	if job.Status != models.StatusStreaming {
		t.Fatalf("status = %s, want streaming", job.Status)
	}

	if _, err := f.engine.StartURLStream(context.Background(), "", "", StartOptions{JobID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing job id: err = %v, want ErrNotFound", err)
	}
}

func TestStatusSnapshotRedactsTarget(t *testing.T) {
	f := newEngineFixture(t)
	video := f.addVideo(t, 10)

	if _, err := f.engine.StartFileStream(context.Background(), video.ID, StartOptions{}); err != nil {
		t.Fatalf("StartFileStream failed: %v", err)
	}
	info, ok := f.engine.Status(video.ID)
	if !ok {
		t.Fatal("Status returned false for a live stream")
	}
	if strings.Contains(info.Target, "secretkey123") {
		t.Fatalf("snapshot leaks the stream key: %q", info.Target)
	}
	if info.Kind != FileStream {
		t.Fatalf("kind = %s", info.Kind)
	}

	if _, ok := f.engine.Status("absent"); ok {
		t.Fatal("Status returned true for an absent id")
	}
}

func TestShutdownDrainsActiveStreams(t *testing.T) {
	f := newEngineFixture(t)
	first := f.addVideo(t, 10)
	second := f.addVideo(t, 10)

	ctx := context.Background()
	if _, err := f.engine.StartFileStream(ctx, first.ID, StartOptions{}); err != nil {
		t.Fatalf("start first: %v", err)
	}
	if _, err := f.engine.StartFileStream(ctx, second.ID, StartOptions{}); err != nil {
		t.Fatalf("start second: %v", err)
	}

	// Exit each fake as soon as its stop request arrives.
	f.mu.Lock()
	sups := append([]*fakeSupervisor{}, f.supervisors...)
	f.mu.Unlock()
	var wg sync.WaitGroup
	for _, sup := range sups {
		sup := sup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sup.stops() == 0 {
				time.Sleep(time.Millisecond)
			}
			sup.exit(errors.New("signal: interrupt"))
		}()
	}

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.engine.Shutdown(drainCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	wg.Wait()

	if f.engine.ActiveCount() != 0 {
		t.Fatalf("ActiveCount after Shutdown = %d", f.engine.ActiveCount())
	}
	for _, id := range []string{first.ID, second.ID} {
		v, _ := f.store.GetVideo(id)
		if v.Status != models.StatusCancelled {
			t.Fatalf("video %s status = %s, want cancelled", id, v.Status)
		}
	}
}
