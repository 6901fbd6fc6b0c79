package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"streamcast/internal/mirror"
	"streamcast/internal/models"
	"streamcast/internal/storage"
)

// progressWriteInterval is the floor between progress persistence writes when
// the integer progress value has not changed.
const progressWriteInterval = time.Second

// Outcome classifies how a stream ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

func (o Outcome) status() models.StreamStatus {
	switch o {
	case OutcomeCancelled:
		return models.StatusCancelled
	case OutcomeFailed:
		return models.StatusFailed
	default:
		return models.StatusCompleted
	}
}

// Store is the slice of the datastore the engine writes through.
type Store interface {
	GetVideo(id string) (models.Video, bool)
	UpdateVideoStatus(id string, status models.StreamStatus, fields storage.StatusFields) (models.Video, error)
	CreateExternalJob(params storage.CreateExternalJobParams) (models.ExternalJob, error)
	GetExternalJob(id string) (models.ExternalJob, bool)
	UpdateExternalJobStatus(id string, status models.StreamStatus, fields storage.StatusFields) (models.ExternalJob, error)
}

// MetricsSink receives stream lifecycle measurements. A nil sink is replaced
// with a no-op.
type MetricsSink interface {
	StreamStarted(kind string)
	StreamFinished(kind, outcome string)
	SetActiveStreams(count int)
}

type noopMetrics struct{}

func (noopMetrics) StreamStarted(string) {}
func (noopMetrics) StreamFinished(string, string) {}
func (noopMetrics) SetActiveStreams(int) {}

// StartOptions tune a single start request.
type StartOptions struct {
	// OverrideTarget replaces the record's stored RTMP target for this run
	// (playlist-level overrides, instant-live).
	OverrideTarget string
	// Loop makes ffmpeg restart the input indefinitely.
	Loop bool
	// JobID pins the registry key and persisted record id for URL streams.
	// Empty means the engine mints a fresh token.
	JobID string
	// OnTerminal fires exactly once when the stream reaches a terminal state,
	// after the record has been persisted.
	OnTerminal func(id string, outcome Outcome)
}

// StatusInfo is a point-in-time snapshot of one active stream.
type StatusInfo struct {
	ID            string    `json:"id"`
	Kind          JobKind   `json:"kind"`
	Source        string    `json:"source"`
	Target        string    `json:"target"`
	PlaylistID    string    `json:"playlistId,omitempty"`
	Progress      float64   `json:"progress"`
	StartedAt     time.Time `json:"startedAt"`
	StopRequested bool      `json:"stopRequested"`
	Command       string    `json:"command"`
}

// EngineConfig wires an Engine's collaborators.
type EngineConfig struct {
	Store     Store
	Registry  *Registry
	Resolver  *ResolverChain
	Mirror    mirror.Publisher
	Metrics   MetricsSink
	Logger    *slog.Logger
	FFmpeg    string
	StopGrace time.Duration
}

// Engine owns the lifecycle of every live stream: admission, launch, progress
// persistence, stop requests, and the single terminal transition per stream.
type Engine struct {
	store    Store
	registry *Registry
	resolver *ResolverChain
	mirror   mirror.Publisher
	metrics  MetricsSink
	logger   *slog.Logger

	ffmpeg    string
	stopGrace time.Duration

	newSupervisor supervisorFactory
	clock         func() time.Time
}

// NewEngine builds an Engine. Store and Registry are required; everything
// else has a working default.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		store:         cfg.Store,
		registry:      cfg.Registry,
		resolver:      cfg.Resolver,
		mirror:        cfg.Mirror,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		ffmpeg:        cfg.FFmpeg,
		stopGrace:     cfg.StopGrace,
		newSupervisor: newSupervisor,
		clock:         time.Now,
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.resolver == nil {
		e.resolver = NewResolverChain(e.logger, PassthroughResolver{})
	}
	if e.mirror == nil {
		e.mirror = mirror.Noop{}
	}
	if e.metrics == nil {
		e.metrics = noopMetrics{}
	}
	if e.ffmpeg == "" {
		e.ffmpeg = "ffmpeg"
	}
	return e
}

// StartFileStream launches a transcode of the stored video to its RTMP
// target. The returned record reflects the persisted streaming state.
func (e *Engine) StartFileStream(ctx context.Context, videoID string, opts StartOptions) (models.Video, error) {
	video, ok := e.store.GetVideo(videoID)
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", videoID, ErrNotFound)
	}
	if _, err := os.Stat(video.SourcePath); err != nil {
		return models.Video{}, fmt.Errorf("%w: %s", ErrSourceMissing, video.SourcePath)
	}
	target, err := ResolveTarget(opts.OverrideTarget, video.RTMPTarget)
	if err != nil {
		return models.Video{}, err
	}

	job := &StreamJob{
		ID:         videoID,
		Kind:       FileStream,
		Source:     video.SourcePath,
		Target:     target,
		PlaylistID: video.PlaylistID,
		StartedAt:  e.clock(),
		onTerminal: opts.OnTerminal,
	}
	job.durationSeconds = video.DurationSeconds

	args := BuildFileArgs(video.SourcePath, target, opts.Loop)
	if err := e.launch(job, args); err != nil {
		return models.Video{}, err
	}
	return e.persistLaunched(ctx, job)
}

// StartURLStream relays a remote source to target, resolving hosted-video
// pages to direct media URLs first. It returns the persisted job record; the
// record id doubles as the stream id for Stop and Status.
func (e *Engine) StartURLStream(ctx context.Context, sourceURL, target string, opts StartOptions) (models.ExternalJob, error) {
	var record models.ExternalJob
	if opts.JobID != "" {
		existing, ok := e.store.GetExternalJob(opts.JobID)
		if !ok {
			return models.ExternalJob{}, fmt.Errorf("external job %s: %w", opts.JobID, ErrNotFound)
		}
		record = existing
		if sourceURL == "" {
			sourceURL = record.SourceURL
		}
	}

	resolved, err := ResolveTarget(target, record.RTMPTarget)
	if err != nil {
		return models.ExternalJob{}, err
	}
	target = resolved

	if opts.JobID == "" {
		created, err := e.store.CreateExternalJob(storage.CreateExternalJobParams{
			ID:         uuid.NewString(),
			SourceURL:  sourceURL,
			RTMPTarget: target,
		})
		if err != nil {
			return models.ExternalJob{}, fmt.Errorf("register external job: %w", err)
		}
		record = created
	}

	source := e.resolver.Resolve(ctx, sourceURL)
	if source != sourceURL {
		e.logger.Info("source resolved",
			"stream_id", record.ID, "host", redactForLog(sourceURL))
	}

	job := &StreamJob{
		ID:         record.ID,
		Kind:       URLStream,
		Source:     sourceURL,
		Target:     target,
		StartedAt:  e.clock(),
		onTerminal: opts.OnTerminal,
	}

	if err := e.launch(job, BuildRelayArgs(source, target)); err != nil {
		return models.ExternalJob{}, err
	}
	if _, err := e.persistLaunched(ctx, job); err != nil {
		return models.ExternalJob{}, err
	}
	updated, _ := e.store.GetExternalJob(record.ID)
	return updated, nil
}

// launch admits the job and starts its supervisor. On a start failure the
// admission is rolled back and the record is marked failed.
func (e *Engine) launch(job *StreamJob, args []string) error {
	logger := e.logger.With("stream_id", job.ID, "kind", string(job.Kind))
	handle := e.newSupervisor(SupervisorConfig{
		Binary:        e.ffmpeg,
		Args:          args,
		StopGrace:     e.stopGrace,
		DisplayTarget: RedactTarget(job.Target),
		Logger:        logger,
		Callbacks: Callbacks{
			OnLaunch: func(pid int) {
				logger.Info("stream process launched", "pid", pid)
			},
			OnProgress: func(seconds float64) {
				e.handleProgress(job, seconds)
			},
			OnDiagnosticLine: func(line string) {
				job.mu.Lock()
				job.lastDiagnostic = line
				job.mu.Unlock()
				logger.Debug("transcoder", "line", line)
			},
			OnEnd: func(exitErr error) {
				e.handleEnd(job, exitErr)
			},
		},
	})
	// The handle must be in place before the job is visible through the
	// registry; Status and Stop dereference it as soon as TryAdmit returns.
	job.supervisor = handle

	if err := e.registry.TryAdmit(job); err != nil {
		return err
	}

	if err := handle.Launch(); err != nil {
		e.registry.Remove(job.ID)
		msg := err.Error()
		now := e.clock()
		e.updateStatus(job, models.StatusFailed, storage.StatusFields{
			EndedAt:      &now,
			ErrorMessage: &msg,
		})
		return fmt.Errorf("launch stream %s: %w", job.ID, err)
	}

	e.metrics.StreamStarted(string(job.Kind))
	e.metrics.SetActiveStreams(e.registry.Len())
	return nil
}

func (e *Engine) persistLaunched(ctx context.Context, job *StreamJob) (models.Video, error) {
	startedAt := job.StartedAt
	resolvedTarget := job.Target
	fields := storage.StatusFields{
		StartedAt:      &startedAt,
		ResolvedTarget: &resolvedTarget,
	}

	var video models.Video
	var err error
	switch job.Kind {
	case URLStream:
		_, err = e.store.UpdateExternalJobStatus(job.ID, models.StatusStreaming, fields)
	default:
		video, err = e.store.UpdateVideoStatus(job.ID, models.StatusStreaming, fields)
	}
	if err != nil {
		e.logger.Warn("streaming state not persisted", "stream_id", job.ID, "error", err)
	}
	e.publishMirror(ctx, job, string(models.StatusStreaming))
	return video, nil
}

// Stop requests termination of the stream with the given id. It reports
// whether a live stream was found. The record is marked cancelled right away;
// the process winds down in the background and its natural exit will not
// overwrite the cancellation.
func (e *Engine) Stop(ctx context.Context, id string) bool {
	job := e.registry.Get(id)
	if job == nil {
		return false
	}

	job.mu.Lock()
	job.stopRequested = true
	job.mu.Unlock()

	job.supervisor.RequestStop()
	e.finish(ctx, job, OutcomeCancelled, nil)
	return true
}

// Status returns the snapshot for an active stream.
func (e *Engine) Status(id string) (StatusInfo, bool) {
	job := e.registry.Get(id)
	if job == nil {
		return StatusInfo{}, false
	}
	return e.snapshot(job), true
}

// ListActive returns snapshots for every live stream, ordered by id.
func (e *Engine) ListActive() []StatusInfo {
	jobs := e.registry.List()
	infos := make([]StatusInfo, 0, len(jobs))
	for _, job := range jobs {
		infos = append(infos, e.snapshot(job))
	}
	return infos
}

// ActiveCount reports how many streams are currently live.
func (e *Engine) ActiveCount() int {
	return e.registry.Len()
}

// Shutdown stops every active stream concurrently and waits for the
// processes to exit, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	jobs := e.registry.List()
	if len(jobs) == 0 {
		return nil
	}
	e.logger.Info("draining active streams", "count", len(jobs))

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			e.Stop(ctx, job.ID)
			select {
			case <-job.supervisor.Done():
				return nil
			case <-ctx.Done():
				return fmt.Errorf("stream %s did not stop: %w", job.ID, ctx.Err())
			}
		})
	}
	return g.Wait()
}

func (e *Engine) snapshot(job *StreamJob) StatusInfo {
	job.mu.Lock()
	progress := job.progress
	stopRequested := job.stopRequested
	job.mu.Unlock()
	return StatusInfo{
		ID:            job.ID,
		Kind:          job.Kind,
		Source:        redactForLog(job.Source),
		Target:        RedactTarget(job.Target),
		PlaylistID:    job.PlaylistID,
		Progress:      progress,
		StartedAt:     job.StartedAt,
		StopRequested: stopRequested,
		Command:       job.supervisor.CommandDescription(),
	}
}

// handleProgress persists the stream's progress, rate-limited to
// integer-value changes or once per second. Progress is a percentage when
// the media duration is known and the raw elapsed seconds otherwise. ffmpeg
// keeps emitting progress lines while it winds down after a stop request, so
// once a stop or terminal transition has happened nothing is written: a
// cancelled record must never flip back to streaming.
func (e *Engine) handleProgress(job *StreamJob, seconds float64) {
	now := e.clock()

	job.mu.Lock()
	if job.stopRequested || job.terminated {
		job.mu.Unlock()
		return
	}
	pct := seconds
	if job.durationSeconds > 0 {
		pct = math.Min(seconds/job.durationSeconds*100, 99.9)
	}
	job.progress = pct
	write := int(pct) != int(job.lastProgressPct) ||
		now.Sub(job.lastProgressWrite) >= progressWriteInterval
	if write {
		job.lastProgressPct = pct
		job.lastProgressWrite = now
	}
	job.mu.Unlock()

	if !write {
		return
	}
	progress := pct
	e.updateStatus(job, models.StatusStreaming, storage.StatusFields{Progress: &progress})
	e.publishMirror(context.Background(), job, string(models.StatusStreaming))
}

// handleEnd runs when the process has exited, whatever the reason.
func (e *Engine) handleEnd(job *StreamJob, exitErr error) {
	e.registry.Remove(job.ID)
	e.metrics.SetActiveStreams(e.registry.Len())

	outcome := OutcomeCompleted
	if job.StopRequested() {
		outcome = OutcomeCancelled
	} else if exitErr != nil {
		outcome = OutcomeFailed
	}
	e.finish(context.Background(), job, outcome, exitErr)
	e.mirror.Remove(context.Background(), job.ID)
}

// finish performs the single terminal transition for a job: persist the
// terminal status, mirror it, count it, and fire the OnTerminal hook. The
// first caller wins; an optimistic cancel persisted by Stop suppresses the
// later natural-exit write.
func (e *Engine) finish(ctx context.Context, job *StreamJob, outcome Outcome, exitErr error) {
	job.terminalOnce.Do(func() {
		job.mu.Lock()
		job.terminated = true
		durationKnown := job.durationSeconds > 0
		job.mu.Unlock()

		now := e.clock()
		fields := storage.StatusFields{EndedAt: &now}
		switch outcome {
		case OutcomeCompleted:
			// Without a known duration progress carries elapsed seconds;
			// forcing it to 100 would be meaningless for those streams.
			if durationKnown {
				full := 100.0
				fields.Progress = &full
			}
		case OutcomeFailed:
			msg := e.failureMessage(job, exitErr)
			fields.ErrorMessage = &msg
		}

		status := outcome.status()
		e.updateStatus(job, status, fields)
		e.publishMirror(ctx, job, string(status))
		e.metrics.StreamFinished(string(job.Kind), string(outcome))
		e.logger.Info("stream finished", "stream_id", job.ID, "outcome", string(outcome))

		if job.onTerminal != nil {
			job.onTerminal(job.ID, outcome)
		}
	})
}

// updateStatus routes a status write to the job's record. A missing record is
// tolerated: deletion while live must not resurrect the row.
func (e *Engine) updateStatus(job *StreamJob, status models.StreamStatus, fields storage.StatusFields) {
	var err error
	switch job.Kind {
	case URLStream:
		_, err = e.store.UpdateExternalJobStatus(job.ID, status, fields)
	default:
		_, err = e.store.UpdateVideoStatus(job.ID, status, fields)
	}
	if err != nil {
		level := slog.LevelWarn
		if isNotFound(err) {
			level = slog.LevelDebug
		}
		e.logger.Log(context.Background(), level, "status write skipped",
			"stream_id", job.ID, "status", string(status), "error", err)
	}
}

func (e *Engine) publishMirror(ctx context.Context, job *StreamJob, status string) {
	job.mu.Lock()
	progress := job.progress
	job.mu.Unlock()
	e.mirror.PublishStatus(ctx, mirror.StatusEvent{
		ID:        job.ID,
		Kind:      string(job.Kind),
		Status:    status,
		Progress:  progress,
		Target:    RedactTarget(job.Target),
		UpdatedAt: e.clock(),
	})
}

func (e *Engine) failureMessage(job *StreamJob, exitErr error) string {
	job.mu.Lock()
	diagnostic := job.lastDiagnostic
	job.mu.Unlock()
	switch {
	case exitErr != nil && diagnostic != "":
		return fmt.Sprintf("%v: %s", exitErr, diagnostic)
	case exitErr != nil:
		return exitErr.Error()
	case diagnostic != "":
		return diagnostic
	default:
		return "stream failed"
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
