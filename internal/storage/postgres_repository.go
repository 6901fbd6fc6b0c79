package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamcast/internal/models"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.ensureSchema(); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS videos (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	source_path TEXT NOT NULL,
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	rtmp_target TEXT NOT NULL DEFAULT '',
	resolved_target TEXT NOT NULL DEFAULT '',
	playlist_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	schedule_at TIMESTAMPTZ,
	stop_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS playlists (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	item_ids TEXT[] NOT NULL DEFAULT '{}',
	current_index INTEGER NOT NULL DEFAULT 0,
	loop_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	rtmp_target TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	schedule_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS external_jobs (
	id TEXT PRIMARY KEY,
	source_url TEXT NOT NULL,
	rtmp_target TEXT NOT NULL,
	resolved_target TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	schedule_at TIMESTAMPTZ,
	stop_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS videos_status_schedule_idx ON videos (status, schedule_at);
CREATE INDEX IF NOT EXISTS playlists_status_idx ON playlists (status);
CREATE INDEX IF NOT EXISTS external_jobs_status_schedule_idx ON external_jobs (status, schedule_at);
`

func (r *postgresRepository) ensureSchema() error {
	ctx, cancel := r.opCtx()
	defer cancel()
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (r *postgresRepository) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.OpTimeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const videoColumns = `id, title, source_path, duration_seconds, rtmp_target, resolved_target,
	playlist_id, status, progress, schedule_at, stop_at, started_at, ended_at,
	error_message, created_at, updated_at`

func scanVideo(row pgx.Row) (models.Video, error) {
	var video models.Video
	var status string
	err := row.Scan(
		&video.ID, &video.Title, &video.SourcePath, &video.DurationSeconds,
		&video.RTMPTarget, &video.ResolvedTarget, &video.PlaylistID, &status,
		&video.Progress, &video.ScheduleAt, &video.StopAt, &video.StartedAt,
		&video.EndedAt, &video.ErrorMessage, &video.CreatedAt, &video.UpdatedAt,
	)
	if err != nil {
		return models.Video{}, err
	}
	video.Status = models.StreamStatus(status)
	return video, nil
}

func (r *postgresRepository) CreateVideo(params CreateVideoParams) (models.Video, error) {
	if strings.TrimSpace(params.Title) == "" {
		return models.Video{}, fmt.Errorf("video title is required")
	}
	if strings.TrimSpace(params.SourcePath) == "" {
		return models.Video{}, fmt.Errorf("video source path is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Video{}, err
	}
	now := time.Now().UTC()
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

	ctx, cancel := r.opCtx()
	defer cancel()
	_, err = r.pool.Exec(ctx, `
		INSERT INTO videos (id, title, source_path, duration_seconds, rtmp_target, playlist_id,
			status, schedule_at, stop_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		video.ID, video.Title, video.SourcePath, video.DurationSeconds, video.RTMPTarget,
		video.PlaylistID, string(video.Status), video.ScheduleAt, video.StopAt,
		video.CreatedAt, video.UpdatedAt,
	)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) GetVideo(id string) (models.Video, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	video, err := scanVideo(r.pool.QueryRow(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE id = $1`, id))
	if err != nil {
		return models.Video{}, false
	}
	return video, true
}

func (r *postgresRepository) queryVideos(query string, args ...any) ([]models.Video, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	videos := make([]models.Video, 0)
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, video)
	}
	return videos, rows.Err()
}

func (r *postgresRepository) ListVideos() []models.Video {
	videos, err := r.queryVideos(`SELECT ` + videoColumns + ` FROM videos ORDER BY created_at`)
	if err != nil {
		return nil
	}
	return videos
}

func (r *postgresRepository) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	set := make([]string, 0, 8)
	args := make([]any, 0, 9)
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.Title != nil {
		add("title", strings.TrimSpace(*update.Title))
	}
	if update.SourcePath != nil {
		add("source_path", *update.SourcePath)
	}
	if update.DurationSeconds != nil {
		add("duration_seconds", *update.DurationSeconds)
	}
	if update.RTMPTarget != nil {
		add("rtmp_target", strings.TrimSpace(*update.RTMPTarget))
	}
	if update.PlaylistID != nil {
		add("playlist_id", *update.PlaylistID)
	}
	if update.ClearSchedule {
		set = append(set, "schedule_at = NULL")
	} else if update.ScheduleAt != nil {
		add("schedule_at", *update.ScheduleAt)
	}
	if update.ClearStop {
		set = append(set, "stop_at = NULL")
	} else if update.StopAt != nil {
		add("stop_at", *update.StopAt)
	}
	add("updated_at", time.Now().UTC())

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE videos SET %s WHERE id = $%d RETURNING `+videoColumns,
		strings.Join(set, ", "), len(args))

	ctx, cancel := r.opCtx()
	defer cancel()
	video, err := scanVideo(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	} else if err != nil {
		return models.Video{}, fmt.Errorf("update video: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) DeleteVideo(id string) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	return nil
}

func statusFieldClauses(fields StatusFields, args *[]any) []string {
	set := make([]string, 0, 5)
	add := func(column string, value any) {
		*args = append(*args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(*args)))
	}
	if fields.StartedAt != nil {
		add("started_at", *fields.StartedAt)
	}
	if fields.EndedAt != nil {
		add("ended_at", *fields.EndedAt)
	}
	if fields.Progress != nil {
		add("progress", *fields.Progress)
	}
	if fields.ErrorMessage != nil {
		add("error_message", *fields.ErrorMessage)
	}
	if fields.ResolvedTarget != nil {
		add("resolved_target", *fields.ResolvedTarget)
	}
	return set
}

func (r *postgresRepository) UpdateVideoStatus(id string, status models.StreamStatus, fields StatusFields) (models.Video, error) {
	args := []any{string(status), time.Now().UTC()}
	set := []string{"status = $1", "updated_at = $2"}
	set = append(set, statusFieldClauses(fields, &args)...)
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE videos SET %s WHERE id = $%d RETURNING `+videoColumns,
		strings.Join(set, ", "), len(args))

	ctx, cancel := r.opCtx()
	defer cancel()
	video, err := scanVideo(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	} else if err != nil {
		return models.Video{}, fmt.Errorf("update video status: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) FindDueVideos(now time.Time) []models.Video {
	videos, err := r.queryVideos(`
		SELECT `+videoColumns+` FROM videos
		WHERE status = $1 AND playlist_id = '' AND schedule_at IS NOT NULL AND schedule_at <= $2
		ORDER BY schedule_at, created_at`,
		string(models.StatusScheduled), now)
	if err != nil {
		return nil
	}
	return videos
}

const playlistColumns = `id, name, item_ids, current_index, loop_enabled, rtmp_target,
	status, schedule_at, started_at, ended_at, created_at, updated_at`

func scanPlaylist(row pgx.Row) (models.Playlist, error) {
	var playlist models.Playlist
	var status string
	err := row.Scan(
		&playlist.ID, &playlist.Name, &playlist.ItemIDs, &playlist.CurrentIndex,
		&playlist.Loop, &playlist.RTMPTarget, &status, &playlist.ScheduleAt,
		&playlist.StartedAt, &playlist.EndedAt, &playlist.CreatedAt, &playlist.UpdatedAt,
	)
	if err != nil {
		return models.Playlist{}, err
	}
	playlist.Status = models.PlaylistStatus(status)
	return playlist, nil
}

func (r *postgresRepository) CreatePlaylist(params CreatePlaylistParams) (models.Playlist, error) {
	if strings.TrimSpace(params.Name) == "" {
		return models.Playlist{}, fmt.Errorf("playlist name is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Playlist{}, err
	}
	now := time.Now().UTC()
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

	ctx, cancel := r.opCtx()
	defer cancel()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Playlist{}, fmt.Errorf("begin playlist insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO playlists (id, name, item_ids, loop_enabled, rtmp_target, status,
			schedule_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		playlist.ID, playlist.Name, playlist.ItemIDs, playlist.Loop, playlist.RTMPTarget,
		string(playlist.Status), playlist.ScheduleAt, playlist.CreatedAt, playlist.UpdatedAt,
	)
	if err != nil {
		return models.Playlist{}, fmt.Errorf("insert playlist: %w", err)
	}
	for _, itemID := range playlist.ItemIDs {
		tag, err := tx.Exec(ctx,
			`UPDATE videos SET playlist_id = $1, updated_at = $2 WHERE id = $3`,
			playlist.ID, now, itemID)
		if err != nil {
			return models.Playlist{}, fmt.Errorf("attach playlist item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.Playlist{}, fmt.Errorf("playlist item %s: %w", itemID, ErrNotFound)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Playlist{}, fmt.Errorf("commit playlist insert: %w", err)
	}
	return playlist, nil
}

func (r *postgresRepository) GetPlaylist(id string) (models.Playlist, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	playlist, err := scanPlaylist(r.pool.QueryRow(ctx,
		`SELECT `+playlistColumns+` FROM playlists WHERE id = $1`, id))
	if err != nil {
		return models.Playlist{}, false
	}
	return playlist, true
}

func (r *postgresRepository) queryPlaylists(query string, args ...any) ([]models.Playlist, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	playlists := make([]models.Playlist, 0)
	for rows.Next() {
		playlist, err := scanPlaylist(rows)
		if err != nil {
			return nil, err
		}
		playlists = append(playlists, playlist)
	}
	return playlists, rows.Err()
}

func (r *postgresRepository) ListPlaylists() []models.Playlist {
	playlists, err := r.queryPlaylists(`SELECT ` + playlistColumns + ` FROM playlists ORDER BY created_at`)
	if err != nil {
		return nil
	}
	return playlists
}

func (r *postgresRepository) UpdatePlaylist(id string, update PlaylistUpdate) (models.Playlist, error) {
	set := make([]string, 0, 6)
	args := make([]any, 0, 7)
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.Name != nil {
		add("name", strings.TrimSpace(*update.Name))
	}
	if update.ItemIDs != nil {
		add("item_ids", update.ItemIDs)
		set = append(set, fmt.Sprintf("current_index = LEAST(current_index, %d)", len(update.ItemIDs)))
	}
	if update.Loop != nil {
		add("loop_enabled", *update.Loop)
	}
	if update.RTMPTarget != nil {
		add("rtmp_target", strings.TrimSpace(*update.RTMPTarget))
	}
	if update.ClearSchedule {
		set = append(set, "schedule_at = NULL")
	} else if update.ScheduleAt != nil {
		add("schedule_at", *update.ScheduleAt)
	}
	add("updated_at", time.Now().UTC())

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE playlists SET %s WHERE id = $%d RETURNING `+playlistColumns,
		strings.Join(set, ", "), len(args))

	ctx, cancel := r.opCtx()
	defer cancel()
	playlist, err := scanPlaylist(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Playlist{}, fmt.Errorf("playlist %s: %w", id, ErrNotFound)
	} else if err != nil {
		return models.Playlist{}, fmt.Errorf("update playlist: %w", err)
	}
	return playlist, nil
}

func (r *postgresRepository) DeletePlaylist(id string) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin playlist delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE videos SET playlist_id = '', updated_at = $1 WHERE playlist_id = $2`,
		time.Now().UTC(), id); err != nil {
		return fmt.Errorf("detach playlist items: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM playlists WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete playlist: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("playlist %s: %w", id, ErrNotFound)
	}
	return tx.Commit(ctx)
}

func (r *postgresRepository) UpdatePlaylistStatus(id string, status models.PlaylistStatus, fields StatusFields) (models.Playlist, error) {
	args := []any{string(status), time.Now().UTC()}
	set := []string{"status = $1", "updated_at = $2"}
	if fields.StartedAt != nil {
		args = append(args, *fields.StartedAt)
		set = append(set, fmt.Sprintf("started_at = $%d", len(args)))
	}
	if fields.EndedAt != nil {
		args = append(args, *fields.EndedAt)
		set = append(set, fmt.Sprintf("ended_at = $%d", len(args)))
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE playlists SET %s WHERE id = $%d RETURNING `+playlistColumns,
		strings.Join(set, ", "), len(args))

	ctx, cancel := r.opCtx()
	defer cancel()
	playlist, err := scanPlaylist(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Playlist{}, fmt.Errorf("playlist %s: %w", id, ErrNotFound)
	} else if err != nil {
		return models.Playlist{}, fmt.Errorf("update playlist status: %w", err)
	}
	return playlist, nil
}

func (r *postgresRepository) SetPlaylistCursor(id string, index int) (models.Playlist, error) {
	if index < 0 {
		return models.Playlist{}, fmt.Errorf("cursor %d out of range for playlist %s", index, id)
	}
	ctx, cancel := r.opCtx()
	defer cancel()
	playlist, err := scanPlaylist(r.pool.QueryRow(ctx, `
		UPDATE playlists SET current_index = $1, updated_at = $2
		WHERE id = $3 AND $1 <= cardinality(item_ids)
		RETURNING `+playlistColumns,
		index, time.Now().UTC(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, ok := r.GetPlaylist(id); !ok {
			return models.Playlist{}, fmt.Errorf("playlist %s: %w", id, ErrNotFound)
		}
		return models.Playlist{}, fmt.Errorf("cursor %d out of range for playlist %s", index, id)
	} else if err != nil {
		return models.Playlist{}, fmt.Errorf("set playlist cursor: %w", err)
	}
	return playlist, nil
}

func (r *postgresRepository) FindDuePlaylists(now time.Time) []models.Playlist {
	playlists, err := r.queryPlaylists(`
		SELECT `+playlistColumns+` FROM playlists
		WHERE status = $1 AND schedule_at IS NOT NULL AND schedule_at <= $2
		ORDER BY schedule_at, created_at`,
		string(models.PlaylistScheduled), now)
	if err != nil {
		return nil
	}
	return playlists
}

func (r *postgresRepository) FindRunningPlaylists() []models.Playlist {
	playlists, err := r.queryPlaylists(`
		SELECT `+playlistColumns+` FROM playlists
		WHERE status = $1 ORDER BY updated_at`,
		string(models.PlaylistRunning))
	if err != nil {
		return nil
	}
	return playlists
}

const externalJobColumns = `id, source_url, rtmp_target, resolved_target, status, progress,
	schedule_at, stop_at, started_at, ended_at, error_message, created_at, updated_at`

func scanExternalJob(row pgx.Row) (models.ExternalJob, error) {
	var job models.ExternalJob
	var status string
	err := row.Scan(
		&job.ID, &job.SourceURL, &job.RTMPTarget, &job.ResolvedTarget, &status,
		&job.Progress, &job.ScheduleAt, &job.StopAt, &job.StartedAt, &job.EndedAt,
		&job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return models.ExternalJob{}, err
	}
	job.Status = models.StreamStatus(status)
	return job, nil
}

func (r *postgresRepository) CreateExternalJob(params CreateExternalJobParams) (models.ExternalJob, error) {
	if strings.TrimSpace(params.SourceURL) == "" {
		return models.ExternalJob{}, fmt.Errorf("source url is required")
	}
	if strings.TrimSpace(params.RTMPTarget) == "" {
		return models.ExternalJob{}, fmt.Errorf("rtmp target is required")
	}
	id := strings.TrimSpace(params.ID)
	if id == "" {
		generated, err := generateID()
		if err != nil {
			return models.ExternalJob{}, err
		}
		id = generated
	}
	now := time.Now().UTC()
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

	ctx, cancel := r.opCtx()
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO external_jobs (id, source_url, rtmp_target, status, schedule_at, stop_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.SourceURL, job.RTMPTarget, string(job.Status), job.ScheduleAt, job.StopAt,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return models.ExternalJob{}, fmt.Errorf("insert external job: %w", err)
	}
	return job, nil
}

func (r *postgresRepository) GetExternalJob(id string) (models.ExternalJob, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	job, err := scanExternalJob(r.pool.QueryRow(ctx,
		`SELECT `+externalJobColumns+` FROM external_jobs WHERE id = $1`, id))
	if err != nil {
		return models.ExternalJob{}, false
	}
	return job, true
}

func (r *postgresRepository) queryExternalJobs(query string, args ...any) ([]models.ExternalJob, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs := make([]models.ExternalJob, 0)
	for rows.Next() {
		job, err := scanExternalJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *postgresRepository) ListExternalJobs() []models.ExternalJob {
	jobs, err := r.queryExternalJobs(`SELECT ` + externalJobColumns + ` FROM external_jobs ORDER BY created_at`)
	if err != nil {
		return nil
	}
	return jobs
}

func (r *postgresRepository) DeleteExternalJob(id string) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM external_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete external job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("external job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *postgresRepository) UpdateExternalJobStatus(id string, status models.StreamStatus, fields StatusFields) (models.ExternalJob, error) {
	args := []any{string(status), time.Now().UTC()}
	set := []string{"status = $1", "updated_at = $2"}
	set = append(set, statusFieldClauses(fields, &args)...)
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE external_jobs SET %s WHERE id = $%d RETURNING `+externalJobColumns,
		strings.Join(set, ", "), len(args))

	ctx, cancel := r.opCtx()
	defer cancel()
	job, err := scanExternalJob(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ExternalJob{}, fmt.Errorf("external job %s: %w", id, ErrNotFound)
	} else if err != nil {
		return models.ExternalJob{}, fmt.Errorf("update external job status: %w", err)
	}
	return job, nil
}

func (r *postgresRepository) FindDueExternalJobs(now time.Time) []models.ExternalJob {
	jobs, err := r.queryExternalJobs(`
		SELECT `+externalJobColumns+` FROM external_jobs
		WHERE status = $1 AND schedule_at IS NOT NULL AND schedule_at <= $2
		ORDER BY schedule_at, created_at`,
		string(models.StatusScheduled), now)
	if err != nil {
		return nil
	}
	return jobs
}

func (r *postgresRepository) FindExpiredStreaming(now time.Time) ([]models.Video, []models.ExternalJob) {
	videos, err := r.queryVideos(`
		SELECT `+videoColumns+` FROM videos
		WHERE status = $1 AND stop_at IS NOT NULL AND stop_at <= $2
		ORDER BY stop_at`,
		string(models.StatusStreaming), now)
	if err != nil {
		videos = nil
	}
	jobs, err := r.queryExternalJobs(`
		SELECT `+externalJobColumns+` FROM external_jobs
		WHERE status = $1 AND stop_at IS NOT NULL AND stop_at <= $2
		ORDER BY stop_at`,
		string(models.StatusStreaming), now)
	if err != nil {
		jobs = nil
	}
	return videos, jobs
}

var _ Repository = (*postgresRepository)(nil)
