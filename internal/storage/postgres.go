package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"classreel-media/internal/media"
	"classreel-media/internal/models"
)

// PostgresConfig tunes the connection pool behind the Postgres repository.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

type postgresRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS lessons (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS media_assets (
	lesson_id TEXT PRIMARY KEY REFERENCES lessons(id) ON DELETE CASCADE,
	id TEXT NOT NULL,
	status TEXT NOT NULL,
	storage_key TEXT NOT NULL DEFAULT '',
	upload_session_id TEXT,
	filename TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL DEFAULT 0,
	progress INT NOT NULL DEFAULT 0,
	processing_error TEXT NOT NULL DEFAULT '',
	processing_job_id TEXT NOT NULL DEFAULT '',
	renditions JSONB NOT NULL DEFAULT '[]',
	thumbnail_url TEXT NOT NULL DEFAULT '',
	duration_seconds INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS media_assets_status_idx ON media_assets (status);
`

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema migration.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
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
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return &postgresRepository{pool: pool, now: time.Now}, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close drains the pool, honouring the context deadline.
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

func (r *postgresRepository) CreateLesson(params CreateLessonParams) (models.Lesson, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Lesson{}, media.NewError(media.KindValidation, "lesson title is required")
	}
	ownerID := strings.TrimSpace(params.OwnerID)
	if ownerID == "" {
		return models.Lesson{}, media.NewError(media.KindValidation, "lesson owner is required")
	}

	id, err := generateID()
	if err != nil {
		return models.Lesson{}, err
	}
	lesson := models.Lesson{
		ID:        id,
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: r.now().UTC(),
	}
	_, err = r.pool.Exec(context.Background(),
		`INSERT INTO lessons (id, owner_id, title, created_at) VALUES ($1, $2, $3, $4)`,
		lesson.ID, lesson.OwnerID, lesson.Title, lesson.CreatedAt)
	if err != nil {
		return models.Lesson{}, fmt.Errorf("insert lesson: %w", err)
	}
	return lesson, nil
}

func (r *postgresRepository) GetLesson(id string) (models.Lesson, bool) {
	var lesson models.Lesson
	err := r.pool.QueryRow(context.Background(),
		`SELECT id, owner_id, title, created_at FROM lessons WHERE id = $1`, id).
		Scan(&lesson.ID, &lesson.OwnerID, &lesson.Title, &lesson.CreatedAt)
	if err != nil {
		return models.Lesson{}, false
	}
	return lesson, true
}

func (r *postgresRepository) ListLessons(ownerID string) []models.Lesson {
	query := `SELECT id, owner_id, title, created_at FROM lessons ORDER BY created_at, id`
	args := []any{}
	if ownerID != "" {
		query = `SELECT id, owner_id, title, created_at FROM lessons WHERE owner_id = $1 ORDER BY created_at, id`
		args = append(args, ownerID)
	}
	rows, err := r.pool.Query(context.Background(), query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var lessons []models.Lesson
	for rows.Next() {
		var lesson models.Lesson
		if err := rows.Scan(&lesson.ID, &lesson.OwnerID, &lesson.Title, &lesson.CreatedAt); err != nil {
			return nil
		}
		lessons = append(lessons, lesson)
	}
	return lessons
}

const assetColumns = `lesson_id, id, status, storage_key, upload_session_id, filename, content_type,
	size_bytes, progress, processing_error, processing_job_id, renditions, thumbnail_url,
	duration_seconds, created_at, updated_at, completed_at`

func scanAsset(row pgx.Row) (models.MediaAsset, error) {
	var (
		asset      models.MediaAsset
		renditions []byte
	)
	err := row.Scan(&asset.LessonID, &asset.ID, &asset.Status, &asset.StorageKey, &asset.UploadSessionID,
		&asset.Filename, &asset.ContentType, &asset.SizeBytes, &asset.Progress, &asset.ProcessingError,
		&asset.ProcessingJobID, &renditions, &asset.ThumbnailURL, &asset.DurationSeconds,
		&asset.CreatedAt, &asset.UpdatedAt, &asset.CompletedAt)
	if err != nil {
		return models.MediaAsset{}, err
	}
	if len(renditions) > 0 {
		if err := json.Unmarshal(renditions, &asset.Renditions); err != nil {
			return models.MediaAsset{}, fmt.Errorf("decode renditions: %w", err)
		}
	}
	return asset, nil
}

func (r *postgresRepository) GetAsset(lessonID string) (models.MediaAsset, bool) {
	row := r.pool.QueryRow(context.Background(),
		`SELECT `+assetColumns+` FROM media_assets WHERE lesson_id = $1`, lessonID)
	asset, err := scanAsset(row)
	if err != nil {
		return models.MediaAsset{}, false
	}
	return asset, true
}

func (r *postgresRepository) EnsureAsset(lessonID string) (models.MediaAsset, error) {
	ctx := context.Background()
	if _, ok := r.GetLesson(lessonID); !ok {
		return models.MediaAsset{}, media.NewError(media.KindNotFound, "lesson %s not found", lessonID)
	}
	if asset, ok := r.GetAsset(lessonID); ok {
		return asset, nil
	}

	id, err := generateID()
	if err != nil {
		return models.MediaAsset{}, err
	}
	now := r.now().UTC()
	// Concurrent first writes race on the primary key; the loser keeps the
	// existing row.
	_, err = r.pool.Exec(ctx,
		`INSERT INTO media_assets (lesson_id, id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (lesson_id) DO NOTHING`,
		lessonID, id, media.StatusPending, now)
	if err != nil {
		return models.MediaAsset{}, fmt.Errorf("insert media asset: %w", err)
	}
	asset, ok := r.GetAsset(lessonID)
	if !ok {
		return models.MediaAsset{}, fmt.Errorf("media asset for lesson %s missing after insert", lessonID)
	}
	return asset, nil
}

func (r *postgresRepository) ApplyAssetUpdate(lessonID string, update media.Update) (models.MediaAsset, error) {
	ctx := context.Background()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.MediaAsset{}, fmt.Errorf("begin asset update: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM media_assets WHERE lesson_id = $1 FOR UPDATE`, lessonID)
	asset, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MediaAsset{}, media.NewError(media.KindNotFound, "media asset for lesson %s not found", lessonID)
	}
	if err != nil {
		return models.MediaAsset{}, fmt.Errorf("load media asset: %w", err)
	}

	updated, err := media.Apply(asset, update, r.now())
	if err != nil {
		return models.MediaAsset{}, err
	}
	renditions, err := json.Marshal(updated.Renditions)
	if err != nil {
		return models.MediaAsset{}, fmt.Errorf("encode renditions: %w", err)
	}
	if updated.Renditions == nil {
		renditions = []byte("[]")
	}

	_, err = tx.Exec(ctx,
		`UPDATE media_assets SET status = $2, storage_key = $3, upload_session_id = $4, filename = $5,
			content_type = $6, size_bytes = $7, progress = $8, processing_error = $9,
			processing_job_id = $10, renditions = $11, thumbnail_url = $12, duration_seconds = $13,
			updated_at = $14, completed_at = $15
		 WHERE lesson_id = $1`,
		lessonID, updated.Status, updated.StorageKey, updated.UploadSessionID, updated.Filename,
		updated.ContentType, updated.SizeBytes, updated.Progress, updated.ProcessingError,
		updated.ProcessingJobID, renditions, updated.ThumbnailURL, updated.DurationSeconds,
		updated.UpdatedAt, updated.CompletedAt)
	if err != nil {
		return models.MediaAsset{}, fmt.Errorf("update media asset: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.MediaAsset{}, fmt.Errorf("commit asset update: %w", err)
	}
	return updated, nil
}

func (r *postgresRepository) ListAssetsByStatus(status string) []models.MediaAsset {
	rows, err := r.pool.Query(context.Background(),
		`SELECT `+assetColumns+` FROM media_assets WHERE status = $1 ORDER BY updated_at`, status)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var assets []models.MediaAsset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil
		}
		assets = append(assets, asset)
	}
	return assets
}

var _ Repository = (*postgresRepository)(nil)
