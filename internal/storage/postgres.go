package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"stalewatch/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/stalewatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sources (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			jurisdiction TEXT NOT NULL,
			url TEXT NOT NULL,
			purpose TEXT NOT NULL,
			official BOOLEAN NOT NULL DEFAULT FALSE,
			discovered BOOLEAN NOT NULL DEFAULT FALSE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sources_org_url ON sources(org_id, url)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			title TEXT,
			captured_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_source ON snapshots(source_id, captured_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			report_json JSONB NOT NULL,
			PRIMARY KEY (run_id, org_id)
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			priority TEXT NOT NULL,
			action_url TEXT,
			source_tag TEXT NOT NULL,
			metadata_json JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_org_tag ON notifications(org_id, source_tag, created_at)`,
		`CREATE TABLE IF NOT EXISTS org_members (
			org_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			PRIMARY KEY (org_id, user_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) ListOrgIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT org_id FROM sources WHERE active ORDER BY org_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var orgID string
		if err := rows.Scan(&orgID); err != nil {
			return nil, err
		}
		out = append(out, orgID)
	}
	return out, rows.Err()
}

func (s *postgresStore) ListActiveSources(ctx context.Context, orgID string) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, jurisdiction, url, purpose, official, discovered, active, created_at
		FROM sources WHERE org_id = $1 AND active ORDER BY url`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Source
	for rows.Next() {
		var src model.Source
		var purpose string
		if err := rows.Scan(&src.ID, &src.OrgID, &src.Jurisdiction, &src.URL,
			&purpose, &src.Official, &src.Discovered, &src.Active, &src.CreatedAt); err != nil {
			return nil, err
		}
		src.Purpose = model.Purpose(purpose)
		src.CreatedAt = src.CreatedAt.UTC()
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *postgresStore) InsertSource(ctx context.Context, src model.Source) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, org_id, jurisdiction, url, purpose, official, discovered, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		src.ID, src.OrgID, src.Jurisdiction, src.URL, string(src.Purpose),
		src.Official, src.Discovered, src.Active, src.CreatedAt.UTC())
	return err
}

func (s *postgresStore) DeactivateSource(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET active = FALSE WHERE id = $1`, sourceID)
	return err
}

func (s *postgresStore) LatestSnapshot(ctx context.Context, sourceID string) (model.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, content_hash, COALESCE(title, ''), captured_at
		FROM snapshots WHERE source_id = $1 ORDER BY captured_at DESC LIMIT 1`, sourceID)
	var snap model.Snapshot
	err := row.Scan(&snap.ID, &snap.SourceID, &snap.ContentHash, &snap.Title, &snap.CapturedAt)
	if err == sql.ErrNoRows {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, err
	}
	snap.CapturedAt = snap.CapturedAt.UTC()
	return snap, true, nil
}

func (s *postgresStore) InsertSnapshot(ctx context.Context, snap model.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, source_id, content_hash, title, captured_at)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.ID, snap.SourceID, snap.ContentHash, snap.Title, snap.CapturedAt.UTC())
	return err
}

func (s *postgresStore) SaveRun(ctx context.Context, report model.RunReport) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, org_id, started_at, finished_at, report_json)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, org_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			report_json = EXCLUDED.report_json`,
		report.RunID, report.OrgID,
		report.StartedAt.UTC(), report.FinishedAt.UTC(),
		encodeJSON(report))
	return err
}

func (s *postgresStore) ListRecentDecisions(ctx context.Context, orgID string, since time.Time) ([]model.AlertDecision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT report_json::text FROM runs
		WHERE org_id = $1 AND finished_at >= $2
		ORDER BY finished_at ASC`,
		orgID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AlertDecision
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		if dec, ok := decodeDecision(raw); ok {
			out = append(out, dec)
		}
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveNotifications(ctx context.Context, batch []model.NotificationRecord) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO notifications (id, org_id, user_id, title, body, priority, action_url, source_tag, metadata_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx,
			rec.ID, rec.OrgID, rec.UserID, rec.Title, rec.Body, rec.Priority,
			rec.ActionURL, rec.SourceTag, encodeJSON(rec.Metadata),
			rec.CreatedAt.UTC()); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *postgresStore) ListNotificationsSince(ctx context.Context, orgID, tag string, since time.Time) ([]model.NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, user_id, title, body, priority, COALESCE(action_url, ''), source_tag, COALESCE(metadata_json::text, ''), created_at
		FROM notifications
		WHERE org_id = $1 AND source_tag = $2 AND created_at >= $3
		ORDER BY created_at DESC`,
		orgID, tag, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.NotificationRecord
	for rows.Next() {
		var rec model.NotificationRecord
		var meta string
		if err := rows.Scan(&rec.ID, &rec.OrgID, &rec.UserID, &rec.Title, &rec.Body,
			&rec.Priority, &rec.ActionURL, &rec.SourceTag, &meta, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Metadata = decodeMeta(meta)
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *postgresStore) ListMembers(ctx context.Context, orgID string) ([]model.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT org_id, user_id, role FROM org_members WHERE org_id = $1 ORDER BY user_id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Member
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.OrgID, &m.UserID, &m.Role); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *postgresStore) UpsertMember(ctx context.Context, m model.Member) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO org_members (org_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (org_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		m.OrgID, m.UserID, m.Role)
	return err
}
