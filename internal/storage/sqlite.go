package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"stalewatch/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:stalewatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sources (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			jurisdiction TEXT NOT NULL,
			url TEXT NOT NULL,
			purpose TEXT NOT NULL,
			official INTEGER NOT NULL DEFAULT 0,
			discovered INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sources_org_url ON sources(org_id, url)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			title TEXT,
			captured_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_source ON snapshots(source_id, captured_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			report_json TEXT NOT NULL,
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
			metadata_json TEXT,
			created_at TEXT NOT NULL
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

func (s *sqliteStore) ListOrgIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT org_id FROM sources WHERE active = 1 ORDER BY org_id`)
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

func (s *sqliteStore) ListActiveSources(ctx context.Context, orgID string) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, jurisdiction, url, purpose, official, discovered, active, created_at
		FROM sources WHERE org_id = ? AND active = 1 ORDER BY url`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertSource(ctx context.Context, src model.Source) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, org_id, jurisdiction, url, purpose, official, discovered, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.OrgID, src.Jurisdiction, src.URL, string(src.Purpose),
		boolInt(src.Official), boolInt(src.Discovered), boolInt(src.Active),
		formatTime(src.CreatedAt))
	return err
}

func (s *sqliteStore) DeactivateSource(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET active = 0 WHERE id = ?`, sourceID)
	return err
}

func (s *sqliteStore) LatestSnapshot(ctx context.Context, sourceID string) (model.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, content_hash, COALESCE(title, ''), captured_at
		FROM snapshots WHERE source_id = ? ORDER BY captured_at DESC LIMIT 1`, sourceID)
	var snap model.Snapshot
	var capturedAt string
	err := row.Scan(&snap.ID, &snap.SourceID, &snap.ContentHash, &snap.Title, &capturedAt)
	if err == sql.ErrNoRows {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, err
	}
	snap.CapturedAt = parseTime(capturedAt)
	return snap, true, nil
}

func (s *sqliteStore) InsertSnapshot(ctx context.Context, snap model.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, source_id, content_hash, title, captured_at)
		VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.SourceID, snap.ContentHash, snap.Title, formatTime(snap.CapturedAt))
	return err
}

func (s *sqliteStore) SaveRun(ctx context.Context, report model.RunReport) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (run_id, org_id, started_at, finished_at, report_json)
		VALUES (?, ?, ?, ?, ?)`,
		report.RunID, report.OrgID,
		formatTime(report.StartedAt), formatTime(report.FinishedAt),
		encodeJSON(report))
	return err
}

// ListRecentDecisions extracts the alert decision embedded in each
// persisted run report. Suppressed decisions count toward escalation
// streaks, so the lookback cannot rely on sent notifications alone.
func (s *sqliteStore) ListRecentDecisions(ctx context.Context, orgID string, since time.Time) ([]model.AlertDecision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT report_json FROM runs
		WHERE org_id = ? AND finished_at >= ?
		ORDER BY finished_at ASC`,
		orgID, formatTime(since))
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

func (s *sqliteStore) SaveNotifications(ctx context.Context, batch []model.NotificationRecord) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO notifications (id, org_id, user_id, title, body, priority, action_url, source_tag, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx,
			rec.ID, rec.OrgID, rec.UserID, rec.Title, rec.Body, rec.Priority,
			rec.ActionURL, rec.SourceTag, encodeJSON(rec.Metadata),
			formatTime(rec.CreatedAt)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListNotificationsSince(ctx context.Context, orgID, tag string, since time.Time) ([]model.NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, user_id, title, body, priority, COALESCE(action_url, ''), source_tag, COALESCE(metadata_json, ''), created_at
		FROM notifications
		WHERE org_id = ? AND source_tag = ? AND created_at >= ?
		ORDER BY created_at DESC`,
		orgID, tag, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.NotificationRecord
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListMembers(ctx context.Context, orgID string) ([]model.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT org_id, user_id, role FROM org_members WHERE org_id = ? ORDER BY user_id`, orgID)
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

func (s *sqliteStore) UpsertMember(ctx context.Context, m model.Member) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO org_members (org_id, user_id, role) VALUES (?, ?, ?)
		ON CONFLICT(org_id, user_id) DO UPDATE SET role = excluded.role`,
		m.OrgID, m.UserID, m.Role)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (model.Source, error) {
	var src model.Source
	var purpose, createdAt string
	var official, discovered, active int
	if err := row.Scan(&src.ID, &src.OrgID, &src.Jurisdiction, &src.URL,
		&purpose, &official, &discovered, &active, &createdAt); err != nil {
		return model.Source{}, err
	}
	src.Purpose = model.Purpose(purpose)
	src.Official = official != 0
	src.Discovered = discovered != 0
	src.Active = active != 0
	src.CreatedAt = parseTime(createdAt)
	return src, nil
}

func scanNotification(row rowScanner) (model.NotificationRecord, error) {
	var rec model.NotificationRecord
	var meta, createdAt string
	if err := row.Scan(&rec.ID, &rec.OrgID, &rec.UserID, &rec.Title, &rec.Body,
		&rec.Priority, &rec.ActionURL, &rec.SourceTag, &meta, &createdAt); err != nil {
		return model.NotificationRecord{}, err
	}
	rec.Metadata = decodeMeta(meta)
	rec.CreatedAt = parseTime(createdAt)
	return rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Second precision, fixed width: lexicographic order on the stored
// strings matches chronological order.
func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
