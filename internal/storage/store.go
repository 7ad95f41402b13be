package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"stalewatch/internal/config"
	"stalewatch/internal/model"
)

// Store is the persistence contract the run pipeline consumes: active
// sources and discovery appends, latest snapshots, run reports,
// notification history for dedupe lookback, and org membership for
// recipient resolution.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	ListOrgIDs(ctx context.Context) ([]string, error)
	ListActiveSources(ctx context.Context, orgID string) ([]model.Source, error)
	InsertSource(ctx context.Context, src model.Source) error
	DeactivateSource(ctx context.Context, sourceID string) error

	LatestSnapshot(ctx context.Context, sourceID string) (model.Snapshot, bool, error)
	InsertSnapshot(ctx context.Context, snap model.Snapshot) error

	SaveRun(ctx context.Context, report model.RunReport) error
	ListRecentDecisions(ctx context.Context, orgID string, since time.Time) ([]model.AlertDecision, error)

	SaveNotifications(ctx context.Context, batch []model.NotificationRecord) error
	ListNotificationsSince(ctx context.Context, orgID, tag string, since time.Time) ([]model.NotificationRecord, error)

	ListMembers(ctx context.Context, orgID string) ([]model.Member, error)
	UpsertMember(ctx context.Context, m model.Member) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

// decodeDecision pulls the embedded alert decision out of a stored run
// report. Reports from older schema versions that fail to decode are
// skipped rather than failing the lookback.
func decodeDecision(raw string) (model.AlertDecision, bool) {
	var report model.RunReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return model.AlertDecision{}, false
	}
	return report.Decision, true
}

func decodeMeta(raw string) map[string]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var meta map[string]string
	// Old or foreign metadata shapes are tolerated: an undecodable
	// blob simply yields no metadata, which downstream treats as no
	// match.
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil
	}
	return meta
}

