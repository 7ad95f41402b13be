package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stalewatch/internal/model"
)

// Config carries the decision knobs. Values arrive pre-clamped from
// the config package.
type Config struct {
	RatioThreshold   float64
	QuietStartHour   int
	QuietEndHour     int
	DedupeWindow     time.Duration
	EscalationStreak int
}

// History is the slice of persistence the engine reads: notifications
// this subsystem created for the org within the lookback window, and
// the decisions embedded in the org's recent run reports. Decisions
// are needed because a suppressed duplicate sends nothing yet still
// counts toward an escalation streak.
type History interface {
	ListNotificationsSince(ctx context.Context, orgID, tag string, since time.Time) ([]model.NotificationRecord, error)
	ListRecentDecisions(ctx context.Context, orgID string, since time.Time) ([]model.AlertDecision, error)
}

// Engine decides, per organization per run, whether to send an alert
// now, suppress it, or escalate it. The clock is injectable so quiet
// hours and window math are testable without real time passing.
type Engine struct {
	cfg     Config
	history History
	logger  *slog.Logger
	now     func() time.Time
}

func NewEngine(cfg Config, history History, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		history: history,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetNow replaces the clock, for tests.
func (e *Engine) SetNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Decide runs the state machine: gate, then escalation, then quiet
// hours, then duplicate suppression, then send. Escalation must win
// over quiet hours, and quiet hours must win over plain duplicate
// suppression.
func (e *Engine) Decide(ctx context.Context, cand model.AlertCandidate) (model.AlertDecision, error) {
	now := e.now().UTC()
	decision := model.AlertDecision{
		OrgID:           cand.OrgID,
		EscalationLevel: model.EscalationNormal,
		ManifestHash:    cand.ManifestHash,
		DecidedAt:       now,
	}

	// Gate: below the ratio threshold, or nothing stale at all. The
	// only outcome that skips history lookups entirely.
	if cand.StaleRatio < e.cfg.RatioThreshold || cand.StaleOffenderCount == 0 {
		decision.Reason = model.DecisionNotAlert
		return decision, nil
	}

	decision.OffenderSignature = Signature(cand)

	since := now.Add(-e.cfg.DedupeWindow)
	prior, err := e.history.ListNotificationsSince(ctx, cand.OrgID, model.AlertTag, since)
	if err != nil {
		return decision, fmt.Errorf("alert history lookup for org %s: %w", cand.OrgID, err)
	}
	decisions, err := e.history.ListRecentDecisions(ctx, cand.OrgID, since)
	if err != nil {
		return decision, fmt.Errorf("decision history lookup for org %s: %w", cand.OrgID, err)
	}
	// Each matching decision normally pairs with a batch when it sent,
	// so the two counts overlap rather than add. The larger of the two
	// covers histories where only one side survives.
	batchMatches := countMatches(prior, decision.OffenderSignature, cand.ManifestHash)
	decisionMatches := countDecisionMatches(decisions, decision.OffenderSignature, cand.ManifestHash)
	decision.PriorMatchCount = batchMatches
	if decisionMatches > batchMatches {
		decision.PriorMatchCount = decisionMatches
	}

	// Escalation beats quiet hours: a stale state that keeps matching
	// across runs pages regardless of the clock.
	streak := e.cfg.EscalationStreak - 1
	if streak < 0 {
		streak = 0
	}
	if decision.PriorMatchCount > 0 && decision.PriorMatchCount >= streak {
		decision.Reason = model.DecisionEscalation
		decision.ShouldSend = true
		decision.EscalationLevel = model.EscalationCritical
		if e.logger != nil {
			e.logger.Warn("alert escalated",
				"org_id", cand.OrgID,
				"prior_matches", decision.PriorMatchCount,
				"stale_ratio", cand.StaleRatio,
			)
		}
		return decision, nil
	}

	if inQuietHours(now.Hour(), e.cfg.QuietStartHour, e.cfg.QuietEndHour) {
		decision.Reason = model.DecisionQuietHours
		return decision, nil
	}

	if decision.PriorMatchCount > 0 {
		decision.Reason = model.DecisionDuplicate
		return decision, nil
	}

	decision.Reason = model.DecisionSendNow
	decision.ShouldSend = true
	return decision, nil
}

// countMatches counts prior alerts whose stored signature OR stored
// manifest hash matches the current state. Either match counts: the
// manifest hash is coarser and more stable than the trimmed signature.
// One alert fans out into a record per recipient, all sharing a
// creation timestamp, so matches are counted per distinct batch rather
// than per record; otherwise the count would scale with org size.
// Records with missing or foreign metadata count as no match.
func countMatches(prior []model.NotificationRecord, signature, manifestHash string) int {
	batches := make(map[time.Time]bool)
	for _, rec := range prior {
		if rec.Metadata == nil {
			continue
		}
		matched := false
		if sig, ok := rec.Metadata[model.MetaOffenderSignature]; ok && sig != "" && sig == signature {
			matched = true
		} else if mh, ok := rec.Metadata[model.MetaManifestHash]; ok && mh != "" && mh == manifestHash {
			matched = true
		}
		if matched {
			batches[rec.CreatedAt] = true
		}
	}
	return len(batches)
}

// countDecisionMatches counts prior decisions for the same stale
// state. Gated decisions never match: they carry no signature, and a
// below-threshold run breaks the streak anyway.
func countDecisionMatches(decisions []model.AlertDecision, signature, manifestHash string) int {
	n := 0
	for _, dec := range decisions {
		if dec.Reason == model.DecisionNotAlert {
			continue
		}
		if (dec.OffenderSignature != "" && dec.OffenderSignature == signature) ||
			(dec.ManifestHash != "" && dec.ManifestHash == manifestHash) {
			n++
		}
	}
	return n
}

// inQuietHours reports whether hour falls in [start, end), wrapping
// past midnight when start > end. start == end disables quiet hours.
func inQuietHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
