package model

import "time"

type Purpose string

const (
	PurposeSeed       Purpose = "seed"
	PurposeOrdinance  Purpose = "ordinance"
	PurposeFees       Purpose = "fees"
	PurposeForms      Purpose = "forms"
	PurposeDiscovered Purpose = "discovered"
)

type Bucket string

const (
	BucketNeverCaptured Bucket = "never_captured"
	BucketCritical      Bucket = "critical"
	BucketStale         Bucket = "stale"
	BucketAging         Bucket = "aging"
	BucketFresh         Bucket = "fresh"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityWarning  Priority = "warning"
)

type Escalation string

const (
	EscalationNormal   Escalation = "normal"
	EscalationCritical Escalation = "critical"
)

type DecisionReason string

const (
	DecisionNotAlert   DecisionReason = "not-alert"
	DecisionEscalation DecisionReason = "escalation"
	DecisionQuietHours DecisionReason = "quiet-hours"
	DecisionDuplicate  DecisionReason = "suppressed-duplicate"
	DecisionSendNow    DecisionReason = "send-now"
)

// Source is a (jurisdiction, URL, purpose) tuple owned by one
// organization. Sources are never mutated; they are deactivated
// instead of deleted.
type Source struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	Jurisdiction string    `json:"jurisdiction"`
	URL          string    `json:"url"`
	Purpose      Purpose   `json:"purpose"`
	Official     bool      `json:"official"`
	Discovered   bool      `json:"discovered"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Snapshot is the evidence reference left behind by a successful capture.
type Snapshot struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"source_id"`
	ContentHash string    `json:"content_hash"`
	Title       string    `json:"title,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
}

// CaptureAttempt is the outcome of one retry-bounded capture. It is
// never persisted on its own; it is folded into a ManifestEntry.
type CaptureAttempt struct {
	Attempts     int    `json:"attempts"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	SourceID     string `json:"source_id,omitempty"`
	SnapshotID   string `json:"snapshot_id,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`
	UsedFallback bool   `json:"used_fallback,omitempty"`
}

// ManifestEntry is one row per source per run. StalenessDays is nil
// when the source has never been captured. QualityBucket and RankScore
// are deterministic functions of the listed inputs.
type ManifestEntry struct {
	Source        Source         `json:"source"`
	StalenessDays *int           `json:"staleness_days"`
	QualityScore  float64        `json:"quality_score"`
	QualityBucket Bucket         `json:"quality_bucket"`
	RankScore     float64        `json:"rank_score"`
	NeedsCapture  bool           `json:"needs_capture"`
	SkipReason    string         `json:"skip_reason,omitempty"`
	Capture       CaptureAttempt `json:"capture"`
}

// NewManifestEntry clamps the quality score to [0,1] so downstream
// code never has to re-validate it.
func NewManifestEntry(src Source, stalenessDays *int, qualityScore float64, bucket Bucket, rankScore float64, needsCapture bool) ManifestEntry {
	return ManifestEntry{
		Source:        src,
		StalenessDays: stalenessDays,
		QualityScore:  clamp01(qualityScore),
		QualityBucket: bucket,
		RankScore:     rankScore,
		NeedsCapture:  needsCapture,
	}
}

// Offender is a ManifestEntry tagged with a priority tier, an ordering
// weight, and human-readable reasons. PriorityWeight is internal only
// and never rendered to end users.
type Offender struct {
	ManifestEntry
	Priority       Priority `json:"priority"`
	PriorityWeight float64  `json:"priority_weight"`
	AlertReasons   []string `json:"alert_reasons,omitempty"`
}

// AlertCandidate is the per-org aggregate handed to the decision
// engine. Computed once per run and consumed immediately.
type AlertCandidate struct {
	OrgID              string     `json:"org_id"`
	TotalSources       int        `json:"total_sources"`
	StaleOffenderCount int        `json:"stale_offender_count"`
	StaleRatio         float64    `json:"stale_ratio"`
	TopOffenders       []Offender `json:"top_offenders"`
	ManifestHash       string     `json:"manifest_hash"`
}

type AlertDecision struct {
	OrgID             string         `json:"org_id"`
	ShouldSend        bool           `json:"should_send"`
	EscalationLevel   Escalation     `json:"escalation_level"`
	Reason            DecisionReason `json:"reason"`
	PriorMatchCount   int            `json:"prior_match_count"`
	OffenderSignature string         `json:"offender_signature"`
	ManifestHash      string         `json:"manifest_hash"`
	DecidedAt         time.Time      `json:"decided_at"`
}

// NotificationRecord is one per-recipient alert payload. Historical
// records are read back during dedupe lookback; only the metadata keys
// this subsystem wrote are interpreted, everything else is ignored.
type NotificationRecord struct {
	ID        string            `json:"id"`
	OrgID     string            `json:"org_id"`
	UserID    string            `json:"user_id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Priority  string            `json:"priority"`
	ActionURL string            `json:"action_url,omitempty"`
	SourceTag string            `json:"source_tag"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Metadata keys written into every alert notification.
const (
	MetaTag               = "tag"
	MetaOffenderSignature = "offender_signature"
	MetaManifestHash      = "manifest_hash"
	MetaOffenderCount     = "offender_count"
)

// AlertTag identifies notifications created by this subsystem.
const AlertTag = "source-staleness-alert"

type Member struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	Role   string `json:"role"`
}

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// OrgStats summarizes one organization's slice of a run.
type OrgStats struct {
	OrgID             string         `json:"org_id"`
	TotalSources      int            `json:"total_sources"`
	Captured          int            `json:"captured"`
	CaptureFailed     int            `json:"capture_failed"`
	Skipped           int            `json:"skipped"`
	Discovered        int            `json:"discovered"`
	StaleOffenders    int            `json:"stale_offenders"`
	StaleRatio        float64        `json:"stale_ratio"`
	Decision          DecisionReason `json:"decision,omitempty"`
	NotificationsSent int            `json:"notifications_sent"`
	Error             string         `json:"error,omitempty"`
}

// RunReport is the persisted per-org outcome of one run.
type RunReport struct {
	RunID      string          `json:"run_id"`
	OrgID      string          `json:"org_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Entries    []ManifestEntry `json:"entries"`
	Offenders  []Offender      `json:"offenders"`
	Candidate  AlertCandidate  `json:"candidate"`
	Decision   AlertDecision   `json:"decision"`
	Stats      OrgStats        `json:"stats"`
}

// RunSummary is the run-level response: always a success listing
// per-org statistics, even when individual captures or alerts failed.
type RunSummary struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Orgs       []OrgStats `json:"orgs"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Staleness converts a last-capture timestamp into whole days relative
// to now. The bool is false when the source was never captured.
func Staleness(lastCapture time.Time, now time.Time) (int, bool) {
	if lastCapture.IsZero() {
		return 0, false
	}
	d := int(now.Sub(lastCapture).Hours() / 24)
	if d < 0 {
		d = 0
	}
	return d, true
}

// IntPtr is a convenience for nullable staleness values.
func IntPtr(v int) *int {
	return &v
}
