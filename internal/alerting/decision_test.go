package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"stalewatch/internal/model"
)

type fakeHistory struct {
	records   []model.NotificationRecord
	decisions []model.AlertDecision
	err       error
	calls     int
}

func (h *fakeHistory) ListNotificationsSince(_ context.Context, orgID, tag string, since time.Time) ([]model.NotificationRecord, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	out := make([]model.NotificationRecord, 0)
	for _, rec := range h.records {
		if rec.OrgID == orgID && rec.SourceTag == tag && !rec.CreatedAt.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (h *fakeHistory) ListRecentDecisions(_ context.Context, orgID string, since time.Time) ([]model.AlertDecision, error) {
	h.calls++
	out := make([]model.AlertDecision, 0)
	for _, dec := range h.decisions {
		if dec.OrgID == orgID && !dec.DecidedAt.Before(since) {
			out = append(out, dec)
		}
	}
	return out, nil
}

func testConfig() Config {
	return Config{
		RatioThreshold:   0.4,
		QuietStartHour:   22,
		QuietEndHour:     6,
		DedupeWindow:     24 * time.Hour,
		EscalationStreak: 3,
	}
}

func candidate(orgID string, ratio float64, count int) model.AlertCandidate {
	offenders := make([]model.Offender, 0, count)
	for i := 0; i < count; i++ {
		offenders = append(offenders, model.Offender{
			ManifestEntry: model.ManifestEntry{
				Source: model.Source{URL: "https://site-" + string(rune('a'+i)) + ".example.gov"},
			},
			Priority:     model.PriorityCritical,
			AlertReasons: []string{"Source has never been captured."},
		})
	}
	cand := model.AlertCandidate{
		OrgID:              orgID,
		TotalSources:       count * 2,
		StaleOffenderCount: count,
		StaleRatio:         ratio,
		TopOffenders:       offenders,
	}
	cand.ManifestHash = ManifestHash(ratio, count, offenders)
	return cand
}

func matchingRecord(orgID string, cand model.AlertCandidate, createdAt time.Time) model.NotificationRecord {
	return model.NotificationRecord{
		OrgID:     orgID,
		SourceTag: model.AlertTag,
		CreatedAt: createdAt,
		Metadata: map[string]string{
			model.MetaOffenderSignature: Signature(cand),
			model.MetaManifestHash:      cand.ManifestHash,
		},
	}
}

func dayTime(hour int) func() time.Time {
	return func() time.Time {
		return time.Date(2026, 3, 10, hour, 30, 0, 0, time.UTC)
	}
}

func TestGateBelowRatioThreshold(t *testing.T) {
	hist := &fakeHistory{}
	eng := NewEngine(testConfig(), hist, nil)
	eng.SetNow(dayTime(14))

	dec, err := eng.Decide(context.Background(), candidate("org-1", 0.2, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Reason != model.DecisionNotAlert || dec.ShouldSend {
		t.Fatalf("got %+v, want not-alert", dec)
	}
	if hist.calls != 0 {
		t.Fatalf("gate must bypass history lookups, got %d calls", hist.calls)
	}
}

func TestGateZeroOffenders(t *testing.T) {
	hist := &fakeHistory{}
	eng := NewEngine(testConfig(), hist, nil)
	eng.SetNow(dayTime(14))

	dec, _ := eng.Decide(context.Background(), candidate("org-1", 1.0, 0))
	if dec.Reason != model.DecisionNotAlert || dec.ShouldSend {
		t.Fatalf("got %+v, want not-alert", dec)
	}
}

func TestSendNowWithCleanHistory(t *testing.T) {
	eng := NewEngine(testConfig(), &fakeHistory{}, nil)
	eng.SetNow(dayTime(14))

	dec, err := eng.Decide(context.Background(), candidate("org-1", 1.0, 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Reason != model.DecisionSendNow || !dec.ShouldSend {
		t.Fatalf("got %+v, want send-now", dec)
	}
	if dec.EscalationLevel != model.EscalationNormal || dec.PriorMatchCount != 0 {
		t.Fatalf("got %+v, want normal escalation with no prior matches", dec)
	}
	if dec.OffenderSignature == "" {
		t.Fatalf("signature must be set on non-gated decisions")
	}
}

func TestDuplicateSuppressed(t *testing.T) {
	cand := candidate("org-1", 1.0, 2)
	now := dayTime(14)
	hist := &fakeHistory{records: []model.NotificationRecord{
		matchingRecord("org-1", cand, now().Add(-2*time.Hour)),
	}}
	eng := NewEngine(testConfig(), hist, nil)
	eng.SetNow(now)

	dec, _ := eng.Decide(context.Background(), cand)
	if dec.Reason != model.DecisionDuplicate || dec.ShouldSend {
		t.Fatalf("got %+v, want suppressed-duplicate", dec)
	}
	if dec.PriorMatchCount != 1 {
		t.Fatalf("got %d prior matches, want 1", dec.PriorMatchCount)
	}
}

func TestMatchOutsideWindowIgnored(t *testing.T) {
	cand := candidate("org-1", 1.0, 2)
	now := dayTime(14)
	hist := &fakeHistory{records: []model.NotificationRecord{
		matchingRecord("org-1", cand, now().Add(-25*time.Hour)),
	}}
	eng := NewEngine(testConfig(), hist, nil)
	eng.SetNow(now)

	dec, _ := eng.Decide(context.Background(), cand)
	if dec.Reason != model.DecisionSendNow {
		t.Fatalf("got %+v, want send-now for match outside window", dec)
	}
}

func TestManifestHashAloneMatches(t *testing.T) {
	cand := candidate("org-1", 1.0, 2)
	now := dayTime(14)
	rec := matchingRecord("org-1", cand, now().Add(-time.Hour))
	delete(rec.Metadata, model.MetaOffenderSignature)
	hist := &fakeHistory{records: []model.NotificationRecord{rec}}
	eng := NewEngine(testConfig(), hist, nil)
	eng.SetNow(now)

	dec, _ := eng.Decide(context.Background(), cand)
	if dec.PriorMatchCount != 1 {
		t.Fatalf("manifest hash alone should count as a match: %+v", dec)
	}
}

func TestMatchesCountedPerBatchNotPerRecipient(t *testing.T) {
	cand := candidate("org-1", 1.0, 2)
	now := dayTime(14)
	// One prior alert fanned out to three recipients: all records share
	// a creation timestamp and must count as a single match.
	batchAt := now().Add(-2 * time.Hour)
	hist := &fakeHistory{records: []model.NotificationRecord{
		matchingRecord("org-1", cand, batchAt),
		matchingRecord("org-1", cand, batchAt),
		matchingRecord("org-1", cand, batchAt),
	}}
	eng := NewEngine(testConfig(), hist, nil)
	eng.SetNow(now)

	dec, _ := eng.Decide(context.Background(), cand)
	if dec.PriorMatchCount != 1 {
		t.Fatalf("got %d prior matches, want 1 per batch", dec.PriorMatchCount)
	}
	if dec.Reason != model.DecisionDuplicate {
		t.Fatalf("got %+v, want suppressed-duplicate", dec)
	}
}

func TestEscalationAtStreak(t *testing.T) {
	cand := candidate("org-1", 1.0, 2)
	now := dayTime(14)
	hist := &fakeHistory{records: []model.NotificationRecord{
		matchingRecord("org-1", cand, now().Add(-4*time.Hour)),
		matchingRecord("org-1", cand, now().Add(-2*time.Hour)),
	}}
	eng := NewEngine(testConfig(), hist, nil)
	eng.SetNow(now)

	dec, _ := eng.Decide(context.Background(), cand)
	if dec.Reason != model.DecisionEscalation || !dec.ShouldSend {
		t.Fatalf("got %+v, want escalation", dec)
	}
	if dec.EscalationLevel != model.EscalationCritical {
		t.Fatalf("escalation must raise severity to critical")
	}
	if dec.PriorMatchCount != 2 {
		t.Fatalf("got %d prior matches, want 2", dec.PriorMatchCount)
	}
}

func priorDecision(orgID string, cand model.AlertCandidate, reason model.DecisionReason, at time.Time) model.AlertDecision {
	return model.AlertDecision{
		OrgID:             orgID,
		Reason:            reason,
		OffenderSignature: Signature(cand),
		ManifestHash:      cand.ManifestHash,
		DecidedAt:         at,
	}
}

func TestSuppressedDecisionsCountTowardStreak(t *testing.T) {
	cand := candidate("org-1", 1.0, 2)
	now := dayTime(14)
	// One sent alert, then one suppressed duplicate. The suppressed run
	// sent nothing, but the stale state persisted through both runs, so
	// the third run must escalate.
	hist := &fakeHistory{
		records: []model.NotificationRecord{
			matchingRecord("org-1", cand, now().Add(-3*time.Hour)),
		},
		decisions: []model.AlertDecision{
			priorDecision("org-1", cand, model.DecisionSendNow, now().Add(-3*time.Hour)),
			priorDecision("org-1", cand, model.DecisionDuplicate, now().Add(-time.Hour)),
		},
	}
	eng := NewEngine(testConfig(), hist, nil)
	eng.SetNow(now)

	dec, _ := eng.Decide(context.Background(), cand)
	if dec.PriorMatchCount != 2 {
		t.Fatalf("got %d prior matches, want 2", dec.PriorMatchCount)
	}
	if dec.Reason != model.DecisionEscalation || !dec.ShouldSend {
		t.Fatalf("got %+v, want escalation", dec)
	}
}

func TestGatedDecisionsDoNotCount(t *testing.T) {
	cand := candidate("org-1", 1.0, 2)
	now := dayTime(14)
	gated := priorDecision("org-1", cand, model.DecisionNotAlert, now().Add(-time.Hour))
	gated.OffenderSignature = ""
	hist := &fakeHistory{decisions: []model.AlertDecision{gated}}
	eng := NewEngine(testConfig(), hist, nil)
	eng.SetNow(now)

	dec, _ := eng.Decide(context.Background(), cand)
	if dec.PriorMatchCount != 0 || dec.Reason != model.DecisionSendNow {
		t.Fatalf("got %+v, want send-now with zero matches", dec)
	}
}

func TestEscalationBeatsQuietHours(t *testing.T) {
	cand := candidate("org-1", 1.0, 2)
	now := dayTime(23) // inside default quiet window 22-6
	hist := &fakeHistory{records: []model.NotificationRecord{
		matchingRecord("org-1", cand, now().Add(-4*time.Hour)),
		matchingRecord("org-1", cand, now().Add(-2*time.Hour)),
	}}
	eng := NewEngine(testConfig(), hist, nil)
	eng.SetNow(now)

	dec, _ := eng.Decide(context.Background(), cand)
	if dec.Reason != model.DecisionEscalation || !dec.ShouldSend {
		t.Fatalf("escalation must fire inside quiet hours, got %+v", dec)
	}
}

func TestQuietHoursSuppress(t *testing.T) {
	eng := NewEngine(testConfig(), &fakeHistory{}, nil)
	eng.SetNow(dayTime(23))

	dec, _ := eng.Decide(context.Background(), candidate("org-1", 1.0, 2))
	if dec.Reason != model.DecisionQuietHours || dec.ShouldSend {
		t.Fatalf("got %+v, want quiet-hours suppression", dec)
	}
}

func TestQuietHoursBeatDuplicateSuppression(t *testing.T) {
	cand := candidate("org-1", 1.0, 2)
	now := dayTime(23)
	hist := &fakeHistory{records: []model.NotificationRecord{
		matchingRecord("org-1", cand, now().Add(-time.Hour)),
	}}
	eng := NewEngine(testConfig(), hist, nil)
	eng.SetNow(now)

	dec, _ := eng.Decide(context.Background(), cand)
	if dec.Reason != model.DecisionQuietHours {
		t.Fatalf("quiet hours must win over plain dedup, got %+v", dec)
	}
}

func TestQuietHourWraparound(t *testing.T) {
	cases := []struct {
		hour, start, end int
		want             bool
	}{
		{23, 22, 6, true},
		{2, 22, 6, true},
		{10, 22, 6, false},
		{22, 22, 6, true},
		{6, 22, 6, false},
		{3, 1, 5, true},
		{5, 1, 5, false},
		{0, 7, 7, false},
		{12, 7, 7, false},
	}
	for _, tc := range cases {
		if got := inQuietHours(tc.hour, tc.start, tc.end); got != tc.want {
			t.Fatalf("hour %d in [%d,%d): got %v, want %v", tc.hour, tc.start, tc.end, got, tc.want)
		}
	}
}

func TestMalformedMetadataIgnored(t *testing.T) {
	cand := candidate("org-1", 1.0, 2)
	now := dayTime(14)
	hist := &fakeHistory{records: []model.NotificationRecord{
		{OrgID: "org-1", SourceTag: model.AlertTag, CreatedAt: now().Add(-time.Hour), Metadata: nil},
		{OrgID: "org-1", SourceTag: model.AlertTag, CreatedAt: now().Add(-time.Hour),
			Metadata: map[string]string{"legacy_key": "x"}},
		{OrgID: "org-1", SourceTag: model.AlertTag, CreatedAt: now().Add(-time.Hour),
			Metadata: map[string]string{model.MetaOffenderSignature: "different"}},
	}}
	eng := NewEngine(testConfig(), hist, nil)
	eng.SetNow(now)

	dec, err := eng.Decide(context.Background(), cand)
	if err != nil {
		t.Fatalf("malformed metadata must not error: %v", err)
	}
	if dec.PriorMatchCount != 0 || dec.Reason != model.DecisionSendNow {
		t.Fatalf("got %+v, want send-now with zero matches", dec)
	}
}

func TestHistoryErrorSurfaced(t *testing.T) {
	hist := &fakeHistory{err: errors.New("db down")}
	eng := NewEngine(testConfig(), hist, nil)
	eng.SetNow(dayTime(14))

	_, err := eng.Decide(context.Background(), candidate("org-1", 1.0, 2))
	if err == nil {
		t.Fatalf("expected history error to surface")
	}
}

func TestSignatureStability(t *testing.T) {
	a := candidate("org-1", 0.66667, 3)
	b := candidate("org-1", 0.66668, 3)
	// Identical after rounding to 4 decimals, same offenders and hash.
	b.ManifestHash = a.ManifestHash
	b.StaleRatio = 0.666672
	if Signature(a) != Signature(b) {
		t.Fatalf("signature must be insensitive to sub-rounding ratio noise")
	}
}

func TestSignatureTrimsReasons(t *testing.T) {
	a := candidate("org-1", 1.0, 1)
	b := candidate("org-1", 1.0, 1)
	b.ManifestHash = a.ManifestHash
	a.TopOffenders[0].AlertReasons = []string{"r1", "r2", "r3", "r4"}
	b.TopOffenders[0].AlertReasons = []string{"r1", "r2", "r3", "different tail"}
	if Signature(a) != Signature(b) {
		t.Fatalf("reasons past the first three must not affect the signature")
	}
}

func TestSignatureSensitiveToOffenderSet(t *testing.T) {
	a := candidate("org-1", 1.0, 2)
	b := candidate("org-1", 1.0, 2)
	b.ManifestHash = a.ManifestHash
	b.TopOffenders[1].Source.URL = "https://other.example.gov"
	if Signature(a) == Signature(b) {
		t.Fatalf("signature must change when the offender set changes")
	}
}

func TestDecisionStoreRing(t *testing.T) {
	store := NewStore(2)
	for i := 0; i < 3; i++ {
		store.Add(model.AlertDecision{OrgID: "org", PriorMatchCount: i})
	}
	list := store.List(0)
	if len(list) != 2 {
		t.Fatalf("got %d decisions, want 2", len(list))
	}
	if list[0].PriorMatchCount != 1 || list[1].PriorMatchCount != 2 {
		t.Fatalf("ring should keep the newest entries: %+v", list)
	}
}
