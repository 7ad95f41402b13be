package run

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"stalewatch/internal/alerting"
	"stalewatch/internal/capture"
	"stalewatch/internal/config"
	"stalewatch/internal/model"
	"stalewatch/internal/notify"
	"stalewatch/internal/pack"
	"stalewatch/internal/prioritize"
	"stalewatch/internal/scoring"
	"stalewatch/internal/stats"
	"stalewatch/internal/storage"
)

// Orchestrator sequences one run: per organization, discover new pack
// sources, score and capture sources in rank order, classify
// offenders, persist a report, then decide and dispatch the alert.
// Strictly sequential; one org's failures never block another's.
type Orchestrator struct {
	cfg       *config.Config
	store     storage.Store
	capturer  capture.Capturer
	sender    notify.Sender
	seedPack  *pack.Pack
	stats     *stats.Store
	decisions *alerting.Store
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(time.Duration)
}

func New(cfg *config.Config, store storage.Store, capturer capture.Capturer, sender notify.Sender, seedPack *pack.Pack, statsStore *stats.Store, decisionStore *alerting.Store, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		capturer:  capturer,
		sender:    sender,
		seedPack:  seedPack,
		stats:     statsStore,
		decisions: decisionStore,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     time.Sleep,
	}
}

// SetNow replaces the clock, for tests.
func (o *Orchestrator) SetNow(fn func() time.Time) {
	if fn != nil {
		o.now = fn
	}
}

// SetSleep replaces the retry backoff delay, for tests.
func (o *Orchestrator) SetSleep(fn func(time.Duration)) {
	if fn != nil {
		o.sleep = fn
	}
}

// Execute performs one full run across all organizations. Only a total
// infrastructure failure (cannot enumerate orgs at all) returns an
// error; everything else is reported in the per-org statistics.
func (o *Orchestrator) Execute(ctx context.Context) (model.RunSummary, error) {
	summary := model.RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: o.now(),
	}
	orgIDs, err := o.store.ListOrgIDs(ctx)
	if err != nil {
		return summary, fmt.Errorf("list organizations: %w", err)
	}

	// One recipient cache per run, dropped when Execute returns.
	recipients := notify.NewRecipientCache(o.store)

	for _, orgID := range orgIDs {
		st := o.processOrg(ctx, summary.RunID, orgID, recipients)
		summary.Orgs = append(summary.Orgs, st)
		if o.stats != nil {
			o.stats.Update(orgID, st)
		}
	}
	summary.FinishedAt = o.now()
	if o.logger != nil {
		o.logger.Info("run finished",
			"run_id", summary.RunID,
			"orgs", len(summary.Orgs),
			"took", summary.FinishedAt.Sub(summary.StartedAt),
		)
	}
	return summary, nil
}

func (o *Orchestrator) processOrg(ctx context.Context, runID, orgID string, recipients *notify.RecipientCache) model.OrgStats {
	st := model.OrgStats{OrgID: orgID}
	startedAt := o.now()

	sources, err := o.store.ListActiveSources(ctx, orgID)
	if err != nil {
		st.Error = fmt.Sprintf("list sources: %v", err)
		return st
	}
	sources, discovered := o.discover(ctx, orgID, sources)
	st.Discovered = discovered
	st.TotalSources = len(sources)
	if len(sources) == 0 {
		return st
	}

	entries := o.scoreSources(ctx, sources)

	// Capture in descending rank order; ties broken by URL so the
	// sequence is reproducible.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].RankScore != entries[j].RankScore {
			return entries[i].RankScore > entries[j].RankScore
		}
		return entries[i].Source.URL < entries[j].Source.URL
	})

	executor := capture.NewExecutor(
		o.capturer,
		o.cfg.Capture.Attempts,
		time.Duration(o.cfg.Capture.BackoffBaseMs)*time.Millisecond,
		o.cfg.Capture.AttemptTimeout,
		o.logger,
	)
	executor.SetSleep(o.sleep)

	for i := range entries {
		if !entries[i].NeedsCapture {
			entries[i].SkipReason = "fresh within recapture interval"
			st.Skipped++
			continue
		}
		entries[i].Capture = executor.Run(ctx, capture.Request{
			SourceID:        entries[i].Source.ID,
			URL:             entries[i].Source.URL,
			OrgID:           orgID,
			RunID:           runID,
			OfficialDomains: o.cfg.Capture.OfficialDomains,
		})
		if entries[i].Capture.Success {
			st.Captured++
		} else {
			st.CaptureFailed++
		}
	}

	offenders := make([]model.Offender, 0, len(entries))
	stale := make([]model.Offender, 0, len(entries))
	th := prioritize.Thresholds{
		StalenessDays: o.cfg.Alerting.StalenessDays,
		Quality:       o.cfg.Alerting.QualityThreshold,
	}
	for _, entry := range entries {
		off := prioritize.Classify(entry, th)
		offenders = append(offenders, off)
		if off.Priority == model.PriorityCritical {
			stale = append(stale, off)
		}
	}
	prioritize.Sort(offenders)
	prioritize.Sort(stale)

	cand := model.AlertCandidate{
		OrgID:              orgID,
		TotalSources:       len(entries),
		StaleOffenderCount: len(stale),
		StaleRatio:         float64(len(stale)) / float64(len(entries)),
		TopOffenders:       topN(stale, o.cfg.Alerting.TopOffenders),
	}
	cand.ManifestHash = alerting.ManifestHash(cand.StaleRatio, cand.StaleOffenderCount, cand.TopOffenders)
	st.StaleOffenders = cand.StaleOffenderCount
	st.StaleRatio = cand.StaleRatio

	engine := alerting.NewEngine(alerting.Config{
		RatioThreshold:   o.cfg.Alerting.RatioThreshold,
		QuietStartHour:   o.cfg.Alerting.QuietStartHour,
		QuietEndHour:     o.cfg.Alerting.QuietEndHour,
		DedupeWindow:     time.Duration(o.cfg.Alerting.DedupeWindowHours) * time.Hour,
		EscalationStreak: o.cfg.Alerting.EscalationStreak,
	}, o.store, o.logger)
	engine.SetNow(o.now)

	decision, decErr := engine.Decide(ctx, cand)
	if decErr != nil {
		// History lookup failed: record it and skip alerting for this
		// org without failing the run.
		st.Error = decErr.Error()
		if o.logger != nil {
			o.logger.Error("alert decision failed", "org_id", orgID, "err", decErr)
		}
	}
	st.Decision = decision.Reason
	if o.decisions != nil && decErr == nil {
		o.decisions.Add(decision)
	}

	report := model.RunReport{
		RunID:      runID,
		OrgID:      orgID,
		StartedAt:  startedAt,
		FinishedAt: o.now(),
		Entries:    entries,
		Offenders:  offenders,
		Candidate:  cand,
		Decision:   decision,
		Stats:      st,
	}
	if err := o.store.SaveRun(ctx, report); err != nil {
		// Fatal to this org's report only.
		st.Error = fmt.Sprintf("persist run report: %v", err)
		if o.logger != nil {
			o.logger.Error("report persistence failed", "org_id", orgID, "err", err)
		}
	}

	if decErr == nil && decision.ShouldSend {
		st.NotificationsSent = o.dispatch(ctx, cand, decision, recipients, &st)
	}
	return st
}

// scoreSources converts each source into a manifest entry: staleness
// from the latest snapshot, quality score, bucket and rank score. A
// snapshot read failure counts the source as never captured rather
// than aborting the org.
func (o *Orchestrator) scoreSources(ctx context.Context, sources []model.Source) []model.ManifestEntry {
	now := o.now()
	lookback := o.cfg.Freshness.LookbackDays
	entries := make([]model.ManifestEntry, 0, len(sources))
	for _, src := range sources {
		var stalenessDays *int
		snap, ok, err := o.store.LatestSnapshot(ctx, src.ID)
		if err != nil {
			if o.logger != nil {
				o.logger.Warn("snapshot lookup failed", "source_id", src.ID, "err", err)
			}
			ok = false
		}
		if ok {
			if days, captured := model.Staleness(snap.CapturedAt, now); captured {
				stalenessDays = model.IntPtr(days)
			}
		}
		score := scoring.QualityScore(stalenessDays, lookback)
		bucket := scoring.QualityBucket(stalenessDays, score)
		needsCapture := stalenessDays == nil || *stalenessDays >= o.cfg.Freshness.RecaptureDays
		rank := scoring.RankScore(scoring.RankInput{
			Official:      src.Official,
			Discovered:    src.Discovered,
			NeedsCapture:  needsCapture,
			StalenessDays: stalenessDays,
			Bucket:        bucket,
		}, lookback)
		entries = append(entries, model.NewManifestEntry(src, stalenessDays, score, bucket, rank, needsCapture))
	}
	return entries
}

// discover appends pack URLs not yet present for the org's
// jurisdictions. Discovery failures are logged and skipped; the run
// proceeds on the sources it has.
func (o *Orchestrator) discover(ctx context.Context, orgID string, sources []model.Source) ([]model.Source, int) {
	if o.seedPack == nil {
		return sources, 0
	}
	known := make(map[string]bool, len(sources))
	jurisdictions := make(map[string]bool)
	for _, src := range sources {
		known[src.URL] = true
		jurisdictions[src.Jurisdiction] = true
	}
	added := 0
	byJur := o.seedPack.ByJurisdiction()
	for jur := range jurisdictions {
		for _, entry := range byJur[jur] {
			if known[entry.URL] {
				continue
			}
			src := model.Source{
				ID:           uuid.NewString(),
				OrgID:        orgID,
				Jurisdiction: jur,
				URL:          entry.URL,
				Purpose:      model.PurposeDiscovered,
				Official:     entry.Official || capture.IsOfficialDomain(entry.URL, o.cfg.Capture.OfficialDomains),
				Discovered:   true,
				Active:       true,
				CreatedAt:    o.now(),
			}
			if err := o.store.InsertSource(ctx, src); err != nil {
				if o.logger != nil {
					o.logger.Warn("discovery insert failed", "org_id", orgID, "url", entry.URL, "err", err)
				}
				continue
			}
			known[src.URL] = true
			sources = append(sources, src)
			added++
		}
	}
	return sources, added
}

func (o *Orchestrator) dispatch(ctx context.Context, cand model.AlertCandidate, decision model.AlertDecision, recipients *notify.RecipientCache, st *model.OrgStats) int {
	members, err := recipients.Resolve(ctx, cand.OrgID)
	if err != nil {
		st.Error = fmt.Sprintf("resolve recipients: %v", err)
		return 0
	}
	dispatcher := notify.NewDispatcher(
		o.sender,
		o.cfg.Notify.Attempts,
		time.Duration(o.cfg.Notify.BackoffBaseMs)*time.Millisecond,
		o.logger,
	)
	dispatcher.SetSleep(o.sleep)
	dispatcher.SetNow(o.now)

	batch, err := dispatcher.Dispatch(ctx, cand, decision, members, notify.BodyParams{
		RatioThreshold: o.cfg.Alerting.RatioThreshold,
		LookbackDays:   o.cfg.Freshness.LookbackDays,
		MaxLines:       o.cfg.Alerting.TopOffenders,
		MaxExampleURLs: o.cfg.Alerting.ExampleURLs,
		ActionURL:      o.cfg.Alerting.DashboardActionURL,
	})
	if err != nil {
		// Dispatch failure is surfaced on the org's stats but never
		// fails the run or other orgs.
		st.Error = err.Error()
		return 0
	}
	if err := o.store.SaveNotifications(ctx, batch); err != nil {
		st.Error = fmt.Sprintf("persist notifications: %v", err)
		if o.logger != nil {
			o.logger.Error("notification persistence failed", "org_id", cand.OrgID, "err", err)
		}
	}
	return len(batch)
}

func topN(offenders []model.Offender, n int) []model.Offender {
	if n <= 0 || n > len(offenders) {
		n = len(offenders)
	}
	out := make([]model.Offender, n)
	copy(out, offenders[:n])
	return out
}
