package prioritize

import (
	"fmt"
	"sort"

	"stalewatch/internal/model"
)

// Weight bonuses per triggered condition. Ordered so that capture
// failure and never-captured always dominate staleness-day magnitude,
// which in turn dominates quality-bucket nuance.
const (
	failedCaptureBonus  = 12000.0
	neverCapturedBonus  = 9000.0
	stalenessPerDay     = 80.0
	stalenessBonusCap   = 8000.0
	criticalBucketBonus = 4000.0
	staleBucketBonus    = 1000.0
	lowQualityBonus     = 1500.0
)

// Thresholds are the alerting cutoffs used for classification, not the
// freshness-bucket cutoffs.
type Thresholds struct {
	StalenessDays int
	Quality       float64
}

// Classify tags a manifest entry with a priority tier, an ordering
// weight and human-readable reasons. Critical when any alert condition
// triggers, warning otherwise. The weight starts at the entry's rank
// score and accumulates a bonus per condition; it is used only for
// ordering.
func Classify(entry model.ManifestEntry, th Thresholds) model.Offender {
	off := model.Offender{
		ManifestEntry:  entry,
		Priority:       model.PriorityWarning,
		PriorityWeight: entry.RankScore,
	}
	reasons := newReasonList()

	captureFailed := entry.NeedsCapture && !entry.Capture.Success && entry.Capture.Attempts > 0
	if captureFailed {
		off.Priority = model.PriorityCritical
		off.PriorityWeight += failedCaptureBonus
		reasons.add(fmt.Sprintf("Capture failed after %d attempts.", entry.Capture.Attempts))
	}
	if entry.StalenessDays == nil {
		off.Priority = model.PriorityCritical
		off.PriorityWeight += neverCapturedBonus
		reasons.add("Source has never been captured.")
	} else if *entry.StalenessDays >= th.StalenessDays {
		off.Priority = model.PriorityCritical
		bonus := float64(*entry.StalenessDays) * stalenessPerDay
		if bonus > stalenessBonusCap {
			bonus = stalenessBonusCap
		}
		off.PriorityWeight += bonus
		reasons.add(fmt.Sprintf("Last successful capture is %d days old (alert threshold %d).", *entry.StalenessDays, th.StalenessDays))
	}
	switch entry.QualityBucket {
	case model.BucketCritical:
		off.Priority = model.PriorityCritical
		off.PriorityWeight += criticalBucketBonus
		reasons.add("Freshness is in the critical band.")
	case model.BucketStale:
		off.PriorityWeight += staleBucketBonus
		reasons.add("Freshness is in the stale band.")
	}
	if entry.QualityScore < th.Quality {
		off.Priority = model.PriorityCritical
		off.PriorityWeight += lowQualityBonus
		reasons.add(fmt.Sprintf("Quality score %.2f is below the alert threshold %.2f.", entry.QualityScore, th.Quality))
	}
	if entry.Capture.Error != "" {
		reasons.add(entry.Capture.Error)
	}

	off.AlertReasons = reasons.list
	return off
}

// Less defines the total order used to rank offenders: critical before
// warning, then descending weight, descending rank score, descending
// capture attempts, and finally ascending URL. The URL tie-break
// guarantees no two distinct offenders compare equal, which keeps
// top-N slicing and notification content reproducible.
func Less(a, b model.Offender) bool {
	if a.Priority != b.Priority {
		return a.Priority == model.PriorityCritical
	}
	if a.PriorityWeight != b.PriorityWeight {
		return a.PriorityWeight > b.PriorityWeight
	}
	if a.RankScore != b.RankScore {
		return a.RankScore > b.RankScore
	}
	if a.Capture.Attempts != b.Capture.Attempts {
		return a.Capture.Attempts > b.Capture.Attempts
	}
	return a.Source.URL < b.Source.URL
}

// Sort orders offenders by Less. Stable by construction: Less is a
// strict total order whenever URLs are unique.
func Sort(offenders []model.Offender) {
	sort.Slice(offenders, func(i, j int) bool {
		return Less(offenders[i], offenders[j])
	})
}

// reasonList keeps first-detection order while deduplicating by exact
// text.
type reasonList struct {
	seen map[string]bool
	list []string
}

func newReasonList() *reasonList {
	return &reasonList{seen: make(map[string]bool)}
}

func (r *reasonList) add(text string) {
	if text == "" || r.seen[text] {
		return
	}
	r.seen[text] = true
	r.list = append(r.list, text)
}
