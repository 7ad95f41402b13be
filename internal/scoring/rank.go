package scoring

import "stalewatch/internal/model"

// Additive components of the capture-sequencing rank score. Rank only
// orders capture work; it never gates alerting.
const (
	officialBonus    = 400.0
	unofficialBase   = 40.0
	discoveredBonus  = 60.0
	recaptureBonus   = 150.0
	stalenessPerDay  = 15.0
)

// bucketBonus is a small monotone nudge: the fresher the source, the
// higher the bonus. Unknown buckets get nothing.
func bucketBonus(b model.Bucket) float64 {
	switch b {
	case model.BucketFresh:
		return 25
	case model.BucketAging:
		return 18
	case model.BucketStale:
		return 10
	case model.BucketCritical:
		return 5
	default:
		return 0
	}
}

type RankInput struct {
	Official      bool
	Discovered    bool
	NeedsCapture  bool
	StalenessDays *int
	Bucket        model.Bucket
}

// RankScore combines officiality, provenance, need-for-capture,
// staleness and bucket into one ordering score. Higher = capture
// sooner. Deterministic: identical inputs always produce identical
// scores.
//
// The staleness term is min(effectiveDays, 2*lookback) * perDay, where
// a nil staleness substitutes the 2*lookback cap itself so that a
// never-captured source ranks at least as urgent as a maximally stale
// one.
func RankScore(in RankInput, lookbackDays int) float64 {
	if lookbackDays <= 0 {
		lookbackDays = 1
	}
	score := unofficialBase
	if in.Official {
		score = officialBonus
	}
	if in.Discovered {
		score += discoveredBonus
	}
	if in.NeedsCapture {
		score += recaptureBonus
	}
	capDays := 2 * lookbackDays
	days := capDays
	if in.StalenessDays != nil {
		days = *in.StalenessDays
		if days < 0 {
			days = 0
		}
		if days > capDays {
			days = capDays
		}
	}
	score += float64(days) * stalenessPerDay
	score += bucketBonus(in.Bucket)
	return score
}
