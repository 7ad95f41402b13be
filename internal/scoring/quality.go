package scoring

import "stalewatch/internal/model"

// Bucket thresholds applied to the quality score. A score at or above
// the threshold falls into that bucket; anything below all three is
// critical. Never-captured sources bypass the score entirely.
const (
	freshThreshold = 0.8
	agingThreshold = 0.55
	staleThreshold = 0.3
)

// QualityScore converts days-since-last-capture into [0,1]. A nil
// staleness (never captured) scores 0; zero days scores 1; the score
// decays linearly to 0 across the lookback window and stays there.
func QualityScore(stalenessDays *int, lookbackDays int) float64 {
	if stalenessDays == nil {
		return 0
	}
	if lookbackDays <= 0 {
		lookbackDays = 1
	}
	d := *stalenessDays
	if d < 0 {
		d = 0
	}
	if d > lookbackDays {
		d = lookbackDays
	}
	score := 1 - float64(d)/float64(lookbackDays)
	if score < 0 {
		return 0
	}
	return score
}

// QualityBucket maps (staleness, score) to a discrete bucket. Total:
// every input lands in exactly one bucket.
func QualityBucket(stalenessDays *int, score float64) model.Bucket {
	if stalenessDays == nil {
		return model.BucketNeverCaptured
	}
	switch {
	case score >= freshThreshold:
		return model.BucketFresh
	case score >= agingThreshold:
		return model.BucketAging
	case score >= staleThreshold:
		return model.BucketStale
	default:
		return model.BucketCritical
	}
}
