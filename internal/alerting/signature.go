package alerting

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"

	"stalewatch/internal/model"
)

// maxSignatureReasons bounds how many reasons per offender feed the
// signature, so cosmetic reason churn past the first few does not
// change the identity of the stale state.
const maxSignatureReasons = 3

type signatureOffender struct {
	URL      string   `json:"url"`
	Priority string   `json:"priority"`
	Reasons  []string `json:"reasons,omitempty"`
}

type signaturePayload struct {
	OrgID              string              `json:"org_id"`
	StaleRatio         string              `json:"stale_ratio"`
	StaleOffenderCount int                 `json:"stale_offender_count"`
	ManifestHash       string              `json:"manifest_hash"`
	Offenders          []signatureOffender `json:"offenders"`
}

// Signature derives the stable identity of a candidate's stale state:
// SHA-256 hex over canonical JSON of orgId, the ratio rounded to four
// decimals, the offender count, the manifest hash, and the top
// offenders each trimmed to at most three reasons. Rounding and
// trimming make the signature insensitive to run-to-run noise while
// keeping it sensitive to substantive offender-set changes.
func Signature(cand model.AlertCandidate) string {
	payload := signaturePayload{
		OrgID:              cand.OrgID,
		StaleRatio:         roundRatio(cand.StaleRatio),
		StaleOffenderCount: cand.StaleOffenderCount,
		ManifestHash:       cand.ManifestHash,
		Offenders:          trimOffenders(cand.TopOffenders),
	}
	return hashJSON(payload)
}

type manifestOffender struct {
	URL      string `json:"url"`
	Priority string `json:"priority"`
}

type manifestPayload struct {
	StaleRatio         string             `json:"stale_ratio"`
	StaleOffenderCount int                `json:"stale_offender_count"`
	Offenders          []manifestOffender `json:"offenders"`
}

// ManifestHash is the coarser of the two stale-state identities: it
// ignores reasons entirely, so it survives reason-text churn that the
// signature does not.
func ManifestHash(staleRatio float64, staleCount int, offenders []model.Offender) string {
	payload := manifestPayload{
		StaleRatio:         roundRatio(staleRatio),
		StaleOffenderCount: staleCount,
	}
	for _, off := range offenders {
		payload.Offenders = append(payload.Offenders, manifestOffender{
			URL:      off.Source.URL,
			Priority: string(off.Priority),
		})
	}
	return hashJSON(payload)
}

func trimOffenders(offenders []model.Offender) []signatureOffender {
	out := make([]signatureOffender, 0, len(offenders))
	for _, off := range offenders {
		reasons := off.AlertReasons
		if len(reasons) > maxSignatureReasons {
			reasons = reasons[:maxSignatureReasons]
		}
		out = append(out, signatureOffender{
			URL:      off.Source.URL,
			Priority: string(off.Priority),
			Reasons:  reasons,
		})
	}
	return out
}

func roundRatio(r float64) string {
	return strconv.FormatFloat(math.Round(r*10000)/10000, 'f', 4, 64)
}

func hashJSON(payload any) string {
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
