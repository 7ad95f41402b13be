package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"stalewatch/internal/model"
)

// Sender is the external notification collaborator: it delivers one
// batch atomically or fails as a whole.
type Sender interface {
	CreateBatch(ctx context.Context, batch []model.NotificationRecord) error
}

// BodyParams carries the run-level numbers rendered into every body.
type BodyParams struct {
	RatioThreshold float64
	LookbackDays   int
	MaxLines       int
	MaxExampleURLs int
	ActionURL      string
}

// Dispatcher turns a positive alert decision into one payload per
// recipient and delivers them as a single batch with bounded retries.
type Dispatcher struct {
	sender      Sender
	attempts    int
	backoffBase time.Duration
	logger      *slog.Logger
	sleep       func(time.Duration)
	now         func() time.Time
}

func NewDispatcher(sender Sender, attempts int, backoffBase time.Duration, logger *slog.Logger) *Dispatcher {
	if attempts < 1 {
		attempts = 1
	}
	return &Dispatcher{
		sender:      sender,
		attempts:    attempts,
		backoffBase: backoffBase,
		logger:      logger,
		sleep:       time.Sleep,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetSleep replaces the retry delay, for tests.
func (d *Dispatcher) SetSleep(fn func(time.Duration)) {
	if fn != nil {
		d.sleep = fn
	}
}

// SetNow replaces the clock, for tests.
func (d *Dispatcher) SetNow(fn func() time.Time) {
	if fn != nil {
		d.now = fn
	}
}

// Dispatch builds and sends the batch. Every payload shares the same
// title, priority and metadata; the metadata deliberately carries the
// signature, manifest hash and offender count but never the full
// offender list. After exhausting retries the last error is returned
// to the caller, which must not let it fail the run.
func (d *Dispatcher) Dispatch(ctx context.Context, cand model.AlertCandidate, decision model.AlertDecision, recipients []model.Member, params BodyParams) ([]model.NotificationRecord, error) {
	if !decision.ShouldSend {
		return nil, nil
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients for org %s", cand.OrgID)
	}

	title := fmt.Sprintf("Source freshness degraded for %s", cand.OrgID)
	priority := "HIGH"
	if decision.EscalationLevel == model.EscalationCritical {
		title = fmt.Sprintf("URGENT: source freshness still degraded for %s", cand.OrgID)
		priority = "CRITICAL"
	}
	body := renderBody(cand, params)
	meta := map[string]string{
		model.MetaTag:               model.AlertTag,
		model.MetaOffenderSignature: decision.OffenderSignature,
		model.MetaManifestHash:      decision.ManifestHash,
		model.MetaOffenderCount:     strconv.Itoa(cand.StaleOffenderCount),
	}

	created := d.now()
	batch := make([]model.NotificationRecord, 0, len(recipients))
	for _, member := range recipients {
		batch = append(batch, model.NotificationRecord{
			ID:        uuid.NewString(),
			OrgID:     cand.OrgID,
			UserID:    member.UserID,
			Title:     title,
			Body:      body,
			Priority:  priority,
			ActionURL: params.ActionURL,
			SourceTag: model.AlertTag,
			Metadata:  meta,
			CreatedAt: created,
		})
	}

	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 && d.backoffBase > 0 {
			d.sleep(d.backoffBase << (attempt - 2))
		}
		if err := d.sender.CreateBatch(ctx, batch); err != nil {
			lastErr = err
			if d.logger != nil {
				d.logger.Warn("notification batch failed",
					"org_id", cand.OrgID,
					"attempt", attempt,
					"recipients", len(batch),
					"err", err,
				)
			}
			continue
		}
		return batch, nil
	}
	return nil, fmt.Errorf("dispatch alert for org %s: %w", cand.OrgID, lastErr)
}

// renderBody produces the qualitative alert text: ratio against its
// threshold, the lookback window, a capped list of prioritized
// offender lines and a handful of example URLs. Raw priority weights
// are never rendered.
func renderBody(cand model.AlertCandidate, params BodyParams) string {
	maxLines := params.MaxLines
	if maxLines <= 0 {
		maxLines = 5
	}
	maxURLs := params.MaxExampleURLs
	if maxURLs <= 0 {
		maxURLs = 3
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d sources are stale (%.0f%%, alert threshold %.0f%%) over a %d-day freshness window.\n",
		cand.StaleOffenderCount, cand.TotalSources,
		cand.StaleRatio*100, params.RatioThreshold*100,
		params.LookbackDays)

	b.WriteString("Worst sources:\n")
	for i, off := range cand.TopOffenders {
		if i >= maxLines {
			break
		}
		reason := "stale"
		if len(off.AlertReasons) > 0 {
			reason = off.AlertReasons[0]
		}
		fmt.Fprintf(&b, "- [%s] %s — %s\n", off.Priority, off.Source.URL, reason)
	}

	if n := len(cand.TopOffenders); n > 0 {
		b.WriteString("Examples: ")
		for i, off := range cand.TopOffenders {
			if i >= maxURLs {
				break
			}
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(off.Source.URL)
		}
		b.WriteString("\n")
	}
	return b.String()
}
