package capture

import (
	"context"
	"log/slog"
	"time"

	"stalewatch/internal/model"
)

// Request identifies one capture of one source within a run.
type Request struct {
	SourceID        string
	URL             string
	OrgID           string
	RunID           string
	OfficialDomains []string
}

// Result is the evidence reference returned by a successful capture.
type Result struct {
	SourceID     string
	SnapshotID   string
	ContentHash  string
	UsedFallback bool
}

// Capturer is the external capture collaborator. Implementations own
// the transport and snapshot persistence; the executor only owns
// retries.
type Capturer interface {
	Capture(ctx context.Context, req Request) (Result, error)
}

// Executor wraps a Capturer with bounded retries, exponential backoff
// between attempts and a fixed per-attempt timeout. It mutates nothing;
// all state comes back in the CaptureAttempt.
type Executor struct {
	capturer       Capturer
	attempts       int
	backoffBase    time.Duration
	attemptTimeout time.Duration
	logger         *slog.Logger
	sleep          func(time.Duration)
}

func NewExecutor(capturer Capturer, attempts int, backoffBase, attemptTimeout time.Duration, logger *slog.Logger) *Executor {
	if attempts < 1 {
		attempts = 1
	}
	return &Executor{
		capturer:       capturer,
		attempts:       attempts,
		backoffBase:    backoffBase,
		attemptTimeout: attemptTimeout,
		logger:         logger,
		sleep:          time.Sleep,
	}
}

// SetSleep replaces the inter-attempt delay, for tests.
func (e *Executor) SetSleep(fn func(time.Duration)) {
	if fn != nil {
		e.sleep = fn
	}
}

// Run attempts the capture up to the retry ceiling. On exhaustion the
// attempt carries the last error's message.
func (e *Executor) Run(ctx context.Context, req Request) model.CaptureAttempt {
	var lastErr error
	tried := 0
	for attempt := 1; attempt <= e.attempts; attempt++ {
		tried = attempt
		if attempt > 1 && e.backoffBase > 0 {
			e.sleep(e.backoffBase << (attempt - 2))
		}
		attemptCtx := ctx
		cancel := func() {}
		if e.attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.attemptTimeout)
		}
		res, err := e.capturer.Capture(attemptCtx, req)
		cancel()
		if err == nil {
			return model.CaptureAttempt{
				Attempts:     attempt,
				Success:      true,
				SourceID:     res.SourceID,
				SnapshotID:   res.SnapshotID,
				ContentHash:  res.ContentHash,
				UsedFallback: res.UsedFallback,
			}
		}
		lastErr = err
		if e.logger != nil {
			e.logger.Warn("capture attempt failed",
				"url", req.URL,
				"attempt", attempt,
				"err", err,
			)
		}
		if ctx.Err() != nil {
			break
		}
	}
	msg := "capture failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return model.CaptureAttempt{
		Attempts: tried,
		Success:  false,
		Error:    msg,
		SourceID: req.SourceID,
	}
}
