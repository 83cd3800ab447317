package enrollment

import (
	"context"
	"time"

	"go.uber.org/zap"

	"checkout-gateway/internal/infra/clickfunnels"
	"checkout-gateway/internal/logging"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
	DefaultSourceType  = "stripe_checkout_session"
)

// Enroller is the part of the ClickFunnels client the orchestrator needs.
type Enroller interface {
	Enroll(ctx context.Context, contactID int64, courseID, sourceType, sourceID string) (clickfunnels.EnrollOutcome, error)
	ListEnrollments(ctx context.Context, courseID string, contactID int64) ([]clickfunnels.Enrollment, error)
}

// FailureRecorder receives courses that exhausted their attempts.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, key Key, attempts int, lastErr error) error
}

// BatchResult is the outcome of one EnrollInCourses call. Success is true iff
// Failed is empty.
type BatchResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    []string          `json:"failed"`
	Success   bool              `json:"success"`
	Errors    map[string]string `json:"errors,omitempty"`
}

type OrchestratorConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
	SourceType  string
	Recorder    FailureRecorder
}

type Orchestrator struct {
	enroller    Enroller
	tracker     Tracker
	recorder    FailureRecorder
	maxAttempts int
	delay       time.Duration
	sourceType  string
	sleep       func(context.Context, time.Duration) error
	logger      *zap.Logger
}

func NewOrchestrator(enroller Enroller, tracker Tracker, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.SourceType == "" {
		cfg.SourceType = DefaultSourceType
	}
	if tracker == nil {
		tracker = NewMemoryTracker(0, 0)
	}
	return &Orchestrator{
		enroller:    enroller,
		tracker:     tracker,
		recorder:    cfg.Recorder,
		maxAttempts: cfg.MaxAttempts,
		delay:       cfg.RetryDelay,
		sourceType:  cfg.SourceType,
		sleep:       sleepCtx,
		logger:      logging.OrNop(logger).Named("enrollment"),
	}
}

// EnrollInCourses grants each course to contactID, one course at a time. A
// course that keeps failing is recorded and skipped; it never stops the rest
// of the batch.
func (o *Orchestrator) EnrollInCourses(ctx context.Context, contactID int64, courseIDs []string, transactionID string) BatchResult {
	res := BatchResult{Succeeded: []string{}, Failed: []string{}}

	for _, courseID := range courseIDs {
		key := Key{TransactionID: transactionID, ContactID: contactID, CourseID: courseID}
		log := o.logger.With(
			zap.String("transaction_id", transactionID),
			zap.Int64("contact_id", contactID),
			zap.String("course_id", courseID),
		)

		if !o.tracker.ShouldProcess(ctx, key) {
			if o.activeEnrollmentExists(ctx, key, log) {
				res.Succeeded = append(res.Succeeded, courseID)
			} else {
				log.Info("enrollment already in progress elsewhere, skipping")
			}
			continue
		}

		attempts, err := o.enrollWithRetry(ctx, key, log)
		if err == nil {
			res.Succeeded = append(res.Succeeded, courseID)
			continue
		}

		log.Error("enrollment failed after retries", zap.Int("attempts", attempts), zap.Error(err))
		res.Failed = append(res.Failed, courseID)
		if res.Errors == nil {
			res.Errors = make(map[string]string)
		}
		res.Errors[courseID] = err.Error()

		if o.recorder != nil {
			if recErr := o.recorder.RecordFailure(ctx, key, attempts, err); recErr != nil {
				log.Error("could not queue failed enrollment", zap.Error(recErr))
			}
		}
	}

	res.Success = len(res.Failed) == 0
	return res
}

func (o *Orchestrator) enrollWithRetry(ctx context.Context, key Key, log *zap.Logger) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		out, err := o.enroller.Enroll(ctx, key.ContactID, key.CourseID, o.sourceType, key.TransactionID)
		if err == nil {
			if out.AlreadyEnrolled {
				log.Info("course already granted", zap.Int("attempt", attempt))
			} else {
				log.Info("course granted", zap.Int("attempt", attempt), zap.Int64("enrollment_id", out.EnrollmentID))
			}
			return attempt, nil
		}

		lastErr = err
		log.Warn("enrollment attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == o.maxAttempts {
			break
		}
		if err := o.sleep(ctx, o.delay); err != nil {
			return attempt, err
		}
	}
	return o.maxAttempts, lastErr
}

func (o *Orchestrator) activeEnrollmentExists(ctx context.Context, key Key, log *zap.Logger) bool {
	list, err := o.enroller.ListEnrollments(ctx, key.CourseID, key.ContactID)
	if err != nil {
		log.Warn("could not confirm existing enrollment", zap.Error(err))
		return false
	}
	return len(clickfunnels.ActiveEnrollments(list)) > 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
