package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"checkout-gateway/internal/logging"
)

type RetryJobConfig struct {
	Schedule       string        // six-field cron spec, seconds first
	MaxAttempts    int           // background attempts before a row is abandoned
	InitialBackoff time.Duration // doubled after every failed sweep
	BatchSize      int
	SourceType     string
}

// RetryJob drains the failed-enrollment queue on a cron schedule.
type RetryJob struct {
	repo     FailedRepository
	enroller Enroller
	cfg      RetryJobConfig
	cron     *cron.Cron
	now      func() time.Time
	logger   *zap.Logger
}

func NewRetryJob(repo FailedRepository, enroller Enroller, cfg RetryJobConfig, logger *zap.Logger) *RetryJob {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 */15 * * * *"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.SourceType == "" {
		cfg.SourceType = DefaultSourceType
	}

	logger = logging.OrNop(logger).Named("enrollment-retry")
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))

	return &RetryJob{
		repo:     repo,
		enroller: enroller,
		cfg:      cfg,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		now:    time.Now,
		logger: logger,
	}
}

func (j *RetryJob) Start() error {
	if _, err := j.cron.AddFunc(j.cfg.Schedule, func() {
		n, err := j.RunOnce(context.Background())
		if err != nil {
			j.logger.Error("retry sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			j.logger.Info("retry sweep finished", zap.Int("processed", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule enrollment retry %q: %w", j.cfg.Schedule, err)
	}
	j.cron.Start()
	j.logger.Info("enrollment retry job started", zap.String("schedule", j.cfg.Schedule))
	return nil
}

// Stop waits for a running sweep to finish.
func (j *RetryJob) Stop() {
	<-j.cron.Stop().Done()
}

// RunOnce retries every due row once and returns how many it touched.
func (j *RetryJob) RunOnce(ctx context.Context) (int, error) {
	rows, err := j.repo.Due(ctx, j.now(), j.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due enrollments: %w", err)
	}
	for i := range rows {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		if _, err := j.retry(ctx, &rows[i]); err != nil {
			return i, err
		}
	}
	return len(rows), nil
}

// Retry forces one attempt for a queued row regardless of its schedule.
// It reports whether the course is now granted.
func (j *RetryJob) Retry(ctx context.Context, id uint) (bool, error) {
	row, err := j.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if row.Status == FailedStatusResolved {
		return true, nil
	}
	return j.retry(ctx, row)
}

// retry returns a non-nil error only when the queue itself could not be
// updated.
func (j *RetryJob) retry(ctx context.Context, row *FailedEnrollment) (bool, error) {
	log := j.logger.With(
		zap.Uint("failed_enrollment_id", row.ID),
		zap.String("transaction_id", row.TransactionID),
		zap.Int64("contact_id", row.ContactID),
		zap.String("course_id", row.CourseID),
	)

	_, enrollErr := j.enroller.Enroll(ctx, row.ContactID, row.CourseID, j.cfg.SourceType, row.TransactionID)
	if enrollErr == nil {
		if err := j.repo.MarkResolved(ctx, row.ID); err != nil {
			return true, fmt.Errorf("mark enrollment %d resolved: %w", row.ID, err)
		}
		log.Info("queued enrollment resolved", zap.Int("attempts", row.Attempts+1))
		return true, nil
	}

	attempts := row.Attempts + 1
	abandon := attempts >= j.cfg.MaxAttempts
	next := j.now().Add(j.backoff(attempts))
	if err := j.repo.MarkRetryFailed(ctx, row.ID, attempts, enrollErr.Error(), next, abandon); err != nil {
		return false, fmt.Errorf("update enrollment %d: %w", row.ID, err)
	}

	if abandon {
		log.Error("queued enrollment abandoned", zap.Int("attempts", attempts), zap.Error(enrollErr))
	} else {
		log.Warn("queued enrollment still failing", zap.Int("attempts", attempts), zap.Time("next_attempt_at", next), zap.Error(enrollErr))
	}
	return false, nil
}

func (j *RetryJob) backoff(attempts int) time.Duration {
	if attempts > 16 {
		attempts = 16
	}
	return j.cfg.InitialBackoff * time.Duration(1<<uint(attempts))
}
