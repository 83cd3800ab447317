package enrollment

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	FailedStatusPending   = "pending"
	FailedStatusResolved  = "resolved"
	FailedStatusAbandoned = "abandoned"
)

var ErrFailedEnrollmentNotFound = errors.New("failed enrollment not found")

// FailedEnrollment is a course grant that exhausted its in-request attempts
// and waits for the background retry job.
type FailedEnrollment struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	TransactionID string     `gorm:"not null;uniqueIndex:idx_failed_enrollment_key" json:"transaction_id"`
	ContactID     int64      `gorm:"not null;uniqueIndex:idx_failed_enrollment_key" json:"contact_id"`
	CourseID      string     `gorm:"not null;uniqueIndex:idx_failed_enrollment_key" json:"course_id"`
	Status        string     `gorm:"not null;default:pending;index" json:"status"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"` // background retries so far
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	NextAttemptAt time.Time  `gorm:"index" json:"next_attempt_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (f *FailedEnrollment) Key() Key {
	return Key{TransactionID: f.TransactionID, ContactID: f.ContactID, CourseID: f.CourseID}
}

type FailedRepository interface {
	FailureRecorder
	Due(ctx context.Context, now time.Time, limit int) ([]FailedEnrollment, error)
	List(ctx context.Context, status string, limit int) ([]FailedEnrollment, error)
	Get(ctx context.Context, id uint) (*FailedEnrollment, error)
	MarkResolved(ctx context.Context, id uint) error
	MarkRetryFailed(ctx context.Context, id uint, attempts int, lastErr string, next time.Time, abandon bool) error
}

type gormFailedRepository struct {
	db           *gorm.DB
	firstBackoff time.Duration
	now          func() time.Time
}

// NewFailedRepository stores failed enrollments with GORM. firstBackoff is
// the delay before the first background retry of a new row.
func NewFailedRepository(db *gorm.DB, firstBackoff time.Duration) FailedRepository {
	return &gormFailedRepository{db: db, firstBackoff: firstBackoff, now: time.Now}
}

// RecordFailure inserts the key as pending, or puts an existing row for the
// same key back to pending.
func (r *gormFailedRepository) RecordFailure(ctx context.Context, key Key, _ int, lastErr error) error {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	row := &FailedEnrollment{
		TransactionID: key.TransactionID,
		ContactID:     key.ContactID,
		CourseID:      key.CourseID,
		Status:        FailedStatusPending,
		LastError:     msg,
		NextAttemptAt: r.now().Add(r.firstBackoff),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "transaction_id"},
			{Name: "contact_id"},
			{Name: "course_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"last_error",
			"next_attempt_at",
			"updated_at",
		}),
	}).Create(row).Error
}

func (r *gormFailedRepository) Due(ctx context.Context, now time.Time, limit int) ([]FailedEnrollment, error) {
	var rows []FailedEnrollment
	q := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", FailedStatusPending, now).
		Order("next_attempt_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

func (r *gormFailedRepository) List(ctx context.Context, status string, limit int) ([]FailedEnrollment, error) {
	var rows []FailedEnrollment
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

func (r *gormFailedRepository) Get(ctx context.Context, id uint) (*FailedEnrollment, error) {
	var row FailedEnrollment
	if err := r.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFailedEnrollmentNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (r *gormFailedRepository) MarkResolved(ctx context.Context, id uint) error {
	now := r.now()
	return r.db.WithContext(ctx).Model(&FailedEnrollment{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      FailedStatusResolved,
		"resolved_at": &now,
		"last_error":  "",
	}).Error
}

func (r *gormFailedRepository) MarkRetryFailed(ctx context.Context, id uint, attempts int, lastErr string, next time.Time, abandon bool) error {
	status := FailedStatusPending
	if abandon {
		status = FailedStatusAbandoned
	}
	return r.db.WithContext(ctx).Model(&FailedEnrollment{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":          status,
		"attempts":        attempts,
		"last_error":      lastErr,
		"next_attempt_at": next,
	}).Error
}
