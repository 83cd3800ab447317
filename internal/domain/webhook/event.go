package webhook

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// Event records one Stripe event delivery so redeliveries can be
// acknowledged without running the handlers again.
type Event struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	EventID     string     `gorm:"column:event_id;not null;uniqueIndex:idx_webhook_events_event_id" json:"event_id"`
	Type        string     `gorm:"not null;index" json:"type"`
	Status      string     `gorm:"not null;index" json:"status"`
	Attempts    int        `gorm:"not null;default:1" json:"attempts"`
	Error       string     `gorm:"type:text" json:"error,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Event) TableName() string { return "webhook_events" }

type Store interface {
	// Begin claims eventID for processing. duplicate is true when the event
	// was already processed or is still being processed by another delivery.
	Begin(ctx context.Context, eventID, eventType string) (duplicate bool, err error)
	Complete(ctx context.Context, eventID string) error
	Fail(ctx context.Context, eventID string, cause error) error
	List(ctx context.Context, status string, limit int) ([]Event, error)
}

type gormStore struct {
	db         *gorm.DB
	staleAfter time.Duration
	now        func() time.Time
}

// NewStore returns a Store on db. A delivery stuck in processing for longer
// than staleAfter may be claimed again.
func NewStore(db *gorm.DB, staleAfter time.Duration) Store {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &gormStore{db: db, staleAfter: staleAfter, now: time.Now}
}

func (s *gormStore) Begin(ctx context.Context, eventID, eventType string) (bool, error) {
	now := s.now()
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&Event{
		EventID:   eventID,
		Type:      eventType,
		Status:    StatusProcessing,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if tx.Error != nil {
		return false, tx.Error
	}
	if tx.RowsAffected > 0 {
		return false, nil
	}

	reclaim := s.db.WithContext(ctx).Model(&Event{}).
		Where("event_id = ?", eventID).
		Where("status = ? OR (status = ? AND updated_at < ?)", StatusFailed, StatusProcessing, now.Add(-s.staleAfter)).
		Updates(map[string]interface{}{
			"status":     StatusProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"error":      "",
			"updated_at": now,
		})
	if reclaim.Error != nil {
		return false, reclaim.Error
	}
	return reclaim.RowsAffected == 0, nil
}

func (s *gormStore) Complete(ctx context.Context, eventID string) error {
	now := s.now()
	return s.db.WithContext(ctx).Model(&Event{}).Where("event_id = ?", eventID).Updates(map[string]interface{}{
		"status":       StatusProcessed,
		"error":        "",
		"processed_at": &now,
		"updated_at":   now,
	}).Error
}

func (s *gormStore) Fail(ctx context.Context, eventID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.db.WithContext(ctx).Model(&Event{}).Where("event_id = ?", eventID).Updates(map[string]interface{}{
		"status":     StatusFailed,
		"error":      msg,
		"updated_at": s.now(),
	}).Error
}

func (s *gormStore) List(ctx context.Context, status string, limit int) ([]Event, error) {
	var events []Event
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&events).Error
	return events, err
}
