package clickfunnels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Enrollment grants one contact access to one course.
type Enrollment struct {
	ID        int64  `json:"id"`
	ContactID int64  `json:"contact_id"`
	CourseID  string `json:"-"`
	Suspended bool   `json:"suspended"`
}

type EnrollOutcome struct {
	AlreadyEnrolled bool
	EnrollmentID    int64
}

type enrollmentBody struct {
	ContactID             int64  `json:"contact_id"`
	OriginationSourceType string `json:"origination_source_type,omitempty"`
	OriginationSourceID   string `json:"origination_source_id,omitempty"`
}

type enrollmentEnvelope struct {
	Enrollment enrollmentBody `json:"courses_enrollment"`
}

func enrollmentsPath(courseID string) string {
	return "/courses/" + url.PathEscape(courseID) + "/enrollments"
}

// ListEnrollments returns the enrollments of contactID in courseID.
func (c *Client) ListEnrollments(ctx context.Context, courseID string, contactID int64) ([]Enrollment, error) {
	courseID = strings.TrimSpace(courseID)
	if courseID == "" || contactID == 0 {
		return nil, errors.New("list enrollments: course id and contact id are required")
	}

	q := url.Values{}
	q.Set("filter[contact_id]", strconv.FormatInt(contactID, 10))

	var out []Enrollment
	if err := c.do(ctx, http.MethodGet, enrollmentsPath(courseID), q, nil, &out); err != nil {
		return nil, fmt.Errorf("list enrollments for course %s: %w", courseID, err)
	}

	matched := out[:0]
	for _, e := range out {
		if e.ContactID != 0 && e.ContactID != contactID {
			continue
		}
		e.CourseID = courseID
		matched = append(matched, e)
	}
	return matched, nil
}

// ActiveEnrollments drops suspended entries.
func ActiveEnrollments(list []Enrollment) []Enrollment {
	var active []Enrollment
	for _, e := range list {
		if !e.Suspended {
			active = append(active, e)
		}
	}
	return active
}

// Enroll grants courseID to contactID. An existing active enrollment, or a
// creation refused as a duplicate, is reported as AlreadyEnrolled.
func (c *Client) Enroll(ctx context.Context, contactID int64, courseID, sourceType, sourceID string) (EnrollOutcome, error) {
	existing, err := c.ListEnrollments(ctx, courseID, contactID)
	if err != nil {
		return EnrollOutcome{}, fmt.Errorf("enrollment pre-check: %w", err)
	}
	if active := ActiveEnrollments(existing); len(active) > 0 {
		c.logger.Info("contact already enrolled",
			zap.Int64("contact_id", contactID),
			zap.String("course_id", courseID),
			zap.Int64("enrollment_id", active[0].ID),
		)
		return EnrollOutcome{AlreadyEnrolled: true, EnrollmentID: active[0].ID}, nil
	}

	body := enrollmentEnvelope{Enrollment: enrollmentBody{
		ContactID:             contactID,
		OriginationSourceType: sourceType,
		OriginationSourceID:   sourceID,
	}}

	var created Enrollment
	err = c.do(ctx, http.MethodPost, enrollmentsPath(courseID), nil, body, &created)
	if err != nil {
		if IsConflict(err) {
			c.logger.Info("enrollment already exists (conflict)",
				zap.Int64("contact_id", contactID),
				zap.String("course_id", courseID),
			)
			return EnrollOutcome{AlreadyEnrolled: true}, nil
		}
		return EnrollOutcome{}, fmt.Errorf("create enrollment in course %s: %w", courseID, err)
	}

	return EnrollOutcome{EnrollmentID: created.ID}, nil
}
