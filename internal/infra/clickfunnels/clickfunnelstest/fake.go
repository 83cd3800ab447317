// Package clickfunnelstest provides an in-memory ClickFunnels workspace.
package clickfunnelstest

import (
	"context"
	"strings"
	"sync"

	"checkout-gateway/internal/infra/clickfunnels"
)

// Fake keeps contacts by email and enrollments by course. FailCourses makes
// Enroll fail for the listed course IDs; UpsertErr fails every upsert.
type Fake struct {
	mu sync.Mutex

	Contacts    map[string]*clickfunnels.Contact
	Enrollments map[string][]clickfunnels.Enrollment
	FailCourses map[string]bool
	UpsertErr   error

	Upserts     []clickfunnels.ContactInput
	Updates     map[int64][]clickfunnels.ContactInput
	EnrollCalls map[string]int

	nextID int64
}

func New() *Fake {
	return &Fake{
		Contacts:    map[string]*clickfunnels.Contact{},
		Enrollments: map[string][]clickfunnels.Enrollment{},
		FailCourses: map[string]bool{},
		Updates:     map[int64][]clickfunnels.ContactInput{},
		EnrollCalls: map[string]int{},
	}
}

// AddContact seeds a contact and returns it.
func (f *Fake) AddContact(email string) *clickfunnels.Contact {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := &clickfunnels.Contact{ID: f.nextID, Email: email, CustomFields: map[string]string{}}
	f.Contacts[email] = c
	return c
}

func (f *Fake) UpsertContact(_ context.Context, in clickfunnels.ContactInput) (*clickfunnels.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Upserts = append(f.Upserts, in)
	if f.UpsertErr != nil {
		return nil, f.UpsertErr
	}
	if strings.TrimSpace(in.Email) == "" {
		return nil, clickfunnels.ErrEmailRequired
	}

	c, ok := f.Contacts[in.Email]
	if !ok {
		f.nextID++
		c = &clickfunnels.Contact{ID: f.nextID, Email: in.Email, CustomFields: map[string]string{}}
		f.Contacts[in.Email] = c
	}
	apply(c, in)
	out := *c
	return &out, nil
}

func (f *Fake) FindContactByEmail(_ context.Context, email string) (*clickfunnels.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Contacts[email]
	if !ok {
		return nil, clickfunnels.ErrContactNotFound
	}
	out := *c
	return &out, nil
}

func (f *Fake) UpdateContact(_ context.Context, contactID int64, in clickfunnels.ContactInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Updates[contactID] = append(f.Updates[contactID], in)
	for _, c := range f.Contacts {
		if c.ID == contactID {
			apply(c, in)
			return nil
		}
	}
	return &clickfunnels.APIError{StatusCode: 404, Detail: "contact not found"}
}

func (f *Fake) Enroll(_ context.Context, contactID int64, courseID, _, _ string) (clickfunnels.EnrollOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EnrollCalls[courseID]++
	for _, e := range f.Enrollments[courseID] {
		if e.ContactID == contactID && !e.Suspended {
			return clickfunnels.EnrollOutcome{AlreadyEnrolled: true, EnrollmentID: e.ID}, nil
		}
	}
	if f.FailCourses[courseID] {
		return clickfunnels.EnrollOutcome{}, &clickfunnels.APIError{StatusCode: 500, Detail: "course " + courseID + " unavailable"}
	}
	f.nextID++
	e := clickfunnels.Enrollment{ID: f.nextID, ContactID: contactID, CourseID: courseID}
	f.Enrollments[courseID] = append(f.Enrollments[courseID], e)
	return clickfunnels.EnrollOutcome{EnrollmentID: e.ID}, nil
}

func (f *Fake) ListEnrollments(_ context.Context, courseID string, contactID int64) ([]clickfunnels.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []clickfunnels.Enrollment
	for _, e := range f.Enrollments[courseID] {
		if e.ContactID == contactID {
			out = append(out, e)
		}
	}
	return out, nil
}

// EnrollCount returns how many Enroll calls were made for courseID.
func (f *Fake) EnrollCount(courseID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.EnrollCalls[courseID]
}

// TotalEnrollCalls returns the number of Enroll calls across all courses.
func (f *Fake) TotalEnrollCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.EnrollCalls {
		n += c
	}
	return n
}

// Contact returns a copy of the stored contact for email.
func (f *Fake) Contact(email string) (clickfunnels.Contact, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Contacts[email]
	if !ok {
		return clickfunnels.Contact{}, false
	}
	out := *c
	out.CustomFields = make(map[string]string, len(c.CustomFields))
	for k, v := range c.CustomFields {
		out.CustomFields[k] = v
	}
	out.Tags = append([]string(nil), c.Tags...)
	return out, true
}

// apply mirrors the platform: tags are unioned, non-empty fields overwrite.
func apply(c *clickfunnels.Contact, in clickfunnels.ContactInput) {
	if in.FirstName != "" {
		c.FirstName = in.FirstName
	}
	if in.LastName != "" {
		c.LastName = in.LastName
	}
	if in.Phone != "" {
		c.Phone = in.Phone
	}
	for _, t := range in.Tags {
		found := false
		for _, have := range c.Tags {
			if have == t {
				found = true
				break
			}
		}
		if !found {
			c.Tags = append(c.Tags, t)
		}
	}
	if c.CustomFields == nil {
		c.CustomFields = map[string]string{}
	}
	for k, v := range in.CustomFields {
		if v != "" {
			c.CustomFields[k] = v
		}
	}
}
