package fulfillment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout-gateway/internal/domain/catalog"
	"checkout-gateway/internal/domain/checkout"
	"checkout-gateway/internal/enrollment"
	"checkout-gateway/internal/infra/clickfunnels/clickfunnelstest"
)

type staticCourses map[string][]string

func (s staticCourses) CourseIDsForProduct(_ context.Context, productID string) ([]string, error) {
	ids, ok := s[productID]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	return ids, nil
}

func newTestReconciler(cf *clickfunnelstest.Fake, courses CourseLookup) *Reconciler {
	orch := enrollment.NewOrchestrator(cf, enrollment.NewMemoryTracker(0, 0), enrollment.OrchestratorConfig{RetryDelay: time.Millisecond}, nil)
	return NewReconciler(cf, orch, courses, nil)
}

func TestReconcile_EndToEnd(t *testing.T) {
	cf := clickfunnelstest.New()
	r := newTestReconciler(cf, nil)

	intent, err := checkout.ParseIntent(map[string]string{
		checkout.KeyEmail:       "ada@example.com",
		checkout.KeyFirstName:   "Ada",
		checkout.KeyCourseIDs:   `["course1","course2"]`,
		checkout.KeyPaymentType: "one_time",
	})
	require.NoError(t, err)

	out, err := r.Reconcile(context.Background(), Input{TransactionID: "cs_1", Intent: intent, IncludePhone: true})
	require.NoError(t, err)

	require.NotNil(t, out.Enrollment)
	assert.True(t, out.Enrollment.Success)
	assert.Equal(t, []string{"course1", "course2"}, out.Enrollment.Succeeded)
	assert.Empty(t, out.Enrollment.Failed)
	assert.NotZero(t, out.ContactID)

	contact, ok := cf.Contact("ada@example.com")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{TagPaidCustomer, TagOneTimePurchase}, contact.Tags)
	assert.Equal(t, "course1,course2", contact.CustomFields[FieldEnrolledCourses])
	assert.Equal(t, "cs_1", contact.CustomFields[FieldCheckoutSessionID])
}

func TestReconcile_MalformedBirthDateStillEnrolls(t *testing.T) {
	cf := clickfunnelstest.New()
	r := newTestReconciler(cf, nil)

	intent, err := checkout.ParseIntent(map[string]string{
		checkout.KeyEmail:        "ada@example.com",
		checkout.KeyBirthDate:    "05-03-1990",
		checkout.KeyCourseIDs:    `["course1","course2"]`,
		checkout.KeyPaymentType:  "payment_plan",
		checkout.KeyPaymentCount: "3",
	})
	require.NoError(t, err)

	out, err := r.Reconcile(context.Background(), Input{TransactionID: "cs_1", Intent: intent})
	require.NoError(t, err)

	require.NotNil(t, out.Enrollment)
	assert.Equal(t, []string{"course1", "course2"}, out.Enrollment.Succeeded)
	assert.Equal(t, 1, cf.EnrollCount("course1"))
	assert.Equal(t, 1, cf.EnrollCount("course2"))

	contact, ok := cf.Contact("ada@example.com")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{TagPaidCustomer, TagPaymentPlan}, contact.Tags)
	assert.Equal(t, string(checkout.PaymentTypePaymentPlan), contact.CustomFields[FieldPaymentType])
	assert.NotContains(t, contact.CustomFields, FieldBirthDate)
}

func TestReconcile_KeepsEarlierEnrolledCourses(t *testing.T) {
	cf := clickfunnelstest.New()
	r := newTestReconciler(cf, nil)
	ctx := context.Background()

	first := &checkout.Intent{Email: "ada@example.com", CourseIDs: []string{"course1"}}
	_, err := r.Reconcile(ctx, Input{TransactionID: "cs_1", Intent: first})
	require.NoError(t, err)

	second := &checkout.Intent{Email: "ada@example.com", CourseIDs: []string{"course2", "course1"}}
	_, err = r.Reconcile(ctx, Input{TransactionID: "cs_2", Intent: second})
	require.NoError(t, err)

	contact, ok := cf.Contact("ada@example.com")
	require.True(t, ok)
	assert.Equal(t, "course1,course2", contact.CustomFields[FieldEnrolledCourses])
}

func TestReconcile_PhoneOnlyWhenIncluded(t *testing.T) {
	cf := clickfunnelstest.New()
	r := newTestReconciler(cf, nil)
	intent := &checkout.Intent{Email: "ada@example.com", Phone: "+15550100"}

	_, err := r.Reconcile(context.Background(), Input{TransactionID: "cs_1", Intent: intent})
	require.NoError(t, err)
	_, err = r.Reconcile(context.Background(), Input{TransactionID: "cs_2", Intent: intent, IncludePhone: true})
	require.NoError(t, err)

	require.Len(t, cf.Upserts, 2)
	assert.Empty(t, cf.Upserts[0].Phone)
	assert.Equal(t, "+15550100", cf.Upserts[1].Phone)
}

func TestReconcile_FallsBackToCatalog(t *testing.T) {
	cf := clickfunnelstest.New()
	r := newTestReconciler(cf, staticCourses{"prod_1": {"c1", "c2"}, "prod_2": {"c2", "c3"}})

	out, err := r.Reconcile(context.Background(), Input{
		TransactionID: "cs_1",
		Email:         "ada@example.com",
		FullName:      "Ada King Lovelace",
		ProductIDs:    []string{"prod_1", "prod_2", "prod_missing"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"c1", "c2", "c3"}, out.CourseIDs)
	assert.True(t, out.Enrollment.Success)
	require.Len(t, cf.Upserts, 1)
	assert.Equal(t, "Ada", cf.Upserts[0].FirstName)
	assert.Equal(t, "King Lovelace", cf.Upserts[0].LastName)
}

func TestReconcile_LegacyCourseID(t *testing.T) {
	cf := clickfunnelstest.New()
	r := newTestReconciler(cf, nil)
	intent := &checkout.Intent{Email: "ada@example.com", CourseIDs: []string{"a"}, LegacyCourseID: "legacy"}

	out, err := r.Reconcile(context.Background(), Input{TransactionID: "cs_1", Intent: intent})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, out.CourseIDs)

	out, err = r.Reconcile(context.Background(), Input{TransactionID: "cs_2", Intent: intent, IncludeLegacyCourseID: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "legacy"}, out.CourseIDs)
}

func TestReconcile_PartialFailureTagsContact(t *testing.T) {
	cf := clickfunnelstest.New()
	cf.FailCourses["Y"] = true
	r := newTestReconciler(cf, nil)
	intent := &checkout.Intent{Email: "ada@example.com", CourseIDs: []string{"X", "Y", "Z"}}

	out, err := r.Reconcile(context.Background(), Input{TransactionID: "cs_1", Intent: intent})
	require.NoError(t, err)

	assert.Equal(t, []string{"X", "Z"}, out.Enrollment.Succeeded)
	assert.Equal(t, []string{"Y"}, out.Enrollment.Failed)
	contact, _ := cf.Contact("ada@example.com")
	assert.Contains(t, contact.Tags, TagEnrollmentFailed)
	assert.Equal(t, 3, cf.EnrollCount("Y"))
}

func TestReconcile_UpsertFailureStopsBeforeEnrollment(t *testing.T) {
	cf := clickfunnelstest.New()
	cf.UpsertErr = errors.New("remote down")
	r := newTestReconciler(cf, nil)

	out, err := r.Reconcile(context.Background(), Input{TransactionID: "cs_1", Intent: &checkout.Intent{Email: "ada@example.com", CourseIDs: []string{"a"}}})
	require.Error(t, err)
	assert.Nil(t, out.Enrollment)
	assert.Zero(t, cf.TotalEnrollCalls())
}

func TestReconcile_NoEmail(t *testing.T) {
	r := newTestReconciler(clickfunnelstest.New(), nil)
	_, err := r.Reconcile(context.Background(), Input{TransactionID: "cs_1"})
	assert.ErrorIs(t, err, ErrNoEmail)
}

func TestTagsFor(t *testing.T) {
	assert.Equal(t, []string{TagPaidCustomer, TagOneTimePurchase}, TagsFor(""))
	assert.Equal(t, []string{TagPaidCustomer, TagSubscriber}, TagsFor(checkout.PaymentTypeSubscription))
	assert.Equal(t, []string{TagPaidCustomer, TagPaymentPlan}, TagsFor(checkout.PaymentTypePaymentPlan))
}
