package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"checkout-gateway/internal/domain/checkout"
	"checkout-gateway/internal/enrollment"
	"checkout-gateway/internal/infra/clickfunnels"
	"checkout-gateway/internal/logging"
)

// Contact tags.
const (
	TagPaidCustomer     = "paid-customer"
	TagOneTimePurchase  = "one-time-purchase"
	TagSubscriber       = "subscriber"
	TagPaymentPlan      = "payment-plan"
	TagEnrollmentFailed = "enrollment-failed"
)

// Contact custom fields.
const (
	FieldBirthDate          = "birth_date"
	FieldPaymentType        = "payment_type"
	FieldStripeCustomerID   = "stripe_customer_id"
	FieldCheckoutSessionID  = "last_checkout_session_id"
	FieldEnrolledCourses    = "enrolled_courses"
	FieldSubscriptionID     = "stripe_subscription_id"
	FieldSubscriptionStatus = "subscription_status"
	FieldCancelAt           = "subscription_cancel_at"
	FieldPaymentsMade       = "payments_made"
	FieldPaymentsTotal      = "payments_total"
	FieldPlanCompleted      = "payment_plan_completed"
	FieldPlanEndDate        = "payment_plan_end_date"
	FieldLastPaymentAt      = "last_payment_at"
)

var ErrNoEmail = errors.New("no customer email on checkout")

type ContactWriter interface {
	UpsertContact(ctx context.Context, in clickfunnels.ContactInput) (*clickfunnels.Contact, error)
	UpdateContact(ctx context.Context, contactID int64, in clickfunnels.ContactInput) error
}

type CourseEnroller interface {
	EnrollInCourses(ctx context.Context, contactID int64, courseIDs []string, transactionID string) enrollment.BatchResult
}

// CourseLookup resolves the course list stored for a purchased product.
type CourseLookup interface {
	CourseIDsForProduct(ctx context.Context, stripeProductID string) ([]string, error)
}

// Input is a settled payment seen by either the webhook or the success page.
type Input struct {
	TransactionID string
	Intent        *checkout.Intent
	Email         string   // used when the intent carries none
	FullName      string   // "First Last", used when the intent carries no names
	Phone         string   // used when the intent carries none
	ProductIDs    []string // purchased Stripe products, for the catalog fallback
	CustomerID    string

	IncludePhone          bool
	IncludeLegacyCourseID bool
}

// Outcome reports what one reconciliation pass did.
type Outcome struct {
	Email      string                  `json:"email"`
	ContactID  int64                   `json:"contact_id"`
	CourseIDs  []string                `json:"course_ids"`
	Enrollment *enrollment.BatchResult `json:"enrollment,omitempty"`
}

// Reconciler upserts the buyer and grants the purchased courses. It is the
// single pipeline behind the webhook and the success page.
type Reconciler struct {
	contacts ContactWriter
	enroller CourseEnroller
	courses  CourseLookup
	logger   *zap.Logger
}

func NewReconciler(contacts ContactWriter, enroller CourseEnroller, courses CourseLookup, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		contacts: contacts,
		enroller: enroller,
		courses:  courses,
		logger:   logging.OrNop(logger).Named("fulfillment"),
	}
}

// Reconcile returns an error only when the contact could not be upserted; a
// partially failed enrollment is reported through Outcome.Enrollment.
func (r *Reconciler) Reconcile(ctx context.Context, in Input) (*Outcome, error) {
	intent := in.Intent
	if intent == nil {
		intent = &checkout.Intent{}
	}

	out := &Outcome{Email: firstNonEmpty(intent.Email, in.Email)}
	if out.Email == "" {
		return out, ErrNoEmail
	}
	log := r.logger.With(zap.String("transaction_id", in.TransactionID), zap.String("email", out.Email))

	contact, err := r.contacts.UpsertContact(ctx, r.contactInput(out.Email, intent, in))
	if err != nil {
		log.Error("contact upsert failed", zap.Error(err))
		return out, fmt.Errorf("upsert contact: %w", err)
	}
	out.ContactID = contact.ID
	log = log.With(zap.Int64("contact_id", contact.ID))

	out.CourseIDs = r.resolveCourses(ctx, intent, in, log)
	if len(out.CourseIDs) == 0 {
		log.Warn("no courses resolved for payment")
		return out, nil
	}

	res := r.enroller.EnrollInCourses(ctx, contact.ID, out.CourseIDs, in.TransactionID)
	out.Enrollment = &res
	log.Info("reconciliation finished",
		zap.Strings("succeeded", res.Succeeded),
		zap.Strings("failed", res.Failed),
		zap.Bool("success", res.Success),
	)

	r.recordOutcome(ctx, contact, res, log)
	return out, nil
}

func (r *Reconciler) contactInput(email string, intent *checkout.Intent, in Input) clickfunnels.ContactInput {
	first, last := intent.FirstName, intent.LastName
	if first == "" && last == "" {
		first, last = splitName(in.FullName)
	}

	ci := clickfunnels.ContactInput{
		Email:     email,
		FirstName: first,
		LastName:  last,
		Tags:      TagsFor(intent.PaymentType),
		CustomFields: map[string]string{
			FieldBirthDate:         intent.BirthDate,
			FieldPaymentType:       string(intent.PaymentType),
			FieldStripeCustomerID:  in.CustomerID,
			FieldCheckoutSessionID: in.TransactionID,
		},
	}
	if in.IncludePhone {
		ci.Phone = firstNonEmpty(intent.Phone, in.Phone)
	}
	return ci
}

// resolveCourses prefers the intent's list and falls back to the catalog
// entries of the purchased products.
func (r *Reconciler) resolveCourses(ctx context.Context, intent *checkout.Intent, in Input, log *zap.Logger) []string {
	ids := intent.CourseIDs
	if in.IncludeLegacyCourseID {
		ids = intent.AllCourseIDs()
	}
	if len(ids) > 0 || r.courses == nil {
		return ids
	}

	seen := map[string]struct{}{}
	var out []string
	for _, productID := range uniqueNonEmpty(append([]string{intent.ProductID}, in.ProductIDs...)) {
		courseIDs, err := r.courses.CourseIDsForProduct(ctx, productID)
		if err != nil {
			log.Warn("catalog course lookup failed", zap.String("product_id", productID), zap.Error(err))
			continue
		}
		for _, id := range courseIDs {
			if _, ok := seen[id]; ok || id == "" {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	if len(out) > 0 {
		log.Info("courses resolved from catalog", zap.Strings("course_ids", out))
	}
	return out
}

// recordOutcome adds this batch's courses to the contact's enrolled list;
// courses from earlier purchases stay listed.
func (r *Reconciler) recordOutcome(ctx context.Context, contact *clickfunnels.Contact, res enrollment.BatchResult, log *zap.Logger) {
	update := clickfunnels.ContactInput{
		CustomFields: map[string]string{
			FieldEnrolledCourses: mergeCourseList(contact.CustomFields[FieldEnrolledCourses], res.Succeeded),
		},
	}
	if !res.Success {
		update.Tags = []string{TagEnrollmentFailed}
	}
	if err := r.contacts.UpdateContact(ctx, contact.ID, update); err != nil {
		log.Warn("could not record enrollment outcome on contact", zap.Error(err))
	}
}

// TagsFor returns the contact tags for a paid checkout of the given type.
func TagsFor(pt checkout.PaymentType) []string {
	tags := []string{TagPaidCustomer}
	switch pt {
	case checkout.PaymentTypeSubscription:
		tags = append(tags, TagSubscriber)
	case checkout.PaymentTypePaymentPlan:
		tags = append(tags, TagPaymentPlan)
	default:
		tags = append(tags, TagOneTimePurchase)
	}
	return tags
}

func splitName(full string) (string, string) {
	full = strings.TrimSpace(full)
	if full == "" {
		return "", ""
	}
	first, last, _ := strings.Cut(full, " ")
	return first, strings.TrimSpace(last)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func mergeCourseList(existing string, added []string) string {
	var all []string
	for _, id := range strings.Split(existing, ",") {
		all = append(all, strings.TrimSpace(id))
	}
	return strings.Join(uniqueNonEmpty(append(all, added...)), ",")
}

func uniqueNonEmpty(vals []string) []string {
	seen := make(map[string]struct{}, len(vals))
	var out []string
	for _, v := range vals {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
