package checkout

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

type PaymentType string

const (
	PaymentTypeOneTime      PaymentType = "one_time"
	PaymentTypeSubscription PaymentType = "subscription"
	PaymentTypePaymentPlan  PaymentType = "payment_plan"
)

const (
	HandledBySuccessPage = "success_page"
	HandledByWebhook     = "webhook"
)

const CurrentVersion = "1"

// Metadata keys carried on checkout sessions, payment intents and subscriptions.
const (
	KeyVersion        = "intent_version"
	KeyEmail          = "customer_email"
	KeyFirstName      = "first_name"
	KeyLastName       = "last_name"
	KeyPhone          = "phone"
	KeyBirthDate      = "birth_date"
	KeyVariantID      = "variant_id"
	KeyProductID      = "product_id"
	KeyPriceID        = "price_id"
	KeyCourseIDs      = "clickfunnels_course_ids"
	KeyLegacyCourseID = "clickfunnels_course_id"
	KeyPaymentType    = "payment_type"
	KeyPaymentCount   = "payment_count"
	KeyHandledBy      = "enrollment_handled_by"
)

var ErrInvalidIntent = errors.New("invalid checkout intent")

// Intent is the typed form of the checkout metadata bag. It is written once
// at session creation and is the only source for entitlement decisions.
type Intent struct {
	Version        string      `validate:"eq=1"`
	Email          string      `validate:"omitempty,email"`
	FirstName      string      `validate:"max=100"`
	LastName       string      `validate:"max=100"`
	Phone          string      `validate:"max=40"`
	BirthDate      string      `validate:"omitempty,datetime=2006-01-02"`
	VariantID      string      `validate:"max=100"`
	ProductID      string      `validate:"max=100"`
	PriceID        string      `validate:"max=100"`
	CourseIDs      []string    `validate:"dive,required,max=64"`
	LegacyCourseID string      `validate:"max=64"`
	PaymentType    PaymentType `validate:"omitempty,oneof=one_time subscription payment_plan"`
	PaymentCount   int         `validate:"gte=0,lte=120"`
	HandledBy      string      `validate:"omitempty,oneof=success_page webhook"`

	// Dropped names the descriptive metadata keys ParseIntent discarded
	// because their values were malformed.
	Dropped []string `validate:"-"`
}

// descriptiveFields maps Intent fields that never decide entitlement to
// their metadata keys. A malformed value in one of them is cleared instead
// of rejecting the whole intent.
var descriptiveFields = map[string]string{
	"Email":     KeyEmail,
	"FirstName": KeyFirstName,
	"LastName":  KeyLastName,
	"Phone":     KeyPhone,
	"BirthDate": KeyBirthDate,
	"VariantID": KeyVariantID,
	"ProductID": KeyProductID,
	"PriceID":   KeyPriceID,
	"HandledBy": KeyHandledBy,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseIntent decodes and validates a metadata map. A nil map yields an empty,
// valid intent. Malformed course IDs, payment type or payment count reject
// the intent; malformed descriptive fields are cleared and listed in Dropped.
func ParseIntent(md map[string]string) (*Intent, error) {
	get := func(k string) string { return strings.TrimSpace(md[k]) }

	in := &Intent{
		Version:        get(KeyVersion),
		Email:          get(KeyEmail),
		FirstName:      get(KeyFirstName),
		LastName:       get(KeyLastName),
		Phone:          get(KeyPhone),
		BirthDate:      get(KeyBirthDate),
		VariantID:      get(KeyVariantID),
		ProductID:      get(KeyProductID),
		PriceID:        get(KeyPriceID),
		LegacyCourseID: get(KeyLegacyCourseID),
		PaymentType:    PaymentType(get(KeyPaymentType)),
		HandledBy:      get(KeyHandledBy),
	}
	if in.Version == "" {
		in.Version = CurrentVersion
	}

	if raw := get(KeyCourseIDs); raw != "" {
		ids, err := ParseCourseIDs(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidIntent, KeyCourseIDs, err)
		}
		in.CourseIDs = ids
	}

	if raw := get(KeyPaymentCount); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidIntent, KeyPaymentCount, err)
		}
		in.PaymentCount = n
	}

	in.dropMalformed()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return in, nil
}

func (in *Intent) dropMalformed() {
	var verrs validator.ValidationErrors
	if err := validate.Struct(in); !errors.As(err, &verrs) {
		return
	}
	for _, fe := range verrs {
		key, ok := descriptiveFields[fe.StructField()]
		if !ok {
			continue
		}
		switch fe.StructField() {
		case "Email":
			in.Email = ""
		case "FirstName":
			in.FirstName = ""
		case "LastName":
			in.LastName = ""
		case "Phone":
			in.Phone = ""
		case "BirthDate":
			in.BirthDate = ""
		case "VariantID":
			in.VariantID = ""
		case "ProductID":
			in.ProductID = ""
		case "PriceID":
			in.PriceID = ""
		case "HandledBy":
			in.HandledBy = ""
		}
		in.Dropped = append(in.Dropped, key)
	}
}

func (in *Intent) Validate() error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	if in.PaymentType == PaymentTypePaymentPlan && in.PaymentCount <= 0 {
		return fmt.Errorf("%w: payment_plan requires a positive %s", ErrInvalidIntent, KeyPaymentCount)
	}
	return nil
}

// Metadata encodes the intent back into a processor metadata map, leaving
// out empty fields.
func (in *Intent) Metadata() map[string]string {
	md := map[string]string{KeyVersion: CurrentVersion}
	set := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" {
			md[k] = v
		}
	}
	set(KeyEmail, in.Email)
	set(KeyFirstName, in.FirstName)
	set(KeyLastName, in.LastName)
	set(KeyPhone, in.Phone)
	set(KeyBirthDate, in.BirthDate)
	set(KeyVariantID, in.VariantID)
	set(KeyProductID, in.ProductID)
	set(KeyPriceID, in.PriceID)
	set(KeyLegacyCourseID, in.LegacyCourseID)
	set(KeyPaymentType, string(in.PaymentType))
	set(KeyHandledBy, in.HandledBy)
	if len(in.CourseIDs) > 0 {
		b, _ := json.Marshal(in.CourseIDs)
		md[KeyCourseIDs] = string(b)
	}
	if in.PaymentCount > 0 {
		md[KeyPaymentCount] = strconv.Itoa(in.PaymentCount)
	}
	return md
}

// AllCourseIDs returns CourseIDs with the deprecated single course ID appended
// when it is not already listed.
func (in *Intent) AllCourseIDs() []string {
	out := append([]string(nil), in.CourseIDs...)
	if in.LegacyCourseID == "" {
		return out
	}
	for _, id := range out {
		if id == in.LegacyCourseID {
			return out
		}
	}
	return append(out, in.LegacyCourseID)
}

func (in *Intent) IsPaymentPlan() bool {
	return in.PaymentType == PaymentTypePaymentPlan && in.PaymentCount > 0
}

func (in *Intent) HandledBySuccessPage() bool {
	return in.HandledBy == HandledBySuccessPage
}

// ParseCourseIDs decodes a JSON array of course IDs, accepting strings or
// numbers. Blanks and repeats are dropped.
func ParseCourseIDs(raw string) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		var id string
		if err := json.Unmarshal(item, &id); err != nil {
			var n json.Number
			if err := json.Unmarshal(item, &n); err != nil {
				return nil, fmt.Errorf("course id %s is neither string nor number", string(item))
			}
			id = n.String()
		}
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}
