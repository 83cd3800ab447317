package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"checkout-gateway/internal/domain/webhook"
	"checkout-gateway/internal/enrollment"
)

const testSecret = "test-secret"

type fakeQueue struct {
	rows       map[uint]*enrollment.FailedEnrollment
	lastStatus string
	lastLimit  int
	err        error
}

func (q *fakeQueue) List(_ context.Context, status string, limit int) ([]enrollment.FailedEnrollment, error) {
	q.lastStatus, q.lastLimit = status, limit
	if q.err != nil {
		return nil, q.err
	}
	var out []enrollment.FailedEnrollment
	for _, r := range q.rows {
		if status == "" || r.Status == status {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (q *fakeQueue) Get(_ context.Context, id uint) (*enrollment.FailedEnrollment, error) {
	r, ok := q.rows[id]
	if !ok {
		return nil, enrollment.ErrFailedEnrollmentNotFound
	}
	cp := *r
	return &cp, nil
}

type fakeRetrier struct {
	queue *fakeQueue
	ok    bool
	err   error
	calls []uint
}

func (f *fakeRetrier) Retry(ctx context.Context, id uint) (bool, error) {
	f.calls = append(f.calls, id)
	if f.err != nil {
		return false, f.err
	}
	if _, err := f.queue.Get(ctx, id); err != nil {
		return false, err
	}
	if f.ok {
		f.queue.rows[id].Status = enrollment.FailedStatusResolved
	}
	return f.ok, nil
}

type fakeEvents struct {
	events     []webhook.Event
	lastStatus string
}

func (f *fakeEvents) List(_ context.Context, status string, _ int) ([]webhook.Event, error) {
	f.lastStatus = status
	return f.events, nil
}

type env struct {
	router  *gin.Engine
	handler *Handler
	queue   *fakeQueue
	retrier *fakeRetrier
	events  *fakeEvents
}

func newEnv(t *testing.T, password string) *env {
	t.Helper()
	var hash string
	if password != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		require.NoError(t, err)
		hash = string(b)
	}

	q := &fakeQueue{rows: map[uint]*enrollment.FailedEnrollment{
		1: {ID: 1, TransactionID: "cs_1", ContactID: 7, CourseID: "c1", Status: enrollment.FailedStatusPending},
		2: {ID: 2, TransactionID: "cs_2", ContactID: 8, CourseID: "c2", Status: enrollment.FailedStatusAbandoned},
	}}
	e := &env{
		queue:   q,
		retrier: &fakeRetrier{queue: q},
		events:  &fakeEvents{events: []webhook.Event{{EventID: "evt_1", Type: "invoice.paid", Status: webhook.StatusProcessed}}},
	}
	e.handler = NewHandler(Deps{
		JWTSecret:    testSecret,
		PasswordHash: hash,
		TokenTTL:     time.Hour,
		Failed:       q,
		Retrier:      e.retrier,
		Events:       e.events,
	}, nil)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/admin/login", e.handler.Login)
	r.GET("/admin/enrollments/failed", e.handler.ListFailedEnrollments)
	r.POST("/admin/enrollments/failed/:id/retry", e.handler.RetryFailedEnrollment)
	r.GET("/admin/webhook-events", e.handler.ListWebhookEvents)
	e.router = r
	return e
}

func (e *env) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	e.router.ServeHTTP(w, req)
	return w
}

func TestLogin(t *testing.T) {
	e := newEnv(t, "hunter2")
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e.handler.now = func() time.Time { return fixed }

	w := e.do(http.MethodPost, "/admin/login", `{"password":"hunter2"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, fixed.Add(time.Hour).Unix(), resp.ExpiresAt)

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(resp.Token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	}, jwt.WithoutClaimsValidation())
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims["role"])
	assert.Equal(t, "admin", claims["sub"])
}

func TestLogin_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		password string
		body     string
		want     int
	}{
		{"wrong password", "hunter2", `{"password":"nope"}`, http.StatusUnauthorized},
		{"missing password", "hunter2", `{}`, http.StatusBadRequest},
		{"not configured", "", `{"password":"anything"}`, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, tc.password)
			w := e.do(http.MethodPost, "/admin/login", tc.body)
			assert.Equal(t, tc.want, w.Code)
			assert.NotContains(t, w.Body.String(), "token")
		})
	}
}

func TestListFailedEnrollments(t *testing.T) {
	e := newEnv(t, "")

	w := e.do(http.MethodGet, "/admin/enrollments/failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rows []enrollment.FailedEnrollment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "c1", rows[0].CourseID)
	assert.Equal(t, defaultListLimit, e.queue.lastLimit)

	w = e.do(http.MethodGet, "/admin/enrollments/failed?status=all&limit=9999", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	assert.Len(t, rows, 2)
	assert.Empty(t, e.queue.lastStatus)
	assert.Equal(t, maxListLimit, e.queue.lastLimit)

	e.queue.err = errors.New("db down")
	w = e.do(http.MethodGet, "/admin/enrollments/failed", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRetryFailedEnrollment(t *testing.T) {
	e := newEnv(t, "")
	e.retrier.ok = true

	w := e.do(http.MethodPost, "/admin/enrollments/failed/1/retry", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Resolved   bool                        `json:"resolved"`
		Enrollment enrollment.FailedEnrollment `json:"enrollment"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Resolved)
	assert.Equal(t, enrollment.FailedStatusResolved, resp.Enrollment.Status)
	assert.Equal(t, []uint{1}, e.retrier.calls)
}

func TestRetryFailedEnrollment_StillFailing(t *testing.T) {
	e := newEnv(t, "")

	w := e.do(http.MethodPost, "/admin/enrollments/failed/2/retry", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `false`, extract(t, w, "resolved"))
}

func TestRetryFailedEnrollment_Errors(t *testing.T) {
	e := newEnv(t, "")

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/admin/enrollments/failed/x/retry", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, "/admin/enrollments/failed/42/retry", "").Code)

	e.retrier.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, e.do(http.MethodPost, "/admin/enrollments/failed/1/retry", "").Code)
}

func TestListWebhookEvents(t *testing.T) {
	e := newEnv(t, "")

	w := e.do(http.MethodGet, "/admin/webhook-events?status=failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "failed", e.events.lastStatus)
	assert.Contains(t, w.Body.String(), "evt_1")
}

func extract(t *testing.T, w *httptest.ResponseRecorder, key string) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return string(m[key])
}
