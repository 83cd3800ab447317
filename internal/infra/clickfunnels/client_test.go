package clickfunnels

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:     srv.URL,
		APIToken:    "tok",
		WorkspaceID: "ws1",
		Retry:       &RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}, nil)
}

func TestUpsertContact_OmitsBlankFields(t *testing.T) {
	var raw map[string]map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/workspaces/ws1/contacts/upsert", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &raw))
		_, _ = w.Write([]byte(`{"id": 77, "email_address": "ada@example.com"}`))
	})

	contact, err := c.UpsertContact(context.Background(), ContactInput{
		Email:        "ada@example.com",
		CustomFields: map[string]string{"phone_alt": " "},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(77), contact.ID)

	sent := raw["contact"]
	assert.Equal(t, map[string]any{"email_address": "ada@example.com"}, sent)
}

func TestUpsertContact_RequiresEmail(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://unused", APIToken: "tok", WorkspaceID: "ws1"}, nil)
	_, err := c.UpsertContact(context.Background(), ContactInput{FirstName: "Ada"})
	assert.ErrorIs(t, err, ErrEmailRequired)
}

func TestClient_NotConfigured(t *testing.T) {
	c := NewClient(Config{WorkspaceID: "ws1"}, nil)
	_, err := c.UpsertContact(context.Background(), ContactInput{Email: "ada@example.com"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestFindContactByEmail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ada@example.com", r.URL.Query().Get("filter[email_address]"))
		_, _ = w.Write([]byte(`[{"id": 5, "email_address": "ada@example.com", "tags": ["a", {"name": "b"}], "custom_attributes": {"n": 3, "s": "x", "z": null}}]`))
	})

	contact, err := c.FindContactByEmail(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(5), contact.ID)
	assert.Equal(t, []string{"a", "b"}, contact.Tags)
	assert.Equal(t, map[string]string{"n": "3", "s": "x"}, contact.CustomFields)
}

func TestFindContactByEmail_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id": 5, "email_address": "ADA@example.com"}]`))
	})

	_, err := c.FindContactByEmail(context.Background(), "ada@example.com")
	assert.ErrorIs(t, err, ErrContactNotFound)
}

func TestEnroll_PreCheckFindsActiveEnrollment(t *testing.T) {
	var posts int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/courses/course-1/enrollments", r.URL.Path)
		if r.Method == http.MethodPost {
			atomic.AddInt32(&posts, 1)
			return
		}
		assert.Equal(t, "9", r.URL.Query().Get("filter[contact_id]"))
		_, _ = w.Write([]byte(`[{"id": 1, "contact_id": 9, "suspended": true}, {"id": 2, "contact_id": 9, "suspended": false}]`))
	})

	out, err := c.Enroll(context.Background(), 9, "course-1", "order", "cs_1")
	require.NoError(t, err)
	assert.True(t, out.AlreadyEnrolled)
	assert.Equal(t, int64(2), out.EnrollmentID)
	assert.Zero(t, atomic.LoadInt32(&posts))
}

func TestEnroll_SuspendedOnlyCreates(t *testing.T) {
	var body map[string]map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`[{"id": 1, "contact_id": 9, "suspended": true}]`))
			return
		}
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 31, "contact_id": 9}`))
	})

	out, err := c.Enroll(context.Background(), 9, "course-1", "order", "cs_1")
	require.NoError(t, err)
	assert.False(t, out.AlreadyEnrolled)
	assert.Equal(t, int64(31), out.EnrollmentID)
	assert.Equal(t, float64(9), body["courses_enrollment"]["contact_id"])
	assert.Equal(t, "cs_1", body["courses_enrollment"]["origination_source_id"])
}

func TestEnroll_ConflictIsSuccess(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "409", status: http.StatusConflict, body: `{"error": "duplicate"}`},
		{name: "422 already", status: http.StatusUnprocessableEntity, body: `{"errors": [{"detail": "Contact is already enrolled"}]}`},
		{name: "422 taken", status: http.StatusUnprocessableEntity, body: `{"errors": {"contact_id": ["has been taken"]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodGet {
					_, _ = w.Write([]byte(`[]`))
					return
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			out, err := c.Enroll(context.Background(), 9, "course-1", "", "")
			require.NoError(t, err)
			assert.True(t, out.AlreadyEnrolled)
		})
	}
}

func TestEnroll_OtherErrorsSurfaceDetail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors": [{"title": "Invalid", "detail": "Course is archived"}]}`))
	})

	_, err := c.Enroll(context.Background(), 9, "course-1", "", "")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "Course is archived")
}

func TestDo_RetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"id": 1}`))
	})

	_, err := c.UpsertContact(context.Background(), ContactInput{Email: "ada@example.com"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_RateLimitExhausted(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message": "slow down"}`))
	})

	_, err := c.UpsertContact(context.Background(), ContactInput{Email: "ada@example.com"})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Contains(t, err.Error(), "slow down")
}

func TestDo_ServerErrorIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.UpsertContact(context.Background(), ContactInput{Email: "ada@example.com"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCalculateBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second}
	assert.Equal(t, time.Second, CalculateBackoff(0, cfg))
	assert.Equal(t, 2*time.Second, CalculateBackoff(1, cfg))
	assert.Equal(t, 3*time.Second, CalculateBackoff(2, cfg))
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Zero(t, ParseRetryAfter(h))

	h.Set("Retry-After", "4")
	assert.Equal(t, 4*time.Second, ParseRetryAfter(h))

	h.Set("Retry-After", "soon")
	assert.Zero(t, ParseRetryAfter(h))
}
