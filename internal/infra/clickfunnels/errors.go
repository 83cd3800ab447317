package clickfunnels

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// APIError is a non-2xx answer from the platform. Detail carries the remote
// explanation when the body was structured.
type APIError struct {
	StatusCode int
	Detail     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("clickfunnels API error (status %d): %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("clickfunnels API error (status %d): %s", e.StatusCode, e.Body)
}

// IsConflict reports whether the platform refused because the record already
// exists.
func (e *APIError) IsConflict() bool {
	if e.StatusCode == http.StatusConflict {
		return true
	}
	if e.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	d := strings.ToLower(e.Detail)
	return strings.Contains(d, "already") || strings.Contains(d, "has been taken")
}

func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsConflict()
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: strings.TrimSpace(string(body))}

	var raw struct {
		Error   string          `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
		Errors  json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return apiErr
	}

	var parts []string
	if len(raw.Errors) > 0 {
		parts = append(parts, flattenErrors(raw.Errors)...)
	}
	for _, s := range []string{raw.Detail, raw.Message, raw.Error} {
		if s = strings.TrimSpace(s); s != "" && len(parts) == 0 {
			parts = append(parts, s)
		}
	}
	apiErr.Detail = strings.Join(parts, "; ")
	return apiErr
}

// flattenErrors handles both JSON:API style lists and Rails style field maps.
func flattenErrors(raw json.RawMessage) []string {
	var list []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &list); err == nil {
		var out []string
		for _, e := range list {
			switch {
			case e.Detail != "":
				out = append(out, e.Detail)
			case e.Title != "":
				out = append(out, e.Title)
			}
		}
		return out
	}

	var fields map[string][]string
	if err := json.Unmarshal(raw, &fields); err == nil {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			for _, msg := range fields[k] {
				out = append(out, k+" "+msg)
			}
		}
		return out
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}
