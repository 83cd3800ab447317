package clickfunnels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrEmailRequired   = errors.New("contact email is required")
	ErrContactNotFound = errors.New("contact not found")
)

// Contact is the platform's beneficiary record, keyed by email.
type Contact struct {
	ID           int64
	Email        string
	FirstName    string
	LastName     string
	Phone        string
	Tags         []string
	CustomFields map[string]string
}

// ContactInput describes a create-or-update. Empty optional fields are not
// sent, so existing remote values are left untouched.
type ContactInput struct {
	Email        string
	FirstName    string
	LastName     string
	Phone        string
	Tags         []string
	CustomFields map[string]string
}

type contactBody struct {
	Email            string            `json:"email_address,omitempty"`
	FirstName        string            `json:"first_name,omitempty"`
	LastName         string            `json:"last_name,omitempty"`
	Phone            string            `json:"phone_number,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	CustomAttributes map[string]string `json:"custom_attributes,omitempty"`
}

type contactEnvelope struct {
	Contact contactBody `json:"contact"`
}

type contactPayload struct {
	ID               int64             `json:"id"`
	Email            string            `json:"email_address"`
	FirstName        string            `json:"first_name"`
	LastName         string            `json:"last_name"`
	Phone            string            `json:"phone_number"`
	Tags             []json.RawMessage `json:"tags"`
	CustomAttributes map[string]any    `json:"custom_attributes"`
}

func (in ContactInput) body() contactBody {
	b := contactBody{
		Email:     strings.TrimSpace(in.Email),
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Phone:     strings.TrimSpace(in.Phone),
	}
	for _, tag := range in.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			b.Tags = append(b.Tags, tag)
		}
	}
	for k, v := range in.CustomFields {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if b.CustomAttributes == nil {
			b.CustomAttributes = make(map[string]string, len(in.CustomFields))
		}
		b.CustomAttributes[k] = v
	}
	return b
}

func (p contactPayload) toContact() *Contact {
	c := &Contact{
		ID:        p.ID,
		Email:     p.Email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Phone:     p.Phone,
	}
	for _, raw := range p.Tags {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			c.Tags = append(c.Tags, name)
			continue
		}
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.Name != "" {
			c.Tags = append(c.Tags, obj.Name)
		}
	}
	if len(p.CustomAttributes) > 0 {
		c.CustomFields = make(map[string]string, len(p.CustomAttributes))
		for k, v := range p.CustomAttributes {
			if v == nil {
				continue
			}
			c.CustomFields[k] = fmt.Sprint(v)
		}
	}
	return c
}

func (c *Client) workspacePath(suffix string) (string, error) {
	if c.workspaceID == "" {
		return "", fmt.Errorf("%w: CLICKFUNNELS_WORKSPACE_ID missing", ErrNotConfigured)
	}
	return "/workspaces/" + url.PathEscape(c.workspaceID) + suffix, nil
}

// UpsertContact finds the contact by exact email or creates it. Tags are
// appended and custom fields overwritten per key by the platform.
func (c *Client) UpsertContact(ctx context.Context, in ContactInput) (*Contact, error) {
	if strings.TrimSpace(in.Email) == "" {
		return nil, ErrEmailRequired
	}
	path, err := c.workspacePath("/contacts/upsert")
	if err != nil {
		return nil, err
	}

	var out contactPayload
	if err := c.do(ctx, http.MethodPost, path, nil, contactEnvelope{Contact: in.body()}, &out); err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}
	if out.ID == 0 {
		return nil, errors.New("upsert contact: response missing contact id")
	}

	c.logger.Debug("contact upserted", zap.Int64("contact_id", out.ID))
	return out.toContact(), nil
}

// FindContactByEmail returns ErrContactNotFound when no contact matches.
func (c *Client) FindContactByEmail(ctx context.Context, email string) (*Contact, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrEmailRequired
	}
	path, err := c.workspacePath("/contacts")
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("filter[email_address]", email)

	var out []contactPayload
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, fmt.Errorf("find contact: %w", err)
	}
	for _, p := range out {
		if p.Email == email {
			return p.toContact(), nil
		}
	}
	return nil, ErrContactNotFound
}

// UpdateContact writes the non-empty fields of in onto an existing contact.
func (c *Client) UpdateContact(ctx context.Context, contactID int64, in ContactInput) error {
	if contactID == 0 {
		return errors.New("update contact: contact id is required")
	}
	path := fmt.Sprintf("/contacts/%d", contactID)
	if err := c.do(ctx, http.MethodPut, path, nil, contactEnvelope{Contact: in.body()}, nil); err != nil {
		return fmt.Errorf("update contact %d: %w", contactID, err)
	}
	return nil
}
