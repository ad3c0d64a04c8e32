package onboarding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ehr/console/internal/platform/remote"
)

// Resolver finds the id of a user that was just created. The backend's
// create call answers with a confirmation message only, so the id has to be
// recovered some other way.
type Resolver interface {
	ResolveID(ctx context.Context, email string) (string, error)
}

// EmailScanResolver lists the whole user collection and picks the single
// record whose email matches exactly (case-sensitive).
type EmailScanResolver struct {
	client     remote.Client
	collection string
}

func NewEmailScanResolver(client remote.Client, collection string) *EmailScanResolver {
	return &EmailScanResolver{client: client, collection: collection}
}

func (r *EmailScanResolver) ResolveID(ctx context.Context, email string) (string, error) {
	resp, err := r.client.ListResources(ctx, r.collection)
	if err != nil {
		return "", &IDResolutionError{Email: email, Err: err}
	}

	var body json.RawMessage
	if resp != nil {
		body = resp.Body
	}
	records, err := decodeRecords(body)
	if err != nil {
		return "", &IDResolutionError{Email: email, Err: err}
	}

	var matches []string
	for _, rec := range records {
		if rec.Email == email {
			matches = append(matches, rec.ID)
		}
	}
	if len(matches) != 1 || matches[0] == "" {
		return "", &IDResolutionError{Email: email, Matches: len(matches)}
	}
	return matches[0], nil
}

type userRecord struct {
	ID    string
	Email string
}

// decodeRecords accepts either a bare JSON array or an object wrapping the
// array under "data".
func decodeRecords(body json.RawMessage) ([]userRecord, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty user list")
	}

	var raw []map[string]json.RawMessage
	if body[0] == '{' {
		var wrapped struct {
			Data []map[string]json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("decode user list: %w", err)
		}
		raw = wrapped.Data
	} else if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode user list: %w", err)
	}

	records := make([]userRecord, 0, len(raw))
	for _, fields := range raw {
		var email string
		if v, ok := fields["email"]; ok {
			_ = json.Unmarshal(v, &email)
		}
		id, _ := scalarString(fields["id"])
		records = append(records, userRecord{ID: id, Email: email})
	}
	return records, nil
}

// idFromBody returns the "id" field of a create response when the backend
// provides one.
func idFromBody(body json.RawMessage) (string, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", false
	}
	return scalarString(fields["id"])
}

// scalarString reads a JSON string or number as a string.
func scalarString(v json.RawMessage) (string, bool) {
	if len(v) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, s != ""
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10), true
		}
		return n.String(), true
	}
	return "", false
}
