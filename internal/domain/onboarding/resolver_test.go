package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestEmailScanResolver(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantID  string
		matches int
		wantErr bool
	}{
		{"single match", `[{"id":"42","email":"a@x.com"},{"id":"43","email":"b@x.com"}]`, "42", 1, false},
		{"numeric id", `[{"id":42,"email":"a@x.com"}]`, "42", 1, false},
		{"wrapped in data", `{"data":[{"id":"42","email":"a@x.com"}]}`, "42", 1, false},
		{"no match", `[{"id":"43","email":"b@x.com"}]`, "", 0, true},
		{"empty list", `[]`, "", 0, true},
		{"duplicates", `[{"id":"1","email":"a@x.com"},{"id":"2","email":"a@x.com"}]`, "", 2, true},
		{"match without id", `[{"email":"a@x.com"}]`, "", 1, true},
		{"different casing", `[{"id":"1","email":"A@x.com"}]`, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeClient()
			f.listBody = tt.body
			r := NewEmailScanResolver(f, "users")

			id, err := r.ResolveID(context.Background(), "a@x.com")
			if tt.wantErr {
				var rerr *IDResolutionError
				if !errors.As(err, &rerr) {
					t.Fatalf("expected IDResolutionError, got %v", err)
				}
				if rerr.Matches != tt.matches {
					t.Errorf("expected %d matches, got %d", tt.matches, rerr.Matches)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id != tt.wantID {
				t.Errorf("expected id %q, got %q", tt.wantID, id)
			}
		})
	}
}

func TestEmailScanResolver_MalformedBody(t *testing.T) {
	f := newFakeClient()
	f.listBody = `"nope"`
	r := NewEmailScanResolver(f, "users")

	_, err := r.ResolveID(context.Background(), "a@x.com")
	if !errors.Is(err, ErrIDResolution) {
		t.Errorf("expected ErrIDResolution, got %v", err)
	}
}

func TestIDFromBody(t *testing.T) {
	tests := []struct {
		body string
		want string
		ok   bool
	}{
		{`{"id":"abc"}`, "abc", true},
		{`{"id":7}`, "7", true},
		{`{"id":""}`, "", false},
		{`{"message":"User created"}`, "", false},
		{`not json`, "", false},
	}
	for _, tt := range tests {
		got, ok := idFromBody(json.RawMessage(tt.body))
		if got != tt.want || ok != tt.ok {
			t.Errorf("%s: expected (%q, %v), got (%q, %v)", tt.body, tt.want, tt.ok, got, ok)
		}
	}
}
