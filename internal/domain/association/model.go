package association

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ehr/console/internal/domain/entity"
)

// AssociatedEntity is an edge from the primary entity to another entity.
// Edges are only ever created server-side.
type AssociatedEntity struct {
	ID   string      `json:"id"`
	Kind entity.Kind `json:"entityType"`
	Name string      `json:"name"`
}

// Ref identifies the associated entity.
func (a AssociatedEntity) Ref() entity.Ref {
	return entity.Ref{Kind: a.Kind, ID: a.ID}
}

// associationKeys are the detail-payload fields that may carry the edge list.
var associationKeys = []string{"associatedEntities", "associations"}

// Hydrate extracts the association list from a primary entity's detail
// payload. The payload may be the entity itself or wrap it under "data".
// Entries without an id or with a missing or unrecognized entityType are
// dropped, so every kept entry is counted by CountsByKind. The second result
// is the number of dropped entries.
func Hydrate(body json.RawMessage) ([]AssociatedEntity, int, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return []AssociatedEntity{}, 0, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, 0, fmt.Errorf("decode entity detail: %w", err)
	}
	if data, ok := fields["data"]; ok && len(bytes.TrimSpace(data)) > 0 && bytes.TrimSpace(data)[0] == '{' {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, 0, fmt.Errorf("decode entity detail: %w", err)
		}
		fields = inner
	}

	var raw []map[string]json.RawMessage
	for _, key := range associationKeys {
		v, ok := fields[key]
		if !ok || string(v) == "null" {
			continue
		}
		if err := json.Unmarshal(v, &raw); err != nil {
			return nil, 0, fmt.Errorf("decode %s: %w", key, err)
		}
		break
	}

	out := make([]AssociatedEntity, 0, len(raw))
	for _, rec := range raw {
		id := scalarString(rec["id"])
		var kind entity.Kind
		if v, ok := rec["entityType"]; ok {
			if err := json.Unmarshal(v, &kind); err != nil {
				kind = entity.KindUnknown
			}
		}
		if id == "" || !kind.Valid() {
			continue
		}
		var name string
		if v, ok := rec["name"]; ok {
			if err := json.Unmarshal(v, &name); err != nil {
				name = ""
			}
		}
		out = append(out, AssociatedEntity{ID: id, Kind: kind, Name: name})
	}
	return out, len(raw) - len(out), nil
}

// known returns the entries of list whose kind is one of the chart kinds.
func known(list []AssociatedEntity) ([]AssociatedEntity, int) {
	out := make([]AssociatedEntity, 0, len(list))
	for _, a := range list {
		if a.Kind.Valid() {
			out = append(out, a)
		}
	}
	return out, len(list) - len(out)
}

func scalarString(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}
