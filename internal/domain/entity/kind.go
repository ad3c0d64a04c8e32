package entity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the closed set of entity types the console manages.
type Kind int

const (
	KindUnknown Kind = iota
	KindPractice
	KindPractitioner
	KindContact
	KindCorporate
	KindEHR
	KindInsurance
)

type kindInfo struct {
	code       string
	label      string
	collection string
}

// kinds is the single mapping table between the wire code, the display
// subtype label and the backend collection of every kind.
var kinds = map[Kind]kindInfo{
	KindPractice:     {code: "PRACTICE", label: "Practice", collection: "practices"},
	KindPractitioner: {code: "PRACTITIONER", label: "Practitioner", collection: "practitioners"},
	KindContact:      {code: "CONTACT", label: "Contact", collection: "contacts"},
	KindCorporate:    {code: "CORPORATE", label: "Corporate", collection: "corporates"},
	KindEHR:          {code: "EHR", label: "EHR Provider", collection: "ehrs"},
	KindInsurance:    {code: "INSURANCE", label: "Insurance Provider", collection: "insurances"},
}

// All returns every known kind in organization chart order.
func All() []Kind {
	return []Kind{KindPractice, KindPractitioner, KindContact, KindCorporate, KindEHR, KindInsurance}
}

// ParseKind maps a wire code to a Kind. The comparison ignores case and
// surrounding whitespace; unrecognised codes return KindUnknown and an error.
func ParseKind(s string) (Kind, error) {
	code := strings.ToUpper(strings.TrimSpace(s))
	for k, info := range kinds {
		if info.code == code {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown entity type %q", s)
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// String returns the wire code, e.g. "PRACTITIONER".
func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.code
	}
	return "UNKNOWN"
}

// Label returns the human readable subtype label shown on chart nodes.
func (k Kind) Label() string {
	if info, ok := kinds[k]; ok {
		return info.label
	}
	return "Unknown"
}

// Collection returns the backend collection that stores entities of this kind.
func (k Kind) Collection() string {
	return kinds[k].collection
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON accepts any casing. Unknown codes decode to KindUnknown
// rather than failing so that one odd edge does not reject a whole payload.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("entity type must be a string: %w", err)
	}
	parsed, _ := ParseKind(s)
	*k = parsed
	return nil
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
