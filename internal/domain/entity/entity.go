// Package entity defines the entity kinds managed by the console (practices,
// practitioners, contacts, corporates, EHR and insurance providers) and the
// lightweight records that reference them.
package entity

// Entity is an opaque record loaded by a profile page.
type Entity struct {
	ID   string `json:"id"`
	Kind Kind   `json:"entityType"`
	Name string `json:"name"`
}

// Ref identifies an entity without its display data.
type Ref struct {
	Kind Kind   `json:"entityType"`
	ID   string `json:"id"`
}

func (e Entity) Ref() Ref {
	return Ref{Kind: e.Kind, ID: e.ID}
}
