package models

import "fmt"

type Document struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Query selects documents of one collection, optionally filtered by equality
// on a single top-level field.
type Query struct {
	Collection string `json:"collection"`
	Field      string `json:"field,omitempty"`
	Value      string `json:"value,omitempty"`
	OrderBy    string `json:"orderBy,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (q Query) Matches(collection string, doc Document) bool {
	if collection != q.Collection {
		return false
	}
	if q.Field == "" {
		return true
	}
	v, ok := doc.Data[q.Field]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == q.Value
}

func (q Query) String() string {
	if q.Field == "" {
		return q.Collection
	}
	return fmt.Sprintf("%s[%s=%s]", q.Collection, q.Field, q.Value)
}
