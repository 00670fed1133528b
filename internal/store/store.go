// Package store defines the record-store boundary the pipeline consumes.
// Records are schemaless JSON documents grouped by collection.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	CollectionDeals        = "deals"
	CollectionStageHistory = "stage_history"
)

var ErrNotFound = errors.New("record not found")

// Document is a single record. The "id" key is owned by the store.
type Document map[string]any

// Filter selects records by top-level field equality. Results are returned in
// insertion order.
type Filter struct {
	Equals map[string]any
	Limit  int
	// After skips records up to and including this id in insertion order.
	After string
}

// RecordStore is the system of record for deals and stage history.
type RecordStore interface {
	AddRecord(ctx context.Context, collection string, data Document) (string, error)
	UpdateRecord(ctx context.Context, collection, id string, patch Document) error
	GetRecord(ctx context.Context, collection, id string) (Document, error)
	QueryRecords(ctx context.Context, collection string, filter Filter) ([]Document, error)
}

// Encode converts a typed value into a Document through its JSON form.
func Encode(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return doc, nil
}

// Decode fills v from a Document.
func Decode(doc Document, v any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// ID returns the document id or "".
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}
