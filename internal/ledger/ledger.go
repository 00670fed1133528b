// Package ledger keeps the write-once stage history of deals on top of a
// record store.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"dealline/internal/domain"
	"dealline/internal/store"
)

var ErrNotFound = errors.New("history record not found")

// Ledger exposes append, list and get only; history is never edited.
type Ledger struct {
	Store store.RecordStore
}

func New(s store.RecordStore) Ledger {
	return Ledger{Store: s}
}

// Append writes rec and returns the id assigned by the store. rec.ID is
// ignored so a retried append always yields a fresh record.
func (l Ledger) Append(ctx context.Context, rec domain.StageHistoryRecord) (string, error) {
	if rec.OpportunityID == "" {
		return "", errors.New("opportunityId required")
	}
	if !rec.StageName.Valid() {
		return "", fmt.Errorf("invalid stage %q", rec.StageName)
	}
	rec.ID = ""
	doc, err := store.Encode(rec)
	if err != nil {
		return "", err
	}
	delete(doc, "id")
	return l.Store.AddRecord(ctx, store.CollectionStageHistory, doc)
}

// ListFor returns every record of the deal in insertion order, orphaned
// records included.
func (l Ledger) ListFor(ctx context.Context, opportunityID string) ([]domain.StageHistoryRecord, error) {
	docs, err := l.Store.QueryRecords(ctx, store.CollectionStageHistory, store.Filter{
		Equals: map[string]any{"opportunityId": opportunityID},
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.StageHistoryRecord, 0, len(docs))
	for _, doc := range docs {
		var rec domain.StageHistoryRecord
		if err := store.Decode(doc, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l Ledger) GetByID(ctx context.Context, id string) (domain.StageHistoryRecord, error) {
	var rec domain.StageHistoryRecord
	if id == "" {
		return rec, ErrNotFound
	}
	doc, err := l.Store.GetRecord(ctx, store.CollectionStageHistory, id)
	if errors.Is(err, store.ErrNotFound) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if err := store.Decode(doc, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}
