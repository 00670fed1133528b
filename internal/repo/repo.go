package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealline/internal/domain"
	"dealline/internal/store"
)

// Repo is the SQLite-backed record store. Documents live in the records table
// as JSON, one row per (collection, id); seq preserves insertion order.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = store.ErrNotFound

var _ store.RecordStore = Repo{}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// AddRecord inserts a document and returns its id. A caller-supplied "id" is
// kept; otherwise a new one is generated.
func (r Repo) AddRecord(ctx context.Context, collection string, data store.Document) (string, error) {
	if collection == "" {
		return "", errors.New("collection required")
	}
	doc := copyDocument(data)
	id := doc.ID()
	if id == "" {
		id = uuid.New().String()
	}
	doc["id"] = id
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	now := r.now()
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO records(collection,id,data_json,created_at,updated_at) VALUES (?,?,?,?,?)`,
		collection, id, string(payload), now, now); err != nil {
		return "", fmt.Errorf("insert %s record: %w", collection, err)
	}
	return id, nil
}

// UpdateRecord merges patch into the stored document. A nil value removes the
// key; "id" cannot be changed.
func (r Repo) UpdateRecord(ctx context.Context, collection, id string, patch store.Document) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	doc, err := getRecord(ctx, tx, collection, id)
	if err != nil {
		return err
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE records SET data_json=?, updated_at=? WHERE collection=? AND id=?`,
		string(payload), r.now(), collection, id)
	if err != nil {
		return fmt.Errorf("update %s record: %w", collection, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (r Repo) GetRecord(ctx context.Context, collection, id string) (store.Document, error) {
	return getRecord(ctx, r.DB, collection, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryer, collection, id string) (store.Document, error) {
	var payload string
	err := q.QueryRowContext(ctx, `SELECT data_json FROM records WHERE collection=? AND id=?`, collection, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc store.Document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("decode %s record %s: %w", collection, id, err)
	}
	return doc, nil
}

// QueryRecords lists documents of a collection in insertion order.
func (r Repo) QueryRecords(ctx context.Context, collection string, f store.Filter) ([]store.Document, error) {
	clauses := []string{"collection=?"}
	args := []any{collection}
	keys := make([]string, 0, len(f.Equals))
	for k := range f.Equals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		clauses = append(clauses, "json_extract(data_json, ?) = ?")
		args = append(args, "$."+k, f.Equals[k])
	}
	if f.After != "" {
		clauses = append(clauses, "seq > (SELECT seq FROM records WHERE collection=? AND id=?)")
		args = append(args, collection, f.After)
	}
	query := `SELECT data_json FROM records WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []store.Document
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var doc store.Document
		if err := json.Unmarshal([]byte(payload), &doc); err != nil {
			return nil, fmt.Errorf("decode %s record: %w", collection, err)
		}
		res = append(res, doc)
	}
	return res, rows.Err()
}

// CountRecords returns the number of documents in a collection.
func (r Repo) CountRecords(ctx context.Context, collection string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM records WHERE collection=?`, collection).Scan(&n)
	return n, err
}

func copyDocument(in store.Document) store.Document {
	out := make(store.Document, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// EventFilters narrows LatestEvents.
type EventFilters struct {
	Limit      int
	// Before returns only events with a smaller id, for paging backwards.
	Before     int64
	Type       string
	EntityKind string
	EntityID   string
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns up to limit events with an id above afterID, oldest
// first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

// LatestEventID returns the highest event id, 0 when there are none.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
