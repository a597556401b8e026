// Package repo is the SQLite-backed entity store.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"innoflow/internal/domain"
	"innoflow/internal/events"
	"innoflow/internal/store"
)

var (
	_ store.Store   = Repo{}
	_ store.Auditor = Repo{}
)

// ErrNotFound is kept as an alias so callers can match either name.
var ErrNotFound = store.ErrNotFound

type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

func (r Repo) Get(ctx context.Context, kind domain.Kind, id string) (domain.Record, error) {
	return scanRecord(r.DB.QueryRowContext(ctx, `SELECT document,version FROM entities WHERE kind=? AND id=?`, string(kind), id))
}

func scanRecord(row *sql.Row) (domain.Record, error) {
	var doc string
	var version int64
	err := row.Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, err
	}
	var rec domain.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return domain.Record{}, fmt.Errorf("decode entity document: %w", err)
	}
	rec.Version = version
	return rec, nil
}

func (r Repo) Create(ctx context.Context, rec domain.Record, change store.Change) (domain.Record, error) {
	if rec.ID == "" || rec.Kind == "" {
		return domain.Record{}, errors.New("kind and id are required")
	}
	rec.Version = 1
	doc, err := json.Marshal(rec)
	if err != nil {
		return domain.Record{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO entities(kind,id,title,status,version,document,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		string(rec.Kind), rec.ID, rec.Title, string(rec.Status), rec.Version, string(doc), rec.CreatedAt, rec.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.Record{}, fmt.Errorf("%s/%s: %w", rec.Kind, rec.ID, store.ErrAlreadyExists)
		}
		return domain.Record{}, fmt.Errorf("insert entity: %w", err)
	}
	if link := rec.Provenance; link != nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO conversion_links(target_kind,target_id,source_kind,source_id,conversion_type,created_at) VALUES (?,?,?,?,?,?)`,
			string(link.TargetKind), link.TargetID, string(link.SourceKind), link.SourceID, string(link.ConversionType), link.CreatedAt); err != nil {
			return domain.Record{}, fmt.Errorf("insert conversion link: %w", err)
		}
	}
	if err := r.appendChange(ctx, tx, rec, change); err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

func (r Repo) Update(ctx context.Context, rec domain.Record, expectedVersion int64, change store.Change) (domain.Record, error) {
	rec.Version = expectedVersion + 1
	doc, err := json.Marshal(rec)
	if err != nil {
		return domain.Record{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE entities SET title=?, status=?, version=?, document=?, updated_at=? WHERE kind=? AND id=? AND version=?`,
		rec.Title, string(rec.Status), rec.Version, string(doc), rec.UpdatedAt, string(rec.Kind), rec.ID, expectedVersion)
	if err != nil {
		return domain.Record{}, fmt.Errorf("update entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var actual int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM entities WHERE kind=? AND id=?`, string(rec.Kind), rec.ID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Record{}, store.ErrNotFound
		}
		if err != nil {
			return domain.Record{}, err
		}
		return domain.Record{}, &store.StaleVersionError{Kind: rec.Kind, ID: rec.ID, Expected: expectedVersion, Actual: actual}
	}
	if err := r.appendChange(ctx, tx, rec, change); err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

func (r Repo) appendChange(ctx context.Context, tx *sql.Tx, rec domain.Record, change store.Change) error {
	if change.Type == "" {
		return nil
	}
	payload := events.EventPayload{"version": rec.Version, "status": rec.Status}
	for k, v := range change.Payload {
		payload[k] = v
	}
	actor := change.ActorID
	if actor == "" {
		actor = "system"
	}
	return r.Events.Append(ctx, tx, change.Type, string(rec.Kind), rec.ID, actor, payload)
}

// ListEvents returns the newest audit events, optionally scoped to one entity.
func (r Repo) ListEvents(ctx context.Context, kind domain.Kind, id string, limit int) ([]events.Event, error) {
	var clauses []string
	var args []any
	if kind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, string(kind))
	}
	if id != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, id)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events ` + where + ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []events.Event
	for rows.Next() {
		var e events.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListConversionLinks returns provenance links created from a source entity.
func (r Repo) ListConversionLinks(ctx context.Context, source domain.Ref) ([]domain.ConversionLink, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT target_kind,target_id,source_kind,source_id,conversion_type,created_at FROM conversion_links
WHERE source_kind=? AND source_id=? ORDER BY created_at ASC, target_id ASC`, string(source.Kind), source.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConversionLink
	for rows.Next() {
		var l domain.ConversionLink
		var tk, sk, ct string
		if err := rows.Scan(&tk, &l.TargetID, &sk, &l.SourceID, &ct, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.TargetKind, l.SourceKind, l.ConversionType = domain.Kind(tk), domain.Kind(sk), domain.ConversionType(ct)
		res = append(res, l)
	}
	return res, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
