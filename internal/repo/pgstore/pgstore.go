// Package pgstore is the Postgres-backed entity store.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"innoflow/internal/domain"
	"innoflow/internal/events"
	"innoflow/internal/store"
)

var (
	_ store.Store   = (*Store)(nil)
	_ store.Auditor = (*Store)(nil)
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS entities (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	version BIGINT NOT NULL,
	document JSONB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (kind, id)
)`,
	`CREATE TABLE IF NOT EXISTS conversion_links (
	target_kind TEXT NOT NULL,
	target_id TEXT NOT NULL,
	source_kind TEXT NOT NULL,
	source_id TEXT NOT NULL,
	conversion_type TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (target_kind, target_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_conversion_links_source ON conversion_links(source_kind, source_id)`,
	`CREATE TABLE IF NOT EXISTS entity_events (
	event_id BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	type TEXT NOT NULL,
	entity_kind TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	payload JSONB NOT NULL
)`,
}

type Store struct {
	DB *pgxpool.Pool
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{DB: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.DB.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() {
	s.DB.Close()
}

func (s *Store) Get(ctx context.Context, kind domain.Kind, id string) (domain.Record, error) {
	var doc []byte
	var version int64
	err := s.DB.QueryRow(ctx, `SELECT document, version FROM entities WHERE kind=$1 AND id=$2`, string(kind), id).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Record{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, err
	}
	var rec domain.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return domain.Record{}, fmt.Errorf("decode entity document: %w", err)
	}
	rec.Version = version
	return rec, nil
}

func (s *Store) Create(ctx context.Context, rec domain.Record, change store.Change) (domain.Record, error) {
	if rec.ID == "" || rec.Kind == "" {
		return domain.Record{}, errors.New("kind and id are required")
	}
	rec.Version = 1
	doc, err := json.Marshal(rec)
	if err != nil {
		return domain.Record{}, err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO entities(kind,id,title,status,version,document,created_at,updated_at) VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8)`,
		string(rec.Kind), rec.ID, rec.Title, string(rec.Status), rec.Version, string(doc), rec.CreatedAt, rec.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.Record{}, fmt.Errorf("%s/%s: %w", rec.Kind, rec.ID, store.ErrAlreadyExists)
		}
		return domain.Record{}, fmt.Errorf("insert entity: %w", err)
	}
	if link := rec.Provenance; link != nil {
		if _, err := tx.Exec(ctx, `INSERT INTO conversion_links(target_kind,target_id,source_kind,source_id,conversion_type,created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
			string(link.TargetKind), link.TargetID, string(link.SourceKind), link.SourceID, string(link.ConversionType), link.CreatedAt); err != nil {
			return domain.Record{}, fmt.Errorf("insert conversion link: %w", err)
		}
	}
	if err := appendChange(ctx, tx, rec, change); err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, rec domain.Record, expectedVersion int64, change store.Change) (domain.Record, error) {
	rec.Version = expectedVersion + 1
	doc, err := json.Marshal(rec)
	if err != nil {
		return domain.Record{}, err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE entities SET title=$1, status=$2, version=$3, document=$4::jsonb, updated_at=$5 WHERE kind=$6 AND id=$7 AND version=$8`,
		rec.Title, string(rec.Status), rec.Version, string(doc), rec.UpdatedAt, string(rec.Kind), rec.ID, expectedVersion)
	if err != nil {
		return domain.Record{}, fmt.Errorf("update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var actual int64
		err := tx.QueryRow(ctx, `SELECT version FROM entities WHERE kind=$1 AND id=$2`, string(rec.Kind), rec.ID).Scan(&actual)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Record{}, store.ErrNotFound
		}
		if err != nil {
			return domain.Record{}, err
		}
		return domain.Record{}, &store.StaleVersionError{Kind: rec.Kind, ID: rec.ID, Expected: expectedVersion, Actual: actual}
	}
	if err := appendChange(ctx, tx, rec, change); err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

// ListEvents returns the newest audit events, optionally scoped to one entity.
func (s *Store) ListEvents(ctx context.Context, kind domain.Kind, id string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `SELECT event_id,occurred_at,type,entity_kind,entity_id,actor_id,payload::text FROM entity_events
WHERE ($1 = '' OR entity_kind=$1) AND ($2 = '' OR entity_id=$2) ORDER BY event_id DESC LIMIT $3`, string(kind), id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []events.Event
	for rows.Next() {
		var e events.Event
		var at time.Time
		if err := rows.Scan(&e.ID, &at, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.TS = at.UTC().Format(time.RFC3339)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListConversionLinks returns provenance links created from a source entity.
func (s *Store) ListConversionLinks(ctx context.Context, source domain.Ref) ([]domain.ConversionLink, error) {
	rows, err := s.DB.Query(ctx, `SELECT target_kind,target_id,source_kind,source_id,conversion_type,created_at FROM conversion_links
WHERE source_kind=$1 AND source_id=$2 ORDER BY created_at ASC, target_id ASC`, string(source.Kind), source.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ConversionLink
	for rows.Next() {
		var l domain.ConversionLink
		var tk, sk, ct string
		if err := rows.Scan(&tk, &l.TargetID, &sk, &l.SourceID, &ct, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.TargetKind, l.SourceKind, l.ConversionType = domain.Kind(tk), domain.Kind(sk), domain.ConversionType(ct)
		out = append(out, l)
	}
	return out, rows.Err()
}

func appendChange(ctx context.Context, tx pgx.Tx, rec domain.Record, change store.Change) error {
	if change.Type == "" {
		return nil
	}
	payload := map[string]any{"version": rec.Version, "status": rec.Status}
	for k, v := range change.Payload {
		payload[k] = v
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := change.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = tx.Exec(ctx, `INSERT INTO entity_events(type,entity_kind,entity_id,actor_id,payload) VALUES ($1,$2,$3,$4,$5::jsonb)`,
		change.Type, string(rec.Kind), rec.ID, actor, string(b))
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
