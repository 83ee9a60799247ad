// Package records persists registry records in sqlite. One row per record
// plus relationship tables for slice membership, authority PIs and user keys,
// all cascading on record deletion. The (type, hrn) and (type, pointer)
// uniqueness invariants are enforced by the schema itself.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"github.com/fedlab/registry-backend/interfaces"
	"github.com/fedlab/registry-backend/naming"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	type           TEXT    NOT NULL,
	hrn            TEXT    NOT NULL,
	gid            BLOB,
	authority      TEXT    NOT NULL DEFAULT '',
	peer_authority TEXT    NOT NULL DEFAULT '',
	pointer        INTEGER NOT NULL DEFAULT -1,
	email          TEXT    NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	UNIQUE (type, hrn)
);
CREATE UNIQUE INDEX IF NOT EXISTS records_type_pointer
	ON records (type, pointer) WHERE pointer != -1;

CREATE TABLE IF NOT EXISTS slice_researchers (
	record_id      INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	researcher_hrn TEXT    NOT NULL,
	UNIQUE (record_id, researcher_hrn)
);
CREATE TABLE IF NOT EXISTS authority_pis (
	record_id INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	pi_hrn    TEXT    NOT NULL,
	UNIQUE (record_id, pi_hrn)
);
CREATE TABLE IF NOT EXISTS user_keys (
	record_id  INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	public_key TEXT    NOT NULL,
	UNIQUE (record_id, public_key)
);
`

// Store is a sqlite-backed record store.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// NewStore opens (and if needed initializes) the database at path.
func NewStore(path string, log *slog.Logger) (*Store, error) {
	params := make(url.Values)
	params.Add("_txlock", "immediate")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout(1000)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(1)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	// A single writer connection sidesteps sqlite lock contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply record store schema: %w", err)
	}

	log.Info("Opened record store", slog.String("path", path))
	return &Store{db: db, log: log}, nil
}

// FindByHRN looks up the unique record for (type, hrn).
func (s *Store) FindByHRN(ctx context.Context, typ interfaces.RecordType, hrn naming.HRN) (*interfaces.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, hrn, gid, authority, peer_authority, pointer, email, created_at, updated_at
		 FROM records WHERE type = ? AND hrn = ?`, string(typ), hrn.String())
	return s.scanOne(ctx, row)
}

// FindByPointer looks up the unique record for (type, pointer).
func (s *Store) FindByPointer(ctx context.Context, typ interfaces.RecordType, pointer int64) (*interfaces.Record, error) {
	if pointer == interfaces.NoPointer {
		return nil, fmt.Errorf("cannot look up a record without a pointer")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, hrn, gid, authority, peer_authority, pointer, email, created_at, updated_at
		 FROM records WHERE type = ? AND pointer = ?`, string(typ), pointer)
	return s.scanOne(ctx, row)
}

// Upsert inserts the record or refreshes the existing (type, hrn) row,
// replacing relationship rows. Runs in its own transaction.
func (s *Store) Upsert(ctx context.Context, rec *interfaces.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Timestamps persist at second precision; keep the in-memory copy equal.
	now := time.Now().UTC().Truncate(time.Second)

	var id int64
	var createdAt int64
	err = tx.QueryRowContext(ctx, `SELECT id, created_at FROM records WHERE type = ? AND hrn = ?`,
		string(rec.Type), rec.HRN.String()).Scan(&id, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			`INSERT INTO records (type, hrn, gid, authority, peer_authority, pointer, email, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(rec.Type), rec.HRN.String(), rec.GID, rec.Authority.String(), rec.PeerAuthority,
			rec.Pointer, rec.Email, now.Unix(), now.Unix())
		if err != nil {
			return wrapConstraint(err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read inserted record id: %w", err)
		}
		rec.CreatedAt = now
	case err != nil:
		return fmt.Errorf("failed to look up record %q: %w", rec.HRN, err)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET gid = ?, authority = ?, peer_authority = ?, pointer = ?, email = ?, updated_at = ?
			 WHERE id = ?`,
			rec.GID, rec.Authority.String(), rec.PeerAuthority, rec.Pointer, rec.Email, now.Unix(), id)
		if err != nil {
			return wrapConstraint(err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	}

	if err := replaceRelations(ctx, tx, id, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record %q: %w", rec.HRN, err)
	}
	rec.ID = id
	rec.UpdatedAt = now
	return nil
}

// Delete removes the record; relationship rows cascade.
func (s *Store) Delete(ctx context.Context, rec *interfaces.Record) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE type = ? AND hrn = ?`,
		string(rec.Type), rec.HRN.String())
	if err != nil {
		return fmt.Errorf("failed to delete record %q: %w", rec.HRN, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s %q", interfaces.ErrRecordNotFound, rec.Type, rec.HRN)
	}
	return nil
}

// ListAll returns every record with relationships populated.
func (s *Store) ListAll(ctx context.Context) ([]*interfaces.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, hrn, gid, authority, peer_authority, pointer, email, created_at, updated_at
		 FROM records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []*interfaces.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	for _, rec := range out {
		if err := s.loadRelations(ctx, rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*interfaces.Record, error) {
	var rec interfaces.Record
	var typ, hrn, authority string
	var createdAt, updatedAt int64
	err := sc.Scan(&rec.ID, &typ, &hrn, &rec.GID, &authority, &rec.PeerAuthority,
		&rec.Pointer, &rec.Email, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.Type = interfaces.RecordType(typ)
	rec.HRN = naming.HRN(hrn)
	rec.Authority = naming.HRN(authority)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

func (s *Store) scanOne(ctx context.Context, row *sql.Row) (*interfaces.Record, error) {
	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadRelations(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) loadRelations(ctx context.Context, rec *interfaces.Record) error {
	switch rec.Type {
	case interfaces.RecordSlice:
		hrns, err := s.relation(ctx, `SELECT researcher_hrn FROM slice_researchers WHERE record_id = ? ORDER BY researcher_hrn`, rec.ID)
		if err != nil {
			return err
		}
		rec.Researchers = toHRNs(hrns)
	case interfaces.RecordAuthority:
		hrns, err := s.relation(ctx, `SELECT pi_hrn FROM authority_pis WHERE record_id = ? ORDER BY pi_hrn`, rec.ID)
		if err != nil {
			return err
		}
		rec.PIs = toHRNs(hrns)
	case interfaces.RecordUser:
		keys, err := s.relation(ctx, `SELECT public_key FROM user_keys WHERE record_id = ? ORDER BY public_key`, rec.ID)
		if err != nil {
			return err
		}
		rec.Keys = keys
	}
	return nil
}

func (s *Store) relation(ctx context.Context, query string, id int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load relations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func replaceRelations(ctx context.Context, tx *sql.Tx, id int64, rec *interfaces.Record) error {
	type relation struct {
		table, column string
		values        []string
	}
	var rel relation
	switch rec.Type {
	case interfaces.RecordSlice:
		rel = relation{"slice_researchers", "researcher_hrn", fromHRNs(rec.Researchers)}
	case interfaces.RecordAuthority:
		rel = relation{"authority_pis", "pi_hrn", fromHRNs(rec.PIs)}
	case interfaces.RecordUser:
		rel = relation{"user_keys", "public_key", rec.Keys}
	default:
		return nil
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE record_id = ?`, rel.table), id); err != nil {
		return fmt.Errorf("failed to clear %s: %w", rel.table, err)
	}
	for _, v := range rel.values {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (record_id, %s) VALUES (?, ?)`, rel.table, rel.column), id, v)
		if err != nil {
			return fmt.Errorf("failed to insert into %s: %w", rel.table, err)
		}
	}
	return nil
}

// wrapConstraint maps sqlite uniqueness violations to ErrDuplicateRecord.
func wrapConstraint(err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", interfaces.ErrDuplicateRecord, err)
	}
	return fmt.Errorf("failed to write record: %w", err)
}

func toHRNs(vals []string) []naming.HRN {
	if len(vals) == 0 {
		return nil
	}
	out := make([]naming.HRN, len(vals))
	for i, v := range vals {
		out[i] = naming.HRN(v)
	}
	return out
}

func fromHRNs(hrns []naming.HRN) []string {
	out := make([]string, len(hrns))
	for i, h := range hrns {
		out[i] = h.String()
	}
	return out
}
