package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

// SQLStore implements Store over database/sql. It works against both
// Postgres (github.com/lib/pq) and SQLite (modernc.org/sqlite); both
// drivers accept $N placeholders.
//
// Idempotency rests on the UNIQUE constraint over snapshot_hash: the losing
// side of a concurrent identical append reads the winner's row back instead
// of writing a duplicate.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle. The caller owns driver
// selection and connection pooling.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const evidenceSchema = `
CREATE TABLE IF NOT EXISTS evidence_records (
	sequence BIGINT PRIMARY KEY,
	snapshot_hash TEXT NOT NULL UNIQUE,
	schema_version TEXT NOT NULL,
	plan_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	supersedes BIGINT,
	created_at TIMESTAMP NOT NULL
);
`

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, evidenceSchema); err != nil {
		return fmt.Errorf("evidence: init schema: %w", err)
	}
	return nil
}

// Append inserts the record with the next sequence number, or returns the
// existing ref when the hash is already stored.
func (s *SQLStore) Append(ctx context.Context, rec *contracts.EvidenceRecord) (contracts.EvidenceRef, error) {
	ref, err := s.tryAppend(ctx, rec)
	if err == nil {
		return ref, nil
	}
	// A concurrent identical append may have won the insert race; the
	// stored row is the same content, so return its ref.
	if existing, gerr := s.GetByHash(ctx, rec.SnapshotHash); gerr == nil {
		return existing.Ref(), nil
	}
	return contracts.EvidenceRef{}, err
}

func (s *SQLStore) tryAppend(ctx context.Context, rec *contracts.EvidenceRecord) (contracts.EvidenceRef, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.EvidenceRef{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing uint64
	err = tx.QueryRowContext(ctx,
		`SELECT sequence FROM evidence_records WHERE snapshot_hash = $1`,
		rec.SnapshotHash,
	).Scan(&existing)
	switch {
	case err == nil:
		return contracts.EvidenceRef{SnapshotHash: rec.SnapshotHash, Sequence: existing}, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return contracts.EvidenceRef{}, fmt.Errorf("lookup: %w", err)
	}

	var next uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM evidence_records`,
	).Scan(&next); err != nil {
		return contracts.EvidenceRef{}, fmt.Errorf("next sequence: %w", err)
	}

	stored := *rec
	stored.Sequence = next
	payload, err := json.Marshal(&stored)
	if err != nil {
		return contracts.EvidenceRef{}, fmt.Errorf("marshal: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO evidence_records (sequence, snapshot_hash, schema_version, plan_id, payload, supersedes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		stored.Sequence, stored.SnapshotHash, stored.SchemaVersion, stored.PlanID,
		string(payload), stored.Supersedes, stored.CreatedAt,
	); err != nil {
		return contracts.EvidenceRef{}, fmt.Errorf("insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return contracts.EvidenceRef{}, fmt.Errorf("commit: %w", err)
	}
	return stored.Ref(), nil
}

// GetByHash returns the record with the given content hash.
func (s *SQLStore) GetByHash(ctx context.Context, snapshotHash string) (*contracts.EvidenceRecord, error) {
	return s.getWhere(ctx, `snapshot_hash = $1`, snapshotHash)
}

// GetBySequence returns the record at the given sequence number.
func (s *SQLStore) GetBySequence(ctx context.Context, seq uint64) (*contracts.EvidenceRecord, error) {
	return s.getWhere(ctx, `sequence = $1`, seq)
}

func (s *SQLStore) getWhere(ctx context.Context, where string, arg any) (*contracts.EvidenceRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM evidence_records WHERE `+where, arg,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: query: %w", err)
	}
	var rec contracts.EvidenceRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("evidence: decode stored record: %w", err)
	}
	return &rec, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
