package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists leases and evidence in PostgreSQL. The evidence
// table is keyed by lease id, so a second evidence row cannot exist.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createLeaseTablesSQL = `
CREATE TABLE IF NOT EXISTS leases (
    id TEXT PRIMARY KEY,
    property_address TEXT NOT NULL,
    payer TEXT NOT NULL,
    primary_recipient TEXT NOT NULL,
    alternate_recipient TEXT NOT NULL,
    settler TEXT NOT NULL,
    bond_amount TEXT NOT NULL,
    baseline JSONB NOT NULL,
    status TEXT NOT NULL,
    escrows JSONB NOT NULL,
    verdict TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS leases_payer_idx ON leases (payer);
CREATE INDEX IF NOT EXISTS leases_primary_idx ON leases (primary_recipient);
CREATE INDEX IF NOT EXISTS leases_alternate_idx ON leases (alternate_recipient);
CREATE INDEX IF NOT EXISTS leases_settler_idx ON leases (settler);
CREATE TABLE IF NOT EXISTS lease_evidence (
    lease_id TEXT PRIMARY KEY REFERENCES leases (id),
    id TEXT NOT NULL UNIQUE,
    exit JSONB NOT NULL,
    digest TEXT NOT NULL,
    submitted_at TIMESTAMPTZ NOT NULL
);
`

const selectLeaseSQL = `
SELECT l.id, l.property_address, l.payer, l.primary_recipient, l.alternate_recipient, l.settler,
       l.bond_amount, l.baseline, l.status, l.escrows, l.verdict, l.created_at, l.updated_at,
       e.id, e.exit, e.digest, e.submitted_at
FROM leases l
LEFT JOIN lease_evidence e ON e.lease_id = l.id
`

const uniqueViolation = "23505"

// NewPostgresStore connects to Postgres using the DSN and ensures the tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createLeaseTablesSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create lease tables: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Pool exposes the connection pool so other stores can share it.
func (p *PostgresStore) Pool() *pgxpool.Pool { return p.pool }

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Lease, error) {
	l, err := scanLease(p.pool.QueryRow(ctx, selectLeaseSQL+`WHERE l.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (p *PostgresStore) Create(ctx context.Context, l Lease) (*Lease, error) {
	baseline, err := json.Marshal(l.Baseline)
	if err != nil {
		return nil, err
	}
	escrows, err := json.Marshal(l.Escrows)
	if err != nil {
		return nil, err
	}

	_, err = p.pool.Exec(ctx, `
INSERT INTO leases (id, property_address, payer, primary_recipient, alternate_recipient, settler,
                    bond_amount, baseline, status, escrows, verdict, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`, l.ID, l.PropertyAddress, l.Payer, l.Primary, l.Alternate, l.Settler,
		l.BondAmount, baseline, l.Status.String(), escrows, l.Verdict.String(), l.CreatedAt, l.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: lease %s already exists", ErrStateConflict, l.ID)
		}
		return nil, err
	}
	return p.Get(ctx, l.ID)
}

func (p *PostgresStore) Update(ctx context.Context, id string, expected Status, patch Patch, now time.Time) (*Lease, error) {
	err := p.withLockedLease(ctx, id, expected, func(tx pgx.Tx, l *Lease) error {
		return p.applyPatch(ctx, tx, l, patch, now)
	})
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, id)
}

func (p *PostgresStore) CreateEvidence(ctx context.Context, id string, expected Status, patch Patch, ev Evidence, now time.Time) (*Lease, error) {
	err := p.withLockedLease(ctx, id, expected, func(tx pgx.Tx, l *Lease) error {
		if l.Evidence != nil {
			return fmt.Errorf("%w: lease %s already has evidence", ErrStateConflict, id)
		}
		exit, err := json.Marshal(ev.Exit)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
INSERT INTO lease_evidence (lease_id, id, exit, digest, submitted_at)
VALUES ($1, $2, $3, $4, $5)
`, id, ev.ID, exit, ev.Digest, ev.SubmittedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: lease %s already has evidence", ErrStateConflict, id)
			}
			return err
		}
		return p.applyPatch(ctx, tx, l, patch, now)
	})
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, id)
}

// withLockedLease runs fn inside a transaction holding the lease row lock.
// Any error rolls the whole transaction back.
func (p *PostgresStore) withLockedLease(ctx context.Context, id string, expected Status, fn func(pgx.Tx, *Lease) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	l, err := scanLease(tx.QueryRow(ctx, selectLeaseSQL+`WHERE l.id = $1 FOR UPDATE OF l`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if l.Status != expected {
		return fmt.Errorf("%w: lease %s is %s, expected %s", ErrStateConflict, id, l.Status, expected)
	}

	if err := fn(tx, l); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) applyPatch(ctx context.Context, tx pgx.Tx, l *Lease, patch Patch, now time.Time) error {
	from := l.Status
	if err := patch.Apply(l, now); err != nil {
		return err
	}
	escrows, err := json.Marshal(l.Escrows)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
UPDATE leases
SET status = $2, escrows = $3, verdict = $4, updated_at = $5
WHERE id = $1 AND status = $6
`, l.ID, l.Status.String(), escrows, l.Verdict.String(), l.UpdatedAt, from.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: lease %s changed concurrently", ErrStateConflict, l.ID)
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, address string) ([]Lease, error) {
	rows, err := p.pool.Query(ctx, selectLeaseSQL+`
WHERE l.payer = $1 OR l.primary_recipient = $1 OR l.alternate_recipient = $1 OR l.settler = $1
ORDER BY l.created_at DESC, l.id DESC
`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Lease, 0)
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func scanLease(row pgx.Row) (*Lease, error) {
	var (
		l                 Lease
		baseline, escrows []byte
		status, verdict   string
		evID, evDigest    *string
		evExit            []byte
		evSubmittedAt     *time.Time
	)
	err := row.Scan(&l.ID, &l.PropertyAddress, &l.Payer, &l.Primary, &l.Alternate, &l.Settler,
		&l.BondAmount, &baseline, &status, &escrows, &verdict, &l.CreatedAt, &l.UpdatedAt,
		&evID, &evExit, &evDigest, &evSubmittedAt)
	if err != nil {
		return nil, err
	}

	if l.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	if l.Verdict, err = ParseOutcome(verdict); err != nil {
		return nil, fmt.Errorf("%w: lease %s: %v", ErrIntegrity, l.ID, err)
	}
	if err := json.Unmarshal(baseline, &l.Baseline); err != nil {
		return nil, fmt.Errorf("%w: lease %s baseline: %v", ErrIntegrity, l.ID, err)
	}
	if err := json.Unmarshal(escrows, &l.Escrows); err != nil {
		return nil, fmt.Errorf("%w: lease %s escrows: %v", ErrIntegrity, l.ID, err)
	}
	if evID != nil {
		ev := Evidence{ID: *evID, LeaseID: l.ID}
		if evDigest != nil {
			ev.Digest = *evDigest
		}
		if evSubmittedAt != nil {
			ev.SubmittedAt = *evSubmittedAt
		}
		if err := json.Unmarshal(evExit, &ev.Exit); err != nil {
			return nil, fmt.Errorf("%w: lease %s evidence: %v", ErrIntegrity, l.ID, err)
		}
		l.Evidence = &ev
	}
	return &l, nil
}
