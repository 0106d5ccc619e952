package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/framara/what-the-meta-backend/internal/store/queries"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
)

// Record is the stored state of a lease
type Record struct {
	Lock       string    `json:"lock"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Store persists leases. Acquire and Steal return the current record and
// whether owner now holds it.
type Store interface {
	Acquire(ctx context.Context, lock, owner string, ttl time.Duration) (Record, bool, error)
	Steal(ctx context.Context, lock, owner string, ttl, grace time.Duration) (Record, bool, error)
	Release(ctx context.Context, lock, owner string) error
	// Verify returns the expiry of a live lease held by owner or ErrLeaseLost
	Verify(ctx context.Context, lock, owner string) (time.Time, error)
}

// DB is the subset of *pgxpool.Pool used by PostgresStore
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// maxContentionReads bounds retries when the holder disappears between
// the failed upsert and the read of its record
const maxContentionReads = 3

// PostgresStore keeps leases in the job_lease table using the database clock
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Acquire(ctx context.Context, lock, owner string, ttl time.Duration) (Record, bool, error) {
	return s.upsert(ctx, lock, queries.AcquireLease, lock, owner, ttl.Seconds())
}

func (s *PostgresStore) Steal(ctx context.Context, lock, owner string, ttl, grace time.Duration) (Record, bool, error) {
	return s.upsert(ctx, lock, queries.StealLease, lock, owner, ttl.Seconds(), grace.Seconds())
}

func (s *PostgresStore) upsert(ctx context.Context, lock, stmt string, args ...any) (Record, bool, error) {
	for range maxContentionReads {
		rec := Record{Lock: lock}
		err := s.db.QueryRow(ctx, stmt, args...).Scan(&rec.Owner, &rec.AcquiredAt, &rec.ExpiresAt)
		if err == nil {
			return rec, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, fmt.Errorf("lease: acquire %s: %w", lock, err)
		}

		// Held by someone else; report the holder
		err = s.db.QueryRow(ctx, queries.GetLease, lock).Scan(&rec.Owner, &rec.AcquiredAt, &rec.ExpiresAt)
		if err == nil {
			return rec, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, fmt.Errorf("lease: read holder of %s: %w", lock, err)
		}
	}
	return Record{}, false, fmt.Errorf("lease: acquire %s: holder changed %d times", lock, maxContentionReads)
}

func (s *PostgresStore) Release(ctx context.Context, lock, owner string) error {
	if _, err := s.db.Exec(ctx, queries.ReleaseLease, lock, owner); err != nil {
		return fmt.Errorf("lease: release %s: %w", lock, err)
	}
	return nil
}

func (s *PostgresStore) Verify(ctx context.Context, lock, owner string) (time.Time, error) {
	var expiresAt time.Time
	err := s.db.QueryRow(ctx, queries.VerifyLease, lock, owner).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrLeaseLost
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("lease: verify %s: %w", lock, err)
	}
	return expiresAt, nil
}

// MemoryStore keeps leases in process memory. Used by tests and single-process runs.
type MemoryStore struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	leases map[string]Record
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:  clock,
		leases: make(map[string]Record),
	}
}

func (s *MemoryStore) Acquire(_ context.Context, lock, owner string, ttl time.Duration) (Record, bool, error) {
	return s.take(lock, owner, ttl, 0)
}

func (s *MemoryStore) Steal(_ context.Context, lock, owner string, ttl, grace time.Duration) (Record, bool, error) {
	return s.take(lock, owner, ttl, grace)
}

func (s *MemoryStore) take(lock, owner string, ttl, grace time.Duration) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cur, ok := s.leases[lock]
	if ok && cur.Owner != owner && cur.ExpiresAt.After(now.Add(grace)) {
		return cur, false, nil
	}

	rec := Record{Lock: lock, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	s.leases[lock] = rec
	return rec, true, nil
}

func (s *MemoryStore) Release(_ context.Context, lock, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[lock]; ok && cur.Owner == owner {
		delete(s.leases, lock)
	}
	return nil
}

func (s *MemoryStore) Verify(_ context.Context, lock, owner string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[lock]
	if !ok || cur.Owner != owner || !cur.ExpiresAt.After(s.clock.Now()) {
		return time.Time{}, ErrLeaseLost
	}
	return cur.ExpiresAt, nil
}
