// Package postgres implements internal/store.Store against PostgreSQL via
// pgx, the way the teacher's redisclient.go wraps a single external
// dependency behind a small typed client.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/store"
)

// Store is the pgx-backed implementation of store.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects to Postgres using dsn and returns a ready Store. Callers
// should run Migrate before first use in a fresh database.
func New(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, logger: logger.With().Str("component", "postgres_store").Logger()}, nil
}

func (s *Store) Close() { s.pool.Close() }

// GetUser reads a user row without locking.
func (s *Store) GetUser(ctx context.Context, userID string) (*store.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, balance, status FROM users WHERE id = $1`, userID)
	var u store.User
	if err := row.Scan(&u.ID, &u.Balance, &u.Status); err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// WithUserLock takes a Postgres row lock (SELECT ... FOR UPDATE) for the
// duration of a transaction, guaranteeing no two concurrent deductions for
// the same user ever observe the same pre-image balance (§4.1, §8 inv. 1).
func (s *Store) WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context, u *store.User) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT id, balance, status FROM users WHERE id = $1 FOR UPDATE`, userID)
	var u store.User
	if err := row.Scan(&u.ID, &u.Balance, &u.Status); err != nil {
		if err == pgx.ErrNoRows {
			return store.ErrNotFound
		}
		return err
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx, &u); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txKey struct{}

func txFrom(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

func (s *Store) SetUserBalance(ctx context.Context, userID string, balance int64) error {
	if tx, ok := txFrom(ctx); ok {
		_, err := tx.Exec(ctx, `UPDATE users SET balance = $1 WHERE id = $2`, balance, userID)
		return err
	}
	_, err := s.pool.Exec(ctx, `UPDATE users SET balance = $1 WHERE id = $2`, balance, userID)
	return err
}

func (s *Store) AppendJournal(ctx context.Context, e store.JournalEntry) error {
	const q = `INSERT INTO credit_journal (id, user_id, delta, balance_after, kind, description, related_task_id, created_at)
	           VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if tx, ok := txFrom(ctx); ok {
		_, err := tx.Exec(ctx, q, e.ID, e.UserID, e.Delta, e.BalanceAfter, e.Kind, e.Description, e.RelatedTaskID, e.CreatedAt)
		return err
	}
	_, err := s.pool.Exec(ctx, q, e.ID, e.UserID, e.Delta, e.BalanceAfter, e.Kind, e.Description, e.RelatedTaskID, e.CreatedAt)
	return err
}

func (s *Store) CreateTask(ctx context.Context, t store.TaskRow) error {
	const q = `INSERT INTO search_tasks
	  (id, token, submitter_id, fingerprint, params, requested_count, kept_count, credits_spent, status, progress, logs, error_message, created_at, completed_at)
	  VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := s.pool.Exec(ctx, q, t.ID, t.Token, t.SubmitterID, t.Fingerprint, t.Params, t.RequestedCount, t.KeptCount,
		t.CreditsSpent, t.Status, t.Progress, t.Logs, t.ErrorMessage, t.CreatedAt, t.CompletedAt)
	return err
}

func (s *Store) GetTaskByToken(ctx context.Context, token string) (*store.TaskRow, error) {
	const q = `SELECT id, token, submitter_id, fingerprint, params, requested_count, kept_count, credits_spent,
	           status, progress, logs, error_message, created_at, completed_at
	           FROM search_tasks WHERE token = $1`
	row := s.pool.QueryRow(ctx, q, token)
	var t store.TaskRow
	if err := row.Scan(&t.ID, &t.Token, &t.SubmitterID, &t.Fingerprint, &t.Params, &t.RequestedCount, &t.KeptCount,
		&t.CreditsSpent, &t.Status, &t.Progress, &t.Logs, &t.ErrorMessage, &t.CreatedAt, &t.CompletedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// UpdateTask writes the mutable fields of a task row. Terminal status is
// write-once (§4.6 invariants, §8 invariant 3) — enforced here by refusing
// to overwrite a row already in a terminal state.
func (s *Store) UpdateTask(ctx context.Context, t store.TaskRow) error {
	const q = `UPDATE search_tasks SET
	  kept_count=$2, credits_spent=$3, status=$4, progress=$5, logs=$6, error_message=$7, completed_at=$8
	  WHERE id = $1 AND status NOT IN ('completed','failed','stopped','insufficient-credits')`
	tag, err := s.pool.Exec(ctx, q, t.ID, t.KeptCount, t.CreditsSpent, t.Status, t.Progress, t.Logs, t.ErrorMessage, t.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the row doesn't exist, or it's already terminal — both are
		// no-ops from the caller's point of view, never an error, matching
		// the write-once terminal-status invariant.
		s.logger.Debug().Str("task_id", t.ID).Msg("task update no-op (terminal or missing)")
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context, userID string, limit, offset int) ([]store.TaskRow, error) {
	const q = `SELECT id, token, submitter_id, fingerprint, params, requested_count, kept_count, credits_spent,
	           status, progress, logs, error_message, created_at, completed_at
	           FROM search_tasks WHERE submitter_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.TaskRow
	for rows.Next() {
		var t store.TaskRow
		if err := rows.Scan(&t.ID, &t.Token, &t.SubmitterID, &t.Fingerprint, &t.Params, &t.RequestedCount, &t.KeptCount,
			&t.CreditsSpent, &t.Status, &t.Progress, &t.Logs, &t.ErrorMessage, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) InsertResult(ctx context.Context, r store.ResultRow) error {
	const q = `INSERT INTO search_results
	  (id, task_id, first_name, last_name, title, company, city, state, country, email, phone, phone_type,
	   linkedin_url, age, carrier, verified, verification_score, verification_source, data_source, created_at)
	  VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
	_, err := s.pool.Exec(ctx, q, r.ID, r.TaskID, r.FirstName, r.LastName, r.Title, r.Company, r.City, r.State,
		r.Country, r.Email, r.Phone, r.PhoneType, r.LinkedInURL, r.Age, r.Carrier, r.Verified, r.VerificationScore,
		r.VerificationSource, r.DataSource, r.CreatedAt)
	return err
}

func (s *Store) ListResults(ctx context.Context, taskID string, page, pageSize int) ([]store.ResultRow, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM search_results WHERE task_id = $1`, taskID).Scan(&total); err != nil {
		return nil, 0, err
	}

	const q = `SELECT id, task_id, first_name, last_name, title, company, city, state, country, email, phone,
	           phone_type, linkedin_url, age, carrier, verified, verification_score, verification_source, data_source, created_at
	           FROM search_results WHERE task_id = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, q, taskID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []store.ResultRow
	for rows.Next() {
		var r store.ResultRow
		if err := rows.Scan(&r.ID, &r.TaskID, &r.FirstName, &r.LastName, &r.Title, &r.Company, &r.City, &r.State,
			&r.Country, &r.Email, &r.Phone, &r.PhoneType, &r.LinkedInURL, &r.Age, &r.Carrier, &r.Verified,
			&r.VerificationScore, &r.VerificationSource, &r.DataSource, &r.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (s *Store) GetCache(ctx context.Context, key string) (*store.CacheRow, error) {
	const q = `SELECT key, kind, payload, hit_count, expires_at FROM cache_entries WHERE key = $1`
	row := s.pool.QueryRow(ctx, q, key)
	var c store.CacheRow
	if err := row.Scan(&c.Key, &c.Kind, &c.Payload, &c.HitCount, &c.ExpiresAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) PutCache(ctx context.Context, row store.CacheRow) error {
	const q = `INSERT INTO cache_entries (key, kind, payload, hit_count, expires_at)
	           VALUES ($1,$2,$3,0,$4)
	           ON CONFLICT (key) DO UPDATE SET kind=$2, payload=$3, expires_at=$4`
	_, err := s.pool.Exec(ctx, q, row.Key, row.Kind, row.Payload, row.ExpiresAt)
	return err
}

func (s *Store) IncrementCacheHit(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `UPDATE cache_entries SET hit_count = hit_count + 1 WHERE key = $1`, key)
	return err
}

func (s *Store) PurgeExpiredCache(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) AppendApiLog(ctx context.Context, row store.ApiLogRow) error {
	const q = `INSERT INTO api_log (id, adapter, user_id, task_id, latency_ms, status_code, success, credits, created_at)
	           VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.pool.Exec(ctx, q, row.ID, row.Adapter, row.UserID, row.TaskID, row.LatencyMs, row.StatusCode, row.Success, row.Credits, row.CreatedAt)
	return err
}

func (s *Store) AppendActivityLog(ctx context.Context, row store.ActivityLogRow) error {
	const q = `INSERT INTO activity_log (id, user_id, task_id, event, details, created_at)
	           VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.pool.Exec(ctx, q, row.ID, row.UserID, row.TaskID, row.Event, row.Details, row.CreatedAt)
	return err
}

// MarshalJSON is a small helper adapters use to build jsonb payloads
// without importing encoding/json at every call site.
func MarshalJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}
