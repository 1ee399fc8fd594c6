// Package store defines the abstract persistence interface the core
// consumes. Storage engine selection (§3 of SPEC_FULL.md) lives behind this
// interface; internal/store/postgres provides the production implementation.
package store

import (
	"context"
	"time"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = storeError("not found")

type storeError string

func (e storeError) Error() string { return string(e) }

// User is the minimal user row the ledger and pipeline need.
type User struct {
	ID      string
	Balance int64
	Status  string
}

// JournalEntry is one append-only credit journal row (§3).
type JournalEntry struct {
	ID            string
	UserID        string
	Delta         int64
	BalanceAfter  int64
	Kind          string // recharge, search-spend, admin-adjust, refund, bonus
	Description   string
	RelatedTaskID *string
	CreatedAt     time.Time
}

// TaskRow is the persisted Search Task row (§3).
type TaskRow struct {
	ID             string
	Token          string
	SubmitterID    string
	Fingerprint    string
	Params         []byte // json
	RequestedCount int
	KeptCount      int
	CreditsSpent   int64
	Status         string
	Progress       int
	Logs           []byte // json array
	ErrorMessage   string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// ResultRow is one persisted Search Result (§3).
type ResultRow struct {
	ID                string
	TaskID            string
	FirstName         string
	LastName          string
	Title             string
	Company           string
	City              string
	State             string
	Country           string
	Email             string
	Phone             string
	PhoneType         string
	LinkedInURL       string
	Age               int
	Carrier           string
	Verified          bool
	VerificationScore int
	VerificationSource string
	DataSource        string
	CreatedAt         time.Time
}

// CacheRow is one persisted cache envelope (§3, §4.2).
type CacheRow struct {
	Key       string
	Kind      string
	Payload   []byte
	HitCount  int64
	ExpiresAt time.Time
}

// ApiLogRow records one outbound adapter call (§4.3).
type ApiLogRow struct {
	ID         string
	Adapter    string
	UserID     string
	TaskID     string
	LatencyMs  int64
	StatusCode int
	Success    bool
	Credits    int64
	CreatedAt  time.Time
}

// ActivityLogRow records a notable system event.
type ActivityLogRow struct {
	ID        string
	UserID    string
	TaskID    string
	Event     string
	Details   []byte
	CreatedAt time.Time
}

// Store is the abstract persistence surface the core depends on.
type Store interface {
	// Users / Ledger
	GetUser(ctx context.Context, userID string) (*User, error)
	// WithUserLock serializes access to a single user's balance row for the
	// duration of fn, re-reading the balance inside the lock so concurrent
	// deductions never see the same pre-image (§4.1, §8 invariant 1).
	WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context, u *User) error) error
	SetUserBalance(ctx context.Context, userID string, balance int64) error
	AppendJournal(ctx context.Context, e JournalEntry) error

	// Tasks
	CreateTask(ctx context.Context, t TaskRow) error
	GetTaskByToken(ctx context.Context, token string) (*TaskRow, error)
	UpdateTask(ctx context.Context, t TaskRow) error
	ListTasks(ctx context.Context, userID string, limit, offset int) ([]TaskRow, error)

	// Results
	InsertResult(ctx context.Context, r ResultRow) error
	ListResults(ctx context.Context, taskID string, page, pageSize int) ([]ResultRow, int, error)

	// Cache
	GetCache(ctx context.Context, key string) (*CacheRow, error)
	PutCache(ctx context.Context, row CacheRow) error
	IncrementCacheHit(ctx context.Context, key string) error
	PurgeExpiredCache(ctx context.Context, before time.Time) (int64, error)

	// Logs
	AppendApiLog(ctx context.Context, row ApiLogRow) error
	AppendActivityLog(ctx context.Context, row ActivityLogRow) error

	Close()
}
