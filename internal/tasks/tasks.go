/*
Package tasks implements the Task Lifecycle (C8): create/get/cancel/list
operations over Search Tasks, with the internal-phase-to-persisted-status
mapping the driver and API layer both rely on.

Grounded on metering/metering.go's Reservation lifecycle (create →
observe → terminal) generalized to the Search Task entity, and on
google/uuid for opaque public tokens the same way the teacher uses opaque
reservation/request identifiers.
*/
package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/store"
)

// Status values persisted on a task row (§3, §4.8).
const (
	StatusPending             = "pending"
	StatusRunning             = "running"
	StatusCompleted           = "completed"
	StatusFailed              = "failed"
	StatusStopped             = "stopped"
	StatusInsufficientCredits = "insufficient-credits"
)

// Internal driver phases that all map onto the persisted "running" status
// (§4.8 status map).
const (
	PhaseInitializing = "initializing"
	PhaseSearching    = "searching"
	PhaseProcessing   = "processing"
	PhaseVerifying    = "verifying"
)

// MapStatus maps an internal driver phase onto its persisted status.
func MapStatus(phase string) string {
	switch phase {
	case PhaseInitializing, PhaseSearching, PhaseProcessing, PhaseVerifying:
		return StatusRunning
	default:
		return phase // already a terminal status
	}
}

// Params is the query parameters a Search Task was submitted with.
type Params struct {
	Name               string `json:"name"`
	Title              string `json:"title"`
	State              string `json:"state"`
	RequestedCount     int    `json:"requestedCount"`
	Mode               string `json:"mode"` // "standard" or "exact"
	EnableVerification bool   `json:"enableVerification"`
	MinAge             int    `json:"minAge"`
	MaxAge             int    `json:"maxAge"`
}

// Fingerprint computes the deterministic query fingerprint (§3): a hash of
// normalized {name, title, state, requestedCount, mode}.
func (p Params) Fingerprint() string {
	raw := fmt.Sprintf("%s|%s|%s|%d|%s", normalize(p.Name), normalize(p.Title), normalize(p.State), p.RequestedCount, p.Mode)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func normalize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// Service implements C8 against a store.Store.
type Service struct {
	st     store.Store
	logger zerolog.Logger
}

// New creates a Service.
func New(st store.Store, logger zerolog.Logger) *Service {
	return &Service{st: st, logger: logger.With().Str("component", "tasks").Logger()}
}

// Create writes a new pending task row and returns it (§4.8).
func (s *Service) Create(ctx context.Context, userID string, params Params) (*store.TaskRow, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	row := store.TaskRow{
		ID:             uuid.NewString(),
		Token:          uuid.NewString(),
		SubmitterID:    userID,
		Fingerprint:    params.Fingerprint(),
		Params:         paramsJSON,
		RequestedCount: params.RequestedCount,
		Status:         StatusPending,
		Progress:       0,
		Logs:           []byte(`[]`),
		CreatedAt:      time.Now(),
	}
	if err := s.st.CreateTask(ctx, row); err != nil {
		return nil, err
	}
	return &row, nil
}

// Get looks up a task by its public token.
func (s *Service) Get(ctx context.Context, token string) (*store.TaskRow, error) {
	return s.st.GetTaskByToken(ctx, token)
}

// Cancel sets status to stopped if the task is currently running or
// pending. This only persists the status change; this package holds no
// reference to the pipeline driver actually running the task, so callers
// that need the in-flight executor work interrupted immediately must also
// invoke pipeline.Driver.Cancel(token) in the same process (§4.8). Terminal
// tasks are left untouched (write-once, enforced again at the store layer).
func (s *Service) Cancel(ctx context.Context, token, userID string) error {
	row, err := s.st.GetTaskByToken(ctx, token)
	if err != nil {
		return err
	}
	if row.SubmitterID != userID {
		return store.ErrNotFound
	}
	if row.Status != StatusPending && row.Status != StatusRunning {
		return nil
	}
	row.Status = StatusStopped
	now := time.Now()
	row.CompletedAt = &now
	return s.st.UpdateTask(ctx, *row)
}

// List returns a user's tasks, most recent first.
func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]store.TaskRow, error) {
	return s.st.ListTasks(ctx, userID, limit, offset)
}
