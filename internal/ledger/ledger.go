/*
Package ledger implements the Credit Ledger (C1): atomic debit/credit
against a user balance with an append-only journal, and a
preauthorize/settle/refund pattern. The pipeline driver itself charges and
refunds through Deduct.

Grounded on metering/metering.go's ReservationStore (Reserve/Settle/Refund)
from the teacher, generalized from a single in-memory map into a
store.Store-backed ledger whose per-user serialization is provided by the
store's WithUserLock (Postgres SELECT ... FOR UPDATE), matching the
teacher's KeyedMutex intent (middleware/concurrency.go) but pushed down to
the row lock that actually has to hold across a transaction.
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/store"
)

type ledgerError string

func (e ledgerError) Error() string { return string(e) }

const (
	ErrInsufficientCredits = ledgerError("insufficient credits")
	ErrUserNotFound        = ledgerError("user not found")
)

// Journal entry kinds (§3).
const (
	KindRecharge    = "recharge"
	KindSearchSpend = "search-spend"
	KindAdminAdjust = "admin-adjust"
	KindRefund      = "refund"
	KindBonus       = "bonus"
)

// DeductResult is the outcome of a deduct/credit operation.
type DeductResult struct {
	OK         bool
	NewBalance int64
}

// PreauthResult is the outcome of a preauthorize call.
type PreauthResult struct {
	OK         bool
	Frozen     int64
	NewBalance int64
}

// SettleResult is the outcome of a settle call.
type SettleResult struct {
	Refunded   int64
	NewBalance int64
}

// Ledger implements C1 against a store.Store.
type Ledger struct {
	st     store.Store
	logger zerolog.Logger
}

// New creates a Ledger backed by st.
func New(st store.Store, logger zerolog.Logger) *Ledger {
	return &Ledger{st: st, logger: logger.With().Str("component", "ledger").Logger()}
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	u, err := l.st.GetUser(ctx, userID)
	if err != nil {
		if err == store.ErrNotFound {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return u.Balance, nil
}

// Deduct debits amount from userID's balance (or credits it, if amount is
// negative — the refund path), appending a journal entry. It serializes on
// the user row so no two concurrent deductions ever see the same pre-image
// balance (§4.1, §8 invariant 1).
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int64, kind, description string, relatedTask *string) (DeductResult, error) {
	var result DeductResult
	err := l.st.WithUserLock(ctx, userID, func(ctx context.Context, u *store.User) error {
		if amount > 0 && u.Balance < amount {
			result = DeductResult{OK: false, NewBalance: u.Balance}
			return nil
		}

		newBalance := u.Balance - amount
		if err := l.st.SetUserBalance(ctx, userID, newBalance); err != nil {
			return err
		}

		entry := store.JournalEntry{
			ID:            uuid.NewString(),
			UserID:        userID,
			Delta:         -amount,
			BalanceAfter:  newBalance,
			Kind:          kind,
			Description:   description,
			RelatedTaskID: relatedTask,
			CreatedAt:     time.Now(),
		}
		if err := l.st.AppendJournal(ctx, entry); err != nil {
			// Roll back the balance change by returning an error: the
			// caller's transaction (store.WithUserLock) rolls back the
			// whole unit, including SetUserBalance above.
			return err
		}

		result = DeductResult{OK: true, NewBalance: newBalance}
		return nil
	})
	if err == store.ErrNotFound {
		return DeductResult{}, ErrUserNotFound
	}
	if err != nil {
		return DeductResult{}, err
	}
	if !result.OK {
		return result, ErrInsufficientCredits
	}
	return result, nil
}

// Preauthorize reserves maxAmount against the user's balance. It is
// implemented as a plain Deduct of maxAmount (§4.1); the caller is expected
// to call Settle with the same relatedTask once actual spend is known.
func (l *Ledger) Preauthorize(ctx context.Context, userID string, maxAmount int64, relatedTask *string) (PreauthResult, error) {
	res, err := l.Deduct(ctx, userID, maxAmount, KindSearchSpend, "preauthorize", relatedTask)
	if err != nil {
		return PreauthResult{}, err
	}
	return PreauthResult{OK: res.OK, Frozen: maxAmount, NewBalance: res.NewBalance}, nil
}

// Settle reconciles a prior preauthorization of frozen credits against
// actualSpent. If actualSpent < frozen, the difference is refunded. If
// actualSpent > frozen, the shortfall is deducted, clamped (and logged) if
// it would drive the balance negative rather than erroring — a settle must
// never fail outright (§4.1).
func (l *Ledger) Settle(ctx context.Context, userID string, frozen, actualSpent int64, relatedTask *string) (SettleResult, error) {
	if actualSpent == frozen {
		bal, err := l.Balance(ctx, userID)
		if err != nil {
			return SettleResult{}, err
		}
		return SettleResult{Refunded: 0, NewBalance: bal}, nil
	}

	if actualSpent < frozen {
		refund := frozen - actualSpent
		res, err := l.Deduct(ctx, userID, -refund, KindRefund, "settle refund", relatedTask)
		if err != nil {
			return SettleResult{}, err
		}
		return SettleResult{Refunded: refund, NewBalance: res.NewBalance}, nil
	}

	shortfall := actualSpent - frozen
	res, err := l.Deduct(ctx, userID, shortfall, KindSearchSpend, "settle shortfall", relatedTask)
	if err == ErrInsufficientCredits {
		// Clamp: drive the balance to zero rather than fail, and log a
		// warning — settle must always complete.
		l.logger.Warn().Str("user_id", userID).Int64("shortfall", shortfall).Msg("settle shortfall exceeds balance, clamping to zero")
		bal, balErr := l.Balance(ctx, userID)
		if balErr != nil {
			return SettleResult{}, balErr
		}
		if bal > 0 {
			if _, err := l.Deduct(ctx, userID, bal, KindSearchSpend, "settle shortfall (clamped)", relatedTask); err != nil {
				return SettleResult{}, err
			}
		}
		return SettleResult{Refunded: 0, NewBalance: 0}, nil
	}
	if err != nil {
		return SettleResult{}, err
	}
	return SettleResult{Refunded: 0, NewBalance: res.NewBalance}, nil
}
