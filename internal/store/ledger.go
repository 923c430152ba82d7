package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
	"github.com/Richard1990h/KING-V3-sub001/internal/metrics"
)

// Ledger holds credit balances. Every movement is keyed by a reference id;
// applying the same reference twice changes nothing.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewLedger(db *gorm.DB, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logging.OrNop(logger).Named("ledger")}
}

// CheckBalance returns the user's balance, 0 for unknown users
func (l *Ledger) CheckBalance(ctx context.Context, userID string) (float64, error) {
	var acct Account
	err := l.db.WithContext(ctx).Select("balance").First(&acct, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("check balance of %s: %w", userID, err)
	}
	return acct.Balance, nil
}

// Debit subtracts amount from the balance and returns the new balance. A
// referenceID seen before returns the current balance unchanged. A balance
// below amount yields ErrInsufficientCredits and no change.
func (l *Ledger) Debit(ctx context.Context, userID string, amount float64, reason, referenceID string) (float64, error) {
	amount = jobs.RoundCredits(amount)
	if referenceID == "" {
		return 0, apperr.Input("debit reference is required")
	}

	var balance float64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, err := referenceApplied(tx, referenceID)
		if err != nil {
			return err
		}

		acct, err := l.lockAccount(tx, userID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			acct = &Account{ID: userID}
		} else if err != nil {
			return err
		}
		balance = acct.Balance
		if applied || amount <= 0 {
			return nil
		}

		if acct.Balance < amount {
			e := apperr.Wrap(apperr.KindInsufficientCredits, "INSUFFICIENT_CREDITS",
				fmt.Sprintf("balance %.4f is below the %.4f required", acct.Balance, amount), ErrInsufficientCredits)
			e.Details = map[string]any{
				"balance":   acct.Balance,
				"required":  amount,
				"shortfall": jobs.RoundCredits(amount - acct.Balance),
			}
			return e
		}

		balance = jobs.RoundCredits(acct.Balance - amount)
		if err := tx.Model(&Account{}).Where("id = ?", userID).Update("balance", balance).Error; err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		return tx.Create(&LedgerEntry{
			UserID:       userID,
			Amount:       -amount,
			BalanceAfter: balance,
			Reason:       reason,
			ReferenceID:  referenceID,
			CreatedAt:    tx.NowFunc(),
		}).Error
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// a concurrent debit with the same reference won
		return l.CheckBalance(ctx, userID)
	}
	if err != nil {
		return 0, err
	}
	if amount > 0 {
		metrics.Get().RecordCredits(amount)
		l.logger.Debug("debited", zap.String("user_id", userID), zap.Float64("amount", amount),
			zap.String("reference", referenceID), zap.Float64("balance", balance))
	}
	return balance, nil
}

// Grant adds amount to the balance, creating the account when missing. Like
// Debit it is idempotent on referenceID.
func (l *Ledger) Grant(ctx context.Context, userID string, amount float64, reason, referenceID string) (float64, error) {
	amount = jobs.RoundCredits(amount)
	if referenceID == "" {
		return 0, apperr.Input("grant reference is required")
	}
	if amount < 0 {
		return 0, apperr.Input("grant amount must not be negative")
	}

	var balance float64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureAccount(tx, userID); err != nil {
			return err
		}
		applied, err := referenceApplied(tx, referenceID)
		if err != nil {
			return err
		}
		acct, err := l.lockAccount(tx, userID)
		if err != nil {
			return err
		}
		balance = acct.Balance
		if applied || amount == 0 {
			return nil
		}

		balance = jobs.RoundCredits(acct.Balance + amount)
		if err := tx.Model(&Account{}).Where("id = ?", userID).Update("balance", balance).Error; err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		return tx.Create(&LedgerEntry{
			UserID:       userID,
			Amount:       amount,
			BalanceAfter: balance,
			Reason:       reason,
			ReferenceID:  referenceID,
			CreatedAt:    tx.NowFunc(),
		}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return l.CheckBalance(ctx, userID)
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// History returns the user's most recent ledger entries
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []LedgerEntry
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("id DESC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("ledger history of %s: %w", userID, err)
	}
	return entries, nil
}

func (l *Ledger) lockAccount(tx *gorm.DB, userID string) (*Account, error) {
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var acct Account
	if err := q.First(&acct, "id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

func referenceApplied(tx *gorm.DB, referenceID string) (bool, error) {
	var n int64
	if err := tx.Model(&LedgerEntry{}).Where("reference_id = ?", referenceID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("lookup reference %s: %w", referenceID, err)
	}
	return n > 0, nil
}

func ensureAccount(tx *gorm.DB, userID string) error {
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Account{ID: userID, PlanTier: "free", APIKeys: map[string]string{}}).Error
	if err != nil {
		return fmt.Errorf("ensure account %s: %w", userID, err)
	}
	return nil
}
