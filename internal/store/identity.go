package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/auth"
	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
)

// Identities resolves authenticated principals to accounts, creating an
// account with the signup grant on first sight.
type Identities struct {
	db          *gorm.DB
	ledger      *Ledger
	signupGrant float64
	logger      *zap.Logger
}

func NewIdentities(db *gorm.DB, ledger *Ledger, signupGrant float64, logger *zap.Logger) *Identities {
	return &Identities{
		db:          db,
		ledger:      ledger,
		signupGrant: signupGrant,
		logger:      logging.OrNop(logger).Named("identity"),
	}
}

// Resolve returns the identity for principal
func (s *Identities) Resolve(ctx context.Context, principal string) (*auth.Identity, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return nil, apperr.New(apperr.KindForbidden, "UNAUTHENTICATED", "no principal")
	}

	acct, err := s.account(ctx, principal)
	if errors.Is(err, ErrNotFound) {
		if err := s.db.WithContext(ctx).Transaction(ensureAccountFn(principal)); err != nil {
			return nil, err
		}
		if s.signupGrant > 0 && s.ledger != nil {
			if _, err := s.ledger.Grant(ctx, principal, s.signupGrant, "signup grant", "signup:"+principal); err != nil {
				return nil, fmt.Errorf("signup grant: %w", err)
			}
		}
		s.logger.Info("account created", zap.String("user_id", principal))
		acct, err = s.account(ctx, principal)
	}
	if err != nil {
		return nil, err
	}

	keys := make(map[string]string, len(acct.APIKeys))
	for k, v := range acct.APIKeys {
		keys[k] = v
	}
	return &auth.Identity{ID: acct.ID, PlanTier: acct.PlanTier, APIKeyOverrides: keys}, nil
}

// PlanTier returns the user's plan tier
func (s *Identities) PlanTier(ctx context.Context, userID string) (string, error) {
	acct, err := s.account(ctx, userID)
	if err != nil {
		return "", err
	}
	return acct.PlanTier, nil
}

// SetPlan changes the user's plan tier
func (s *Identities) SetPlan(ctx context.Context, userID, tier string) error {
	res := s.db.WithContext(ctx).Model(&Account{}).Where("id = ?", userID).Update("plan_tier", strings.ToLower(tier))
	if res.Error != nil {
		return fmt.Errorf("set plan of %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return nil
}

// SetAPIKey stores the user's own key for provider; an empty key removes it
func (s *Identities) SetAPIKey(ctx context.Context, userID, provider, key string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct Account
		if err := tx.First(&acct, "id = ?", userID).Error; err != nil {
			return notFound(err, "account "+userID)
		}
		if acct.APIKeys == nil {
			acct.APIKeys = map[string]string{}
		}
		provider = strings.ToLower(provider)
		if key == "" {
			delete(acct.APIKeys, provider)
		} else {
			acct.APIKeys[provider] = key
		}
		return tx.Model(&acct).Select("api_keys").Updates(&acct).Error
	})
}

func (s *Identities) account(ctx context.Context, userID string) (*Account, error) {
	var acct Account
	if err := s.db.WithContext(ctx).First(&acct, "id = ?", userID).Error; err != nil {
		return nil, notFound(err, "account "+userID)
	}
	return &acct, nil
}

func ensureAccountFn(userID string) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error { return ensureAccount(tx, userID) }
}
