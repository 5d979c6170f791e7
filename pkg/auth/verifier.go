// Package auth verifies account credentials and validates session tokens.
// Credentials and tokens are issued elsewhere; this package only checks them.
package auth

import (
	"context"
	"errors"
	"fmt"

	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/logging"
	"tap-ledger/pkg/metrics"
	"tap-ledger/pkg/resilience"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ErrWeakPassword is returned by Enroll for passwords shorter than MinPasswordLength.
var ErrWeakPassword = errors.New("auth: password must be at least 8 characters")

// MinPasswordLength is the shortest password Enroll accepts.
const MinPasswordLength = 8

// Verifier checks a secret for an account. It returns nil on success,
// ledger.ErrUnauthorized on a rejected secret, and any other error when the
// check itself could not be performed.
type Verifier interface {
	Verify(ctx context.Context, accountID, secret string) error
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, accountID, secret string) error

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, accountID, secret string) error {
	return f(ctx, accountID, secret)
}

// PasswordVerifier checks passwords against bcrypt hashes held in a
// CredentialStore.
type PasswordVerifier struct {
	store ledger.CredentialStore
	cost  int
}

// NewPasswordVerifier creates a verifier using bcrypt.DefaultCost.
func NewPasswordVerifier(store ledger.CredentialStore) *PasswordVerifier {
	return NewPasswordVerifierWithCost(store, bcrypt.DefaultCost)
}

// NewPasswordVerifierWithCost creates a verifier with an explicit bcrypt cost.
func NewPasswordVerifierWithCost(store ledger.CredentialStore, cost int) *PasswordVerifier {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordVerifier{store: store, cost: cost}
}

// ValidateCredential checks that password meets the minimum requirements.
func (v *PasswordVerifier) ValidateCredential(password string) error {
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}
	return nil
}

// Enroll hashes password and stores it for accountID.
func (v *PasswordVerifier) Enroll(ctx context.Context, accountID, password string) error {
	if err := v.ValidateCredential(password); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if err != nil {
		return fmt.Errorf("auth: failed to hash password: %w", err)
	}
	if err := v.store.SetPasswordHash(ctx, accountID, hash); err != nil {
		return fmt.Errorf("auth: failed to store password: %w", err)
	}
	return nil
}

// Verify compares password with the stored hash. An account without a
// stored password is rejected.
func (v *PasswordVerifier) Verify(ctx context.Context, accountID, password string) error {
	hash, err := v.store.PasswordHash(ctx, accountID)
	if err != nil {
		if ledger.IsNotFound(err) {
			return ledger.ErrUnauthorized
		}
		return fmt.Errorf("auth: failed to load credential: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ledger.ErrUnauthorized
	}
	return nil
}

// GuardedVerifier runs a Verifier through a circuit breaker. Rejected
// credentials are successful calls as far as the breaker is concerned.
type GuardedVerifier struct {
	inner  Verifier
	guard  *resilience.Guard
	logger *logging.Logger
}

// NewGuardedVerifier wraps inner with a guard named "credentials".
func NewGuardedVerifier(inner Verifier, config resilience.Config) *GuardedVerifier {
	return NewGuardedVerifierWithMetrics(inner, config, metrics.NoOpCollector{})
}

// NewGuardedVerifierWithMetrics wraps inner with a guard reporting to metricsCollector.
func NewGuardedVerifierWithMetrics(inner Verifier, config resilience.Config, metricsCollector metrics.MetricsCollector) *GuardedVerifier {
	config = config.WithSuccessFilter(func(err error) bool {
		return err == nil || errors.Is(err, ledger.ErrUnauthorized)
	})
	return &GuardedVerifier{
		inner:  inner,
		guard:  resilience.NewGuardWithMetrics("credentials", config, metricsCollector),
		logger: logging.Component("auth"),
	}
}

// Verify delegates to the wrapped verifier.
func (g *GuardedVerifier) Verify(ctx context.Context, accountID, secret string) error {
	err := g.guard.Do(ctx, "verify", func(ctx context.Context) error {
		return g.inner.Verify(ctx, accountID, secret)
	})
	if err != nil && !errors.Is(err, ledger.ErrUnauthorized) {
		g.logger.Warn("credential verification unavailable",
			logging.AccountID(accountID),
			zap.Error(err),
		)
	}
	return err
}

// Guard exposes the breaker for status reporting.
func (g *GuardedVerifier) Guard() *resilience.Guard {
	return g.guard
}
