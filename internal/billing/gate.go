// Package billing meters token consumption against per-tenant balances and
// gates every authenticated request behind the paywall. Child tenants debit
// the root ancestor; ledger rows reference the direct tenant.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agixt/backend/internal/config"
	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/provider"
	"github.com/agixt/backend/internal/tenancy"
	"github.com/google/uuid"
)

// Gate evaluates pricing models, checks balances and records debits.
type Gate struct {
	cfg     *config.Config
	store   database.Store
	tree    *tenancy.Tree
	payment provider.PaymentBackend
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewGate builds a billing gate. payment may be nil when no payment backend
// is configured; 402 payloads then omit the customer session.
func NewGate(cfg *config.Config, store database.Store, tree *tenancy.Tree, payment provider.PaymentBackend, metrics *Metrics, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{cfg: cfg, store: store, tree: tree, payment: payment, metrics: metrics, logger: logger, now: time.Now}
}

// SetClock overrides the time source for tests.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// PricingMode resolves the pricing model of a root tenant. An explicit model
// wins; everything else is per_token, which the per-million price merely
// parameterises.
func (g *Gate) PricingMode(root *database.Tenant) string {
	if root.PricingModel != "" {
		return root.PricingModel
	}
	return database.PricingPerToken
}

// ============================================================================
// PAYWALL
// ============================================================================

// Check is the auth-hot-path paywall. It passes when billing is paused, the
// user is a super-admin, or any membership's root tenant clears its pricing
// model. Otherwise it fails with the payment-required payload.
func (g *Gate) Check(ctx context.Context, userID uuid.UUID) error {
	if g.cfg.BillingPaused {
		return nil
	}
	memberships, err := g.store.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return err
	}
	var firstRoot *database.Tenant
	for _, m := range memberships {
		if m.RoleID == database.RoleSuperAdmin {
			return nil
		}
		root, err := g.tree.Root(ctx, m.TenantID)
		if err != nil {
			return err
		}
		if firstRoot == nil {
			firstRoot = root
		}
		if g.clears(ctx, root) {
			return nil
		}
	}
	if firstRoot == nil {
		// No memberships yet: nothing to bill against, let registration
		// flows proceed.
		return nil
	}
	if g.metrics != nil {
		g.metrics.PaywallRejections.WithLabelValues(g.PricingMode(firstRoot)).Inc()
	}
	return g.paymentRequired(ctx, firstRoot)
}

// CheckTenant applies the paywall against one tenant only.
func (g *Gate) CheckTenant(ctx context.Context, userID, tenantID uuid.UUID) error {
	if g.cfg.BillingPaused {
		return nil
	}
	roleID, ok, err := g.tree.RoleIn(ctx, userID, tenantID)
	if err != nil {
		return err
	}
	if ok && roleID == database.RoleSuperAdmin {
		return nil
	}
	root, err := g.tree.Root(ctx, tenantID)
	if err != nil {
		return err
	}
	if g.clears(ctx, root) {
		return nil
	}
	if g.metrics != nil {
		g.metrics.PaywallRejections.WithLabelValues(g.PricingMode(root)).Inc()
	}
	return g.paymentRequired(ctx, root)
}

// clears evaluates the root tenant's balance under its pricing model.
func (g *Gate) clears(ctx context.Context, root *database.Tenant) bool {
	if root.Status == database.TenantSuspended {
		return false
	}
	switch g.PricingMode(root) {
	case database.PricingPerToken:
		return root.TokenBalance > 0
	case database.PricingPerUser, database.PricingPerCapacity, database.PricingPerLocation:
		// Seat, capacity and location plans admit on paid limit, falling
		// back to token balance.
		return root.UserLimit > 0 || root.TokenBalance > 0
	default:
		return root.TokenBalance > 0
	}
}

func (g *Gate) paymentRequired(ctx context.Context, root *database.Tenant) error {
	details := &core.PaymentDetails{
		Message:                 "token balance exhausted",
		WalletAddress:           g.cfg.PaymentWalletAddress,
		TokenPricePerMillionUSD: root.TokenPricePerMillionUSD.String(),
	}
	if g.payment != nil {
		if secret, err := g.payment.CreateCustomerSession(ctx, root.ID); err == nil && secret != "" {
			details.CustomerSession = &core.CustomerSession{
				ClientSecret: secret,
				CompanyID:    root.ID.String(),
			}
		}
	}
	return core.PaymentRequired(details)
}

// ============================================================================
// DEBITS
// ============================================================================

// Debit consumes tokens from the root ancestor of tenantID and appends one
// ledger row referencing the direct tenant, atomically. A short balance
// fails with payment_required and no mutation; super-admins are debited down
// to zero but never blocked.
func (g *Gate) Debit(ctx context.Context, userID, tenantID uuid.UUID, inTokens, outTokens int64) error {
	total := inTokens + outTokens
	if total <= 0 {
		return nil
	}
	root, err := g.tree.Root(ctx, tenantID)
	if err != nil {
		return err
	}
	superadmin, err := g.tree.IsSuperAdmin(ctx, userID)
	if err != nil {
		return err
	}

	err = g.store.WithinTx(ctx, func(tx database.Store) error {
		if err := tx.DebitBalance(ctx, root.ID, total); err != nil {
			if errors.Is(err, database.ErrInsufficientBalance) && superadmin {
				// Bypass: drain whatever remains rather than block role 0.
				if fresh, ferr := tx.GetTenant(ctx, root.ID); ferr == nil && fresh != nil && fresh.TokenBalance > 0 {
					if derr := tx.DebitBalance(ctx, root.ID, fresh.TokenBalance); derr != nil {
						return derr
					}
				}
			} else {
				return err
			}
		}
		return tx.InsertUsage(ctx, &database.TokenUsage{
			ID:           uuid.New(),
			TenantID:     tenantID,
			UserID:       userID,
			InputTokens:  inTokens,
			OutputTokens: outTokens,
			TotalTokens:  total,
			Timestamp:    g.now(),
		})
	})
	if err != nil {
		if errors.Is(err, database.ErrInsufficientBalance) {
			if g.metrics != nil {
				g.metrics.DebitsTotal.WithLabelValues("insufficient").Inc()
			}
			return g.paymentRequired(ctx, root)
		}
		return fmt.Errorf("debit %d tokens from %s: %w", total, root.ID, err)
	}

	if g.metrics != nil {
		g.metrics.DebitsTotal.WithLabelValues("ok").Inc()
		g.metrics.TokensDebited.WithLabelValues("input").Add(float64(inTokens))
		g.metrics.TokensDebited.WithLabelValues("output").Add(float64(outTokens))
	}
	g.maybeWarnLowBalance(ctx, root.ID)
	return nil
}

// maybeWarnLowBalance emits at most one warning per WARNING_INCREMENT of
// consumed balance once under the threshold.
func (g *Gate) maybeWarnLowBalance(ctx context.Context, rootID uuid.UUID) {
	warned, err := g.LowBalanceWarning(ctx, rootID)
	if err != nil {
		g.logger.Warn("low-balance check failed", "tenant_id", rootID, "error", err)
		return
	}
	if warned && g.metrics != nil {
		g.metrics.LowBalanceWarnings.Inc()
	}
}

// LowBalanceWarning reports whether a warning should fire for the tenant's
// root: balance at or under the threshold and fallen by at least the warning
// increment since the last emitted warning. Firing records the new watermark.
func (g *Gate) LowBalanceWarning(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	root, err := g.tree.Root(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if root.TokenBalance > g.cfg.LowBalanceWarningThreshold {
		return false, nil
	}
	if root.LastLowBalanceWarning != nil && *root.LastLowBalanceWarning-root.TokenBalance < g.cfg.TokenWarningIncrement {
		return false, nil
	}
	watermark := root.TokenBalance
	root.LastLowBalanceWarning = &watermark
	if err := g.store.UpdateTenant(ctx, root); err != nil {
		return false, err
	}
	g.logger.Warn("tenant balance low", "tenant_id", root.ID, "balance", root.TokenBalance)
	return true, nil
}

// ============================================================================
// ADMISSION LIMITS
// ============================================================================

// CanAddMember gates a new membership in the tenant under the root's pricing
// model. Super-admin callers bypass the limit.
func (g *Gate) CanAddMember(ctx context.Context, callerID, tenantID uuid.UUID) error {
	if g.cfg.BillingPaused {
		return nil
	}
	if superadmin, err := g.tree.IsSuperAdmin(ctx, callerID); err != nil {
		return err
	} else if superadmin {
		return nil
	}
	root, err := g.tree.Root(ctx, tenantID)
	if err != nil {
		return err
	}
	switch g.PricingMode(root) {
	case database.PricingPerUser:
		// Paid seats count members of the direct tenant.
		count, err := g.store.CountMembers(ctx, tenantID)
		if err != nil {
			return err
		}
		if count < root.UserLimit {
			return nil
		}
		if root.TokenBalance > 0 {
			return nil
		}
		return g.paymentRequired(ctx, root)
	case database.PricingPerCapacity:
		if root.UserLimit > 0 || root.TokenBalance > 0 {
			return nil
		}
		return g.paymentRequired(ctx, root)
	default:
		if g.clears(ctx, root) {
			return nil
		}
		return g.paymentRequired(ctx, root)
	}
}

// CanAddLocation gates creation of a new child tenant under a per_location
// root: existing locations plus the new one must fit the paid limit, falling
// back to token balance.
func (g *Gate) CanAddLocation(ctx context.Context, callerID, parentID uuid.UUID) error {
	if g.cfg.BillingPaused {
		return nil
	}
	if superadmin, err := g.tree.IsSuperAdmin(ctx, callerID); err != nil {
		return err
	} else if superadmin {
		return nil
	}
	root, err := g.tree.Root(ctx, parentID)
	if err != nil {
		return err
	}
	if g.PricingMode(root) != database.PricingPerLocation {
		return nil
	}
	existing, err := g.tree.Descendants(ctx, root.ID)
	if err != nil {
		return err
	}
	if len(existing)+1 <= root.UserLimit {
		return nil
	}
	if root.TokenBalance > 0 {
		return nil
	}
	return g.paymentRequired(ctx, root)
}
