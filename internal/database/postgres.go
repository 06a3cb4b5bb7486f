package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, letting every query
// run inside or outside a transaction unchanged.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the production Store backed by pgx v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   DBTX
}

// NewPostgresStore opens a pgx pool, verifies connectivity, and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	s := &PostgresStore{pool: pool, db: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	slog.Info("Postgres connected", "max_conns", cfg.MaxConns)
	return s, nil
}

// Close shuts down the pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports connectivity for the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithinTx runs fn against a transaction-scoped view of the store.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if s.pool == nil {
		// Already inside a transaction; pgx does not nest.
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ============================================================================
// USERS
// ============================================================================

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, email, mfa_seed, verify_mfa, is_active, created_at FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, email, mfa_seed, verify_mfa, is_active, created_at FROM users WHERE email = $1`,
		strings.ToLower(email))
	return scanUser(row)
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.MFASeed, &u.VerifyMFA, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (id, email, mfa_seed, verify_mfa, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, strings.ToLower(u.Email), u.MFASeed, u.VerifyMFA, u.IsActive, u.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateUser(ctx context.Context, u *User) error {
	_, err := s.db.Exec(ctx,
		`UPDATE users SET email = $2, mfa_seed = $3, verify_mfa = $4, is_active = $5 WHERE id = $1`,
		u.ID, strings.ToLower(u.Email), u.MFASeed, u.VerifyMFA, u.IsActive)
	return err
}

// ============================================================================
// PREFERENCES
// ============================================================================

func (s *PostgresStore) GetPreferences(ctx context.Context, userID uuid.UUID) ([]UserPreference, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id, key, value, encrypted FROM user_preferences WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserPreference
	for rows.Next() {
		var p UserPreference
		if err := rows.Scan(&p.UserID, &p.Key, &p.Value, &p.Encrypted); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetPreference(ctx context.Context, p *UserPreference) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO user_preferences (user_id, key, value, encrypted) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value, encrypted = excluded.encrypted`,
		p.UserID, p.Key, p.Value, p.Encrypted)
	return err
}

// ============================================================================
// TENANTS
// ============================================================================

const tenantCols = `id, name, parent_id, agent_name, status, token_balance, token_balance_usd,
	tokens_used_total, pricing_model, token_price_per_million_usd, user_limit,
	last_low_balance_warning, training_data, created_at`

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.ParentID, &t.AgentName, &t.Status, &t.TokenBalance,
		&t.TokenBalanceUSD, &t.TokensUsedTotal, &t.PricingModel, &t.TokenPricePerMillionUSD,
		&t.UserLimit, &t.LastLowBalanceWarning, &t.TrainingData, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return scanTenant(s.db.QueryRow(ctx, `SELECT `+tenantCols+` FROM tenants WHERE id = $1`, id))
}

func (s *PostgresStore) GetTenantByName(ctx context.Context, name string) (*Tenant, error) {
	return scanTenant(s.db.QueryRow(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE lower(name) = lower($1)`, name))
}

func (s *PostgresStore) CreateTenant(ctx context.Context, t *Tenant) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO tenants (`+tenantCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.Name, t.ParentID, t.AgentName, t.Status, t.TokenBalance, t.TokenBalanceUSD,
		t.TokensUsedTotal, t.PricingModel, t.TokenPricePerMillionUSD, t.UserLimit,
		t.LastLowBalanceWarning, t.TrainingData, t.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateTenant(ctx context.Context, t *Tenant) error {
	_, err := s.db.Exec(ctx,
		`UPDATE tenants SET name = $2, parent_id = $3, agent_name = $4, status = $5,
		 token_balance = $6, token_balance_usd = $7, tokens_used_total = $8, pricing_model = $9,
		 token_price_per_million_usd = $10, user_limit = $11, last_low_balance_warning = $12,
		 training_data = $13 WHERE id = $1`,
		t.ID, t.Name, t.ParentID, t.AgentName, t.Status, t.TokenBalance, t.TokenBalanceUSD,
		t.TokensUsedTotal, t.PricingModel, t.TokenPricePerMillionUSD, t.UserLimit,
		t.LastLowBalanceWarning, t.TrainingData)
	return err
}

func (s *PostgresStore) ListChildTenants(ctx context.Context, parentID uuid.UUID) ([]Tenant, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE parent_id = $1 ORDER BY name`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	stmts := []string{
		`DELETE FROM memberships WHERE tenant_id = $1`,
		`DELETE FROM invitations WHERE tenant_id = $1`,
		`DELETE FROM token_usage WHERE tenant_id = $1`,
		`DELETE FROM personal_access_tokens WHERE $1 = ANY(company_ids)`,
		`DELETE FROM custom_role_scopes WHERE custom_role_id IN (SELECT id FROM custom_roles WHERE tenant_id = $1)`,
		`DELETE FROM user_custom_roles WHERE tenant_id = $1`,
		`DELETE FROM custom_roles WHERE tenant_id = $1`,
		`UPDATE tenants SET parent_id = NULL WHERE parent_id = $1`,
		`DELETE FROM tenants WHERE id = $1`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt, id); err != nil {
			return fmt.Errorf("tenant cascade delete: %w", err)
		}
	}
	return nil
}

// ============================================================================
// MEMBERSHIPS
// ============================================================================

func (s *PostgresStore) GetMembership(ctx context.Context, userID, tenantID uuid.UUID) (*Membership, error) {
	var m Membership
	err := s.db.QueryRow(ctx,
		`SELECT user_id, tenant_id, role_id, created_at FROM memberships
		 WHERE user_id = $1 AND tenant_id = $2`, userID, tenantID).
		Scan(&m.UserID, &m.TenantID, &m.RoleID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) listMemberships(ctx context.Context, where string, arg any) ([]Membership, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id, tenant_id, role_id, created_at FROM memberships WHERE `+where, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.UserID, &m.TenantID, &m.RoleID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListMembershipsByUser(ctx context.Context, userID uuid.UUID) ([]Membership, error) {
	return s.listMemberships(ctx, `user_id = $1`, userID)
}

func (s *PostgresStore) ListMembershipsByTenant(ctx context.Context, tenantID uuid.UUID) ([]Membership, error) {
	return s.listMemberships(ctx, `tenant_id = $1`, tenantID)
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, m *Membership) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO memberships (user_id, tenant_id, role_id, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, tenant_id) DO UPDATE SET role_id = excluded.role_id`,
		m.UserID, m.TenantID, m.RoleID, m.CreatedAt)
	return err
}

func (s *PostgresStore) DeleteMembership(ctx context.Context, userID, tenantID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM memberships WHERE user_id = $1 AND tenant_id = $2`, userID, tenantID)
	return err
}

func (s *PostgresStore) CountMembers(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM memberships WHERE tenant_id = $1`, tenantID).Scan(&n)
	return n, err
}

// ============================================================================
// ROLE SCOPES
// ============================================================================

func (s *PostgresStore) ListRoleScopes(ctx context.Context, roleID int) ([]string, error) {
	return s.stringList(ctx, `SELECT scope FROM default_role_scopes WHERE role_id = $1`, roleID)
}

func (s *PostgresStore) ListRoleScopesBulk(ctx context.Context, roleIDs []int) (map[int][]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT role_id, scope FROM default_role_scopes WHERE role_id = ANY($1)`, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int][]string, len(roleIDs))
	for rows.Next() {
		var roleID int
		var scope string
		if err := rows.Scan(&roleID, &scope); err != nil {
			return nil, err
		}
		out[roleID] = append(out[roleID], scope)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddRoleScope(ctx context.Context, roleID int, scope string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO default_role_scopes (role_id, scope) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		roleID, scope)
	return err
}

// ============================================================================
// CUSTOM ROLES
// ============================================================================

func (s *PostgresStore) ListUserCustomRoleScopes(ctx context.Context, userID, tenantID uuid.UUID) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT crs.scope
		 FROM user_custom_roles ucr
		 JOIN custom_roles cr ON cr.id = ucr.custom_role_id AND cr.is_active
		 JOIN custom_role_scopes crs ON crs.custom_role_id = cr.id
		 WHERE ucr.user_id = $1 AND ucr.tenant_id = $2`, userID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		out = append(out, scope)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateCustomRole(ctx context.Context, r *CustomRole, scopes []string) error {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO custom_roles (id, tenant_id, name, is_active) VALUES ($1, $2, $3, $4)`,
		r.ID, r.TenantID, r.Name, r.IsActive); err != nil {
		return err
	}
	for _, scope := range scopes {
		if _, err := s.db.Exec(ctx,
			`INSERT INTO custom_role_scopes (custom_role_id, scope) VALUES ($1, $2)`,
			r.ID, scope); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) AssignCustomRole(ctx context.Context, a *UserCustomRole) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO user_custom_roles (user_id, custom_role_id, tenant_id) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`, a.UserID, a.CustomRoleID, a.TenantID)
	return err
}

func (s *PostgresStore) DeleteCustomRolesForTenant(ctx context.Context, tenantID uuid.UUID) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM custom_role_scopes WHERE custom_role_id IN (SELECT id FROM custom_roles WHERE tenant_id = $1)`,
		tenantID); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `DELETE FROM custom_roles WHERE tenant_id = $1`, tenantID)
	return err
}

// ============================================================================
// TENANT EXTENSIONS
// ============================================================================

func (s *PostgresStore) ListTenantExtensions(ctx context.Context, tenantID uuid.UUID) ([]string, error) {
	return s.stringList(ctx,
		`SELECT extension_name FROM tenant_extensions WHERE tenant_id = $1`, tenantID)
}

func (s *PostgresStore) AddTenantExtension(ctx context.Context, e *TenantExtension) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO tenant_extensions (tenant_id, extension_name) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, e.TenantID, e.ExtensionName)
	return err
}

// ============================================================================
// TOKEN BLACKLIST
// ============================================================================

func (s *PostgresStore) IsTokenBlacklisted(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM token_blacklist WHERE token = $1)`, token).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) BlacklistToken(ctx context.Context, token string, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO token_blacklist (token, expires_at) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		token, expiresAt)
	return err
}

func (s *PostgresStore) PurgeExpiredBlacklist(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM token_blacklist WHERE expires_at < $1`, now)
	return int(tag.RowsAffected()), err
}

// ============================================================================
// PERSONAL ACCESS TOKENS
// ============================================================================

const patCols = `id, user_id, name, token_prefix, token_hash, scopes, agent_ids, company_ids,
	expires_at, is_revoked, last_used_at, created_at`

func scanPAT(row pgx.Row) (*PersonalAccessToken, error) {
	var p PersonalAccessToken
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.TokenPrefix, &p.TokenHash, &p.Scopes,
		&p.AgentIDs, &p.CompanyIDs, &p.ExpiresAt, &p.IsRevoked, &p.LastUsedAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPAT(ctx context.Context, id uuid.UUID) (*PersonalAccessToken, error) {
	return scanPAT(s.db.QueryRow(ctx,
		`SELECT `+patCols+` FROM personal_access_tokens WHERE id = $1`, id))
}

func (s *PostgresStore) GetPATByHash(ctx context.Context, hash string) (*PersonalAccessToken, error) {
	return scanPAT(s.db.QueryRow(ctx,
		`SELECT `+patCols+` FROM personal_access_tokens WHERE token_hash = $1`, hash))
}

func (s *PostgresStore) ListPATs(ctx context.Context, userID uuid.UUID) ([]PersonalAccessToken, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+patCols+` FROM personal_access_tokens WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PersonalAccessToken
	for rows.Next() {
		p, err := scanPAT(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreatePAT(ctx context.Context, p *PersonalAccessToken) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO personal_access_tokens (`+patCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.UserID, p.Name, p.TokenPrefix, p.TokenHash, p.Scopes, p.AgentIDs, p.CompanyIDs,
		p.ExpiresAt, p.IsRevoked, p.LastUsedAt, p.CreatedAt)
	return err
}

func (s *PostgresStore) UpdatePAT(ctx context.Context, p *PersonalAccessToken) error {
	_, err := s.db.Exec(ctx,
		`UPDATE personal_access_tokens SET name = $2, token_prefix = $3, token_hash = $4,
		 scopes = $5, agent_ids = $6, company_ids = $7, expires_at = $8, is_revoked = $9,
		 last_used_at = $10 WHERE id = $1`,
		p.ID, p.Name, p.TokenPrefix, p.TokenHash, p.Scopes, p.AgentIDs, p.CompanyIDs,
		p.ExpiresAt, p.IsRevoked, p.LastUsedAt)
	return err
}

// ============================================================================
// OAUTH CREDENTIALS
// ============================================================================

func (s *PostgresStore) GetOAuth(ctx context.Context, userID uuid.UUID, providerID string) (*UserOAuth, error) {
	var o UserOAuth
	err := s.db.QueryRow(ctx,
		`SELECT user_id, provider_id, account_name, access_token, refresh_token, token_expires_at
		 FROM user_oauth WHERE user_id = $1 AND provider_id = $2`, userID, providerID).
		Scan(&o.UserID, &o.ProviderID, &o.AccountName, &o.AccessToken, &o.RefreshToken, &o.TokenExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) UpsertOAuth(ctx context.Context, o *UserOAuth) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO user_oauth (user_id, provider_id, account_name, access_token, refresh_token, token_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, provider_id) DO UPDATE SET account_name = excluded.account_name,
		 access_token = excluded.access_token, refresh_token = excluded.refresh_token,
		 token_expires_at = excluded.token_expires_at`,
		o.UserID, o.ProviderID, o.AccountName, o.AccessToken, o.RefreshToken, o.TokenExpiresAt)
	return err
}

func (s *PostgresStore) ListOAuthExpiringBefore(ctx context.Context, cutoff time.Time) ([]UserOAuth, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id, provider_id, account_name, access_token, refresh_token, token_expires_at
		 FROM user_oauth WHERE token_expires_at IS NOT NULL AND token_expires_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserOAuth
	for rows.Next() {
		var o UserOAuth
		if err := rows.Scan(&o.UserID, &o.ProviderID, &o.AccountName, &o.AccessToken,
			&o.RefreshToken, &o.TokenExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteOAuthExpiredSince(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM user_oauth WHERE token_expires_at IS NOT NULL AND token_expires_at < $1`, cutoff)
	return int(tag.RowsAffected()), err
}

// ============================================================================
// INVITATIONS
// ============================================================================

func scanInvitation(row pgx.Row) (*Invitation, error) {
	var inv Invitation
	err := row.Scan(&inv.ID, &inv.Email, &inv.TenantID, &inv.RoleID, &inv.InviterID,
		&inv.IsAccepted, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *PostgresStore) GetInvitation(ctx context.Context, id uuid.UUID) (*Invitation, error) {
	return scanInvitation(s.db.QueryRow(ctx,
		`SELECT id, email, tenant_id, role_id, inviter_id, is_accepted, created_at
		 FROM invitations WHERE id = $1`, id))
}

func (s *PostgresStore) GetInvitationByEmail(ctx context.Context, email string, tenantID uuid.UUID) (*Invitation, error) {
	return scanInvitation(s.db.QueryRow(ctx,
		`SELECT id, email, tenant_id, role_id, inviter_id, is_accepted, created_at
		 FROM invitations WHERE lower(email) = lower($1) AND tenant_id = $2`, email, tenantID))
}

func (s *PostgresStore) CreateInvitation(ctx context.Context, inv *Invitation) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO invitations (id, email, tenant_id, role_id, inviter_id, is_accepted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inv.ID, strings.ToLower(inv.Email), inv.TenantID, inv.RoleID, inv.InviterID,
		inv.IsAccepted, inv.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateInvitation(ctx context.Context, inv *Invitation) error {
	_, err := s.db.Exec(ctx,
		`UPDATE invitations SET is_accepted = $2 WHERE id = $1`, inv.ID, inv.IsAccepted)
	return err
}

// ============================================================================
// BILLING
// ============================================================================

// DebitBalance relies on the conditional UPDATE for atomicity; inside a
// transaction the row lock it takes also serialises concurrent debits on the
// same root tenant.
func (s *PostgresStore) DebitBalance(ctx context.Context, rootID uuid.UUID, amount int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tenants SET token_balance = token_balance - $2,
		 tokens_used_total = tokens_used_total + $2
		 WHERE id = $1 AND token_balance >= $2`, rootID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (s *PostgresStore) InsertUsage(ctx context.Context, u *TokenUsage) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO token_usage (id, tenant_id, user_id, input_tokens, output_tokens, total_tokens, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.TenantID, u.UserID, u.InputTokens, u.OutputTokens, u.TotalTokens, u.Timestamp)
	return err
}

func (s *PostgresStore) ListUsage(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]TokenUsage, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, user_id, input_tokens, output_tokens, total_tokens, ts
		 FROM token_usage WHERE tenant_id = $1 AND ts >= $2 ORDER BY ts`, tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TokenUsage
	for rows.Next() {
		var u TokenUsage
		if err := rows.Scan(&u.ID, &u.TenantID, &u.UserID, &u.InputTokens, &u.OutputTokens,
			&u.TotalTokens, &u.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ============================================================================
// FAILED LOGINS
// ============================================================================

func (s *PostgresStore) RecordFailedLogin(ctx context.Context, userID uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO failed_logins (user_id, created_at) VALUES ($1, $2)`, userID, at)
	return err
}

func (s *PostgresStore) CountFailedLogins(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM failed_logins WHERE user_id = $1 AND created_at >= $2`,
		userID, since).Scan(&n)
	return n, err
}

// ============================================================================
// AGENTS
// ============================================================================

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	var settings []byte
	err := row.Scan(&a.ID, &a.TenantID, &a.UserID, &a.Name, &a.Provider, &settings, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &a.Settings); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	return scanAgent(s.db.QueryRow(ctx,
		`SELECT id, tenant_id, user_id, name, provider, settings, created_at FROM agents WHERE id = $1`, id))
}

func (s *PostgresStore) GetAgentByName(ctx context.Context, tenantID uuid.UUID, name string) (*Agent, error) {
	return scanAgent(s.db.QueryRow(ctx,
		`SELECT id, tenant_id, user_id, name, provider, settings, created_at
		 FROM agents WHERE tenant_id = $1 AND lower(name) = lower($2)`, tenantID, name))
}

func (s *PostgresStore) ListAgentsByTenant(ctx context.Context, tenantID uuid.UUID) ([]Agent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, user_id, name, provider, settings, created_at
		 FROM agents WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateAgent(ctx context.Context, a *Agent) error {
	settings, err := json.Marshal(a.Settings)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO agents (id, tenant_id, user_id, name, provider, settings, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.TenantID, a.UserID, a.Name, a.Provider, settings, a.CreatedAt)
	return err
}

// ============================================================================
// CHAINS
// ============================================================================

func (s *PostgresStore) GetChainByName(ctx context.Context, tenantID uuid.UUID, name string) (*Chain, error) {
	var c Chain
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, name FROM chains WHERE tenant_id = $1 AND lower(name) = lower($2)`,
		tenantID, name).Scan(&c.ID, &c.TenantID, &c.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateChain(ctx context.Context, c *Chain, steps []ChainStep) error {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO chains (id, tenant_id, name) VALUES ($1, $2, $3)`,
		c.ID, c.TenantID, c.Name); err != nil {
		return err
	}
	for i, step := range steps {
		args, err := json.Marshal(step.PromptArgs)
		if err != nil {
			return err
		}
		// Renumber from 1 so step numbers stay strictly increasing.
		if _, err := s.db.Exec(ctx,
			`INSERT INTO chain_steps (chain_id, step_number, agent_name, prompt_type, prompt_args, run_next_concurrent)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, i+1, step.AgentName, step.PromptType, args, step.RunNextConcurrent); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ListChainSteps(ctx context.Context, chainID uuid.UUID) ([]ChainStep, error) {
	rows, err := s.db.Query(ctx,
		`SELECT chain_id, step_number, agent_name, prompt_type, prompt_args, run_next_concurrent
		 FROM chain_steps WHERE chain_id = $1 ORDER BY step_number`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChainStep
	for rows.Next() {
		var step ChainStep
		var args []byte
		if err := rows.Scan(&step.ChainID, &step.StepNumber, &step.AgentName, &step.PromptType,
			&args, &step.RunNextConcurrent); err != nil {
			return nil, err
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &step.PromptArgs); err != nil {
				return nil, err
			}
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateChainRun(ctx context.Context, r *ChainRun) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO chain_runs (id, chain_id, status, current_step, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.ChainID, r.Status, r.CurrentStep, r.StartedAt, r.CompletedAt)
	return err
}

func (s *PostgresStore) UpdateChainRun(ctx context.Context, r *ChainRun) error {
	_, err := s.db.Exec(ctx,
		`UPDATE chain_runs SET status = $2, current_step = $3, completed_at = $4 WHERE id = $1`,
		r.ID, r.Status, r.CurrentStep, r.CompletedAt)
	return err
}

func (s *PostgresStore) RecordStepResponse(ctx context.Context, resp *StepResponse) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO step_responses (run_id, step_number, response, created_at)
		 VALUES ($1, $2, $3, $4)`,
		resp.RunID, resp.StepNumber, resp.Response, resp.CreatedAt)
	return err
}

// ============================================================================
// CONVERSATIONS
// ============================================================================

func (s *PostgresStore) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, type, parent_id FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.TenantID, &c.Type, &c.ParentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c *Conversation, participants []Participant) error {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO conversations (id, tenant_id, type, parent_id) VALUES ($1, $2, $3, $4)`,
		c.ID, c.TenantID, c.Type, c.ParentID); err != nil {
		return err
	}
	for _, p := range participants {
		if _, err := s.db.Exec(ctx,
			`INSERT INTO conversation_participants (conversation_id, participant_id, is_agent)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			c.ID, p.ParticipantID, p.IsAgent); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, conversationID uuid.UUID) ([]Participant, error) {
	rows, err := s.db.Query(ctx,
		`SELECT conversation_id, participant_id, is_agent FROM conversation_participants
		 WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.ParticipantID, &p.IsAgent); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m *Message) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.CreatedAt)
	return err
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE conversation_id = $1 ORDER BY created_at`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *PostgresStore) stringList(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
