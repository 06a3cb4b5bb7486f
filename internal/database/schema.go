package database

import "context"

// schemaDDL is applied idempotently at startup. Migrations beyond additive
// CREATE IF NOT EXISTS are handled out of band.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	mfa_seed TEXT NOT NULL DEFAULT '',
	verify_mfa BOOLEAN NOT NULL DEFAULT FALSE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_preferences (
	user_id UUID NOT NULL REFERENCES users(id),
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	encrypted BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (user_id, key)
);

CREATE TABLE IF NOT EXISTS failed_logins (
	user_id UUID NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failed_logins_user_ts ON failed_logins (user_id, created_at);

CREATE TABLE IF NOT EXISTS tenants (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	parent_id UUID REFERENCES tenants(id),
	agent_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	token_balance BIGINT NOT NULL DEFAULT 0,
	token_balance_usd NUMERIC(18,6) NOT NULL DEFAULT 0,
	tokens_used_total BIGINT NOT NULL DEFAULT 0,
	pricing_model TEXT NOT NULL DEFAULT '',
	token_price_per_million_usd NUMERIC(18,6) NOT NULL DEFAULT 0,
	user_limit INT NOT NULL DEFAULT 0,
	last_low_balance_warning BIGINT,
	training_data TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tenants_parent ON tenants (parent_id);

CREATE TABLE IF NOT EXISTS memberships (
	user_id UUID NOT NULL REFERENCES users(id),
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	role_id INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, tenant_id)
);
CREATE INDEX IF NOT EXISTS idx_memberships_tenant ON memberships (tenant_id);

CREATE TABLE IF NOT EXISTS default_role_scopes (
	role_id INT NOT NULL,
	scope TEXT NOT NULL,
	PRIMARY KEY (role_id, scope)
);

CREATE TABLE IF NOT EXISTS custom_roles (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	name TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS custom_role_scopes (
	custom_role_id UUID NOT NULL REFERENCES custom_roles(id),
	scope TEXT NOT NULL,
	PRIMARY KEY (custom_role_id, scope)
);

CREATE TABLE IF NOT EXISTS user_custom_roles (
	user_id UUID NOT NULL,
	custom_role_id UUID NOT NULL REFERENCES custom_roles(id),
	tenant_id UUID NOT NULL,
	PRIMARY KEY (user_id, custom_role_id)
);

CREATE TABLE IF NOT EXISTS tenant_extensions (
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	extension_name TEXT NOT NULL,
	PRIMARY KEY (tenant_id, extension_name)
);

CREATE TABLE IF NOT EXISTS token_blacklist (
	token TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_blacklist_exp ON token_blacklist (expires_at);

CREATE TABLE IF NOT EXISTS personal_access_tokens (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id),
	name TEXT NOT NULL,
	token_prefix TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	scopes TEXT[] NOT NULL DEFAULT '{}',
	agent_ids UUID[] NOT NULL DEFAULT '{}',
	company_ids UUID[] NOT NULL DEFAULT '{}',
	expires_at TIMESTAMPTZ,
	is_revoked BOOLEAN NOT NULL DEFAULT FALSE,
	last_used_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_pats_user ON personal_access_tokens (user_id);

CREATE TABLE IF NOT EXISTS user_oauth (
	user_id UUID NOT NULL REFERENCES users(id),
	provider_id TEXT NOT NULL,
	account_name TEXT NOT NULL DEFAULT '',
	access_token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	token_expires_at TIMESTAMPTZ,
	PRIMARY KEY (user_id, provider_id)
);
CREATE INDEX IF NOT EXISTS idx_user_oauth_exp ON user_oauth (token_expires_at);

CREATE TABLE IF NOT EXISTS invitations (
	id UUID PRIMARY KEY,
	email TEXT NOT NULL,
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	role_id INT NOT NULL,
	inviter_id UUID NOT NULL,
	is_accepted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_invitations_email ON invitations (lower(email), tenant_id);

CREATE TABLE IF NOT EXISTS token_usage (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	user_id UUID NOT NULL,
	input_tokens BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	total_tokens BIGINT NOT NULL,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_usage_tenant_ts ON token_usage (tenant_id, ts);

CREATE TABLE IF NOT EXISTS agents (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	user_id UUID NOT NULL,
	name TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	settings JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_agents_tenant_name ON agents (tenant_id, lower(name));

CREATE TABLE IF NOT EXISTS chains (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	name TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chains_tenant_name ON chains (tenant_id, lower(name));

CREATE TABLE IF NOT EXISTS chain_steps (
	chain_id UUID NOT NULL REFERENCES chains(id),
	step_number INT NOT NULL,
	agent_name TEXT NOT NULL,
	prompt_type TEXT NOT NULL,
	prompt_args JSONB NOT NULL DEFAULT '{}',
	run_next_concurrent BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (chain_id, step_number)
);

CREATE TABLE IF NOT EXISTS chain_runs (
	id UUID PRIMARY KEY,
	chain_id UUID NOT NULL REFERENCES chains(id),
	status TEXT NOT NULL,
	current_step INT NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS step_responses (
	run_id UUID NOT NULL REFERENCES chain_runs(id),
	step_number INT NOT NULL,
	response TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, step_number)
);

CREATE TABLE IF NOT EXISTS conversations (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	type TEXT NOT NULL,
	parent_id UUID REFERENCES conversations(id)
);

CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id UUID NOT NULL REFERENCES conversations(id),
	participant_id UUID NOT NULL,
	is_agent BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (conversation_id, participant_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id UUID PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations(id),
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conv_ts ON messages (conversation_id, created_at);
`

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaDDL)
	return err
}
