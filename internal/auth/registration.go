package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/agixt/backend/internal/config"
	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/crypto"
	"github.com/agixt/backend/internal/database"
	"github.com/google/uuid"
)

// Registrar creates accounts and enforces the pre-activation preference
// requirements from the registration_requirements file.
type Registrar struct {
	cfg    *config.Config
	store  database.Store
	logger *slog.Logger
	now    func() time.Time

	// required preference keys, loaded once at construction.
	required []string
}

// NewRegistrar builds the registrar, loading the requirements file when it
// exists.
func NewRegistrar(cfg *config.Config, store database.Store, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registrar{cfg: cfg, store: store, logger: logger, now: time.Now}
	r.required = loadRegistrationRequirements(cfg.RegistrationRequirementsFile, logger)
	return r
}

func loadRegistrationRequirements(path string, logger *slog.Logger) []string {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("registration requirements unreadable", "path", path, "error", err)
		}
		return nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		logger.Warn("registration requirements malformed", "path", path, "error", err)
		return nil
	}
	return keys
}

// Register creates a new inactive account with a fresh TOTP seed. Duplicate
// emails conflict; a disabled registration flag rejects everyone.
func (r *Registrar) Register(ctx context.Context, email string) (*database.User, error) {
	if r.cfg.RegistrationDisabled {
		return nil, core.Forbidden("registration")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, core.BadRequest("invalid email address")
	}
	existing, err := r.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, core.Internal(err)
	}
	if existing != nil {
		return nil, core.Conflict("account already exists")
	}

	seed, err := crypto.NewTOTPSeed(email)
	if err != nil {
		return nil, core.Internal(err)
	}
	user := &database.User{
		ID:        uuid.New(),
		Email:     email,
		MFASeed:   seed,
		IsActive:  !r.cfg.EmailVerificationEnabled,
		CreatedAt: r.now(),
	}
	if err := r.store.CreateUser(ctx, user); err != nil {
		return nil, core.Internal(err)
	}
	r.logger.Info("user registered", "user_id", user.ID)
	return user, nil
}

// MissingRequirements lists the required preference keys the user has not
// set yet. Activation flows block while any remain.
func (r *Registrar) MissingRequirements(ctx context.Context, userID uuid.UUID) ([]string, error) {
	if len(r.required) == 0 {
		return nil, nil
	}
	prefs, err := r.store.GetPreferences(ctx, userID)
	if err != nil {
		return nil, core.Internal(err)
	}
	have := make(map[string]bool, len(prefs))
	for _, p := range prefs {
		if p.Value != "" {
			have[p.Key] = true
		}
	}
	var missing []string
	for _, key := range r.required {
		if !have[key] {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

// SeedDefaultUser provisions the DEFAULT_USER account and its tenant at
// startup when configured and absent. Idempotent.
func (r *Registrar) SeedDefaultUser(ctx context.Context) error {
	if r.cfg.DefaultUser == "" {
		return nil
	}
	email := strings.ToLower(r.cfg.DefaultUser)
	existing, err := r.store.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	seed, err := crypto.NewTOTPSeed(email)
	if err != nil {
		return err
	}
	user := &database.User{
		ID:        uuid.New(),
		Email:     email,
		MFASeed:   seed,
		IsActive:  true,
		CreatedAt: r.now(),
	}
	tenant := &database.Tenant{
		ID:        uuid.New(),
		Name:      r.cfg.AppName,
		AgentName: r.cfg.AgentName,
		Status:    database.TenantActive,
		CreatedAt: r.now(),
	}
	return r.store.WithinTx(ctx, func(tx database.Store) error {
		if err := tx.CreateUser(ctx, user); err != nil {
			return err
		}
		if err := tx.CreateTenant(ctx, tenant); err != nil {
			return err
		}
		return tx.UpsertMembership(ctx, &database.Membership{
			UserID:    user.ID,
			TenantID:  tenant.ID,
			RoleID:    database.RoleTenantAdmin,
			CreatedAt: r.now(),
		})
	})
}
