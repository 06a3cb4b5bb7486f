package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agixt/backend/internal/agents"
	"github.com/agixt/backend/internal/auth"
	"github.com/agixt/backend/internal/billing"
	"github.com/agixt/backend/internal/cache"
	"github.com/agixt/backend/internal/chains"
	"github.com/agixt/backend/internal/config"
	"github.com/agixt/backend/internal/crypto"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/invite"
	"github.com/agixt/backend/internal/prompt"
	"github.com/agixt/backend/internal/provider"
	"github.com/agixt/backend/internal/scopes"
	"github.com/agixt/backend/internal/tenancy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiTestKey = "api-test-master-key"

type apiFixture struct {
	srv   *httptest.Server
	store *database.MemoryStore
	forge *crypto.Forge
	model *provider.MockProvider
}

func newAPIFixture(t *testing.T, script ...provider.Completion) *apiFixture {
	t.Helper()
	cfg := &config.Config{
		APIKey:  apiTestKey,
		AppName: "AGiXT",
		AppURI:  "http://localhost:3437",
	}
	store := database.NewMemoryStore()
	c := cache.NewMemoryCache()
	forge := crypto.NewForge(apiTestKey, time.UTC)
	tree := tenancy.NewTree(store)
	engine := scopes.NewEngine(store, tree, c, nil)
	gate := billing.NewGate(cfg, store, tree, nil, nil, nil)
	pats := auth.NewPATManager(cfg, store, tree, engine, nil, nil)
	session := auth.NewSession(cfg, store, c, forge, tree, engine, gate, pats, nil, nil, nil)
	session.SetSpawner(func(name string, fn func(context.Context)) {})
	notifier := &provider.MockNotifier{}
	magic := auth.NewMagicLink(cfg, store, forge, notifier, nil, nil)
	registrar := auth.NewRegistrar(cfg, store, nil)
	invites := invite.NewManager(cfg, store, tree, engine, gate, notifier, nil)
	router := agents.NewRouter(cfg, store, tree, nil)
	model := provider.NewMockProvider(script...)
	registry := provider.NewMockRegistry()
	runner := prompt.NewRunner(store, gate, model, registry, nil, nil)
	executor := chains.NewExecutor(store, runner, registry, nil)

	server := NewServer(cfg, store, c, session, magic, registrar, pats, invites, router, runner, executor, gate, nil)
	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, store: store, forge: forge, model: model}
}

// seedMember creates an active user with a funded tenant and returns a
// session JWT for them.
func (f *apiFixture) seedMember(t *testing.T, email string, balance int64) (*database.User, *database.Tenant, string) {
	t.Helper()
	ctx := context.Background()
	seed, err := crypto.NewTOTPSeed(email)
	require.NoError(t, err)
	user := &database.User{ID: uuid.New(), Email: email, MFASeed: seed, IsActive: true}
	require.NoError(t, f.store.CreateUser(ctx, user))
	tenant := &database.Tenant{ID: uuid.New(), Name: email + "-co", AgentName: "AcmeBot", Status: database.TenantActive, TokenBalance: balance}
	require.NoError(t, f.store.CreateTenant(ctx, tenant))
	require.NoError(t, f.store.UpsertMembership(ctx, &database.Membership{
		UserID: user.ID, TenantID: tenant.ID, RoleID: database.RoleCompanyAdmin,
	}))
	token, err := f.forge.MintSessionToken(user.ID, user.Email, false)
	require.NoError(t, err)
	return user, tenant, token
}

func (f *apiFixture) do(t *testing.T, method, path, bearer string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthMiddlewareRejectsMissingAndBogusBearers(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/v1/user", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, "unauthenticated", body.Error)

	resp = f.do(t, http.MethodGet, "/v1/user", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMasterKeyProfileAndPaywallBypass(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/v1/user", apiTestKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Gated routes skip the paywall for the master key.
	resp = f.do(t, http.MethodGet, "/v1/tokens", apiTestKey, nil)
	// The synthetic admin has no memberships so scope checks fail, but the
	// paywall itself let the request through.
	assert.NotEqual(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestPaywallBlocksExhaustedTenant(t *testing.T) {
	f := newAPIFixture(t)
	_, _, token := f.seedMember(t, "broke@example.com", 0)

	resp := f.do(t, http.MethodGet, "/v1/tokens", token, nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, "payment_required", body.Error)
	require.NotNil(t, body.Payment)

	// The profile route is reachable regardless, reporting paywall status.
	resp = f.do(t, http.MethodGet, "/v1/user", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	user, _, _ := f.seedMember(t, "alice@example.com", 1000)

	resp := f.do(t, http.MethodPost, "/v1/login/request", "", map[string]string{"email": user.Email})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code, err := crypto.GenerateTOTP(user.MFASeed, time.Now())
	require.NoError(t, err)
	resp = f.do(t, http.MethodPost, "/v1/login", "", map[string]string{"email": user.Email, "token": code})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[auth.VerifyResult](t, resp)
	assert.NotEmpty(t, result.Token)

	resp = f.do(t, http.MethodGet, "/v1/user", result.Token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	profile := decode[auth.Profile](t, resp)
	assert.Equal(t, user.Email, profile.Email)
}

func TestRegisterEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/register", "", map[string]string{"email": "new@example.com"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/register", "", map[string]string{"email": "new@example.com"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/register", "", map[string]string{"email": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatCompletionsBlocking(t *testing.T) {
	f := newAPIFixture(t, provider.Completion{Content: "hi there"})
	_, _, token := f.seedMember(t, "chat@example.com", 10_000)

	resp := f.do(t, http.MethodPost, "/v1/chat/completions", token, map[string]any{
		"model": "AcmeBot",
		"user":  "-",
		"messages": []map[string]any{
			{"role": "user", "content": "hello"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[prompt.ChatCompletionResponse](t, resp)
	require.Len(t, body.Choices, 1)
	assert.Equal(t, "hi there", body.Choices[0].Message.Content)
	assert.Equal(t, "chat.completion", body.Object)
	assert.Equal(t, int64(30), body.Usage.TotalTokens)
}

func TestChatCompletionsStreamingFraming(t *testing.T) {
	f := newAPIFixture(t, provider.Completion{Content: "alpha beta"})
	_, _, token := f.seedMember(t, "stream@example.com", 10_000)

	resp := f.do(t, http.MethodPost, "/v1/chat/completions", token, map[string]any{
		"model":  "AcmeBot",
		"user":   "-",
		"stream": true,
		"messages": []map[string]any{
			{"role": "user", "content": "go"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var raw bytes.Buffer
	_, err := raw.ReadFrom(resp.Body)
	require.NoError(t, err)
	events := strings.Split(strings.TrimSpace(raw.String()), "\n\n")
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "data: [DONE]", events[len(events)-1])

	// Reassemble the deltas.
	var content string
	for _, ev := range events[:len(events)-1] {
		payload := strings.TrimPrefix(ev, "data: ")
		var chunk prompt.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		content += chunk.Choices[0].Delta.Content
	}
	assert.Equal(t, "alpha beta", content)
}

func TestChainCreateAndRunOverHTTP(t *testing.T) {
	f := newAPIFixture(t,
		provider.Completion{Content: "first out"},
		provider.Completion{Content: "second out"},
	)
	_, tenant, token := f.seedMember(t, "chain@example.com", 10_000)

	resp := f.do(t, http.MethodPost, "/v1/chains", token, map[string]any{
		"name":       "pipeline",
		"company_id": tenant.ID,
		"steps": []map[string]any{
			{"step_number": 1, "agent_name": "AcmeBot", "prompt_type": "prompt",
				"prompt_args": map[string]string{"user_input": "{user_input}"}},
			{"step_number": 2, "agent_name": "AcmeBot", "prompt_type": "prompt",
				"prompt_args": map[string]string{"user_input": "then {STEP1}"}},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Seed the agent the steps reference.
	require.NoError(t, f.store.CreateAgent(context.Background(), &database.Agent{
		ID: uuid.New(), TenantID: tenant.ID, UserID: uuid.New(), Name: "AcmeBot",
	}))

	resp = f.do(t, http.MethodPost, "/v1/chains/pipeline/run", token, map[string]any{
		"company_id": tenant.ID,
		"user_input": "kick off",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "second out", body["response"])
}

func TestChainRunForeignCompanyForbidden(t *testing.T) {
	f := newAPIFixture(t)
	_, _, token := f.seedMember(t, "outsider@example.com", 10_000)
	foreign := uuid.New()

	resp := f.do(t, http.MethodPost, "/v1/chains/any/run", token, map[string]any{
		"company_id": foreign,
	})
	// A JWT reaches every membership; the guard here is the PAT restriction
	// list, so a plain JWT gets past it and fails on the missing chain.
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorEnvelopeCarriesRequiredScope(t *testing.T) {
	f := newAPIFixture(t)
	user, _, _ := f.seedMember(t, "limited@example.com", 10_000)
	ctx := context.Background()

	require.NoError(t, f.store.AddRoleScope(ctx, database.RoleCompanyAdmin, auth.ScopeAPIKeysWrite))
	require.NoError(t, f.store.AddRoleScope(ctx, database.RoleCompanyAdmin, auth.ScopeAPIKeysRead))

	// A PAT carrying only apikeys:write cannot list tokens.
	tree := tenancy.NewTree(f.store)
	engine := scopes.NewEngine(f.store, tree, cache.NewMemoryCache(), nil)
	pats := auth.NewPATManager(&config.Config{APIKey: apiTestKey}, f.store, tree, engine, nil, nil)
	_, patToken, err := pats.Create(ctx, user.ID, auth.CreateRequest{
		Name:   "narrow",
		Scopes: []string{auth.ScopeAPIKeysWrite},
	})
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/v1/tokens", patToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, "forbidden", body.Error)
	assert.Equal(t, auth.ScopeAPIKeysRead, body.RequiredScope)
}

func TestUnknownConversationLooksMissing(t *testing.T) {
	f := newAPIFixture(t)
	_, _, token := f.seedMember(t, "conv@example.com", 10_000)

	resp := f.do(t, http.MethodPost, "/v1/chat/completions", token, map[string]any{
		"model": "AcmeBot",
		"user":  uuid.NewString(),
		"messages": []map[string]any{
			{"role": "user", "content": "hi"},
		},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMalformedBodyRejected(t *testing.T) {
	f := newAPIFixture(t)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/register", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
