package chains

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agixt/backend/internal/billing"
	"github.com/agixt/backend/internal/config"
	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/prompt"
	"github.com/agixt/backend/internal/provider"
	"github.com/agixt/backend/internal/tenancy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chainFixture struct {
	executor *Executor
	store    *database.MemoryStore
	model    *provider.MockProvider
	registry *provider.MockRegistry
	tenant   *database.Tenant
	userID   uuid.UUID
}

func newChainFixture(t *testing.T, script ...provider.Completion) *chainFixture {
	t.Helper()
	ctx := context.Background()
	store := database.NewMemoryStore()
	tree := tenancy.NewTree(store)
	gate := billing.NewGate(&config.Config{}, store, tree, nil, nil, nil)
	model := provider.NewMockProvider(script...)
	registry := provider.NewMockRegistry(
		provider.CommandManifest{Name: "fetch_report"},
		provider.CommandManifest{Name: "send_summary"},
	)
	runner := prompt.NewRunner(store, gate, model, registry, nil, nil)
	executor := NewExecutor(store, runner, registry, nil)
	executor.SetClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })

	tenant := &database.Tenant{ID: uuid.New(), Name: "acme", Status: database.TenantActive, TokenBalance: 1_000_000}
	require.NoError(t, store.CreateTenant(ctx, tenant))
	agent := &database.Agent{ID: uuid.New(), TenantID: tenant.ID, UserID: uuid.New(), Name: "Writer"}
	require.NoError(t, store.CreateAgent(ctx, agent))

	return &chainFixture{
		executor: executor, store: store, model: model, registry: registry,
		tenant: tenant, userID: uuid.New(),
	}
}

func (f *chainFixture) opts() RunOptions {
	return RunOptions{TenantID: f.tenant.ID, UserID: f.userID}
}

func promptStep(n int, args map[string]string) database.ChainStep {
	return database.ChainStep{StepNumber: n, AgentName: "Writer", PromptType: database.PromptTypePrompt, PromptArgs: args}
}

func commandStep(n int, args map[string]string) database.ChainStep {
	return database.ChainStep{StepNumber: n, AgentName: "Writer", PromptType: database.PromptTypeCommand, PromptArgs: args}
}

func (f *chainFixture) createChain(t *testing.T, name string, steps ...database.ChainStep) {
	t.Helper()
	_, err := f.executor.Create(context.Background(), f.tenant.ID, name, steps)
	require.NoError(t, err)
}

// ============================================================================
// SUBSTITUTION
// ============================================================================

func TestRunFeedsStepOutputForward(t *testing.T) {
	f := newChainFixture(t,
		provider.Completion{Content: "quarterly revenue grew 12%"},
		provider.Completion{Content: "Revenue: up."},
	)
	f.createChain(t, "report",
		promptStep(1, map[string]string{"user_input": "analyze the data"}),
		promptStep(2, map[string]string{"user_input": "Summarize: {STEP1}"}),
	)

	out, err := f.executor.Run(context.Background(), "report", f.opts())
	require.NoError(t, err)
	assert.Equal(t, "Revenue: up.", out)

	// Step 2 saw step 1's literal output in its prompt.
	require.Len(t, f.model.Calls, 2)
	second := f.model.Calls[1]
	assert.Equal(t, "Summarize: quarterly revenue grew 12%", second[len(second)-1].Content)
}

func TestRunSubstitutesPredefinedTokens(t *testing.T) {
	f := newChainFixture(t, provider.Completion{Content: "done"})
	f.createChain(t, "tokens",
		promptStep(1, map[string]string{
			"user_input": "agent={agent_name} input={user_input} date={date} cmds={command_list}",
		}),
	)

	opts := f.opts()
	opts.UserInput = "hello"
	_, err := f.executor.Run(context.Background(), "tokens", opts)
	require.NoError(t, err)

	require.Len(t, f.model.Calls, 1)
	sent := f.model.Calls[0][0].Content
	assert.Contains(t, sent, "agent=Writer")
	assert.Contains(t, sent, "input=hello")
	assert.Contains(t, sent, "date=2025-06-01 12:00:00")
	assert.Contains(t, sent, "cmds=fetch_report, send_summary")
}

func TestRunUnknownStepTokenSubstitutesEmpty(t *testing.T) {
	f := newChainFixture(t, provider.Completion{Content: "ok"})
	f.createChain(t, "dangling",
		promptStep(1, map[string]string{"user_input": "before[{STEP7}]after"}),
	)

	_, err := f.executor.Run(context.Background(), "dangling", f.opts())
	require.NoError(t, err)
	assert.Equal(t, "before[]after", f.model.Calls[0][0].Content)
}

// ============================================================================
// DISPATCH & FAILURE
// ============================================================================

func TestRunCommandStepForwardsArgs(t *testing.T) {
	f := newChainFixture(t)
	f.registry.Results["fetch_report"] = "report body"
	f.createChain(t, "cmd",
		commandStep(1, map[string]string{"command_name": "fetch_report", "period": "q2"}),
	)

	out, err := f.executor.Run(context.Background(), "cmd", f.opts())
	require.NoError(t, err)
	assert.Equal(t, "report body", out)
	assert.Equal(t, []string{"fetch_report"}, f.registry.Executed)
}

func TestRunFailureCarriesPrefixAndStep(t *testing.T) {
	f := newChainFixture(t)
	f.createChain(t, "broken",
		commandStep(1, map[string]string{"command_name": "no_such_command"}),
	)

	_, err := f.executor.Run(context.Background(), "broken", f.opts())
	require.Error(t, err)
	assert.Equal(t, core.KindBadRequest, core.KindOf(err))
	msg := core.AsError(err).Message
	assert.True(t, strings.HasPrefix(msg, failurePrefix+": step 1:"), msg)
}

func TestRunUnknownChain(t *testing.T) {
	f := newChainFixture(t)
	_, err := f.executor.Run(context.Background(), "ghost", f.opts())
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestRunFromStepSkipsEarlierSteps(t *testing.T) {
	f := newChainFixture(t, provider.Completion{Content: "only step two ran"})
	f.createChain(t, "resume",
		promptStep(1, map[string]string{"user_input": "expensive first step"}),
		promptStep(2, map[string]string{"user_input": "retry: {STEP1}"}),
	)

	opts := f.opts()
	opts.FromStep = 2
	out, err := f.executor.Run(context.Background(), "resume", opts)
	require.NoError(t, err)
	assert.Equal(t, "only step two ran", out)

	// Step 1 never hit the model; its token substitutes empty.
	require.Len(t, f.model.Calls, 1)
	assert.Equal(t, "retry: ", f.model.Calls[0][0].Content)
}

func TestRunAgentOverride(t *testing.T) {
	f := newChainFixture(t, provider.Completion{Content: "ok"})
	ctx := context.Background()
	other := &database.Agent{ID: uuid.New(), TenantID: f.tenant.ID, UserID: uuid.New(), Name: "Editor"}
	require.NoError(t, f.store.CreateAgent(ctx, other))

	f.createChain(t, "override",
		promptStep(1, map[string]string{"user_input": "by {agent_name}"}),
	)
	opts := f.opts()
	opts.AgentOverride = "Editor"
	_, err := f.executor.Run(ctx, "override", opts)
	require.NoError(t, err)
	assert.Equal(t, "by Editor", f.model.Calls[0][0].Content)
}

// ============================================================================
// SUB-CHAINS
// ============================================================================

func TestRunSubChain(t *testing.T) {
	f := newChainFixture(t)
	f.registry.Results["fetch_report"] = "inner output"
	f.createChain(t, "inner",
		commandStep(1, map[string]string{"command_name": "fetch_report"}),
	)
	f.createChain(t, "outer",
		database.ChainStep{StepNumber: 1, AgentName: "Writer", PromptType: database.PromptTypeChain,
			PromptArgs: map[string]string{"chain_name": "inner"}},
	)

	out, err := f.executor.Run(context.Background(), "outer", f.opts())
	require.NoError(t, err)
	assert.Equal(t, "inner output", out)
}

func TestRunSubChainDepthBounded(t *testing.T) {
	f := newChainFixture(t)
	f.createChain(t, "loop",
		database.ChainStep{StepNumber: 1, AgentName: "Writer", PromptType: database.PromptTypeChain,
			PromptArgs: map[string]string{"chain_name": "loop"}},
	)

	_, err := f.executor.Run(context.Background(), "loop", f.opts())
	require.Error(t, err)
	assert.Equal(t, core.KindBadRequest, core.KindOf(err))
	assert.Contains(t, core.AsError(err).Message, failurePrefix)
}

// ============================================================================
// CONCURRENT PAIRING
// ============================================================================

func TestRunConcurrentPairExecutesBoth(t *testing.T) {
	f := newChainFixture(t)
	f.registry.Results["fetch_report"] = "A"
	f.registry.Results["send_summary"] = "B"
	f.createChain(t, "pair",
		database.ChainStep{StepNumber: 1, AgentName: "Writer", PromptType: database.PromptTypeCommand,
			PromptArgs: map[string]string{"command_name": "fetch_report"}, RunNextConcurrent: true},
		commandStep(2, map[string]string{"command_name": "send_summary"}),
	)

	out, err := f.executor.Run(context.Background(), "pair", f.opts())
	require.NoError(t, err)
	// The pair's output is the successor's.
	assert.Equal(t, "B", out)
	assert.Len(t, f.registry.Executed, 2)
}

// rendezvousRegistry blocks each Execute until both paired commands have
// arrived, so the pair's goroutines genuinely overlap instead of finishing
// one after the other.
type rendezvousRegistry struct {
	both     sync.WaitGroup
	mu       sync.Mutex
	executed []string
}

func (r *rendezvousRegistry) List(ctx context.Context, tenantID uuid.UUID) ([]provider.CommandManifest, error) {
	return []provider.CommandManifest{{Name: "left"}, {Name: "right"}}, nil
}

func (r *rendezvousRegistry) Execute(ctx context.Context, tenantID uuid.UUID, name, argsJSON string) (string, error) {
	r.both.Done()
	r.both.Wait()
	r.mu.Lock()
	r.executed = append(r.executed, name)
	r.mu.Unlock()
	return name + " done", nil
}

func TestRunConcurrentPairOverlapping(t *testing.T) {
	f := newChainFixture(t)
	reg := &rendezvousRegistry{}
	reg.both.Add(2)
	gate := billing.NewGate(&config.Config{}, f.store, tenancy.NewTree(f.store), nil, nil, nil)
	runner := prompt.NewRunner(f.store, gate, f.model, reg, nil, nil)
	executor := NewExecutor(f.store, runner, reg, nil)

	f.createChain(t, "overlap",
		database.ChainStep{StepNumber: 1, AgentName: "Writer", PromptType: database.PromptTypeCommand,
			PromptArgs: map[string]string{"command_name": "left"}, RunNextConcurrent: true},
		commandStep(2, map[string]string{"command_name": "right"}),
	)

	out, err := executor.Run(context.Background(), "overlap", f.opts())
	require.NoError(t, err)
	assert.Equal(t, "right done", out)
	assert.ElementsMatch(t, []string{"left", "right"}, reg.executed)
}

func TestRunConcurrentFlagIgnoredWhenNextReadsOutput(t *testing.T) {
	f := newChainFixture(t, provider.Completion{Content: "combined"})
	f.registry.Results["fetch_report"] = "A"
	f.createChain(t, "dependent",
		database.ChainStep{StepNumber: 1, AgentName: "Writer", PromptType: database.PromptTypeCommand,
			PromptArgs: map[string]string{"command_name": "fetch_report"}, RunNextConcurrent: true},
		promptStep(2, map[string]string{"user_input": "use {STEP1}"}),
	)

	out, err := f.executor.Run(context.Background(), "dependent", f.opts())
	require.NoError(t, err)
	assert.Equal(t, "combined", out)
	// Sequential fallback: step 2 saw step 1's finished output.
	require.Len(t, f.model.Calls, 1)
	assert.Equal(t, "use A", f.model.Calls[0][0].Content)
}

// ============================================================================
// CREATE
// ============================================================================

func TestCreateRenumbersSteps(t *testing.T) {
	f := newChainFixture(t)
	ctx := context.Background()

	chain, err := f.executor.Create(ctx, f.tenant.ID, "gapped",
		[]database.ChainStep{
			commandStep(10, map[string]string{"command_name": "send_summary"}),
			commandStep(5, map[string]string{"command_name": "fetch_report"}),
		})
	require.NoError(t, err)

	steps, err := f.store.ListChainSteps(ctx, chain.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].StepNumber)
	assert.Equal(t, "fetch_report", steps[0].PromptArgs["command_name"])
	assert.Equal(t, 2, steps[1].StepNumber)
}

func TestCreateRejectsDuplicatesAndBadTypes(t *testing.T) {
	f := newChainFixture(t)
	ctx := context.Background()

	f.createChain(t, "taken", commandStep(1, map[string]string{"command_name": "fetch_report"}))
	_, err := f.executor.Create(ctx, f.tenant.ID, "taken", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))

	_, err = f.executor.Create(ctx, f.tenant.ID, "odd",
		[]database.ChainStep{{StepNumber: 1, PromptType: "telepathy"}})
	require.Error(t, err)
	assert.Equal(t, core.KindBadRequest, core.KindOf(err))

	_, err = f.executor.Create(ctx, f.tenant.ID, "", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindBadRequest, core.KindOf(err))
}
