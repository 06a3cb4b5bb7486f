// Package chains executes ordered chains of prompt/command steps with
// argument substitution, sub-chain recursion, streaming and cancellation.
package chains

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/prompt"
	"github.com/agixt/backend/internal/provider"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Execution bounds.
const (
	MaxChainDepth       = 16
	DefaultStepTimeout  = 120 * time.Second
	DefaultChainTimeout = 900 * time.Second
)

// failurePrefix leads every surfaced chain error.
const failurePrefix = "Chain failed to complete"

var stepTokenRe = regexp.MustCompile(`\{STEP(\d+)\}`)

// StreamSink receives streaming output during a chain run. Chunk carries
// token deltas from the innermost prompt step; StepBoundary marks the
// transition into a step.
type StreamSink struct {
	Chunk        func(prompt.ChatCompletionChunk) error
	StepBoundary func(stepNumber int, agentName string) error
}

// Executor runs persisted chains.
type Executor struct {
	store    database.Store
	runner   *prompt.Runner
	registry provider.CommandRegistry
	logger   *slog.Logger
	now      func() time.Time

	StepTimeout  time.Duration
	ChainTimeout time.Duration
}

// NewExecutor builds a chain executor with the default timeouts.
func NewExecutor(store database.Store, runner *prompt.Runner, registry provider.CommandRegistry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:        store,
		runner:       runner,
		registry:     registry,
		logger:       logger,
		now:          time.Now,
		StepTimeout:  DefaultStepTimeout,
		ChainTimeout: DefaultChainTimeout,
	}
}

// SetClock overrides the time source for tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// RunOptions parameterise one chain run.
type RunOptions struct {
	TenantID       uuid.UUID
	UserID         uuid.UUID
	ConversationID uuid.UUID

	// AgentOverride replaces every step's agent name when set.
	AgentOverride string

	// UserInput substitutes {user_input}; Context substitutes {context}.
	UserInput string
	Context   string

	// FromStep skips earlier steps for caller-driven retries. Zero runs all.
	FromStep int

	Sink *StreamSink
}

// ============================================================================
// RUN
// ============================================================================

// Run executes the named chain and returns the final step's output. The run
// is recorded with per-step responses; a step failure marks it failed and
// short-circuits.
func (e *Executor) Run(ctx context.Context, chainName string, opts RunOptions) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.ChainTimeout)
	defer cancel()
	return e.run(ctx, chainName, opts, 0)
}

func (e *Executor) run(ctx context.Context, chainName string, opts RunOptions, depth int) (string, error) {
	if depth > MaxChainDepth {
		return "", core.BadRequest(fmt.Sprintf("%s: sub-chain depth exceeds %d", failurePrefix, MaxChainDepth))
	}

	chain, err := e.store.GetChainByName(ctx, opts.TenantID, chainName)
	if err != nil {
		return "", core.Internal(err)
	}
	if chain == nil {
		return "", core.NotFound("chain " + chainName)
	}
	steps, err := e.store.ListChainSteps(ctx, chain.ID)
	if err != nil {
		return "", core.Internal(err)
	}
	if len(steps) == 0 {
		return "", core.BadRequest(failurePrefix + ": chain has no steps")
	}

	run := &database.ChainRun{
		ID:        uuid.New(),
		ChainID:   chain.ID,
		Status:    database.RunRunning,
		StartedAt: e.now(),
	}
	if err := e.store.CreateChainRun(ctx, run); err != nil {
		return "", core.Internal(err)
	}

	state := &runState{responses: make(map[int]string)}
	output, err := e.runSteps(ctx, run, steps, opts, state, depth)

	completed := e.now()
	run.CompletedAt = &completed
	switch {
	case err == nil:
		run.Status = database.RunCompleted
	case errors.Is(err, context.Canceled):
		run.Status = database.RunCancelled
	default:
		run.Status = database.RunFailed
	}
	if uerr := e.store.UpdateChainRun(context.WithoutCancel(ctx), run); uerr != nil {
		e.logger.Warn("chain run update failed", "run_id", run.ID, "error", uerr)
	}
	if err != nil {
		return "", err
	}
	return output, nil
}

// runState guards the step-response map across the concurrent pairing.
type runState struct {
	mu        sync.Mutex
	responses map[int]string
}

func (s *runState) set(step int, response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[step] = response
}

func (s *runState) snapshot() map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]string, len(s.responses))
	for k, v := range s.responses {
		out[k] = v
	}
	return out
}

func (e *Executor) runSteps(ctx context.Context, run *database.ChainRun, steps []database.ChainStep, opts RunOptions, state *runState, depth int) (string, error) {
	var lastOutput string
	for i := 0; i < len(steps); i++ {
		step := steps[i]
		if opts.FromStep > 0 && step.StepNumber < opts.FromStep {
			continue
		}

		// Recorded here, on the sequential path: runStep may execute on two
		// goroutines at once for a concurrent pair.
		run.CurrentStep = step.StepNumber

		// A flagged step runs paired with its successor, unless the
		// successor reads the flagged step's output.
		if step.RunNextConcurrent && i+1 < len(steps) && !referencesStep(steps[i+1], step.StepNumber) {
			next := steps[i+1]
			g, gctx := errgroup.WithContext(ctx)
			var out, nextOut string
			g.Go(func() error {
				var err error
				out, err = e.runStep(gctx, run, step, opts, state, depth)
				return err
			})
			g.Go(func() error {
				var err error
				nextOut, err = e.runStep(gctx, run, next, opts, state, depth)
				return err
			})
			if err := g.Wait(); err != nil {
				return "", e.fail(ctx, run, step, err)
			}
			state.set(step.StepNumber, out)
			state.set(next.StepNumber, nextOut)
			lastOutput = nextOut
			i++
			continue
		}

		out, err := e.runStep(ctx, run, step, opts, state, depth)
		if err != nil {
			return "", e.fail(ctx, run, step, err)
		}
		state.set(step.StepNumber, out)
		lastOutput = out
	}
	return lastOutput, nil
}

// fail tags the surfaced error and preserves the partial run for audit.
func (e *Executor) fail(ctx context.Context, run *database.ChainRun, step database.ChainStep, err error) error {
	if errors.Is(err, context.Canceled) {
		e.logger.Info("chain run cancelled", "run_id", run.ID, "step", step.StepNumber)
		return err
	}
	e.logger.Error("chain step failed", "run_id", run.ID, "step", step.StepNumber, "error", err)
	var domainErr *core.Error
	if errors.As(err, &domainErr) && domainErr.Kind == core.KindPaymentRequired {
		return err
	}
	return core.BadRequest(fmt.Sprintf("%s: step %d: %v", failurePrefix, step.StepNumber, err))
}

// ============================================================================
// STEP DISPATCH
// ============================================================================

func (e *Executor) runStep(ctx context.Context, run *database.ChainRun, step database.ChainStep, opts RunOptions, state *runState, depth int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.StepTimeout)
	defer cancel()

	agentName := step.AgentName
	if opts.AgentOverride != "" {
		agentName = opts.AgentOverride
	}
	if opts.Sink != nil && opts.Sink.StepBoundary != nil {
		if err := opts.Sink.StepBoundary(step.StepNumber, agentName); err != nil {
			return "", err
		}
	}

	args, err := e.substitute(ctx, step.PromptArgs, state.snapshot(), agentName, opts)
	if err != nil {
		return "", err
	}

	var output string
	switch step.PromptType {
	case database.PromptTypePrompt:
		output, err = e.runPromptStep(ctx, agentName, args, opts)
	case database.PromptTypeCommand:
		output, err = e.runCommandStep(ctx, args, opts)
	case database.PromptTypeChain:
		subChain := args["chain_name"]
		if subChain == "" {
			return "", core.BadRequest("chain step missing chain_name")
		}
		subOpts := opts
		subOpts.FromStep = 0
		subOpts.UserInput = args["user_input"]
		output, err = e.run(ctx, subChain, subOpts, depth+1)
	default:
		return "", core.BadRequest(fmt.Sprintf("unknown prompt type %q", step.PromptType))
	}
	if err != nil {
		return "", err
	}

	// Record even mid-cancellation so partial output survives for audit.
	if rerr := e.store.RecordStepResponse(context.WithoutCancel(ctx), &database.StepResponse{
		RunID:      run.ID,
		StepNumber: step.StepNumber,
		Response:   output,
		CreatedAt:  e.now(),
	}); rerr != nil {
		e.logger.Warn("step response record failed", "run_id", run.ID, "step", step.StepNumber, "error", rerr)
	}
	return output, nil
}

func (e *Executor) runPromptStep(ctx context.Context, agentName string, args map[string]string, opts RunOptions) (string, error) {
	agent, err := e.store.GetAgentByName(ctx, opts.TenantID, agentName)
	if err != nil {
		return "", core.Internal(err)
	}
	if agent == nil {
		return "", core.NotFound("agent " + agentName)
	}

	input := args["user_input"]
	if input == "" {
		input = opts.UserInput
	}
	req := &prompt.Request{
		Agent:          agent,
		UserID:         opts.UserID,
		ConversationID: opts.ConversationID,
		Messages:       []provider.Message{{Role: "user", Content: input}},
		InjectMemories: args["inject_memories"] == "true",
	}

	if opts.Sink != nil && opts.Sink.Chunk != nil {
		resp, err := e.runner.RunStream(ctx, req, opts.Sink.Chunk)
		if err != nil {
			return "", err
		}
		return resp.Choices[0].Message.Content, nil
	}
	resp, err := e.runner.Run(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}

func (e *Executor) runCommandStep(ctx context.Context, args map[string]string, opts RunOptions) (string, error) {
	if e.registry == nil {
		return "", core.BadRequest("no command registry configured")
	}
	name := args["command_name"]
	if name == "" {
		return "", core.BadRequest("command step missing command_name")
	}
	callArgs := make(map[string]string, len(args))
	for k, v := range args {
		if k != "command_name" {
			callArgs[k] = v
		}
	}
	encoded, err := json.Marshal(callArgs)
	if err != nil {
		return "", core.Internal(err)
	}
	return e.registry.Execute(ctx, opts.TenantID, name, string(encoded))
}

// ============================================================================
// SUBSTITUTION
// ============================================================================

// referencesStep reports whether any of the step's args reads {STEPn}.
func referencesStep(step database.ChainStep, n int) bool {
	token := fmt.Sprintf("{STEP%d}", n)
	for _, v := range step.PromptArgs {
		if strings.Contains(v, token) {
			return true
		}
	}
	return false
}

// substitute resolves {STEPn} and the predefined tokens in every arg value.
func (e *Executor) substitute(ctx context.Context, args map[string]string, responses map[int]string, agentName string, opts RunOptions) (map[string]string, error) {
	commandList := ""
	needsCommands := false
	for _, v := range args {
		if strings.Contains(v, "{COMMANDS}") || strings.Contains(v, "{command_list}") {
			needsCommands = true
			break
		}
	}
	if needsCommands && e.registry != nil {
		manifests, err := e.registry.List(ctx, opts.TenantID)
		if err != nil {
			return nil, core.Internal(err)
		}
		names := make([]string, 0, len(manifests))
		for _, m := range manifests {
			names = append(names, m.Name)
		}
		commandList = strings.Join(names, ", ")
	}

	out := make(map[string]string, len(args))
	for k, v := range args {
		v = stepTokenRe.ReplaceAllStringFunc(v, func(token string) string {
			n, err := strconv.Atoi(stepTokenRe.FindStringSubmatch(token)[1])
			if err != nil {
				return token
			}
			if resp, ok := responses[n]; ok {
				return resp
			}
			// Unfinalised or unknown steps substitute nothing.
			return ""
		})
		v = strings.ReplaceAll(v, "{agent_name}", agentName)
		v = strings.ReplaceAll(v, "{context}", opts.Context)
		v = strings.ReplaceAll(v, "{date}", e.now().Format("2006-01-02 15:04:05"))
		v = strings.ReplaceAll(v, "{user_input}", opts.UserInput)
		v = strings.ReplaceAll(v, "{COMMANDS}", commandList)
		v = strings.ReplaceAll(v, "{command_list}", commandList)
		out[k] = v
	}
	return out, nil
}
