package chains

import (
	"context"
	"sort"

	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/database"
	"github.com/google/uuid"
)

// validPromptTypes for step validation.
var validPromptTypes = map[string]bool{
	database.PromptTypePrompt:  true,
	database.PromptTypeCommand: true,
	database.PromptTypeChain:   true,
}

// Create persists a chain with its steps, renumbering them 1..N in the given
// order. Duplicate names within a tenant conflict.
func (e *Executor) Create(ctx context.Context, tenantID uuid.UUID, name string, steps []database.ChainStep) (*database.Chain, error) {
	if name == "" {
		return nil, core.BadRequest("chain name is required")
	}
	existing, err := e.store.GetChainByName(ctx, tenantID, name)
	if err != nil {
		return nil, core.Internal(err)
	}
	if existing != nil {
		return nil, core.Conflict("chain already exists")
	}

	chain := &database.Chain{ID: uuid.New(), TenantID: tenantID, Name: name}
	renumbered := renumber(chain.ID, steps)
	for _, s := range renumbered {
		if !validPromptTypes[s.PromptType] {
			return nil, core.BadRequest("unknown prompt type " + s.PromptType)
		}
	}
	if err := e.store.CreateChain(ctx, chain, renumbered); err != nil {
		return nil, core.Internal(err)
	}
	return chain, nil
}

// renumber assigns strictly increasing step numbers 1..N, preserving the
// relative order of the input.
func renumber(chainID uuid.UUID, steps []database.ChainStep) []database.ChainStep {
	out := make([]database.ChainStep, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	for i := range out {
		out[i].ChainID = chainID
		out[i].StepNumber = i + 1
	}
	return out
}
