// Package agents routes chat requests to an agent in the caller's reach:
// @mention parsing, cross-tenant mention stripping and the user-to-user DM
// guard.
package agents

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agixt/backend/internal/config"
	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/tenancy"
	"github.com/google/uuid"
)

// Router resolves the target agent for a conversation turn.
type Router struct {
	cfg    *config.Config
	store  database.Store
	tree   *tenancy.Tree
	logger *slog.Logger
}

// NewRouter builds an agent router.
func NewRouter(cfg *config.Config, store database.Store, tree *tenancy.Tree, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{cfg: cfg, store: store, tree: tree, logger: logger}
}

// Resolution is the routing outcome for one request.
type Resolution struct {
	// Agent is the dispatch target; the conversation tenant's default agent
	// unless a same-tenant mention redirected.
	Agent *database.Agent
	// Message is the last user message, mention token removed when one was
	// recognised.
	Message string
	// Mentioned reports that a reachable agent was named.
	Mentioned bool
	// Stripped reports a cross-tenant mention that was removed without
	// rerouting.
	Stripped bool
}

// Resolve routes the last user message of a conversation to an agent.
func (r *Router) Resolve(ctx context.Context, userID uuid.UUID, conv *database.Conversation, lastUserMessage string) (*Resolution, error) {
	if err := r.guardDM(ctx, conv); err != nil {
		return nil, err
	}

	reachable, err := r.reachableAgents(ctx, userID, conv.TenantID)
	if err != nil {
		return nil, err
	}

	res := &Resolution{Message: lastUserMessage}
	if agent, cleaned, ok := findMention(lastUserMessage, reachable); ok {
		if agent.TenantID != conv.TenantID {
			// Cross-tenant mention: strip, log, keep the default agent.
			r.logger.Info("cross-tenant mention blocked",
				"agent_id", agent.ID, "agent_tenant", agent.TenantID, "conversation_tenant", conv.TenantID)
			res.Message = cleaned
			res.Stripped = true
		} else {
			if ac, ok := core.AuthFrom(ctx); ok && !ac.AllowsAgent(agent.ID) {
				return nil, core.Forbidden("agents:read")
			}
			res.Agent = agent
			res.Message = cleaned
			res.Mentioned = true
			return res, nil
		}
	}

	agent, err := r.defaultAgent(ctx, userID, conv.TenantID)
	if err != nil {
		return nil, err
	}
	res.Agent = agent
	return res, nil
}

// guardDM rejects agent-response requests in user-to-user DMs: a dm
// conversation, or a thread parented on one, with no agent participant. The
// UI already blocks this path; the check is defense in depth.
func (r *Router) guardDM(ctx context.Context, conv *database.Conversation) error {
	isDM := conv.Type == database.ConversationDM
	if !isDM && conv.Type == database.ConversationThread && conv.ParentID != nil {
		parent, err := r.store.GetConversation(ctx, *conv.ParentID)
		if err != nil {
			return core.Internal(err)
		}
		isDM = parent != nil && parent.Type == database.ConversationDM
	}
	if !isDM {
		return nil
	}
	participants, err := r.store.ListParticipants(ctx, conv.ID)
	if err != nil {
		return core.Internal(err)
	}
	for _, p := range participants {
		if p.IsAgent {
			return nil
		}
	}
	return core.BadRequest("cannot trigger agent response in user-to-user DM")
}

// reachableAgents collects the agents of every tenant the user reaches.
func (r *Router) reachableAgents(ctx context.Context, userID, conversationTenant uuid.UUID) ([]database.Agent, error) {
	tenantIDs := map[uuid.UUID]bool{conversationTenant: true}

	memberships, err := r.store.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return nil, core.Internal(err)
	}
	for _, m := range memberships {
		tenantIDs[m.TenantID] = true
		if m.RoleID <= database.RoleTenantAdmin {
			descendants, err := r.tree.Descendants(ctx, m.TenantID)
			if err != nil {
				return nil, core.Internal(err)
			}
			for _, d := range descendants {
				tenantIDs[d.ID] = true
			}
		}
	}

	var out []database.Agent
	for id := range tenantIDs {
		agents, err := r.store.ListAgentsByTenant(ctx, id)
		if err != nil {
			return nil, core.Internal(err)
		}
		out = append(out, agents...)
	}
	return out, nil
}

// defaultAgent resolves the conversation tenant's default agent, creating it
// on first use.
func (r *Router) defaultAgent(ctx context.Context, userID, tenantID uuid.UUID) (*database.Agent, error) {
	tenant, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, core.Internal(err)
	}
	if tenant == nil {
		return nil, core.NotFound("company")
	}
	name := tenant.AgentName
	if name == "" {
		name = r.cfg.AgentName
	}
	agent, err := r.store.GetAgentByName(ctx, tenantID, name)
	if err != nil {
		return nil, core.Internal(err)
	}
	if agent == nil {
		agent = &database.Agent{
			ID:        uuid.New(),
			TenantID:  tenantID,
			UserID:    userID,
			Name:      name,
			CreatedAt: time.Now(),
		}
		if err := r.store.CreateAgent(ctx, agent); err != nil {
			return nil, core.Internal(err)
		}
	}
	return agent, nil
}

// ============================================================================
// MENTION PARSING
// ============================================================================

// findMention scans the message for @AgentName or @"Agent Name",
// case-insensitive and longest-match over the candidate set. It returns the
// matched agent and the message with the mention token removed.
func findMention(message string, candidates []database.Agent) (*database.Agent, string, bool) {
	// Longest name first so no prefix steals a match from a longer name.
	sorted := make([]database.Agent, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Name) > len(sorted[j].Name)
	})

	for at := 0; at < len(message); at++ {
		if message[at] != '@' {
			continue
		}
		rest := message[at+1:]

		// Quoted form: @"Agent Name"
		if strings.HasPrefix(rest, `"`) {
			if end := strings.Index(rest[1:], `"`); end >= 0 {
				quoted := rest[1 : 1+end]
				for i := range sorted {
					if strings.EqualFold(sorted[i].Name, quoted) {
						// Token spans @ + quote + name + quote.
						cleaned := stripToken(message, at, at+3+end)
						return &sorted[i], cleaned, true
					}
				}
			}
			continue
		}

		// Bareword form: the longest candidate name that prefixes the rest
		// at a word boundary.
		for i := range sorted {
			name := sorted[i].Name
			if len(rest) < len(name) || !strings.EqualFold(rest[:len(name)], name) {
				continue
			}
			if len(rest) > len(name) && isWordChar(rest[len(name)]) {
				continue
			}
			cleaned := stripToken(message, at, at+1+len(name))
			return &sorted[i], cleaned, true
		}
	}
	return nil, message, false
}

// stripToken removes message[start:end] and collapses the surrounding space.
func stripToken(message string, start, end int) string {
	if end > len(message) {
		end = len(message)
	}
	before := strings.TrimRight(message[:start], " ")
	after := strings.TrimLeft(message[end:], " ")
	switch {
	case before == "":
		return after
	case after == "":
		return before
	default:
		return before + " " + after
	}
}

func isWordChar(b byte) bool {
	return b == '_' || b == '-' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
