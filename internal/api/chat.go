package api

import (
	"context"
	"net/http"
	"time"

	"github.com/agixt/backend/internal/chains"
	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/prompt"
	"github.com/agixt/backend/internal/provider"
	"github.com/google/uuid"
)

// handleChatCompletions is the OpenAI-compatible chat surface. The model
// field names an agent or a chain; the user field carries a conversation id
// or "-" for an ephemeral one; @mentions inside the last user message may
// redirect within the conversation's tenant.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ac, _ := core.AuthFrom(r.Context())
	var req prompt.ChatCompletionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, core.BadRequest("messages must not be empty"))
		return
	}

	messages, lastUser, err := flattenMessages(req.Messages)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conv, err := s.resolveConversation(r.Context(), ac, req.User)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// A model naming a chain in the conversation's tenant dispatches to the
	// chain executor instead of a single agent turn.
	if req.Model != "" {
		chain, err := s.store.GetChainByName(r.Context(), conv.TenantID, req.Model)
		if err != nil {
			s.writeError(w, core.Internal(err))
			return
		}
		if chain != nil {
			s.serveChain(w, r, ac, conv, req, lastUser)
			return
		}
	}

	resolution, err := s.router.Resolve(r.Context(), ac.UserID, conv, lastUser)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if resolution.Mentioned || resolution.Stripped {
		replaceLastUser(messages, resolution.Message)
	}

	promptReq := &prompt.Request{
		Agent:          resolution.Agent,
		UserID:         ac.UserID,
		ConversationID: conv.ID,
		Messages:       messages,
		InjectMemories: true,
	}

	if !req.Stream {
		resp, err := s.runner.Run(r.Context(), promptReq)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	sse := newSSEWriter(w, resolution.Agent.Name)
	if sse == nil {
		s.writeError(w, core.BadRequest("streaming unsupported by transport"))
		return
	}
	_, err = s.runner.RunStream(r.Context(), promptReq, func(chunk prompt.ChatCompletionChunk) error {
		return sse.Send(chunk)
	})
	if err != nil {
		s.logger.Warn("stream failed", "error", err)
		sse.Error(core.AsError(err).Message)
		return
	}
	sse.Done()
}

// serveChain runs the named chain, streaming step boundaries and prompt
// deltas when requested.
func (s *Server) serveChain(w http.ResponseWriter, r *http.Request, ac *core.AuthContext, conv *database.Conversation, req prompt.ChatCompletionRequest, lastUser string) {
	opts := s.chainOptions(ac, conv.TenantID, lastUser, "", 0)
	opts.ConversationID = conv.ID

	if !req.Stream {
		output, err := s.executor.Run(r.Context(), req.Model, opts)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, prompt.NewResponse(req.Model, output, "stop", provider.Usage{}, time.Now()))
		return
	}

	sse := newSSEWriter(w, req.Model)
	if sse == nil {
		s.writeError(w, core.BadRequest("streaming unsupported by transport"))
		return
	}
	opts.Sink = &chains.StreamSink{
		Chunk: func(chunk prompt.ChatCompletionChunk) error {
			return sse.Send(chunk)
		},
		StepBoundary: func(stepNumber int, agentName string) error {
			return sse.Send(map[string]any{"step": stepNumber, "agent": agentName})
		},
	}
	if _, err := s.executor.Run(r.Context(), req.Model, opts); err != nil {
		s.logger.Warn("chain stream failed", "error", err)
		sse.Error(core.AsError(err).Message)
		return
	}
	sse.Done()
}

func (s *Server) chainOptions(ac *core.AuthContext, tenantID uuid.UUID, userInput, agentName string, fromStep int) chains.RunOptions {
	return chains.RunOptions{
		TenantID:      tenantID,
		UserID:        ac.UserID,
		AgentOverride: agentName,
		UserInput:     userInput,
		FromStep:      fromStep,
	}
}

// ============================================================================
// REQUEST SHAPING
// ============================================================================

// flattenMessages normalises the inbound transcript and returns the last
// user message's text for routing.
func flattenMessages(in []prompt.ChatMessage) ([]provider.Message, string, error) {
	out := make([]provider.Message, 0, len(in))
	lastUser := ""
	for i := range in {
		text, urls, err := in[i].Flatten()
		if err != nil {
			return nil, "", core.BadRequest(err.Error())
		}
		out = append(out, provider.Message{Role: in[i].Role, Content: text, FileURLs: urls})
		if in[i].Role == "user" {
			lastUser = text
		}
	}
	return out, lastUser, nil
}

func replaceLastUser(messages []provider.Message, content string) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			messages[i].Content = content
			return
		}
	}
}

// resolveConversation loads the conversation named by the user field, or
// creates an ephemeral single conversation in the caller's primary tenant.
func (s *Server) resolveConversation(ctx context.Context, ac *core.AuthContext, userField string) (*database.Conversation, error) {
	if userField != "" && userField != "-" {
		id, err := uuid.Parse(userField)
		if err != nil {
			return nil, core.BadRequest("user must be a conversation id or -")
		}
		conv, err := s.store.GetConversation(ctx, id)
		if err != nil {
			return nil, core.Internal(err)
		}
		if conv == nil {
			return nil, core.NotFound("conversation")
		}
		if !ac.AllowsCompany(conv.TenantID) {
			return nil, core.NotFound("conversation")
		}
		return conv, nil
	}

	tenantID, err := s.primaryTenant(ctx, ac)
	if err != nil {
		return nil, err
	}
	conv := &database.Conversation{
		ID:       uuid.New(),
		TenantID: tenantID,
		Type:     database.ConversationSingle,
	}
	participants := []database.Participant{{ConversationID: conv.ID, ParticipantID: ac.UserID}}
	if err := s.store.CreateConversation(ctx, conv, participants); err != nil {
		return nil, core.Internal(err)
	}
	return conv, nil
}

// primaryTenant picks the caller's first membership that the credential
// allows.
func (s *Server) primaryTenant(ctx context.Context, ac *core.AuthContext) (uuid.UUID, error) {
	memberships, err := s.store.ListMembershipsByUser(ctx, ac.UserID)
	if err != nil {
		return uuid.Nil, core.Internal(err)
	}
	for _, m := range memberships {
		if ac.AllowsCompany(m.TenantID) {
			return m.TenantID, nil
		}
	}
	return uuid.Nil, core.BadRequest("no company membership")
}
