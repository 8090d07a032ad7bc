// Package generation drives one model generation end to end (spec §4.8):
// admission against the room's single generation slot, streaming fan-out to
// one or more sibling branches, cooperative cancellation, content
// filtering, and cost recording. Grounded on the teacher's heartbeat_runner.go
// and response_retry.go for the shape of a coordinator that owns a
// provider call and reacts to its streamed events, generalized from a
// single Matrix-room responder to the spec's room-slot/sampling-branches
// model.
package generation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/branchroom/server/pkg/aierror"
	"github.com/branchroom/server/pkg/aiutil"
	"github.com/branchroom/server/pkg/contentfilter"
	"github.com/branchroom/server/pkg/modelclient"
	"github.com/branchroom/server/pkg/pricing"
	"github.com/branchroom/server/pkg/promptcompose"
	"github.com/branchroom/server/pkg/room"
	"github.com/branchroom/server/pkg/store"
	"github.com/branchroom/server/pkg/tree"
)

const filteredPlaceholder = "[Content filtered]"

// ContextMessage is one message of the visible path fed into a generation
// request, already resolved to its active branch.
type ContextMessage struct {
	Role         tree.BranchRole
	Content      string
	HiddenFromAi bool
}

// TargetBranch is one branch a generation writes its streamed output into;
// samplingBranches > 1 produces several, all sharing one room slot.
type TargetBranch struct {
	MessageID string
	BranchID  string
}

// Request is everything Generate needs to run one admitted generation.
type Request struct {
	RoomID           string
	ConversationID   string
	RequestingUserID string
	Participant      tree.Participant
	Format           tree.ConversationFormat
	Model            string
	ModelCapabilities promptcompose.ModelCapabilities
	Temperature      *float64
	TopP             *float64
	TopK             *int
	MaxTokens        *int
	Context          []ContextMessage
	Branches         []TargetBranch
}

// Broadcaster is the subset of room.Registry's presence/slot API Generate
// needs; narrowed to an interface so tests can substitute a fake.
type Broadcaster interface {
	StartAiRequest(roomID, userID, messageID string) bool
	EndAiRequest(roomID string)
	Broadcast(roomID, kind string, payload any, exclude string)
}

var _ Broadcaster = (*room.Registry)(nil)

// Coordinator runs generations. One Coordinator serves every room in the
// process.
type Coordinator struct {
	store   store.Store
	rooms   Broadcaster
	pricing pricing.Pricing
	filter  contentfilter.Filter
	clients map[string]modelclient.ModelClient // keyed by provider
	log     zerolog.Logger

	mu      sync.Mutex
	cancels map[string]chan struct{} // roomID -> cancel signal shared by every branch
}

// NewCoordinator builds a Coordinator. clients maps provider name (as
// returned by ModelClient.Provider) to the client that serves it.
func NewCoordinator(s store.Store, rooms Broadcaster, p pricing.Pricing, filter contentfilter.Filter, clients map[string]modelclient.ModelClient, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:   s,
		rooms:   rooms,
		pricing: p,
		filter:  filter,
		clients: clients,
		log:     log.With().Str("component", "generation").Logger(),
		cancels: make(map[string]chan struct{}),
	}
}

// Generate admits and runs req, fanning its branches out concurrently.
// A denied admission is not an error: it emits ai_request_queued and
// returns nil, matching the spec's "caller does not retry automatically".
func (c *Coordinator) Generate(ctx context.Context, req Request) error {
	leadMessageID := ""
	if len(req.Branches) > 0 {
		leadMessageID = req.Branches[0].MessageID
	}
	if !c.rooms.StartAiRequest(req.RoomID, req.RequestingUserID, leadMessageID) {
		c.rooms.Broadcast(req.RoomID, "ai_request_queued", map[string]any{"conversationId": req.ConversationID}, "")
		return nil
	}
	defer c.rooms.EndAiRequest(req.RoomID)

	c.rooms.Broadcast(req.RoomID, "ai_generating", map[string]any{"conversationId": req.ConversationID}, "")

	client, ok := c.clients[req.ModelCapabilities.Provider]
	if !ok {
		return fmt.Errorf("generation: no model client registered for provider %q", req.ModelCapabilities.Provider)
	}

	cancel := make(chan struct{})
	c.mu.Lock()
	c.cancels[req.RoomID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, req.RoomID)
		c.mu.Unlock()
	}()

	systemPrompt := promptcompose.BuildSystemPrompt(promptcompose.Params{
		Participant:   req.Participant,
		Format:        req.Format,
		MessageCount:  len(req.Context),
		Model:         req.ModelCapabilities,
		CLIModePrompt: promptcompose.DefaultCLIModePromptConfig(),
	})

	modelReq := modelclient.Request{
		Model:        req.Model,
		SystemPrompt: systemPrompt,
		Messages:     toModelMessages(req.Context),
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		TopP:         req.TopP,
		TopK:         req.TopK,
	}

	var wg sync.WaitGroup
	for _, target := range req.Branches {
		wg.Add(1)
		go func(target TargetBranch) {
			defer wg.Done()
			c.runBranch(ctx, req, client, modelReq, target, cancel)
		}(target)
	}
	wg.Wait()
	return nil
}

// Abort cancels the in-flight generation in roomID, if any. Callers are
// responsible for checking the requester owns the active slot (via
// room.Registry.ActiveRequest) before calling this; Coordinator itself
// tracks only one cancel signal per room.
func (c *Coordinator) Abort(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.cancels[roomID]
	if !ok {
		return false
	}
	select {
	case <-cancel:
		// already cancelled
	default:
		close(cancel)
	}
	return true
}

func (c *Coordinator) runBranch(ctx context.Context, req Request, client modelclient.ModelClient, modelReq modelclient.Request, target TargetBranch, cancel chan struct{}) {
	var content strings.Builder
	onChunk := func(chunk modelclient.Chunk) {
		if chunk.Text != "" {
			content.WriteString(chunk.Text)
			c.rooms.Broadcast(req.RoomID, "stream", map[string]any{
				"messageId": target.MessageID,
				"branchId":  target.BranchID,
				"content":   chunk.Text,
			}, "")
		}
	}

	usage, err := client.Stream(ctx, modelReq, cancel, onChunk)
	if isCancelled(cancel) {
		c.finishAborted(ctx, req, target, content.String())
		return
	}
	if err != nil {
		classified := aierror.Classify(err.Error())
		aiutil.LoggerFromContext(ctx, &c.log).Warn().Err(err).Str("code", string(classified.Code)).Msg("generation stream failed")
		c.rooms.Broadcast(req.RoomID, "error", map[string]any{
			"code":       classified.Code,
			"message":    classified.Message,
			"suggestion": classified.Suggestion,
		}, "")
		return
	}

	c.finishStream(ctx, req, target, content.String(), usage)
}

func (c *Coordinator) finishAborted(ctx context.Context, req Request, target TargetBranch, partial string) {
	_ = c.store.UpdateMessageContent(ctx, target.MessageID, target.BranchID, partial)
	c.rooms.Broadcast(req.RoomID, "stream", map[string]any{
		"messageId": target.MessageID,
		"branchId":  target.BranchID,
		"aborted":   true,
	}, "")
	c.rooms.Broadcast(req.RoomID, "generation_aborted", map[string]any{
		"conversationId": req.ConversationID,
		"success":        true,
	}, "")
}

func (c *Coordinator) finishStream(ctx context.Context, req Request, target TargetBranch, finalText string, usage modelclient.Usage) {
	final := finalText
	if c.filter != nil {
		verdict, err := c.filter.Evaluate(ctx, finalText)
		if err == nil && verdict.Blocked {
			final = filteredPlaceholder
		}
	}

	if err := c.store.UpdateMessageContent(ctx, target.MessageID, target.BranchID, final); err != nil {
		aiutil.LoggerFromContext(ctx, &c.log).Error().Err(err).Msg("persisting final generation content")
	}
	c.rooms.Broadcast(req.RoomID, "stream", map[string]any{
		"messageId": target.MessageID,
		"branchId":  target.BranchID,
		"content":   final,
		"usage":     usage,
	}, "")

	if c.pricing == nil {
		return
	}
	costMicros, currency, err := c.pricing.Cost(req.Model, pricing.Usage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	})
	if err != nil {
		aiutil.LoggerFromContext(ctx, &c.log).Warn().Err(err).Str("model", req.Model).Msg("pricing not configured, skipping metrics debit")
		c.rooms.Broadcast(req.RoomID, "error", map[string]any{
			"code":    aierror.CodePricingNotConfigred,
			"message": "No pricing is configured for this model; usage could not be recorded.",
		}, "")
		return
	}
	metrics := store.Metrics{
		ConversationID:   req.ConversationID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostMicros:       costMicros,
		Currency:         currency,
	}
	if err := c.store.AddMetrics(ctx, req.ConversationID, metrics); err != nil {
		aiutil.LoggerFromContext(ctx, &c.log).Error().Err(err).Msg("recording metrics")
		return
	}
	c.rooms.Broadcast(req.RoomID, "metrics_update", map[string]any{
		"conversationId": req.ConversationID,
		"metrics":        metrics,
	}, "")
}

func isCancelled(cancel chan struct{}) bool {
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

func toModelMessages(context []ContextMessage) []modelclient.Message {
	out := make([]modelclient.Message, 0, len(context))
	for _, m := range context {
		if m.HiddenFromAi {
			continue
		}
		role := modelclient.RoleUser
		switch m.Role {
		case tree.RoleAssistant:
			role = modelclient.RoleAssistant
		case tree.RoleSystem:
			role = modelclient.RoleSystem
		}
		out = append(out, modelclient.Message{
			Role:    role,
			Content: []modelclient.ContentPart{{Type: modelclient.ContentText, Text: m.Content}},
		})
	}
	return out
}
