// Package convops implements the conversation-mutating operations a client
// frame drives (spec §4.6): chat, continue, regenerate, edit, delete. Each
// is a staged procedure — preflight checks, branch placement, persistence,
// broadcast, then an optional handoff into pkg/generation. Grounded on the
// teacher's handleai.go, which runs the equivalent preflight/placement/
// generate pipeline for a single Matrix room turn; generalized here to the
// branching-tree placement rules the spec defines and to N-way
// samplingBranches fan-out.
package convops

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/branchroom/server/pkg/aiutil"
	"github.com/branchroom/server/pkg/contentfilter"
	"github.com/branchroom/server/pkg/credit"
	"github.com/branchroom/server/pkg/generation"
	"github.com/branchroom/server/pkg/promptcompose"
	"github.com/branchroom/server/pkg/room"
	"github.com/branchroom/server/pkg/store"
	"github.com/branchroom/server/pkg/tree"
)

// OpError is a classified failure from a conversation operation, letting
// the transport layer map it to the right error frame code without string
// matching.
type OpError struct {
	Code    string
	Message string
}

func (e *OpError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newOpError(code, message string) error { return &OpError{Code: code, Message: message} }

// ModelCatalog resolves a model id to the capabilities GenerationCoordinator
// and SystemPromptComposer need; kept as a narrow interface so Ops doesn't
// depend on a specific catalog implementation.
type ModelCatalog interface {
	Capabilities(model string) promptcompose.ModelCapabilities
}

// Ops implements every ConversationOps operation.
type Ops struct {
	store   store.Store
	cache   *tree.ProjectionCache
	credit  *credit.Gate
	filter  contentfilter.Filter
	gen     *generation.Coordinator
	rooms   *room.Registry
	models  ModelCatalog
	log     zerolog.Logger
}

// New builds an Ops.
func New(s store.Store, credit *credit.Gate, filter contentfilter.Filter, gen *generation.Coordinator, rooms *room.Registry, models ModelCatalog, log zerolog.Logger) *Ops {
	return &Ops{
		store:  s,
		cache:  tree.NewProjectionCache(),
		credit: credit,
		filter: filter,
		gen:    gen,
		rooms:  rooms,
		models: models,
		log:    log.With().Str("component", "convops").Logger(),
	}
}

// ChatParams is the payload of an inbound `chat` frame.
type ChatParams struct {
	ConversationID   string
	UserID           string
	MessageID        string
	Content          string
	ParentBranchID   string
	ParticipantID    string
	ResponderID      string
	Attachments      []tree.Attachment
	HiddenFromAi     bool
	SamplingBranches int
}

// Chat creates a user-role branch, then (unless hiddenFromAi or the
// responder cannot yet be resolved) hands off to generation.
func (o *Ops) Chat(ctx context.Context, p ChatParams) error {
	conv, err := o.preflight(ctx, p.ConversationID, p.UserID, false, p.Content)
	if err != nil {
		return err
	}

	parentBranchID, err := o.resolveParent(ctx, p.ConversationID, p.UserID, p.ParentBranchID)
	if err != nil {
		return err
	}

	userBranch := tree.Branch{
		ID:             uuid.New().String(),
		ParentBranchID: parentBranchID,
		Content:        p.Content,
		Role:           tree.RoleUser,
		ParticipantID:  p.ParticipantID,
		HiddenFromAi:   p.HiddenFromAi,
		Attachments:    p.Attachments,
	}
	msg, err := o.placeBranch(ctx, p.ConversationID, p.MessageID, parentBranchID, []tree.Branch{userBranch})
	if err != nil {
		return err
	}
	o.rooms.Broadcast(p.ConversationID, "message_created", map[string]any{"messageId": msg.ID, "branchId": userBranch.ID}, "")

	if p.HiddenFromAi {
		return nil
	}

	participants, err := o.store.GetConversationParticipants(ctx, p.ConversationID)
	if err != nil {
		return fmt.Errorf("convops: loading participants: %w", err)
	}

	var responder *tree.Participant
	switch conv.Format {
	case tree.FormatStandard:
		responder = firstActiveAssistant(participants)
	case tree.FormatPrefill:
		if p.ResponderID == "" {
			return nil
		}
		responder = findParticipant(participants, p.ResponderID)
		if responder == nil {
			return newOpError("not_found", "responder not found")
		}
	}
	if responder == nil {
		return nil
	}

	return o.generate(ctx, p.ConversationID, p.UserID, conv, *responder, userBranch.ID, samplingCount(p.SamplingBranches))
}

// ContinueParams is the payload of an inbound `continue` frame.
type ContinueParams struct {
	ConversationID   string
	UserID           string
	MessageID        string
	ParentBranchID   string
	ResponderID      string
	SamplingBranches int
}

// Continue appends a new assistant branch continuing from the chosen
// point.
func (o *Ops) Continue(ctx context.Context, p ContinueParams) error {
	conv, err := o.preflight(ctx, p.ConversationID, p.UserID, false, "")
	if err != nil {
		return err
	}

	parentBranchID, err := o.resolveParent(ctx, p.ConversationID, p.UserID, p.ParentBranchID)
	if err != nil {
		return err
	}

	participants, err := o.store.GetConversationParticipants(ctx, p.ConversationID)
	if err != nil {
		return fmt.Errorf("convops: loading participants: %w", err)
	}

	var responder *tree.Participant
	switch conv.Format {
	case tree.FormatStandard:
		responder = firstActiveAssistant(participants)
	case tree.FormatPrefill:
		if p.ResponderID != "" {
			responder = findParticipant(participants, p.ResponderID)
		}
		if responder == nil {
			responder = firstActiveAssistant(participants)
		}
	}
	if responder == nil {
		return newOpError("not_found", "no assistant participant available")
	}

	return o.generate(ctx, p.ConversationID, p.UserID, conv, *responder, parentBranchID, samplingCount(p.SamplingBranches))
}

// RegenerateParams is the payload of an inbound `regenerate` frame.
type RegenerateParams struct {
	ConversationID   string
	UserID           string
	MessageID        string
	BranchID         string
	ParentBranchID   string
	SamplingBranches int
}

// Regenerate creates a sibling of an existing assistant branch and runs
// generation into it.
func (o *Ops) Regenerate(ctx context.Context, p RegenerateParams) error {
	conv, err := o.preflight(ctx, p.ConversationID, p.UserID, false, "")
	if err != nil {
		return err
	}

	original, err := o.findBranch(ctx, p.MessageID, p.BranchID)
	if err != nil {
		return err
	}

	parentBranchID := p.ParentBranchID
	if parentBranchID == "" {
		parentBranchID = original.ParentBranchID
	}

	participants, err := o.store.GetConversationParticipants(ctx, p.ConversationID)
	if err != nil {
		return fmt.Errorf("convops: loading participants: %w", err)
	}
	responder := findParticipant(participants, original.ParticipantID)
	if responder == nil {
		responder = firstActiveAssistant(participants)
	}
	if responder == nil {
		return newOpError("not_found", "no assistant participant available")
	}

	return o.generate(ctx, p.ConversationID, p.UserID, conv, *responder, parentBranchID, samplingCount(p.SamplingBranches))
}

// EditParams is the payload of an inbound `edit` frame.
type EditParams struct {
	ConversationID   string
	UserID           string
	MessageID        string
	BranchID         string
	Content          string
	ResponderID      string
	SkipRegeneration bool
	SamplingBranches int
}

// Edit creates a sibling of the target branch with new content, then
// either stops or regenerates the follow-up message.
func (o *Ops) Edit(ctx context.Context, p EditParams) error {
	conv, err := o.preflight(ctx, p.ConversationID, p.UserID, false, p.Content)
	if err != nil {
		return err
	}

	target, err := o.findBranch(ctx, p.MessageID, p.BranchID)
	if err != nil {
		return err
	}

	edited := target
	edited.ID = uuid.New().String()
	edited.Content = p.Content
	newBranch, err := o.store.AddMessageBranch(ctx, p.MessageID, target.ParentBranchID, edited)
	if err != nil {
		return fmt.Errorf("convops: adding edited branch: %w", err)
	}
	if err := o.store.SetActiveBranch(ctx, p.MessageID, newBranch.ID); err != nil {
		return fmt.Errorf("convops: activating edited branch: %w", err)
	}
	o.cache.Invalidate(p.ConversationID)
	o.rooms.Broadcast(p.ConversationID, "message_edited", map[string]any{"messageId": p.MessageID, "branchId": newBranch.ID}, "")

	if target.Role == tree.RoleAssistant || p.SkipRegeneration {
		return nil
	}

	participants, err := o.store.GetConversationParticipants(ctx, p.ConversationID)
	if err != nil {
		return fmt.Errorf("convops: loading participants: %w", err)
	}
	var responder *tree.Participant
	if p.ResponderID != "" {
		responder = findParticipant(participants, p.ResponderID)
	}
	if responder == nil {
		responder = firstActiveAssistant(participants)
	}
	if responder == nil {
		return nil
	}

	return o.generate(ctx, p.ConversationID, p.UserID, conv, *responder, newBranch.ID, samplingCount(p.SamplingBranches))
}

// DeleteParams is the payload of an inbound `delete` frame.
type DeleteParams struct {
	ConversationID string
	UserID         string
	MessageID      string
	BranchID       string
}

// Delete removes a branch (and its message, if it was the only branch),
// cascading to any descendants.
func (o *Ops) Delete(ctx context.Context, p DeleteParams) error {
	if _, err := o.preflight(ctx, p.ConversationID, p.UserID, true, ""); err != nil {
		return err
	}

	deletedBranches, err := o.store.DeleteMessageBranch(ctx, p.MessageID, p.BranchID, p.UserID)
	if err != nil {
		return fmt.Errorf("convops: deleting branch: %w", err)
	}
	o.cache.Invalidate(p.ConversationID)
	o.rooms.Broadcast(p.ConversationID, "message_deleted", map[string]any{
		"messageId":       p.MessageID,
		"branchId":        p.BranchID,
		"deletedMessages": deletedBranches,
	}, "")
	return nil
}

// Abort cancels userID's in-flight generation in conversationID, if any
// (spec §4.3's `abort` frame, §4.8's cancellation). It reports whether a
// matching generation was actually cancelled; an abort naming a room with
// no active request, or one owned by a different user, reports false
// without effect.
func (o *Ops) Abort(conversationID, userID string) bool {
	active, ok := o.rooms.ActiveRequest(conversationID)
	if !ok || active.UserID != userID {
		return false
	}
	return o.gen.Abort(conversationID)
}

// --- shared helpers ---

func (o *Ops) preflight(ctx context.Context, conversationID, userID string, forDelete bool, userText string) (tree.Conversation, error) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return tree.Conversation{}, newOpError("not_found", "conversation not found")
	}

	var allowed bool
	if forDelete {
		allowed, err = o.store.CanUserDeleteInConversation(ctx, userID, conversationID)
	} else {
		allowed, err = o.store.CanUserChatInConversation(ctx, userID, conversationID)
	}
	if err != nil {
		return tree.Conversation{}, fmt.Errorf("convops: checking permission: %w", err)
	}
	if !allowed {
		return tree.Conversation{}, newOpError("permission_denied", "user may not act on this conversation")
	}

	if o.models.Capabilities(conv.Model).RequiresAgeVerification {
		verified, err := o.store.IsUserAgeVerified(ctx, userID)
		if err != nil {
			return tree.Conversation{}, fmt.Errorf("convops: checking age verification: %w", err)
		}
		if !verified {
			return tree.Conversation{}, newOpError("permission_denied", "this model requires age verification")
		}
	}

	if userText != "" && o.filter != nil {
		verdict, err := o.filter.Evaluate(ctx, userText)
		if err != nil {
			return tree.Conversation{}, fmt.Errorf("convops: running content filter: %w", err)
		}
		if verdict.Blocked {
			o.rooms.Broadcast(conversationID, "content_blocked", map[string]any{
				"reason":     verdict.Reason,
				"categories": verdict.Categories,
			}, "")
			return tree.Conversation{}, newOpError("content_filtered", verdict.Reason)
		}
	}

	return conv, nil
}

// resolveParent implements the branch-placement parent rule shared by
// chat/continue/regenerate/edit: explicit parentBranchId wins; otherwise
// the last branch of the viewer's visible path (root if the tree is
// empty).
func (o *Ops) resolveParent(ctx context.Context, conversationID, userID, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	path, err := o.visiblePath(ctx, conversationID, userID)
	if err != nil {
		return "", err
	}
	if len(path) == 0 {
		return tree.RootParentID, nil
	}
	last := path[len(path)-1]
	branch, ok := last.ActiveBranch()
	if !ok {
		return tree.RootParentID, nil
	}
	return branch.ID, nil
}

func (o *Ops) visiblePath(ctx context.Context, conversationID, userID string) ([]tree.Message, error) {
	version, err := o.store.ConversationVersion(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("convops: reading conversation version: %w", err)
	}
	uiState, err := o.store.GetUIState(ctx, userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("convops: reading ui state: %w", err)
	}
	build := func() tree.Snapshot {
		messages, err := o.store.GetConversationMessages(ctx, conversationID)
		if err != nil {
			aiutil.LoggerFromContext(ctx, &o.log).Error().Err(err).Msg("loading conversation messages for projection")
		}
		return tree.Snapshot{
			Messages:   messages,
			ViewerID:   userID,
			Detached:   uiState.DetachedBranch,
			IsDetached: uiState.IsDetached,
		}
	}
	return o.cache.Get(conversationID, userID, version, build), nil
}

// placeBranch implements the shared sibling-or-new-message rule: if a
// message already exists whose branches share parentBranchID, the branches
// are appended to it; otherwise a new message is created.
func (o *Ops) placeBranch(ctx context.Context, conversationID, messageID, parentBranchID string, branches []tree.Branch) (tree.Message, error) {
	existing, found, err := o.findMessageByParent(ctx, conversationID, parentBranchID)
	if err != nil {
		return tree.Message{}, err
	}

	if found {
		var last tree.Branch
		for _, b := range branches {
			b.MessageID = existing.ID
			added, err := o.store.AddMessageBranch(ctx, existing.ID, parentBranchID, b)
			if err != nil {
				return tree.Message{}, fmt.Errorf("convops: appending sibling branch: %w", err)
			}
			last = added
		}
		if err := o.store.SetActiveBranch(ctx, existing.ID, last.ID); err != nil {
			return tree.Message{}, fmt.Errorf("convops: activating new branch: %w", err)
		}
		o.cache.Invalidate(conversationID)
		return o.store.GetMessage(ctx, existing.ID)
	}

	first := branches[0]
	first.ID = nonEmpty(first.ID, uuid.New().String())
	first.MessageID = nonEmpty(messageID, uuid.New().String())
	msg, err := o.store.CreateMessage(ctx, conversationID, parentBranchID, first)
	if err != nil {
		return tree.Message{}, fmt.Errorf("convops: creating message: %w", err)
	}
	for _, b := range branches[1:] {
		b.MessageID = msg.ID
		if _, err := o.store.AddMessageBranch(ctx, msg.ID, parentBranchID, b); err != nil {
			return tree.Message{}, fmt.Errorf("convops: appending additional branch: %w", err)
		}
	}
	o.cache.Invalidate(conversationID)
	return o.store.GetMessage(ctx, msg.ID)
}

func (o *Ops) findMessageByParent(ctx context.Context, conversationID, parentBranchID string) (tree.Message, bool, error) {
	messages, err := o.store.GetConversationMessages(ctx, conversationID)
	if err != nil {
		return tree.Message{}, false, fmt.Errorf("convops: loading messages: %w", err)
	}
	for _, m := range messages {
		if len(m.Branches) > 0 && m.Branches[0].ParentBranchID == parentBranchID {
			return m, true, nil
		}
	}
	return tree.Message{}, false, nil
}

func (o *Ops) findBranch(ctx context.Context, messageID, branchID string) (tree.Branch, error) {
	msg, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return tree.Branch{}, newOpError("not_found", "message not found")
	}
	branch, ok := msg.Branch(branchID)
	if !ok {
		return tree.Branch{}, newOpError("not_found", "branch not found")
	}
	return branch, nil
}

// generate checks credit admission then hands off to
// generation.Coordinator, creating `count` sibling assistant branches at
// parentBranchID for it to stream into.
func (o *Ops) generate(ctx context.Context, conversationID, userID string, conv tree.Conversation, responder tree.Participant, parentBranchID string, count int) error {
	caps := o.models.Capabilities(conv.Model)
	decision, err := o.credit.Allowed(ctx, userID, caps.Provider, conv.Model)
	if err != nil {
		return fmt.Errorf("convops: checking credit: %w", err)
	}
	if !decision.Allowed {
		return newOpError("insufficient_credits", "no credential, capability, or grant balance available for this model")
	}

	branches := make([]tree.Branch, count)
	for i := range branches {
		branches[i] = tree.Branch{
			ParentBranchID: parentBranchID,
			Role:           tree.RoleAssistant,
			ParticipantID:  responder.ID,
			Model:          conv.Model,
		}
	}
	msg, err := o.placeBranch(ctx, conversationID, "", parentBranchID, branches)
	if err != nil {
		return err
	}
	o.rooms.Broadcast(conversationID, "message_created", map[string]any{"messageId": msg.ID}, "")

	path, err := o.visiblePath(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	contextMessages := toContextMessages(path)

	targets := make([]generation.TargetBranch, len(msg.Branches))
	for i, b := range msg.Branches {
		targets[i] = generation.TargetBranch{MessageID: msg.ID, BranchID: b.ID}
	}

	temperature := conv.Settings.Temperature
	req := generation.Request{
		RoomID:            conversationID,
		ConversationID:    conversationID,
		RequestingUserID:  userID,
		Participant:       responder,
		Format:            conv.Format,
		Model:             conv.Model,
		ModelCapabilities: caps,
		Temperature:       &temperature,
		TopP:              conv.Settings.TopP,
		TopK:              conv.Settings.TopK,
		Context:           contextMessages,
		Branches:          targets,
	}
	if conv.Settings.MaxTokens != 0 {
		maxTokens := conv.Settings.MaxTokens
		req.MaxTokens = &maxTokens
	}
	return o.gen.Generate(ctx, req)
}

func toContextMessages(path []tree.Message) []generation.ContextMessage {
	out := make([]generation.ContextMessage, 0, len(path))
	for _, m := range path {
		branch, ok := m.ActiveBranch()
		if !ok {
			continue
		}
		out = append(out, generation.ContextMessage{
			Role:         branch.Role,
			Content:      branch.Content,
			HiddenFromAi: branch.HiddenFromAi,
		})
	}
	return out
}

func firstActiveAssistant(participants []tree.Participant) *tree.Participant {
	for i := range participants {
		if participants[i].Role == tree.ParticipantAssistant && participants[i].IsActive {
			return &participants[i]
		}
	}
	return nil
}

func findParticipant(participants []tree.Participant, id string) *tree.Participant {
	for i := range participants {
		if participants[i].ID == id {
			return &participants[i]
		}
	}
	return nil
}

func samplingCount(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
