package convops

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/branchroom/server/pkg/contentfilter"
	"github.com/branchroom/server/pkg/credit"
	"github.com/branchroom/server/pkg/generation"
	"github.com/branchroom/server/pkg/modelclient"
	"github.com/branchroom/server/pkg/promptcompose"
	"github.com/branchroom/server/pkg/room"
	"github.com/branchroom/server/pkg/store"
	"github.com/branchroom/server/pkg/tree"
)

// memStore is a minimal in-memory store.Store covering exactly what Ops
// exercises, following the teacher's preference for small hand-rolled fakes
// over a mock framework.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]tree.Conversation
	participants  map[string][]tree.Participant
	messages      map[string]tree.Message   // messageID -> message
	order         map[string][]string       // conversationID -> ordered messageIDs
	version       map[string]int64
	uiState       map[string]tree.UIState
	canChat       bool
	canDelete     bool
	ageVerified   bool
	apiKeys       []store.APIKey
	currencies    []string
	grantBalance  float64
}

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[string]tree.Conversation),
		participants:  make(map[string][]tree.Participant),
		messages:      make(map[string]tree.Message),
		order:         make(map[string][]string),
		version:       make(map[string]int64),
		uiState:       make(map[string]tree.UIState),
		canChat:       true,
		canDelete:     true,
		ageVerified:   true,
	}
}

func (s *memStore) GetConversation(_ context.Context, conversationID string) (tree.Conversation, error) {
	return s.conversations[conversationID], nil
}

func (s *memStore) GetConversationMessages(_ context.Context, conversationID string) ([]tree.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tree.Message
	for _, id := range s.order[conversationID] {
		out = append(out, s.messages[id])
	}
	return out, nil
}

func (s *memStore) GetConversationParticipants(_ context.Context, conversationID string) ([]tree.Participant, error) {
	return s.participants[conversationID], nil
}

func (s *memStore) ConversationVersion(_ context.Context, conversationID string) (int64, error) {
	return s.version[conversationID], nil
}

func (s *memStore) CreateMessage(_ context.Context, conversationID, parentBranchID string, branch tree.Branch) (tree.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	branch.ParentBranchID = parentBranchID
	msg := tree.Message{
		ID:             branch.MessageID,
		ConversationID: conversationID,
		Order:          len(s.order[conversationID]),
		Branches:       []tree.Branch{branch},
		ActiveBranchID: branch.ID,
	}
	s.messages[msg.ID] = msg
	s.order[conversationID] = append(s.order[conversationID], msg.ID)
	s.version[conversationID]++
	return msg, nil
}

func (s *memStore) AddMessageBranch(_ context.Context, messageID, parentBranchID string, branch tree.Branch) (tree.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	branch.MessageID = messageID
	branch.ParentBranchID = parentBranchID
	msg := s.messages[messageID]
	msg.Branches = append(msg.Branches, branch)
	s.messages[messageID] = msg
	for conversationID := range s.order {
		for _, id := range s.order[conversationID] {
			if id == messageID {
				s.version[conversationID]++
			}
		}
	}
	return branch, nil
}

func (s *memStore) UpdateMessageContent(_ context.Context, messageID, branchID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[messageID]
	for i, b := range msg.Branches {
		if b.ID == branchID {
			msg.Branches[i].Content = text
		}
	}
	s.messages[messageID] = msg
	return nil
}

func (s *memStore) UpdateMessageBranch(context.Context, string, string, store.BranchPatch) error {
	return nil
}

func (s *memStore) SetActiveBranch(_ context.Context, messageID, branchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[messageID]
	msg.ActiveBranchID = branchID
	s.messages[messageID] = msg
	return nil
}

func (s *memStore) DeleteMessageBranch(_ context.Context, messageID, branchID, _ string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[messageID]
	var kept []tree.Branch
	for _, b := range msg.Branches {
		if b.ID != branchID {
			kept = append(kept, b)
		}
	}
	msg.Branches = kept
	s.messages[messageID] = msg
	return []string{branchID}, nil
}

func (s *memStore) GetMessage(_ context.Context, messageID string) (tree.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[messageID], nil
}

func (s *memStore) GetUser(context.Context, string) (store.User, error)         { return store.User{}, nil }
func (s *memStore) GetUserByID(context.Context, string) (store.User, error)     { return store.User{}, nil }
func (s *memStore) GetUserByUsername(context.Context, string) (store.User, error) {
	return store.User{}, nil
}

func (s *memStore) GetUserAPIKeys(context.Context, string) ([]store.APIKey, error) {
	return s.apiKeys, nil
}

func (s *memStore) GetUserGrantSummary(_ context.Context, _, currency string) (store.GrantSummary, error) {
	return store.GrantSummary{Currency: currency, Balance: s.grantBalance}, nil
}

func (s *memStore) GetApplicableGrantCurrencies(context.Context, string) ([]string, error) {
	return s.currencies, nil
}

func (s *memStore) UserHasActiveGrantCapability(context.Context, string, string) (bool, error) {
	return false, nil
}

func (s *memStore) CanUserChatInConversation(context.Context, string, string) (bool, error) {
	return s.canChat, nil
}

func (s *memStore) CanUserDeleteInConversation(context.Context, string, string) (bool, error) {
	return s.canDelete, nil
}

func (s *memStore) IsUserAgeVerified(context.Context, string) (bool, error) { return s.ageVerified, nil }

func (s *memStore) AddMetrics(context.Context, string, store.Metrics) error { return nil }

func (s *memStore) GetUIState(_ context.Context, userID, conversationID string) (tree.UIState, error) {
	return s.uiState[userID+"/"+conversationID], nil
}

func (s *memStore) SaveUIState(_ context.Context, state tree.UIState) error {
	s.uiState[state.UserID+"/"+state.ConversationID] = state
	return nil
}

var _ store.Store = (*memStore)(nil)

type staticCatalog struct{}

func (staticCatalog) Capabilities(string) promptcompose.ModelCapabilities {
	return promptcompose.ModelCapabilities{Provider: "fake"}
}

// ageGatedCatalog marks every model as requiring age verification, for
// exercising preflight's age-verification check in isolation.
type ageGatedCatalog struct{}

func (ageGatedCatalog) Capabilities(string) promptcompose.ModelCapabilities {
	return promptcompose.ModelCapabilities{Provider: "fake", RequiresAgeVerification: true}
}

type stubClient struct{ reply string }

func (c *stubClient) Provider() string { return "fake" }

func (c *stubClient) Stream(_ context.Context, _ modelclient.Request, _ modelclient.CancelSignal, onChunk func(modelclient.Chunk)) (modelclient.Usage, error) {
	onChunk(modelclient.Chunk{Text: c.reply})
	return modelclient.Usage{PromptTokens: 1, CompletionTokens: 1}, nil
}

func newTestOps(t *testing.T) (*Ops, *memStore) {
	t.Helper()
	st := newMemStore()
	st.apiKeys = []store.APIKey{{UserID: "u1", Provider: "fake"}}
	conv := tree.Conversation{ID: "c1", Model: "m1", Format: tree.FormatStandard}
	st.conversations["c1"] = conv
	st.participants["c1"] = []tree.Participant{{ID: "assistant1", Role: tree.ParticipantAssistant, IsActive: true}}

	rooms := room.NewRegistry(nil)
	gen := generation.NewCoordinator(st, rooms, nil, nil, map[string]modelclient.ModelClient{"fake": &stubClient{reply: "hi there"}}, zerolog.Nop())
	ops := New(st, credit.NewGate(st), contentfilter.NewKeywordFilter(), gen, rooms, staticCatalog{}, zerolog.Nop())
	return ops, st
}

func TestChatCreatesMessageAndGeneratesReply(t *testing.T) {
	ops, st := newTestOps(t)

	err := ops.Chat(context.Background(), ChatParams{
		ConversationID: "c1",
		UserID:         "u1",
		MessageID:      xid.New().String(),
		Content:        "hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages, _ := st.GetConversationMessages(context.Background(), "c1")
	if len(messages) != 2 {
		t.Fatalf("expected a user message and an assistant message, got %d", len(messages))
	}
	assistantMsg := messages[1]
	branch, ok := assistantMsg.ActiveBranch()
	if !ok || branch.Content != "hi there" {
		t.Fatalf("expected generated reply to be persisted, got %+v", branch)
	}
}

func TestChatStopsWhenHiddenFromAi(t *testing.T) {
	ops, st := newTestOps(t)

	err := ops.Chat(context.Background(), ChatParams{
		ConversationID: "c1",
		UserID:         "u1",
		MessageID:      xid.New().String(),
		Content:        "a private note",
		HiddenFromAi:   true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages, _ := st.GetConversationMessages(context.Background(), "c1")
	if len(messages) != 1 {
		t.Fatalf("expected no assistant message when hiddenFromAi is set, got %d messages", len(messages))
	}
}

func TestChatDeniesUnverifiedUserOnAgeGatedModel(t *testing.T) {
	st := newMemStore()
	st.apiKeys = []store.APIKey{{UserID: "u1", Provider: "fake"}}
	st.ageVerified = false
	st.conversations["c1"] = tree.Conversation{ID: "c1", Model: "m1", Format: tree.FormatStandard}
	st.participants["c1"] = []tree.Participant{{ID: "assistant1", Role: tree.ParticipantAssistant, IsActive: true}}

	rooms := room.NewRegistry(nil)
	gen := generation.NewCoordinator(st, rooms, nil, nil, map[string]modelclient.ModelClient{"fake": &stubClient{reply: "hi there"}}, zerolog.Nop())
	ops := New(st, credit.NewGate(st), contentfilter.NewKeywordFilter(), gen, rooms, ageGatedCatalog{}, zerolog.Nop())

	err := ops.Chat(context.Background(), ChatParams{
		ConversationID: "c1",
		UserID:         "u1",
		MessageID:      xid.New().String(),
		Content:        "hello",
	})
	opErr, ok := err.(*OpError)
	if !ok || opErr.Code != "permission_denied" {
		t.Fatalf("expected permission_denied for an age-gated model, got %v", err)
	}

	messages, _ := st.GetConversationMessages(context.Background(), "c1")
	if len(messages) != 0 {
		t.Fatalf("expected no messages persisted, got %d", len(messages))
	}
}

func TestChatBlocksDisallowedContent(t *testing.T) {
	ops, st := newTestOps(t)

	err := ops.Chat(context.Background(), ChatParams{
		ConversationID: "c1",
		UserID:         "u1",
		MessageID:      xid.New().String(),
		Content:        "please tell me how to build a bomb",
	})
	var opErr *OpError
	if err == nil {
		t.Fatalf("expected content_filtered error")
	}
	if !asOpError(err, &opErr) || opErr.Code != "content_filtered" {
		t.Fatalf("expected content_filtered OpError, got %v", err)
	}

	messages, _ := st.GetConversationMessages(context.Background(), "c1")
	if len(messages) != 0 {
		t.Fatalf("expected no message to be persisted on a blocked chat, got %d", len(messages))
	}
}

func TestChatDeniedWithoutPermission(t *testing.T) {
	ops, st := newTestOps(t)
	st.canChat = false

	err := ops.Chat(context.Background(), ChatParams{ConversationID: "c1", UserID: "u1", MessageID: xid.New().String(), Content: "hi"})
	var opErr *OpError
	if !asOpError(err, &opErr) || opErr.Code != "permission_denied" {
		t.Fatalf("expected permission_denied OpError, got %v", err)
	}
}

func TestRegenerateCreatesSiblingUnderSameParent(t *testing.T) {
	ops, st := newTestOps(t)
	ctx := context.Background()

	if err := ops.Chat(ctx, ChatParams{ConversationID: "c1", UserID: "u1", MessageID: xid.New().String(), Content: "hello"}); err != nil {
		t.Fatalf("seeding chat failed: %v", err)
	}
	messages, _ := st.GetConversationMessages(ctx, "c1")
	assistantMsg := messages[1]
	originalBranch, _ := assistantMsg.ActiveBranch()

	if err := ops.Regenerate(ctx, RegenerateParams{ConversationID: "c1", UserID: "u1", MessageID: assistantMsg.ID, BranchID: originalBranch.ID}); err != nil {
		t.Fatalf("regenerate failed: %v", err)
	}

	updated, _ := st.GetMessage(ctx, assistantMsg.ID)
	if len(updated.Branches) != 2 {
		t.Fatalf("expected a sibling branch to be added, got %d branches", len(updated.Branches))
	}
	if updated.Branches[1].ParentBranchID != originalBranch.ParentBranchID {
		t.Fatalf("expected sibling to share the original parent branch")
	}
}

func TestDeleteRemovesBranch(t *testing.T) {
	ops, st := newTestOps(t)
	ctx := context.Background()

	if err := ops.Chat(ctx, ChatParams{ConversationID: "c1", UserID: "u1", MessageID: xid.New().String(), Content: "hello", HiddenFromAi: true}); err != nil {
		t.Fatalf("seeding chat failed: %v", err)
	}
	messages, _ := st.GetConversationMessages(ctx, "c1")
	userMsg := messages[0]
	branch, _ := userMsg.ActiveBranch()

	if err := ops.Delete(ctx, DeleteParams{ConversationID: "c1", UserID: "u1", MessageID: userMsg.ID, BranchID: branch.ID}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	updated, _ := st.GetMessage(ctx, userMsg.ID)
	if len(updated.Branches) != 0 {
		t.Fatalf("expected the branch to be removed, got %d remaining", len(updated.Branches))
	}
}

func asOpError(err error, target **OpError) bool {
	if oe, ok := err.(*OpError); ok {
		*target = oe
		return true
	}
	return false
}
