// Package store declares the durable Store interface this core depends on
// (spec §6): messages, conversations, participants, users, permissions,
// grant balances, and per-user UI state. It is treated as an opaque
// transactional repository; pkg/store/sqlitestore provides one concrete
// implementation.
package store

import (
	"context"

	"github.com/branchroom/server/pkg/tree"
)

// User is the minimal user record the core needs to read.
type User struct {
	ID          string
	Username    string
	Email       string
	DisplayName string
}

// APIKey records that a user has their own credential for a provider.
type APIKey struct {
	UserID   string
	Provider string
}

// GrantSummary is a user's balance in one currency.
type GrantSummary struct {
	Currency string
	Balance  float64
}

// Store is the durable repository this core reads and writes through. Every
// method may fail independently; callers must not assume cross-call
// transactionality beyond what a single logical mutation documents.
type Store interface {
	GetConversation(ctx context.Context, conversationID string) (tree.Conversation, error)
	GetConversationMessages(ctx context.Context, conversationID string) ([]tree.Message, error)
	GetConversationParticipants(ctx context.Context, conversationID string) ([]tree.Participant, error)
	ConversationVersion(ctx context.Context, conversationID string) (int64, error)

	CreateMessage(ctx context.Context, conversationID string, parentBranchID string, branch tree.Branch) (tree.Message, error)
	AddMessageBranch(ctx context.Context, messageID string, parentBranchID string, branch tree.Branch) (tree.Branch, error)
	UpdateMessageContent(ctx context.Context, messageID, branchID, text string) error
	UpdateMessageBranch(ctx context.Context, messageID, branchID string, patch BranchPatch) error
	SetActiveBranch(ctx context.Context, messageID, branchID string) error
	DeleteMessageBranch(ctx context.Context, messageID, branchID, actingUserID string) ([]string, error)

	GetMessage(ctx context.Context, messageID string) (tree.Message, error)

	GetUser(ctx context.Context, username string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)

	GetUserAPIKeys(ctx context.Context, userID string) ([]APIKey, error)
	GetUserGrantSummary(ctx context.Context, userID, currency string) (GrantSummary, error)
	GetApplicableGrantCurrencies(ctx context.Context, model string) ([]string, error)
	UserHasActiveGrantCapability(ctx context.Context, userID, capability string) (bool, error)

	CanUserChatInConversation(ctx context.Context, userID, conversationID string) (bool, error)
	CanUserDeleteInConversation(ctx context.Context, userID, conversationID string) (bool, error)
	IsUserAgeVerified(ctx context.Context, userID string) (bool, error)

	AddMetrics(ctx context.Context, conversationID string, metrics Metrics) error

	GetUIState(ctx context.Context, userID, conversationID string) (tree.UIState, error)
	SaveUIState(ctx context.Context, state tree.UIState) error
}

// BranchPatch is a partial update to branch metadata (content, contentBlocks,
// model stamp, or the hiddenFromAi flag); zero-value fields are left alone by
// convention in the concrete implementation's column-level diffing.
type BranchPatch struct {
	Content       *string
	ContentBlocks []tree.ContentBlock
	Model         *string
	HiddenFromAi  *bool
}

// Metrics is one generation's cost/usage record, stored through AddMetrics
// and broadcast as `metrics_update`. sqlitestore's AddMetrics inserts the
// record only; no grant balance is changed by it.
type Metrics struct {
	ConversationID   string
	PromptTokens     int
	CompletionTokens int
	CostMicros       int64
	Currency         string
}
