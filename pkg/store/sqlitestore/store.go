package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/branchroom/server/pkg/store"
	"github.com/branchroom/server/pkg/tree"
)

// Store implements pkg/store.Store on top of a dbutil.Database.
type Store struct {
	db *dbutil.Database
}

// New wraps an already-opened, already-migrated database.
func New(db *dbutil.Database) *Store {
	return &Store{db: db}
}

func unixNow() int64 { return time.Now().UnixMilli() }

func fromUnixMilli(ms int64) time.Time { return time.UnixMilli(ms) }

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func unmarshalJSON[T any](s string, out *T) {
	if s == "" {
		return
	}
	_ = json.Unmarshal([]byte(s), out)
}

// --- Conversations ---

func (s *Store) GetConversation(ctx context.Context, conversationID string) (tree.Conversation, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, owner_id, title, model, format, settings_json, archived, created_at, updated_at
		 FROM conversations WHERE id=$1`, conversationID)

	var c tree.Conversation
	var archived int
	var settingsJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Model, &c.Format, &settingsJSON, &archived, &createdAt, &updatedAt); err != nil {
		return tree.Conversation{}, fmt.Errorf("sqlitestore: get conversation: %w", err)
	}
	unmarshalJSON(settingsJSON, &c.Settings)
	c.Archived = archived != 0
	c.CreatedAt = fromUnixMilli(createdAt)
	c.UpdatedAt = fromUnixMilli(updatedAt)
	return c, nil
}

func (s *Store) ConversationVersion(ctx context.Context, conversationID string) (int64, error) {
	row := s.db.QueryRow(ctx, `SELECT version FROM conversations WHERE id=$1`, conversationID)
	var version int64
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("sqlitestore: conversation version: %w", err)
	}
	return version, nil
}

func (s *Store) bumpVersion(ctx context.Context, conversationID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE conversations SET version = version + 1, updated_at=$2 WHERE id=$1`,
		conversationID, unixNow())
	return err
}

func (s *Store) GetConversationParticipants(ctx context.Context, conversationID string) ([]tree.Participant, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, conversation_id, name, role, model, system_prompt, has_system_prompt, mode, has_mode, is_active, settings_json
		 FROM participants WHERE conversation_id=$1`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get participants: %w", err)
	}
	defer rows.Close()

	var out []tree.Participant
	for rows.Next() {
		var p tree.Participant
		var hasSystemPrompt, hasMode, isActive int
		var settingsJSON string
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.Name, &p.Role, &p.Model, &p.SystemPrompt,
			&hasSystemPrompt, &p.Mode, &hasMode, &isActive, &settingsJSON); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan participant: %w", err)
		}
		unmarshalJSON(settingsJSON, &p.Settings)
		p.HasSystemPrompt = hasSystemPrompt != 0
		p.HasMode = hasMode != 0
		p.IsActive = isActive != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Messages and branches ---

func (s *Store) GetConversationMessages(ctx context.Context, conversationID string) ([]tree.Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, order_idx, active_branch_id FROM messages WHERE conversation_id=$1 ORDER BY order_idx`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get messages: %w", err)
	}
	defer rows.Close()

	var messages []tree.Message
	for rows.Next() {
		var m tree.Message
		if err := rows.Scan(&m.ID, &m.Order, &m.ActiveBranchID); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan message: %w", err)
		}
		m.ConversationID = conversationID
		branches, err := s.branchesForMessage(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		m.Branches = branches
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) branchesForMessage(ctx context.Context, messageID string) ([]tree.Branch, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, message_id, parent_branch_id, content, content_blocks_json, role, participant_id,
		        model, hidden_from_ai, private_to_user_id, created_at, attachments_json
		 FROM branches WHERE message_id=$1 ORDER BY created_at`, messageID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get branches: %w", err)
	}
	defer rows.Close()

	var out []tree.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBranch(row rowScanner) (tree.Branch, error) {
	var b tree.Branch
	var contentBlocksJSON, attachmentsJSON string
	var hidden int
	var createdAt int64
	if err := row.Scan(&b.ID, &b.MessageID, &b.ParentBranchID, &b.Content, &contentBlocksJSON, &b.Role,
		&b.ParticipantID, &b.Model, &hidden, &b.PrivateToUserID, &createdAt, &attachmentsJSON); err != nil {
		return tree.Branch{}, fmt.Errorf("sqlitestore: scan branch: %w", err)
	}
	unmarshalJSON(contentBlocksJSON, &b.ContentBlocks)
	unmarshalJSON(attachmentsJSON, &b.Attachments)
	b.HiddenFromAi = hidden != 0
	b.CreatedAt = fromUnixMilli(createdAt)
	return b, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (tree.Message, error) {
	row := s.db.QueryRow(ctx, `SELECT id, conversation_id, order_idx, active_branch_id FROM messages WHERE id=$1`, messageID)
	var m tree.Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Order, &m.ActiveBranchID); err != nil {
		return tree.Message{}, fmt.Errorf("sqlitestore: get message: %w", err)
	}
	branches, err := s.branchesForMessage(ctx, m.ID)
	if err != nil {
		return tree.Message{}, err
	}
	m.Branches = branches
	return m, nil
}

func (s *Store) CreateMessage(ctx context.Context, conversationID string, parentBranchID string, branch tree.Branch) (tree.Message, error) {
	messages, err := s.GetConversationMessages(ctx, conversationID)
	if err != nil {
		return tree.Message{}, err
	}
	nextOrder := len(messages)

	branch.ParentBranchID = parentBranchID
	branch.CreatedAt = time.Now()

	_, err = s.db.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, order_idx, active_branch_id) VALUES ($1, $2, $3, $4)`,
		branch.MessageID, conversationID, nextOrder, branch.ID)
	if err != nil {
		return tree.Message{}, fmt.Errorf("sqlitestore: insert message: %w", err)
	}
	if err := s.insertBranch(ctx, branch); err != nil {
		return tree.Message{}, err
	}
	if err := s.bumpVersion(ctx, conversationID); err != nil {
		return tree.Message{}, err
	}

	return tree.Message{
		ID:             branch.MessageID,
		ConversationID: conversationID,
		Order:          nextOrder,
		Branches:       []tree.Branch{branch},
		ActiveBranchID: branch.ID,
	}, nil
}

func (s *Store) insertBranch(ctx context.Context, b tree.Branch) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO branches (id, message_id, parent_branch_id, content, content_blocks_json, role,
		        participant_id, model, hidden_from_ai, private_to_user_id, created_at, attachments_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.MessageID, b.ParentBranchID, b.Content, marshalJSON(b.ContentBlocks), b.Role,
		b.ParticipantID, b.Model, boolToInt(b.HiddenFromAi), b.PrivateToUserID, b.CreatedAt.UnixMilli(),
		marshalJSON(b.Attachments))
	if err != nil {
		return fmt.Errorf("sqlitestore: insert branch: %w", err)
	}
	return nil
}

func (s *Store) AddMessageBranch(ctx context.Context, messageID string, parentBranchID string, branch tree.Branch) (tree.Branch, error) {
	branch.MessageID = messageID
	branch.ParentBranchID = parentBranchID
	branch.CreatedAt = time.Now()

	if err := s.insertBranch(ctx, branch); err != nil {
		return tree.Branch{}, err
	}

	convID, err := s.conversationIDForMessage(ctx, messageID)
	if err != nil {
		return tree.Branch{}, err
	}
	if err := s.bumpVersion(ctx, convID); err != nil {
		return tree.Branch{}, err
	}
	return branch, nil
}

func (s *Store) conversationIDForMessage(ctx context.Context, messageID string) (string, error) {
	row := s.db.QueryRow(ctx, `SELECT conversation_id FROM messages WHERE id=$1`, messageID)
	var convID string
	if err := row.Scan(&convID); err != nil {
		return "", fmt.Errorf("sqlitestore: resolve conversation for message: %w", err)
	}
	return convID, nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, messageID, branchID, text string) error {
	_, err := s.db.Exec(ctx, `UPDATE branches SET content=$3 WHERE message_id=$1 AND id=$2`, messageID, branchID, text)
	if err != nil {
		return fmt.Errorf("sqlitestore: update message content: %w", err)
	}
	convID, err := s.conversationIDForMessage(ctx, messageID)
	if err != nil {
		return err
	}
	return s.bumpVersion(ctx, convID)
}

func (s *Store) UpdateMessageBranch(ctx context.Context, messageID, branchID string, patch store.BranchPatch) error {
	if patch.Content != nil {
		if _, err := s.db.Exec(ctx, `UPDATE branches SET content=$3 WHERE message_id=$1 AND id=$2`, messageID, branchID, *patch.Content); err != nil {
			return fmt.Errorf("sqlitestore: patch branch content: %w", err)
		}
	}
	if patch.ContentBlocks != nil {
		if _, err := s.db.Exec(ctx, `UPDATE branches SET content_blocks_json=$3 WHERE message_id=$1 AND id=$2`, messageID, branchID, marshalJSON(patch.ContentBlocks)); err != nil {
			return fmt.Errorf("sqlitestore: patch branch content blocks: %w", err)
		}
	}
	if patch.Model != nil {
		if _, err := s.db.Exec(ctx, `UPDATE branches SET model=$3 WHERE message_id=$1 AND id=$2`, messageID, branchID, *patch.Model); err != nil {
			return fmt.Errorf("sqlitestore: patch branch model: %w", err)
		}
	}
	if patch.HiddenFromAi != nil {
		if _, err := s.db.Exec(ctx, `UPDATE branches SET hidden_from_ai=$3 WHERE message_id=$1 AND id=$2`, messageID, branchID, boolToInt(*patch.HiddenFromAi)); err != nil {
			return fmt.Errorf("sqlitestore: patch branch hidden flag: %w", err)
		}
	}
	convID, err := s.conversationIDForMessage(ctx, messageID)
	if err != nil {
		return err
	}
	return s.bumpVersion(ctx, convID)
}

func (s *Store) SetActiveBranch(ctx context.Context, messageID, branchID string) error {
	_, err := s.db.Exec(ctx, `UPDATE messages SET active_branch_id=$2 WHERE id=$1`, messageID, branchID)
	if err != nil {
		return fmt.Errorf("sqlitestore: set active branch: %w", err)
	}
	convID, err := s.conversationIDForMessage(ctx, messageID)
	if err != nil {
		return err
	}
	return s.bumpVersion(ctx, convID)
}

// DeleteMessageBranch removes a branch and cascades to every branch (in any
// message) whose parentBranchID pointed at it, transitively, returning
// every deleted branch ID. A message left with no branches is removed too.
func (s *Store) DeleteMessageBranch(ctx context.Context, messageID, branchID, actingUserID string) ([]string, error) {
	convID, err := s.conversationIDForMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	deleted, err := s.deleteBranchCascade(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM messages WHERE conversation_id=$1 AND id NOT IN (SELECT message_id FROM branches)`, convID); err != nil {
		return nil, fmt.Errorf("sqlitestore: delete emptied messages: %w", err)
	}
	if err := s.bumpVersion(ctx, convID); err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *Store) deleteBranchCascade(ctx context.Context, branchID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM branches WHERE parent_branch_id=$1`, branchID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: find child branches: %w", err)
	}
	var children []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		children = append(children, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deleted := []string{branchID}
	for _, child := range children {
		grandchildren, err := s.deleteBranchCascade(ctx, child)
		if err != nil {
			return nil, err
		}
		deleted = append(deleted, grandchildren...)
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM branches WHERE id=$1`, branchID); err != nil {
		return nil, fmt.Errorf("sqlitestore: delete branch: %w", err)
	}
	return deleted, nil
}

// --- Users, credentials, permissions ---

func (s *Store) GetUser(ctx context.Context, username string) (store.User, error) {
	return s.GetUserByUsername(ctx, username)
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	row := s.db.QueryRow(ctx, `SELECT id, username, email, display_name FROM users WHERE id=$1`, userID)
	return scanUser(row)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	row := s.db.QueryRow(ctx, `SELECT id, username, email, display_name FROM users WHERE username=$1`, username)
	return scanUser(row)
}

func scanUser(row rowScanner) (store.User, error) {
	var u store.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName); err != nil {
		return store.User{}, fmt.Errorf("sqlitestore: get user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserAPIKeys(ctx context.Context, userID string) ([]store.APIKey, error) {
	rows, err := s.db.Query(ctx, `SELECT user_id, provider FROM api_keys WHERE user_id=$1`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get api keys: %w", err)
	}
	defer rows.Close()

	var out []store.APIKey
	for rows.Next() {
		var k store.APIKey
		if err := rows.Scan(&k.UserID, &k.Provider); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) GetUserGrantSummary(ctx context.Context, userID, currency string) (store.GrantSummary, error) {
	row := s.db.QueryRow(ctx, `SELECT balance FROM grant_balances WHERE user_id=$1 AND currency=$2`, userID, currency)
	var balance float64
	err := row.Scan(&balance)
	if err == sql.ErrNoRows {
		return store.GrantSummary{Currency: currency, Balance: 0}, nil
	}
	if err != nil {
		return store.GrantSummary{}, fmt.Errorf("sqlitestore: get grant summary: %w", err)
	}
	return store.GrantSummary{Currency: currency, Balance: balance}, nil
}

func (s *Store) GetApplicableGrantCurrencies(ctx context.Context, model string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT currency FROM model_grant_currencies WHERE model=$1`, model)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get applicable currencies: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UserHasActiveGrantCapability(ctx context.Context, userID, capability string) (bool, error) {
	row := s.db.QueryRow(ctx, `SELECT 1 FROM grant_capabilities WHERE user_id=$1 AND capability=$2`, userID, capability)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlitestore: check grant capability: %w", err)
	}
	return true, nil
}

func (s *Store) CanUserChatInConversation(ctx context.Context, userID, conversationID string) (bool, error) {
	row := s.db.QueryRow(ctx, `SELECT can_chat FROM conversation_permissions WHERE user_id=$1 AND conversation_id=$2`, userID, conversationID)
	var canChat int
	err := row.Scan(&canChat)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlitestore: check chat permission: %w", err)
	}
	return canChat != 0, nil
}

func (s *Store) CanUserDeleteInConversation(ctx context.Context, userID, conversationID string) (bool, error) {
	row := s.db.QueryRow(ctx, `SELECT can_delete FROM conversation_permissions WHERE user_id=$1 AND conversation_id=$2`, userID, conversationID)
	var canDelete int
	err := row.Scan(&canDelete)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlitestore: check delete permission: %w", err)
	}
	return canDelete != 0, nil
}

func (s *Store) IsUserAgeVerified(ctx context.Context, userID string) (bool, error) {
	row := s.db.QueryRow(ctx, `SELECT verified FROM age_verifications WHERE user_id=$1`, userID)
	var verified int
	err := row.Scan(&verified)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlitestore: check age verification: %w", err)
	}
	return verified != 0, nil
}

// --- Metrics ---

func (s *Store) AddMetrics(ctx context.Context, conversationID string, metrics store.Metrics) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO metrics (conversation_id, prompt_tokens, completion_tokens, cost_micros, currency)
		 VALUES ($1, $2, $3, $4, $5)`,
		conversationID, metrics.PromptTokens, metrics.CompletionTokens, metrics.CostMicros, metrics.Currency)
	if err != nil {
		return fmt.Errorf("sqlitestore: add metrics: %w", err)
	}
	return nil
}

// --- UI state ---

func (s *Store) GetUIState(ctx context.Context, userID, conversationID string) (tree.UIState, error) {
	row := s.db.QueryRow(ctx,
		`SELECT read_branch_ids_json, is_detached, detached_branch_json FROM ui_state WHERE user_id=$1 AND conversation_id=$2`,
		userID, conversationID)

	state := tree.UIState{UserID: userID, ConversationID: conversationID}
	var readJSON, detachedJSON string
	var isDetached int
	err := row.Scan(&readJSON, &isDetached, &detachedJSON)
	if err == sql.ErrNoRows {
		state.ReadBranchIDs = make(map[string]bool)
		state.DetachedBranch = make(map[string]string)
		return state, nil
	}
	if err != nil {
		return tree.UIState{}, fmt.Errorf("sqlitestore: get ui state: %w", err)
	}
	unmarshalJSON(readJSON, &state.ReadBranchIDs)
	unmarshalJSON(detachedJSON, &state.DetachedBranch)
	state.IsDetached = isDetached != 0
	return state, nil
}

func (s *Store) SaveUIState(ctx context.Context, state tree.UIState) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO ui_state (user_id, conversation_id, read_branch_ids_json, is_detached, detached_branch_json)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, conversation_id)
		 DO UPDATE SET read_branch_ids_json=excluded.read_branch_ids_json,
		               is_detached=excluded.is_detached,
		               detached_branch_json=excluded.detached_branch_json`,
		state.UserID, state.ConversationID, marshalJSON(state.ReadBranchIDs), boolToInt(state.IsDetached), marshalJSON(state.DetachedBranch))
	if err != nil {
		return fmt.Errorf("sqlitestore: save ui state: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ store.Store = (*Store)(nil)
