package sqlitestore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"

	"github.com/branchroom/server/pkg/tree"
)

func setupTestDB(t *testing.T) *Store {
	t.Helper()
	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		t.Fatalf("wrap db: %v", err)
	}
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Exec(ctx,
		`INSERT INTO conversations (id, owner_id, title, model, format, settings_json, archived, version, created_at, updated_at)
		 VALUES ('conv1', 'u1', 'Test', 'claude-opus', 'standard', '{}', 0, 0, $1, $1)`, time.Now().UnixMilli()); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return New(db)
}

func TestCreateMessageAndGetConversationMessages(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	msg, err := s.CreateMessage(ctx, "conv1", tree.RootParentID, tree.Branch{
		ID:        "b1",
		MessageID: "m1",
		Content:   "hello",
		Role:      tree.RoleUser,
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if msg.ActiveBranchID != "b1" {
		t.Fatalf("expected active branch b1, got %s", msg.ActiveBranchID)
	}

	messages, err := s.GetConversationMessages(ctx, "conv1")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(messages) != 1 || len(messages[0].Branches) != 1 {
		t.Fatalf("expected 1 message with 1 branch, got %+v", messages)
	}
	if messages[0].Branches[0].Content != "hello" {
		t.Fatalf("unexpected branch content: %+v", messages[0].Branches[0])
	}
}

func TestAddMessageBranchBumpsVersion(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	_, err := s.CreateMessage(ctx, "conv1", tree.RootParentID, tree.Branch{ID: "b1", MessageID: "m1", Content: "hi"})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	v0, err := s.ConversationVersion(ctx, "conv1")
	if err != nil {
		t.Fatalf("version: %v", err)
	}

	if _, err := s.AddMessageBranch(ctx, "m1", "b1", tree.Branch{ID: "b2", Content: "alt reply"}); err != nil {
		t.Fatalf("add branch: %v", err)
	}
	v1, err := s.ConversationVersion(ctx, "conv1")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v1 <= v0 {
		t.Fatalf("expected version to increase, got v0=%d v1=%d", v0, v1)
	}
}

func TestDeleteMessageBranchCascades(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if _, err := s.CreateMessage(ctx, "conv1", tree.RootParentID, tree.Branch{ID: "b1", MessageID: "m1", Content: "root"}); err != nil {
		t.Fatalf("create message: %v", err)
	}
	if _, err := s.AddMessageBranch(ctx, "m1", "b1", tree.Branch{ID: "b2", MessageID: "m1", Content: "child"}); err != nil {
		t.Fatalf("add branch b2: %v", err)
	}
	// b3 in a different message, parented off b2, should cascade-delete too.
	if _, err := s.CreateMessage(ctx, "conv1", "b2", tree.Branch{ID: "b3", MessageID: "m2", Content: "grandchild"}); err != nil {
		t.Fatalf("create message m2: %v", err)
	}

	deleted, err := s.DeleteMessageBranch(ctx, "m1", "b2", "u1")
	if err != nil {
		t.Fatalf("delete branch: %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("expected b2 and b3 deleted, got %v", deleted)
	}

	if _, err := s.GetMessage(ctx, "m1"); err != nil {
		t.Fatalf("m1 should still exist: %v", err)
	}
	branches, err := s.branchesForMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("branches for m1: %v", err)
	}
	if len(branches) != 1 || branches[0].ID != "b1" {
		t.Fatalf("expected only b1 left on m1, got %+v", branches)
	}
}

func TestUIStateRoundTrip(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	state := tree.UIState{
		UserID:         "u1",
		ConversationID: "conv1",
		ReadBranchIDs:  map[string]bool{"b1": true},
		IsDetached:     true,
		DetachedBranch: map[string]string{"m1": "b2"},
	}
	if err := s.SaveUIState(ctx, state); err != nil {
		t.Fatalf("save ui state: %v", err)
	}
	got, err := s.GetUIState(ctx, "u1", "conv1")
	if err != nil {
		t.Fatalf("get ui state: %v", err)
	}
	if !got.ReadBranchIDs["b1"] || !got.IsDetached || got.DetachedBranch["m1"] != "b2" {
		t.Fatalf("unexpected ui state: %+v", got)
	}
}
