// Package sqlitestore implements pkg/store.Store on SQLite, grounded on the
// teacher's pkg/textfs.Store: a go.mau.fi/util/dbutil.Database wrapping a
// database/sql handle opened against github.com/mattn/go-sqlite3, plain SQL
// with $-numbered placeholders, and upserts via ON CONFLICT. Nested
// structures (branch content blocks, attachments, settings, UI state) are
// stored as JSON columns rather than normalized further, the same choice
// the teacher makes for its memory file metadata.
package sqlitestore

import (
	"context"

	"go.mau.fi/util/dbutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	format TEXT NOT NULL DEFAULT 'standard',
	settings_json TEXT NOT NULL DEFAULT '{}',
	archived INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'assistant',
	model TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	has_system_prompt INTEGER NOT NULL DEFAULT 0,
	mode TEXT NOT NULL DEFAULT '',
	has_mode INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	settings_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	order_idx INTEGER NOT NULL,
	active_branch_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS branches (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	parent_branch_id TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	content_blocks_json TEXT NOT NULL DEFAULT '[]',
	role TEXT NOT NULL DEFAULT 'user',
	participant_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	hidden_from_ai INTEGER NOT NULL DEFAULT 0,
	private_to_user_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	attachments_json TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS api_keys (
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	PRIMARY KEY (user_id, provider)
);

CREATE TABLE IF NOT EXISTS grant_balances (
	user_id TEXT NOT NULL,
	currency TEXT NOT NULL,
	balance REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, currency)
);

CREATE TABLE IF NOT EXISTS grant_capabilities (
	user_id TEXT NOT NULL,
	capability TEXT NOT NULL,
	PRIMARY KEY (user_id, capability)
);

CREATE TABLE IF NOT EXISTS model_grant_currencies (
	model TEXT NOT NULL,
	currency TEXT NOT NULL,
	PRIMARY KEY (model, currency)
);

CREATE TABLE IF NOT EXISTS conversation_permissions (
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	can_chat INTEGER NOT NULL DEFAULT 0,
	can_delete INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, conversation_id)
);

CREATE TABLE IF NOT EXISTS age_verifications (
	user_id TEXT PRIMARY KEY,
	verified INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost_micros INTEGER NOT NULL,
	currency TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ui_state (
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	read_branch_ids_json TEXT NOT NULL DEFAULT '{}',
	is_detached INTEGER NOT NULL DEFAULT 0,
	detached_branch_json TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (user_id, conversation_id)
);
`

// Migrate creates every table the store needs if it does not already exist.
// There is exactly one schema version so far; a real deployment would
// register this with dbutil's upgrade-table mechanism as later versions are
// added.
func Migrate(ctx context.Context, db *dbutil.Database) error {
	_, err := db.Exec(ctx, schema)
	return err
}
