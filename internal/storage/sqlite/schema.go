package sqlite

// Schema is applied on every open. All statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	language    TEXT NOT NULL DEFAULT 'en',
	tier        TEXT NOT NULL DEFAULT 'free',
	is_admin    INTEGER NOT NULL DEFAULT 0,
	points      INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS points_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT NOT NULL REFERENCES users(id),
	kind        TEXT NOT NULL,
	points      INTEGER NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_points_history_user ON points_history(user_id, id);

CREATE TABLE IF NOT EXISTS personas (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	image_description  TEXT NOT NULL DEFAULT '',
	language           TEXT NOT NULL DEFAULT '',
	restricted         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS custom_prompts (
	id          TEXT PRIMARY KEY,
	prompt      TEXT NOT NULL,
	restricted  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS gallery_images (
	id          TEXT PRIMARY KEY,
	persona_id  TEXT NOT NULL,
	image_url   TEXT NOT NULL,
	prompt      TEXT NOT NULL DEFAULT '',
	restricted  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_gallery_persona ON gallery_images(persona_id);

CREATE TABLE IF NOT EXISTS conversations (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	persona_id       TEXT NOT NULL,
	user_persona_id  TEXT,
	messages         TEXT NOT NULL DEFAULT '[]',
	active_goal      TEXT,
	goal_created_at  TIMESTAMP,
	completed_goals  TEXT NOT NULL DEFAULT '[]',
	settings         TEXT NOT NULL DEFAULT '{}',
	scenario         TEXT NOT NULL DEFAULT '',
	version          INTEGER NOT NULL DEFAULT 1,
	created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (user_id, persona_id)
);

CREATE TABLE IF NOT EXISTS message_counters (
	user_id        TEXT NOT NULL,
	persona_id     TEXT NOT NULL,
	message_count  INTEGER NOT NULL DEFAULT 0,
	updated_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (user_id, persona_id)
);

CREATE TABLE IF NOT EXISTS goal_counters (
	user_id           TEXT NOT NULL,
	persona_id        TEXT NOT NULL,
	completion_count  INTEGER NOT NULL DEFAULT 0,
	updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (user_id, persona_id)
);

CREATE TABLE IF NOT EXISTS last_messages (
	user_id     TEXT NOT NULL,
	persona_id  TEXT NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (user_id, persona_id)
);

CREATE TABLE IF NOT EXISTS image_tasks (
	placeholder_id    TEXT PRIMARY KEY,
	task_id           TEXT,
	user_id           TEXT NOT NULL,
	conversation_id   TEXT NOT NULL,
	prompt            TEXT NOT NULL DEFAULT '',
	image_count       INTEGER NOT NULL,
	restricted        INTEGER NOT NULL DEFAULT 0,
	auto_triggered    INTEGER NOT NULL DEFAULT 0,
	custom_prompt_id  TEXT,
	cost              INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'queued',
	error             TEXT,
	created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_image_tasks_user_status ON image_tasks(user_id, status);
`
