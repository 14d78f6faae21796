package postgres

// Schema is the PostgreSQL DDL. Every statement is idempotent.
// Conversation documents are JSONB so they can be inspected in place.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	language    TEXT NOT NULL DEFAULT 'en',
	tier        TEXT NOT NULL DEFAULT 'free',
	is_admin    BOOLEAN NOT NULL DEFAULT FALSE,
	points      INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS points_history (
	id          BIGSERIAL PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users(id),
	kind        TEXT NOT NULL,
	points      INTEGER NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_points_history_user ON points_history(user_id, id DESC);

CREATE TABLE IF NOT EXISTS personas (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	image_description  TEXT NOT NULL DEFAULT '',
	language           TEXT NOT NULL DEFAULT '',
	restricted         BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS custom_prompts (
	id          TEXT PRIMARY KEY,
	prompt      TEXT NOT NULL,
	restricted  BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS gallery_images (
	id          TEXT PRIMARY KEY,
	persona_id  TEXT NOT NULL,
	image_url   TEXT NOT NULL,
	prompt      TEXT NOT NULL DEFAULT '',
	restricted  BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_gallery_persona ON gallery_images(persona_id);

CREATE TABLE IF NOT EXISTS conversations (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	persona_id       TEXT NOT NULL,
	user_persona_id  TEXT,
	messages         JSONB NOT NULL DEFAULT '[]',
	active_goal      JSONB,
	goal_created_at  TIMESTAMPTZ,
	completed_goals  JSONB NOT NULL DEFAULT '[]',
	settings         JSONB NOT NULL DEFAULT '{}',
	scenario         TEXT NOT NULL DEFAULT '',
	version          BIGINT NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_id, persona_id)
);

CREATE TABLE IF NOT EXISTS message_counters (
	user_id        TEXT NOT NULL,
	persona_id     TEXT NOT NULL,
	message_count  BIGINT NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, persona_id)
);

CREATE TABLE IF NOT EXISTS goal_counters (
	user_id           TEXT NOT NULL,
	persona_id        TEXT NOT NULL,
	completion_count  BIGINT NOT NULL DEFAULT 0,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, persona_id)
);

CREATE TABLE IF NOT EXISTS last_messages (
	user_id     TEXT NOT NULL,
	persona_id  TEXT NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, persona_id)
);

CREATE TABLE IF NOT EXISTS image_tasks (
	placeholder_id    TEXT PRIMARY KEY,
	task_id           TEXT,
	user_id           TEXT NOT NULL,
	conversation_id   TEXT NOT NULL,
	prompt            TEXT NOT NULL DEFAULT '',
	image_count       INTEGER NOT NULL,
	restricted        BOOLEAN NOT NULL DEFAULT FALSE,
	auto_triggered    BOOLEAN NOT NULL DEFAULT FALSE,
	custom_prompt_id  TEXT,
	cost              INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'queued',
	error             TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_image_tasks_user_status ON image_tasks(user_id, status);
`
