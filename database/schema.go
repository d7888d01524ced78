package database

const schema = `
CREATE TABLE IF NOT EXISTS exam_user_session (
	user_id INTEGER PRIMARY KEY,
	problem_id INTEGER NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	passed BOOLEAN DEFAULT 0,
	bypass BOOLEAN DEFAULT 0,
	banned BOOLEAN DEFAULT 0,
	unlimited BOOLEAN DEFAULT 0,
	created_at DATETIME
);

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME
);
`
