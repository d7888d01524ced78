// relaybot/database/migrations.go
package database

// migration represents a single database schema migration.
type migration struct {
	Version uint
	Query   string
}

// allMigrations holds all schema changes in order.
var allMigrations = []migration{
	{
		Version: 1,
		Query: `
-- Stamp sessions with the problem-set version they were issued against, so a
-- redeployed problem set invalidates in-flight quizzes.
ALTER TABLE exam_user_session ADD COLUMN problem_version INTEGER NOT NULL DEFAULT 1;

-- Record every wrong answer for moderator review.
CREATE TABLE IF NOT EXISTS answer_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	answer TEXT NOT NULL,
	created_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_answer_history_user ON answer_history(user_id);
		`,
	},
}
