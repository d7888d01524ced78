// relaybot/database/database.go
package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"relaybot/models"
	"relaybot/utils"

	_ "github.com/mattn/go-sqlite3"
)

// DatabaseService is the central struct for all database operations.
type DatabaseService struct {
	DB     *sql.DB
	logger *slog.Logger
}

// InitDB connects to the database and runs migrations.
func InitDB(dataSourceName string, logger *slog.Logger) (*DatabaseService, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}

	if _, err = db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to execute base schema: %w", err)
	}

	if err := runMigrations(db, logger); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	logger.Info("Database initialized.")

	return &DatabaseService{DB: db, logger: logger}, nil
}

// runMigrations applies all un-applied migrations.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	var latestVersion uint
	err := db.QueryRow("SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&latestVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("could not get db version: %w", err)
	}

	logger.Info("Current database schema version", "version", latestVersion)

	for _, m := range allMigrations {
		if m.Version > latestVersion {
			logger.Info("Applying migration", "version", m.Version)
			tx, err := db.Begin()
			if err != nil {
				return err
			}

			if _, err := tx.Exec(m.Query); err != nil {
				if rerr := tx.Rollback(); rerr != nil {
					logger.Error("Failed to rollback migration", "version", m.Version, "error", rerr)
				}
				return fmt.Errorf("failed to apply migration v%d: %w", m.Version, err)
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.Version, time.Now().UTC()); err != nil {
				if rerr := tx.Rollback(); rerr != nil {
					logger.Error("Failed to rollback migration record", "version", m.Version, "error", rerr)
				}
				return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
			}

			if err := tx.Commit(); err != nil {
				return fmt.Errorf("failed to commit migration v%d: %w", m.Version, err)
			}
			logger.Info("Successfully applied migration", "version", m.Version)
		}
	}
	return nil
}

// SchemaVersion reports the latest applied migration version.
func (ds *DatabaseService) SchemaVersion() (uint, error) {
	var version uint
	err := ds.DB.QueryRow("SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	return version, nil
}

// --- Exam sessions ---

// GetExamSession fetches a user's session row, or models.ErrNotFound.
func (ds *DatabaseService) GetExamSession(userID int64) (*models.ExamSession, error) {
	var s models.ExamSession
	err := ds.DB.QueryRow(`
		SELECT user_id, problem_id, problem_version, retries, passed, bypass, banned, unlimited, created_at
		FROM exam_user_session WHERE user_id = ?`, userID).Scan(
		&s.UserID, &s.ProblemID, &s.ProblemVersion, &s.Retries,
		&s.Passed, &s.Bypass, &s.Banned, &s.Unlimited, &s.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("exam session for user %d: %w", userID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("db error getting exam session for user %d: %w", userID, err)
	}
	return &s, nil
}

// CreateExamSession inserts a fresh session row for a first-contact user.
func (ds *DatabaseService) CreateExamSession(userID int64, problemID, problemVersion int) error {
	_, err := ds.DB.Exec(`
		INSERT INTO exam_user_session (user_id, problem_id, problem_version, created_at)
		VALUES (?, ?, ?, ?)`, userID, problemID, problemVersion, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create exam session for user %d: %w", userID, err)
	}
	return nil
}

// UpdateRetries persists a new retry count.
func (ds *DatabaseService) UpdateRetries(userID int64, retries int) error {
	_, err := ds.DB.Exec("UPDATE exam_user_session SET retries = ? WHERE user_id = ?", retries, userID)
	if err != nil {
		return fmt.Errorf("failed to update retries for user %d: %w", userID, err)
	}
	return nil
}

// setFlag flips a single override column for a user.
func (ds *DatabaseService) setFlag(userID int64, column string, value bool) error {
	query := fmt.Sprintf("UPDATE exam_user_session SET %s = ? WHERE user_id = ?", column)
	res, err := ds.DB.Exec(query, utils.BtoI(value), userID)
	if err != nil {
		return fmt.Errorf("failed to set %s for user %d: %w", column, userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("exam session for user %d: %w", userID, models.ErrNotFound)
	}
	return nil
}

// SetPassed marks the user as having passed the exam.
func (ds *DatabaseService) SetPassed(userID int64) error { return ds.setFlag(userID, "passed", true) }

// SetBypass grants a moderator bypass.
func (ds *DatabaseService) SetBypass(userID int64) error { return ds.setFlag(userID, "bypass", true) }

// SetBanned blocks the user from passing.
func (ds *DatabaseService) SetBanned(userID int64) error { return ds.setFlag(userID, "banned", true) }

// SetUnlimited removes the retry budget for the user.
func (ds *DatabaseService) SetUnlimited(userID int64) error {
	return ds.setFlag(userID, "unlimited", true)
}

// ResetExamSession removes a user's session row entirely (administrative
// reset; the next /start newbie re-issues a problem).
func (ds *DatabaseService) ResetExamSession(userID int64) error {
	_, err := ds.DB.Exec("DELETE FROM exam_user_session WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("failed to reset exam session for user %d: %w", userID, err)
	}
	return nil
}

// QueryUserPassed reports whether the user may receive a link: passed or
// bypass set. Missing rows are simply false.
func (ds *DatabaseService) QueryUserPassed(userID int64) (bool, error) {
	var passed, bypass bool
	err := ds.DB.QueryRow("SELECT passed, bypass FROM exam_user_session WHERE user_id = ?", userID).Scan(&passed, &bypass)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("db error querying pass state for user %d: %w", userID, err)
	}
	return passed || bypass, nil
}

// --- Answer history ---

// InsertAnswerHistory records one wrong answer. Callers truncate the text.
func (ds *DatabaseService) InsertAnswerHistory(userID int64, answer string) error {
	_, err := ds.DB.Exec("INSERT INTO answer_history (user_id, answer, created_at) VALUES (?, ?, ?)",
		userID, answer, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record answer for user %d: %w", userID, err)
	}
	return nil
}

// CountAnswerHistory reports how many answers a user has logged.
func (ds *DatabaseService) CountAnswerHistory(userID int64) (int, error) {
	var count int
	err := ds.DB.QueryRow("SELECT COUNT(*) FROM answer_history WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
