package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/cat-engine/internal/domain"
	"github.com/ashureev/cat-engine/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		difficulty REAL NOT NULL,
		discrimination REAL NOT NULL,
		guessing REAL NOT NULL,
		domain TEXT NOT NULL,
		calibration_sample_size INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_items_domain ON items(domain);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		termination_reason TEXT NOT NULL DEFAULT '',
		config_json TEXT NOT NULL,
		current_ability REAL NOT NULL,
		ability_se REAL NOT NULL,
		questions_answered INTEGER NOT NULL,
		correct_answers INTEGER NOT NULL,
		administered_json TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		last_activity_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_stale ON sessions(last_activity_at) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS responses (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		item_id TEXT NOT NULL,
		is_correct INTEGER NOT NULL,
		ability_before REAL NOT NULL,
		ability_after REAL NOT NULL,
		se_after REAL NOT NULL,
		responded_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	err := shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username,
			user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// LoadItems returns calibrated items, optionally restricted to domains.
func (s *SQLiteStore) LoadItems(ctx context.Context, domains ...string) ([]domain.Item, error) {
	query := `
		SELECT id, difficulty, discrimination, guessing, domain, calibration_sample_size
		FROM items`
	args := make([]any, 0, len(domains))
	if len(domains) > 0 {
		query += ` WHERE domain IN (?` + strings.Repeat(", ?", len(domains)-1) + `)`
		for _, d := range domains {
			args = append(args, d)
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close item rows", "error", closeErr)
		}
	}()

	var items []domain.Item
	for rows.Next() {
		var it domain.Item
		if err := rows.Scan(&it.ID, &it.Difficulty, &it.Discrimination, &it.Guessing, &it.Domain, &it.CalibrationSampleSize); err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

// UpsertItems inserts or recalibrates items. Malformed items are rejected
// before anything is written.
func (s *SQLiteStore) UpsertItems(ctx context.Context, items []domain.Item) error {
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return err
		}
	}

	query := `
	INSERT INTO items (id, difficulty, discrimination, guessing, domain, calibration_sample_size, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		difficulty = excluded.difficulty,
		discrimination = excluded.discrimination,
		guessing = excluded.guessing,
		domain = excluded.domain,
		calibration_sample_size = excluded.calibration_sample_size,
		updated_at = excluded.updated_at`

	now := time.Now().Unix()
	return s.withTx(ctx, "upsert items", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare item upsert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, it := range items {
			if _, err := stmt.ExecContext(ctx,
				it.ID, it.Difficulty, it.Discrimination, it.Guessing, it.Domain, it.CalibrationSampleSize, now,
			); err != nil {
				return fmt.Errorf("upsert item %s: %w", it.ID, err)
			}
		}
		return nil
	})
}

// SaveSession writes the session row and appends responses not yet stored.
// Stored responses are never rewritten.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *domain.Session) error {
	configJSON, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}
	administeredJSON, err := json.Marshal(sess.AdministeredItemIDs)
	if err != nil {
		return fmt.Errorf("marshal administered items: %w", err)
	}

	var completedAt any
	if sess.CompletedAt != nil {
		completedAt = sess.CompletedAt.UnixNano()
	}

	sessionQuery := `
	INSERT INTO sessions (
		id, user_id, status, termination_reason, config_json,
		current_ability, ability_se, questions_answered, correct_answers,
		administered_json, started_at, completed_at, last_activity_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		termination_reason = excluded.termination_reason,
		current_ability = excluded.current_ability,
		ability_se = excluded.ability_se,
		questions_answered = excluded.questions_answered,
		correct_answers = excluded.correct_answers,
		administered_json = excluded.administered_json,
		completed_at = excluded.completed_at,
		last_activity_at = excluded.last_activity_at,
		updated_at = excluded.updated_at`

	responseQuery := `
	INSERT OR IGNORE INTO responses (
		session_id, seq, item_id, is_correct, ability_before, ability_after, se_after, responded_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	return s.withTx(ctx, "save session", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sessionQuery,
			sess.ID, sess.UserID, string(sess.Status), sess.TerminationReason, string(configJSON),
			sess.CurrentAbility, sess.AbilitySE, sess.QuestionsAnswered, sess.CorrectAnswers,
			string(administeredJSON), sess.StartedAt.UnixNano(), completedAt,
			sess.LastActivityAt().UnixNano(), time.Now().UnixNano(),
		); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}

		for i, r := range sess.Responses {
			if _, err := tx.ExecContext(ctx, responseQuery,
				sess.ID, i, r.ItemID, r.IsCorrect, r.AbilityBefore, r.AbilityAfter, r.SEAfter, r.RespondedAt.UnixNano(),
			); err != nil {
				return fmt.Errorf("insert response %d: %w", i, err)
			}
		}
		return nil
	})
}

const sessionColumns = `
	id, user_id, status, termination_reason, config_json,
	current_ability, ability_se, questions_answered, correct_answers,
	administered_json, started_at, completed_at`

// LoadSession returns the session with the given id.
func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if sess.Responses, err = s.loadResponses(ctx, id); err != nil {
		return nil, err
	}
	return sess, nil
}

// ListStaleSessions returns ids of active sessions whose last activity is before cutoff.
func (s *SQLiteStore) ListStaleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `SELECT id FROM sessions WHERE status = ? AND last_activity_at < ? ORDER BY last_activity_at`
	rows, err := s.db.QueryContext(ctx, query, string(domain.StatusActive), cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close stale session rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale session row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale sessions: %w", err)
	}
	return ids, nil
}

// ListSessionsByUser returns up to limit of a user's sessions, newest first.
func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = ? ORDER BY started_at DESC, id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query user sessions: %w", err)
	}

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate user sessions: %w", err)
	}
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close user session rows", "error", err)
	}

	for _, sess := range sessions {
		if sess.Responses, err = s.loadResponses(ctx, sess.ID); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (s *SQLiteStore) loadResponses(ctx context.Context, sessionID string) ([]domain.ResponseRecord, error) {
	query := `
		SELECT item_id, is_correct, ability_before, ability_after, se_after, responded_at
		FROM responses WHERE session_id = ? ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close response rows", "error", closeErr)
		}
	}()

	var out []domain.ResponseRecord
	for rows.Next() {
		var r domain.ResponseRecord
		var respondedAt int64
		if err := rows.Scan(&r.ItemID, &r.IsCorrect, &r.AbilityBefore, &r.AbilityAfter, &r.SEAfter, &respondedAt); err != nil {
			return nil, fmt.Errorf("scan response row: %w", err)
		}
		r.RespondedAt = time.Unix(0, respondedAt).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responses: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var status, configJSON, administeredJSON string
	var startedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.UserID, &status, &sess.TerminationReason, &configJSON,
		&sess.CurrentAbility, &sess.AbilitySE, &sess.QuestionsAnswered, &sess.CorrectAnswers,
		&administeredJSON, &startedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Status = domain.Status(status)
	if err := json.Unmarshal([]byte(configJSON), &sess.Config); err != nil {
		return nil, fmt.Errorf("decode session %s config: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(administeredJSON), &sess.AdministeredItemIDs); err != nil {
		return nil, fmt.Errorf("decode session %s administered items: %w", sess.ID, err)
	}
	sess.StartedAt = time.Unix(0, startedAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		sess.CompletedAt = &t
	}
	return &sess, nil
}

// withTx runs fn in a transaction, retrying the whole transaction on SQLite conflicts.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	err := shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
