package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrInvalidCredentials is returned by Authenticate when the username is
// unknown or the password does not match.
var ErrInvalidCredentials = errors.New("invalid username or password")

// User is an account allowed to use the web selector.
type User struct {
	Username   string
	Name       string
	Role       string
	QuotaLimit int
}

// Selection is one recorded candidate pick, used to learn which candidate
// positions users favour per image kind.
type Selection struct {
	Username  string
	ImageType string
	Position  int
	Candidate int
	Path      string
}

type Store struct {
	db *sql.DB
}

// New creates or opens the SQLite database backing the web UI.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			name TEXT,
			role TEXT,
			quota_limit INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS quota_usage (
			username TEXT,
			day TEXT,
			count INTEGER DEFAULT 0,
			PRIMARY KEY (username, day)
		);`,
		`CREATE TABLE IF NOT EXISTS preferences (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT,
			image_type TEXT,
			position INTEGER,
			candidate INTEGER,
			path TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_preferences_type ON preferences(image_type);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// HashPassword returns the hex SHA-256 digest stored for a password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// EnsureUser creates or updates an account. Used to seed the default admin
// and accounts listed in the config file.
func (s *Store) EnsureUser(ctx context.Context, u User, password string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, name, role, quota_limit)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			password_hash=excluded.password_hash,
			name=excluded.name,
			role=excluded.role,
			quota_limit=excluded.quota_limit
	`, u.Username, HashPassword(password), u.Name, u.Role, u.QuotaLimit)
	return err
}

// Authenticate checks a username/password pair and returns the account.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT username, password_hash, name, role, quota_limit FROM users WHERE username = ?", username)

	var u User
	var hash string
	if err := row.Scan(&u.Username, &hash, &u.Name, &u.Role, &u.QuotaLimit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if hash != HashPassword(password) {
		return nil, ErrInvalidCredentials
	}
	return &u, nil
}

// GetUser looks up an account by username.
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT username, name, role, quota_limit FROM users WHERE username = ?", username)

	var u User
	if err := row.Scan(&u.Username, &u.Name, &u.Role, &u.QuotaLimit); err != nil {
		return nil, err
	}
	return &u, nil
}

// QuotaUsed returns how many illustration runs the user has consumed today.
func (s *Store) QuotaUsed(ctx context.Context, username string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT count FROM quota_usage WHERE username = ? AND day = ?", username, today())

	var count int
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

// IncrementQuota records one illustration run against today's counter.
func (s *Store) IncrementQuota(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_usage (username, day, count) VALUES (?, ?, 1)
		ON CONFLICT(username, day) DO UPDATE SET count = count + 1
	`, username, today())
	return err
}

// RecordSelection appends one candidate pick to the preference log.
func (s *Store) RecordSelection(ctx context.Context, sel Selection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (username, image_type, position, candidate, path, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sel.Username, sel.ImageType, sel.Position, sel.Candidate, sel.Path,
		time.Now().UTC().Format(time.RFC3339))
	return err
}

// SelectionStats returns, for one image kind, how often each candidate
// ordinal was picked.
func (s *Store) SelectionStats(ctx context.Context, imageType string) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT candidate, COUNT(*) FROM preferences
		WHERE image_type = ? GROUP BY candidate
	`, imageType)
	if err != nil {
		return nil, fmt.Errorf("failed to query preferences: %w", err)
	}
	defer rows.Close()

	stats := make(map[int]int)
	for rows.Next() {
		var candidate, count int
		if err := rows.Scan(&candidate, &count); err != nil {
			return nil, fmt.Errorf("failed to scan preference row: %w", err)
		}
		stats[candidate] = count
	}
	return stats, rows.Err()
}

func today() string {
	return time.Now().Format("2006-01-02")
}
