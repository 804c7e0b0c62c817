package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound = errors.New("not found")
)

// Storage handles all database operations
type Storage struct {
	db *sql.DB
}

// New creates a new Storage instance and initializes the database
func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			points INTEGER NOT NULL DEFAULT 0,
			token TEXT NOT NULL DEFAULT '',
			created_ts TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS topup_references (
			user_id INTEGER PRIMARY KEY,
			reference TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS completed_references (
			user_id INTEGER PRIMARY KEY,
			reference TEXT NOT NULL,
			completed_at_ms INTEGER NOT NULL
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}

// --- Profiles ---

// SaveProfile stores the profile returned by the backend. An empty token
// keeps the previously stored one.
func (s *Storage) SaveProfile(p *Profile) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(
		`INSERT INTO profiles (user_id, name, username, points, token, created_ts, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			name = excluded.name,
			username = excluded.username,
			points = excluded.points,
			token = CASE WHEN excluded.token = '' THEN profiles.token ELSE excluded.token END,
			created_ts = excluded.created_ts,
			updated_at = excluded.updated_at`,
		p.UserID, p.Name, p.Username, p.Points, p.Token, p.CreatedTS, now,
	)
	return err
}

// GetProfile returns the cached profile of a user
func (s *Storage) GetProfile(userID int64) (*Profile, error) {
	var p Profile
	var updatedAt int64

	err := s.db.QueryRow(
		`SELECT user_id, name, username, points, token, created_ts, updated_at
		 FROM profiles WHERE user_id = ?`,
		userID,
	).Scan(&p.UserID, &p.Name, &p.Username, &p.Points, &p.Token, &p.CreatedTS, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// GetToken returns the stored auth token of a user
func (s *Storage) GetToken(userID int64) (string, error) {
	var token string
	err := s.db.QueryRow("SELECT token FROM profiles WHERE user_id = ?", userID).Scan(&token)
	if err == sql.ErrNoRows || (err == nil && token == "") {
		return "", ErrNotFound
	}
	return token, err
}

// AddPoints adds delta to the cached balance and returns the new balance
func (s *Storage) AddPoints(userID, delta int64) (int64, error) {
	now := time.Now().Unix()
	_, err := s.db.Exec(
		`INSERT INTO profiles (user_id, points, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			points = profiles.points + excluded.points,
			updated_at = excluded.updated_at`,
		userID, delta, now,
	)
	if err != nil {
		return 0, err
	}

	var points int64
	err = s.db.QueryRow("SELECT points FROM profiles WHERE user_id = ?", userID).Scan(&points)
	return points, err
}

// --- Topup references ---

// SaveReference records the in-flight payment reference of a user,
// replacing any previous one
func (s *Storage) SaveReference(userID int64, reference string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO topup_references (user_id, reference, created_at_ms)
		 VALUES (?, ?, ?)`,
		userID, reference, at.UnixMilli(),
	)
	return err
}

// GetReference returns the persisted reference of a user
func (s *Storage) GetReference(userID int64) (*ReferenceRecord, error) {
	var r ReferenceRecord
	var createdAt int64

	err := s.db.QueryRow(
		"SELECT user_id, reference, created_at_ms FROM topup_references WHERE user_id = ?",
		userID,
	).Scan(&r.UserID, &r.Reference, &createdAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.CreatedAt = time.UnixMilli(createdAt)
	return &r, nil
}

// ClearReference removes the persisted reference of a user
func (s *Storage) ClearReference(userID int64) error {
	_, err := s.db.Exec("DELETE FROM topup_references WHERE user_id = ?", userID)
	return err
}

// ListReferences returns all persisted references
func (s *Storage) ListReferences() ([]ReferenceRecord, error) {
	rows, err := s.db.Query(
		"SELECT user_id, reference, created_at_ms FROM topup_references ORDER BY created_at_ms",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ReferenceRecord
	for rows.Next() {
		var r ReferenceRecord
		var createdAt int64

		if err := rows.Scan(&r.UserID, &r.Reference, &createdAt); err != nil {
			return nil, err
		}

		r.CreatedAt = time.UnixMilli(createdAt)
		records = append(records, r)
	}

	return records, rows.Err()
}

// --- Completed references ---

// SaveCompleted records the last reference credited to a user
func (s *Storage) SaveCompleted(userID int64, reference string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO completed_references (user_id, reference, completed_at_ms)
		 VALUES (?, ?, ?)`,
		userID, reference, time.Now().UnixMilli(),
	)
	return err
}

// GetCompleted returns the last reference credited to a user
func (s *Storage) GetCompleted(userID int64) (string, error) {
	var reference string
	err := s.db.QueryRow(
		"SELECT reference FROM completed_references WHERE user_id = ?",
		userID,
	).Scan(&reference)

	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return reference, err
}

// References returns the reference store of a single user
func (s *Storage) References(userID int64) *References {
	return &References{storage: s, userID: userID}
}

// References scopes the reference tables to one user
type References struct {
	storage *Storage
	userID  int64
}

func (r *References) Save(reference string, at time.Time) error {
	return r.storage.SaveReference(r.userID, reference, at)
}

// Load returns the persisted reference, or nil if there is none
func (r *References) Load() (*ReferenceRecord, error) {
	rec, err := r.storage.GetReference(r.userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (r *References) Clear() error {
	return r.storage.ClearReference(r.userID)
}

func (r *References) SaveCompleted(reference string) error {
	return r.storage.SaveCompleted(r.userID, reference)
}

// LastCompleted returns the last credited reference, or "" if none
func (r *References) LastCompleted() (string, error) {
	ref, err := r.storage.GetCompleted(r.userID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return ref, err
}
