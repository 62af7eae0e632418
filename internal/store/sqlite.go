package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore keeps everything in a local SQLite file. It suits a single
// door controller without a MongoDB server.
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path
func NewSQLiteStore(ctx context.Context, path string, logger *logrus.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serialises writers
	db.SetMaxOpenConns(1)

	if err := initializeDatabase(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger.Infof("Opened SQLite store at %s", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

// initializeDatabase initializes the database schema
func initializeDatabase(ctx context.Context, db *sql.DB) error {
	statements := []string{`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			is_active INTEGER NOT NULL
		)`, `
		CREATE TABLE IF NOT EXISTS face_encodings (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			user_name TEXT NOT NULL,
			encoding TEXT NOT NULL,
			image_name TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_face_encodings_user_name ON face_encodings(user_name)`, `
		CREATE TABLE IF NOT EXISTS access_logs (
			id TEXT PRIMARY KEY,
			user_name TEXT NOT NULL,
			status TEXT NOT NULL,
			access_type TEXT NOT NULL,
			confidence REAL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_access_logs_timestamp ON access_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_access_logs_user_name ON access_logs(user_name)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddUser implements Store
func (s *SQLiteStore) AddUser(ctx context.Context, name, role string) (User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, fmt.Errorf("%w: empty user name", ErrInvalidArgument)
	}
	if role == "" {
		role = RoleUser
	}

	u := User{
		ID:        uuid.NewString(),
		Name:      name,
		Role:      role,
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO users (id, name, role, created_at, is_active) VALUES (?, ?, ?, ?, 1)",
		u.ID, u.Name, u.Role, u.CreatedAt.UnixNano())
	if err != nil {
		return User{}, fmt.Errorf("failed to insert user %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.GetUserByName(ctx, name)
	}
	return u, nil
}

// GetUserByName implements Store
func (s *SQLiteStore) GetUserByName(ctx context.Context, name string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, role, created_at, is_active FROM users WHERE name = ?", name)

	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to find user %q: %w", name, err)
	}
	return u, nil
}

// ListUsers implements Store
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, role, created_at, is_active FROM users WHERE is_active = 1 ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to decode user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveFaceEncoding implements Store
func (s *SQLiteStore) SaveFaceEncoding(ctx context.Context, userName string, encoding []float64, imageName string) (string, error) {
	if len(encoding) == 0 {
		return "", fmt.Errorf("%w: empty encoding", ErrInvalidArgument)
	}

	user, err := s.AddUser(ctx, userName, RoleUser)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(encoding)
	if err != nil {
		return "", err
	}

	var image sql.NullString
	if imageName != "" {
		image = sql.NullString{String: imageName, Valid: true}
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO face_encodings (id, user_id, user_name, encoding, image_name, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, user.ID, user.Name, string(data), image, time.Now().UTC().UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to save encoding for %q: %w", userName, err)
	}
	return id, nil
}

// ListFaceEncodings implements Store
func (s *SQLiteStore) ListFaceEncodings(ctx context.Context) ([]FaceEncoding, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, user_name, encoding, image_name, created_at FROM face_encodings ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to load encodings: %w", err)
	}
	defer rows.Close()

	var out []FaceEncoding
	for rows.Next() {
		var (
			enc     FaceEncoding
			data    string
			image   sql.NullString
			created int64
		)
		if err := rows.Scan(&enc.ID, &enc.UserID, &enc.UserName, &data, &image, &created); err != nil {
			return nil, fmt.Errorf("failed to scan encoding: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &enc.Encoding); err != nil {
			s.logger.Warnf("Skipping undecodable face encoding %s: %v", enc.ID, err)
			continue
		}
		enc.ImageName = image.String
		enc.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, enc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate encodings: %w", err)
	}
	return out, nil
}

// DeleteUserEncodings implements Store
func (s *SQLiteStore) DeleteUserEncodings(ctx context.Context, userName string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM face_encodings WHERE user_name = ?", userName)
	if err != nil {
		return 0, fmt.Errorf("failed to delete encodings for %q: %w", userName, err)
	}
	return res.RowsAffected()
}

// LogAccess implements Store
func (s *SQLiteStore) LogAccess(ctx context.Context, entry AccessLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var confidence sql.NullFloat64
	if entry.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *entry.Confidence, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO access_logs (id, user_name, status, access_type, confidence, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		uuid.NewString(), entry.UserName, entry.Status, entry.AccessType, confidence, entry.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to log access: %w", err)
	}
	return nil
}

// ListAccessLogs implements Store
func (s *SQLiteStore) ListAccessLogs(ctx context.Context, query AccessLogQuery) ([]AccessLog, error) {
	query = query.Normalize()

	q := "SELECT id, user_name, status, access_type, confidence, timestamp FROM access_logs"
	var args []interface{}
	if query.UserName != "" {
		q += " WHERE user_name = ?"
		args = append(args, query.UserName)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, query.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list access logs: %w", err)
	}
	defer rows.Close()

	var out []AccessLog
	for rows.Next() {
		var (
			l          AccessLog
			confidence sql.NullFloat64
			ts         int64
		)
		if err := rows.Scan(&l.ID, &l.UserName, &l.Status, &l.AccessType, &confidence, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan access log: %w", err)
		}
		if confidence.Valid {
			c := confidence.Float64
			l.Confidence = &c
		}
		l.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

// Ping implements Store
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store
func (s *SQLiteStore) Close(ctx context.Context) error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		u       User
		created int64
		active  int
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &created, &active); err != nil {
		return User{}, err
	}
	u.CreatedAt = time.Unix(0, created).UTC()
	u.IsActive = active != 0
	return u, nil
}
