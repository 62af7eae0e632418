package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Data is lost on restart; it backs
// tests and DOORLOCK_STORE=memory.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]User
	encodings []FaceEncoding
	logs      []AccessLog
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]User),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// AddUser implements Store
func (s *MemoryStore) AddUser(ctx context.Context, name, role string) (User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, fmt.Errorf("%w: empty user name", ErrInvalidArgument)
	}
	if role == "" {
		role = RoleUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addUserLocked(name, role), nil
}

func (s *MemoryStore) addUserLocked(name, role string) User {
	if u, ok := s.users[name]; ok {
		return u
	}
	u := User{
		ID:        uuid.NewString(),
		Name:      name,
		Role:      role,
		CreatedAt: s.now(),
		IsActive:  true,
	}
	s.users[name] = u
	return u
}

// GetUserByName implements Store
func (s *MemoryStore) GetUserByName(ctx context.Context, name string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[name]
	if !ok {
		return User{}, fmt.Errorf("user %q: %w", name, ErrNotFound)
	}
	return u, nil
}

// ListUsers implements Store
func (s *MemoryStore) ListUsers(ctx context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if u.IsActive {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

// SaveFaceEncoding implements Store
func (s *MemoryStore) SaveFaceEncoding(ctx context.Context, userName string, encoding []float64, imageName string) (string, error) {
	userName = strings.TrimSpace(userName)
	if userName == "" {
		return "", fmt.Errorf("%w: empty user name", ErrInvalidArgument)
	}
	if len(encoding) == 0 {
		return "", fmt.Errorf("%w: empty encoding", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user := s.addUserLocked(userName, RoleUser)
	enc := FaceEncoding{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		UserName:  userName,
		Encoding:  append([]float64(nil), encoding...),
		ImageName: imageName,
		CreatedAt: s.now(),
	}
	s.encodings = append(s.encodings, enc)
	return enc.ID, nil
}

// ListFaceEncodings implements Store
func (s *MemoryStore) ListFaceEncodings(ctx context.Context) ([]FaceEncoding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]FaceEncoding, len(s.encodings))
	copy(out, s.encodings)
	return out, nil
}

// DeleteUserEncodings implements Store
func (s *MemoryStore) DeleteUserEncodings(ctx context.Context, userName string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.encodings[:0]
	var deleted int64
	for _, enc := range s.encodings {
		if enc.UserName == userName {
			deleted++
			continue
		}
		kept = append(kept, enc)
	}
	s.encodings = kept
	return deleted, nil
}

// LogAccess implements Store
func (s *MemoryStore) LogAccess(ctx context.Context, entry AccessLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = uuid.NewString()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	s.logs = append(s.logs, entry)
	return nil
}

// ListAccessLogs implements Store
func (s *MemoryStore) ListAccessLogs(ctx context.Context, query AccessLogQuery) ([]AccessLog, error) {
	query = query.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AccessLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		if query.UserName != "" && s.logs[i].UserName != query.UserName {
			continue
		}
		out = append(out, s.logs[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })

	if len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// Ping implements Store
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close implements Store
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}
