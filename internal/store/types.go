// Package store persists users, face encodings and the access log.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for empty names and similar input errors
	ErrInvalidArgument = errors.New("invalid argument")
)

// Access statuses
const (
	StatusOpened = "opened"
	StatusDenied = "denied"
)

// Access types
const (
	AccessQR     = "qr"
	AccessFace   = "face"
	AccessManual = "manual"
)

// Roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Access log query limits
const (
	DefaultLogLimit = 100
	MaxLogLimit     = 1000
)

// User represents an enrolled person
type User struct {
	ID        string    `json:"id" bson:"-"`
	Name      string    `json:"name" bson:"name"`
	Role      string    `json:"role" bson:"role"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	IsActive  bool      `json:"is_active" bson:"is_active"`
}

// FaceEncoding represents one stored face descriptor
type FaceEncoding struct {
	ID        string    `json:"id" bson:"-"`
	UserID    string    `json:"user_id" bson:"user_id"`
	UserName  string    `json:"user_name" bson:"user_name"`
	Encoding  []float64 `json:"encoding" bson:"encoding"`
	ImageName string    `json:"image_name,omitempty" bson:"image_name"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// AccessLog represents one door decision
type AccessLog struct {
	ID         string    `json:"id" bson:"-"`
	UserName   string    `json:"user_name" bson:"user_name"`
	Status     string    `json:"status" bson:"status"`
	AccessType string    `json:"access_type" bson:"access_type"`
	Confidence *float64  `json:"confidence,omitempty" bson:"confidence"`
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
}

// AccessLogQuery filters ListAccessLogs
type AccessLogQuery struct {
	Limit    int
	UserName string
}

// Normalize clamps the limit into [1, MaxLogLimit], defaulting to DefaultLogLimit
func (q AccessLogQuery) Normalize() AccessLogQuery {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultLogLimit
	case q.Limit > MaxLogLimit:
		q.Limit = MaxLogLimit
	}
	return q
}

// Store is the persistence interface used by the door-lock service
type Store interface {
	// AddUser creates a user. If the name already exists the existing user
	// is returned.
	AddUser(ctx context.Context, name, role string) (User, error)
	GetUserByName(ctx context.Context, name string) (User, error)
	// ListUsers returns active users
	ListUsers(ctx context.Context) ([]User, error)

	// SaveFaceEncoding stores a descriptor, creating the user if needed
	SaveFaceEncoding(ctx context.Context, userName string, encoding []float64, imageName string) (string, error)
	ListFaceEncodings(ctx context.Context) ([]FaceEncoding, error)
	DeleteUserEncodings(ctx context.Context, userName string) (int64, error)

	LogAccess(ctx context.Context, entry AccessLog) error
	// ListAccessLogs returns entries newest first
	ListAccessLogs(ctx context.Context, query AccessLogQuery) ([]AccessLog, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
