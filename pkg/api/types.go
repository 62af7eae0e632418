// Package api defines the JSON wire types of the door-lock HTTP API.
package api

import "time"

// ServiceName is reported by the root endpoint
const ServiceName = "ESP32-CAM Door Lock"

// Access decisions reported to the device
const (
	AccessGranted = "granted"
	AccessDenied  = "denied"
)

// HomeResponse is returned by GET /
type HomeResponse struct {
	Service string `json:"service"`
	Status  string `json:"status"`
}

// StatusResponse is returned by GET /api/status
type StatusResponse struct {
	Online      bool `json:"online"`
	FacesLoaded bool `json:"faces_loaded"`
	KnownFaces  int  `json:"known_faces"`
}

// ImageRequest carries a base64 encoded camera frame
type ImageRequest struct {
	Image *string `json:"image"`
}

// VerifyQRResponse is returned by POST /api/verify-qr
type VerifyQRResponse struct {
	Valid     bool   `json:"valid"`
	SessionID string `json:"session_id,omitempty"`
}

// RecognizeFaceResponse is returned by POST /api/recognize-face
type RecognizeFaceResponse struct {
	Recognized bool   `json:"recognized"`
	Name       string `json:"name,omitempty"`
	Confidence string `json:"confidence,omitempty"`
	Access     string `json:"access"`
}

// SessionResponse is returned by GET /api/sessions/:id
type SessionResponse struct {
	Valid     bool       `json:"valid"`
	Method    string     `json:"method,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// HealthResponse is returned by GET /healthz
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// User is an enrolled person
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
}

// CreateUserRequest is the body of POST /api/admin/users
type CreateUserRequest struct {
	Name string `json:"name" binding:"required"`
	Role string `json:"role"`
}

// EnrollFaceRequest is the body of POST /api/admin/users/:name/faces
type EnrollFaceRequest struct {
	Image     string `json:"image"`
	ImageName string `json:"image_name"`
}

// EnrollFaceResponse reports a stored face encoding
type EnrollFaceResponse struct {
	EncodingID string `json:"encoding_id"`
	User       string `json:"user"`
	KnownFaces int    `json:"known_faces"`
}

// DeleteEncodingsResponse reports removed encodings
type DeleteEncodingsResponse struct {
	User    string `json:"user"`
	Deleted int64  `json:"deleted"`
}

// ReloadResponse reports a gallery reload
type ReloadResponse struct {
	Encodings  int `json:"encodings"`
	KnownFaces int `json:"known_faces"`
}

// AccessLog is one door decision
type AccessLog struct {
	ID         string    `json:"id"`
	UserName   string    `json:"user_name"`
	Status     string    `json:"status"`
	AccessType string    `json:"access_type"`
	Confidence *float64  `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Error is the body of every non-2xx response
type Error struct {
	Error   string `json:"error"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
