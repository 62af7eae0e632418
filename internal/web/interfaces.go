package web

import (
	"context"

	"github.com/ao/doorlock/internal/store"
	"github.com/ao/doorlock/pkg/api"
)

// DoorService defines the operations used by the device-facing routes
type DoorService interface {
	Status(ctx context.Context) api.StatusResponse
	Health(ctx context.Context) error
	VerifyQR(ctx context.Context, image string) (api.VerifyQRResponse, error)
	RecognizeFace(ctx context.Context, image string) (api.RecognizeFaceResponse, error)
	ValidateSession(ctx context.Context, id string) (api.SessionResponse, error)
}

// AdminService defines the operations used by the admin routes
type AdminService interface {
	ListUsers(ctx context.Context) ([]api.User, error)
	CreateUser(ctx context.Context, name, role string) (api.User, error)
	EnrollFace(ctx context.Context, name, image, imageName string) (api.EnrollFaceResponse, error)
	DeleteEncodings(ctx context.Context, name string) (api.DeleteEncodingsResponse, error)
	AccessLogs(ctx context.Context, query store.AccessLogQuery) ([]api.AccessLog, error)
	ReloadFaces(ctx context.Context) (api.ReloadResponse, error)
}

// Service is everything the web server needs
type Service interface {
	DoorService
	AdminService
}
