package doorlock

import (
	"context"
	"fmt"

	"github.com/ao/doorlock/internal/imaging"
	"github.com/ao/doorlock/internal/store"
	"github.com/ao/doorlock/pkg/api"
)

// ListUsers returns active users
func (s *Service) ListUsers(ctx context.Context) ([]api.User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]api.User, 0, len(users))
	for _, u := range users {
		out = append(out, toAPIUser(u))
	}
	return out, nil
}

// CreateUser adds a user, returning the existing one for a known name
func (s *Service) CreateUser(ctx context.Context, name, role string) (api.User, error) {
	switch role {
	case "", store.RoleUser, store.RoleAdmin:
	default:
		return api.User{}, fmt.Errorf("%w: unknown role %q", store.ErrInvalidArgument, role)
	}

	u, err := s.store.AddUser(ctx, name, role)
	if err != nil {
		return api.User{}, err
	}
	return toAPIUser(u), nil
}

// EnrollFace stores the first face found in a base64 frame for name and
// reloads the gallery
func (s *Service) EnrollFace(ctx context.Context, name, image, imageName string) (api.EnrollFaceResponse, error) {
	if s.importer == nil {
		return api.EnrollFaceResponse{}, ErrRecognitionUnavailable
	}

	var id string
	err := s.bulkhead.Execute(ctx, func(ctx context.Context) error {
		frame, err := imaging.Decode(image)
		if err != nil {
			return err
		}
		id, err = s.importer.EnrollFrame(ctx, name, frame, imageName)
		return err
	})
	if err != nil {
		return api.EnrollFaceResponse{}, err
	}

	reload, err := s.ReloadFaces(ctx)
	if err != nil {
		return api.EnrollFaceResponse{}, err
	}

	return api.EnrollFaceResponse{EncodingID: id, User: name, KnownFaces: reload.KnownFaces}, nil
}

// DeleteEncodings removes every face encoding of name and reloads the gallery
func (s *Service) DeleteEncodings(ctx context.Context, name string) (api.DeleteEncodingsResponse, error) {
	if _, err := s.store.GetUserByName(ctx, name); err != nil {
		return api.DeleteEncodingsResponse{}, err
	}

	n, err := s.store.DeleteUserEncodings(ctx, name)
	if err != nil {
		return api.DeleteEncodingsResponse{}, err
	}

	if _, err := s.ReloadFaces(ctx); err != nil {
		return api.DeleteEncodingsResponse{}, err
	}

	s.logger.WithField("user", name).Infof("Deleted %d face encodings", n)
	return api.DeleteEncodingsResponse{User: name, Deleted: n}, nil
}

// AccessLogs returns the newest access log entries
func (s *Service) AccessLogs(ctx context.Context, query store.AccessLogQuery) ([]api.AccessLog, error) {
	logs, err := s.store.ListAccessLogs(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make([]api.AccessLog, 0, len(logs))
	for _, l := range logs {
		out = append(out, api.AccessLog{
			ID:         l.ID,
			UserName:   l.UserName,
			Status:     l.Status,
			AccessType: l.AccessType,
			Confidence: l.Confidence,
			Timestamp:  l.Timestamp,
		})
	}
	return out, nil
}

func toAPIUser(u store.User) api.User {
	return api.User{
		ID:        u.ID,
		Name:      u.Name,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
		IsActive:  u.IsActive,
	}
}
