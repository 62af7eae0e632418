package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ao/doorlock/internal/doorlock"
	"github.com/ao/doorlock/internal/face"
	"github.com/ao/doorlock/internal/imaging"
	"github.com/ao/doorlock/internal/logging"
	"github.com/ao/doorlock/internal/resilience"
	"github.com/ao/doorlock/internal/store"
	"github.com/ao/doorlock/pkg/api"
)

// MockService is a mock implementation of Service
type MockService struct {
	mock.Mock
}

func (m *MockService) Status(ctx context.Context) api.StatusResponse {
	return m.Called(ctx).Get(0).(api.StatusResponse)
}

func (m *MockService) Health(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockService) VerifyQR(ctx context.Context, image string) (api.VerifyQRResponse, error) {
	args := m.Called(ctx, image)
	return args.Get(0).(api.VerifyQRResponse), args.Error(1)
}

func (m *MockService) RecognizeFace(ctx context.Context, image string) (api.RecognizeFaceResponse, error) {
	args := m.Called(ctx, image)
	return args.Get(0).(api.RecognizeFaceResponse), args.Error(1)
}

func (m *MockService) ValidateSession(ctx context.Context, id string) (api.SessionResponse, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(api.SessionResponse), args.Error(1)
}

func (m *MockService) ListUsers(ctx context.Context) ([]api.User, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]api.User), args.Error(1)
}

func (m *MockService) CreateUser(ctx context.Context, name, role string) (api.User, error) {
	args := m.Called(ctx, name, role)
	return args.Get(0).(api.User), args.Error(1)
}

func (m *MockService) EnrollFace(ctx context.Context, name, image, imageName string) (api.EnrollFaceResponse, error) {
	args := m.Called(ctx, name, image, imageName)
	return args.Get(0).(api.EnrollFaceResponse), args.Error(1)
}

func (m *MockService) DeleteEncodings(ctx context.Context, name string) (api.DeleteEncodingsResponse, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(api.DeleteEncodingsResponse), args.Error(1)
}

func (m *MockService) AccessLogs(ctx context.Context, query store.AccessLogQuery) ([]api.AccessLog, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]api.AccessLog), args.Error(1)
}

func (m *MockService) ReloadFaces(ctx context.Context) (api.ReloadResponse, error) {
	args := m.Called(ctx)
	return args.Get(0).(api.ReloadResponse), args.Error(1)
}

const adminToken = "s3cret-admin-token"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, opts Options) (*WebServer, *MockService) {
	t.Helper()

	svc := new(MockService)
	return NewWebServer(svc, logging.Discard(), opts), svc
}

func newAdminServer(t *testing.T) (*WebServer, *MockService) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.MinCost)
	require.NoError(t, err)
	return newTestServer(t, Options{AdminTokenHash: string(hash)})
}

func do(ws *WebServer, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) api.Error {
	t.Helper()

	var resp api.Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHomeHandler(t *testing.T) {
	ws, _ := newTestServer(t, Options{})

	w := do(ws, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"service":"ESP32-CAM Door Lock","status":"running"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDPropagated(t *testing.T) {
	ws, _ := newTestServer(t, Options{})

	w := do(ws, http.MethodGet, "/", "", "X-Request-ID", "abc-123")
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestStatusHandler(t *testing.T) {
	ws, svc := newTestServer(t, Options{})
	svc.On("Status", mock.Anything).Return(api.StatusResponse{Online: true, FacesLoaded: true, KnownFaces: 3})

	w := do(ws, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"online":true,"faces_loaded":true,"known_faces":3}`, w.Body.String())
}

func TestHealthHandler(t *testing.T) {
	ws, svc := newTestServer(t, Options{})
	svc.On("Health", mock.Anything).Return(nil).Once()
	svc.On("Health", mock.Anything).Return(errors.New("no reachable servers")).Once()

	w := do(ws, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(ws, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "no reachable servers")
}

func TestVerifyQRHandler(t *testing.T) {
	ws, svc := newTestServer(t, Options{})
	svc.On("VerifyQR", mock.Anything, "aGVsbG8=").
		Return(api.VerifyQRResponse{Valid: true, SessionID: "0123456789abcdef0123456789abcdef"}, nil)

	w := do(ws, http.MethodPost, "/api/verify-qr", `{"image":"aGVsbG8="}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid":true,"session_id":"0123456789abcdef0123456789abcdef"}`, w.Body.String())
}

func TestVerifyQRHandlerDenied(t *testing.T) {
	ws, svc := newTestServer(t, Options{})
	svc.On("VerifyQR", mock.Anything, mock.Anything).Return(api.VerifyQRResponse{Valid: false}, nil)

	w := do(ws, http.MethodPost, "/api/verify-qr", `{"image":"aGVsbG8="}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid":false}`, w.Body.String())
}

func TestImageRequestErrors(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		body    string
		status  int
		message string
	}{
		{"missing image qr", "/api/verify-qr", `{}`, http.StatusBadRequest, "No image"},
		{"empty image face", "/api/recognize-face", `{"image":""}`, http.StatusBadRequest, "No image"},
		{"not json", "/api/verify-qr", `image=abc`, http.StatusBadRequest, "Invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, svc := newTestServer(t, Options{})

			w := do(ws, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.message, decodeError(t, w).Error)
			svc.AssertNotCalled(t, "VerifyQR", mock.Anything, mock.Anything)
			svc.AssertNotCalled(t, "RecognizeFace", mock.Anything, mock.Anything)
		})
	}
}

func TestRecognizeFaceHandler(t *testing.T) {
	ws, svc := newTestServer(t, Options{})
	svc.On("RecognizeFace", mock.Anything, "frame").Return(api.RecognizeFaceResponse{
		Recognized: true,
		Name:       "alice",
		Confidence: "87.3%",
		Access:     api.AccessGranted,
	}, nil)

	w := do(ws, http.MethodPost, "/api/recognize-face", `{"image":"frame"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"recognized":true,"name":"alice","confidence":"87.3%","access":"granted"}`, w.Body.String())
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		message    string
		retryAfter string
	}{
		{"no encodings", face.ErrNoEncodings, http.StatusServiceUnavailable, "No face encodings available", ""},
		{"recognition unavailable", doorlock.ErrRecognitionUnavailable, http.StatusServiceUnavailable, "Face recognition unavailable", ""},
		{"busy", resilience.ErrBulkheadFull, http.StatusServiceUnavailable, "Server busy", "1"},
		{"invalid image", fmt.Errorf("%w: bad base64", imaging.ErrInvalidImage), http.StatusBadRequest, "Invalid image", ""},
		{"internal", errors.New("dlib exploded"), http.StatusInternalServerError, "Internal server error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, svc := newTestServer(t, Options{})
			svc.On("RecognizeFace", mock.Anything, mock.Anything).Return(api.RecognizeFaceResponse{}, tt.err)

			w := do(ws, http.MethodPost, "/api/recognize-face", `{"image":"frame"}`)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.message, decodeError(t, w).Error)
			assert.Equal(t, tt.status, decodeError(t, w).Code)
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After"))
		})
	}
}

func TestBodyLimit(t *testing.T) {
	ws, svc := newTestServer(t, Options{MaxBodyBytes: 64})

	body := fmt.Sprintf(`{"image":"%s"}`, strings.Repeat("A", 100))
	w := do(ws, http.MethodPost, "/api/verify-qr", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	svc.AssertNotCalled(t, "VerifyQR", mock.Anything, mock.Anything)
}

func TestBodyLimitChunked(t *testing.T) {
	ws, svc := newTestServer(t, Options{MaxBodyBytes: 64})

	body := fmt.Sprintf(`{"image":"%s"}`, strings.Repeat("A", 100))
	req := httptest.NewRequest(http.MethodPost, "/api/verify-qr", bytes.NewBufferString(body))
	req.ContentLength = -1
	w := httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	svc.AssertNotCalled(t, "VerifyQR", mock.Anything, mock.Anything)
}

func TestSessionHandler(t *testing.T) {
	ws, svc := newTestServer(t, Options{})
	svc.On("ValidateSession", mock.Anything, "unknown").Return(api.SessionResponse{Valid: false}, nil)

	w := do(ws, http.MethodGet, "/api/sessions/unknown", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid":false}`, w.Body.String())
}

func TestRecoveryHandler(t *testing.T) {
	ws, svc := newTestServer(t, Options{})
	svc.On("Status", mock.Anything).Run(func(mock.Arguments) { panic("boom") })

	w := do(ws, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal server error", decodeError(t, w).Error)
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestErrorDetailsOnlyForClientErrors(t *testing.T) {
	t.Run("internal error hides details", func(t *testing.T) {
		ws, svc := newTestServer(t, Options{})
		svc.On("RecognizeFace", mock.Anything, mock.Anything).Return(api.RecognizeFaceResponse{},
			errors.New("server selection error: mongo-0.db.internal:27017, topology ReplicaSetNoPrimary"))

		w := do(ws, http.MethodPost, "/api/recognize-face", `{"image":"frame"}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Empty(t, decodeError(t, w).Message)
		assert.NotContains(t, w.Body.String(), "mongo-0")
	})

	t.Run("unavailable hides details", func(t *testing.T) {
		ws, svc := newTestServer(t, Options{})
		svc.On("RecognizeFace", mock.Anything, mock.Anything).Return(api.RecognizeFaceResponse{},
			fmt.Errorf("%w: models at /srv/models", doorlock.ErrRecognitionUnavailable))

		w := do(ws, http.MethodPost, "/api/recognize-face", `{"image":"frame"}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Empty(t, decodeError(t, w).Message)
	})

	t.Run("bad request keeps details", func(t *testing.T) {
		ws, svc := newTestServer(t, Options{})
		svc.On("RecognizeFace", mock.Anything, mock.Anything).Return(api.RecognizeFaceResponse{},
			fmt.Errorf("%w: bad base64", imaging.ErrInvalidImage))

		w := do(ws, http.MethodPost, "/api/recognize-face", `{"image":"frame"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Invalid image", decodeError(t, w).Error)
		assert.Contains(t, decodeError(t, w).Message, "bad base64")
	})
}

func TestAdminRoutesDisabledWithoutHash(t *testing.T) {
	ws, _ := newTestServer(t, Options{})

	w := do(ws, http.MethodGet, "/api/admin/users", "", "Authorization", "Bearer "+adminToken)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminAuth(t *testing.T) {
	ws, svc := newAdminServer(t)
	svc.On("ListUsers", mock.Anything).Return([]api.User{{ID: "u1", Name: "alice", Role: "user", IsActive: true}}, nil)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + adminToken, http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + adminToken, http.StatusOK},
		{"lowercase scheme", "bearer " + adminToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.header != "" {
				headers = []string{"Authorization", tt.header}
			}
			w := do(ws, http.MethodGet, "/api/admin/users", "", headers...)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestAdminCreateUser(t *testing.T) {
	ws, svc := newAdminServer(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.On("CreateUser", mock.Anything, "bob", "admin").
		Return(api.User{ID: "u2", Name: "bob", Role: "admin", CreatedAt: created, IsActive: true}, nil)

	w := do(ws, http.MethodPost, "/api/admin/users", `{"name":"bob","role":"admin"}`, "Authorization", "Bearer "+adminToken)
	assert.Equal(t, http.StatusCreated, w.Code)

	var user api.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))
	assert.Equal(t, "bob", user.Name)
	assert.Equal(t, created, user.CreatedAt)

	w = do(ws, http.MethodPost, "/api/admin/users", `{"role":"admin"}`, "Authorization", "Bearer "+adminToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminEnrollFace(t *testing.T) {
	ws, svc := newAdminServer(t)
	svc.On("EnrollFace", mock.Anything, "carol", "frame", "door.jpg").
		Return(api.EnrollFaceResponse{EncodingID: "e1", User: "carol", KnownFaces: 2}, nil)
	svc.On("EnrollFace", mock.Anything, "dave", "frame", "").
		Return(api.EnrollFaceResponse{}, face.ErrNoFace)

	auth := []string{"Authorization", "Bearer " + adminToken}

	w := do(ws, http.MethodPost, "/api/admin/users/carol/faces", `{"image":"frame","image_name":"door.jpg"}`, auth...)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"encoding_id":"e1","user":"carol","known_faces":2}`, w.Body.String())

	w = do(ws, http.MethodPost, "/api/admin/users/dave/faces", `{"image":"frame"}`, auth...)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(ws, http.MethodPost, "/api/admin/users/dave/faces", `{}`, auth...)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No image", decodeError(t, w).Error)
}

func TestAdminDeleteEncodings(t *testing.T) {
	ws, svc := newAdminServer(t)
	svc.On("DeleteEncodings", mock.Anything, "carol").Return(api.DeleteEncodingsResponse{User: "carol", Deleted: 3}, nil)
	svc.On("DeleteEncodings", mock.Anything, "nobody").Return(api.DeleteEncodingsResponse{}, store.ErrNotFound)

	auth := []string{"Authorization", "Bearer " + adminToken}

	w := do(ws, http.MethodDelete, "/api/admin/users/carol/faces", "", auth...)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"carol","deleted":3}`, w.Body.String())

	w = do(ws, http.MethodDelete, "/api/admin/users/nobody/faces", "", auth...)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminAccessLogs(t *testing.T) {
	ws, svc := newAdminServer(t)
	svc.On("AccessLogs", mock.Anything, store.AccessLogQuery{Limit: 5, UserName: "alice"}).
		Return([]api.AccessLog{{ID: "l1", UserName: "alice", Status: "opened", AccessType: "face"}}, nil)

	auth := []string{"Authorization", "Bearer " + adminToken}

	w := do(ws, http.MethodGet, "/api/admin/access-logs?limit=5&user=alice", "", auth...)
	assert.Equal(t, http.StatusOK, w.Code)

	var logs []api.AccessLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "alice", logs[0].UserName)

	w = do(ws, http.MethodGet, "/api/admin/access-logs?limit=ten", "", auth...)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminReloadFaces(t *testing.T) {
	ws, svc := newAdminServer(t)
	svc.On("ReloadFaces", mock.Anything).Return(api.ReloadResponse{Encodings: 4, KnownFaces: 2}, nil)

	w := do(ws, http.MethodPost, "/api/admin/faces/reload", "", "Authorization", "Bearer "+adminToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"encodings":4,"known_faces":2}`, w.Body.String())
}

func TestStartStop(t *testing.T) {
	ws, svc := newTestServer(t, Options{Addr: "127.0.0.1:0"})
	svc.On("Status", mock.Anything).Return(api.StatusResponse{Online: true})

	require.NoError(t, ws.Start())

	resp, err := http.Get("http://" + ws.Addr() + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, ws.Stop(context.Background()))
	require.NoError(t, ws.Stop(context.Background()))
}

func TestHashAdminToken(t *testing.T) {
	hash, err := HashAdminToken("token")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("token")))
}
