package doorlock

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ao/doorlock/internal/face"
	"github.com/ao/doorlock/internal/logging"
	"github.com/ao/doorlock/internal/qr"
	"github.com/ao/doorlock/internal/resilience"
	"github.com/ao/doorlock/internal/session"
	"github.com/ao/doorlock/internal/store"
	"github.com/ao/doorlock/pkg/api"
)

type MockEncoder struct {
	mock.Mock
}

func (m *MockEncoder) Encode(ctx context.Context, data []byte) ([]face.Descriptor, error) {
	args := m.Called(ctx, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]face.Descriptor), args.Error(1)
}

func (m *MockEncoder) Close() error {
	return m.Called().Error(0)
}

func descriptor(v float64) face.Descriptor {
	d := make(face.Descriptor, face.DescriptorSize)
	d[0] = v
	return d
}

func pngBase64(t *testing.T, img image.Image) string {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func qrFrame(t *testing.T, text string) string {
	t.Helper()

	matrix, err := qrcode.NewQRCodeWriter().Encode(text, gozxing.BarcodeFormat_QR_CODE, 200, 200, nil)
	require.NoError(t, err)

	img := image.NewGray(image.Rect(0, 0, matrix.GetWidth(), matrix.GetHeight()))
	for y := 0; y < matrix.GetHeight(); y++ {
		for x := 0; x < matrix.GetWidth(); x++ {
			c := color.Gray{Y: 255}
			if matrix.Get(x, y) {
				c = color.Gray{Y: 0}
			}
			img.SetGray(x, y, c)
		}
	}
	return pngBase64(t, img)
}

func blankFrame(t *testing.T) string {
	t.Helper()

	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return pngBase64(t, img)
}

type fixture struct {
	svc     *Service
	store   *store.MemoryStore
	encoder *MockEncoder
}

func newFixture(t *testing.T, withEncoder bool) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	lru, err := session.NewLRUStore(16)
	require.NoError(t, err)

	f := &fixture{store: st}
	opts := Options{
		Store:          st,
		Validator:      qr.NewValidator(qr.HashSecret("door-secret")),
		Sessions:       session.NewManager(lru, time.Minute, logging.Discard()),
		MaxInFlight:    2,
		AcquireTimeout: time.Second,
		Logger:         logging.Discard(),
	}
	if withEncoder {
		f.encoder = new(MockEncoder)
		opts.Encoder = f.encoder
	}

	f.svc, err = New(opts)
	require.NoError(t, err)
	return f
}

func (f *fixture) enroll(t *testing.T, name string, d face.Descriptor) {
	t.Helper()

	_, err := f.store.SaveFaceEncoding(context.Background(), name, d, name+".jpg")
	require.NoError(t, err)
	_, err = f.svc.ReloadFaces(context.Background())
	require.NoError(t, err)
}

func (f *fixture) accessLogs(t *testing.T) []store.AccessLog {
	t.Helper()

	f.svc.Flush()
	logs, err := f.store.ListAccessLogs(context.Background(), store.AccessLogQuery{})
	require.NoError(t, err)
	return logs
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Store: store.NewMemoryStore()})
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, true)

	assert.Equal(t, api.StatusResponse{Online: true}, f.svc.Status(context.Background()))

	f.enroll(t, "alice", descriptor(0.1))
	f.enroll(t, "alice", descriptor(0.2))
	f.enroll(t, "bob", descriptor(0.9))

	assert.Equal(t, api.StatusResponse{Online: true, FacesLoaded: true, KnownFaces: 2}, f.svc.Status(context.Background()))
}

func TestVerifyQRValid(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	resp, err := f.svc.VerifyQR(ctx, qrFrame(t, "door-secret"))
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Len(t, resp.SessionID, 32)

	sess, err := f.svc.ValidateSession(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Valid)
	assert.Equal(t, store.AccessQR, sess.Method)

	logs := f.accessLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, QRUserName, logs[0].UserName)
	assert.Equal(t, store.StatusOpened, logs[0].Status)
	assert.Equal(t, store.AccessQR, logs[0].AccessType)
	assert.Nil(t, logs[0].Confidence)
}

func TestVerifyQRDenied(t *testing.T) {
	tests := []struct {
		name  string
		frame func(t *testing.T) string
	}{
		{"wrong secret", func(t *testing.T) string { return qrFrame(t, "guess") }},
		{"no code", blankFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)

			resp, err := f.svc.VerifyQR(context.Background(), tt.frame(t))
			require.NoError(t, err)
			assert.Equal(t, api.VerifyQRResponse{Valid: false}, resp)

			logs := f.accessLogs(t)
			require.Len(t, logs, 1)
			assert.Equal(t, store.StatusDenied, logs[0].Status)
		})
	}
}

func TestVerifyQRInvalidImage(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.VerifyQR(context.Background(), "%%%not-base64%%%")
	assert.Error(t, err)
	assert.Empty(t, f.accessLogs(t))
}

func TestRecognizeFaceUnavailable(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.RecognizeFace(context.Background(), blankFrame(t))
	assert.ErrorIs(t, err, ErrRecognitionUnavailable)
}

func TestRecognizeFaceNoEncodings(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.svc.RecognizeFace(context.Background(), blankFrame(t))
	assert.ErrorIs(t, err, face.ErrNoEncodings)
	f.encoder.AssertNotCalled(t, "Encode", mock.Anything, mock.Anything)
}

func TestRecognizeFaceGranted(t *testing.T) {
	f := newFixture(t, true)
	f.enroll(t, "alice", descriptor(0))
	f.enroll(t, "bob", descriptor(1))

	f.encoder.On("Encode", mock.Anything, mock.Anything).Return([]face.Descriptor{descriptor(0.2), descriptor(1)}, nil)

	resp, err := f.svc.RecognizeFace(context.Background(), blankFrame(t))
	require.NoError(t, err)
	assert.Equal(t, api.RecognizeFaceResponse{
		Recognized: true,
		Name:       "alice",
		Confidence: "80.0%",
		Access:     api.AccessGranted,
	}, resp)

	logs := f.accessLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "alice", logs[0].UserName)
	assert.Equal(t, store.StatusOpened, logs[0].Status)
	assert.Equal(t, store.AccessFace, logs[0].AccessType)
	require.NotNil(t, logs[0].Confidence)
	assert.InDelta(t, 0.8, *logs[0].Confidence, 1e-9)
}

func TestRecognizeFaceDenied(t *testing.T) {
	tests := []struct {
		name        string
		descriptors []face.Descriptor
	}{
		{"stranger", []face.Descriptor{descriptor(0.7)}},
		{"threshold is exclusive", []face.Descriptor{descriptor(0.5)}},
		{"no face", []face.Descriptor{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.enroll(t, "alice", descriptor(0))
			f.encoder.On("Encode", mock.Anything, mock.Anything).Return(tt.descriptors, nil)

			resp, err := f.svc.RecognizeFace(context.Background(), blankFrame(t))
			require.NoError(t, err)
			assert.Equal(t, api.RecognizeFaceResponse{Recognized: false, Access: api.AccessDenied}, resp)

			logs := f.accessLogs(t)
			require.Len(t, logs, 1)
			assert.Equal(t, UnknownUserName, logs[0].UserName)
			assert.Equal(t, store.StatusDenied, logs[0].Status)
		})
	}
}

func TestRecognizeFaceEncoderError(t *testing.T) {
	f := newFixture(t, true)
	f.enroll(t, "alice", descriptor(0))
	f.encoder.On("Encode", mock.Anything, mock.Anything).Return(nil, errors.New("dlib failed"))

	_, err := f.svc.RecognizeFace(context.Background(), blankFrame(t))
	assert.EqualError(t, err, "dlib failed")
	assert.Empty(t, f.accessLogs(t))
}

func TestRecognizeFaceConcurrent(t *testing.T) {
	f := newFixture(t, true)
	f.enroll(t, "alice", descriptor(0))
	f.encoder.On("Encode", mock.Anything, mock.Anything).Return([]face.Descriptor{descriptor(0.1)}, nil)

	frame := blankFrame(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.svc.RecognizeFace(context.Background(), frame)
			assert.NoError(t, err)
			assert.True(t, resp.Recognized)
		}()
	}
	wg.Wait()

	assert.Len(t, f.accessLogs(t), 8)
}

func TestValidateSessionUnknown(t *testing.T) {
	f := newFixture(t, false)

	resp, err := f.svc.ValidateSession(context.Background(), "0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Nil(t, resp.ExpiresAt)
}

type failingStore struct {
	*store.MemoryStore
	calls int
	mu    sync.Mutex
}

func (s *failingStore) LogAccess(ctx context.Context, entry store.AccessLog) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return errors.New("write failed")
}

func TestAccessLogFailureDoesNotFailRequest(t *testing.T) {
	st := &failingStore{MemoryStore: store.NewMemoryStore()}
	lru, err := session.NewLRUStore(4)
	require.NoError(t, err)

	svc, err := New(Options{
		Store:     st,
		Validator: qr.NewValidator("door-secret"),
		Sessions:  session.NewManager(lru, time.Minute, logging.Discard()),
		Logger:    logging.Discard(),
		LogRetry: &resilience.ExponentialBackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			MaxRetries:   2,
			Multiplier:   1,
		},
	})
	require.NoError(t, err)

	resp, err := svc.VerifyQR(context.Background(), qrFrame(t, "door-secret"))
	require.NoError(t, err)
	assert.True(t, resp.Valid)

	svc.Flush()
	assert.Equal(t, 3, st.calls)
}

func TestClose(t *testing.T) {
	f := newFixture(t, true)
	f.encoder.On("Close").Return(nil).Once()

	require.NoError(t, f.svc.Close())
	f.encoder.AssertExpectations(t)
}

func TestEnrollAndDeleteFaces(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.encoder.On("Encode", mock.Anything, mock.Anything).Return([]face.Descriptor{descriptor(0.3)}, nil)

	resp, err := f.svc.EnrollFace(ctx, "carol", blankFrame(t), "upload.png")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.EncodingID)
	assert.Equal(t, "carol", resp.User)
	assert.Equal(t, 1, resp.KnownFaces)
	assert.True(t, f.svc.Status(ctx).FacesLoaded)

	users, err := f.svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, store.RoleUser, users[0].Role)

	del, err := f.svc.DeleteEncodings(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(1), del.Deleted)
	assert.False(t, f.svc.Status(ctx).FacesLoaded)

	_, err = f.svc.DeleteEncodings(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnrollFaceUnavailable(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.EnrollFace(context.Background(), "carol", blankFrame(t), "")
	assert.ErrorIs(t, err, ErrRecognitionUnavailable)
}

func TestCreateUserRole(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	u, err := f.svc.CreateUser(ctx, "admin", store.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, store.RoleAdmin, u.Role)
	assert.True(t, u.IsActive)

	_, err = f.svc.CreateUser(ctx, "eve", "root")
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func TestAccessLogsQuery(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.VerifyQR(ctx, blankFrame(t))
		require.NoError(t, err)
	}
	f.svc.Flush()

	logs, err := f.svc.AccessLogs(ctx, store.AccessLogQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	logs, err = f.svc.AccessLogs(ctx, store.AccessLogQuery{UserName: "alice"})
	require.NoError(t, err)
	assert.Empty(t, logs)
}
