// Package doorlock decides whether to open the door for a camera frame.
package doorlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/ao/doorlock/internal/enroll"
	"github.com/ao/doorlock/internal/face"
	"github.com/ao/doorlock/internal/imaging"
	"github.com/ao/doorlock/internal/qr"
	"github.com/ao/doorlock/internal/resilience"
	"github.com/ao/doorlock/internal/session"
	"github.com/ao/doorlock/internal/store"
	"github.com/ao/doorlock/pkg/api"
)

// Names recorded in the access log when no person is identified
const (
	QRUserName      = "QR"
	UnknownUserName = "Unknown"
)

// ErrRecognitionUnavailable is returned when no face encoder is configured
var ErrRecognitionUnavailable = errors.New("face recognition unavailable")

// Options configures a Service
type Options struct {
	Store     store.Store
	Encoder   face.Encoder
	Validator *qr.Validator
	Sessions  *session.Manager

	Threshold      float64
	MaxInFlight    int
	AcquireTimeout time.Duration
	LogTimeout     time.Duration
	// LogRetry overrides the access-log retry backoff
	LogRetry *resilience.ExponentialBackoffConfig

	Logger    *logrus.Logger
	ZapLogger *zap.Logger
}

// Service implements the door-lock decisions and the admin operations
type Service struct {
	store     store.Store
	encoder   face.Encoder
	gallery   *face.Gallery
	matcher   *face.Matcher
	loader    *face.Loader
	importer  *enroll.Importer
	validator *qr.Validator
	sessions  *session.Manager
	bulkhead  *resilience.Bulkhead
	logRetry  *resilience.RetryPolicy
	logger    *logrus.Logger

	logTimeout time.Duration
	pending    sync.WaitGroup
}

// New creates a service. The face gallery starts empty; call ReloadFaces.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Validator == nil || opts.Sessions == nil {
		return nil, errors.New("qr validator and session manager are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 1
	}
	if opts.LogTimeout <= 0 {
		opts.LogTimeout = 10 * time.Second
	}

	logRetry := resilience.DefaultExponentialBackoffConfig()
	if opts.LogRetry != nil {
		logRetry = *opts.LogRetry
	}

	gallery := face.NewGallery()
	s := &Service{
		store:      opts.Store,
		encoder:    opts.Encoder,
		gallery:    gallery,
		matcher:    face.NewMatcher(gallery, opts.Threshold),
		validator:  opts.Validator,
		sessions:   opts.Sessions,
		logger:     opts.Logger,
		logTimeout: opts.LogTimeout,
		bulkhead: resilience.NewBulkhead("frames", resilience.BulkheadConfig{
			MaxConcurrentCalls: int64(opts.MaxInFlight),
			AcquireTimeout:     opts.AcquireTimeout,
		}, opts.ZapLogger),
		logRetry: resilience.NewRetryPolicy("access-log", logRetry, opts.ZapLogger),
	}
	s.loader = face.NewLoader(gallery, s.knownFaces, opts.Logger)
	if opts.Encoder != nil {
		s.importer = enroll.NewImporter(opts.Store, opts.Encoder, opts.Logger)
	}
	return s, nil
}

func (s *Service) knownFaces(ctx context.Context) ([]face.Entry, error) {
	encodings, err := s.store.ListFaceEncodings(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]face.Entry, 0, len(encodings))
	for _, e := range encodings {
		entries = append(entries, face.Entry{Name: e.UserName, Descriptor: face.Descriptor(e.Encoding)})
	}
	return entries, nil
}

// ReloadFaces reloads the face gallery from the store
func (s *Service) ReloadFaces(ctx context.Context) (api.ReloadResponse, error) {
	n, err := s.loader.Reload(ctx)
	if err != nil {
		return api.ReloadResponse{}, err
	}
	return api.ReloadResponse{Encodings: n, KnownFaces: len(s.gallery.DistinctNames())}, nil
}

// StartFaceRefresh periodically reloads the gallery until ctx is done
func (s *Service) StartFaceRefresh(ctx context.Context, interval time.Duration) {
	s.loader.StartRefresh(ctx, interval)
}

// Status reports whether faces are loaded and how many people are known
func (s *Service) Status(ctx context.Context) api.StatusResponse {
	names := s.gallery.DistinctNames()
	s.logger.Debugf("Status: faces_loaded=%v known_faces=%d encodings=%d", s.gallery.Loaded(), len(names), s.gallery.Len())

	return api.StatusResponse{
		Online:      true,
		FacesLoaded: s.gallery.Loaded(),
		KnownFaces:  len(names),
	}
}

// Health checks the store connection
func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// VerifyQR decodes a QR code from a base64 frame and opens the door when
// it matches the configured secret
func (s *Service) VerifyQR(ctx context.Context, image string) (api.VerifyQRResponse, error) {
	var resp api.VerifyQRResponse

	err := s.bulkhead.Execute(ctx, func(ctx context.Context) error {
		frame, err := imaging.Decode(image)
		if err != nil {
			return err
		}

		data, err := qr.Decode(frame.Image)
		if err != nil || !s.validator.Validate(data) {
			s.logger.WithField("qr_found", err == nil).Info("QR access denied")
			s.logAccess(QRUserName, store.StatusDenied, store.AccessQR, nil)
			resp = api.VerifyQRResponse{Valid: false}
			return nil
		}

		sess, err := s.sessions.Create(ctx, store.AccessQR)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}

		s.logger.WithField("session", sess.ID).Info("QR access granted")
		s.logAccess(QRUserName, store.StatusOpened, store.AccessQR, nil)
		resp = api.VerifyQRResponse{Valid: true, SessionID: sess.ID}
		return nil
	})

	return resp, err
}

// RecognizeFace matches the first face in a base64 frame against the
// gallery. It returns face.ErrNoEncodings when nobody is enrolled.
func (s *Service) RecognizeFace(ctx context.Context, image string) (api.RecognizeFaceResponse, error) {
	if s.encoder == nil {
		return api.RecognizeFaceResponse{}, ErrRecognitionUnavailable
	}
	if !s.gallery.Loaded() {
		return api.RecognizeFaceResponse{}, face.ErrNoEncodings
	}

	denied := api.RecognizeFaceResponse{Recognized: false, Access: api.AccessDenied}
	var resp api.RecognizeFaceResponse

	err := s.bulkhead.Execute(ctx, func(ctx context.Context) error {
		frame, err := imaging.Decode(image)
		if err != nil {
			return err
		}

		jpeg, err := frame.JPEG()
		if err != nil {
			return err
		}

		descriptor, err := face.EncodeFirst(ctx, s.encoder, jpeg)
		if errors.Is(err, face.ErrNoFace) {
			s.logger.Info("Face access denied: no face detected")
			s.logAccess(UnknownUserName, store.StatusDenied, store.AccessFace, nil)
			resp = denied
			return nil
		}
		if err != nil {
			return err
		}

		result, err := s.matcher.Match(descriptor)
		if err != nil {
			return err
		}

		if !result.Recognized {
			s.logger.WithField("confidence", face.FormatConfidence(result.Confidence)).Info("Face access denied: not recognized")
			s.logAccess(UnknownUserName, store.StatusDenied, store.AccessFace, nil)
			resp = denied
			return nil
		}

		confidence := result.Confidence
		s.logger.WithFields(logrus.Fields{
			"user":       result.Name,
			"confidence": face.FormatConfidence(confidence),
		}).Info("Face access granted")
		s.logAccess(result.Name, store.StatusOpened, store.AccessFace, &confidence)

		resp = api.RecognizeFaceResponse{
			Recognized: true,
			Name:       result.Name,
			Confidence: face.FormatConfidence(confidence),
			Access:     api.AccessGranted,
		}
		return nil
	})

	return resp, err
}

// ValidateSession reports whether a QR session is still live
func (s *Service) ValidateSession(ctx context.Context, id string) (api.SessionResponse, error) {
	sess, err := s.sessions.Validate(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return api.SessionResponse{Valid: false}, nil
	}
	if err != nil {
		return api.SessionResponse{}, err
	}

	expires := sess.ExpiresAt
	return api.SessionResponse{Valid: true, Method: sess.Method, ExpiresAt: &expires}, nil
}

// logAccess records a decision in the background. Failures are retried and
// then logged; they never affect the response sent to the device.
func (s *Service) logAccess(userName, status, accessType string, confidence *float64) {
	entry := store.AccessLog{
		UserName:   userName,
		Status:     status,
		AccessType: accessType,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.logTimeout)
		defer cancel()

		err := s.logRetry.Execute(ctx, func(ctx context.Context) error {
			return s.store.LogAccess(ctx, entry)
		})
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"user":   userName,
				"status": status,
			}).Errorf("Failed to log access: %v", err)
		}
	}()
}

// Flush waits for pending access-log writes
func (s *Service) Flush() {
	s.pending.Wait()
}

// Close flushes pending writes and releases the encoder
func (s *Service) Close() error {
	s.Flush()
	if s.encoder != nil {
		return s.encoder.Close()
	}
	return nil
}
