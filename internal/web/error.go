package web

import (
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ao/doorlock/internal/doorlock"
	"github.com/ao/doorlock/internal/face"
	"github.com/ao/doorlock/internal/imaging"
	"github.com/ao/doorlock/internal/resilience"
	"github.com/ao/doorlock/internal/store"
	"github.com/ao/doorlock/pkg/api"
)

// httpError carries a status and a client-facing message
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string { return e.message }

func badRequest(message string) error {
	return &httpError{status: http.StatusBadRequest, message: message}
}

var errNoImage = badRequest("No image")

// errorStatus maps an error to its HTTP status and public message
func errorStatus(err error) (int, string) {
	var he *httpError
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &he):
		return he.status, he.message
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "Request body too large"
	case errors.Is(err, imaging.ErrInvalidImage):
		return http.StatusBadRequest, "Invalid image"
	case errors.Is(err, store.ErrInvalidArgument):
		return http.StatusBadRequest, "Invalid argument"
	case errors.Is(err, face.ErrNoFace):
		return http.StatusUnprocessableEntity, "No face detected"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, face.ErrNoEncodings):
		return http.StatusServiceUnavailable, "No face encodings available"
	case errors.Is(err, doorlock.ErrRecognitionUnavailable):
		return http.StatusServiceUnavailable, "Face recognition unavailable"
	case errors.Is(err, resilience.ErrBulkheadFull):
		return http.StatusServiceUnavailable, "Server busy"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// ErrorHandler is a middleware that turns the last handler error into a
// JSON response
func ErrorHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status, message := errorStatus(err)

		entry := logger.WithField("request_id", c.GetString(requestIDKey))
		if status >= http.StatusInternalServerError {
			entry.Errorf("Error handling request: %v", err)
		} else {
			entry.Debugf("Request rejected: %v", err)
		}

		if errors.Is(err, resilience.ErrBulkheadFull) {
			c.Header("Retry-After", "1")
		}

		// server-side failures keep their details in the log only
		resp := api.Error{Error: message, Code: status}
		var he *httpError
		if status < http.StatusInternalServerError && !errors.As(err, &he) && message != err.Error() {
			resp.Message = err.Error()
		}
		c.JSON(status, resp)
	}
}

// RecoveryHandler is a middleware that recovers from panics
func RecoveryHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("request_id", c.GetString(requestIDKey)).
					Errorf("Panic recovered: %v\n%s", r, debug.Stack())

				c.AbortWithStatusJSON(http.StatusInternalServerError, api.Error{
					Error: "Internal server error",
					Code:  http.StatusInternalServerError,
				})
			}
		}()

		c.Next()
	}
}

// LoggingMiddleware is a middleware that logs requests
func LoggingMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"ip":         c.ClientIP(),
			"request_id": c.GetString(requestIDKey),
		}).Debug("Request started")

		c.Next()

		end := logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"ip":         c.ClientIP(),
			"status":     c.Writer.Status(),
			"size":       c.Writer.Size(),
			"duration":   time.Since(start).String(),
			"request_id": c.GetString(requestIDKey),
		})

		if len(c.Errors) > 0 {
			end.Warn("Request completed with errors")
		} else {
			end.Info("Request completed")
		}
	}
}
