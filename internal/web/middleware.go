package web

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/ao/doorlock/pkg/api"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestID tags each request with an id, reusing the caller's when given
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// BodyLimit rejects bodies larger than limit bytes
func BodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, api.Error{
				Error: "Request body too large",
				Code:  http.StatusRequestEntityTooLarge,
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// AdminAuth checks the bearer token against a bcrypt hash
func AdminAuth(tokenHash string, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)) != nil {
			logger.WithFields(logrus.Fields{
				"ip":         c.ClientIP(),
				"path":       c.Request.URL.Path,
				"request_id": c.GetString(requestIDKey),
			}).Warn("Unauthorized admin request")

			c.Header("WWW-Authenticate", `Bearer realm="doorlock"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.Error{
				Error: "Unauthorized",
				Code:  http.StatusUnauthorized,
			})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// HashAdminToken returns the bcrypt hash to configure for token
func HashAdminToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
