package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ao/doorlock/internal/store"
	"github.com/ao/doorlock/pkg/api"
)

// bindJSON decodes the body into obj, keeping size errors intact
func bindJSON(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindJSON(obj); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return badRequest("Invalid request body")
	}
	return nil
}

// bindImage returns the base64 image of an ImageRequest body
func bindImage(c *gin.Context) (string, error) {
	var req api.ImageRequest
	if err := bindJSON(c, &req); err != nil {
		return "", err
	}
	if req.Image == nil || *req.Image == "" {
		return "", errNoImage
	}
	return *req.Image, nil
}

// homeHandler identifies the service
func (ws *WebServer) homeHandler(c *gin.Context) {
	c.JSON(http.StatusOK, api.HomeResponse{
		Service: api.ServiceName,
		Status:  "running",
	})
}

// healthHandler reports whether the store is reachable
func (ws *WebServer) healthHandler(c *gin.Context) {
	if err := ws.service.Health(c.Request.Context()); err != nil {
		ws.logger.Warnf("Health check failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, api.HealthResponse{Status: "degraded", Store: err.Error()})
		return
	}
	c.JSON(http.StatusOK, api.HealthResponse{Status: "ok", Store: "ok"})
}

func (ws *WebServer) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, ws.service.Status(c.Request.Context()))
}

func (ws *WebServer) verifyQRHandler(c *gin.Context) {
	image, err := bindImage(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	resp, err := ws.service.VerifyQR(c.Request.Context(), image)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (ws *WebServer) recognizeFaceHandler(c *gin.Context) {
	image, err := bindImage(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	resp, err := ws.service.RecognizeFace(c.Request.Context(), image)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (ws *WebServer) sessionHandler(c *gin.Context) {
	resp, err := ws.service.ValidateSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (ws *WebServer) listUsersHandler(c *gin.Context) {
	users, err := ws.service.ListUsers(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (ws *WebServer) createUserHandler(c *gin.Context) {
	var req api.CreateUserRequest
	if err := bindJSON(c, &req); err != nil {
		_ = c.Error(err)
		return
	}

	user, err := ws.service.CreateUser(c.Request.Context(), req.Name, req.Role)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (ws *WebServer) enrollFaceHandler(c *gin.Context) {
	var req api.EnrollFaceRequest
	if err := bindJSON(c, &req); err != nil {
		_ = c.Error(err)
		return
	}
	if req.Image == "" {
		_ = c.Error(errNoImage)
		return
	}

	resp, err := ws.service.EnrollFace(c.Request.Context(), c.Param("name"), req.Image, req.ImageName)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (ws *WebServer) deleteEncodingsHandler(c *gin.Context) {
	resp, err := ws.service.DeleteEncodings(c.Request.Context(), c.Param("name"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (ws *WebServer) accessLogsHandler(c *gin.Context) {
	query := store.AccessLogQuery{UserName: c.Query("user")}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			_ = c.Error(badRequest("Invalid limit"))
			return
		}
		query.Limit = limit
	}

	logs, err := ws.service.AccessLogs(c.Request.Context(), query)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (ws *WebServer) reloadFacesHandler(c *gin.Context) {
	resp, err := ws.service.ReloadFaces(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
