package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"livesession/internal/service"
)

// actorHeader carries the ID of the user performing the request.
const actorHeader = "X-User-ID"

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// respondError sends an error response with the appropriate HTTP status code.
func respondError(c *gin.Context, err error) {
	kind := service.KindOf(err)
	c.JSON(mapErrorToHTTPStatus(kind), ErrorResponse{Error: err.Error(), Kind: string(kind)})
}

// respondBadRequest sends a 400 for a malformed request.
func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: message, Kind: string(service.KindValidation)})
}

// respondJSON sends a JSON response with the given status code.
func respondJSON(c *gin.Context, code int, data any) {
	c.JSON(code, data)
}

// mapErrorToHTTPStatus maps error kinds to HTTP status codes.
func mapErrorToHTTPStatus(kind service.Kind) int {
	switch kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindAuthorization, service.KindPermission:
		return http.StatusForbidden
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindState, service.KindConflict:
		return http.StatusConflict
	case service.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// actorID returns the acting user, or responds 401 and returns false.
func actorID(c *gin.Context) (string, bool) {
	id := c.GetHeader(actorHeader)
	if id == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: actorHeader + " header is required", Kind: string(service.KindAuthorization)})
		return "", false
	}
	return id, true
}
