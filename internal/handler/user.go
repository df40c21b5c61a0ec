package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"livesession/internal/domain"
	"livesession/internal/service"
)

// UserHandler handles HTTP requests for users.
type UserHandler struct {
	identity *service.IdentityStore
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(identity *service.IdentityStore) *UserHandler {
	return &UserHandler{identity: identity}
}

// SaveUserRequest is the HTTP request body for saving a device's profile.
type SaveUserRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Role     string `json:"role"`
}

// AssignRoleRequest is the HTTP request body for changing a role.
type AssignRoleRequest struct {
	Role string `json:"role"`
}

// UserResponse is the HTTP response for user data.
type UserResponse struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toUserResponse(u *domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		DeviceID:  u.DeviceID,
		Name:      u.Name,
		Phone:     u.Phone,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// Save handles POST /v1/users
func (h *UserHandler) Save(c *gin.Context) {
	var req SaveUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}

	user, err := h.identity.SaveUser(c.Request.Context(), service.SaveUserRequest{
		DeviceID: req.DeviceID,
		Name:     req.Name,
		Phone:    req.Phone,
		Role:     domain.UserRole(req.Role),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toUserResponse(user))
}

// AssignRole handles PUT /v1/users/devices/:device/role
func (h *UserHandler) AssignRole(c *gin.Context) {
	var req AssignRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}

	user, err := h.identity.AssignRole(c.Request.Context(), c.Param("device"), domain.UserRole(req.Role))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toUserResponse(user))
}

// GetByDevice handles GET /v1/users/devices/:device
func (h *UserHandler) GetByDevice(c *gin.Context) {
	user, err := h.identity.CurrentUser(c.Request.Context(), c.Param("device"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toUserResponse(user))
}

// Get handles GET /v1/users/:id
func (h *UserHandler) Get(c *gin.Context) {
	user, err := h.identity.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toUserResponse(user))
}
