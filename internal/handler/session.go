package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"livesession/internal/domain"
	"livesession/internal/service"
)

// SessionHandler handles HTTP requests for sessions.
type SessionHandler struct {
	manager *service.SessionManager
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(manager *service.SessionManager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// DestinationBody is the JSON form of a destination.
type DestinationBody struct {
	Identifier string  `json:"identifier"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
}

// CreateSessionRequest is the HTTP request body for creating a session.
type CreateSessionRequest struct {
	Name         string          `json:"name"`
	Destination  DestinationBody `json:"destination"`
	ExpiresAt    time.Time       `json:"expires_at"`
	TrackingMode string          `json:"tracking_mode,omitempty"` // CONTINUOUS, SMART, OFF
}

// JoinSessionRequest is the HTTP request body for joining a session.
type JoinSessionRequest struct {
	Token string `json:"token,omitempty"`
}

// InviteRequest is the HTTP request body for inviting a participant.
type InviteRequest struct {
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// TrackingModeRequest is the HTTP request body for changing the tracking mode.
type TrackingModeRequest struct {
	Mode string `json:"mode"`
}

// LocationRequest is the HTTP request body for reporting a location.
type LocationRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ParticipantResponse is the JSON form of a participant.
type ParticipantResponse struct {
	UserID   string     `json:"user_id"`
	Role     string     `json:"role"`
	State    string     `json:"state"`
	JoinedAt *time.Time `json:"joined_at,omitempty"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// SessionResponse is the HTTP response for a session.
type SessionResponse struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"`
	Destination      DestinationBody       `json:"destination"`
	ExpiresAt        time.Time             `json:"expires_at"`
	TrackingMode     string                `json:"tracking_mode"`
	State            string                `json:"state"`
	ExpirationReason string                `json:"expiration_reason,omitempty"`
	Participants     []ParticipantResponse `json:"participants"`
	Version          int                   `json:"version"`
	CreatedAt        time.Time             `json:"created_at"`
	ExpiredAt        *time.Time            `json:"expired_at,omitempty"`
}

// InvitationResponse is the HTTP response for an issued invitation.
type InvitationResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LocationResponse is the JSON form of a location sample.
type LocationResponse struct {
	UserID     string    `json:"user_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toSessionResponse(s *domain.Session) SessionResponse {
	return SessionResponse{
		ID:   s.ID,
		Name: s.Name,
		Destination: DestinationBody{
			Identifier: s.Destination.Identifier,
			Lat:        s.Destination.Lat,
			Lng:        s.Destination.Lng,
		},
		ExpiresAt:        s.ExpiresAt,
		TrackingMode:     string(s.TrackingMode),
		State:            string(s.State),
		ExpirationReason: string(s.ExpirationReason),
		Participants: lo.Map(s.Participants, func(p domain.Participant, _ int) ParticipantResponse {
			return ParticipantResponse{
				UserID:   p.UserID,
				Role:     string(p.Role),
				State:    string(p.State),
				JoinedAt: optionalTime(p.JoinedAt),
				LeftAt:   optionalTime(p.LeftAt),
			}
		}),
		Version:   s.Version,
		CreatedAt: s.CreatedAt,
		ExpiredAt: optionalTime(s.ExpiredAt),
	}
}

func toLocationResponses(samples []domain.LocationSample) []LocationResponse {
	return lo.Map(samples, func(s domain.LocationSample, _ int) LocationResponse {
		return LocationResponse{UserID: s.UserID, Lat: s.Lat, Lng: s.Lng, RecordedAt: s.RecordedAt}
	})
}

// Create handles POST /v1/sessions
func (h *SessionHandler) Create(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}

	session, err := h.manager.Create(c.Request.Context(), actor, service.CreateSessionRequest{
		Name: req.Name,
		Destination: domain.Destination{
			Identifier: req.Destination.Identifier,
			Lat:        req.Destination.Lat,
			Lng:        req.Destination.Lng,
		},
		ExpiresAt:    req.ExpiresAt,
		TrackingMode: domain.TrackingMode(req.TrackingMode),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusCreated, toSessionResponse(session))
}

// Get handles GET /v1/sessions/:id
func (h *SessionHandler) Get(c *gin.Context) {
	session, err := h.manager.Find(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if session == nil {
		respondError(c, service.ErrSessionNotFound)
		return
	}
	if actor := c.GetHeader(actorHeader); actor != "" {
		session = session.ViewFor(actor)
	}
	respondJSON(c, http.StatusOK, toSessionResponse(session))
}

// Join handles POST /v1/sessions/:id/join
func (h *SessionHandler) Join(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req JoinSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, "invalid request body")
			return
		}
	}

	session, err := h.manager.Join(c.Request.Context(), actor, c.Param("id"), req.Token)
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toSessionResponse(session))
}

// Invite handles POST /v1/sessions/:id/invitations
func (h *SessionHandler) Invite(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}

	inv, err := h.manager.Invite(c.Request.Context(), actor, c.Param("id"), service.InviteRequest{
		DisplayName: req.DisplayName,
		Role:        domain.UserRole(req.Role),
		Email:       req.Email,
		Phone:       req.Phone,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusCreated, InvitationResponse{
		ID:        inv.ID,
		URL:       inv.URL,
		Token:     inv.Token,
		Role:      string(inv.Role),
		ExpiresAt: inv.ExpiresAt,
	})
}

// Leave handles POST /v1/sessions/:id/leave
func (h *SessionHandler) Leave(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	session, err := h.manager.Leave(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toSessionResponse(session))
}

// Expire handles POST /v1/sessions/:id/expire
func (h *SessionHandler) Expire(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	session, err := h.manager.Expire(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toSessionResponse(session.ViewFor(actor)))
}

// SetTrackingMode handles PUT /v1/sessions/:id/tracking
func (h *SessionHandler) SetTrackingMode(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req TrackingModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}

	session, err := h.manager.SetTrackingMode(c.Request.Context(), actor, c.Param("id"), domain.TrackingMode(req.Mode))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toSessionResponse(session))
}

// ReportLocation handles POST /v1/sessions/:id/locations
func (h *SessionHandler) ReportLocation(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req LocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}

	sample, err := h.manager.ReportLocation(c.Request.Context(), actor, c.Param("id"), req.Lat, req.Lng)
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusAccepted, toLocationResponses([]domain.LocationSample{*sample})[0])
}

// Locations handles GET /v1/sessions/:id/locations
func (h *SessionHandler) Locations(c *gin.Context) {
	samples, err := h.manager.Locations(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toLocationResponses(samples))
}
