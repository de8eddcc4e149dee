package call

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callorchestrator-backend/internal/domain"
	callsvc "callorchestrator-backend/internal/service/call"
	"callorchestrator-backend/internal/service/quality"
	"callorchestrator-backend/internal/service/recording"
	"callorchestrator-backend/internal/service/scheduling"
	"callorchestrator-backend/pkg/pagination"
	"callorchestrator-backend/pkg/response"
	"callorchestrator-backend/pkg/sanitize"
)

// Handler handles call HTTP requests
type Handler struct {
	calls      *callsvc.Service
	scheduling *scheduling.Service
	recording  *recording.Service
	quality    *quality.Service
}

// NewHandler creates a new call handler
func NewHandler(calls *callsvc.Service, scheduling *scheduling.Service, recording *recording.Service, quality *quality.Service) *Handler {
	return &Handler{
		calls:      calls,
		scheduling: scheduling,
		recording:  recording,
		quality:    quality,
	}
}

// RegisterRoutes mounts the call command surface on group.
// The group is expected to carry the auth middleware.
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/initiate", h.Initiate)
	group.POST("/schedule", h.Schedule)
	group.GET("/history", h.History)
	group.GET("/scheduled", h.Scheduled)

	group.GET("/:id", h.Details)
	group.POST("/:id/ring", h.lifecycle(h.calls.Ring))
	group.POST("/:id/accept", h.lifecycle(h.calls.Accept))
	group.POST("/:id/decline", h.lifecycle(h.calls.Decline))
	group.POST("/:id/join", h.Join)
	group.POST("/:id/leave", h.lifecycle(h.calls.Leave))
	group.POST("/:id/end", h.lifecycle(h.calls.End))
	group.POST("/:id/start", h.lifecycle(h.calls.StartScheduled))

	group.POST("/:id/participants", h.AddParticipant)
	group.DELETE("/:id/participants/:userId", h.RemoveParticipant)
	group.POST("/:id/cohosts", h.AssignCohost)
	group.POST("/:id/permissions", h.SetPermission)
	group.POST("/:id/mute", h.media(h.calls.Mute, muted))
	group.POST("/:id/video", h.media(h.calls.ToggleVideo, enabled))
	group.POST("/:id/screen-share", h.media(h.calls.ToggleScreenShare, enabled))

	group.POST("/:id/quality", h.AdjustQuality)
	group.POST("/:id/metrics", h.IngestMetrics)

	group.PATCH("/:id/schedule", h.UpdateSchedule)
	group.DELETE("/:id/schedule", h.CancelSchedule)

	group.POST("/:id/recording/start", h.StartRecording)
	group.POST("/:id/recording/stop", h.StopRecording)
	group.GET("/:id/recording", h.GetRecording)
}

// InitiateRequest represents call initiation request
type InitiateRequest struct {
	RecipientIDs []uuid.UUID    `json:"recipient_ids" binding:"required,min=1"`
	Kind         domain.CallKind `json:"kind" binding:"required,oneof=voice video conference"`
	IsGroup      bool           `json:"is_group"`
}

// Initiate starts a new call
// POST /v1/calls/initiate
func (h *Handler) Initiate(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	call, err := h.calls.Initiate(c.Request.Context(), callsvc.InitiateRequest{
		InitiatorID: userID,
		Recipients:  req.RecipientIDs,
		Kind:        req.Kind,
		IsGroup:     req.IsGroup,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, call)
}

// lifecycle adapts the (callID, userID) transitions: ring, accept, decline, leave, end, start
func (h *Handler) lifecycle(op func(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		callID, ok := pathID(c, "id")
		if !ok {
			return
		}

		call, err := op(c.Request.Context(), callID, userID)
		if err != nil {
			response.FromError(c, err)
			return
		}
		response.Success(c, http.StatusOK, call)
	}
}

// Join connects the caller's device to the call. The device body is optional.
// POST /v1/calls/:id/join
func (h *Handler) Join(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var device domain.DeviceInfo
	if err := c.ShouldBindJSON(&device); err != nil && err != io.EOF {
		response.ValidationError(c, err.Error())
		return
	}
	if device.UserAgent == "" {
		device.UserAgent = c.Request.UserAgent()
	}
	device.DeviceID = sanitize.DeviceID(device.DeviceID)
	device.Platform = sanitize.Text(device.Platform, 32)
	device.UserAgent = sanitize.Text(device.UserAgent, 256)

	call, err := h.calls.Join(c.Request.Context(), callID, userID, &device)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, call)
}

// ParticipantRequest names the user a moderation command targets
type ParticipantRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}

// AddParticipant invites another user into a group call
// POST /v1/calls/:id/participants
func (h *Handler) AddParticipant(c *gin.Context) {
	userID, callID, req, ok := bindTarget(c)
	if !ok {
		return
	}

	call, err := h.calls.AddParticipant(c.Request.Context(), callID, userID, req.UserID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, call)
}

// RemoveParticipant removes a joined participant from the call
// DELETE /v1/calls/:id/participants/:userId
func (h *Handler) RemoveParticipant(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathID(c, "id")
	if !ok {
		return
	}
	targetID, ok := pathID(c, "userId")
	if !ok {
		return
	}

	call, err := h.calls.RemoveParticipant(c.Request.Context(), callID, userID, targetID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, call)
}

// AssignCohost promotes a participant to cohost
// POST /v1/calls/:id/cohosts
func (h *Handler) AssignCohost(c *gin.Context) {
	userID, callID, req, ok := bindTarget(c)
	if !ok {
		return
	}

	call, err := h.calls.AssignCohost(c.Request.Context(), callID, userID, req.UserID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, call)
}

// PermissionRequest represents a participant permission change
type PermissionRequest struct {
	UserID     uuid.UUID         `json:"user_id" binding:"required"`
	Permission domain.Permission `json:"permission" binding:"required,oneof=canSpeak canVideo canShare"`
	Value      *bool             `json:"value" binding:"required"`
}

// SetPermission toggles one permission of a participant
// POST /v1/calls/:id/permissions
func (h *Handler) SetPermission(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	call, err := h.calls.SetParticipantPermission(c.Request.Context(), callID, req.UserID, userID, req.Permission, *req.Value)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, call)
}

// MediaRequest represents a media state toggle. UserID defaults to the caller.
// Mute reads Muted; video and screen share read Enabled.
type MediaRequest struct {
	UserID  *uuid.UUID `json:"user_id"`
	Muted   *bool      `json:"muted"`
	Enabled *bool      `json:"enabled"`
}

func muted(r MediaRequest) (string, *bool)   { return "muted", r.Muted }
func enabled(r MediaRequest) (string, *bool) { return "enabled", r.Enabled }

// media adapts mute, video and screen share toggles
func (h *Handler) media(op func(ctx context.Context, callID, actorID, targetID uuid.UUID, value bool) (*domain.Call, error), field func(MediaRequest) (string, *bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		callID, ok := pathID(c, "id")
		if !ok {
			return
		}

		var req MediaRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
		name, value := field(req)
		if value == nil {
			response.ValidationError(c, name+" is required")
			return
		}
		targetID := userID
		if req.UserID != nil {
			targetID = *req.UserID
		}

		call, err := op(c.Request.Context(), callID, userID, targetID, *value)
		if err != nil {
			response.FromError(c, err)
			return
		}
		response.Success(c, http.StatusOK, call)
	}
}

// QualityRequest represents a media quality renegotiation
type QualityRequest struct {
	Quality     domain.MediaQuality `json:"quality" binding:"required"`
	BitrateKbps int                 `json:"bitrate_kbps" binding:"required"`
}

// AdjustQuality renegotiates the call's target quality
// POST /v1/calls/:id/quality
func (h *Handler) AdjustQuality(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req QualityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	call, err := h.quality.AdjustQuality(c.Request.Context(), callID, userID, req.Quality, req.BitrateKbps)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, call)
}

// MetricsRequest is one network sample reported by a client
type MetricsRequest struct {
	BandwidthKbps float64 `json:"bandwidth_kbps"`
	LatencyMs     float64 `json:"latency_ms"`
	PacketLossPct float64 `json:"packet_loss_pct"`
	JitterMs      float64 `json:"jitter_ms"`
}

// IngestMetrics records a network sample for the caller
// POST /v1/calls/:id/metrics
func (h *Handler) IngestMetrics(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req MetricsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	sample, err := h.quality.Ingest(c.Request.Context(), callID, userID, quality.SampleInput{
		BandwidthKbps: req.BandwidthKbps,
		LatencyMs:     req.LatencyMs,
		PacketLossPct: req.PacketLossPct,
		JitterMs:      req.JitterMs,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, sample)
}

// ScheduleRequest represents a scheduled call request
type ScheduleRequest struct {
	ParticipantIDs  []uuid.UUID     `json:"participant_ids" binding:"required,min=1"`
	ScheduledTime   time.Time       `json:"scheduled_time" binding:"required"`
	DurationMinutes int             `json:"duration_minutes" binding:"required"`
	Kind            domain.CallKind `json:"kind" binding:"required,oneof=voice video conference"`
	IsGroup         bool            `json:"is_group"`
}

// Schedule books a call in the future
// POST /v1/calls/schedule
func (h *Handler) Schedule(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	call, err := h.scheduling.Schedule(c.Request.Context(), domain.ScheduledCallRequest{
		InitiatorID:     userID,
		ParticipantIDs:  req.ParticipantIDs,
		ScheduledTime:   req.ScheduledTime,
		DurationMinutes: req.DurationMinutes,
		Kind:            req.Kind,
		IsGroup:         req.IsGroup,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, call)
}

// UpdateScheduleRequest carries the fields of a scheduled call to change
type UpdateScheduleRequest struct {
	ScheduledTime   *time.Time  `json:"scheduled_time"`
	DurationMinutes *int        `json:"duration_minutes"`
	ParticipantIDs  []uuid.UUID `json:"participant_ids"`
}

// UpdateSchedule reschedules a call
// PATCH /v1/calls/:id/schedule
func (h *Handler) UpdateSchedule(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req UpdateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	call, err := h.scheduling.Update(c.Request.Context(), callID, userID, scheduling.UpdateRequest{
		ScheduledTime:   req.ScheduledTime,
		DurationMinutes: req.DurationMinutes,
		ParticipantIDs:  req.ParticipantIDs,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, call)
}

// CancelSchedule cancels a scheduled call. An optional reason is taken from the query.
// DELETE /v1/calls/:id/schedule
func (h *Handler) CancelSchedule(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathID(c, "id")
	if !ok {
		return
	}

	call, err := h.scheduling.Cancel(c.Request.Context(), callID, userID, sanitize.Text(c.Query("reason"), 280))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, call)
}

// StartRecording POST /v1/calls/:id/recording/start
func (h *Handler) StartRecording(c *gin.Context) {
	h.recordingOp(c, h.recording.Start)
}

// StopRecording POST /v1/calls/:id/recording/stop
func (h *Handler) StopRecording(c *gin.Context) {
	h.recordingOp(c, h.recording.Stop)
}

// GetRecording GET /v1/calls/:id/recording
func (h *Handler) GetRecording(c *gin.Context) {
	h.recordingOp(c, h.recording.Get)
}

func (h *Handler) recordingOp(c *gin.Context, op func(ctx context.Context, callID, userID uuid.UUID) (*domain.Recording, error)) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathID(c, "id")
	if !ok {
		return
	}

	rec, err := op(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, rec)
}

// History returns the caller's calls, newest first
// GET /v1/calls/history?page=1&limit=20
func (h *Handler) History(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	params, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	calls, err := h.calls.History(c.Request.Context(), userID, params.FetchLimit(), params.Offset)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, pagination.Build(params, calls))
}

// Scheduled returns the caller's upcoming scheduled calls
// GET /v1/calls/scheduled
func (h *Handler) Scheduled(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	calls, err := h.calls.Scheduled(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if calls == nil {
		calls = []*domain.Call{}
	}
	response.Success(c, http.StatusOK, gin.H{"calls": calls})
}

// Details returns one call
// GET /v1/calls/:id
func (h *Handler) Details(c *gin.Context) {
	h.lifecycle(h.calls.Details)(c)
}

func bindTarget(c *gin.Context) (userID, callID uuid.UUID, req ParticipantRequest, ok bool) {
	if userID, ok = currentUser(c); !ok {
		return
	}
	if callID, ok = pathID(c, "id"); !ok {
		return
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		ok = false
	}
	return
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.ValidationError(c, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
