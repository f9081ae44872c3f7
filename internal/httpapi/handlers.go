package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"switchboard/internal/assign"
	"switchboard/internal/audit"
	"switchboard/internal/auth"
	"switchboard/internal/call"
	"switchboard/internal/conference"
	"switchboard/internal/history"
	"switchboard/internal/presence"
	"switchboard/internal/rbac"
	"switchboard/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth      *auth.Manager
	Presence  *presence.Registry
	Assign    *assign.Selector
	Calls     *call.Machine
	CallWatch *call.Watcher
	Rooms     *conference.Coordinator
	RoomWatch *conference.Watcher
	History   *history.Service
	Audit     *audit.Service
	Log       *slog.Logger
}

// --- Sign-in ---

type operatorSigninRequest struct {
	OperatorID string `json:"operator_id"`
	DisplayID  string `json:"display_id"`
}

// OperatorSignin issues a JWT token pair and marks the operator available.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) OperatorSignin(c *gin.Context) {
	var req operatorSigninRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.OperatorID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "operator_id required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.OperatorID, req.DisplayID, rbac.RoleOperator)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	if err := h.Presence.SetAvailability(c.Request.Context(), req.OperatorID, req.DisplayID, presence.Available); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "presence write failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

type kioskSigninRequest struct {
	CallerRef string `json:"caller_ref"`
}

// KioskSignin issues a token for an unattended caller endpoint. The
// caller ref defaults to a fresh id so factory-reset kiosks still work.
func (h Handlers) KioskSignin(c *gin.Context) {
	var req kioskSigninRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	if req.CallerRef == "" {
		req.CallerRef = uuid.NewString()
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.CallerRef, "", rbac.RoleKiosk)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"caller_ref":    req.CallerRef,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	})
}

// --- Presence ---

type availabilityRequest struct {
	Availability presence.Availability `json:"availability"`
}

func (h Handlers) SetAvailability(c *gin.Context) {
	operatorID, err := auth.SubjectID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	switch req.Availability {
	case presence.Available, presence.Unavailable:
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "availability must be available or unavailable"})
		return
	}
	displayID := auth.DisplayID(c.Request.Context())
	if err := h.Presence.SetAvailability(c.Request.Context(), operatorID, displayID, req.Availability); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "presence write failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operator_id": operatorID, "availability": req.Availability})
}

// --- Calls ---

type newCallRequest struct {
	SessionID   string `json:"session_id"`
	PeerAddress string `json:"peer_address"`
}

// RequestCall assigns the caller to a random available operator. The
// request blocks while every operator is busy; the client's timeout (or
// a dropped connection) cancels the wait.
func (h Handlers) RequestCall(c *gin.Context) {
	callerRef, err := auth.SubjectID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	var req newCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	ctx := c.Request.Context()
	rec, err := h.Assign.Assign(ctx, assign.Request{
		CallID:      uuid.NewString(),
		CallerRef:   callerRef,
		SessionID:   req.SessionID,
		PeerAddress: req.PeerAddress,
	})
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) AcceptCall(c *gin.Context) {
	operatorID, callID, ok := h.operatorAndCall(c)
	if !ok {
		return
	}
	rec, err := h.Calls.Accept(c.Request.Context(), operatorID, callID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) DeclineCall(c *gin.Context) {
	operatorID, callID, ok := h.operatorAndCall(c)
	if !ok {
		return
	}
	if err := h.Calls.Decline(c.Request.Context(), operatorID, callID); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": callID, "status": "declined"})
}

type forwardRequest struct {
	TargetOperatorID string `json:"target_operator_id"`
}

func (h Handlers) ForwardCall(c *gin.Context) {
	operatorID, callID, ok := h.operatorAndCall(c)
	if !ok {
		return
	}
	var req forwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Calls.Forward(c.Request.Context(), operatorID, callID, req.TargetOperatorID); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": callID, "status": "forwarding", "target_operator_id": req.TargetOperatorID})
}

type endCallRequest struct {
	OwnerOperatorID string `json:"owner_operator_id"`
}

// EndCall ends a call from either side. Operators end their own record;
// a kiosk passes the owner it learned from the status stream.
func (h Handlers) EndCall(c *gin.Context) {
	subject, err := auth.SubjectID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	callID := c.Param("id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call id required"})
		return
	}

	owner := subject
	role, _ := auth.Role(c.Request.Context())
	if role == rbac.RoleKiosk {
		var req endCallRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.OwnerOperatorID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "owner_operator_id required"})
			return
		}
		owner = req.OwnerOperatorID
	}

	if err := h.Calls.End(c.Request.Context(), owner, callID); err != nil {
		h.abortWithError(c, err)
		return
	}
	// Ending the primary call retires any conference layered on it.
	if err := h.Rooms.EndRoom(c.Request.Context(), callID); err != nil {
		h.Log.Warn("room end failed", "room_id", callID, "err", err)
	}
	c.JSON(http.StatusOK, gin.H{"call_id": callID, "status": call.StatusEnded})
}

// --- Conferences ---

type inviteRequest struct {
	TargetOperatorIDs []string `json:"target_operator_ids"`
	PeerAddress       string   `json:"peer_address"`
}

func (h Handlers) InviteToConference(c *gin.Context) {
	operatorID, roomID, ok := h.operatorAndCall(c)
	if !ok {
		return
	}
	var req inviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(req.TargetOperatorIDs) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "target_operator_ids required"})
		return
	}
	if err := h.Rooms.Invite(c.Request.Context(), roomID, operatorID, req.PeerAddress, req.TargetOperatorIDs); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "invited": req.TargetOperatorIDs})
}

type acceptInviteRequest struct {
	PeerAddress string `json:"peer_address"`
}

func (h Handlers) AcceptInvitation(c *gin.Context) {
	operatorID, roomID, ok := h.operatorAndCall(c)
	if !ok {
		return
	}
	var req acceptInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	peers, err := h.Rooms.AcceptInvite(c.Request.Context(), operatorID, roomID, req.PeerAddress)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "peers": peers})
}

func (h Handlers) DeclineInvitation(c *gin.Context) {
	operatorID, roomID, ok := h.operatorAndCall(c)
	if !ok {
		return
	}
	if err := h.Rooms.DeclineInvite(c.Request.Context(), operatorID, roomID); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "status": "declined"})
}

func (h Handlers) LeaveConference(c *gin.Context) {
	operatorID, roomID, ok := h.operatorAndCall(c)
	if !ok {
		return
	}
	if err := h.Rooms.Leave(c.Request.Context(), roomID, operatorID); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "status": "left"})
}

func (h Handlers) RemoveFromConference(c *gin.Context) {
	_, roomID, ok := h.operatorAndCall(c)
	if !ok {
		return
	}
	target := c.Param("operator_id")
	if target == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "operator_id required"})
		return
	}
	if err := h.Rooms.RemoveParticipant(c.Request.Context(), roomID, target); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "removed": target})
}

func (h Handlers) ConferenceRoster(c *gin.Context) {
	roomID := c.Param("id")
	if roomID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "room id required"})
		return
	}
	roster, err := h.Rooms.Roster(c.Request.Context(), roomID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "participants": roster})
}

type mediaRequest struct {
	IsMuted  bool `json:"is_muted"`
	HasVideo bool `json:"has_video"`
}

func (h Handlers) SetConferenceMedia(c *gin.Context) {
	operatorID, roomID, ok := h.operatorAndCall(c)
	if !ok {
		return
	}
	var req mediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Rooms.SetMedia(c.Request.Context(), roomID, operatorID, req.IsMuted, req.HasVideo); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "is_muted": req.IsMuted, "has_video": req.HasVideo})
}

// --- Transcripts ---

type chatMessageRequest struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

func (h Handlers) AppendChatMessage(c *gin.Context) {
	sessionID := c.Param("id")
	var req chatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Text == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "text required"})
		return
	}
	if req.Sender == "" {
		req.Sender, _ = auth.SubjectID(c.Request.Context())
	}
	if err := h.History.Append(c.Request.Context(), sessionID, history.Message{Sender: req.Sender, Text: req.Text}); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID})
}

func (h Handlers) GetChatHistory(c *gin.Context) {
	sessionID := c.Param("id")
	tr, err := h.History.Get(c.Request.Context(), sessionID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

// --- Audit ---

// RecentAuditEvents returns the newest audit entries. Admin-only; the
// repository caps the limit.
func (h Handlers) RecentAuditEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	events, err := h.Audit.Recent(c.Request.Context(), limit)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// --- helpers ---

func (h Handlers) operatorAndCall(c *gin.Context) (operatorID, callID string, ok bool) {
	operatorID, err := auth.SubjectID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return "", "", false
	}
	callID = c.Param("id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call id required"})
		return "", "", false
	}
	return operatorID, callID, true
}

// abortWithError maps routing errors onto HTTP statuses. Lost races are
// conflicts, missing records are resolved calls, and everything else is
// a transient failure the client may retry.
func (h Handlers) abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, call.ErrCallTaken),
		errors.Is(err, conference.ErrInviteResolved):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "already taken"})
	case errors.Is(err, call.ErrInvalidTransition),
		errors.Is(err, conference.ErrRoomFull):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, conference.ErrRoomEnded):
		c.AbortWithStatusJSON(http.StatusGone, gin.H{"error": "room ended"})
	case errors.Is(err, call.ErrInvalidTarget),
		errors.Is(err, conference.ErrInvalidTarget),
		errors.Is(err, assign.ErrInvalidRequest),
		errors.Is(err, history.ErrInvalidSession),
		errors.Is(err, presence.ErrInvalidOperator):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away or timed out while waiting.
		c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{"error": "request cancelled"})
	default:
		h.Log.Error("request failed", "path", c.FullPath(), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
