package chat

import (
	"context"
	"net/http"
	"strconv"

	"ChatRelay/logger"
	midsec "ChatRelay/middleware/security"
	"ChatRelay/service/storage"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// Store is what the handlers need from the membership store.
type Store interface {
	RoomExists(ctx context.Context, roomID int64) (bool, error)
	IsOwner(ctx context.Context, userID, roomID int64) (bool, error)
	IsBanned(ctx context.Context, userID, roomID int64) (bool, error)
	IsParticipant(ctx context.Context, userID, roomID int64) (bool, error)
	IsMuted(ctx context.Context, userID, roomID int64) (bool, error)
	RoomOccupancy(ctx context.Context, roomID int64) (size, capacity int64, err error)
	InsertMessage(ctx context.Context, userID, roomID int64, text string) (int64, error)
	AddParticipant(ctx context.Context, userID, roomID int64) error
	RemoveParticipant(ctx context.Context, userID, roomID int64) error
	InsertBan(ctx context.Context, userID, roomID int64) error
}

type Handler struct {
	store    Store
	limiter  *storage.Limiter
	events   *EventPublisher
	filter   *Filter
	validate *validator.Validate
}

func NewHandler(store Store, limiter *storage.Limiter, events *EventPublisher, filter *Filter) *Handler {
	return &Handler{
		store:    store,
		limiter:  limiter,
		events:   events,
		filter:   filter,
		validate: validator.New(),
	}
}

type sendMessageBody struct {
	Message string `json:"message" validate:"required,min=1,max=1000"`
}

type apiResponse struct {
	Success          bool     `json:"success"`
	HTTPCode         int      `json:"http_code"`
	Message          string   `json:"message,omitempty"`
	Error            string   `json:"error,omitempty"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, apiResponse{Success: false, HTTPCode: code, Error: msg})
}

// SendMessage is POST /chat/:id/message. Checks run in the same order as the
// relay's guard plus the talk gates: participant, muted, rate, profanity.
func (h *Handler) SendMessage(c *gin.Context) {
	userID, ok := midsec.UserID(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	roomID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || roomID <= 0 {
		fail(c, http.StatusBadRequest, "invalid room id")
		return
	}

	var body sendMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "malformed body")
		return
	}
	if err := h.validate.Struct(&body); err != nil {
		var msgs []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				msgs = append(msgs, fe.Field()+" failed "+fe.Tag())
			}
		} else {
			msgs = append(msgs, err.Error())
		}
		c.JSON(http.StatusBadRequest, apiResponse{
			Success: false, HTTPCode: http.StatusBadRequest, ValidationErrors: msgs,
		})
		return
	}

	ctx := c.Request.Context()

	participant, err := h.store.IsParticipant(ctx, userID, roomID)
	if err != nil {
		logger.Errorf("send: participant check user=%d room=%d: %v", userID, roomID, err)
		fail(c, http.StatusInternalServerError, "internal server error")
		return
	}
	if !participant {
		fail(c, http.StatusForbidden, "not a participant")
		return
	}

	muted, err := h.store.IsMuted(ctx, userID, roomID)
	if err != nil {
		logger.Errorf("send: muted check user=%d room=%d: %v", userID, roomID, err)
		fail(c, http.StatusInternalServerError, "internal server error")
		return
	}
	if muted {
		fail(c, http.StatusBadRequest, "muted")
		return
	}

	allowed, err := h.limiter.Allow(ctx, storage.RoomScopeKey(userID, roomID),
		storage.RoomCeiling, storage.RoomWindow)
	if err != nil {
		logger.Errorf("send: ratelimit user=%d room=%d: %v", userID, roomID, err)
		fail(c, http.StatusInternalServerError, "internal server error")
		return
	}
	if !allowed {
		fail(c, http.StatusTooManyRequests, "sending messages too fast")
		return
	}

	if h.filter.Inappropriate(body.Message) {
		fail(c, http.StatusBadRequest, "message is inappropriate")
		return
	}

	id, err := h.store.InsertMessage(ctx, userID, roomID, body.Message)
	if err != nil {
		logger.Errorf("send: insert user=%d room=%d: %v", userID, roomID, err)
		fail(c, http.StatusInternalServerError, "failed to create message")
		return
	}
	if err := h.events.MessageCreated(ctx, roomID, id); err != nil {
		// The row exists; readers catch up via retrieval. Log, don't fail.
		logger.Warnf("send: publish room=%d msg=%d: %v", roomID, id, err)
	}

	c.JSON(http.StatusCreated, apiResponse{
		Success: true, HTTPCode: http.StatusCreated, Message: body.Message,
	})
}

// JoinRoom is POST /chat/:id/join. Creates the participant row; the relay's
// guard starts admitting subscriptions the moment the row exists.
func (h *Handler) JoinRoom(c *gin.Context) {
	userID, ok := midsec.UserID(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	roomID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || roomID <= 0 {
		fail(c, http.StatusBadRequest, "invalid room id")
		return
	}

	ctx := c.Request.Context()

	exists, err := h.store.RoomExists(ctx, roomID)
	if err != nil {
		logger.Errorf("join: room lookup user=%d room=%d: %v", userID, roomID, err)
		fail(c, http.StatusInternalServerError, "internal server error")
		return
	}
	if !exists {
		fail(c, http.StatusNotFound, "unknown room")
		return
	}

	banned, err := h.store.IsBanned(ctx, userID, roomID)
	if err != nil {
		logger.Errorf("join: ban check user=%d room=%d: %v", userID, roomID, err)
		fail(c, http.StatusInternalServerError, "internal server error")
		return
	}
	if banned {
		fail(c, http.StatusForbidden, "banned from room")
		return
	}

	participant, err := h.store.IsParticipant(ctx, userID, roomID)
	if err != nil {
		logger.Errorf("join: participant check user=%d room=%d: %v", userID, roomID, err)
		fail(c, http.StatusInternalServerError, "internal server error")
		return
	}
	if participant {
		fail(c, http.StatusBadRequest, "already a participant")
		return
	}

	size, capacity, err := h.store.RoomOccupancy(ctx, roomID)
	if err != nil {
		logger.Errorf("join: occupancy user=%d room=%d: %v", userID, roomID, err)
		fail(c, http.StatusInternalServerError, "internal server error")
		return
	}
	if size >= capacity {
		fail(c, http.StatusBadRequest, "room is full")
		return
	}

	if err := h.store.AddParticipant(ctx, userID, roomID); err != nil {
		logger.Errorf("join: add participant user=%d room=%d: %v", userID, roomID, err)
		fail(c, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := h.events.ParticipantJoined(ctx, userID, roomID); err != nil {
		logger.Warnf("join: publish user=%d room=%d: %v", userID, roomID, err)
	}

	c.JSON(http.StatusCreated, apiResponse{
		Success: true, HTTPCode: http.StatusCreated, Message: "joined room",
	})
}

// BanUser is POST /chat/:id/ban/:user_id, owner-only. The participant row is
// removed, the ban recorded, then the live session (if any) is evicted from
// the room's broadcast group via the private-channel control signal.
func (h *Handler) BanUser(c *gin.Context) {
	callerID, ok := midsec.UserID(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	roomID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || roomID <= 0 {
		fail(c, http.StatusBadRequest, "invalid room id")
		return
	}
	targetID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || targetID <= 0 {
		fail(c, http.StatusBadRequest, "invalid user id")
		return
	}
	if targetID == callerID {
		fail(c, http.StatusBadRequest, "you cannot ban yourself (owner)")
		return
	}

	ctx := c.Request.Context()

	owner, err := h.store.IsOwner(ctx, callerID, roomID)
	if err != nil {
		logger.Errorf("ban: owner check user=%d room=%d: %v", callerID, roomID, err)
		fail(c, http.StatusInternalServerError, "internal server error")
		return
	}
	if !owner {
		fail(c, http.StatusForbidden, "only the owner can ban")
		return
	}

	participant, err := h.store.IsParticipant(ctx, targetID, roomID)
	if err != nil {
		logger.Errorf("ban: participant check user=%d room=%d: %v", targetID, roomID, err)
		fail(c, http.StatusInternalServerError, "internal server error")
		return
	}
	if !participant {
		fail(c, http.StatusNotFound, "user is not a participant")
		return
	}

	banned, err := h.store.IsBanned(ctx, targetID, roomID)
	if err != nil {
		logger.Errorf("ban: ban check user=%d room=%d: %v", targetID, roomID, err)
		fail(c, http.StatusInternalServerError, "internal server error")
		return
	}
	if banned {
		fail(c, http.StatusBadRequest, "user is already banned")
		return
	}

	if err := h.store.RemoveParticipant(ctx, targetID, roomID); err != nil {
		logger.Errorf("ban: remove participant user=%d room=%d: %v", targetID, roomID, err)
		fail(c, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := h.store.InsertBan(ctx, targetID, roomID); err != nil {
		logger.Errorf("ban: insert ban user=%d room=%d: %v", targetID, roomID, err)
		fail(c, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := h.events.Evict(ctx, targetID, roomID); err != nil {
		// Membership is already gone; the relay will also refuse re-joins.
		logger.Warnf("ban: evict user=%d room=%d: %v", targetID, roomID, err)
	}

	c.JSON(http.StatusCreated, apiResponse{
		Success: true, HTTPCode: http.StatusCreated, Message: "user banned",
	})
}
