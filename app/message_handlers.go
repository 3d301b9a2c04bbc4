package cipherchat

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/putto11262002/cipherchat/core"
	"github.com/putto11262002/cipherchat/pkg/router"
)

type MessageHandler struct {
	service *core.ChatService
	limiter *core.LimiterStore
}

// NewMessageHandler builds the handler. limiter may be nil to disable send limits.
func NewMessageHandler(service *core.ChatService, limiter *core.LimiterStore) *MessageHandler {
	return &MessageHandler{service: service, limiter: limiter}
}

type MessagesResponse struct {
	Messages []core.Message `json:"messages"`
	RoomID   string         `json:"roomId"`
}

func (h *MessageHandler) GetMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	query := r.URL.Query()
	other := query.Get("otherUserId")
	if other == "" {
		return router.NewJsonError(http.StatusBadRequest, "otherUserId is required")
	}
	limit := 0
	if v := query.Get("limit"); v != "" {
		var err error
		if limit, err = strconv.Atoi(v); err != nil {
			return router.NewJsonError(http.StatusBadRequest, "invalid limit")
		}
	}

	roomID, messages, err := h.service.History(r.Context(), session.UserID, other, limit)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, MessagesResponse{Messages: messages, RoomID: roomID})
}

type SendMessagePayload struct {
	ReceiverID       string `json:"receiverId" validate:"required"`
	EncryptedContent string `json:"encryptedContent" validate:"required,base64"`
}

type SendMessageResponse struct {
	Message *core.Message `json:"message"`
}

func (h *MessageHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	if h.limiter != nil && !h.limiter.Allow(session.UserID) {
		return router.NewJsonError(http.StatusTooManyRequests, "too many messages")
	}

	var payload SendMessagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.WrapJsonError(http.StatusBadRequest, "invalid body", err)
	}
	defer r.Body.Close()
	if err := validate.Struct(payload); err != nil {
		return router.WrapJsonError(http.StatusBadRequest, core.ErrInvalidMessage.Error(), err)
	}

	msg, err := h.service.Send(r.Context(), session, payload.ReceiverID, payload.EncryptedContent)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusCreated, SendMessageResponse{Message: msg})
}

type OtherUserPayload struct {
	OtherUserID string `json:"otherUserId" validate:"required"`
}

type MarkReadResponse struct {
	RoomID string `json:"roomId"`
	Marked int    `json:"marked"`
}

func (h *MessageHandler) MarkReadHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	var payload OtherUserPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.WrapJsonError(http.StatusBadRequest, "invalid body", err)
	}
	defer r.Body.Close()
	if err := validate.Struct(payload); err != nil {
		return router.WrapJsonError(http.StatusBadRequest, "otherUserId is required", err)
	}

	roomID, n, err := h.service.MarkRead(r.Context(), session.UserID, payload.OtherUserID)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, MarkReadResponse{RoomID: roomID, Marked: n})
}

type UnreadResponse struct {
	RoomID string `json:"roomId"`
	Unread int    `json:"unread"`
}

func (h *MessageHandler) UnreadHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	other := r.URL.Query().Get("otherUserId")
	if other == "" {
		return router.NewJsonError(http.StatusBadRequest, "otherUserId is required")
	}

	roomID, n, err := h.service.Unread(r.Context(), session.UserID, other)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, UnreadResponse{RoomID: roomID, Unread: n})
}

type KeyExchangePayload struct {
	TargetUserID string `json:"targetUserId" validate:"required"`
	PublicKey    string `json:"publicKey" validate:"required,base64"`
	IsResponse   bool   `json:"isResponse"`
}

func (h *MessageHandler) KeyExchangeHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	var payload KeyExchangePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.WrapJsonError(http.StatusBadRequest, "invalid body", err)
	}
	defer r.Body.Close()
	if err := validate.Struct(payload); err != nil {
		return router.WrapJsonError(http.StatusBadRequest, "targetUserId and a base64 publicKey are required", err)
	}

	if err := h.service.KeyExchange(r.Context(), session, payload.TargetUserID, payload.PublicKey, payload.IsResponse); err != nil {
		return err
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}
