package cipherchat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/putto11262002/cipherchat/core"
	"github.com/putto11262002/cipherchat/pkg/router"
)

type UserHandler struct {
	store core.UserStore
}

func NewUserHandler(store core.UserStore) *UserHandler {
	return &UserHandler{store: store}
}

func (h *UserHandler) RegisterUserHandler(w http.ResponseWriter, r *http.Request) error {
	var user core.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		return router.WrapJsonError(http.StatusBadRequest, "invalid body", err)
	}
	defer r.Body.Close()

	created, err := h.store.CreateUser(r.Context(), user)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidUser):
			return router.NewJsonError(http.StatusBadRequest, "invalid input")
		case errors.Is(err, core.ErrConflictedUser):
			return router.NewJsonError(http.StatusConflict, "user already exists")
		default:
			return err
		}
	}

	return router.WriteJSON(w, http.StatusCreated, created)
}

func (h *UserHandler) MeHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	user, err := h.store.GetUser(r.Context(), session.UserID)
	if err != nil {
		return fmt.Errorf("GetUser: %w", err)
	}
	if user == nil {
		return router.NewJsonError(http.StatusNotFound, "user not found")
	}
	return router.WriteJSON(w, http.StatusOK, user)
}

func (h *UserHandler) GetUserHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.store.GetUser(r.Context(), r.PathValue("userID"))
	if err != nil {
		return err
	}
	if user == nil {
		return router.NewJsonError(http.StatusNotFound, "user not found")
	}
	return router.WriteJSON(w, http.StatusOK, user)
}

func (h *UserHandler) GetUsersHandler(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query()
	opts := &core.GetUsersOptions{Q: query.Get("q")}
	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return router.NewJsonError(http.StatusBadRequest, "invalid limit")
		}
		opts.Limit = limit
	}
	if v := query.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return router.NewJsonError(http.StatusBadRequest, "invalid offset")
		}
		opts.Offset = offset
	}

	users, err := h.store.GetUsers(r.Context(), opts)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, users)
}

type PublicKeyPayload struct {
	PublicKey string `json:"publicKey" validate:"required,base64"`
}

func (h *UserHandler) SetPublicKeyHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	var payload PublicKeyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.WrapJsonError(http.StatusBadRequest, "invalid body", err)
	}
	defer r.Body.Close()
	if err := validate.Struct(payload); err != nil {
		return router.WrapJsonError(http.StatusBadRequest, "invalid public key", err)
	}

	if err := h.store.SetPublicKey(r.Context(), session.UserID, payload.PublicKey); err != nil {
		if errors.Is(err, core.ErrUserNotFound) {
			return router.NewJsonError(http.StatusNotFound, "user not found")
		}
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
