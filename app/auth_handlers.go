package cipherchat

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/putto11262002/cipherchat/core"
	"github.com/putto11262002/cipherchat/pkg/router"
)

type AuthHandler struct {
	store  core.AuthStore
	secure bool
}

func NewAuthHandler(store core.AuthStore, secure bool) *AuthHandler {
	return &AuthHandler{store: store, secure: secure}
}

type SigninPayload struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

func (h *AuthHandler) SigninHandler(w http.ResponseWriter, r *http.Request) error {
	var payload SigninPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.WrapJsonError(http.StatusBadRequest, "invalid body", err)
	}
	defer r.Body.Close()

	session, err := h.store.NewSession(r.Context(), payload.ID, payload.Password)
	if err != nil {
		if errors.Is(err, core.ErrBadCredentials) {
			return router.NewJsonError(http.StatusUnauthorized, err.Error())
		}
		return err
	}

	http.SetCookie(w, core.SessionCookie(*session, h.secure, "/"))
	return router.WriteJSON(w, http.StatusOK, session)
}

func (h *AuthHandler) SignoutHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	if err := h.store.DestroySession(r.Context(), session); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     core.AuthCookieName,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Path:     "/",
	})
	w.WriteHeader(http.StatusOK)
	return nil
}
