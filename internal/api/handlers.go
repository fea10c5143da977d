package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/database"
	"roomchat/internal/server"
	"roomchat/internal/types"
)

const defaultSessionExpiration = 24 * time.Hour

type SignupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type EditMessageRequest struct {
	Text string `json:"text"`
}

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *App) signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := auth.HashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.db.CreateAccount(database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.auth.CreateSession(auth.Identity{
		UserId:   account.Id,
		Username: account.Username,
	}, defaultSessionExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, auth.SessionCookie(token, defaultSessionExpiration))

	s.writeJson(w, http.StatusCreated, types.User{
		Id:           account.Id,
		Username:     account.Username,
		EmailAddress: account.EmailAddress,
		CreatedAt:    account.CreatedAt,
		UpdatedAt:    account.UpdatedAt,
	})
}

func (s *App) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Email == "" || req.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.db.GetAccountByEmail(req.Email)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !auth.VerifyPassword(account.PasswordHash, req.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.auth.CreateSession(auth.Identity{
		UserId:   account.Id,
		Username: account.Username,
	}, defaultSessionExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, auth.SessionCookie(token, defaultSessionExpiration))

	s.writeJson(w, http.StatusOK, types.User{
		Id:           account.Id,
		Username:     account.Username,
		EmailAddress: account.EmailAddress,
		CreatedAt:    account.CreatedAt,
		UpdatedAt:    account.UpdatedAt,
	})
}

func (s *App) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, auth.SessionCookie("", -time.Hour))
	w.WriteHeader(http.StatusNoContent)
}

func (s *App) session(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.db.GetAccountById(identity.UserId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.User{
		Id:           account.Id,
		Username:     account.Username,
		EmailAddress: account.EmailAddress,
		CreatedAt:    account.CreatedAt,
		UpdatedAt:    account.UpdatedAt,
	})
}

func (s *App) getMessages(w http.ResponseWriter, r *http.Request) {
	roomId := r.URL.Query().Get("room_id")
	if roomId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var before time.Time
	if cursorStr := r.URL.Query().Get("cursor"); cursorStr != "" {
		cursor, err := time.Parse(time.RFC3339Nano, cursorStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		before = cursor
	}

	var limit int
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	page, err := s.cs.History(roomId, before, limit)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, page)
}

func (s *App) editMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.cs.EditMessage(r.Context(), identity, r.PathValue("id"), req.Text)
	if err != nil {
		s.writeMutationResult(w, msg, err)
		return
	}

	s.writeJson(w, http.StatusOK, msg)
}

func (s *App) deleteMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.cs.DeleteMessage(r.Context(), identity, r.PathValue("id"))
	if err != nil {
		s.writeMutationResult(w, msg, err)
		return
	}

	s.writeJson(w, http.StatusOK, msg)
}

// writeMutationResult maps edit/delete failures onto the HTTP surface. A
// bridge failure after a durable write is reported as accepted, not failed.
func (s *App) writeMutationResult(w http.ResponseWriter, msg types.Message, err error) {
	switch {
	case errors.Is(err, server.ErrBridgeUnavailable):
		s.writeJson(w, http.StatusAccepted, msg)
	case errors.Is(err, database.ErrNotFound):
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
	case errors.Is(err, server.ErrForbidden):
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
	case errors.Is(err, database.ErrValidation):
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
	default:
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
	}
}
