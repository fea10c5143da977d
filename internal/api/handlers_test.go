package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"roomchat/internal/auth"
	"roomchat/internal/config"
	"roomchat/internal/database"
	"roomchat/internal/server"
	"roomchat/internal/stats"
	"roomchat/internal/testutil"
	"roomchat/internal/types"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

// stubBridge satisfies server.Bridge for handler tests. Publish can be made
// to fail to exercise the degraded delivery path.
type stubBridge struct {
	publishErr error
}

func (b *stubBridge) Publish(context.Context, string, *server.Event) error { return b.publishErr }
func (b *stubBridge) Run(func(*server.Event))                              {}
func (b *stubBridge) Close() error                                         { return nil }

func newTestApp(t *testing.T, db database.Repository, bridge server.Bridge) *App {
	t.Helper()

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Maybe()
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	logger := testutil.TestLogger(t)

	cs, err := server.NewChatServer(logger, db, bridge, su)
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}

	cfg := &config.Config{
		ServerAddr:     "localhost:8080",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	}

	return NewApp(http.NewServeMux(), logger, cs, db, auth.NewSessionAuthenticator(testSigningKey), cfg)
}

func (s *App) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.mux.Handler.ServeHTTP(rec, req)
	return rec
}

func sessionCookieFor(t *testing.T, identity auth.Identity) *http.Cookie {
	t.Helper()

	token, err := auth.NewSessionAuthenticator(testSigningKey).CreateSession(identity, time.Hour)
	if err != nil {
		t.Fatalf("failed to create session token: %v", err)
	}
	return auth.SessionCookie(token, time.Hour)
}

func TestSignup(t *testing.T) {
	t.Run("creates the account and sets the session cookie", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		now := time.Now().UTC()
		db.On("CreateAccount", mock.MatchedBy(func(p database.CreateAccountParams) bool {
			return p.Username == "alice" && p.EmailAddress == "alice@example.com" &&
				auth.VerifyPassword(p.PasswordHash, "s3cret")
		})).Return(database.Account{
			Id:           1,
			Username:     "alice",
			EmailAddress: "alice@example.com",
			CreatedAt:    now,
			UpdatedAt:    now,
		}, nil).Once()

		app := newTestApp(t, db, &stubBridge{})

		body, _ := json.Marshal(SignupRequest{Username: "alice", Email: "alice@example.com", Password: "s3cret"})
		rec := app.serve(httptest.NewRequest(http.MethodPost, "/api/auth/signup", bytes.NewReader(body)))

		assert.Equal(t, http.StatusCreated, rec.Code, "expected a created response")

		var user types.User
		assert.NoError(t, json.NewDecoder(rec.Body).Decode(&user), "expected a user payload")
		assert.Equal(t, "alice", user.Username, "expected the created username")

		cookies := rec.Result().Cookies()
		if assert.Len(t, cookies, 1, "expected a session cookie") {
			assert.Equal(t, "token", cookies[0].Name, "expected the token cookie")
			assert.NotEmpty(t, cookies[0].Value, "expected a signed token")
		}
	})

	t.Run("missing fields are rejected", func(t *testing.T) {
		app := newTestApp(t, &database.MockRepository{}, &stubBridge{})

		body, _ := json.Marshal(SignupRequest{Username: "alice"})
		rec := app.serve(httptest.NewRequest(http.MethodPost, "/api/auth/signup", bytes.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "expected a bad request response")
	})
}

func TestLogin(t *testing.T) {
	hash, _ := auth.HashPassword("s3cret")
	account := database.Account{
		Id:           1,
		Username:     "alice",
		EmailAddress: "alice@example.com",
		PasswordHash: hash,
	}

	t.Run("valid credentials set the session cookie", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountByEmail", "alice@example.com").Return(account, nil).Once()

		app := newTestApp(t, db, &stubBridge{})

		body, _ := json.Marshal(LoginRequest{Email: "alice@example.com", Password: "s3cret"})
		rec := app.serve(httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))

		assert.Equal(t, http.StatusOK, rec.Code, "expected an ok response")
		assert.Len(t, rec.Result().Cookies(), 1, "expected a session cookie")
	})

	t.Run("wrong password is unauthorized", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountByEmail", "alice@example.com").Return(account, nil).Once()

		app := newTestApp(t, db, &stubBridge{})

		body, _ := json.Marshal(LoginRequest{Email: "alice@example.com", Password: "wrong"})
		rec := app.serve(httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))

		assert.Equal(t, http.StatusUnauthorized, rec.Code, "expected an unauthorized response")
		assert.Empty(t, rec.Result().Cookies(), "expected no session cookie")
	})

	t.Run("unknown account is not found", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountByEmail", "ghost@example.com").Return(database.Account{}, sql.ErrNoRows).Once()

		app := newTestApp(t, db, &stubBridge{})

		body, _ := json.Marshal(LoginRequest{Email: "ghost@example.com", Password: "s3cret"})
		rec := app.serve(httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))

		assert.Equal(t, http.StatusNotFound, rec.Code, "expected a not found response")
	})
}

func TestSession(t *testing.T) {
	t.Run("valid cookie returns the account", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountById", 1).Return(database.Account{
			Id:           1,
			Username:     "alice",
			EmailAddress: "alice@example.com",
		}, nil).Once()

		app := newTestApp(t, db, &stubBridge{})

		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.AddCookie(sessionCookieFor(t, auth.Identity{UserId: 1, Username: "alice"}))
		rec := app.serve(req)

		assert.Equal(t, http.StatusOK, rec.Code, "expected an ok response")
	})

	t.Run("missing cookie is unauthorized", func(t *testing.T) {
		app := newTestApp(t, &database.MockRepository{}, &stubBridge{})

		rec := app.serve(httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "expected an unauthorized response")
	})
}

func TestGetMessages(t *testing.T) {
	identity := auth.Identity{UserId: 1, Username: "alice"}

	t.Run("returns the requested page", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		cursor := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
		stored := []database.Message{
			{Id: "m1", RoomId: "general", Content: "hello", CreatedAt: cursor.Add(-time.Minute)},
		}
		db.On("ListMessages", "general", cursor, 10).Return(stored, nil, nil).Once()

		app := newTestApp(t, db, &stubBridge{})

		url := fmt.Sprintf("/api/messages?room_id=general&cursor=%s&limit=10", cursor.Format(time.RFC3339Nano))
		req := httptest.NewRequest(http.MethodGet, url, nil)
		req.AddCookie(sessionCookieFor(t, identity))
		rec := app.serve(req)

		assert.Equal(t, http.StatusOK, rec.Code, "expected an ok response")

		var page types.MessagePage
		assert.NoError(t, json.NewDecoder(rec.Body).Decode(&page), "expected a message page payload")
		assert.Len(t, page.Messages, 1, "expected the stored page")
		assert.Nil(t, page.NextCursor, "expected no cursor on the last page")
	})

	t.Run("missing room id is rejected", func(t *testing.T) {
		app := newTestApp(t, &database.MockRepository{}, &stubBridge{})

		req := httptest.NewRequest(http.MethodGet, "/api/messages", nil)
		req.AddCookie(sessionCookieFor(t, identity))
		rec := app.serve(req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "expected a bad request response")
	})

	t.Run("malformed cursor is rejected", func(t *testing.T) {
		app := newTestApp(t, &database.MockRepository{}, &stubBridge{})

		req := httptest.NewRequest(http.MethodGet, "/api/messages?room_id=general&cursor=yesterday", nil)
		req.AddCookie(sessionCookieFor(t, identity))
		rec := app.serve(req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "expected a bad request response")
	})

	t.Run("unauthenticated request is rejected", func(t *testing.T) {
		app := newTestApp(t, &database.MockRepository{}, &stubBridge{})

		rec := app.serve(httptest.NewRequest(http.MethodGet, "/api/messages?room_id=general", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "expected an unauthorized response")
	})
}

func TestEditMessage(t *testing.T) {
	identity := auth.Identity{UserId: 1, Username: "alice"}
	stored := database.Message{
		Id:        "m1",
		RoomId:    "general",
		UserId:    sql.NullInt64{Int64: 1, Valid: true},
		Username:  "alice",
		Content:   "hello",
		CreatedAt: time.Now().UTC(),
	}

	editReq := func(t *testing.T, id, text string, as auth.Identity) *http.Request {
		t.Helper()
		body, _ := json.Marshal(EditMessageRequest{Text: text})
		req := httptest.NewRequest(http.MethodPatch, "/api/messages/"+id, bytes.NewReader(body))
		req.AddCookie(sessionCookieFor(t, as))
		return req
	}

	t.Run("author edit returns the updated message", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "m1").Return(stored, nil).Once()
		updated := stored
		updated.Content = "hello there"
		db.On("UpdateMessage", "m1", "hello there").Return(updated, nil).Once()

		app := newTestApp(t, db, &stubBridge{})
		rec := app.serve(editReq(t, "m1", "hello there", identity))

		assert.Equal(t, http.StatusOK, rec.Code, "expected an ok response")

		var msg types.Message
		assert.NoError(t, json.NewDecoder(rec.Body).Decode(&msg), "expected a message payload")
		assert.Equal(t, "hello there", msg.Content, "expected the updated content")
	})

	t.Run("non-author edit is forbidden", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "m1").Return(stored, nil).Once()

		app := newTestApp(t, db, &stubBridge{})
		rec := app.serve(editReq(t, "m1", "hijack", auth.Identity{UserId: 2, Username: "bob"}))

		assert.Equal(t, http.StatusForbidden, rec.Code, "expected a forbidden response")
	})

	t.Run("missing message is not found", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "nope").Return(database.Message{}, database.ErrNotFound).Once()

		app := newTestApp(t, db, &stubBridge{})
		rec := app.serve(editReq(t, "nope", "text", identity))

		assert.Equal(t, http.StatusNotFound, rec.Code, "expected a not found response")
	})

	t.Run("overlong edit is rejected", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "m1").Return(stored, nil).Once()
		db.On("UpdateMessage", "m1", mock.Anything).
			Return(database.Message{}, fmt.Errorf("%w: content too long", database.ErrValidation)).Once()

		app := newTestApp(t, db, &stubBridge{})
		rec := app.serve(editReq(t, "m1", "way too long", identity))

		assert.Equal(t, http.StatusBadRequest, rec.Code, "expected a bad request response")
	})

	t.Run("stored edit with failed broadcast is accepted", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "m1").Return(stored, nil).Once()
		updated := stored
		updated.Content = "hello there"
		db.On("UpdateMessage", "m1", "hello there").Return(updated, nil).Once()

		bridge := &stubBridge{publishErr: fmt.Errorf("%w: connection refused", server.ErrBridgeUnavailable)}
		app := newTestApp(t, db, bridge)
		rec := app.serve(editReq(t, "m1", "hello there", identity))

		assert.Equal(t, http.StatusAccepted, rec.Code, "expected an accepted response for a durable but unbroadcast edit")

		var msg types.Message
		assert.NoError(t, json.NewDecoder(rec.Body).Decode(&msg), "expected the stored message in the body")
		assert.Equal(t, "hello there", msg.Content, "expected the updated content")
	})
}

func TestDeleteMessage(t *testing.T) {
	identity := auth.Identity{UserId: 1, Username: "alice"}
	stored := database.Message{
		Id:        "m1",
		RoomId:    "general",
		UserId:    sql.NullInt64{Int64: 1, Valid: true},
		Content:   "hello",
		CreatedAt: time.Now().UTC(),
	}

	t.Run("author delete returns the tombstone", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "m1").Return(stored, nil).Once()
		deleted := stored
		deleted.Content = ""
		deleted.Deleted = true
		db.On("SoftDeleteMessage", "m1").Return(deleted, nil).Once()

		app := newTestApp(t, db, &stubBridge{})

		req := httptest.NewRequest(http.MethodDelete, "/api/messages/m1", nil)
		req.AddCookie(sessionCookieFor(t, identity))
		rec := app.serve(req)

		assert.Equal(t, http.StatusOK, rec.Code, "expected an ok response")

		var msg types.Message
		assert.NoError(t, json.NewDecoder(rec.Body).Decode(&msg), "expected a message payload")
		assert.True(t, msg.Deleted, "expected the message marked deleted")
		assert.Empty(t, msg.Content, "expected the content cleared")
	})

	t.Run("non-author delete is forbidden", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "m1").Return(stored, nil).Once()

		app := newTestApp(t, db, &stubBridge{})

		req := httptest.NewRequest(http.MethodDelete, "/api/messages/m1", nil)
		req.AddCookie(sessionCookieFor(t, auth.Identity{UserId: 2, Username: "bob"}))
		rec := app.serve(req)

		assert.Equal(t, http.StatusForbidden, rec.Code, "expected a forbidden response")
	})
}

func TestLogout(t *testing.T) {
	app := newTestApp(t, &database.MockRepository{}, &stubBridge{})

	rec := app.serve(httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code, "expected a no content response")

	cookies := rec.Result().Cookies()
	if assert.Len(t, cookies, 1, "expected the cookie overwritten") {
		assert.Empty(t, cookies[0].Value, "expected an empty token")
		assert.True(t, cookies[0].Expires.Before(time.Now()), "expected the cookie already expired")
	}
}

func TestErrorHandler(t *testing.T) {
	app := newTestApp(t, &database.MockRepository{}, &stubBridge{})

	rec := httptest.NewRecorder()
	handler := app.errorHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(errors.New("boom"))
	}))
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/messages", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code, "expected the panic converted to a 500")
	assert.Equal(t, "close", rec.Header().Get("Connection"), "expected the connection marked for close")
}
