package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"roomchat/internal/auth"
	"roomchat/internal/config"
	"roomchat/internal/database"
	"roomchat/internal/server"
)

type App struct {
	log            *log.Logger
	db             database.Repository
	mux            *http.Server
	cs             *server.ChatServer
	auth           *auth.SessionAuthenticator
	allowedOrigins []string
}

func NewApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.Repository, authenticator *auth.SessionAuthenticator, cfg *config.Config) *App {
	s := &App{
		log:            logger,
		db:             db,
		cs:             cs,
		auth:           authenticator,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/signup", s.signup)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("POST /api/auth/logout", s.logout)
	mux.Handle("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("PATCH /api/messages/{id}", s.authMiddleware(s.editMessage))
	mux.Handle("DELETE /api/messages/{id}", s.authMiddleware(s.deleteMessage))
	mux.Handle("GET /ws", http.HandlerFunc(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *App) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
