// Package api exposes the REST surface over the user and payment use
// cases. Settlement itself is invisible background work; these routes
// only inspect and mutate record state.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cashstack/paygate/internal/payments"
	"github.com/cashstack/paygate/internal/storage"
	"github.com/cashstack/paygate/internal/users"
)

type ctxKey int

const userKey ctxKey = 0

type Server struct {
	users    *users.Service
	payments *payments.Service
	log      *slog.Logger

	server *http.Server
}

func NewServer(users *users.Service, payments *payments.Service, log *slog.Logger) *Server {
	return &Server{
		users:    users,
		payments: payments,
		log:      log,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/users", func(r chi.Router) {
		r.Post("/", s.handleCreateUser)
		r.Post("/auth", s.handleAuthUser)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/", s.handleGetUsers)
			r.Get("/{id}", s.handleGetUser)
			r.Put("/{id}", s.handleUpdateUser)
			r.Delete("/{id}", s.handleDeleteUser)
			r.Get("/address/{externalID}", s.handleAddressByExternalID)
		})
	})

	r.Route("/payments", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/", s.handleCreatePayment)
		r.Get("/", s.handleGetPayments)
		r.Get("/{id}", s.handleGetPayment)
		r.Post("/cancel/{id}", s.handleCancelPayment)
		r.Delete("/{id}", s.handleDeletePayment)
	})

	return r
}

// Start serves the API until the context is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Info("starting API server", "port", port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	return s.server.ListenAndServe()
}

// requireAuth resolves the bearer token to a user and stores it on
// the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		user, err := s.users.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func requestUser(r *http.Request) *storage.User {
	user, _ := r.Context().Value(userKey).(*storage.User)
	return user
}
