package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/npezzotti/rostra/internal/database"
	"github.com/npezzotti/rostra/internal/pagination"
	"github.com/npezzotti/rostra/internal/server"
)

const (
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultSearchRateLimit  = 30
	DefaultSearchRateWindow = time.Minute
)

// Store is what the HTTP handlers read directly; writes go through the chat
// server so socket subscribers see them.
type Store interface {
	database.RoomStore
	database.UserStore
	Ping(ctx context.Context) error
}

// UnreadCounter serves room id -> unread count for a user.
type UnreadCounter interface {
	Counts(ctx context.Context, userId int64) (map[int64]int64, error)
}

type Options struct {
	Addr             string
	AllowedOrigins   []string
	ShutdownTimeout  time.Duration
	SearchRateLimit  int
	SearchRateWindow time.Duration
}

type Server struct {
	log             zerolog.Logger
	store           Store
	pager           *pagination.Pager
	unread          UnreadCounter
	cs              *server.ChatServer
	verifier        TokenVerifier
	metrics         http.Handler
	allowedOrigins  []string
	shutdownTimeout time.Duration
	upgrader        websocket.Upgrader
	srv             *http.Server
}

func NewServer(logger zerolog.Logger, cs *server.ChatServer, store Store, pager *pagination.Pager, unread UnreadCounter, verifier TokenVerifier, metrics http.Handler, opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.SearchRateLimit <= 0 {
		opts.SearchRateLimit = DefaultSearchRateLimit
	}
	if opts.SearchRateWindow <= 0 {
		opts.SearchRateWindow = DefaultSearchRateWindow
	}

	s := &Server{
		log:             logger.With().Str("component", "api").Logger(),
		store:           store,
		pager:           pager,
		unread:          unread,
		cs:              cs,
		verifier:        verifier,
		metrics:         metrics,
		allowedOrigins:  opts.AllowedOrigins,
		shutdownTimeout: opts.ShutdownTimeout,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) routes(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(s.errorHandler)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.healthCheck)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/ws", s.serveWs)

		r.Route("/api/rooms", func(r chi.Router) {
			r.Get("/", s.listRooms)
			r.Route("/{room_id}", func(r chi.Router) {
				r.Get("/", s.getRoom)
				r.Patch("/read", s.markRead)
				r.Get("/messages", s.getMessages)
				r.Post("/messages", s.createMessage)
				r.With(httprate.LimitByIP(opts.SearchRateLimit, opts.SearchRateWindow)).
					Get("/messages/search", s.searchMessages)
				r.Get("/messages/{message_id}/context", s.messageContext)
			})
		})
	})

	return handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(s.allowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(r)
}

// checkOrigin allows requests without an Origin header and those from a
// configured origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Serve listens until ctx is done, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Msg("starting server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return ctx.Err()
}

func (s *Server) String() string {
	return "http-server"
}
