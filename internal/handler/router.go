package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zhouzirui/hearth/backend/internal/handler/chat"
	"github.com/zhouzirui/hearth/backend/internal/handler/persona"
	"github.com/zhouzirui/hearth/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/hearth/backend/internal/middleware"
	personaModel "github.com/zhouzirui/hearth/backend/internal/model/persona"
	chatService "github.com/zhouzirui/hearth/backend/internal/service/chat"
	"github.com/zhouzirui/hearth/backend/pkg/utils"
)

// Options wires the router.
type Options struct {
	Personas personaModel.Store
	Chat     *chatService.Service
	// Streaming selects incremental delivery on the streaming endpoints.
	Streaming bool
	// RateRPS and RateBurst configure the per-client limiter on /api.
	RateRPS   float64
	RateBurst int
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// Create handlers
	personaHandler := persona.New(opts.Personas)
	chatHandler := chat.New(opts.Chat)
	streamHandler := stream.New(opts.Chat, opts.Streaming, logger)

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.RateLimit(opts.RateRPS, opts.RateBurst, logger))

		personaHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
	})

	return r
}
