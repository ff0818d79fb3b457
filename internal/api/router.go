package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/convoyhq/convoy-engine/internal/api/handlers"
	"github.com/convoyhq/convoy-engine/internal/api/middleware"
	"github.com/convoyhq/convoy-engine/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the HTTP router: knowledge base ingestion/search, chat
// threads/messages, and tool execution, fronted by request logging, tenant
// extraction and tracing. Tenant extraction here is non-authenticating — the
// caller's entitlement to act as a tenant is established upstream of this
// service.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Telemetry)

	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/version", h.Version(cfg.Version))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/kb", func(r chi.Router) {
			r.Route("/documents", func(r chi.Router) {
				r.Post("/", h.UploadDocument)
				r.Get("/", h.ListDocuments)
			})
			r.Route("/search", func(r chi.Router) {
				r.Post("/vector", h.SearchVector)
				r.Post("/hybrid", h.SearchHybrid)
			})
		})

		r.Route("/chat", func(r chi.Router) {
			r.Route("/threads", func(r chi.Router) {
				r.Post("/", h.CreateThread)
				r.Post("/{id}/messages", h.SendMessage)
				r.Post("/{id}/messages/{messageId}/regenerate", h.Regenerate)
			})
		})

		r.Route("/mcp", func(r chi.Router) {
			r.Post("/tools/{code}/execute", h.ExecuteTool)
		})
	})

	return r
}

func parseCORSOrigins() []string {
	originsEnv := os.Getenv("CONVOY_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}

	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
