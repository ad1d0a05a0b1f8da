package server

import (
	"net/http"

	"github.com/rs/cors"
)

// corsMaxAge is how long browsers may cache a preflight response, in seconds.
const corsMaxAge = 86400

// withCORS allows the configured web origins to call the API and read the
// Authorization header that carries issued tokens.
func (h *Handler) withCORS(next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: h.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{headerAuthorization, headerContentType, headerCorrelationID, h.cfg.APIKeyHeader},
		ExposedHeaders: []string{headerAuthorization, headerCorrelationID},
		MaxAge:         corsMaxAge,
	})
	return c.Handler(next)
}
