package app

import (
	"net/http"

	"github.com/agendo/agendo/internal/config"
	"github.com/agendo/agendo/pkg/principal"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// SetupMiddleware wires all HTTP middlewares for the application.
func SetupMiddleware(r *mux.Router, deps *Dependencies, cfg config.Application) {

	// Propagate X-Principal-Id header into context for downstream services
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()

			principalId := req.Header.Get("X-Principal-Id")
			if principalId != "" {
				log.Debugf("principal: %s", principalId)
				ctx = principal.WithID(ctx, principalId)
			}
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
}
