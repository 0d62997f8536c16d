package principal

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
)

type contextKey string

const PrincipalKey contextKey = "principal"

var ErrNoPrincipal = errors.New("principal not found")

// CurrentID retrieves the calling principal's identifier from the context.
// Returns ErrNoPrincipal if no principal was attached to the request.
func CurrentID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(PrincipalKey).(string)
	if !ok || id == "" {
		log.Trace("principal not found in context")
		return "", ErrNoPrincipal
	}
	return id, nil
}

// WithID attaches a principal identifier to the context. The identifier is an
// opaque stable string issued by the authentication layer.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, PrincipalKey, id)
}
