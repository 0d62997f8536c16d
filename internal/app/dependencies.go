package app

import (
	"database/sql"
	"time"

	"github.com/agendo/agendo/internal/config"
	"github.com/agendo/agendo/internal/utils"
	"github.com/agendo/agendo/pkg/event"
	"github.com/agendo/agendo/pkg/permission"
	"github.com/agendo/agendo/pkg/recurrence"
)

// Dependencies holds all services and handlers for the application.
type Dependencies struct {
	PermissionRepo    permission.Repository
	PermissionService permission.Service
	PermissionHandler *permission.Handler

	Expander *recurrence.Expander

	EventRepo    event.Repository
	EventService event.Service
	EventHandler *event.Handler

	Clock utils.Clock
}

// BuildDependencies initializes and wires all application services and handlers.
func BuildDependencies(db *sql.DB, cfg config.Application) *Dependencies {
	deps := &Dependencies{}

	deps.Clock = &utils.SystemClock{}

	deps.PermissionRepo = permission.NewRepository(db)
	deps.PermissionService = permission.NewService(deps.PermissionRepo)
	deps.PermissionHandler = permission.NewHandler(deps.PermissionService)

	deps.Expander = recurrence.NewExpander(
		time.Duration(cfg.Recurrence.MaxWindowDays)*24*time.Hour,
		cfg.Recurrence.MaxOccurrences,
	)

	deps.EventRepo = event.NewRepository(db)
	deps.EventService = event.NewService(deps.EventRepo, deps.PermissionService, deps.Expander, deps.Clock, cfg.Listing)
	deps.EventHandler = event.NewHandler(deps.EventService)

	return deps
}
