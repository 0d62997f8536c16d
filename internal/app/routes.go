package app

import (
	"github.com/agendo/agendo/internal/config"
	"github.com/gorilla/mux"
)

// RegisterRoutes registers all API endpoints.
func RegisterRoutes(r *mux.Router, deps *Dependencies, cfg config.Application) {

	// Events
	r.HandleFunc("/api/event", deps.EventHandler.CreateEvent).Methods("POST")
	r.HandleFunc("/api/event", deps.EventHandler.ListEvents).Methods("GET")
	r.HandleFunc("/api/event/batch", deps.EventHandler.CreateEvents).Methods("POST")
	r.HandleFunc("/api/event/{eventId}", deps.EventHandler.GetEvent).Methods("GET")
	r.HandleFunc("/api/event/{eventId}", deps.EventHandler.UpdateEvent).Methods("PUT")
	r.HandleFunc("/api/event/{eventId}", deps.EventHandler.DeleteEvent).Methods("DELETE")

	// Versions
	r.HandleFunc("/api/event/{eventId}/version", deps.EventHandler.ListVersions).Methods("GET")
	r.HandleFunc("/api/event/{eventId}/version/{versionId}", deps.EventHandler.GetVersion).Methods("GET")
	r.HandleFunc("/api/event/{eventId}/rollback/{versionId}", deps.EventHandler.RollbackEvent).Methods("POST")
	r.HandleFunc("/api/event/{eventId}/changelog", deps.EventHandler.GetChangelog).Methods("GET")
	r.HandleFunc("/api/event/{eventId}/diff/{versionIdA}/{versionIdB}", deps.EventHandler.DiffVersions).Methods("GET")

	// Permissions
	r.HandleFunc("/api/event/{eventId}/permission", deps.PermissionHandler.ListPermissions).Methods("GET")
	r.HandleFunc("/api/event/{eventId}/permission", deps.PermissionHandler.GrantPermission).Methods("POST")
	r.HandleFunc("/api/event/{eventId}/permission/{principalId}", deps.PermissionHandler.UpdatePermission).Methods("PUT")
	r.HandleFunc("/api/event/{eventId}/permission/{principalId}", deps.PermissionHandler.RevokePermission).Methods("DELETE")
}
