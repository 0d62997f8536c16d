package permission

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/agendo/agendo/internal/rest"
	"github.com/agendo/agendo/pkg/principal"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

type GrantDTO struct {
	PrincipalId string    `json:"principalId"`
	Role        string    `json:"role"`
	GrantedAt   time.Time `json:"grantedAt"`
}

type GrantRequestDTO struct {
	PrincipalId string `json:"principalId"`
	Role        string `json:"role"`
}

type UpdateGrantRequestDTO struct {
	Role string `json:"role"`
}

// GrantPermission godoc
// @Summary Share an event with another principal
// @Tags Permissions
// @Accept json
// @Produce json
// @Param eventId path string true "Event ID"
// @Param grant body GrantRequestDTO true "Grant"
// @Success 200 {array} GrantDTO
// @Failure 400 {object} rest.ErrorResponse "Invalid request"
// @Failure 403 {object} rest.ErrorResponse "Insufficient role"
// @Router /api/event/{eventId}/permission [post]
func (h *Handler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	eventId := mux.Vars(r)["eventId"]

	var req GrantRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rest.WriteError(w, http.StatusBadRequest, "Invalid request body format", "")
		return
	}
	if req.PrincipalId == "" {
		rest.WriteError(w, http.StatusBadRequest, "principalId is required", "")
		return
	}

	grants, err := h.service.Grant(r.Context(), eventId, req.PrincipalId, Role(req.Role))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	rest.WriteJSON(w, http.StatusOK, grantsToDTO(grants))
}

// ListPermissions godoc
// @Summary List all grants on an event
// @Tags Permissions
// @Produce json
// @Param eventId path string true "Event ID"
// @Success 200 {array} GrantDTO
// @Failure 403 {object} rest.ErrorResponse "Insufficient role"
// @Router /api/event/{eventId}/permission [get]
func (h *Handler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	eventId := mux.Vars(r)["eventId"]

	grants, err := h.service.ListGrants(r.Context(), eventId)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	rest.WriteJSON(w, http.StatusOK, grantsToDTO(grants))
}

// UpdatePermission godoc
// @Summary Change a principal's role on an event
// @Description Setting role to "owner" performs an atomic ownership transfer.
// @Tags Permissions
// @Accept json
// @Produce json
// @Param eventId path string true "Event ID"
// @Param principalId path string true "Principal ID"
// @Param update body UpdateGrantRequestDTO true "New role"
// @Success 200 {object} GrantDTO
// @Failure 403 {object} rest.ErrorResponse "Insufficient role"
// @Failure 409 {object} rest.ErrorResponse "Sole owner cannot be demoted"
// @Router /api/event/{eventId}/permission/{principalId} [put]
func (h *Handler) UpdatePermission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	eventId := vars["eventId"]
	principalId := vars["principalId"]

	var req UpdateGrantRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rest.WriteError(w, http.StatusBadRequest, "Invalid request body format", "")
		return
	}

	grant, err := h.service.UpdateGrant(r.Context(), eventId, principalId, Role(req.Role))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	rest.WriteJSON(w, http.StatusOK, grantToDTO(*grant))
}

// RevokePermission godoc
// @Summary Remove a principal's access to an event
// @Tags Permissions
// @Param eventId path string true "Event ID"
// @Param principalId path string true "Principal ID"
// @Success 204
// @Failure 403 {object} rest.ErrorResponse "Insufficient role"
// @Failure 409 {object} rest.ErrorResponse "Sole owner cannot be revoked"
// @Router /api/event/{eventId}/permission/{principalId} [delete]
func (h *Handler) RevokePermission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	eventId := vars["eventId"]
	principalId := vars["principalId"]

	if err := h.service.RevokeGrant(r.Context(), eventId, principalId); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, principal.ErrNoPrincipal):
		rest.WriteError(w, http.StatusUnauthorized, "Missing principal identity", "")
	case errors.Is(err, ErrEventNotFound):
		rest.WriteError(w, http.StatusNotFound, "Event not found", "")
	case errors.Is(err, ErrGrantNotFound):
		rest.WriteError(w, http.StatusNotFound, "Permission grant not found", "")
	case errors.Is(err, ErrForbidden):
		rest.WriteError(w, http.StatusForbidden, "Insufficient role for this operation", "")
	case errors.Is(err, ErrLastOwnerViolation):
		rest.WriteError(w, http.StatusConflict, "The sole owner grant cannot be removed or demoted", "Transfer ownership first")
	case errors.Is(err, ErrOwnerGrantNotAllowed):
		rest.WriteError(w, http.StatusBadRequest, "Owner role cannot be granted directly", "Use a permission update to transfer ownership")
	case errors.Is(err, ErrInvalidRole):
		rest.WriteError(w, http.StatusBadRequest, "Invalid role", "Role must be one of owner, editor, viewer")
	default:
		log.Errorf("permission operation failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func grantToDTO(g Grant) GrantDTO {
	return GrantDTO{
		PrincipalId: g.PrincipalID,
		Role:        string(g.Role),
		GrantedAt:   g.GrantedAt,
	}
}

func grantsToDTO(grants []Grant) []GrantDTO {
	dtos := make([]GrantDTO, 0, len(grants))
	for _, g := range grants {
		dtos = append(dtos, grantToDTO(g))
	}
	return dtos
}
