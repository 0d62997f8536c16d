package event

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/agendo/agendo/internal/rest"
	"github.com/agendo/agendo/pkg/permission"
	"github.com/agendo/agendo/pkg/principal"
	"github.com/agendo/agendo/pkg/recurrence"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type EventDTO struct {
	ID             string            `json:"id"`
	CreatorID      string            `json:"creatorId"`
	CreatedAt      time.Time         `json:"createdAt"`
	Title          string            `json:"title"`
	Description    *string           `json:"description,omitempty"`
	StartTime      time.Time         `json:"startTime"`
	EndTime        time.Time         `json:"endTime"`
	Location       *string           `json:"location,omitempty"`
	IsRecurring    bool              `json:"isRecurring"`
	Recurrence     *string           `json:"recurrencePattern,omitempty"`
	ExceptionDates []time.Time       `json:"exceptionDates,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	VersionID      string            `json:"versionId"`
	VersionNumber  int               `json:"versionNumber"`
	LastChangedAt  time.Time         `json:"lastChangedAt"`
	LastChangedBy  string            `json:"lastChangedBy"`
}

type EventRequestDTO struct {
	Title          string            `json:"title"`
	Description    *string           `json:"description,omitempty"`
	StartTime      time.Time         `json:"startTime"`
	EndTime        time.Time         `json:"endTime"`
	Location       *string           `json:"location,omitempty"`
	IsRecurring    bool              `json:"isRecurring"`
	Recurrence     *string           `json:"recurrencePattern,omitempty"`
	ExceptionDates []time.Time       `json:"exceptionDates,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type BatchRequestDTO struct {
	Events []EventRequestDTO `json:"events"`
}

type BatchItemDTO struct {
	Index int       `json:"index"`
	Event *EventDTO `json:"event,omitempty"`
	Error *string   `json:"error,omitempty"`
}

type InstanceDTO struct {
	EventID   string    `json:"eventId"`
	Title     string    `json:"title"`
	Location  *string   `json:"location,omitempty"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Recurring bool      `json:"isRecurring"`
}

type EventListDTO struct {
	Events []InstanceDTO `json:"events"`
	Total  int           `json:"total"`
	Skip   int           `json:"skip"`
	Limit  int           `json:"limit"`
}

type VersionDTO struct {
	ID             string            `json:"id"`
	EventID        string            `json:"eventId"`
	VersionNumber  int               `json:"versionNumber"`
	Title          string            `json:"title"`
	Description    *string           `json:"description,omitempty"`
	StartTime      time.Time         `json:"startTime"`
	EndTime        time.Time         `json:"endTime"`
	Location       *string           `json:"location,omitempty"`
	IsRecurring    bool              `json:"isRecurring"`
	Recurrence     *string           `json:"recurrencePattern,omitempty"`
	ExceptionDates []time.Time       `json:"exceptionDates,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	AuthorID       string            `json:"authorId"`
	CreatedAt      time.Time         `json:"createdAt"`
	DerivedFrom    *string           `json:"derivedFrom,omitempty"`
}

type VersionSummaryDTO struct {
	ID            string    `json:"id"`
	VersionNumber int       `json:"versionNumber"`
	Title         string    `json:"title"`
	AuthorID      string    `json:"authorId"`
	CreatedAt     time.Time `json:"createdAt"`
}

type FieldChangeDTO struct {
	Field string `json:"field"`
	Kind  string `json:"kind"`
	Old   any    `json:"old,omitempty"`
	New   any    `json:"new,omitempty"`
}

type ChangelogEntryDTO struct {
	Version VersionSummaryDTO `json:"version"`
	Changes []FieldChangeDTO  `json:"changes,omitempty"`
}

type DiffDTO struct {
	Changes []FieldChangeDTO `json:"changes"`
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// CreateEvent
//
//	@Summary	Create a new event with an initial version
//	@Tags		event
//	@Accept		json
//	@Produce	json
//	@Param		event	body		EventRequestDTO	true	"Event content"
//	@Success	201		{object}	EventDTO
//	@Router		/api/event [post]
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var dto EventRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		rest.WriteError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	snapshot, err := toSnapshot(dto)
	if err != nil {
		rest.WriteError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	event, err := h.service.CreateEvent(r.Context(), snapshot)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	rest.WriteJSON(w, http.StatusCreated, toEventDTO(*event))
}

// CreateEvents
//
//	@Summary	Create multiple events in one request
//	@Tags		event
//	@Accept		json
//	@Produce	json
//	@Param		events	body		BatchRequestDTO	true	"Events to create"
//	@Success	200		{array}		BatchItemDTO
//	@Router		/api/event/batch [post]
func (h *Handler) CreateEvents(w http.ResponseWriter, r *http.Request) {
	var dto BatchRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		rest.WriteError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	snapshots := make([]Snapshot, len(dto.Events))
	for i, item := range dto.Events {
		snapshot, err := toSnapshot(item)
		if err != nil {
			rest.WriteError(w, http.StatusBadRequest, err.Error(), "item "+strconv.Itoa(i))
			return
		}
		snapshots[i] = snapshot
	}

	items, err := h.service.CreateEvents(r.Context(), snapshots)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response := make([]BatchItemDTO, len(items))
	for i, item := range items {
		response[i] = BatchItemDTO{Index: item.Index}
		if item.Event != nil {
			eventDTO := toEventDTO(*item.Event)
			response[i].Event = &eventDTO
		}
		if item.Err != nil {
			message := item.Err.Error()
			response[i].Error = &message
		}
	}
	rest.WriteJSON(w, http.StatusOK, response)
}

// ListEvents
//
//	@Summary	List visible events, optionally expanding recurrences in a time window
//	@Tags		event
//	@Produce	json
//	@Param		from	query		string	false	"Window start (RFC3339)"
//	@Param		to		query		string	false	"Window end (RFC3339)"
//	@Param		skip	query		int		false	"Items to skip"
//	@Param		limit	query		int		false	"Page size"
//	@Success	200		{object}	EventListDTO
//	@Router		/api/event [get]
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	var filter ListFilter
	query := r.URL.Query()

	if raw := query.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			rest.WriteError(w, http.StatusBadRequest, "Invalid 'from' date format", err.Error())
			return
		}
		filter.From = &from
	}
	if raw := query.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			rest.WriteError(w, http.StatusBadRequest, "Invalid 'to' date format", err.Error())
			return
		}
		filter.To = &to
	}
	if (filter.From == nil) != (filter.To == nil) {
		rest.WriteError(w, http.StatusBadRequest, "'from' and 'to' must be provided together", "")
		return
	}
	if raw := query.Get("skip"); raw != "" {
		skip, err := strconv.Atoi(raw)
		if err != nil {
			rest.WriteError(w, http.StatusBadRequest, "Invalid 'skip' value", err.Error())
			return
		}
		filter.Skip = skip
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			rest.WriteError(w, http.StatusBadRequest, "Invalid 'limit' value", err.Error())
			return
		}
		filter.Limit = limit
	}

	list, err := h.service.ListEvents(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	instances := make([]InstanceDTO, len(list.Instances))
	for i, instance := range list.Instances {
		instances[i] = InstanceDTO{
			EventID:   instance.EventID,
			Title:     instance.Title,
			Location:  instance.Location,
			StartTime: instance.StartTime,
			EndTime:   instance.EndTime,
			Recurring: instance.Recurring,
		}
	}
	rest.WriteJSON(w, http.StatusOK, EventListDTO{Events: instances, Total: list.Total, Skip: list.Skip, Limit: list.Limit})
}

// GetEvent
//
//	@Summary	Get an event with its current version
//	@Tags		event
//	@Produce	json
//	@Param		eventId	path		string	true	"Event ID"
//	@Success	200		{object}	EventDTO
//	@Router		/api/event/{eventId} [get]
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventId := mux.Vars(r)["eventId"]
	event, err := h.service.GetEvent(r.Context(), eventId)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	rest.WriteJSON(w, http.StatusOK, toEventDTO(*event))
}

// UpdateEvent
//
//	@Summary	Update an event by appending a new version
//	@Tags		event
//	@Accept		json
//	@Produce	json
//	@Param		eventId	path		string			true	"Event ID"
//	@Param		event	body		EventRequestDTO	true	"New event content"
//	@Success	200		{object}	EventDTO
//	@Router		/api/event/{eventId} [put]
func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	eventId := mux.Vars(r)["eventId"]
	var dto EventRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		rest.WriteError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	snapshot, err := toSnapshot(dto)
	if err != nil {
		rest.WriteError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	event, err := h.service.UpdateEvent(r.Context(), eventId, snapshot)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	rest.WriteJSON(w, http.StatusOK, toEventDTO(*event))
}

// DeleteEvent
//
//	@Summary	Delete an event with all its versions and permissions
//	@Tags		event
//	@Param		eventId	path	string	true	"Event ID"
//	@Success	204
//	@Router		/api/event/{eventId} [delete]
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	eventId := mux.Vars(r)["eventId"]
	if err := h.service.DeleteEvent(r.Context(), eventId); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RollbackEvent
//
//	@Summary	Roll an event back to a historical version
//	@Tags		event
//	@Produce	json
//	@Param		eventId		path		string	true	"Event ID"
//	@Param		versionId	path		string	true	"Version to restore"
//	@Success	200			{object}	EventDTO
//	@Router		/api/event/{eventId}/rollback/{versionId} [post]
func (h *Handler) RollbackEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	event, err := h.service.RollbackEvent(r.Context(), vars["eventId"], vars["versionId"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	rest.WriteJSON(w, http.StatusOK, toEventDTO(*event))
}

// GetVersion
//
//	@Summary	Get a single historical version
//	@Tags		event
//	@Produce	json
//	@Param		eventId		path		string	true	"Event ID"
//	@Param		versionId	path		string	true	"Version ID"
//	@Success	200			{object}	VersionDTO
//	@Router		/api/event/{eventId}/version/{versionId} [get]
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := h.service.GetVersion(r.Context(), vars["eventId"], vars["versionId"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	rest.WriteJSON(w, http.StatusOK, toVersionDTO(*version))
}

// ListVersions
//
//	@Summary	List version summaries in ascending order
//	@Tags		event
//	@Produce	json
//	@Param		eventId	path	string	true	"Event ID"
//	@Success	200		{array}	VersionSummaryDTO
//	@Router		/api/event/{eventId}/version [get]
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	eventId := mux.Vars(r)["eventId"]
	summaries, err := h.service.ListVersions(r.Context(), eventId)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response := make([]VersionSummaryDTO, len(summaries))
	for i, s := range summaries {
		response[i] = toSummaryDTO(s)
	}
	rest.WriteJSON(w, http.StatusOK, response)
}

// GetChangelog
//
//	@Summary	Get the full change history with per-version field diffs
//	@Tags		event
//	@Produce	json
//	@Param		eventId	path	string	true	"Event ID"
//	@Success	200		{array}	ChangelogEntryDTO
//	@Router		/api/event/{eventId}/changelog [get]
func (h *Handler) GetChangelog(w http.ResponseWriter, r *http.Request) {
	eventId := mux.Vars(r)["eventId"]
	entries, err := h.service.GetChangelog(r.Context(), eventId)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response := make([]ChangelogEntryDTO, len(entries))
	for i, entry := range entries {
		response[i] = ChangelogEntryDTO{
			Version: toSummaryDTO(entry.Version),
			Changes: toChangeDTOs(entry.Changes),
		}
	}
	rest.WriteJSON(w, http.StatusOK, response)
}

// DiffVersions
//
//	@Summary	Compare two versions of an event field by field
//	@Tags		event
//	@Produce	json
//	@Param		eventId		path		string	true	"Event ID"
//	@Param		versionIdA	path		string	true	"Base version ID"
//	@Param		versionIdB	path		string	true	"Target version ID"
//	@Success	200			{object}	DiffDTO
//	@Router		/api/event/{eventId}/diff/{versionIdA}/{versionIdB} [get]
func (h *Handler) DiffVersions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	changes, err := h.service.DiffVersions(r.Context(), vars["eventId"], vars["versionIdA"], vars["versionIdB"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	rest.WriteJSON(w, http.StatusOK, DiffDTO{Changes: toChangeDTOs(changes)})
}

func toSnapshot(dto EventRequestDTO) (Snapshot, error) {
	snapshot := Snapshot{
		Title:       dto.Title,
		Description: dto.Description,
		StartTime:   dto.StartTime,
		EndTime:     dto.EndTime,
		Location:    dto.Location,
		Metadata:    dto.Metadata,
	}
	if dto.IsRecurring {
		if dto.Recurrence == nil || *dto.Recurrence == "" {
			return Snapshot{}, errors.New("recurrencePattern is required for recurring events")
		}
		snapshot.Recurrence = &recurrence.Spec{
			Pattern:    *dto.Recurrence,
			Exceptions: dto.ExceptionDates,
		}
	} else if dto.Recurrence != nil && *dto.Recurrence != "" {
		return Snapshot{}, errors.New("recurrencePattern requires isRecurring to be true")
	}
	return snapshot, nil
}

func toEventDTO(event Event) EventDTO {
	snapshot := event.Current.Snapshot
	dto := EventDTO{
		ID:            event.ID,
		CreatorID:     event.CreatorID,
		CreatedAt:     event.CreatedAt,
		Title:         snapshot.Title,
		Description:   snapshot.Description,
		StartTime:     snapshot.StartTime,
		EndTime:       snapshot.EndTime,
		Location:      snapshot.Location,
		Metadata:      snapshot.Metadata,
		VersionID:     event.Current.ID,
		VersionNumber: event.Current.Number,
		LastChangedAt: event.Current.CreatedAt,
		LastChangedBy: event.Current.AuthorID,
	}
	if snapshot.Recurrence != nil {
		dto.IsRecurring = true
		pattern := snapshot.Recurrence.Pattern
		dto.Recurrence = &pattern
		dto.ExceptionDates = snapshot.Recurrence.Exceptions
	}
	return dto
}

func toVersionDTO(version Version) VersionDTO {
	snapshot := version.Snapshot
	dto := VersionDTO{
		ID:            version.ID,
		EventID:       version.EventID,
		VersionNumber: version.Number,
		Title:         snapshot.Title,
		Description:   snapshot.Description,
		StartTime:     snapshot.StartTime,
		EndTime:       snapshot.EndTime,
		Location:      snapshot.Location,
		Metadata:      snapshot.Metadata,
		AuthorID:      version.AuthorID,
		CreatedAt:     version.CreatedAt,
		DerivedFrom:   version.DerivedFrom,
	}
	if snapshot.Recurrence != nil {
		dto.IsRecurring = true
		pattern := snapshot.Recurrence.Pattern
		dto.Recurrence = &pattern
		dto.ExceptionDates = snapshot.Recurrence.Exceptions
	}
	return dto
}

func toSummaryDTO(s VersionSummary) VersionSummaryDTO {
	return VersionSummaryDTO{
		ID:            s.ID,
		VersionNumber: s.Number,
		Title:         s.Title,
		AuthorID:      s.AuthorID,
		CreatedAt:     s.CreatedAt,
	}
}

func toChangeDTOs(changes []FieldChange) []FieldChangeDTO {
	if changes == nil {
		return nil
	}
	dtos := make([]FieldChangeDTO, len(changes))
	for i, change := range changes {
		dtos[i] = FieldChangeDTO{
			Field: change.Field,
			Kind:  string(change.Kind),
			Old:   change.Old,
			New:   change.New,
		}
	}
	return dtos
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, principal.ErrNoPrincipal):
		rest.WriteError(w, http.StatusUnauthorized, "Missing principal identity", "")
	case errors.Is(err, ErrEventNotFound), errors.Is(err, ErrVersionNotFound):
		rest.WriteError(w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, permission.ErrForbidden):
		rest.WriteError(w, http.StatusForbidden, err.Error(), "")
	case errors.Is(err, ErrConcurrentModification):
		rest.WriteError(w, http.StatusConflict, err.Error(), "")
	case errors.Is(err, recurrence.ErrBoundsExceeded):
		rest.WriteError(w, http.StatusUnprocessableEntity, err.Error(), "")
	case errors.Is(err, ErrStoreUnavailable):
		rest.WriteError(w, http.StatusServiceUnavailable, err.Error(), "")
	case errors.Is(err, ErrInvalidSnapshot),
		errors.Is(err, recurrence.ErrInvalidSpec),
		errors.Is(err, recurrence.ErrInvalidWindow),
		errors.Is(err, ErrSelfDiff):
		rest.WriteError(w, http.StatusBadRequest, err.Error(), "")
	default:
		log.Errorf("Unexpected error: %v", err)
		rest.WriteError(w, http.StatusInternalServerError, "Internal server error", "")
	}
}
