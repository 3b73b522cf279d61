package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"twingrid.org/internal/audit"
	"twingrid.org/internal/twin"
)

type subscribeRequest struct {
	EnableDataSharing *bool `json:"enable_data_sharing"`
}

type twinResponse struct {
	ID                uuid.UUID           `json:"id"`
	Name              string              `json:"name"`
	ModelID           uuid.UUID           `json:"model_id"`
	PolicyID          *uuid.UUID          `json:"policy_id,omitempty"`
	Kind              twin.DeploymentKind `json:"kind"`
	Status            twin.Status         `json:"status"`
	Port              *int                `json:"port,omitempty"`
	EnableDataSharing bool                `json:"enable_data_sharing"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	Components        []componentResponse `json:"components,omitempty"`
}

type componentResponse struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	ImageSource   string    `json:"image_source"`
	Exposed       bool      `json:"exposed"`
	ContainerPort int       `json:"container_port"`
	HostPort      *int      `json:"host_port,omitempty"`
	ContainerName *string   `json:"container_name,omitempty"`
}

func toTwinResponse(t *twin.Twin, comps []twin.Component) twinResponse {
	resp := twinResponse{
		ID:                t.ID,
		Name:              t.Name,
		ModelID:           t.ModelID,
		PolicyID:          t.PolicyID,
		Kind:              t.Kind,
		Status:            t.Status,
		Port:              t.Port,
		EnableDataSharing: t.EnableDataSharing,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
	for _, c := range comps {
		resp.Components = append(resp.Components, componentResponse{
			ID:            c.ID,
			Name:          c.Name,
			ImageSource:   c.ImageSource,
			Exposed:       c.Exposed,
			ContainerPort: c.ContainerPort,
			HostPort:      c.HostPort,
			ContainerName: c.ContainerName,
		})
	}
	return resp
}

// handleModelSubscribe serves POST /user/models/{modelID}/subscribe.
func (a *API) handleModelSubscribe(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/user/models/")
	rawID, rest, ok := strings.Cut(path, "/")
	if !ok || rest != "subscribe" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	modelID, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid model id")
		return
	}
	actor, ok := actorFromContext(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req subscribeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	t, err := a.twins.Subscribe(r.Context(), modelID, actor, req.EnableDataSharing)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "twin.subscribe", map[string]any{
		"twin_id":  t.ID.String(),
		"model_id": modelID.String(),
		"status":   string(t.Status),
	})

	w.Header().Set("Location", "/user/twins/"+t.ID.String())
	writeJSON(w, http.StatusCreated, toTwinResponse(t, nil))
}

// handleTwinsCollection serves GET /user/twins.
func (a *API) handleTwinsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := actorFromContext(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	twins, err := a.twins.List(r.Context(), actor)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	items := make([]twinResponse, 0, len(twins))
	for _, t := range twins {
		items = append(items, toTwinResponse(t, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleTwinResource dispatches /user/twins/{twinID}[/start|/stop|/action/{endpoint}].
func (a *API) handleTwinResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/user/twins/")
	rawID, rest, _ := strings.Cut(path, "/")
	twinID, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid twin id")
		return
	}
	actor, ok := actorFromContext(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	if endpoint, found := strings.CutPrefix(rest, "action/"); found {
		if endpoint == "" {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if err := a.gw.Forward(w, r, twinID, endpoint, actor); err != nil {
			handleDomainError(w, r, err)
		}
		return
	}

	switch rest {
	case "":
		switch r.Method {
		case http.MethodGet:
			a.getTwin(w, r, twinID, actor)
		case http.MethodDelete:
			a.deleteTwin(w, r, twinID, actor)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
	case "start":
		a.transitionTwin(w, r, twinID, actor, a.twins.Start, "twin.start")
	case "stop":
		a.transitionTwin(w, r, twinID, actor, a.twins.Stop, "twin.stop")
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getTwin(w http.ResponseWriter, r *http.Request, twinID uuid.UUID, actor twin.Actor) {
	t, comps, err := a.twins.Get(r.Context(), twinID, actor)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTwinResponse(t, comps))
}

func (a *API) deleteTwin(w http.ResponseWriter, r *http.Request, twinID uuid.UUID, actor twin.Actor) {
	if err := a.twins.Teardown(r.Context(), twinID, actor); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "twin.delete", map[string]any{"twin_id": twinID.String()})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) transitionTwin(w http.ResponseWriter, r *http.Request, twinID uuid.UUID, actor twin.Actor, do func(ctx context.Context, twinID uuid.UUID, actor twin.Actor) error, event string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if err := do(r.Context(), twinID, actor); err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{"twin_id": twinID.String()})
	t, comps, err := a.twins.Get(r.Context(), twinID, actor)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTwinResponse(t, comps))
}
