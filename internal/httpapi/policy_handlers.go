package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"twingrid.org/internal/audit"
	"twingrid.org/internal/auth"
	"twingrid.org/internal/policy"
)

type policyActionRequest struct {
	Endpoint       string `json:"endpoint"`
	Verb           string `json:"verb"`
	Count          int64  `json:"count"`
	ResetFrequency string `json:"reset_frequency"`
}

type createPolicyRequest struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Actions     []policyActionRequest `json:"actions"`
}

type policyResponse struct {
	ID          uuid.UUID              `json:"id"`
	ModelID     uuid.UUID              `json:"model_id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Version     int                    `json:"version"`
	CreatedAt   time.Time              `json:"created_at"`
	Actions     []policyActionResponse `json:"actions,omitempty"`
}

type policyActionResponse struct {
	Endpoint       string `json:"endpoint"`
	Verb           string `json:"verb"`
	Count          int64  `json:"count"`
	ResetFrequency string `json:"reset_frequency"`
}

func toPolicyResponse(p *policy.Policy, actions []policy.Action) policyResponse {
	resp := policyResponse{
		ID:          p.ID,
		ModelID:     p.ModelID,
		Name:        p.Name,
		Description: p.Description,
		Version:     p.Version,
		CreatedAt:   p.CreatedAt,
	}
	for _, a := range actions {
		resp.Actions = append(resp.Actions, policyActionResponse{
			Endpoint:       a.Endpoint,
			Verb:           a.Verb,
			Count:          a.Count,
			ResetFrequency: string(a.ResetFrequency),
		})
	}
	return resp
}

// handleOwnerModel dispatches /owner/models/{modelID}/policy and
// /owner/models/{modelID}/usage. Owner role required, and the model must
// belong to the caller; a foreign model is indistinguishable from a missing
// one.
func (a *API) handleOwnerModel(w http.ResponseWriter, r *http.Request) {
	if !auth.HasRole(r.Context(), "owner") {
		writeError(w, r, http.StatusForbidden, "owner role required")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/owner/models/")
	rawID, rest, ok := strings.Cut(path, "/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	modelID, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid model id")
		return
	}

	ownerID, err := a.models.ModelOwner(r.Context(), modelID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if userID, ok := auth.UserIDFromContext(r.Context()); !ok || userID != ownerID {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch rest {
	case "policy":
		switch r.Method {
		case http.MethodPost:
			a.createPolicy(w, r, modelID)
		case http.MethodGet:
			a.getPolicy(w, r, modelID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case "usage":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listUsage(w, r, modelID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createPolicy(w http.ResponseWriter, r *http.Request, modelID uuid.UUID) {
	var req createPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())

	inputs := make([]policy.ActionInput, 0, len(req.Actions))
	for _, in := range req.Actions {
		inputs = append(inputs, policy.ActionInput{
			Endpoint:       in.Endpoint,
			Verb:           in.Verb,
			Count:          in.Count,
			ResetFrequency: policy.ResetFrequency(strings.ToLower(strings.TrimSpace(in.ResetFrequency))),
		})
	}

	p, actions, err := a.policies.Create(r.Context(), modelID, userID, req.Name, req.Description, inputs)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "policy.create", map[string]any{
		"policy_id": p.ID.String(),
		"model_id":  modelID.String(),
		"version":   p.Version,
	})
	writeJSON(w, http.StatusCreated, toPolicyResponse(p, actions))
}

func (a *API) getPolicy(w http.ResponseWriter, r *http.Request, modelID uuid.UUID) {
	if r.URL.Query().Get("versions") == "true" {
		versions, err := a.policies.Versions(r.Context(), modelID)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		items := make([]policyResponse, 0, len(versions))
		for _, p := range versions {
			items = append(items, toPolicyResponse(p, nil))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	p, actions, err := a.policies.Latest(r.Context(), modelID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyResponse(p, actions))
}

type usageRecordResponse struct {
	ID        string    `json:"id"`
	TwinID    uuid.UUID `json:"twin_id"`
	Endpoint  string    `json:"endpoint"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	Status    int       `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *API) listUsage(w http.ResponseWriter, r *http.Request, modelID uuid.UUID) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 1 || val > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = val
	}

	records, err := a.usage.ListByModel(r.Context(), modelID, limit)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	items := make([]usageRecordResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, usageRecordResponse{
			ID:        rec.ID,
			TwinID:    rec.TwinID,
			Endpoint:  rec.Endpoint,
			Input:     rec.Input,
			Output:    rec.Output,
			Status:    rec.Status,
			CreatedAt: rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
