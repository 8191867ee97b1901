package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"peopledesk.org/internal/audit"
	"peopledesk.org/internal/auth"
)

type assignRoleRequest struct {
	Role string `json:"role"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	assignments, err := a.svc.ListRoles(r.Context(), id, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if assignments == nil {
		assignments = []auth.RoleAssignment{}
	}
	writeJSON(w, http.StatusOK, listResponse[auth.RoleAssignment]{Items: assignments})
}

func (a *API) assignRole(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	employeeID := r.PathValue("id")
	assignment, err := a.svc.AssignRole(r.Context(), id, employeeID, role)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/employees/%s/roles/%s", employeeID, assignment.ID))
	writeJSON(w, http.StatusOK, assignment)
}

func (a *API) revokeRole(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	if err := a.svc.RevokeRole(r.Context(), id, r.PathValue("id"), r.PathValue("assignmentID")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) unlock(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	if err := a.svc.Unlock(r.Context(), id, r.PathValue("id")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) requireRotation(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	if err := a.svc.RequirePasswordRotation(r.Context(), id, r.PathValue("id")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
			return
		}
		limit = v
	}
	events, err := a.svc.ListAuditEvents(r.Context(), id, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, listResponse[audit.Event]{Items: events})
}
