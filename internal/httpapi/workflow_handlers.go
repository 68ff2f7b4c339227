package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"flowgate.org/internal/audit"
	"flowgate.org/internal/engine"
	"flowgate.org/internal/workflow"
)

type createWorkflowRequest struct {
	Name        string          `json:"name"`
	Nodes       []engine.Node   `json:"nodes"`
	Connections json.RawMessage `json:"connections"`
	Settings    json.RawMessage `json:"settings"`
}

func (a *API) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wf, err := a.workflows.Create(r.Context(), callerID(r), workflow.CreateInput{
		Name:        req.Name,
		Nodes:       req.Nodes,
		Connections: req.Connections,
		Settings:    req.Settings,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	audit.Event(r.Context(), "workflow.created", logrus.Fields{"workflow": wf.ID, "external": wf.ExternalID})
	writeJSON(w, http.StatusCreated, wf)
}

func (a *API) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := a.workflows.List(r.Context(), callerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wfs)
}

func (a *API) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := a.workflows.Get(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type updateWorkflowRequest struct {
	Name                *string `json:"name"`
	ViewPermissionID    *string `json:"viewPermissionId"`
	EditPermissionID    *string `json:"editPermissionId"`
	ExecutePermissionID *string `json:"executePermissionId"`
	ManagePermissionID  *string `json:"managePermissionId"`
}

func (a *API) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req updateWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wf, err := a.workflows.Update(r.Context(), callerID(r), mux.Vars(r)["id"], workflow.WorkflowUpdate{
		Name:                req.Name,
		ViewPermissionID:    req.ViewPermissionID,
		EditPermissionID:    req.EditPermissionID,
		ExecutePermissionID: req.ExecutePermissionID,
		ManagePermissionID:  req.ManagePermissionID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (a *API) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := a.workflows.Delete(r.Context(), callerID(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	audit.Event(r.Context(), "workflow.deleted", logrus.Fields{"workflow": mux.Vars(r)["id"]})
	w.WriteHeader(http.StatusNoContent)
}

type toggleRequest struct {
	Active bool `json:"active"`
}

func (a *API) handleToggleWorkflow(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wf, err := a.workflows.SetActive(r.Context(), callerID(r), mux.Vars(r)["id"], req.Active)
	if err != nil {
		writeError(w, r, err)
		return
	}
	audit.Event(r.Context(), "workflow.toggled", logrus.Fields{"workflow": wf.ID, "active": wf.Active})
	writeJSON(w, http.StatusOK, wf)
}

func (a *API) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &input); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	exec, err := a.workflows.Execute(r.Context(), callerID(r), mux.Vars(r)["id"], input)
	if err != nil {
		audit.Event(r.Context(), "workflow.execute_failed", logrus.Fields{"workflow": mux.Vars(r)["id"]})
		writeError(w, r, err)
		return
	}
	audit.Event(r.Context(), "workflow.executed", logrus.Fields{"workflow": exec.WorkflowID, "execution": exec.ID})
	writeJSON(w, http.StatusCreated, exec)
}

func (a *API) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := a.workflows.Executions(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (a *API) handleListAllExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	execs, err := a.workflows.AllExecutions(r.Context(), callerID(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (a *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := a.workflows.GetExecution(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type stepRequest struct {
	Name               string            `json:"name"`
	Type               workflow.StepType `json:"type"`
	Required           bool              `json:"required"`
	Order              int               `json:"order"`
	RequiredPermission string            `json:"requiredPermissionId"`
}

func (a *API) handleAddStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	step, err := a.workflows.AddStep(r.Context(), callerID(r), mux.Vars(r)["id"], workflow.StepInput{
		Name:               req.Name,
		Type:               req.Type,
		Required:           req.Required,
		Order:              req.Order,
		RequiredPermission: req.RequiredPermission,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, step)
}

func (a *API) handleListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := a.workflows.ListSteps(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (a *API) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name               *string            `json:"name"`
		Type               *workflow.StepType `json:"type"`
		Required           *bool              `json:"required"`
		Order              *int               `json:"order"`
		RequiredPermission *string            `json:"requiredPermissionId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	step, err := a.workflows.UpdateStep(r.Context(), callerID(r), mux.Vars(r)["id"], workflow.StepUpdate{
		Name:               req.Name,
		Type:               req.Type,
		Required:           req.Required,
		Order:              req.Order,
		RequiredPermission: req.RequiredPermission,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (a *API) handleDeleteStep(w http.ResponseWriter, r *http.Request) {
	if err := a.workflows.DeleteStep(r.Context(), callerID(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stepPermissionRequest struct {
	PermissionID string `json:"permissionId"`
	CanView      bool   `json:"canView"`
	CanExecute   bool   `json:"canExecute"`
	CanModify    bool   `json:"canModify"`
}

func (a *API) handleSetStepPermission(w http.ResponseWriter, r *http.Request) {
	var req stepPermissionRequest
	if err := decodeJSON(r, &req); err != nil || req.PermissionID == "" {
		respondError(w, http.StatusBadRequest, "permissionId is required")
		return
	}
	sp, err := a.workflows.SetStepPermission(r.Context(), callerID(r), mux.Vars(r)["id"], workflow.StepPermissionInput{
		PermissionID: req.PermissionID,
		CanView:      req.CanView,
		CanExecute:   req.CanExecute,
		CanModify:    req.CanModify,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	audit.Event(r.Context(), "step.permission_set", logrus.Fields{
		"step": sp.StepID, "permission": sp.PermissionID,
		"view": sp.CanView, "execute": sp.CanExecute, "modify": sp.CanModify,
	})
	writeJSON(w, http.StatusOK, sp)
}

func (a *API) handleListStepPermissions(w http.ResponseWriter, r *http.Request) {
	rows, err := a.workflows.ListStepPermissions(r.Context(), callerID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *API) handleRemoveStepPermission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.workflows.RemoveStepPermission(r.Context(), callerID(r), vars["id"], vars["overlayID"]); err != nil {
		writeError(w, r, err)
		return
	}
	audit.Event(r.Context(), "step.permission_removed", logrus.Fields{"step": vars["id"], "overlay": vars["overlayID"]})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := a.workflows.SyncFromEngine(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	audit.Event(r.Context(), "engine.synced", logrus.Fields{"created": report.Created, "updated": report.Updated})
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.workflows.Status(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
