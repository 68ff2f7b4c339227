package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"flowgate.org/internal/audit"
	"flowgate.org/internal/auth"
	"flowgate.org/internal/ids"
)

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.authStore.Users().List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// handleGetUser serves admins and the user themself.
func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !a.selfOrAdmin(w, r, id) {
		return
	}
	u, err := a.authStore.Users().GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type updateUserRequest struct {
	Username  *string `json:"username"`
	Email     *string `json:"email"`
	Password  *string `json:"password"`
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
	Active    *bool   `json:"active"`
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	upd := auth.UserUpdate{
		Username:  req.Username,
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Active:    req.Active,
	}
	if req.Password != nil {
		if len(*req.Password) < 8 {
			respondError(w, http.StatusBadRequest, "password must be at least 8 characters")
			return
		}
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			writeError(w, r, err)
			return
		}
		upd.PasswordHash = &hash
	}
	id := mux.Vars(r)["id"]
	u, err := a.authStore.Users().Update(r.Context(), id, upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// A password change ends every open session for the account.
	if upd.PasswordHash != nil {
		if _, err := a.authStore.RefreshTokens().RevokeAllForUser(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		audit.Event(r.Context(), "user.password_changed", logrus.Fields{"target_user": id})
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.authStore.Users().Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	a.authz.InvalidateUser(id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !a.selfOrAdmin(w, r, id) {
		return
	}
	roles, err := a.authStore.Roles().RolesForUser(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.authStore.Roles().Assign(r.Context(), vars["id"], vars["roleID"]); err != nil {
		writeError(w, r, err)
		return
	}
	a.authz.InvalidateUser(vars["id"])
	audit.Event(r.Context(), "role.assigned", logrus.Fields{"target_user": vars["id"], "role": vars["roleID"]})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUnassignRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.authStore.Roles().Unassign(r.Context(), vars["id"], vars["roleID"]); err != nil {
		writeError(w, r, err)
		return
	}
	a.authz.InvalidateUser(vars["id"])
	audit.Event(r.Context(), "role.unassigned", logrus.Fields{"target_user": vars["id"], "role": vars["roleID"]})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !a.selfOrAdmin(w, r, id) {
		return
	}
	names, err := a.authz.EffectivePermissions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": id, "permissions": names})
}

// selfOrAdmin writes the error response and returns false when the
// caller is neither the target user nor an administrator.
func (a *API) selfOrAdmin(w http.ResponseWriter, r *http.Request, targetID string) bool {
	uid := callerID(r)
	if uid == targetID {
		return true
	}
	d, err := a.authz.RequireAdmin(r.Context(), uid)
	if err != nil {
		writeError(w, r, err)
		return false
	}
	if !d.Allowed {
		respondError(w, http.StatusForbidden, d.Reason)
		return false
	}
	return true
}

type roleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.authStore.Roles().List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		respondError(w, http.StatusBadRequest, "role name is required")
		return
	}
	role := &auth.Role{
		ID:          ids.New(),
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.authStore.Roles().Create(r.Context(), role); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role, err := a.authStore.Roles().Update(r.Context(), mux.Vars(r)["id"], auth.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := a.authStore.Roles().Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	// Role deletion cascades assignments; every cached set may be stale.
	a.authz.InvalidateAll()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.authStore.Permissions().PermissionsForRole(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (a *API) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.authStore.Permissions().GrantToRole(r.Context(), vars["id"], vars["permID"]); err != nil {
		writeError(w, r, err)
		return
	}
	a.authz.InvalidateAll()
	audit.Event(r.Context(), "permission.granted", logrus.Fields{"role": vars["id"], "permission": vars["permID"]})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.authStore.Permissions().RevokeFromRole(r.Context(), vars["id"], vars["permID"]); err != nil {
		writeError(w, r, err)
		return
	}
	a.authz.InvalidateAll()
	audit.Event(r.Context(), "permission.revoked", logrus.Fields{"role": vars["id"], "permission": vars["permID"]})
	w.WriteHeader(http.StatusNoContent)
}

type permissionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.authStore.Permissions().List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		respondError(w, http.StatusBadRequest, "permission name is required")
		return
	}
	perm := &auth.Permission{
		ID:          ids.New(),
		Name:        req.Name,
		Description: req.Description,
		Resource:    req.Resource,
		Action:      req.Action,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.authStore.Permissions().Create(r.Context(), perm); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleUpdatePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description *string `json:"description"`
		Resource    *string `json:"resource"`
		Action      *string `json:"action"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	perm, err := a.authStore.Permissions().Update(r.Context(), mux.Vars(r)["id"], auth.PermissionUpdate{
		Description: req.Description,
		Resource:    req.Resource,
		Action:      req.Action,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	if err := a.authStore.Permissions().Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	a.authz.InvalidateAll()
	w.WriteHeader(http.StatusNoContent)
}
