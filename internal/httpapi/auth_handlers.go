package httpapi

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"flowgate.org/internal/audit"
	"flowgate.org/internal/auth"
)

type registerRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pair, err := a.sessions.Register(r.Context(), auth.RegisterInput{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	audit.Event(r.Context(), "user.registered", logrus.Fields{"target_user": pair.User.ID, "username": pair.User.Username})
	writeJSON(w, http.StatusCreated, pair)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pair, err := a.sessions.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		audit.Event(r.Context(), "session.login_failed", logrus.Fields{"username": req.Username})
		writeError(w, r, err)
		return
	}
	audit.Event(r.Context(), "session.login", logrus.Fields{"target_user": pair.User.ID})
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pair, err := a.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Logout(r.Context(), callerID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	audit.Event(r.Context(), "session.logout", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}
