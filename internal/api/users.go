package api

import "net/http"

// ListUsers handles GET /v1/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.users.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// SystemUsers handles GET /v1/users/system
func (h *Handler) SystemUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.users.SystemUsers()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// SyncUsers handles POST /v1/users/sync
func (h *Handler) SyncUsers(w http.ResponseWriter, r *http.Request) {
	res, err := h.users.Sync(r.Context(), userFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}
