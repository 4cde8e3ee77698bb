package http

import (
	"encoding/json"
	"net/http"

	"backplane/internal/domain"
	"backplane/internal/httpx"
	"backplane/internal/ids"

	"github.com/go-chi/chi/v5"
)

// handleGetBus returns every message on the bus to a user holding GETALL.
func (h *Handler) handleGetBus(w http.ResponseWriter, r *http.Request) {
	bus := chi.URLParam(r, "bus")
	if _, err := h.svc.Guard.CheckAuth(r.Context(), r.Header.Get("Authorization"), bus, domain.PermGetAll); err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	frames, err := h.svc.Messages.ReadBus(r.Context(), bus, q.Get("since"), q.Get("sticky"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, r, http.StatusOK, frames)
}

// handleNewChannel hands out a fresh channel name.
func (h *Handler) handleNewChannel(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, r, http.StatusOK, ids.NewChannel())
}

// handleGetChannel needs no credentials: knowing the channel name is what
// grants read access to it.
func (h *Handler) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	frames, err := h.svc.Messages.ReadChannel(r.Context(), chi.URLParam(r, "bus"), chi.URLParam(r, "channel"), q.Get("since"), q.Get("sticky"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, r, http.StatusOK, frames)
}

// handlePostChannel publishes a JSON array of messages for a user holding
// POST on the bus.
func (h *Handler) handlePostChannel(w http.ResponseWriter, r *http.Request) {
	bus, channel := chi.URLParam(r, "bus"), chi.URLParam(r, "channel")
	user, err := h.svc.Guard.CheckAuth(r.Context(), r.Header.Get("Authorization"), bus, domain.PermPost)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var messages []map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPostBody)).Decode(&messages); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, domain.OAuthInvalidRequest, "malformed messages body")
		return
	}
	if _, err := h.svc.Messages.PublishAs(r.Context(), user, bus, channel, messages); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
