package http

import (
	"errors"
	"net/http"

	"backplane/internal/domain"
	"backplane/internal/httpx"
	"backplane/internal/observability/logging"
	"backplane/internal/store"
)

// writeError maps a service error onto a status and an {error,
// error_description} body. Details are only exposed for request errors or
// in debug mode.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := logging.FromContext(r.Context())

	var oauthErr *domain.OAuthError
	var authErr *domain.AuthError
	switch {
	case errors.As(err, &oauthErr):
		log.Info("oauth request rejected", "code", oauthErr.Code, "error", err)
		httpx.WriteError(w, r, oauthErr.Status(), oauthErr.Code, oauthErr.Description)
	case errors.As(err, &authErr):
		w.Header().Set("WWW-Authenticate", `Basic realm="backplane"`)
		httpx.WriteJSON(w, r, http.StatusUnauthorized, map[string]string{"error": authErr.PublicMessage(h.debug)})
	case errors.Is(err, domain.ErrInvalidToken):
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		httpx.WriteError(w, r, http.StatusUnauthorized, "invalid_token", err.Error())
	case errors.Is(err, domain.ErrForbidden):
		log.Info("request forbidden", "error", err)
		httpx.WriteError(w, r, http.StatusForbidden, "forbidden", h.detail(err, "Forbidden"))
	case errors.Is(err, domain.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "not_found", h.detail(err, "Message not found"))
	case errors.Is(err, domain.ErrLimitExceeded):
		log.Info("request rejected", "error", err)
		httpx.WriteError(w, r, http.StatusBadRequest, domain.OAuthInvalidRequest, domain.ErrLimitExceeded.Error())
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidGrant):
		log.Info("request rejected", "error", err)
		httpx.WriteError(w, r, http.StatusBadRequest, domain.OAuthInvalidRequest, err.Error())
	case errors.Is(err, store.ErrConflict):
		log.Warn("concurrent update", "error", err)
		httpx.WriteError(w, r, http.StatusConflict, "conflict", h.detail(err, "Concurrent update, retry the request."))
	default:
		log.Error("request failed", "error", err)
		httpx.WriteError(w, r, http.StatusInternalServerError, "server_error", domain.RedactedMessage(err, h.debug))
	}
}

func (h *Handler) detail(err error, public string) string {
	if h.debug {
		return err.Error()
	}
	return public
}
