package http

import (
	"errors"
	"net/http"
	"time"

	"backplane/internal/domain"
	"backplane/internal/dto"
	"backplane/internal/httpx"

	"github.com/google/uuid"
)

const (
	authRequestCookie = "bp_authorization_request"
	authSessionCookie = "bp_auth_session"
)

// handleAuthorize starts the authorization code flow. The pending request
// is tied to a cookie; a browser that already holds a session gets the
// decision to approve straight away.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cookie := uuid.NewString()
	req, err := h.svc.Authorization.Authorize(r.Context(), cookie, dto.AuthorizeRequest{
		ClientID:     q.Get("client_id"),
		ResponseType: q.Get("response_type"),
		RedirectURI:  q.Get("redirect_uri"),
		Scope:        q.Get("scope"),
		State:        q.Get("state"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.setCookie(w, authRequestCookie, req.Cookie, domain.AuthRequestTTL)
	h.writeDecision(w, r, req.Cookie, cookieValue(r, authSessionCookie))
}

// handleAuthenticate logs a bus owner in with Basic credentials.
func (h *Handler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Authorization.Login(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.setCookie(w, authSessionCookie, sess.Cookie, domain.AuthSessionTTL)
	if authCookie := cookieValue(r, authRequestCookie); authCookie != "" {
		h.writeDecision(w, r, authCookie, sess.Cookie)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request) {
	h.writeDecision(w, r, cookieValue(r, authRequestCookie), cookieValue(r, authSessionCookie))
}

// handleDecide takes the owner's answer: the decision key plus either an
// "authorize" or a "deny" field.
func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, domain.OAuthInvalidRequest, "malformed form")
		return
	}
	_, approve := r.PostForm["authorize"]
	_, deny := r.PostForm["deny"]
	if approve == deny {
		httpx.WriteError(w, r, http.StatusBadRequest, domain.OAuthInvalidRequest, "exactly one of authorize or deny is required")
		return
	}
	redirect, err := h.svc.Authorization.Decide(r.Context(),
		cookieValue(r, authRequestCookie),
		cookieValue(r, authSessionCookie),
		r.PostForm.Get("authorization_decision_key"),
		approve,
	)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.clearCookie(w, authRequestCookie)
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (h *Handler) writeDecision(w http.ResponseWriter, r *http.Request, authCookie, sessionCookie string) {
	decision, err := h.svc.Authorization.PrepareDecision(r.Context(), authCookie, sessionCookie)
	if errors.Is(err, domain.ErrForbidden) {
		w.Header().Set("WWW-Authenticate", `Basic realm="backplane"`)
		httpx.WriteError(w, r, http.StatusUnauthorized, "login_required", "authenticate as the bus owner first")
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, r, http.StatusOK, decision)
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1, HttpOnly: true, Secure: h.secureCookies})
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
