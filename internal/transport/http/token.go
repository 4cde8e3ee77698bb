package http

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"backplane/internal/domain"
	"backplane/internal/dto"
	"backplane/internal/httpx"
)

// handleToken is the OAuth2 token endpoint. Parameters come from the query
// string, a form body or a JSON body.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	req, err := parseTokenRequest(r)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, domain.OAuthInvalidRequest, "malformed token request")
		return
	}
	res, err := h.svc.Tokens.Exchange(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	httpx.WriteJSON(w, r, http.StatusOK, res)
}

func parseTokenRequest(r *http.Request) (dto.TokenRequest, error) {
	var req dto.TokenRequest
	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, err
		}
		return req, nil
	}
	if err := r.ParseForm(); err != nil {
		return req, err
	}
	req = dto.TokenRequest{
		ClientID:     r.Form.Get("client_id"),
		GrantType:    r.Form.Get("grant_type"),
		RedirectURI:  r.Form.Get("redirect_uri"),
		Code:         r.Form.Get("code"),
		ClientSecret: r.Form.Get("client_secret"),
		Scope:        r.Form.Get("scope"),
	}
	return req, nil
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// bearerToken returns the access token from the Authorization header or,
// failing that, the access_token parameter.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// authenticate resolves the caller's bearer token, writing the error
// response itself when it cannot.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*domain.Token, bool) {
	raw := bearerToken(r)
	if raw == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="backplane"`)
		httpx.WriteError(w, r, http.StatusUnauthorized, "invalid_token", "access token required")
		return nil, false
	}
	tok, err := h.svc.Tokens.Authenticate(r.Context(), raw)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return tok, true
}
