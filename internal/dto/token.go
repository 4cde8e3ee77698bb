package dto

// Grant types accepted at the token endpoint. "code" is the legacy
// spelling of authorization_code.
const (
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeCode              = "code"
	GrantTypeAuthorizationCode = "authorization_code"
)

type TokenRequest struct {
	ClientID     string `json:"client_id"`
	GrantType    string `json:"grant_type"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	Code         string `json:"code,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	Scope       string `json:"scope"`
}

// ErrorResponse is the error body used by every endpoint.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}
