package dto

type AuthorizeRequest struct {
	ClientID     string
	ResponseType string
	RedirectURI  string
	Scope        string
	State        string
}

// AuthorizationDecision is what the resource owner is asked to approve.
type AuthorizationDecision struct {
	Key         string   `json:"authorization_decision_key"`
	ClientID    string   `json:"client_id"`
	RedirectURI string   `json:"redirect_uri"`
	Buses       []string `json:"buses"`
}
