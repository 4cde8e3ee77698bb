package dto

import "backplane/internal/domain"

// MessageFilter narrows a token-scoped read.
type MessageFilter struct {
	Since   string
	Sticky  string
	Bus     string
	Channel string
	// IncludePayload applies to privileged readers only; regular and
	// anonymous readers always receive payloads.
	IncludePayload bool
}

type MessagesResponse struct {
	NextURL  string         `json:"nextURL"`
	Messages []domain.Frame `json:"messages"`
}

type PostMessagesRequest struct {
	Messages []map[string]any `json:"messages"`
}

type PostMessagesResponse struct {
	MessageURLs []string `json:"messageURLs"`
}
