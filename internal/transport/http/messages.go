package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"backplane/internal/domain"
	"backplane/internal/dto"
	"backplane/internal/httpx"

	"github.com/go-chi/chi/v5"
)

// maxPostBody bounds a POST /messages body.
const maxPostBody = 4 << 20

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	tok, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	includePayload, err := boolParam(q.Get("payload"), true)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, domain.OAuthInvalidRequest, err.Error())
		return
	}
	res, err := h.svc.Messages.Read(r.Context(), tok, dto.MessageFilter{
		Since:          q.Get("since"),
		Sticky:         q.Get("sticky"),
		Bus:            q.Get("bus"),
		Channel:        q.Get("channel"),
		IncludePayload: includePayload,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, r, http.StatusOK, res)
}

func (h *Handler) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	tok, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	includePayload, err := boolParam(r.URL.Query().Get("payload"), true)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, domain.OAuthInvalidRequest, err.Error())
		return
	}
	frame, err := h.svc.Messages.Get(r.Context(), tok, chi.URLParam(r, "id"), includePayload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, r, http.StatusOK, frame)
}

// handlePostMessages publishes {"messages": [...]}. Each message names its
// bus and channel; non-privileged callers may leave them out and get the
// ones their token is bound to. Runs of messages for the same bus and
// channel are published together.
func (h *Handler) handlePostMessages(w http.ResponseWriter, r *http.Request) {
	tok, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req dto.PostMessagesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPostBody)).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, domain.OAuthInvalidRequest, "malformed messages body")
		return
	}
	if len(req.Messages) == 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, domain.OAuthInvalidRequest, "no messages")
		return
	}

	batches, err := groupByDestination(tok, req.Messages)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var urls []string
	for _, b := range batches {
		msgIDs, err := h.svc.Messages.Publish(r.Context(), tok, b.bus, b.channel, b.messages)
		for _, id := range msgIDs {
			urls = append(urls, domain.MessageURL(h.serverDomain, id))
		}
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	httpx.WriteJSON(w, r, http.StatusCreated, dto.PostMessagesResponse{MessageURLs: urls})
}

type batch struct {
	bus, channel string
	messages     []map[string]any
}

func groupByDestination(tok *domain.Token, messages []map[string]any) ([]batch, error) {
	var out []batch
	for i, m := range messages {
		bus, err := stringField(m, domain.MsgFieldBus)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		channel, err := stringField(m, domain.MsgFieldChannel)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		if !tok.IsPrivileged() {
			if bus == "" {
				bus = tok.Bus()
			}
			if channel == "" {
				channel = tok.Channel
			}
		}
		if n := len(out); n > 0 && out[n-1].bus == bus && out[n-1].channel == channel {
			out[n-1].messages = append(out[n-1].messages, m)
			continue
		}
		out = append(out, batch{bus: bus, channel: channel, messages: []map[string]any{m}})
	}
	return out, nil
}

func stringField(m map[string]any, name string) (string, error) {
	v, ok := m[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", domain.ErrInvalidRequest, name)
	}
	return s, nil
}

func boolParam(v string, def bool) (bool, error) {
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", v)
	}
	return b, nil
}
