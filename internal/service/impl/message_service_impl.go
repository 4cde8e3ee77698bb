package impl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"backplane/internal/domain"
	"backplane/internal/dto"
	"backplane/internal/ids"
	"backplane/internal/observability/logging"
	"backplane/internal/observability/metrics"
	"backplane/internal/scope"
	"backplane/internal/service"
	"backplane/internal/store"
	"backplane/internal/store/predicate"
)

type MessageServiceImpl struct {
	cfg    Config
	store  *store.Store
	tokens service.TokenService
}

func NewMessageService(cfg Config, st *store.Store, tokens service.TokenService) *MessageServiceImpl {
	return &MessageServiceImpl{cfg: cfg, store: st, tokens: tokens}
}

// Publish writes messages to bus/channel on behalf of a token holder.
// Privileged callers may post to any bus in their scope; the others only to
// their own channel, on the bus it is bound to.
func (m *MessageServiceImpl) Publish(ctx context.Context, caller *domain.Token, bus, channel string, messages []map[string]any) ([]string, error) {
	if caller == nil {
		return nil, domain.ErrInvalidToken
	}
	if err := m.authorizePublish(ctx, caller, bus, channel); err != nil {
		metrics.MessagesPostedTotal.WithLabelValues("forbidden").Inc()
		return nil, err
	}
	source, err := m.sourceFor(ctx, caller, channel)
	if err != nil {
		return nil, err
	}
	return m.publish(ctx, source, bus, channel, messages)
}

// PublishAs writes messages for a Basic-Auth bus user whose POST
// permission has already been checked.
func (m *MessageServiceImpl) PublishAs(ctx context.Context, user, bus, channel string, messages []map[string]any) ([]string, error) {
	if bus == "" || channel == "" {
		return nil, fmt.Errorf("%w: bus and channel are required", domain.ErrInvalidRequest)
	}
	source := "https://" + m.cfg.ServerDomain + "/v2/user/" + url.PathEscape(user)
	return m.publish(ctx, source, bus, channel, messages)
}

func (m *MessageServiceImpl) authorizePublish(ctx context.Context, caller *domain.Token, bus, channel string) error {
	if bus == "" || channel == "" {
		return fmt.Errorf("%w: bus and channel are required", domain.ErrInvalidRequest)
	}
	switch caller.Type {
	case domain.TokenPrivileged:
		if !caller.IsAllowedBus(bus) {
			return fmt.Errorf("%w: bus %s is outside the token scope", domain.ErrForbidden, bus)
		}
		return nil
	case domain.TokenRegular:
		if caller.Channel != channel || caller.Bus() != bus {
			return fmt.Errorf("%w: token is bound to another channel", domain.ErrForbidden)
		}
		return nil
	default:
		if caller.Channel != channel {
			return fmt.Errorf("%w: token is bound to another channel", domain.ErrForbidden)
		}
		ok, err := m.tokens.IsValidBinding(ctx, channel, bus)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: channel is bound to another bus", domain.ErrForbidden)
		}
		return nil
	}
}

// sourceFor derives the message source from the caller, never from the
// request body.
func (m *MessageServiceImpl) sourceFor(ctx context.Context, caller *domain.Token, channel string) (string, error) {
	if !caller.IsPrivileged() {
		return "https://" + m.cfg.ServerDomain + "/v2/channel/" + url.PathEscape(channel), nil
	}
	client, err := m.store.Clients().Get(ctx, caller.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: client %s is no longer registered", domain.ErrForbidden, caller.ClientID)
		}
		return "", err
	}
	return client.SourceURL, nil
}

func (m *MessageServiceImpl) publish(ctx context.Context, source, bus, channel string, messages []map[string]any) ([]string, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: no messages", domain.ErrInvalidRequest)
	}

	count, err := m.store.Messages().CountInChannel(ctx, bus, channel)
	if err != nil {
		return nil, err
	}
	metrics.MessagesPerChannel.Observe(float64(count))
	if limit := m.cfg.MaxMessagesPerChannel; limit > 0 && count+int64(len(messages)) > limit {
		metrics.MessagesPostedTotal.WithLabelValues("limit_exceeded").Inc()
		logging.FromContext(ctx).Warn("channel message limit exceeded", "bus", bus, "channel", channel, "count", count, "limit", limit)
		return nil, fmt.Errorf("%w: %s/%s holds %d of %d", domain.ErrLimitExceeded, bus, channel, count, limit)
	}

	out := make([]string, 0, len(messages))
	for i, data := range messages {
		id, err := m.insert(ctx, source, bus, channel, data)
		if err != nil {
			metrics.MessagesPostedTotal.WithLabelValues("rejected").Inc()
			return out, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, id)
		metrics.MessagesPostedTotal.WithLabelValues("success").Inc()
	}

	logging.FromContext(ctx).Info("published messages", "bus", bus, "channel", channel, "count", len(out), "source", source)
	return out, nil
}

func (m *MessageServiceImpl) insert(ctx context.Context, source, bus, channel string, data map[string]any) (string, error) {
	if data == nil {
		return "", fmt.Errorf("%w: empty message", domain.ErrInvalidRequest)
	}
	d := make(map[string]any, len(data)+2)
	for k, v := range data {
		d[k] = v
	}
	if v, ok := d[domain.MsgFieldBus]; ok && v != bus {
		return "", fmt.Errorf("%w: message bus does not match %s", domain.ErrInvalidRequest, bus)
	}
	if v, ok := d[domain.MsgFieldChannel]; ok && v != channel {
		return "", fmt.Errorf("%w: message channel does not match %s", domain.ErrInvalidRequest, channel)
	}
	d[domain.MsgFieldBus] = bus
	d[domain.MsgFieldChannel] = channel

	return insertWithFreshID(ctx, "message", func() string { return ids.NewAt(m.cfg.now()) }, func(id string) error {
		msg, err := domain.NewMessage(id, source, d)
		if err != nil {
			return err
		}
		if limit := m.cfg.MaxPayloadBytes; limit > 0 && len(msg.Payload) > limit {
			return fmt.Errorf("%w: payload is %d bytes, limit is %d", domain.ErrInvalidRequest, len(msg.Payload), limit)
		}
		return m.store.Messages().Insert(ctx, msg)
	})
}

// Read returns the messages visible to caller, narrowed by f.
func (m *MessageServiceImpl) Read(ctx context.Context, caller *domain.Token, f dto.MessageFilter) (*dto.MessagesResponse, error) {
	if caller == nil {
		return nil, domain.ErrInvalidToken
	}
	sc, err := caller.ParsedScope()
	if err != nil {
		return nil, fmt.Errorf("%w: stored token scope: %v", domain.ErrServer, err)
	}

	if f.Bus != "" {
		if !sc.AllowsBus(f.Bus) {
			return nil, fmt.Errorf("%w: bus %s is outside the token scope", domain.ErrForbidden, f.Bus)
		}
		sc = sc.Without(scope.KeyBus).With(scope.KeyBus, f.Bus)
	}
	includePayload := true
	if caller.IsPrivileged() {
		includePayload = f.IncludePayload
		if f.Channel != "" {
			if len(sc.Channels()) > 0 && !sc.Has(scope.KeyChannel, f.Channel) {
				return nil, fmt.Errorf("%w: channel %s is outside the token scope", domain.ErrForbidden, f.Channel)
			}
			sc = sc.Without(scope.KeyChannel).With(scope.KeyChannel, f.Channel)
		}
	} else {
		if f.Channel != "" && f.Channel != caller.Channel {
			return nil, fmt.Errorf("%w: token is bound to another channel", domain.ErrForbidden)
		}
		sc = sc.Without(scope.KeyChannel).With(scope.KeyChannel, caller.Channel)
	}

	msgs, err := m.query(ctx, sc.BuildQuery(), f.Since, f.Sticky)
	if err != nil {
		return nil, err
	}

	cursor := f.Since
	if n := len(msgs); n > 0 {
		cursor = msgs[n-1].ID
	}
	return &dto.MessagesResponse{
		NextURL:  m.nextURL(cursor),
		Messages: m.frames(msgs, includePayload),
	}, nil
}

func (m *MessageServiceImpl) nextURL(since string) string {
	u := url.URL{Scheme: "https", Host: m.cfg.ServerDomain, Path: "/v2/messages"}
	if since != "" {
		u.RawQuery = url.Values{"since": {since}}.Encode()
	}
	return u.String()
}

// Get returns one message if it falls inside the caller's scope.
func (m *MessageServiceImpl) Get(ctx context.Context, caller *domain.Token, messageID string, includePayload bool) (*domain.Frame, error) {
	if caller == nil {
		return nil, domain.ErrInvalidToken
	}
	if !ids.Valid(messageID) {
		return nil, fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}
	msg, err := m.store.Messages().Get(ctx, messageID)
	if err != nil {
		return nil, notFound(err, "message %s", messageID)
	}
	sc, err := caller.ParsedScope()
	if err != nil {
		return nil, fmt.Errorf("%w: stored token scope: %v", domain.ErrServer, err)
	}
	if !caller.IsPrivileged() {
		sc = sc.Without(scope.KeyChannel).With(scope.KeyChannel, caller.Channel)
		includePayload = true
	}
	if !sc.Matches(msg) {
		return nil, fmt.Errorf("%w: message %s is outside the token scope", domain.ErrForbidden, messageID)
	}
	frame := msg.Frame(m.cfg.ServerDomain, includePayload)
	return &frame, nil
}

func (m *MessageServiceImpl) ReadBus(ctx context.Context, bus, since, sticky string) ([]domain.Frame, error) {
	metrics.BusGetsTotal.WithLabelValues("bus", stickyLabel(sticky)).Inc()
	msgs, err := m.query(ctx, predicate.Eq(domain.MsgFieldBus, bus), since, sticky)
	if err != nil {
		return nil, err
	}
	return m.frames(msgs, true), nil
}

func (m *MessageServiceImpl) ReadChannel(ctx context.Context, bus, channel, since, sticky string) ([]domain.Frame, error) {
	metrics.BusGetsTotal.WithLabelValues("channel", stickyLabel(sticky)).Inc()
	pred := predicate.And(
		predicate.Eq(domain.MsgFieldBus, bus),
		predicate.Eq(domain.MsgFieldChannel, channel),
	)
	msgs, err := m.query(ctx, pred, since, sticky)
	if err != nil {
		return nil, err
	}
	return m.frames(msgs, true), nil
}

// query adds the since cursor and sticky filter to pred and runs it
// against the messages table.
func (m *MessageServiceImpl) query(ctx context.Context, pred, since, sticky string) ([]domain.Message, error) {
	clauses := []string{pred}
	if since != "" {
		if !ids.Valid(since) {
			return nil, fmt.Errorf("%w: invalid since cursor %q", domain.ErrInvalidRequest, since)
		}
		clauses = append(clauses, predicate.Gt(domain.MsgFieldID, since))
	}
	if sticky != "" {
		b, err := strconv.ParseBool(sticky)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid sticky filter %q", domain.ErrInvalidRequest, sticky)
		}
		clauses = append(clauses, predicate.Eq(domain.MsgFieldSticky, strconv.FormatBool(b)))
	}

	start := time.Now()
	msgs, err := m.store.Messages().Where(ctx, predicate.And(clauses...))
	metrics.GetMessagesSeconds.Observe(time.Since(start).Seconds())
	return msgs, err
}

func (m *MessageServiceImpl) frames(msgs []domain.Message, includePayload bool) []domain.Frame {
	out := make([]domain.Frame, 0, len(msgs))
	size := 0
	for _, msg := range msgs {
		f := msg.Frame(m.cfg.ServerDomain, includePayload)
		size += len(f.Payload)
		out = append(out, f)
	}
	metrics.PayloadSizeBytes.Observe(float64(size))
	return out
}

func stickyLabel(sticky string) string {
	b, err := strconv.ParseBool(sticky)
	if err != nil {
		return "any"
	}
	return strconv.FormatBool(b)
}
