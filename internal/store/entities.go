package store

import (
	"context"
	"errors"
	"fmt"

	"backplane/internal/domain"
	"backplane/internal/store/predicate"
)

// ---- messages ----

type MessageStore struct{ b Backend }

func (s *Store) Messages() *MessageStore { return &MessageStore{b: s.Backend} }

// Insert stores a new message; ErrDuplicate signals an ID collision and the
// caller should retry with a fresh ID.
func (m *MessageStore) Insert(ctx context.Context, msg domain.Message) error {
	return m.b.Insert(ctx, domain.TableMessages, Record{ID: msg.ID, Attributes: msg.Attributes()}, WithLargeAttributes())
}

func (m *MessageStore) Get(ctx context.Context, id string) (*domain.Message, error) {
	rec, err := m.b.Get(ctx, domain.TableMessages, id)
	if err != nil {
		return nil, err
	}
	msg, err := domain.MessageFromAttributes(rec.ID, rec.Attributes)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *MessageStore) Where(ctx context.Context, pred string) ([]domain.Message, error) {
	recs, err := m.b.Where(ctx, domain.TableMessages, pred, true)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(recs))
	for _, rec := range recs {
		msg, err := domain.MessageFromAttributes(rec.ID, rec.Attributes)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *MessageStore) CountInChannel(ctx context.Context, bus, channel string) (int64, error) {
	return m.b.Count(ctx, domain.TableMessages, predicate.And(
		predicate.Eq(domain.MsgFieldBus, bus),
		predicate.Eq(domain.MsgFieldChannel, channel),
	))
}

// ---- grants ----

type GrantStore struct{ b Backend }

func (s *Store) Grants() *GrantStore { return &GrantStore{b: s.Backend} }

func (g *GrantStore) Insert(ctx context.Context, grant domain.Grant) error {
	return g.b.Insert(ctx, domain.TableGrants, Record{ID: grant.ID, Attributes: grant.Attributes()}, WithLargeAttributes())
}

func (g *GrantStore) Get(ctx context.Context, id string) (*domain.Grant, error) {
	rec, err := g.b.Get(ctx, domain.TableGrants, id)
	if err != nil {
		return nil, err
	}
	grant, err := domain.GrantFromAttributes(rec.ID, rec.Attributes, rec.Revision)
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

// Update writes grant if it is still at grant.Revision and returns the
// new revision.
func (g *GrantStore) Update(ctx context.Context, grant domain.Grant) (int64, error) {
	return g.b.CompareAndSwap(ctx, domain.TableGrants, Record{ID: grant.ID, Attributes: grant.Attributes(), Revision: grant.Revision}, WithLargeAttributes())
}

func (g *GrantStore) Delete(ctx context.Context, id string) error {
	return g.b.Delete(ctx, domain.TableGrants, id)
}

func (g *GrantStore) Where(ctx context.Context, pred string) ([]domain.Grant, error) {
	recs, err := g.b.Where(ctx, domain.TableGrants, pred, true)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Grant, 0, len(recs))
	for _, rec := range recs {
		grant, err := domain.GrantFromAttributes(rec.ID, rec.Attributes, rec.Revision)
		if err != nil {
			return nil, err
		}
		out = append(out, grant)
	}
	return out, nil
}

func (g *GrantStore) ByClient(ctx context.Context, clientID string) ([]domain.Grant, error) {
	return g.Where(ctx, predicate.Eq(domain.GrantFieldClientID, clientID))
}

// ---- authorization codes ----

type CodeStore struct{ b Backend }

func (s *Store) Codes() *CodeStore { return &CodeStore{b: s.Backend} }

func (c *CodeStore) Insert(ctx context.Context, code domain.AuthorizationCode) error {
	return c.b.Insert(ctx, domain.TableCodes, Record{ID: code.ID, Attributes: code.Attributes()})
}

func (c *CodeStore) Get(ctx context.Context, id string) (*domain.AuthorizationCode, error) {
	rec, err := c.b.Get(ctx, domain.TableCodes, id)
	if err != nil {
		return nil, err
	}
	code, err := domain.CodeFromAttributes(rec.ID, rec.Attributes, rec.Revision)
	if err != nil {
		return nil, err
	}
	return &code, nil
}

// Update is a conditional write on code.Revision.
func (c *CodeStore) Update(ctx context.Context, code domain.AuthorizationCode) (int64, error) {
	return c.b.CompareAndSwap(ctx, domain.TableCodes, Record{ID: code.ID, Attributes: code.Attributes(), Revision: code.Revision})
}

func (c *CodeStore) DeleteByGrant(ctx context.Context, grantID string) (int64, error) {
	return c.b.DeleteWhere(ctx, domain.TableCodes, predicate.Eq(domain.CodeFieldGrantID, grantID))
}

// ---- tokens ----

type TokenStore struct{ b Backend }

func (s *Store) Tokens() *TokenStore { return &TokenStore{b: s.Backend} }

func (t *TokenStore) Insert(ctx context.Context, tok domain.Token) error {
	return t.b.Insert(ctx, domain.TableTokens, Record{ID: tok.ID, Attributes: tok.Attributes()})
}

func (t *TokenStore) Get(ctx context.Context, id string) (*domain.Token, error) {
	rec, err := t.b.Get(ctx, domain.TableTokens, id)
	if err != nil {
		return nil, err
	}
	tok, err := domain.TokenFromAttributes(rec.ID, rec.Attributes)
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (t *TokenStore) Delete(ctx context.Context, id string) error {
	return t.b.Delete(ctx, domain.TableTokens, id)
}

func (t *TokenStore) Where(ctx context.Context, pred string) ([]domain.Token, error) {
	recs, err := t.b.Where(ctx, domain.TableTokens, pred, true)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Token, 0, len(recs))
	for _, rec := range recs {
		tok, err := domain.TokenFromAttributes(rec.ID, rec.Attributes)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", rec.ID, err)
		}
		out = append(out, tok)
	}
	return out, nil
}

func (t *TokenStore) ByGrant(ctx context.Context, grantID string) ([]domain.Token, error) {
	return t.Where(ctx, predicate.Eq(domain.TokenFieldGrantID, grantID))
}

func (t *TokenStore) ByChannel(ctx context.Context, channel string) ([]domain.Token, error) {
	return t.Where(ctx, predicate.Eq(domain.TokenFieldChannel, channel))
}

// ---- clients ----

type ClientStore struct{ b Backend }

func (s *Store) Clients() *ClientStore { return &ClientStore{b: s.Backend} }

func (c *ClientStore) Put(ctx context.Context, client domain.Client) error {
	return c.b.Put(ctx, domain.TableClients, Record{ID: client.ID, Attributes: client.Attributes()})
}

func (c *ClientStore) Get(ctx context.Context, id string) (*domain.Client, error) {
	rec, err := c.b.Get(ctx, domain.TableClients, id)
	if err != nil {
		return nil, err
	}
	client, err := domain.ClientFromAttributes(rec.ID, rec.Attributes)
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func (c *ClientStore) Delete(ctx context.Context, id string) error {
	return c.b.Delete(ctx, domain.TableClients, id)
}

// ---- bus users and bus configs ----

type BusStore struct{ b Backend }

func (s *Store) Buses() *BusStore { return &BusStore{b: s.Backend} }

func (b *BusStore) PutUser(ctx context.Context, u domain.BusUser) error {
	return b.b.Put(ctx, domain.TableBusUsers, Record{ID: u.Name, Attributes: u.Attributes()})
}

func (b *BusStore) GetUser(ctx context.Context, name string) (*domain.BusUser, error) {
	rec, err := b.b.Get(ctx, domain.TableBusUsers, name)
	if err != nil {
		return nil, err
	}
	u, err := domain.BusUserFromAttributes(rec.ID, rec.Attributes)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (b *BusStore) PutConfig(ctx context.Context, cfg domain.BusConfig) error {
	return b.b.Put(ctx, domain.TableBusConfigs, Record{ID: cfg.Bus, Attributes: cfg.Attributes()}, WithLargeAttributes())
}

func (b *BusStore) GetConfig(ctx context.Context, bus string) (*domain.BusConfig, error) {
	rec, err := b.b.Get(ctx, domain.TableBusConfigs, bus)
	if err != nil {
		return nil, err
	}
	cfg, err := domain.BusConfigFromAttributes(rec.ID, rec.Attributes)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (b *BusStore) ConfigsOwnedBy(ctx context.Context, owner string) ([]domain.BusConfig, error) {
	recs, err := b.b.Where(ctx, domain.TableBusConfigs, predicate.Eq(domain.BusConfigFieldOwner, owner), true)
	if err != nil {
		return nil, err
	}
	out := make([]domain.BusConfig, 0, len(recs))
	for _, rec := range recs {
		cfg, err := domain.BusConfigFromAttributes(rec.ID, rec.Attributes)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// ---- authorization flow state ----

type AuthFlowStore struct{ b Backend }

func (s *Store) AuthFlow() *AuthFlowStore { return &AuthFlowStore{b: s.Backend} }

func (a *AuthFlowStore) PutRequest(ctx context.Context, r domain.AuthorizationRequest) error {
	return a.b.Put(ctx, domain.TableAuthRequests, Record{ID: r.Cookie, Attributes: r.Attributes()})
}

func (a *AuthFlowStore) GetRequest(ctx context.Context, cookie string) (*domain.AuthorizationRequest, error) {
	rec, err := a.b.Get(ctx, domain.TableAuthRequests, cookie)
	if err != nil {
		return nil, err
	}
	r, err := domain.AuthRequestFromAttributes(rec.ID, rec.Attributes)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ConsumeRequest deletes the request for cookie. Of several concurrent
// callers exactly one succeeds; the others get ErrNotFound.
func (a *AuthFlowStore) ConsumeRequest(ctx context.Context, cookie string) error {
	return a.b.Delete(ctx, domain.TableAuthRequests, cookie)
}

func (a *AuthFlowStore) PutDecisionKey(ctx context.Context, k domain.AuthorizationDecisionKey) error {
	return a.b.Insert(ctx, domain.TableDecisionKeys, Record{ID: k.Key, Attributes: k.Attributes()})
}

func (a *AuthFlowStore) GetDecisionKey(ctx context.Context, key string) (*domain.AuthorizationDecisionKey, error) {
	rec, err := a.b.Get(ctx, domain.TableDecisionKeys, key)
	if err != nil {
		return nil, err
	}
	k, err := domain.DecisionKeyFromAttributes(rec.ID, rec.Attributes)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// ConsumeDecisionKey deletes key. Of several concurrent callers exactly one
// succeeds; the others get ErrNotFound.
func (a *AuthFlowStore) ConsumeDecisionKey(ctx context.Context, key string) error {
	return a.b.Delete(ctx, domain.TableDecisionKeys, key)
}

func (a *AuthFlowStore) PutSession(ctx context.Context, s domain.AuthSession) error {
	return a.b.Put(ctx, domain.TableAuthSessions, Record{ID: s.Cookie, Attributes: s.Attributes()})
}

func (a *AuthFlowStore) GetSession(ctx context.Context, cookie string) (*domain.AuthSession, error) {
	rec, err := a.b.Get(ctx, domain.TableAuthSessions, cookie)
	if err != nil {
		return nil, err
	}
	s, err := domain.AuthSessionFromAttributes(rec.ID, rec.Attributes)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteExpired removes auth requests, decision keys and sessions whose
// expiry is before now (an ISO-8601 timestamp).
func (a *AuthFlowStore) DeleteExpired(ctx context.Context, now string) (int64, error) {
	pred := domain.FieldExpires + " < " + predicate.Quote(now)
	var total int64
	var errs []error
	for _, table := range []string{domain.TableAuthRequests, domain.TableDecisionKeys, domain.TableAuthSessions} {
		n, err := a.b.DeleteWhere(ctx, table, pred)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", table, err))
		}
	}
	return total, errors.Join(errs...)
}
