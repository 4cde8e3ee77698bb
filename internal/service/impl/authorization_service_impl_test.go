package impl

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"backplane/internal/domain"
	"backplane/internal/dto"
	"backplane/internal/store"

	"github.com/google/go-cmp/cmp"
)

func authorizeRequest(state string) dto.AuthorizeRequest {
	return dto.AuthorizeRequest{
		ClientID:     testClientID,
		ResponseType: domain.ResponseTypeCode,
		Scope:        "bus:" + testBus,
		State:        state,
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	req, err := f.authz.Authorize(ctx, "auth-cookie", authorizeRequest("xyz"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if req.RedirectURI != testRedirect {
		t.Fatalf("redirect should default to the registered URI, got %s", req.RedirectURI)
	}

	if _, err := f.authz.PrepareDecision(ctx, "auth-cookie", ""); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("decision without login: expected ErrForbidden, got %v", err)
	}

	sess, err := f.authz.Login(ctx, basicAuth(testUser, testPassword))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	decision, err := f.authz.PrepareDecision(ctx, "auth-cookie", sess.Cookie)
	if err != nil {
		t.Fatalf("prepare decision: %v", err)
	}
	if diff := cmp.Diff([]string{testBus}, decision.Buses); diff != "" {
		t.Fatalf("buses mismatch (-want +got):\n%s", diff)
	}
	if len(decision.Key) != domain.DecisionKeyLength || decision.ClientID != testClientID {
		t.Fatalf("unexpected decision %+v", decision)
	}

	if _, err := f.authz.Decide(ctx, "other-cookie", sess.Cookie, decision.Key, true); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("decision from another cookie: expected ErrForbidden, got %v", err)
	}

	// the failed attempt consumed the key
	decision, err = f.authz.PrepareDecision(ctx, "auth-cookie", sess.Cookie)
	if err != nil {
		t.Fatalf("prepare decision: %v", err)
	}
	redirect, err := f.authz.Decide(ctx, "auth-cookie", sess.Cookie, decision.Key, true)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if u.Host != "app.example" || u.Query().Get("state") != "xyz" || u.Query().Get("code") == "" {
		t.Fatalf("unexpected redirect %s", redirect)
	}

	if _, err := f.authz.Decide(ctx, "auth-cookie", sess.Cookie, decision.Key, true); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("reused decision key: expected ErrForbidden, got %v", err)
	}

	resp, err := f.tokens.Exchange(ctx, codeRequest(u.Query().Get("code")))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp.Scope != "bus:"+testBus {
		t.Fatalf("unexpected scope %q", resp.Scope)
	}
}

func TestAuthorizationDenied(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	if _, err := f.authz.Authorize(ctx, "c", authorizeRequest("s1")); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	sess, err := f.authz.Login(ctx, basicAuth(testUser, testPassword))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	decision, err := f.authz.PrepareDecision(ctx, "c", sess.Cookie)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	redirect, err := f.authz.Decide(ctx, "c", sess.Cookie, decision.Key, false)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	u, _ := url.Parse(redirect)
	if u.Query().Get("error") != domain.OAuthAccessDenied || u.Query().Get("code") != "" || u.Query().Get("state") != "s1" {
		t.Fatalf("unexpected redirect %s", redirect)
	}
	grants, err := f.grants.ListGrants(ctx, testClientID)
	if err != nil || len(grants) != 0 {
		t.Fatalf("denial must not create grants: %v, %v", grants, err)
	}
}

func TestAuthorizeErrors(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	cases := map[string]struct {
		mutate func(*dto.AuthorizeRequest)
		want   string
	}{
		"missing client":    {func(r *dto.AuthorizeRequest) { r.ClientID = "" }, domain.OAuthInvalidRequest},
		"unknown client":    {func(r *dto.AuthorizeRequest) { r.ClientID = "ghost" }, domain.OAuthInvalidClient},
		"response type":     {func(r *dto.AuthorizeRequest) { r.ResponseType = "token" }, domain.OAuthInvalidRequest},
		"redirect mismatch": {func(r *dto.AuthorizeRequest) { r.RedirectURI = "https://evil.example/cb" }, domain.OAuthInvalidRequest},
		"bad scope":         {func(r *dto.AuthorizeRequest) { r.Scope = "foo:bar" }, domain.OAuthInvalidRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := authorizeRequest("")
			tc.mutate(&r)
			_, err := f.authz.Authorize(ctx, "cookie", r)
			if got := oauthCode(t, err); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestPrepareDecisionWithoutOwnedBuses(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	if _, err := f.authz.Authorize(ctx, "c", authorizeRequest("")); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	sess, err := f.authz.Login(ctx, basicAuth(otherUser, otherPassword))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	_, err = f.authz.PrepareDecision(ctx, "c", sess.Cookie)
	if got := oauthCode(t, err); got != domain.OAuthAccessDenied {
		t.Fatalf("got %s, want access_denied", got)
	}
}

func TestSweepExpiredAuthState(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	if _, err := f.authz.Authorize(ctx, "c", authorizeRequest("")); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	sess, err := f.authz.Login(ctx, basicAuth(testUser, testPassword))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := f.authz.PrepareDecision(ctx, "c", sess.Cookie); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	n, err := f.authz.SweepExpired(ctx)
	if err != nil || n != 0 {
		t.Fatalf("fresh state should survive: %d, %v", n, err)
	}

	f.clock.Advance(2 * time.Hour)
	n, err = f.authz.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected request, key and session to be swept, got %d", n)
	}
	if _, err := f.authz.PrepareDecision(ctx, "c", sess.Cookie); err == nil {
		t.Fatalf("swept request should no longer be usable")
	}
}

// rendezvousBackend holds Get calls on one table until a set number of
// callers have read, so every concurrent reader sees the record before any
// of them acts on it.
type rendezvousBackend struct {
	store.Backend
	mu      sync.Mutex
	table   string
	waiting int
	release chan struct{}
}

func (b *rendezvousBackend) arm(table string, parties int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.table, b.waiting, b.release = table, parties, make(chan struct{})
}

func (b *rendezvousBackend) Get(ctx context.Context, table, id string) (store.Record, error) {
	rec, err := b.Backend.Get(ctx, table, id)
	b.mu.Lock()
	if table != b.table || b.waiting == 0 {
		b.mu.Unlock()
		return rec, err
	}
	b.waiting--
	release := b.release
	if b.waiting == 0 {
		close(release)
	}
	b.mu.Unlock()
	select {
	case <-release:
	case <-time.After(5 * time.Second):
	}
	return rec, err
}

func decideConcurrently(f *fixture, authCookie, sessionCookie string, keys ...string) []error {
	errs := make([]error, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.authz.Decide(context.Background(), authCookie, sessionCookie, key, true)
		}()
	}
	wg.Wait()
	return errs
}

func TestDecideIsSingleUse(t *testing.T) {
	tests := []struct {
		name  string
		table string
		keys  func(t *testing.T, f *fixture, session string) []string
	}{
		{
			name:  "same decision key",
			table: domain.TableDecisionKeys,
			keys: func(t *testing.T, f *fixture, session string) []string {
				d, err := f.authz.PrepareDecision(context.Background(), "c", session)
				if err != nil {
					t.Fatalf("prepare: %v", err)
				}
				return []string{d.Key, d.Key}
			},
		},
		{
			name:  "two keys for one request",
			table: domain.TableAuthRequests,
			keys: func(t *testing.T, f *fixture, session string) []string {
				var keys []string
				for i := 0; i < 2; i++ {
					d, err := f.authz.PrepareDecision(context.Background(), "c", session)
					if err != nil {
						t.Fatalf("prepare: %v", err)
					}
					keys = append(keys, d.Key)
				}
				return keys
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gate := &rendezvousBackend{Backend: store.NewMemory()}
			f := newFixture(t, gate)
			ctx := context.Background()

			if _, err := f.authz.Authorize(ctx, "c", authorizeRequest("s")); err != nil {
				t.Fatalf("authorize: %v", err)
			}
			sess, err := f.authz.Login(ctx, basicAuth(testUser, testPassword))
			if err != nil {
				t.Fatalf("login: %v", err)
			}
			keys := tc.keys(t, f, sess.Cookie)

			gate.arm(tc.table, len(keys))
			var succeeded int
			for _, err := range decideConcurrently(f, "c", sess.Cookie, keys...) {
				switch {
				case err == nil:
					succeeded++
				case !errors.Is(err, domain.ErrForbidden):
					t.Fatalf("losing decision: expected ErrForbidden, got %v", err)
				}
			}
			if succeeded != 1 {
				t.Fatalf("%d decisions succeeded, want 1", succeeded)
			}
			grants, err := f.grants.ListGrants(ctx, testClientID)
			if err != nil || len(grants) != 1 {
				t.Fatalf("expected one grant, got %d (%v)", len(grants), err)
			}
		})
	}
}
