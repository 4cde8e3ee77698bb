package impl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"backplane/internal/domain"
	"backplane/internal/store"

	"github.com/google/go-cmp/cmp"
)

func TestCreateGrantValidation(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	cases := map[string]struct {
		client string
		buses  string
	}{
		"empty client":     {"", testBus},
		"anonymous client": {domain.AnonymousClientID, testBus},
		"unknown client":   {"nobody", testBus},
		"empty buses":      {testClientID, " "},
		"scope syntax":     {testClientID, "bus:" + testBus},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.grants.CreateGrant(ctx, tc.client, tc.buses, nil); !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}

	grant, err := f.grants.CreateGrant(ctx, testClientID, testBus+" "+otherBus+" "+testBus, nil)
	if err != nil {
		t.Fatalf("create grant: %v", err)
	}
	if diff := cmp.Diff([]string{testBus, otherBus}, grant.Buses); diff != "" {
		t.Fatalf("buses mismatch (-want +got):\n%s", diff)
	}
	listed, err := f.grants.ListGrants(ctx, testClientID)
	if err != nil || len(listed) != 1 || listed[0].ID != grant.ID {
		t.Fatalf("ListGrants = %v, %v", listed, err)
	}
}

func TestIssueAndRedeemCode(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	grant, code := f.issueCode(t, testBus)
	if grant.IssuedCodeID != code.ID {
		t.Fatalf("grant should record issued code %s, got %s", code.ID, grant.IssuedCodeID)
	}

	got, err := f.grants.RedeemCode(ctx, code.ID)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if got.ID != grant.ID {
		t.Fatalf("redeemed grant %s, want %s", got.ID, grant.ID)
	}

	if _, err := f.grants.RedeemCode(ctx, code.ID); !errors.Is(err, domain.ErrCodeAlreadyUsed) {
		t.Fatalf("second redemption: expected ErrCodeAlreadyUsed, got %v", err)
	}
	if _, err := f.grants.RedeemCode(ctx, "nope"); !errors.Is(err, domain.ErrCodeNotFound) {
		t.Fatalf("unknown code: expected ErrCodeNotFound, got %v", err)
	}
	if _, err := f.grants.RedeemCode(ctx, ""); !errors.Is(err, domain.ErrCodeNotFound) {
		t.Fatalf("empty code: expected ErrCodeNotFound, got %v", err)
	}
}

func TestRedeemExpiredCode(t *testing.T) {
	f := newMemoryFixture(t)
	_, code := f.issueCode(t, testBus)

	f.clock.Advance(f.cfg.CodeTTL + time.Second)
	if _, err := f.grants.RedeemCode(context.Background(), code.ID); !errors.Is(err, domain.ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
}

func TestExpiredGrant(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	exp := f.clock.Now().Add(time.Minute)
	grant, err := f.grants.CreateGrant(ctx, testClientID, testBus, &exp)
	if err != nil {
		t.Fatalf("create grant: %v", err)
	}
	code, err := f.grants.IssueCode(ctx, grant)
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}

	f.clock.Advance(2 * time.Minute)
	if _, err := f.grants.IssueCode(ctx, grant); !errors.Is(err, domain.ErrGrantExpired) {
		t.Fatalf("issue on expired grant: expected ErrGrantExpired, got %v", err)
	}
	if _, err := f.grants.RedeemCode(ctx, code.ID); !errors.Is(err, domain.ErrGrantExpired) {
		t.Fatalf("redeem on expired grant: expected ErrGrantExpired, got %v", err)
	}
}

func TestRedeemCodeConcurrently(t *testing.T) {
	f := newMemoryFixture(t)
	_, code := f.issueCode(t, testBus)

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.grants.RedeemCode(context.Background(), code.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else {
				others = append(others, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful redemption, got %d", successes)
	}
	for _, err := range others {
		if !errors.Is(err, domain.ErrCodeAlreadyUsed) {
			t.Fatalf("losing redemption returned %v, want ErrCodeAlreadyUsed", err)
		}
	}
}

func TestRevokeGrantCascades(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	first := f.privilegedToken(t, testBus)
	grant, err := f.grants.GetGrant(ctx, first.GrantID)
	if err != nil {
		t.Fatalf("get grant: %v", err)
	}
	code, err := f.grants.IssueCode(ctx, grant)
	if err != nil {
		t.Fatalf("issue second code: %v", err)
	}
	resp, err := f.tokens.exchangeCode(ctx, codeRequest(code.ID))
	if err != nil {
		t.Fatalf("exchange second code: %v", err)
	}
	second := f.authenticate(t, resp.AccessToken)

	grant, _ = f.grants.GetGrant(ctx, first.GrantID)
	if diff := cmp.Diff(sortedIDs(first.ID, second.ID), grant.IssuedTokenIDs); diff != "" {
		t.Fatalf("issued token ids mismatch (-want +got):\n%s", diff)
	}

	// one token is already gone when the revocation runs
	if err := f.store.Tokens().Delete(ctx, first.ID); err != nil {
		t.Fatalf("pre-delete token: %v", err)
	}

	if err := f.grants.RevokeGrant(ctx, grant.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	for _, id := range []string{first.ID, second.ID} {
		if _, err := f.store.Tokens().Get(ctx, id); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("token %s should be gone, got %v", id, err)
		}
		if _, err := f.tokens.Authenticate(ctx, id); !errors.Is(err, domain.ErrInvalidToken) {
			t.Fatalf("token %s should no longer authenticate, got %v", id, err)
		}
	}
	if _, err := f.grants.GetGrant(ctx, grant.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("grant should be gone, got %v", err)
	}
	if err := f.grants.RevokeGrant(ctx, grant.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("revoking twice: expected ErrNotFound, got %v", err)
	}
}

func sortedIDs(a, b string) []string {
	if a < b {
		return []string{a, b}
	}
	return []string{b, a}
}
