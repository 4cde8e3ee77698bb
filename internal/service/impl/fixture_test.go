package impl

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"backplane/internal/domain"
	"backplane/internal/dto"
	"backplane/internal/secret"
	"backplane/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testDomain       = "bp.example.com"
	testClientID     = "app"
	testClientSecret = "s3cret"
	testRedirect     = "https://app.example/cb"
	testSource       = "https://app.example"
	testBus          = "mybus.com"
	otherBus         = "other.com"
	testUser         = "alice"
	testPassword     = "pw"
	otherUser        = "bob"
	otherPassword    = "pw2"
)

// cheap argon2 parameters; production cost is irrelevant here
var testHasher = secret.NewHasher(secret.Argon2Params{Time: 1, Memory: 64, Threads: 1, KeyLen: 16, SaltLen: 8})

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    *store.Store
	clock    *fakeClock
	cfg      Config
	grants   *GrantServiceImpl
	tokens   *TokenServiceImpl
	messages *MessageServiceImpl
	guard    *BusGuardImpl
	authz    *AuthorizationServiceImpl
}

func newFixture(t *testing.T, backend store.Backend) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	cfg := Config{
		ServerDomain:          testDomain,
		MaxMessagesPerChannel: 5,
		MaxPayloadBytes:       1024,
		AnonymousTokenTTL:     time.Hour,
		RegularTokenTTL:       time.Hour,
		CodeTTL:               10 * time.Minute,
		Now:                   clock.Now,
	}
	st := store.New(backend)
	f := &fixture{store: st, clock: clock, cfg: cfg}
	f.grants = NewGrantService(cfg, st)
	f.tokens = NewTokenService(cfg, st, f.grants, testHasher)
	f.messages = NewMessageService(cfg, st, f.tokens)
	f.guard = NewBusGuard(st)
	f.authz = NewAuthorizationService(cfg, st, f.grants, f.guard)

	ctx := context.Background()
	hash, err := testHasher.Hash(testClientSecret)
	if err != nil {
		t.Fatalf("hash client secret: %v", err)
	}
	client := domain.Client{ID: testClientID, SecretHash: hash, RedirectURI: testRedirect, SourceURL: testSource}
	if err := st.Clients().Put(ctx, client); err != nil {
		t.Fatalf("put client: %v", err)
	}

	for _, u := range []struct{ name, password, bus string }{
		{testUser, testPassword, testBus},
		{otherUser, otherPassword, otherBus},
	} {
		pw, err := secret.HMACHash(u.password)
		if err != nil {
			t.Fatalf("hash password: %v", err)
		}
		if err := st.Buses().PutUser(ctx, domain.BusUser{Name: u.name, PasswordHash: pw}); err != nil {
			t.Fatalf("put user: %v", err)
		}
		cfg := domain.BusConfig{Bus: u.bus, Owner: u.name}
		cfg.Grant(u.name, domain.PermGetAll)
		cfg.Grant(u.name, domain.PermPost)
		if err := st.Buses().PutConfig(ctx, cfg); err != nil {
			t.Fatalf("put bus config: %v", err)
		}
	}
	return f
}

func newMemoryFixture(t *testing.T) *fixture {
	return newFixture(t, store.NewMemory())
}

func newSQLiteFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:impl_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	g := store.NewGorm(db)
	if err := g.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return newFixture(t, g)
}

func (f *fixture) issueCode(t *testing.T, buses string) (*domain.Grant, *domain.AuthorizationCode) {
	t.Helper()
	ctx := context.Background()
	grant, err := f.grants.CreateGrant(ctx, testClientID, buses, nil)
	if err != nil {
		t.Fatalf("create grant: %v", err)
	}
	code, err := f.grants.IssueCode(ctx, grant)
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	return grant, code
}

func (f *fixture) privilegedToken(t *testing.T, buses string) *domain.Token {
	t.Helper()
	_, code := f.issueCode(t, buses)
	resp, err := f.tokens.Exchange(context.Background(), dto.TokenRequest{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		GrantType:    dto.GrantTypeCode,
		Code:         code.ID,
	})
	if err != nil {
		t.Fatalf("exchange code: %v", err)
	}
	return f.authenticate(t, resp.AccessToken)
}

func (f *fixture) regularToken(t *testing.T, bus, channel string) *domain.Token {
	t.Helper()
	sc := "bus:" + bus
	if channel != "" {
		sc += " channel:" + channel
	}
	resp, err := f.tokens.Exchange(context.Background(), dto.TokenRequest{
		ClientID:  domain.AnonymousClientID,
		GrantType: dto.GrantTypeClientCredentials,
		Scope:     sc,
	})
	if err != nil {
		t.Fatalf("regular token: %v", err)
	}
	return f.authenticate(t, resp.AccessToken)
}

func (f *fixture) anonymousToken(t *testing.T) *domain.Token {
	t.Helper()
	resp, err := f.tokens.Exchange(context.Background(), dto.TokenRequest{
		ClientID:  domain.AnonymousClientID,
		GrantType: dto.GrantTypeClientCredentials,
	})
	if err != nil {
		t.Fatalf("anonymous token: %v", err)
	}
	return f.authenticate(t, resp.AccessToken)
}

func (f *fixture) authenticate(t *testing.T, id string) *domain.Token {
	t.Helper()
	tok, err := f.tokens.Authenticate(context.Background(), id)
	if err != nil {
		t.Fatalf("authenticate %s: %v", id, err)
	}
	return tok
}

func basicAuth(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}

func oauthCode(t *testing.T, err error) string {
	t.Helper()
	var oe *domain.OAuthError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *domain.OAuthError, got %T: %v", err, err)
	}
	return oe.Code
}

func msg(typ string, payload any) map[string]any {
	return map[string]any{"type": typ, "payload": payload}
}
