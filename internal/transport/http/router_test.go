package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"backplane/internal/config"
	"backplane/internal/domain"
	"backplane/internal/dto"
	"backplane/internal/secret"
	"backplane/internal/service/impl"
	"backplane/internal/store"

	"github.com/google/go-cmp/cmp"
)

const (
	testDomain   = "bp.example.com"
	testClient   = "app"
	testSecret   = "s3cret"
	testRedirect = "https://app.example/cb"
	testBus      = "mybus.com"
	testUser     = "alice"
	testPassword = "pw"
)

type testServer struct {
	handler http.Handler
	store   *store.Store
}

func newTestServer(t *testing.T, debug bool) *testServer {
	t.Helper()

	cfg := config.Config{
		ServerDomain:          testDomain,
		DebugMode:             debug,
		TokenRPM:              1000,
		MaxMessagesPerChannel: 3,
		MaxPayloadBytes:       1024,
		AnonymousTokenTTL:     time.Hour,
		RegularTokenTTL:       time.Hour,
		CodeTTL:               10 * time.Minute,
	}
	st := store.New(store.NewMemory())
	hasher := secret.NewHasher(secret.Argon2Params{Time: 1, Memory: 64, Threads: 1, KeyLen: 16, SaltLen: 8})

	icfg := impl.ConfigFrom(cfg)
	grants := impl.NewGrantService(icfg, st)
	tokens := impl.NewTokenService(icfg, st, grants, hasher)
	guard := impl.NewBusGuard(st)
	svc := Services{
		Tokens:        tokens,
		Messages:      impl.NewMessageService(icfg, st, tokens),
		Guard:         guard,
		Authorization: impl.NewAuthorizationService(icfg, st, grants, guard),
	}

	ctx := context.Background()
	hash, err := hasher.Hash(testSecret)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	if err := st.Clients().Put(ctx, domain.Client{ID: testClient, SecretHash: hash, RedirectURI: testRedirect, SourceURL: "https://app.example"}); err != nil {
		t.Fatalf("put client: %v", err)
	}
	pw, err := secret.HMACHash(testPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if err := st.Buses().PutUser(ctx, domain.BusUser{Name: testUser, PasswordHash: pw}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	bc := domain.BusConfig{Bus: testBus, Owner: testUser}
	bc.Grant(testUser, domain.PermGetAll)
	bc.Grant(testUser, domain.PermPost)
	if err := st.Buses().PutConfig(ctx, bc); err != nil {
		t.Fatalf("put bus config: %v", err)
	}

	return &testServer{handler: NewRouter(cfg, svc), store: st}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) token(t *testing.T, form url.Values) dto.TokenResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := s.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("token: status %d body %s", rec.Code, rec.Body)
	}
	var res dto.TokenResponse
	decode(t, rec, &res)
	return res
}

func (s *testServer) anonymousToken(t *testing.T) string {
	t.Helper()
	return s.token(t, url.Values{"client_id": {domain.AnonymousClientID}, "grant_type": {dto.GrantTypeClientCredentials}}).AccessToken
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func bearer(req *http.Request, tok string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func basic(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}

func postJSON(path string, body any) *http.Request {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, false)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body)
	}
}

func TestGreeting(t *testing.T) {
	s := newTestServer(t, false)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Backplane") {
		t.Fatalf("greeting: %d %q", rec.Code, rec.Body)
	}
	rec = s.do(httptest.NewRequest(http.MethodHead, "/", nil))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 || rec.Header().Get("Content-Length") != "0" {
		t.Fatalf("head greeting: %d %q %v", rec.Code, rec.Body, rec.Header())
	}
}

func TestHostMeta(t *testing.T) {
	s := newTestServer(t, false)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/.well-known/host-meta", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != xrdContentType {
		t.Fatalf("host-meta: %d %v", rec.Code, rec.Header())
	}
	var doc HostMeta
	if err := xml.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("parse host-meta %q: %v", rec.Body, err)
	}
	want := []XRDLink{
		{Rel: RelTokenEndpoint, Href: "https://" + testDomain + "/v2/token"},
		{Rel: RelAuthorizeEndpoint, Href: "https://" + testDomain + "/v2/authorize"},
		{Rel: RelMessagesEndpoint, Href: "https://" + testDomain + "/v2/messages"},
	}
	if diff := cmp.Diff(want, doc.Links); diff != "" {
		t.Fatalf("links mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishThenRead(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.anonymousToken(t)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/v2/messages?access_token="+tok, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("empty read: %d %s", rec.Code, rec.Body)
	}
	var empty dto.MessagesResponse
	decode(t, rec, &empty)
	if len(empty.Messages) != 0 {
		t.Fatalf("expected no messages, got %+v", empty)
	}

	post := dto.PostMessagesRequest{Messages: []map[string]any{
		{"bus": testBus, "type": "t", "payload": map[string]any{"a": 1}},
	}}
	rec = s.do(bearer(postJSON("/v2/messages", post), tok))
	if rec.Code != http.StatusCreated {
		t.Fatalf("post: %d %s", rec.Code, rec.Body)
	}
	var posted dto.PostMessagesResponse
	decode(t, rec, &posted)
	if len(posted.MessageURLs) != 1 || !strings.HasPrefix(posted.MessageURLs[0], "https://"+testDomain+"/v2/message/") {
		t.Fatalf("unexpected message urls %v", posted.MessageURLs)
	}
	id := posted.MessageURLs[0][strings.LastIndex(posted.MessageURLs[0], "/")+1:]

	rec = s.do(bearer(httptest.NewRequest(http.MethodGet, "/message/"+id, nil), tok))
	if rec.Code != http.StatusOK {
		t.Fatalf("get message: %d %s", rec.Code, rec.Body)
	}
	var frame map[string]any
	decode(t, rec, &frame)
	if frame["bus"] != testBus || frame["type"] != "t" {
		t.Fatalf("unexpected frame %v", frame)
	}
	payload, ok := frame["payload"].(map[string]any)
	if !ok || payload["a"] != float64(1) {
		t.Fatalf("payload should be an object, got %#v", frame["payload"])
	}

	rec = s.do(bearer(httptest.NewRequest(http.MethodGet, "/messages", nil), tok))
	var res dto.MessagesResponse
	decode(t, rec, &res)
	if len(res.Messages) != 1 || res.NextURL != "https://"+testDomain+"/v2/messages?since="+id {
		t.Fatalf("unexpected read %+v", res)
	}
}

func TestGetMessageJSONP(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.anonymousToken(t)
	rec := s.do(bearer(postJSON("/messages", dto.PostMessagesRequest{Messages: []map[string]any{
		{"bus": testBus, "type": "t", "payload": "x"},
	}}), tok))
	var posted dto.PostMessagesResponse
	decode(t, rec, &posted)
	id := posted.MessageURLs[0][strings.LastIndex(posted.MessageURLs[0], "/")+1:]

	rec = s.do(bearer(httptest.NewRequest(http.MethodGet, "/message/"+id+"?callback=cb.handle", nil), tok))
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-javascript" {
		t.Fatalf("content type %q", ct)
	}
	if body := rec.Body.String(); !strings.HasPrefix(body, "cb.handle({") || !strings.HasSuffix(body, ");") {
		t.Fatalf("unexpected jsonp body %q", body)
	}
}

func TestBearerErrors(t *testing.T) {
	s := newTestServer(t, false)
	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"no token", httptest.NewRequest(http.MethodGet, "/messages", nil), http.StatusUnauthorized},
		{"unknown token", bearer(httptest.NewRequest(http.MethodGet, "/messages", nil), "AAnope"), http.StatusUnauthorized},
		{"unknown message", bearer(httptest.NewRequest(http.MethodGet, "/message/nope", nil), s.anonymousToken(t)), http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if rec := s.do(tc.req); rec.Code != tc.want {
				t.Fatalf("status %d, want %d: %s", rec.Code, tc.want, rec.Body)
			}
		})
	}
}

func TestOtherChannelForbidden(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.anonymousToken(t)
	rec := s.do(bearer(postJSON("/messages", dto.PostMessagesRequest{Messages: []map[string]any{
		{"bus": testBus, "channel": "someoneelse", "type": "t"},
	}}), tok))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var body dto.ErrorResponse
	decode(t, rec, &body)
	if body.ErrorDescription != "Forbidden" {
		t.Fatalf("details should be redacted, got %q", body.ErrorDescription)
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	s := newTestServer(t, false)
	tests := []struct {
		name     string
		form     url.Values
		wantCode int
		wantErr  string
	}{
		{"unsupported grant", url.Values{"client_id": {testClient}, "grant_type": {"password"}}, http.StatusBadRequest, domain.OAuthUnsupportedGrantType},
		{"missing grant", url.Values{"client_id": {testClient}}, http.StatusBadRequest, domain.OAuthInvalidRequest},
		{"bad secret", url.Values{"client_id": {testClient}, "client_secret": {"wrong"}, "grant_type": {"code"}, "code": {"x"}}, http.StatusUnauthorized, domain.OAuthInvalidClient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/token?"+tc.form.Encode(), nil)
			rec := s.do(req)
			if rec.Code != tc.wantCode {
				t.Fatalf("status %d, want %d: %s", rec.Code, tc.wantCode, rec.Body)
			}
			var body dto.ErrorResponse
			decode(t, rec, &body)
			if body.Error != tc.wantErr {
				t.Fatalf("error %q, want %q", body.Error, tc.wantErr)
			}
		})
	}
}

func TestTokenJSONBody(t *testing.T) {
	s := newTestServer(t, false)
	rec := s.do(postJSON("/token", dto.TokenRequest{
		ClientID:  domain.AnonymousClientID,
		GrantType: dto.GrantTypeClientCredentials,
		Scope:     "bus:" + testBus,
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var res dto.TokenResponse
	decode(t, rec, &res)
	if res.TokenType != "Bearer" || !strings.Contains(res.Scope, "bus:"+testBus) {
		t.Fatalf("unexpected token response %+v", res)
	}
}

func TestMessageLimit(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.anonymousToken(t)
	msgs := make([]map[string]any, 4)
	for i := range msgs {
		msgs[i] = map[string]any{"bus": testBus, "type": "t"}
	}
	rec := s.do(bearer(postJSON("/messages", dto.PostMessagesRequest{Messages: msgs}), tok))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	stored, err := s.store.Messages().Where(context.Background(), "")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("expected no messages stored, got %d", len(stored))
	}
}

func TestLegacyBusEndpoints(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodPost, "/bus/"+testBus+"/channel/c1", strings.NewReader(`[{"type":"t","payload":{"a":1}}]`))
	req.Header.Set("Authorization", basic(testUser, testPassword))
	if rec := s.do(req); rec.Code != http.StatusOK {
		t.Fatalf("post channel: %d %s", rec.Code, rec.Body)
	}

	rec := s.do(httptest.NewRequest(http.MethodGet, "/bus/"+testBus+"/channel/c1", nil))
	var frames []domain.Frame
	decode(t, rec, &frames)
	if len(frames) != 1 || frames[0].Source != "https://"+testDomain+"/v2/user/"+testUser {
		t.Fatalf("unexpected channel frames %+v", frames)
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, "/bus/"+testBus, nil))
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("bus read without credentials: %d", rec.Code)
	}
	var denied map[string]string
	decode(t, rec, &denied)
	if denied["error"] != "Access denied." {
		t.Fatalf("auth error should be redacted, got %q", denied["error"])
	}

	req = httptest.NewRequest(http.MethodGet, "/bus/"+testBus+"?sticky=false", nil)
	req.Header.Set("Authorization", basic(testUser, testPassword))
	rec = s.do(req)
	frames = nil
	decode(t, rec, &frames)
	if len(frames) != 1 {
		t.Fatalf("expected 1 bus frame, got %d", len(frames))
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, "/bus/"+testBus+"/channel/new", nil))
	var channel string
	decode(t, rec, &channel)
	if len(channel) != 32 {
		t.Fatalf("new channel %q should have 32 chars", channel)
	}
}

func TestAuthDetailInDebugMode(t *testing.T) {
	s := newTestServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/bus/"+testBus, nil)
	req.Header.Set("Authorization", basic(testUser, "wrong"))
	rec := s.do(req)
	var denied map[string]string
	decode(t, rec, &denied)
	if !strings.Contains(denied["error"], "Incorrect password for user: "+testUser) {
		t.Fatalf("expected detail in debug mode, got %q", denied["error"])
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	s := newTestServer(t, false)

	q := url.Values{
		"client_id":     {testClient},
		"response_type": {"code"},
		"redirect_uri":  {testRedirect},
		"scope":         {"bus:" + testBus},
		"state":         {"xyz"},
	}
	rec := s.do(httptest.NewRequest(http.MethodGet, "/v2/authorize?"+q.Encode(), nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("authorize without session: %d %s", rec.Code, rec.Body)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != authRequestCookie {
		t.Fatalf("expected authorization request cookie, got %v", cookies)
	}

	req := httptest.NewRequest(http.MethodPost, "/v2/authenticate", nil)
	req.Header.Set("Authorization", basic(testUser, testPassword))
	req.AddCookie(cookies[0])
	rec = s.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticate: %d %s", rec.Code, rec.Body)
	}
	var decision dto.AuthorizationDecision
	decode(t, rec, &decision)
	if decision.Key == "" || len(decision.Buses) != 1 || decision.Buses[0] != testBus {
		t.Fatalf("unexpected decision %+v", decision)
	}
	cookies = append(cookies, rec.Result().Cookies()...)

	form := url.Values{"authorization_decision_key": {decision.Key}, "authorize": {"Authorize"}}
	req = httptest.NewRequest(http.MethodPost, "/v2/authorize", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = s.do(req)
	if rec.Code != http.StatusFound {
		t.Fatalf("decide: %d %s", rec.Code, rec.Body)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	code := loc.Query().Get("code")
	if code == "" || loc.Query().Get("state") != "xyz" {
		t.Fatalf("unexpected redirect %s", loc)
	}

	res := s.token(t, url.Values{
		"client_id":     {testClient},
		"client_secret": {testSecret},
		"grant_type":    {"code"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
	})
	if res.Scope != "bus:"+testBus {
		t.Fatalf("unexpected privileged scope %q", res.Scope)
	}

	// the key is single use
	req = httptest.NewRequest(http.MethodPost, "/v2/authorize", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	if rec := s.do(req); rec.Code != http.StatusForbidden {
		t.Fatalf("reused key: %d %s", rec.Code, rec.Body)
	}
}

func TestAuthorizeUnknownClientDoesNotRedirect(t *testing.T) {
	s := newTestServer(t, false)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/authorize?client_id=nope&response_type=code", nil))
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("Location") != "" {
		t.Fatalf("unknown client: %d location %q", rec.Code, rec.Header().Get("Location"))
	}
	var body dto.ErrorResponse
	decode(t, rec, &body)
	if body.Error != domain.OAuthInvalidClient {
		t.Fatalf("error %q", body.Error)
	}
}
