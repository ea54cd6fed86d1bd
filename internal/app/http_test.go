package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"statehouse/api/internal/auth"
	"statehouse/api/internal/config"
	"statehouse/api/internal/engine"
	"statehouse/api/internal/provision"
	"statehouse/api/internal/router"
	"statehouse/api/internal/store"
)

type fakeCore struct {
	initEnvFn         func(context.Context, engine.InitEnvRequest) (engine.InitEnvResult, error)
	teardownFn        func(context.Context, string) error
	sessionForTokenFn func(context.Context, string) (*router.Session, error)
	validateAPIKeyFn  func(context.Context, string) (store.Principal, error)
	sweepExpiredFn    func(context.Context) (int, error)
}

func (f *fakeCore) InitEnvironment(ctx context.Context, req engine.InitEnvRequest) (engine.InitEnvResult, error) {
	if f.initEnvFn != nil {
		return f.initEnvFn(ctx, req)
	}
	return engine.InitEnvResult{}, nil
}

func (f *fakeCore) Teardown(ctx context.Context, id string) error {
	if f.teardownFn != nil {
		return f.teardownFn(ctx, id)
	}
	return nil
}

func (f *fakeCore) SessionForToken(ctx context.Context, token string) (*router.Session, error) {
	if f.sessionForTokenFn != nil {
		return f.sessionForTokenFn(ctx, token)
	}
	return nil, auth.ErrInvalidToken
}

func (f *fakeCore) ValidateAPIKey(ctx context.Context, header string) (store.Principal, error) {
	if f.validateAPIKeyFn != nil {
		return f.validateAPIKeyFn(ctx, header)
	}
	return store.Principal{}, auth.ErrUnauthorized
}

func (f *fakeCore) SweepExpired(ctx context.Context) (int, error) {
	if f.sweepExpiredFn != nil {
		return f.sweepExpiredFn(ctx)
	}
	return 0, nil
}

type fakeRegistryStore struct {
	pingFn           func(context.Context) error
	getRuntimeFn     func(context.Context, string) (store.RuntimeEnvironment, error)
	createTemplateFn func(context.Context, store.TemplateEnvironment) error
	getTemplateFn    func(context.Context, string) (store.TemplateEnvironment, error)
}

func (f *fakeRegistryStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeRegistryStore) GetRuntime(ctx context.Context, id string) (store.RuntimeEnvironment, error) {
	if f.getRuntimeFn != nil {
		return f.getRuntimeFn(ctx, id)
	}
	return store.RuntimeEnvironment{}, store.ErrNotFound
}

func (f *fakeRegistryStore) CreateTemplate(ctx context.Context, tpl store.TemplateEnvironment) error {
	if f.createTemplateFn != nil {
		return f.createTemplateFn(ctx, tpl)
	}
	return nil
}

func (f *fakeRegistryStore) GetTemplate(ctx context.Context, id string) (store.TemplateEnvironment, error) {
	if f.getTemplateFn != nil {
		return f.getTemplateFn(ctx, id)
	}
	return store.TemplateEnvironment{}, store.ErrNotFound
}

type fakeKeyMinter struct {
	mintFn func(context.Context, int, int) (auth.MintedKey, error)
}

func (f *fakeKeyMinter) MintAPIKey(ctx context.Context, userID, daysValid int) (auth.MintedKey, error) {
	if f.mintFn != nil {
		return f.mintFn(ctx, userID, daysValid)
	}
	return auth.MintedKey{}, nil
}

func adminCore() *fakeCore {
	return &fakeCore{
		validateAPIKeyFn: func(context.Context, string) (store.Principal, error) {
			return store.Principal{UserID: 1, IsPlatformAdmin: true}, nil
		},
	}
}

func newTestServer(core *fakeCore, registry *fakeRegistryStore, keys *fakeKeyMinter) *httptest.Server {
	if registry == nil {
		registry = &fakeRegistryStore{}
	}
	if keys == nil {
		keys = &fakeKeyMinter{}
	}
	service := NewService(config.Config{MetaSchema: "statehouse_meta"}, nil, core, registry, keys)
	return httptest.NewServer(NewHTTPServer(service, "*").Handler())
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "ak_test_secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestHealthNeedsNoCredentials(t *testing.T) {
	srv := newTestServer(&fakeCore{}, nil, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	registry := &fakeRegistryStore{
		pingFn: func(context.Context) error { return context.DeadlineExceeded },
	}
	srv := newTestServer(&fakeCore{}, registry, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/ready")
	if err != nil {
		t.Fatalf("get ready: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d, want 503", resp.StatusCode)
	}
}

func TestControlPlaneRejectsBadAPIKey(t *testing.T) {
	srv := newTestServer(&fakeCore{}, nil, nil)
	defer srv.Close()

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/api/env/init", `{}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	errObj, _ := payload["error"].(map[string]any)
	if errObj["code"] != "UNAUTHORIZED" {
		t.Fatalf("unexpected error payload: %v", payload)
	}
}

func TestInitEnvReturnsCreated(t *testing.T) {
	core := adminCore()
	expiresAt := time.Now().Add(time.Hour)
	core.initEnvFn = func(_ context.Context, req engine.InitEnvRequest) (engine.InitEnvResult, error) {
		if req.TemplateID != "tpl1" {
			t.Errorf("template id = %q, want tpl1", req.TemplateID)
		}
		if req.UserID != 1 {
			t.Errorf("user id = %d, want principal's user", req.UserID)
		}
		if req.RunID == "" {
			t.Error("run id must be defaulted")
		}
		return engine.InitEnvResult{RuntimeID: "r1", Schema: "state_r1", Token: "tok", ExpiresAt: &expiresAt}, nil
	}
	registry := &fakeRegistryStore{
		getTemplateFn: func(_ context.Context, id string) (store.TemplateEnvironment, error) {
			return store.TemplateEnvironment{ID: id, OwnerScope: store.ScopeGlobal, Location: "tpl_x"}, nil
		},
	}
	srv := newTestServer(core, registry, nil)
	defer srv.Close()

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/api/env/init", `{"template_id":"tpl1"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if payload["state_id"] != "r1" || payload["schema"] != "state_r1" || payload["token"] != "tok" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestInitEnvEnforcesTemplateScope(t *testing.T) {
	core := &fakeCore{
		validateAPIKeyFn: func(context.Context, string) (store.Principal, error) {
			return store.Principal{UserID: 2}, nil
		},
	}
	registry := &fakeRegistryStore{
		getTemplateFn: func(_ context.Context, id string) (store.TemplateEnvironment, error) {
			owner := 9
			return store.TemplateEnvironment{ID: id, OwnerScope: store.ScopeUser, OwnerUserID: &owner}, nil
		},
	}
	srv := newTestServer(core, registry, nil)
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/env/init", `{"template_id":"tpl1"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestInitEnvRejectsUnknownFields(t *testing.T) {
	srv := newTestServer(adminCore(), nil, nil)
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/env/init", `{"bogus":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unknown environment", engine.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"schema conflict", provision.ErrConflict, http.StatusConflict, "SCHEMA_CONFLICT"},
		{"provisioning failure", provision.ErrProvisioning, http.StatusBadGateway, "PROVISIONING_FAILED"},
	}
	for _, tc := range cases {
		core := adminCore()
		core.initEnvFn = func(context.Context, engine.InitEnvRequest) (engine.InitEnvResult, error) {
			return engine.InitEnvResult{}, tc.err
		}
		srv := newTestServer(core, nil, nil)

		resp, payload := doJSON(t, http.MethodPost, srv.URL+"/api/env/init", `{}`)
		if resp.StatusCode != tc.wantStatus {
			t.Errorf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.wantStatus)
		}
		errObj, _ := payload["error"].(map[string]any)
		if errObj["code"] != tc.wantCode {
			t.Errorf("%s: code = %v, want %s", tc.name, errObj["code"], tc.wantCode)
		}
		srv.Close()
	}
}

func TestSessionProbeRequiresBearerToken(t *testing.T) {
	srv := newTestServer(&fakeCore{}, nil, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/session")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSessionProbeMapsExpiredEnvironment(t *testing.T) {
	core := &fakeCore{
		sessionForTokenFn: func(context.Context, string) (*router.Session, error) {
			return nil, router.ErrExpired
		},
	}
	srv := newTestServer(core, nil, nil)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/session", nil)
	req.Header.Set("Authorization", "Bearer sometoken")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("status = %d, want 410", resp.StatusCode)
	}
}

func TestSweepRequiresPlatformAdmin(t *testing.T) {
	core := &fakeCore{
		validateAPIKeyFn: func(context.Context, string) (store.Principal, error) {
			return store.Principal{UserID: 2}, nil
		},
	}
	srv := newTestServer(core, nil, nil)
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/sweep", `{}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestSweepReportsRemovals(t *testing.T) {
	core := adminCore()
	core.sweepExpiredFn = func(context.Context) (int, error) { return 3, nil }
	srv := newTestServer(core, nil, nil)
	defer srv.Close()

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/api/sweep", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if payload["removed"] != float64(3) {
		t.Fatalf("removed = %v, want 3", payload["removed"])
	}
}

func TestCreateTemplateValidatesBody(t *testing.T) {
	srv := newTestServer(adminCore(), nil, nil)
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/templates", `{"service":"linear"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMintKeyDefaultsValidity(t *testing.T) {
	keys := &fakeKeyMinter{
		mintFn: func(_ context.Context, userID, daysValid int) (auth.MintedKey, error) {
			if daysValid != 90 {
				t.Errorf("daysValid = %d, want default 90", daysValid)
			}
			return auth.MintedKey{Token: "ak_k1_s", KeyID: "k1", UserID: userID}, nil
		},
	}
	srv := newTestServer(adminCore(), nil, keys)
	defer srv.Close()

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/api/keys", `{"user_id":7}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if payload["key_id"] != "k1" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestTeardownEnvRoute(t *testing.T) {
	core := adminCore()
	var torn string
	core.teardownFn = func(_ context.Context, id string) error { torn = id; return nil }
	srv := newTestServer(core, nil, nil)
	defer srv.Close()

	resp, payload := doJSON(t, http.MethodDelete, srv.URL+"/api/env/r1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if torn != "r1" {
		t.Fatalf("teardown called with %q, want r1", torn)
	}
	if payload["status"] != store.StatusDeleted {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestSnapshotWithoutConfigurationFails(t *testing.T) {
	registry := &fakeRegistryStore{
		getTemplateFn: func(_ context.Context, id string) (store.TemplateEnvironment, error) {
			return store.TemplateEnvironment{ID: id, Location: "tpl_x"}, nil
		},
	}
	srv := newTestServer(adminCore(), registry, nil)
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/templates/tpl1/snapshot", `{"tables":["teams"]}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 when snapshots are not configured", resp.StatusCode)
	}
}
