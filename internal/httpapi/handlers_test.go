package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"twingrid.org/internal/alloc"
	"twingrid.org/internal/auth"
	"twingrid.org/internal/cache"
	"twingrid.org/internal/gateway"
	"twingrid.org/internal/policy"
	"twingrid.org/internal/runtime"
	"twingrid.org/internal/twin"
	"twingrid.org/internal/usage"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	store   *twin.InMemoryStore
	usage   *usage.InMemoryStore
	modelID uuid.UUID

	userToken  string
	ownerToken string
	userID     uuid.UUID
	ownerID    uuid.UUID
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("TWINGRID_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	store := twin.NewInMemoryStore()
	kv := cache.NewInMemory()
	policies := policy.NewService(policy.NewInMemoryStore(), kv)
	mgr := twin.NewManager(store, store, policies, runtime.NewFake(), alloc.New(kv))
	usageStore := usage.NewInMemoryStore()
	gw := gateway.NewHandler(mgr, policies, usageStore, gateway.WithUpstreamHost("127.0.0.1"))

	userID, ownerID := uuid.New(), uuid.New()

	model := &twin.ModelSnapshot{
		ID:                uuid.New(),
		Name:              "Crop Sim",
		OwnerID:           ownerID,
		Kind:              twin.KindContainer,
		EnableDataSharing: true,
		Components: []twin.ComponentTemplate{
			{Name: "api", ImageSource: "example/cropsim-api:1", Exposed: true, ContainerPort: 8080, Alias: "api"},
		},
	}
	store.AddModel(model)

	api := New(ReadyProbe{}, "test", mgr, store, policies, usageStore, gw)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	userToken, err := auth.GenerateToken(userID, "jane@example.com", []string{"user"}, time.Hour)
	if err != nil {
		t.Fatalf("user token: %v", err)
	}
	ownerToken, err := auth.GenerateToken(ownerID, "owner@example.com", []string{"owner"}, time.Hour)
	if err != nil {
		t.Fatalf("owner token: %v", err)
	}

	return &apiClient{
		baseURL:    srv.URL,
		client:     srv.Client(),
		t:          t,
		store:      store,
		usage:      usageStore,
		modelID:    model.ID,
		userToken:  userToken,
		ownerToken: ownerToken,
		userID:     userID,
		ownerID:    ownerID,
	}
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthAndInfoArePublic(t *testing.T) {
	c := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := c.do(http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestAuthRequired(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodGet, "/user/twins", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/user/twins", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSubscribeAndTwinLifecycle(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/user/models/"+c.modelID.String()+"/subscribe", c.userToken,
		map[string]any{"enable_data_sharing": true})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("subscribe returned %d", resp.StatusCode)
	}
	created := decodeBody[twinResponse](t, resp)
	if created.Status != twin.StatusRunning {
		t.Fatalf("status = %s, want running", created.Status)
	}
	if !created.EnableDataSharing {
		t.Fatal("data sharing flag lost")
	}

	// Listed for the subscriber.
	resp = c.do(http.MethodGet, "/user/twins", c.userToken, nil)
	list := decodeBody[struct {
		Items []twinResponse `json:"items"`
	}](t, resp)
	if len(list.Items) != 1 || list.Items[0].ID != created.ID {
		t.Fatalf("unexpected twin list: %+v", list.Items)
	}

	// Invisible to another caller.
	resp = c.do(http.MethodGet, "/user/twins/"+created.ID.String(), c.ownerToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign twin lookup returned %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	// Stop, then a second stop conflicts.
	resp = c.do(http.MethodPut, "/user/twins/"+created.ID.String()+"/stop", c.userToken, nil)
	stopped := decodeBody[twinResponse](t, resp)
	if stopped.Status != twin.StatusStopped {
		t.Fatalf("status after stop = %s", stopped.Status)
	}
	resp = c.do(http.MethodPut, "/user/twins/"+created.ID.String()+"/stop", c.userToken, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double stop returned %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	// Start again, then delete.
	resp = c.do(http.MethodPut, "/user/twins/"+created.ID.String()+"/start", c.userToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start returned %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = c.do(http.MethodDelete, "/user/twins/"+created.ID.String(), c.userToken, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete returned %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = c.do(http.MethodGet, "/user/twins/"+created.ID.String(), c.userToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted twin lookup returned %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSubscribeUnknownModel(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodPost, "/user/models/"+uuid.NewString()+"/subscribe", c.userToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPolicyEndpointsRequireOwnerRole(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodGet, "/owner/models/"+c.modelID.String()+"/policy", c.userToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestOwnerEndpointsScopedToModelOwner(t *testing.T) {
	c := newTestAPI(t)

	rivalToken, err := auth.GenerateToken(uuid.New(), "rival@example.com", []string{"owner"}, time.Hour)
	if err != nil {
		t.Fatalf("rival token: %v", err)
	}

	body := map[string]any{
		"name": "default",
		"actions": []map[string]any{
			{"endpoint": "predict", "verb": "POST", "count": 10, "reset_frequency": "daily"},
		},
	}
	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodPost, "/owner/models/" + c.modelID.String() + "/policy", body},
		{http.MethodGet, "/owner/models/" + c.modelID.String() + "/policy", nil},
		{http.MethodGet, "/owner/models/" + c.modelID.String() + "/usage", nil},
	} {
		resp := c.do(tc.method, tc.path, rivalToken, tc.body)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s for another owner returned %d, want 404", tc.method, tc.path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestPolicyCreateAndFetch(t *testing.T) {
	c := newTestAPI(t)

	body := map[string]any{
		"name": "default",
		"actions": []map[string]any{
			{"endpoint": "Predict", "verb": "post", "count": 10, "reset_frequency": "daily"},
		},
	}
	resp := c.do(http.MethodPost, "/owner/models/"+c.modelID.String()+"/policy", c.ownerToken, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create policy returned %d", resp.StatusCode)
	}
	created := decodeBody[policyResponse](t, resp)
	if created.Version != 1 {
		t.Fatalf("version = %d", created.Version)
	}
	if len(created.Actions) != 1 || created.Actions[0].Endpoint != "predict" || created.Actions[0].Verb != "POST" {
		t.Fatalf("actions not normalised: %+v", created.Actions)
	}

	resp = c.do(http.MethodGet, "/owner/models/"+c.modelID.String()+"/policy", c.ownerToken, nil)
	latest := decodeBody[policyResponse](t, resp)
	if latest.ID != created.ID {
		t.Fatalf("latest policy mismatch: %s vs %s", latest.ID, created.ID)
	}

	// Second version supersedes the first.
	resp = c.do(http.MethodPost, "/owner/models/"+c.modelID.String()+"/policy", c.ownerToken, body)
	second := decodeBody[policyResponse](t, resp)
	if second.Version != 2 {
		t.Fatalf("second version = %d", second.Version)
	}

	resp = c.do(http.MethodGet, "/owner/models/"+c.modelID.String()+"/policy?versions=true", c.ownerToken, nil)
	versions := decodeBody[struct {
		Items []policyResponse `json:"items"`
	}](t, resp)
	if len(versions.Items) != 2 || versions.Items[0].Version != 2 {
		t.Fatalf("unexpected versions: %+v", versions.Items)
	}
}

func TestPolicyCreateRejectsInvalidInput(t *testing.T) {
	c := newTestAPI(t)

	body := map[string]any{
		"name": "default",
		"actions": []map[string]any{
			{"endpoint": "predict", "verb": "POST", "count": 0, "reset_frequency": "daily"},
		},
	}
	resp := c.do(http.MethodPost, "/owner/models/"+c.modelID.String()+"/policy", c.ownerToken, body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestActionProxiesToUpstreamAndEnforcesQuota(t *testing.T) {
	c := newTestAPI(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	// Policy allows two calls per day.
	resp := c.do(http.MethodPost, "/owner/models/"+c.modelID.String()+"/policy", c.ownerToken, map[string]any{
		"name": "default",
		"actions": []map[string]any{
			{"endpoint": "predict", "verb": "POST", "count": 2, "reset_frequency": "daily"},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create policy returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/user/models/"+c.modelID.String()+"/subscribe", c.userToken, nil)
	created := decodeBody[twinResponse](t, resp)

	// Repoint the twin's public port at the test upstream.
	u, _ := url.Parse(upstream.URL)
	port, _ := strconv.Atoi(u.Port())
	if err := c.store.MarkProvisioned(context.Background(), created.ID, "net", &port, twin.StatusRunning); err != nil {
		t.Fatal(err)
	}

	actionPath := "/user/twins/" + created.ID.String() + "/action/predict"
	for i := 0; i < 2; i++ {
		resp = c.do(http.MethodPost, actionPath, c.userToken, map[string]any{"field": "a1"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d returned %d", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}
	resp = c.do(http.MethodPost, actionPath, c.userToken, map[string]any{"field": "a1"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third call returned %d, want 429", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestOwnerUsageListing(t *testing.T) {
	c := newTestAPI(t)

	rec := &usage.Record{
		ID: "01J9ZC4E8PZQW9V9Y2K3T4M5N6", ModelID: c.modelID, TwinID: uuid.New(),
		UserID: c.userID, Endpoint: "predict", Input: `{"a":1}`, Output: `{"b":2}`, Status: 200,
	}
	if err := c.usage.Append(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	resp := c.do(http.MethodGet, "/owner/models/"+c.modelID.String()+"/usage", c.ownerToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage listing returned %d", resp.StatusCode)
	}
	out := decodeBody[struct {
		Items []usageRecordResponse `json:"items"`
	}](t, resp)
	if len(out.Items) != 1 || out.Items[0].Input != `{"a":1}` || out.Items[0].Output != `{"b":2}` {
		t.Fatalf("unexpected usage items: %+v", out.Items)
	}
}
