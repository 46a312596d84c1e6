package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	admintypes "github.com/canopy-network/chainheights/app/admin/types"
	"github.com/canopy-network/chainheights/pkg/db/memory"
	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const testToken = "test-token"

func newTestController(t *testing.T, store *memory.Store) (*Controller, http.Handler) {
	t.Helper()
	hash := func(pw string) []byte {
		h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
		require.NoError(t, err)
		return h
	}
	c := &Controller{
		App:        &admintypes.App{Store: store, Logger: zaptest.NewLogger(t)},
		AdminToken: testToken,
		Users: map[string]admintypes.User{
			"admin":  {Username: "admin", Hash: hash("secret"), Role: "admin"},
			"viewer": {Username: "viewer", Hash: hash("viewer-pw")},
		},
		JWTSecret: []byte("test-secret"),
	}
	router, err := c.NewRouter()
	require.NoError(t, err)
	return c, WithCORS(router)
}

func do(t *testing.T, h http.Handler, method, path string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withCookies(cookies []*http.Cookie) func(*http.Request) {
	return func(r *http.Request) {
		for _, c := range cookies {
			r.AddCookie(c)
		}
	}
}

func login(t *testing.T, h http.Handler, user, pw string) []*http.Cookie {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/auth/login", map[string]string{"username": user, "password": pw})
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, sessionCookie, cookies[0].Name)
	return cookies
}

func seedSummary(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.UpsertProviders(ctx, []models.Provider{{ID: "pub"}, {ID: "priv", Private: true}}))
	run, err := store.CreateCheckRun(ctx, models.CheckHeight, now)
	require.NoError(t, err)
	a := &models.ChainResult{RunID: run.ID, ProviderID: "pub", ChainSlug: "bitcoin-mainnet", Height: 10, Status: models.StatusOK, StartedAt: now}
	b := &models.ChainResult{RunID: run.ID, ProviderID: "priv", ChainSlug: "bitcoin-mainnet", Height: 9, Status: models.StatusOK, StartedAt: now}
	require.NoError(t, store.InsertChainResult(ctx, a))
	require.NoError(t, store.InsertChainResult(ctx, b))
	require.NoError(t, store.FinalizeCheckRun(ctx, run.ID, map[int64]int64{a.ID: a.ID, b.ID: a.ID}, now))
}

func TestHandleHealth(t *testing.T) {
	_, h := newTestController(t, memory.New())

	rec := do(t, h, http.MethodGet, "/api/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"store":"ok"}`, rec.Body.String())
}

func TestHandleSummary(t *testing.T) {
	store := memory.New()
	_, h := newTestController(t, store)

	rec := do(t, h, http.MethodGet, "/api/summary", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	seedSummary(t, store)

	var public struct {
		Chains []struct {
			Slug      string `json:"slug"`
			Providers []struct {
				ProviderID string `json:"provider_id"`
			} `json:"providers"`
		} `json:"chains"`
	}
	rec = do(t, h, http.MethodGet, "/api/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &public))
	require.Len(t, public.Chains, 1)
	assert.Len(t, public.Chains[0].Providers, 1)
	assert.Equal(t, "pub", public.Chains[0].Providers[0].ProviderID)

	public.Chains = nil
	rec = do(t, h, http.MethodGet, "/api/summary", nil, bearer(testToken))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &public))
	assert.Len(t, public.Chains[0].Providers, 2)
}

func TestHandleProviders_HidesPrivate(t *testing.T) {
	store := memory.New()
	seedSummary(t, store)
	_, h := newTestController(t, store)

	var providers []models.Provider
	rec := do(t, h, http.MethodGet, "/api/providers", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &providers))
	assert.Equal(t, []models.Provider{{ID: "pub"}}, providers)

	providers = nil
	rec = do(t, h, http.MethodGet, "/api/providers", nil, bearer(testToken))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &providers))
	assert.Len(t, providers, 2)
}

func TestHandleErrorDetail(t *testing.T) {
	store := memory.New()
	_, h := newTestController(t, store)
	rec := &models.ErrorRecord{Tag: models.ErrorHTTP, StatusCode: 502, Message: "bad gateway"}
	require.NoError(t, store.InsertErrorRecord(context.Background(), rec))
	path := "/api/errors/" + strconv.FormatInt(rec.ID, 10)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, path, nil, bearer("wrong")).Code)

	res := do(t, h, http.MethodGet, path, nil, bearer(testToken))
	require.Equal(t, http.StatusOK, res.Code)
	var got models.ErrorRecord
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &got))
	assert.Equal(t, 502, got.StatusCode)
	assert.Equal(t, models.ErrorHTTP, got.Tag)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/errors/999", nil, bearer(testToken)).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/errors/abc", nil, bearer(testToken)).Code)
}

func TestHandleProviderErrors_Paging(t *testing.T) {
	_, h := newTestController(t, memory.New())

	rec := do(t, h, http.MethodGet, "/api/providers/p1/errors?limit=1000", nil, bearer(testToken))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[],"limit":500,"offset":0}`, rec.Body.String())

	for _, q := range []string{"limit=0", "limit=x", "offset=-1"} {
		rec := do(t, h, http.MethodGet, "/api/providers/p1/errors?"+q, nil, bearer(testToken))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestLogin(t *testing.T) {
	_, h := newTestController(t, memory.New())

	assert.Equal(t, http.StatusUnauthorized,
		do(t, h, http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": "nope"}).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, h, http.MethodPost, "/api/auth/login", map[string]string{"username": "ghost", "password": "secret"}).Code)

	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, "/api/auth/login", map[string]string{"username": "  ", "password": "secret"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": ""}).Code)

	cookies := login(t, h, " admin ", "secret")
	rec := do(t, h, http.MethodGet, "/api/errors/1", nil, withCookies(cookies))
	assert.Equal(t, http.StatusNotFound, rec.Code, "session passes auth")

	rec = do(t, h, http.MethodPost, "/api/auth/logout", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleTriggerRound(t *testing.T) {
	_, h := newTestController(t, memory.New())

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/rounds/height", nil).Code)

	viewer := login(t, h, "viewer", "viewer-pw")
	assert.Equal(t, http.StatusForbidden,
		do(t, h, http.MethodPost, "/api/rounds/height", nil, withCookies(viewer)).Code)

	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, "/api/rounds/bogus", nil, bearer(testToken)).Code)

	rec := do(t, h, http.MethodPost, "/api/rounds/"+string(models.EventHeightRound), nil, bearer(testToken))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleWebSocket_NoRedis(t *testing.T) {
	_, h := newTestController(t, memory.New())

	rec := do(t, h, http.MethodGet, "/api/ws", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWithCORS_Preflight(t *testing.T) {
	_, h := newTestController(t, memory.New())

	rec := do(t, h, http.MethodOptions, "/api/summary", nil, func(r *http.Request) {
		r.Header.Set("Origin", "https://status.example")
	})

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://status.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCalculateNextBackoff(t *testing.T) {
	for range 50 {
		next := CalculateNextBackoff(time.Second, 30*time.Second, 2, 0.1)
		assert.GreaterOrEqual(t, next, 1800*time.Millisecond)
		assert.LessOrEqual(t, next, 2200*time.Millisecond)
	}
	assert.Equal(t, 30*time.Second, CalculateNextBackoff(30*time.Second, 30*time.Second, 2, 0.1))
}

func TestSubscriptions(t *testing.T) {
	subs := newSubscriptions()
	assert.False(t, subs.IsSubscribed("height"))

	subs.Subscribe("height")
	assert.True(t, subs.IsSubscribed("height"))
	assert.False(t, subs.IsSubscribed("validation"))

	subs.Subscribe("*")
	assert.True(t, subs.IsSubscribed("validation"))

	subs.Unsubscribe("*")
	subs.Unsubscribe("height")
	assert.False(t, subs.IsSubscribed("height"))
}
