package apiv1

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/billing"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/catalog"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/dispatcher"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/ledger"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/middleware"
)

const testSecret = "test-secret"

type testAPI struct {
	app   *fiber.App
	store *ledger.MemoryStore
}

func newTestAPI(t *testing.T, now time.Time) *testAPI {
	t.Helper()
	cat := catalog.Default()
	store := ledger.NewMemoryStore()
	store.AddUser(1)
	ledgerSvc := ledger.NewService(store, cat)
	d := dispatcher.New(store, cat, ledgerSvc, dispatcher.DefaultConfig()).
		WithClock(func() time.Time { return now })

	server := NewAPIServer(Deps{
		Dispatcher: d,
		Ledger:     ledgerSvc,
		Billing:    billing.NewService(store, cat),
		Catalog:    cat,
	})
	app := fiber.New()
	protect := middleware.TriggerAuth(middleware.TriggerCredentials{BearerSecret: testSecret})
	RegisterHandlers(app.Group("/api/v1"), server, protect, nil)
	return &testAPI{app: app, store: store}
}

func (a *testAPI) do(t *testing.T, method, path, body string, authorized bool) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testSecret)
	}
	resp, err := a.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (a *testAPI) syncProYearly(t *testing.T) {
	t.Helper()
	code, body := a.do(t, http.MethodPost, "/api/v1/subscriptions/sync", `{
		"user_id": 1,
		"provider": "stripe",
		"provider_subscription_id": "sub_api",
		"plan_key": "pro_yearly",
		"status": "active",
		"current_period_start": "2024-01-01T00:00:00Z"
	}`, true)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "created", body["action"])
}

func TestPingIsPublic(t *testing.T) {
	api := newTestAPI(t, time.Now())
	code, body := api.do(t, http.MethodGet, "/api/v1/ping", "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pong", body["ping"])
}

func TestTriggerRequiresAuth(t *testing.T) {
	api := newTestAPI(t, time.Now())
	code, body := api.do(t, http.MethodPost, "/api/v1/cron/grants", "", false)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", body["error"])
}

func TestTriggerGrantsRunsBatch(t *testing.T) {
	api := newTestAPI(t, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC))
	api.syncProYearly(t)

	code, body := api.do(t, http.MethodPost, "/api/v1/cron/grants?limit=10&catchUp=5", "", true)
	require.Equal(t, http.StatusOK, code, body)
	assert.NotEmpty(t, body["run_id"])
	assert.Equal(t, float64(2), body["total_grants"])
	assert.Equal(t, float64(1), body["schedules"])
	assert.Equal(t, float64(10), body["limit"])
	assert.Equal(t, float64(5), body["catch_up"])
	assert.Contains(t, body, "duration_ms")

	// Second run finds nothing due; GET works too.
	code, body = api.do(t, http.MethodGet, "/api/v1/cron/grants", "", true)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["total_grants"])
}

func TestTriggerParams(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		wantCode    int
		wantLimit   float64
		wantCatchUp float64
	}{
		{"defaults", "", http.StatusOK, 50, 36},
		{"clamped", "?limit=100000&catchUp=999", http.StatusOK, 500, 36},
		{"zero means default", "?limit=0", http.StatusOK, 50, 36},
		{"negative", "?limit=-1", http.StatusBadRequest, 0, 0},
		{"not a number", "?catchUp=lots", http.StatusBadRequest, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, time.Now())
			code, body := api.do(t, http.MethodPost, "/api/v1/cron/grants"+tt.query, "", true)
			require.Equal(t, tt.wantCode, code, body)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tt.wantLimit, body["limit"])
				assert.Equal(t, tt.wantCatchUp, body["catch_up"])
			} else {
				assert.Equal(t, "bad_request", body["error"])
			}
		})
	}
}

func TestGetUserCredits(t *testing.T) {
	api := newTestAPI(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	api.syncProYearly(t)
	code, _ := api.do(t, http.MethodPost, "/api/v1/cron/grants", "", true)
	require.Equal(t, http.StatusOK, code)

	code, body := api.do(t, http.MethodGet, "/api/v1/users/1/credits?limit=2", "", true)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(30000), body["balance"])
	assert.Len(t, body["history"], 2)
	assert.Len(t, body["subscriptions"], 1)

	code, body = api.do(t, http.MethodGet, "/api/v1/users/1/credits/verify", "", true)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["consistent"])

	code, body = api.do(t, http.MethodGet, "/api/v1/users/42/credits", "", true)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["error"])

	code, _ = api.do(t, http.MethodGet, "/api/v1/users/abc/credits", "", true)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPackConsumeAndReverse(t *testing.T) {
	api := newTestAPI(t, time.Now())

	code, body := api.do(t, http.MethodPost, "/api/v1/users/1/packs", `{"pack_key":"pack_small","payment_id":"pi_1"}`, true)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "applied", body["status"])
	assert.Equal(t, float64(2000), body["balance"])
	packEntry := body["entry_id"].(float64)

	code, body = api.do(t, http.MethodPost, "/api/v1/users/1/packs", `{"pack_key":"pack_small","payment_id":"pi_1"}`, true)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "already_applied", body["status"])

	code, body = api.do(t, http.MethodPost, "/api/v1/users/1/packs", `{"pack_key":"pack_huge","payment_id":"pi_2"}`, true)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "unknown_catalog_key", body["error"])

	code, body = api.do(t, http.MethodPost, "/api/v1/users/1/packs", `{"pack_key":"pack_small"}`, true)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["message"], "PaymentID")

	code, body = api.do(t, http.MethodPost, "/api/v1/users/1/consume", `{"amount":500,"idempotency_key":"chat:1"}`, true)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, float64(1500), body["balance"])

	code, body = api.do(t, http.MethodPost, "/api/v1/users/1/consume", `{"amount":5000}`, true)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "insufficient_credits", body["error"])

	code, body = api.do(t, http.MethodPost, "/api/v1/ledger/entries/"+strconv.Itoa(int(packEntry))+"/reverse", `{"note":"refund"}`, true)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, float64(-500), body["balance"])

	code, _ = api.do(t, http.MethodPost, "/api/v1/ledger/entries/999/reverse", "", true)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSubscriptionSyncErrors(t *testing.T) {
	api := newTestAPI(t, time.Now())

	code, body := api.do(t, http.MethodPost, "/api/v1/subscriptions/sync", `{"user_id":1,"provider_subscription_id":"x","plan_key":"nope","current_period_start":"2024-01-01T00:00:00Z"}`, true)
	assert.Equal(t, http.StatusUnprocessableEntity, code, body)

	code, body = api.do(t, http.MethodPost, "/api/v1/subscriptions/sync", `{"user_id":1,"provider_subscription_id":"x","status":"weird"}`, true)
	assert.Equal(t, http.StatusBadRequest, code, body)

	code, _ = api.do(t, http.MethodPost, "/api/v1/subscriptions/sync", `{"provider_subscription_id":"x"}`, true)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGrantStatsDisabled(t *testing.T) {
	api := newTestAPI(t, time.Now())
	code, body := api.do(t, http.MethodGet, "/api/v1/cron/grants/stats", "", true)
	assert.Equal(t, http.StatusNotImplemented, code)
	assert.Equal(t, "not_implemented", body["error"])
}

func TestListPlans(t *testing.T) {
	api := newTestAPI(t, time.Now())
	code, body := api.do(t, http.MethodGet, "/api/v1/plans", "", false)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["plans"], 4)
	assert.Len(t, body["packs"], 2)
}
