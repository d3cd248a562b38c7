package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kizuna-ai-lab/sokuji/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type handlerEnv struct {
	router *gin.Engine
	svc    *Service
	key    string
}

func setupHandlers(t *testing.T) *handlerEnv {
	t.Helper()
	svc := NewService(NewMemoryStore())
	mgr := auth.NewManager(auth.NewMemoryStore())
	raw, _, err := mgr.GenerateKey(context.Background(), "user", "u1", "test")
	require.NoError(t, err)

	h := NewHandler(svc)
	r := gin.New()
	v1 := r.Group("/v1", auth.Middleware(mgr))
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1.Group("", auth.RequireAuth()))
	h.RegisterAdminRoutes(v1.Group("/admin", auth.RequireAdmin("s3cret")))
	return &handlerEnv{router: r, svc: svc, key: raw}
}

func (e *handlerEnv) do(method, path, body string, admin bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.key)
	if admin {
		req.Header.Set(auth.AdminSecretHeader, "s3cret")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHandler_ListPlans(t *testing.T) {
	env := setupHandlers(t)
	w := env.do("GET", "/v1/plans", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(len(DefaultPlans)), decode(t, w)["count"])
}

func TestHandler_StatusDefaultWallet(t *testing.T) {
	env := setupHandlers(t)
	w := env.do("GET", "/v1/wallet/status", "", false)
	require.Equal(t, http.StatusOK, w.Code)

	wallet := decode(t, w)["wallet"].(map[string]any)
	assert.Equal(t, "free_plan", wallet["planId"])
	assert.Equal(t, false, wallet["exists"])
}

func TestHandler_StatusRequiresAuth(t *testing.T) {
	env := setupHandlers(t)
	req := httptest.NewRequest("GET", "/v1/wallet/status", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_UseTokens(t *testing.T) {
	env := setupHandlers(t)
	_, err := env.svc.MintTokens(context.Background(), MintRequest{
		Subject: User("u1"), PlanID: "starter_plan", AmountCents: 999, ExternalEventID: "evt_h",
	})
	require.NoError(t, err)

	w := env.do("POST", "/v1/wallet/use", `{"tokens":250,"provider":"openai","model":"gpt-4o"}`, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(10_000_000-250), decode(t, w)["remaining"])

	w = env.do("POST", "/v1/wallet/use", `{"tokens":0}`, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_amount", decode(t, w)["error"])

	w = env.do("POST", "/v1/wallet/use", `{"tokens":999999999}`, false)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Equal(t, "insufficient_balance", body["error"])
	assert.Equal(t, float64(10_000_000-250), body["remaining"])
}

func TestHandler_UseTokensMissingWallet(t *testing.T) {
	env := setupHandlers(t)
	w := env.do("POST", "/v1/wallet/use", `{"tokens":5}`, false)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "wallet_not_found", decode(t, w)["error"])
}

func TestHandler_HistoryAndQuota(t *testing.T) {
	env := setupHandlers(t)
	_, err := env.svc.MintTokens(context.Background(), MintRequest{
		Subject: User("u1"), PlanID: "starter_plan", AmountCents: 999, ExternalEventID: "evt_h",
	})
	require.NoError(t, err)

	w := env.do("GET", "/v1/wallet/history?limit=10", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["entries"], 1)

	w = env.do("GET", "/v1/wallet/history?cursor=***", "", false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do("GET", "/v1/wallet/quota", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	usage := decode(t, w)["usage"].(map[string]any)
	assert.Equal(t, float64(10_000_000), usage["monthlyQuota"])
}

func TestHandler_AdminFreezeAdjust(t *testing.T) {
	env := setupHandlers(t)

	w := env.do("POST", "/v1/admin/wallets/user/u2/freeze", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do("POST", "/v1/admin/wallets/user/u2/ensure", `{"planId":"pro_plan"}`, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do("POST", "/v1/admin/wallets/user/u2/freeze", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do("POST", "/v1/admin/wallets/user/u2/adjust", `{"delta":-5,"reason":"chargeback fee"}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(70_000_000-5), decode(t, w)["balance"])

	w = env.do("POST", "/v1/admin/wallets/user/u2/adjust", `{"delta":0}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do("GET", "/v1/admin/wallets/user/u2", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	wallet := decode(t, w)["wallet"].(map[string]any)
	assert.Equal(t, true, wallet["frozen"])

	w = env.do("POST", "/v1/admin/wallets/user/u2/unfreeze", "", false)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&InsufficientBalanceError{}, http.StatusConflict, "insufficient_balance"},
		{ErrWalletFrozen, http.StatusForbidden, "wallet_frozen"},
		{ErrWalletNotFound, http.StatusNotFound, "wallet_not_found"},
		{ErrPlanNotFound, http.StatusBadRequest, "plan_not_found"},
		{ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
		{context.DeadlineExceeded, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range tests {
		status, code := StatusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code)
	}
}
