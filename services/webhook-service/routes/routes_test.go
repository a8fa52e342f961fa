package routes

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/controllers"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/services"
)

type stubProcessor struct{ calls int }

func (s *stubProcessor) HandleStripe(context.Context, []byte, string) (services.Delivery, error) {
	s.calls++
	return services.Delivery{EventID: "evt_1", Status: services.StatusProcessed}, nil
}

func (s *stubProcessor) HandleShipping(context.Context, []byte, string, string) (services.Delivery, error) {
	s.calls++
	return services.Delivery{EventID: "ship_1", Status: services.StatusProcessed}, nil
}

func (s *stubProcessor) Reprocess(context.Context, string, []byte) (services.Delivery, error) {
	s.calls++
	return services.Delivery{EventID: "evt_1", Status: services.StatusProcessed}, nil
}

const adminSecret = "route-secret"

func setupRouter(p *stubProcessor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	wc := controllers.NewWebhookController(p, zap.NewNop())
	return NewRouter(wc, Options{
		AdminJWTSecret:      adminSecret,
		AdminAllowedOrigins: []string{"https://admin.example.com"},
		AdminRatePerMinute:  60,
		AdminRateBurst:      2,
		Logger:              zap.NewNop(),
	})
}

func adminToken(t *testing.T) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ops", "role": "admin"}).SignedString([]byte(adminSecret))
	require.NoError(t, err)
	return s
}

func TestHealth(t *testing.T) {
	r := setupRouter(&stubProcessor{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"webhook-service"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestWebhookRoutes_NoAuthRequired(t *testing.T) {
	p := &stubProcessor{}
	r := setupRouter(p)
	for _, path := range []string{"/webhooks/checkout", "/webhooks/shipping"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{}`)))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
	assert.Equal(t, 2, p.calls)
}

func TestReprocessRoute_RequiresAdmin(t *testing.T) {
	p := &stubProcessor{}
	r := setupRouter(p)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/webhooks/reprocess", bytes.NewBufferString(`{"eventId":"evt_1"}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, p.calls)

	req := httptest.NewRequest(http.MethodPost, "/admin/webhooks/reprocess", bytes.NewBufferString(`{"eventId":"evt_1"}`))
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, p.calls)
}

func TestReprocessRoute_RejectsForeignOrigin(t *testing.T) {
	r := setupRouter(&stubProcessor{})
	req := httptest.NewRequest(http.MethodPost, "/admin/webhooks/reprocess", bytes.NewBufferString(`{"eventId":"evt_1"}`))
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}
