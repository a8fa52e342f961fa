package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/services"
)

type fakeProcessor struct {
	delivery services.Delivery
	err      error

	gotPayload  []byte
	gotSig      string
	gotToken    string
	gotEventID  string
	reprocessed bool
}

func (f *fakeProcessor) HandleStripe(_ context.Context, payload []byte, sig string) (services.Delivery, error) {
	f.gotPayload, f.gotSig = payload, sig
	return f.delivery, f.err
}

func (f *fakeProcessor) HandleShipping(_ context.Context, payload []byte, sig, token string) (services.Delivery, error) {
	f.gotPayload, f.gotSig, f.gotToken = payload, sig, token
	return f.delivery, f.err
}

func (f *fakeProcessor) Reprocess(_ context.Context, eventID string, payload []byte) (services.Delivery, error) {
	f.reprocessed = true
	f.gotEventID, f.gotPayload = eventID, payload
	return f.delivery, f.err
}

func setupRouter(p WebhookProcessor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	wc := NewWebhookController(p, zap.NewNop())
	r := gin.New()
	r.POST("/webhooks/checkout", wc.Checkout)
	r.POST("/webhooks/shipping", wc.Shipping)
	r.POST("/admin/webhooks/reprocess", wc.Reprocess)
	return r
}

func post(r *gin.Engine, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCheckout_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		delivery services.Delivery
		err      error
		want     int
	}{
		{"processed", services.Delivery{EventID: "evt_1", Status: services.StatusProcessed}, nil, http.StatusOK},
		{"duplicate", services.Delivery{EventID: "evt_1", Status: services.StatusDuplicate}, nil, http.StatusOK},
		{"unmatched", services.Delivery{EventID: "evt_1", Status: services.StatusUnmatched}, nil, http.StatusOK},
		{"ignored", services.Delivery{EventID: "evt_1", Status: services.StatusIgnored}, nil, http.StatusOK},
		{"bad signature", services.Delivery{}, fmt.Errorf("%w: no match", services.ErrInvalidSignature), http.StatusBadRequest},
		{"malformed", services.Delivery{}, fmt.Errorf("%w: bad json", services.ErrMalformedEvent), http.StatusBadRequest},
		{"deferred", services.Delivery{EventID: "evt_2"}, services.ErrDeferred, http.StatusInternalServerError},
		{"store failure", services.Delivery{EventID: "evt_3"}, errors.New("store unavailable"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProcessor{delivery: tt.delivery, err: tt.err}
			w := post(setupRouter(p), "/webhooks/checkout", []byte(`{"id":"evt_1"}`), map[string]string{"Stripe-Signature": "t=1,v1=abc"})

			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, "t=1,v1=abc", p.gotSig)
			assert.Equal(t, `{"id":"evt_1"}`, string(p.gotPayload))
		})
	}
}

func TestCheckout_ResponseBody(t *testing.T) {
	p := &fakeProcessor{delivery: services.Delivery{EventID: "evt_9", Status: services.StatusDuplicate}}
	w := post(setupRouter(p), "/webhooks/checkout", []byte(`{}`), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"duplicate","eventId":"evt_9"}`, w.Body.String())
}

func TestCheckout_ErrorBodyHidesCause(t *testing.T) {
	p := &fakeProcessor{err: errors.New("dynamodb: throttled")}
	w := post(setupRouter(p), "/webhooks/checkout", []byte(`{}`), nil)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "throttled")
}

func TestCheckout_BodyTooLarge(t *testing.T) {
	p := &fakeProcessor{}
	body := []byte(`{"pad":"` + strings.Repeat("x", int(MaxBodyBytes)) + `"}`)
	w := post(setupRouter(p), "/webhooks/checkout", body, nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Nil(t, p.gotPayload)
}

func TestShipping_TokenSources(t *testing.T) {
	t.Run("header", func(t *testing.T) {
		p := &fakeProcessor{delivery: services.Delivery{Status: services.StatusProcessed}}
		w := post(setupRouter(p), "/webhooks/shipping", []byte(`{}`), map[string]string{
			"X-Shipping-Token":     "tok",
			"X-Shipping-Signature": "sig",
		})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "tok", p.gotToken)
		assert.Equal(t, "sig", p.gotSig)
	})
	t.Run("query", func(t *testing.T) {
		p := &fakeProcessor{delivery: services.Delivery{Status: services.StatusProcessed}}
		w := post(setupRouter(p), "/webhooks/shipping?token=qtok", []byte(`{}`), nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "qtok", p.gotToken)
	})
	t.Run("rejected", func(t *testing.T) {
		p := &fakeProcessor{err: services.ErrInvalidSignature}
		w := post(setupRouter(p), "/webhooks/shipping", []byte(`{}`), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestReprocess(t *testing.T) {
	t.Run("by event id", func(t *testing.T) {
		p := &fakeProcessor{delivery: services.Delivery{EventID: "evt_1", Status: services.StatusProcessed}}
		w := post(setupRouter(p), "/admin/webhooks/reprocess", []byte(`{"eventId":"evt_1"}`), nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "evt_1", p.gotEventID)
		assert.Empty(t, p.gotPayload)
	})
	t.Run("with payload", func(t *testing.T) {
		p := &fakeProcessor{delivery: services.Delivery{EventID: "evt_2", Status: services.StatusUnmatched}}
		body, _ := json.Marshal(map[string]any{"event": map[string]any{"id": "evt_2", "object": "event"}})
		w := post(setupRouter(p), "/admin/webhooks/reprocess", body, nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"id":"evt_2","object":"event"}`, string(p.gotPayload))
	})
	t.Run("empty request", func(t *testing.T) {
		p := &fakeProcessor{}
		w := post(setupRouter(p), "/admin/webhooks/reprocess", []byte(`{}`), nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.False(t, p.reprocessed)
	})
	t.Run("invalid json", func(t *testing.T) {
		w := post(setupRouter(&fakeProcessor{}), "/admin/webhooks/reprocess", []byte(`{`), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("payload not archived", func(t *testing.T) {
		p := &fakeProcessor{err: fmt.Errorf("load evt_x: %w", services.ErrPayloadNotFound)}
		w := post(setupRouter(p), "/admin/webhooks/reprocess", []byte(`{"eventId":"evt_x"}`), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
