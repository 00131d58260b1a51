package httpgw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-orchestrator/internal/config"
	"github.com/acme/outbound-orchestrator/internal/telephony"
)

func TestPlaceCall(t *testing.T) {
	var got dialRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"provider_ref":"CA123"}`))
	}))
	defer srv.Close()

	gw := New(config.HTTPTelephonyConfig{
		Endpoint:       srv.URL,
		CallbackURL:    "https://orchestrator.example/api/v1/provider/callbacks",
		APIKey:         "secret",
		RequestTimeout: time.Second,
	})

	callID := uuid.New()
	h, err := gw.PlaceCall(context.Background(), telephony.PlaceCallRequest{
		CallID:          callID,
		Attempt:         2,
		PhoneNumber:     "+14155550100",
		TemplateContext: map[string]any{"name": "Ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, telephony.Handle{CallID: callID, Attempt: 2, ProviderRef: "CA123"}, h)
	assert.Equal(t, "+14155550100", got.To)
	assert.Equal(t, callID.String(), got.CallID)
	assert.Equal(t, "Ada", got.Context["name"])
}

func TestPlaceCallProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gw := New(config.HTTPTelephonyConfig{Endpoint: srv.URL, RequestTimeout: time.Second})
	_, err := gw.PlaceCall(context.Background(), telephony.PlaceCallRequest{CallID: uuid.New(), Attempt: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
