// Package httpgw places calls through a provider that exposes an HTTP dial
// endpoint and reports progress to our provider callback route.
package httpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/acme/outbound-orchestrator/internal/config"
	"github.com/acme/outbound-orchestrator/internal/telephony"
)

// Gateway implements telephony.Gateway over HTTP.
type Gateway struct {
	client      *http.Client
	endpoint    string
	callbackURL string
	apiKey      string
}

// New builds a gateway from configuration.
func New(cfg config.HTTPTelephonyConfig) *Gateway {
	return &Gateway{
		client:      &http.Client{Timeout: cfg.RequestTimeout},
		endpoint:    cfg.Endpoint,
		callbackURL: cfg.CallbackURL,
		apiKey:      cfg.APIKey,
	}
}

type dialRequest struct {
	CallID      string         `json:"call_id"`
	Attempt     int            `json:"attempt"`
	To          string         `json:"to"`
	CallbackURL string         `json:"callback_url"`
	Context     map[string]any `json:"context,omitempty"`
}

type dialResponse struct {
	ProviderRef string `json:"provider_ref"`
}

// PlaceCall asks the provider to dial. Any non-2xx reply is an error.
func (g *Gateway) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (telephony.Handle, error) {
	body, err := json.Marshal(dialRequest{
		CallID:      req.CallID.String(),
		Attempt:     req.Attempt,
		To:          req.PhoneNumber,
		CallbackURL: g.callbackURL,
		Context:     req.TemplateContext,
	})
	if err != nil {
		return telephony.Handle{}, fmt.Errorf("http gateway: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return telephony.Handle{}, fmt.Errorf("http gateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return telephony.Handle{}, fmt.Errorf("http gateway: dial: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return telephony.Handle{}, fmt.Errorf("http gateway: provider returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out dialResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return telephony.Handle{}, fmt.Errorf("http gateway: decode: %w", err)
		}
	}

	return telephony.Handle{CallID: req.CallID, Attempt: req.Attempt, ProviderRef: out.ProviderRef}, nil
}
