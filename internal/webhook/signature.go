package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Delivery request headers.
const (
	HeaderSignature = "X-Signature"
	HeaderEventID   = "X-Event-ID"
	HeaderEventType = "X-Event-Type"
	HeaderWebhookID = "X-Webhook-ID"
	HeaderAttempt   = "X-Delivery-Attempt"
	HeaderDelivery  = "X-Delivery-ID"
)

var reservedHeaders = []string{
	HeaderSignature, HeaderEventID, HeaderEventType, HeaderWebhookID, HeaderAttempt, HeaderDelivery,
	"Content-Type", "Content-Length", "User-Agent", "Host",
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("webhook: generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
