package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"faultline/internal/store"
)

// Webhook posts the raw alert snapshot to arbitrary HTTP endpoints. When
// the channel options carry a secret, the body is signed so receivers can
// authenticate the sender.
type Webhook struct {
	client *http.Client
}

func NewWebhook() *Webhook {
	return &Webhook{client: defaultHTTPClient()}
}

func (w *Webhook) Type() string { return TypeWebhook }

type webhookPayload struct {
	Event string      `json:"event"`
	Alert store.Alert `json:"alert"`
}

func (w *Webhook) Preview(a store.Alert) Preview {
	body, err := json.MarshalIndent(webhookPayload{Event: "alert.triggered", Alert: a}, "", "  ")
	if err != nil {
		return Preview{}
	}
	return Preview{Body: string(body)}
}

func (w *Webhook) Send(ctx context.Context, target string, opts map[string]string, a store.Alert) error {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return Permanent(fmt.Errorf("webhook target %q: not a url", target))
	}

	body, err := json.Marshal(webhookPayload{Event: "alert.triggered", Alert: a})
	if err != nil {
		return Permanent(fmt.Errorf("encode alert: %w", err))
	}

	headers := map[string]string{"X-Faultline-Event": "alert.triggered"}
	if secret := opts["secret"]; secret != "" {
		headers["X-Faultline-Signature"] = "sha256=" + sign(secret, body)
	}
	return postBytes(ctx, w.client, target, headers, body)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
