package alert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// Webhook posts the raw notification to a generic HTTP endpoint, signed
// with HMAC-SHA256 when a secret is set.
type Webhook struct {
	client *resty.Client
	url    string
	secret string
}

// NewWebhook creates a new generic webhook notifier.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{client: newClient(), url: url, secret: secret}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	headers := map[string]string{}
	if w.secret != "" {
		headers["X-Signature-256"] = "sha256=" + Sign(w.secret, body)
	}

	if err := post(ctx, w.client, w.url, body, headers); err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
