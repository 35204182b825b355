package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"flowgate/pkg/models"

	"github.com/rs/zerolog/log"
)

// Forwarder delivers gateway events to tenant-configured webhook URLs.
// Delivery is best-effort: failures are logged and never retried.
type Forwarder struct {
	httpClient *http.Client
}

// NewForwarder creates an event forwarder
func NewForwarder() *Forwarder {
	return &Forwarder{
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Forward posts a signed event to the tenant's webhook URL. Tenants without
// a configured URL are skipped.
func (f *Forwarder) Forward(ctx context.Context, tenant *models.Tenant, event string, data interface{}) error {
	if tenant.WebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(models.ForwardedEvent{
		Event:     event,
		Timestamp: time.Now().Unix(),
		TenantID:  tenant.ID,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tenant.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tenant.WebhookSecret != "" {
		req.Header.Set("X-Signature-256", "sha256="+Sign(tenant.WebhookSecret, body))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Debug().
			Str("tenant_id", tenant.ID.String()).
			Str("event", event).
			Int("status", resp.StatusCode).
			Msg("Webhook forward rejected by tenant endpoint")
		return fmt.Errorf("tenant endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of body under secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
