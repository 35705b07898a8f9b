package events

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookPublisher POSTs outbox records to a consumer endpoint. The delivery
// headers carry the idempotency key (entity id + sequence) consumers dedupe
// on.
type WebhookPublisher struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhookPublisher(url, secret string, timeout time.Duration) *WebhookPublisher {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookPublisher{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: timeout},
	}
}

func (p *WebhookPublisher) Publish(ctx context.Context, rec Record) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(rec.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskline-Topic", string(rec.Topic))
	req.Header.Set("X-Taskline-Delivery", fmt.Sprintf("%d", rec.ID))
	req.Header.Set("X-Taskline-Entity", rec.IssueID)
	req.Header.Set("X-Taskline-Sequence", fmt.Sprintf("%d", rec.Seq))
	if strings.TrimSpace(p.Secret) != "" {
		req.Header.Set("X-Taskline-Secret", p.Secret)
	}
	res, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
