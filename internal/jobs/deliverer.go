package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPDeliverer posts messages to an operator-configured delivery endpoint
// (e.g. a social-posting bridge). It implements Deliverer.
type HTTPDeliverer struct {
	url    string
	token  string
	client *http.Client
	log    *zap.Logger
}

// NewHTTPDeliverer builds a deliverer for the given endpoint. An empty token
// disables the Authorization header.
func NewHTTPDeliverer(url, token string, log *zap.Logger) *HTTPDeliverer {
	return &HTTPDeliverer{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

type deliveryRequest struct {
	Content  string   `json:"content"`
	MediaIDs []string `json:"media_ids,omitempty"`
}

// Deliver performs one delivery call. 4xx responses other than 408 and 429
// mean the service rejected the content itself and retrying cannot help, so
// they are reported as permanent.
func (d *HTTPDeliverer) Deliver(ctx context.Context, content string, mediaIDs []string) error {
	body, err := json.Marshal(deliveryRequest{Content: content, MediaIDs: mediaIDs})
	if err != nil {
		return &DeliveryError{Reason: fmt.Sprintf("encode request: %v", err), Permanent: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Reason: fmt.Sprintf("build request: %v", err), Permanent: true}
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &DeliveryError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return &DeliveryError{Reason: fmt.Sprintf("delivery endpoint returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &DeliveryError{
			Reason:    fmt.Sprintf("delivery endpoint rejected request with %d", resp.StatusCode),
			Permanent: true,
		}
	default:
		return &DeliveryError{Reason: fmt.Sprintf("delivery endpoint returned %d", resp.StatusCode)}
	}
}
