package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	barkGroup = "evidenceflow"
	// barkLevel lets failure alerts break through focus modes.
	barkLevel = "timeSensitive"
	// maxBarkBody keeps pushes within what the device displays.
	maxBarkBody = 1024
)

var errEmptyBarkURL = errors.New("bark url is empty")

// BarkNotifier pushes alerts to one Bark device URL.
type BarkNotifier struct {
	endpoint string
	client   *http.Client
}

// NewBarkNotifier accepts a device URL such as https://api.day.app/<key>.
func NewBarkNotifier(deviceURL string) (*BarkNotifier, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(deviceURL), "/")
	if endpoint == "" {
		return nil, errEmptyBarkURL
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("parse bark url: %w", err)
	}
	return &BarkNotifier{endpoint: endpoint, client: &http.Client{Timeout: 10 * time.Second}}, nil
}

func (b *BarkNotifier) Send(ctx context.Context, title, body string) error {
	if len(body) > maxBarkBody {
		body = body[:maxBarkBody] + "..."
	}
	form := url.Values{
		"title": {title},
		"body":  {body},
		"group": {barkGroup},
		"level": {barkLevel},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("bark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("bark push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("bark push: unexpected status %d", resp.StatusCode)
	}
	return nil
}
