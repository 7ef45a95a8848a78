package billing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sink delivers a usage increment to the external billing system.
type Sink interface {
	RecordUsage(ctx context.Context, subscriptionItem string, quantity int64, ts int64) error
}

// StripeSink posts usage records to the Stripe metered-billing API.
type StripeSink struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewStripeSink returns a sink authenticated with the given secret key, or
// nil when the key is empty.
func NewStripeSink(apiKey string) *StripeSink {
	if apiKey == "" {
		return nil
	}
	return &StripeSink{
		apiKey:  apiKey,
		baseURL: "https://api.stripe.com",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// RecordUsage increments a subscription item's metered quantity.
func (s *StripeSink) RecordUsage(ctx context.Context, subscriptionItem string, quantity int64, ts int64) error {
	form := url.Values{
		"quantity":  {strconv.FormatInt(quantity, 10)},
		"timestamp": {strconv.FormatInt(ts, 10)},
		"action":    {"increment"},
	}
	endpoint := fmt.Sprintf("%s/v1/subscription_items/%s/usage_records", s.baseURL, url.PathEscape(subscriptionItem))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("stripe usage record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("stripe usage record: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
