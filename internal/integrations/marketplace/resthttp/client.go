package resthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BearBump/OpsBox/internal/integrations/marketplace"
	"github.com/pkg/errors"
)

const defaultRetryAfter = 2 * time.Second

type Client struct {
	baseURL string
	httpc   *http.Client
	retry   marketplace.RetryPolicy
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
		retry: marketplace.DefaultRetryPolicy(),
	}
}

func (c *Client) FetchResource(ctx context.Context, token, resourceType, resourceID string) (json.RawMessage, error) {
	path := fmt.Sprintf("/v1/%ss/%s", url.PathEscape(resourceType), url.PathEscape(resourceID))
	return c.getJSON(ctx, token, path, nil)
}

func (c *Client) FetchRelation(ctx context.Context, token, resourceType, resourceID, relation string) (json.RawMessage, error) {
	path := fmt.Sprintf("/v1/%ss/%s/%s",
		url.PathEscape(resourceType), url.PathEscape(resourceID), url.PathEscape(relation))
	return c.getJSON(ctx, token, path, nil)
}

func (c *Client) ListOrders(ctx context.Context, token string, from, to time.Time) ([]marketplace.OrderSummary, error) {
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))

	body, err := c.getJSON(ctx, token, "/v1/orders", q)
	if err != nil {
		return nil, err
	}

	var rb struct {
		Orders []struct {
			ID string `json:"id"`
		} `json:"orders"`
	}
	if err := json.Unmarshal(body, &rb); err != nil {
		return nil, errors.Wrap(err, "decode order list")
	}

	// Повторно декодируем как raw, чтобы отдать наверх исходные payload'ы.
	var raw struct {
		Orders []json.RawMessage `json:"orders"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(err, "decode order payloads")
	}

	out := make([]marketplace.OrderSummary, 0, len(rb.Orders))
	for i, o := range rb.Orders {
		if o.ID == "" {
			continue
		}
		out = append(out, marketplace.OrderSummary{ID: o.ID, Payload: raw.Orders[i]})
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, token, path string, q url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var body json.RawMessage
	err = c.retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return errors.Wrap(err, "new request")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return &marketplace.TransientError{Err: err}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return marketplace.ErrNotFound
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return marketplace.ErrUnauthorized
		case resp.StatusCode == http.StatusTooManyRequests:
			return &marketplace.RateLimitedError{RetryAfter: retryAfter(resp)}
		case resp.StatusCode/100 == 5:
			return &marketplace.TransientError{Err: fmt.Errorf("marketplace http %d", resp.StatusCode)}
		case resp.StatusCode/100 != 2:
			return fmt.Errorf("marketplace http %d", resp.StatusCode)
		}

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return &marketplace.TransientError{Err: err}
		}
		if !json.Valid(b) {
			return errors.New("marketplace: invalid json body")
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			return time.Duration(sec) * time.Second
		}
	}
	return defaultRetryAfter
}
