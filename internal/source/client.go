package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultPageLimit   = 100
	defaultHTTPTimeout = 30 * time.Second
	maxRetries         = 5
)

// Client is an HTTP Source implementation against a billing-platform-shaped
// REST API: list endpoints under /v1/<type> with created[gte] filtering and
// starting_after pagination.
type Client struct {
	baseURL    string
	apiKey     string
	pageLimit  int
	httpClient *http.Client
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client (primarily for testing).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithPageLimit overrides the page size requested from the platform.
func WithPageLimit(limit int) ClientOption {
	return func(c *Client) {
		c.pageLimit = limit
	}
}

// NewClient creates a new billing API client.
func NewClient(baseURL, apiKey string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		pageLimit:  defaultPageLimit,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// listEnvelope is the platform's list-response shape.
type listEnvelope struct {
	Data    []json.RawMessage `json:"data"`
	HasMore bool              `json:"has_more"`
}

// itemHeader is the subset of every object body the engine coordinates on.
type itemHeader struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Deleted bool   `json:"deleted"`
}

// ListPage implements Source.
func (c *Client) ListPage(ctx context.Context, objectType string, filter Filter, pageCursor string) (Page, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(c.pageLimit))
	if !filter.CreatedSince.IsZero() {
		params.Set("created[gte]", strconv.FormatInt(filter.CreatedSince.Unix(), 10))
	}
	if pageCursor != "" {
		params.Set("starting_after", pageCursor)
	}
	return c.list(ctx, "/v1/"+objectType, params)
}

// ListChildPage implements Source. Child types hang off a parent object, e.g.
// subscription items listed per subscription.
func (c *Client) ListChildPage(ctx context.Context, objectType, parentKey, pageCursor string) (Page, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(c.pageLimit))
	switch objectType {
	case "subscription_items":
		params.Set("subscription", parentKey)
	default:
		params.Set("parent", parentKey)
	}
	if pageCursor != "" {
		params.Set("starting_after", pageCursor)
	}
	return c.list(ctx, "/v1/"+objectType, params)
}

// FetchOne implements Source.
func (c *Client) FetchOne(ctx context.Context, objectType, key string) (RawItem, error) {
	body, err := c.get(ctx, "/v1/"+objectType+"/"+url.PathEscape(key), nil)
	if err != nil {
		return RawItem{}, err
	}
	item, err := parseItem(body)
	if err != nil {
		return RawItem{}, fmt.Errorf("failed to parse %s %s: %w", objectType, key, err)
	}
	return item, nil
}

func (c *Client) list(ctx context.Context, path string, params url.Values) (Page, error) {
	body, err := c.get(ctx, path, params)
	if err != nil {
		return Page{}, err
	}

	var envelope listEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Page{}, fmt.Errorf("failed to parse list response for %s: %w", path, err)
	}

	page := Page{HasMore: envelope.HasMore}
	for _, raw := range envelope.Data {
		item, err := parseItem(raw)
		if err != nil {
			return Page{}, fmt.Errorf("failed to parse item in %s: %w", path, err)
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

func parseItem(raw json.RawMessage) (RawItem, error) {
	var hdr itemHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return RawItem{}, err
	}
	if hdr.ID == "" {
		return RawItem{}, fmt.Errorf("item has no id")
	}
	item := RawItem{
		Key:     hdr.ID,
		Deleted: hdr.Deleted,
		Payload: raw,
	}
	if hdr.Created > 0 {
		item.Created = time.Unix(hdr.Created, 0).UTC()
	}
	return item, nil
}

// get performs one GET with retry on rate limiting and server errors. Client
// errors other than 429 are permanent; the caller's object run fails and the
// queue's redelivery window drives any further attempts.
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
		default:
			return nil, backoff.Permanent(fmt.Errorf("GET %s: status %d", path, resp.StatusCode))
		}
	}

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxRetries),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}
