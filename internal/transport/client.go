// Package transport submits declarations to the certified gateway through the
// proxy connector and interprets its acknowledgements.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the proxy connection settings.
type Config struct {
	BaseURL        string
	APIKey         string
	ControlTimeout time.Duration
	SubmitTimeout  time.Duration
	StatusRetries  int
	StatusBackoff  time.Duration
	// TestMode allows a deterministic mock when no proxy is configured.
	TestMode bool
}

func (c Config) withDefaults() Config {
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = 10 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 60 * time.Second
	}
	if c.StatusRetries <= 0 {
		c.StatusRetries = 3
	}
	if c.StatusBackoff <= 0 {
		c.StatusBackoff = time.Second
	}
	return c
}

// Document is the single submission built for a flow.
type Document struct {
	CompanyID        int64  `json:"company_id"`
	TrackingID       string `json:"tracking_id"`
	Kind             string `json:"kind"`
	TransmissionType string `json:"transmission_type"`
	Filename         string `json:"filename"`
	Content          []byte `json:"content"`
}

// Response is the gateway reply to a submission.
type Response struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	Message         string     `json:"message"`
	Acknowledgement []AckEntry `json:"acknowledgement"`
}

// Message is a status notification polled from the gateway.
type Message struct {
	ID              string     `json:"id"`
	DocumentID      string     `json:"document_id"`
	TrackingID      string     `json:"tracking_id"`
	Status          string     `json:"status"`
	Message         string     `json:"message"`
	Acknowledgement []AckEntry `json:"acknowledgement"`
}

// Filter narrows a poll.
type Filter struct {
	DocumentIDs []string
	Since       time.Time
}

// Connector is the proxy through which documents reach the gateway.
type Connector interface {
	Send(ctx context.Context, doc Document) (Response, error)
	Poll(ctx context.Context, filter Filter) ([]Message, error)
	Ack(ctx context.Context, ids []string) error
	Health(ctx context.Context) error
}

// NewConnector returns the HTTP client for a configured proxy, the mock in
// test mode, or ErrNotConfigured.
func NewConnector(cfg Config, httpClient *http.Client) (Connector, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		if cfg.TestMode {
			return NewMock(), nil
		}
		return nil, ErrNotConfigured
	}
	return NewClient(cfg, httpClient)
}

// Client talks to the proxy over HTTP.
type Client struct {
	cfg    Config
	base   *url.URL
	client *http.Client
	sleep  func(context.Context, time.Duration) error
}

// NewClient constructs an HTTP connector.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	cfg = cfg.withDefaults()
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("transport: invalid proxy url %q", cfg.BaseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, base: base, client: httpClient, sleep: sleepCtx}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Send submits one document with the long submission timeout.
func (c *Client) Send(ctx context.Context, doc Document) (Response, error) {
	var resp Response
	if err := c.do(ctx, "send", c.cfg.SubmitTimeout, http.MethodPost, "/documents", nil, doc, &resp); err != nil {
		return Response{}, err
	}
	if strings.TrimSpace(resp.ID) == "" && strings.TrimSpace(resp.Status) == "" {
		return Response{}, &TransportError{Op: "send", Err: ErrEmptyResponse, Message: "gateway returned no identifier and no status"}
	}
	return resp, nil
}

// Poll lists gateway messages with the short control timeout.
func (c *Client) Poll(ctx context.Context, filter Filter) ([]Message, error) {
	q := url.Values{}
	for _, id := range filter.DocumentIDs {
		q.Add("document_id", id)
	}
	if !filter.Since.IsZero() {
		q.Set("since", filter.Since.UTC().Format(time.RFC3339))
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(ctx, "poll", c.cfg.ControlTimeout, http.MethodGet, "/messages", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Ack confirms processed messages.
func (c *Client) Ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	return c.do(ctx, "ack", c.cfg.ControlTimeout, http.MethodPost, "/messages/ack", nil, body, nil)
}

// Health checks the proxy session, retrying a fixed number of times with a
// linearly growing pause.
func (c *Client) Health(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= c.cfg.StatusRetries; attempt++ {
		err = c.do(ctx, "health", c.cfg.ControlTimeout, http.MethodGet, "/health", nil, nil, nil)
		if err == nil || !IsRetryable(err) || attempt == c.cfg.StatusRetries {
			return err
		}
		if serr := c.sleep(ctx, time.Duration(attempt)*c.cfg.StatusBackoff); serr != nil {
			return &TransportError{Op: "health", Err: serr, Retryable: true}
		}
	}
	return err
}

func (c *Client) do(ctx context.Context, op string, timeout time.Duration, method, path string, query url.Values, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &TransportError{Op: op, Err: err, Message: "encode request"}
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err, Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &TransportError{
			Op:        op,
			Err:       errors.New("http status " + strconv.Itoa(resp.StatusCode)),
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Message:   fmt.Sprintf("proxy response %d: %s", resp.StatusCode, strings.TrimSpace(string(data))),
		}
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: err, Retryable: true}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &TransportError{Op: op, Err: ErrEmptyResponse, Message: "gateway returned an empty body"}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &TransportError{Op: op, Err: err, Message: "decode response"}
	}
	return nil
}

// Mock is the deterministic connector used in test mode without a proxy.
type Mock struct{}

// NewMock constructs the test-mode connector.
func NewMock() *Mock {
	return &Mock{}
}

// Send accepts every document.
func (m *Mock) Send(_ context.Context, doc Document) (Response, error) {
	return Response{ID: "MOCK-" + doc.TrackingID, Status: "accepted", Message: StatusMock}, nil
}

// Poll returns no messages.
func (m *Mock) Poll(context.Context, Filter) ([]Message, error) {
	return nil, nil
}

// Ack is a no-op.
func (m *Mock) Ack(context.Context, []string) error {
	return nil
}

// Health always succeeds.
func (m *Mock) Health(context.Context) error {
	return nil
}
