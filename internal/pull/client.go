package pull

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mindgoner/propagator/internal/auth"
	"github.com/mindgoner/propagator/internal/envelope"
	"github.com/mindgoner/propagator/pkg/record"
)

// ErrSerialization is returned when a pull response or its opened content
// is not the expected JSON.
var ErrSerialization = errors.New("pull response malformed")

// ErrResponseTooLarge is returned when a pull response exceeds the client's
// size limit. Retrying the same since yields the same response.
var ErrResponseTooLarge = errors.New("pull response too large")

// DefaultMaxResponseBytes bounds how much of a pull response is read.
const DefaultMaxResponseBytes = 256 << 20

// TransportError is a pull that failed at the network or HTTP level.
type TransportError struct {
	StatusCode int // 0 when no response was received
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		if e.Message != "" {
			return fmt.Sprintf("pull failed with status %d: %s", e.StatusCode, e.Message)
		}
		return fmt.Sprintf("pull failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("pull request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client fetches records from a peer's pull endpoint.
type Client struct {
	endpoint     *url.URL
	credentials  auth.Credentials
	sharedSecret string
	httpClient   *http.Client
	maxBytes     int64
}

// NewClient creates a client for the pull endpoint at endpoint.
func NewClient(endpoint string, credentials auth.Credentials, sharedSecret string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse pull url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("pull url %q must be an absolute http(s) url", endpoint)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoint:     u,
		credentials:  credentials,
		sharedSecret: sharedSecret,
		httpClient:   httpClient,
		maxBytes:     DefaultMaxResponseBytes,
	}, nil
}

// SetMaxResponseBytes changes the response size limit. n <= 0 restores the default.
func (c *Client) SetMaxResponseBytes(n int64) {
	if n <= 0 {
		n = DefaultMaxResponseBytes
	}
	c.maxBytes = n
}

// Endpoint returns the pull url.
func (c *Client) Endpoint() string {
	return c.endpoint.String()
}

// Pull returns the peer's records received strictly after since, ascending.
func (c *Client) Pull(ctx context.Context, since time.Time) ([]*record.Record, error) {
	u := *c.endpoint
	q := u.Query()
	q.Set(sinceQueryParam, record.FormatTime(since))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Accept", jsonContentType)
	c.credentials.Apply(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes since %s", ErrResponseTooLarge, c.maxBytes, record.FormatTime(since))
	}

	var envelopeResp Response
	decodeErr := json.Unmarshal(body, &envelopeResp)

	if resp.StatusCode != http.StatusOK {
		te := &TransportError{StatusCode: resp.StatusCode}
		if decodeErr == nil && envelopeResp.Message != nil {
			te.Message = *envelopeResp.Message
		}
		return nil, te
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, decodeErr)
	}
	if !envelopeResp.Success || envelopeResp.Content == nil {
		return nil, fmt.Errorf("%w: unsuccessful response without content", ErrSerialization)
	}

	plain, err := envelope.Open(*envelopeResp.Content, c.sharedSecret)
	if err != nil {
		return nil, err
	}

	var records []*record.Record
	if err := json.Unmarshal(plain, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if records == nil {
		return nil, fmt.Errorf("%w: content is not a list", ErrSerialization)
	}
	for i, rec := range records {
		if rec == nil {
			return nil, fmt.Errorf("%w: null record at index %d", ErrSerialization, i)
		}
	}
	return records, nil
}
