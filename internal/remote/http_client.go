package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/kimhsiao/syncbox/internal/errors"
	"github.com/kimhsiao/syncbox/internal/models"
)

// HTTPConfig holds HTTP client configuration.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPClient implements Client over a JSON HTTP API.
type HTTPClient struct {
	config     *HTTPConfig
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(config *HTTPConfig) *HTTPClient {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Get fetches a single record.
func (c *HTTPClient) Get(ctx context.Context, collection, key string) (*Record, error) {
	path := fmt.Sprintf("/collections/%s/records/%s", url.PathEscape(collection), url.PathEscape(key))
	req, err := c.createRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var record Record
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to decode record", err)
	}
	return &record, nil
}

// List fetches all records in a collection.
func (c *HTTPClient) List(ctx context.Context, collection string) ([]Record, error) {
	path := fmt.Sprintf("/collections/%s/records", url.PathEscape(collection))
	req, err := c.createRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to decode record list", err)
	}
	return records, nil
}

// Apply sends one mutation with the mutation ID as idempotency key.
func (c *HTTPClient) Apply(ctx context.Context, mreq *MutationRequest) (*Record, error) {
	body, err := json.Marshal(mreq)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to encode mutation", err)
	}

	path := fmt.Sprintf("/collections/%s/mutations", url.PathEscape(mreq.Collection))
	req, err := c.createRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", mreq.ID.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	if mreq.Kind == models.MutationDelete || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var record Record
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to decode mutation response", err)
	}
	return &record, nil
}

// createRequest builds a request with the bearer token attached.
func (c *HTTPClient) createRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to create request", err)
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	return req, nil
}

// classifyTransportError maps transport failures onto the taxonomy.
// Dial and timeout failures are transient; a cancelled context is not a
// network condition and stays an internal error.
func classifyTransportError(err error) error {
	if stderrors.Is(err, context.Canceled) {
		return errors.Wrap(errors.ErrInternal, "request cancelled", err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrTransientNetwork, "request failed", err)
	}
	return errors.Wrap(errors.ErrTransientNetwork, "request failed", err)
}

// classifyStatus maps HTTP status codes onto the failure taxonomy.
// Transient failures are the only retryable bucket.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("remote returned status %d: %s", resp.StatusCode, string(body))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.New(errors.ErrNotFound, msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.New(errors.ErrUnauthorized, msg)
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return errors.New(errors.ErrConflict, msg)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return errors.New(errors.ErrTransientNetwork, msg)
	case resp.StatusCode >= 500:
		return errors.New(errors.ErrTransientNetwork, msg)
	case resp.StatusCode >= 400:
		return errors.New(errors.ErrRejectedMutation, msg)
	default:
		return errors.New(errors.ErrInternal, msg)
	}
}
