package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	maxRetries          = 2
	retryInitialDelay   = 200 * time.Millisecond
	retryMaxDelay       = 2 * time.Second
	maxResponseBodySize = 1 << 20
)

// HTTPClient is the REST implementation of Client.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	// newBackOff is swapped in tests to avoid sleeping between retries.
	newBackOff func(ctx context.Context) backoff.BackOff
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
		newBackOff: newRetryBackoff,
	}
}

func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialDelay
	b.MaxInterval = retryMaxDelay
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

// Create is not retried: a half-applied create followed by a retry would
// collide on the session name.
func (c *HTTPClient) Create(ctx context.Context, name string) (*CreateResult, error) {
	body, err := c.do(ctx, "create", http.MethodPost, "/api/sessions", map[string]any{
		"name":  name,
		"start": true,
	})
	if err != nil {
		return nil, err
	}
	return &CreateResult{Raw: body}, nil
}

func (c *HTTPClient) Status(ctx context.Context, name string) (*StatusResult, error) {
	var result *StatusResult
	err := c.retry(ctx, "status", func() error {
		body, err := c.do(ctx, "status", http.MethodGet, sessionPath(name), nil)
		if err != nil {
			return err
		}
		result, err = ParseStatus(body)
		if err != nil {
			return backoff.Permanent(err)
		}
		if result.SessionName == "" {
			result.SessionName = name
		}
		return nil
	})
	return result, err
}

func (c *HTTPClient) RegisterPushTarget(ctx context.Context, name, target string) error {
	return c.retry(ctx, "register_push_target", func() error {
		_, err := c.do(ctx, "register_push_target", http.MethodPut, sessionPath(name)+"/webhook", map[string]any{
			"url":    target,
			"events": []string{"session.status"},
		})
		return err
	})
}

func (c *HTTPClient) SetPresence(ctx context.Context, name string, state Presence) error {
	return c.retry(ctx, "set_presence", func() error {
		_, err := c.do(ctx, "set_presence", http.MethodPost, sessionPath(name)+"/presence", map[string]any{
			"presence": state,
		})
		return err
	})
}

// EnsureOrganization resolves the owner's organization, creating it if it
// does not exist. A conflict means it already exists.
func (c *HTTPClient) EnsureOrganization(ctx context.Context, ownerID string) error {
	return c.retry(ctx, "ensure_organization", func() error {
		_, err := c.do(ctx, "ensure_organization", http.MethodPost, "/api/organizations", map[string]any{
			"externalId": ownerID,
		})
		if isStatus(err, http.StatusConflict) {
			return nil
		}
		return err
	})
}

// Terminate logs the remote session out. A session the provider no longer
// knows counts as terminated.
func (c *HTTPClient) Terminate(ctx context.Context, name string) error {
	return c.retry(ctx, "terminate", func() error {
		_, err := c.do(ctx, "terminate", http.MethodPost, sessionPath(name)+"/logout", nil)
		if isStatus(err, http.StatusNotFound) {
			return nil
		}
		return err
	})
}

func (c *HTTPClient) Delete(ctx context.Context, name string) error {
	return c.retry(ctx, "delete", func() error {
		_, err := c.do(ctx, "delete", http.MethodDelete, sessionPath(name), nil)
		if isStatus(err, http.StatusNotFound) {
			return nil
		}
		return err
	})
}

// retry re-runs op on transport errors and 5xx responses. 4xx responses are
// final.
func (c *HTTPClient) retry(ctx context.Context, operation string, op func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
			return backoff.Permanent(err)
		}

		log.Debug().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Msg("provider call failed, retrying")
		return err
	}, c.newBackOff(ctx))
}

func (c *HTTPClient) do(ctx context.Context, operation, method, path string, payload any) (json.RawMessage, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", operation, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		log.Warn().
			Err(err).
			Str("operation", operation).
			Dur("elapsed", elapsed).
			Msg("provider request error")
		return nil, fmt.Errorf("provider %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().
			Str("operation", operation).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("provider request failed")
		return nil, &StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: string(body)}
	}

	log.Debug().
		Str("operation", operation).
		Int("status", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("provider request successful")

	return json.RawMessage(body), nil
}

func sessionPath(name string) string {
	return "/api/sessions/" + url.PathEscape(name)
}

func isStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}
