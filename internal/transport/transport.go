// Package transport implements the HTTP and WebSocket paths to the message
// relay. It owns request plumbing (auth headers, 429 backoff) and translates
// the server's status taxonomy into the wire error types; it knows nothing
// about sessions or content.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// BasicAuth holds credentials for HTTP basic authentication.
// Username is "{serviceID}.{deviceID}".
type BasicAuth struct {
	Username string
	Password string
}

// Transport is the low-level HTTP client for the relay API.
type Transport struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// New creates an HTTP transport. A nil tlsConf uses the default TLS stack.
func New(baseURL string, tlsConf *tls.Config, log *zap.Logger) *Transport {
	client := &http.Client{}
	if tlsConf != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsConf}
	}
	return &Transport{baseURL: baseURL, client: client, log: log}
}

// Do executes a request with automatic retry on 429, honoring the
// Retry-After header capped at 10 minutes.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	const maxRetries = 3
	const maxWait = 10 * time.Minute

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("transport: read request body: %w", err)
		}
	}

	for attempt := range maxRetries + 1 {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			t.log.Debug("http request",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", resp.StatusCode))
			return resp, nil
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		wait := time.Duration(5<<attempt) * time.Second // 5s, 10s, 20s, 40s
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		wait = min(wait, maxWait)

		if attempt == maxRetries {
			return &http.Response{
				StatusCode: http.StatusTooManyRequests,
				Header:     resp.Header,
				Body:       io.NopCloser(bytes.NewReader(respBody)),
				Request:    req,
			}, nil
		}

		t.log.Debug("rate limited, retrying",
			zap.String("path", req.URL.Path),
			zap.Duration("wait", wait),
			zap.Int("attempt", attempt+1))

		select {
		case <-time.After(wait):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	return nil, fmt.Errorf("transport: retry loop exhausted")
}

// Get performs a GET with optional basic auth.
func (t *Transport) Get(ctx context.Context, path string, auth *BasicAuth) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: new request: %w", err)
	}
	if auth != nil {
		req.SetBasicAuth(auth.Username, auth.Password)
	}
	return t.doAndRead(req)
}

// Put performs a PUT with a JSON body and optional basic auth.
func (t *Transport) Put(ctx context.Context, path string, body []byte, auth *BasicAuth) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("transport: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != nil {
		req.SetBasicAuth(auth.Username, auth.Password)
	}
	return t.doAndRead(req)
}

// PutWithHeader performs a PUT with a custom header instead of basic auth
// (the sealed-sender access key path).
func (t *Transport) PutWithHeader(ctx context.Context, path string, body []byte, headerKey, headerValue string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("transport: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerKey, headerValue)
	return t.doAndRead(req)
}

// PutBinary performs a PUT with a raw body and custom headers (CDN uploads).
func (t *Transport) PutBinary(ctx context.Context, url string, body []byte, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("transport: new request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return t.doAndRead(req)
}

func (t *Transport) doAndRead(req *http.Request) ([]byte, int, error) {
	resp, err := t.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("transport: read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
