package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type HTTPCheckerConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

type HTTPChecker struct {
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPChecker(cfg HTTPCheckerConfig) (*HTTPChecker, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("health checker base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/healthcheck"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPChecker{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (c *HTTPChecker) Check(ctx context.Context, probe Probe) (Result, error) {
	body, err := json.Marshal(probe)
	if err != nil {
		return Result{}, fmt.Errorf("health marshal probe: %w", err)
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		result, err := c.attempt(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return Result{}, fmt.Errorf("health check failed: %w", lastErr)
}

func (c *HTTPChecker) attempt(ctx context.Context, body []byte) (Result, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("health build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	return decodeResult(resp)
}

func decodeResult(resp *http.Response) (Result, error) {
	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("health endpoint unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("health endpoint rejected probe: %s", resp.Status)
	}
	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("health decode response: %w", err)
	}
	return result, nil
}
