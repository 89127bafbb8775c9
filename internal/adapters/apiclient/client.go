package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/kirillkom/document-uploader/internal/infrastructure/resilience"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the upload API. Retries are left to callers; the executor only
// contributes a circuit breaker per operation.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *retryablehttp.Client
	executor   *resilience.Executor
}

func New(cfg Config, executor *resilience.Executor, logger *slog.Logger) *Client {
	if executor == nil {
		executor = resilience.NewExecutor(resilience.SingleAttemptConfig(), logger)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: NewHTTPClient(cfg.Timeout, logger),
		executor:   executor,
	}
}

// NewHTTPClient returns a retryablehttp client that never retries on its own and hands
// non-2xx responses back to the caller.
func NewHTTPClient(timeout time.Duration, logger *slog.Logger) *retryablehttp.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.HTTPClient.Timeout = timeout
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}
	return client
}

type call struct {
	operation string
	method    string
	path      string
	headers   map[string]string
	payload   any
	accept    []int
}

func (c *Client) do(ctx context.Context, in call, out any) error {
	err := c.executor.Execute(ctx, "upload_api_"+in.operation, func(ctx context.Context) error {
		return c.roundTrip(ctx, in, out)
	}, classifyAPIError)
	return toDomainError(in.operation, err)
}

func (c *Client) roundTrip(ctx context.Context, in call, out any) error {
	var body any
	if in.payload != nil {
		raw, err := json.Marshal(in.payload)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", in.operation, err)
		}
		body = raw
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, in.method, c.baseURL+in.path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", in.operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if in.payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range in.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload api %s request: %w", in.operation, err)
	}
	defer resp.Body.Close()

	if !slices.Contains(in.accept, resp.StatusCode) {
		return newHTTPStatusError(in.operation, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", in.operation, err)
	}
	return nil
}
