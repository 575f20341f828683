package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/t77yq/rulewatch/internal/model"
)

const maxBodySize = 10 << 20

// HTTPConfig configures the HTTP fetcher
type HTTPConfig struct {
	UserAgent     string
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

// HTTPFetcher loads pages over HTTP and extracts collections from the body
type HTTPFetcher struct {
	logger     *zap.Logger
	httpClient *http.Client
	config     HTTPConfig
}

// NewHTTPFetcher creates a new HTTP fetcher
func NewHTTPFetcher(config HTTPConfig, logger *zap.Logger) *HTTPFetcher {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 500 * time.Millisecond
	}
	return &HTTPFetcher{
		logger: logger.Named("http-fetcher"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config: config,
	}
}

// Execute performs the request and extracts the task's collections
func (f *HTTPFetcher) Execute(ctx context.Context, task *model.Task) (*model.FetchResult, error) {
	if task.URL == "" {
		return nil, ErrNoURL
	}
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	method := task.Method
	if method == "" {
		method = http.MethodGet
	}

	f.logger.Debug("Fetching page",
		zap.String("rule_id", task.RuleID),
		zap.String("method", method),
		zap.String("url", task.URL))

	var body []byte
	var statusCode int
	var contentType string

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, task.URL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		for key, value := range task.Headers {
			req.Header.Set(key, value)
		}
		if f.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", f.config.UserAgent)
		}

		resp, err := f.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode))
		}

		body = data
		statusCode = resp.StatusCode
		contentType = resp.Header.Get("Content-Type")
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.config.RetryInterval
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(f.config.MaxRetries)), ctx)

	err := backoff.RetryNotify(operation, retries, func(err error, wait time.Duration) {
		f.logger.Warn("Fetch attempt failed, retrying",
			zap.String("url", task.URL),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return nil, err
	}

	result, err := Extract(body, contentType, task.Collections)
	if err != nil {
		return nil, err
	}
	result.Metadata = map[string]string{
		"status_code":  strconv.Itoa(statusCode),
		"content_type": contentType,
		"url":          task.URL,
	}
	return result, nil
}
