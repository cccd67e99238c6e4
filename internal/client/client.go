package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tonal-labs/cantata/pkg/log"
)

type (
	// Client invokes one external tool with resolved parameters. The
	// timeout bounds a single step invocation
	Client interface {
		Invoke(
			ctx context.Context, tool string, params map[string]any,
			timeout time.Duration,
		) (map[string]any, error)
	}

	// Config holds the endpoints and the transport retry policy
	Config struct {
		RegistryURL    string
		RegistryAPIKey string
		DelegateURL    string
		DelegateAPIKey string

		// Transport-level retry, beneath any step-level retry strategy.
		// The two layers compound
		MaxAttempts    int
		InitialBackoff time.Duration
		MaxBackoff     time.Duration
	}

	// HTTPClient executes tools over HTTP. Tool names carrying the
	// delegation marker route to the delegation backend; all others go
	// through the tool registry
	HTTPClient struct {
		cfg        Config
		httpClient *http.Client
		sleep      func(context.Context, time.Duration)
	}
)

// DelegatePrefix marks tool names handled by the delegation backend
const DelegatePrefix = "delegate:"

const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = 10 * time.Second
)

var (
	ErrRequestFailed  = errors.New("tool request failed")
	ErrHTTPStatus     = errors.New("tool returned HTTP error")
	ErrToolFailed     = errors.New("tool reported an error")
	ErrNoRegistryURL  = errors.New("registry URL not configured")
	ErrNoDelegateURL  = errors.New("delegation URL not configured")
	ErrInvalidPayload = errors.New("tool returned invalid payload")
)

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a tool client with the given configuration
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{},
		sleep: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		},
	}
}

// Invoke executes a tool, retrying transport failures with bounded
// exponential backoff
func (c *HTTPClient) Invoke(
	ctx context.Context, tool string, params map[string]any,
	timeout time.Duration,
) (map[string]any, error) {
	backoff := c.cfg.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			c.sleep(ctx, backoff)
			backoff = min(backoff*2, c.cfg.MaxBackoff)
		}

		result, err := c.invokeOnce(ctx, tool, params, timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err

		slog.Error("Tool invocation attempt failed",
			log.Tool(tool),
			slog.Int("attempt", attempt),
			log.Error(err))

		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *HTTPClient) invokeOnce(
	ctx context.Context, tool string, params map[string]any,
	timeout time.Duration,
) (map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if name, ok := strings.CutPrefix(tool, DelegatePrefix); ok {
		return c.invokeDelegate(ctx, name, params)
	}
	return c.invokeRegistry(ctx, tool, params)
}

func (c *HTTPClient) invokeRegistry(
	ctx context.Context, tool string, params map[string]any,
) (map[string]any, error) {
	if c.cfg.RegistryURL == "" {
		return nil, ErrNoRegistryURL
	}
	endpoint := fmt.Sprintf("%s/tools/%s/execute",
		strings.TrimSuffix(c.cfg.RegistryURL, "/"), tool)
	return c.post(ctx, tool, endpoint, c.cfg.RegistryAPIKey, params)
}

func (c *HTTPClient) invokeDelegate(
	ctx context.Context, tool string, params map[string]any,
) (map[string]any, error) {
	if c.cfg.DelegateURL == "" {
		return nil, ErrNoDelegateURL
	}
	endpoint := fmt.Sprintf("%s/tools/%s/execute",
		strings.TrimSuffix(c.cfg.DelegateURL, "/"), tool)

	result, err := c.post(ctx, tool, endpoint, c.cfg.DelegateAPIKey, params)
	if err != nil {
		return nil, err
	}

	// The delegation backend reports failures in-band
	if msg, ok := result["error"]; ok {
		slog.Error("Delegated tool reported an error",
			log.Tool(tool),
			slog.Any("error", msg))
		return nil, fmt.Errorf("%w: %s: %v", ErrToolFailed, tool, msg)
	}
	return result, nil
}

func (c *HTTPClient) post(
	ctx context.Context, tool, endpoint, apiKey string,
	params map[string]any,
) (map[string]any, error) {
	body, err := json.Marshal(params)
	if err != nil {
		slog.Error("Failed to marshal tool parameters",
			log.Tool(tool),
			log.Error(err))
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, bytes.NewBuffer(body),
	)
	if err != nil {
		slog.Error("Failed to create tool request",
			log.Tool(tool),
			log.Error(err))
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Cantata-Engine/1.0")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	dur := time.Since(start)

	if err != nil {
		slog.Error("Tool request failed",
			log.Tool(tool),
			slog.Duration("duration", dur),
			log.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("Failed to read tool response",
			log.Tool(tool),
			log.Error(err))
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		slog.Error("Tool returned HTTP error",
			log.Tool(tool),
			slog.Int("status_code", resp.StatusCode),
			slog.String("response_body", string(respBody)))
		return nil, fmt.Errorf("%w: %d: %s",
			ErrHTTPStatus, resp.StatusCode, string(respBody))
	}

	var result map[string]any
	if err := json.Unmarshal(respBody, &result); err != nil {
		slog.Error("Failed to unmarshal tool response",
			log.Tool(tool),
			log.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return result, nil
}

// ErrorKind buckets an invocation error for telemetry aggregation
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrHTTPStatus):
		return "http_error"
	case errors.Is(err, ErrToolFailed):
		return "tool_error"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrRequestFailed):
		return "connection"
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "timeout"
		}
		return "unknown"
	}
}
