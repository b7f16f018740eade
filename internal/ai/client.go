package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultBaseDelay   = time.Second
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1024

	jitterFraction = 0.25
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatConfig addresses the fixed internal refinement model.
type ChatConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	// Timeout bounds a single attempt, not the whole retry loop.
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

// Completion is the assistant text plus the untouched provider payload.
type Completion struct {
	Content string
	Raw     json.RawMessage
}

type OpenAICompatibleClient struct {
	cfg        ChatConfig
	httpClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func() float64
}

type ClientOption func(*OpenAICompatibleClient)

// WithHTTPClient replaces the transport, for custom TLS roots or proxies.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *OpenAICompatibleClient) { c.httpClient = hc }
}

// WithSleeper replaces the backoff wait, mainly so tests do not sleep.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *OpenAICompatibleClient) { c.sleep = sleep }
}

// WithJitter replaces the jitter source. fn must return a value in [-1, 1).
func WithJitter(fn func() float64) ClientOption {
	return func(c *OpenAICompatibleClient) { c.jitter = fn }
}

func NewOpenAICompatibleClient(cfg ChatConfig, opts ...ClientOption) *OpenAICompatibleClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	c := &OpenAICompatibleClient{
		cfg:        cfg,
		httpClient: &http.Client{},
		sleep:      sleepContext,
		jitter:     func() float64 { return rand.Float64()*2 - 1 },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends one logical chat completion, retrying server failures and
// timeouts with exponential backoff. Client errors are returned at once.
func (c *OpenAICompatibleClient) Complete(ctx context.Context, messages []ChatMessage) (Completion, error) {
	if err := c.checkConfig(); err != nil {
		return Completion{}, err
	}

	body, err := json.Marshal(map[string]interface{}{
		"model":       c.cfg.Model,
		"messages":    messages,
		"temperature": c.cfg.Temperature,
		"max_tokens":  c.cfg.MaxTokens,
		"stream":      false,
	})
	if err != nil {
		return Completion{}, newError(ErrClient, 0, fmt.Sprintf("marshal llm request failed: %v", err))
	}

	attempts := c.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		completion, callErr := c.do(ctx, body)
		if callErr == nil {
			if attempt > 0 {
				log.Info().Int("attempt", attempt+1).Msg("llm request succeeded after retry")
			}
			return completion, nil
		}

		var aiErr *Error
		if !errors.As(callErr, &aiErr) {
			return Completion{}, callErr
		}
		aiErr.Attempts = attempt + 1
		if !aiErr.Retryable() || attempt == attempts-1 {
			return Completion{}, aiErr
		}

		delay := c.backoff(attempt)
		log.Warn().
			Int("attempt", attempt+1).
			Int("status", aiErr.Status).
			Str("kind", aiErr.Kind.Error()).
			Dur("retry_in", delay).
			Msg("llm request failed, retrying")
		if err := c.sleep(ctx, delay); err != nil {
			return Completion{}, err
		}
	}
	return Completion{}, newError(ErrServer, 0, "maximum retries exceeded")
}

func (c *OpenAICompatibleClient) checkConfig() error {
	var missing []string
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		missing = append(missing, "base_url")
	}
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		missing = append(missing, "api_key")
	}
	if strings.TrimSpace(c.cfg.Model) == "" {
		missing = append(missing, "model")
	}
	if len(missing) > 0 {
		return newError(ErrConfiguration, 0, "missing llm "+strings.Join(missing, ", "))
	}
	return nil
}

// backoff returns BaseDelay * 2^attempt scaled by up to ±25% jitter.
func (c *OpenAICompatibleClient) backoff(attempt int) time.Duration {
	base := c.cfg.BaseDelay << attempt
	return time.Duration(float64(base) * (1 + jitterFraction*c.jitter()))
}

func (c *OpenAICompatibleClient) do(ctx context.Context, body []byte) (Completion, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Completion{}, newError(ErrClient, 0, fmt.Sprintf("build llm request failed: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		if isTimeout(attemptCtx, err) {
			return Completion{}, newError(ErrTimeout, 0, "llm request timed out")
		}
		return Completion{}, newError(ErrServer, 0, redact(fmt.Sprintf("llm request failed: %v", err), c.cfg.APIKey))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		if isTimeout(attemptCtx, err) {
			return Completion{}, newError(ErrTimeout, resp.StatusCode, "reading llm response timed out")
		}
		return Completion{}, newError(ErrServer, resp.StatusCode, fmt.Sprintf("read llm response failed: %v", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return Completion{}, newError(ErrServer, resp.StatusCode, redact(string(raw), c.cfg.APIKey))
	case resp.StatusCode >= 300:
		return Completion{}, newError(ErrClient, resp.StatusCode, redact(string(raw), c.cfg.APIKey))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Completion{}, newError(ErrMalformedResponse, resp.StatusCode, fmt.Sprintf("parse llm json failed: %v", err))
	}
	if len(parsed.Choices) == 0 {
		return Completion{}, newError(ErrMalformedResponse, resp.StatusCode, "empty llm choices")
	}
	return Completion{
		Content: parsed.Choices[0].Message.Content,
		Raw:     json.RawMessage(raw),
	}, nil
}

func isTimeout(attemptCtx context.Context, err error) bool {
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
