package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/internal/domain/providers"
	"github.com/zatekoja/sessionreview/backend/pkg/config"
)

const (
	defaultBaseURL      = "https://api.openai.com/v1"
	defaultModel        = "gpt-4o-mini"
	breakerTripFailures = 5
	breakerOpenTimeout  = 30 * time.Second
	maxErrorBody        = 512
)

// Client implements providers.AnalysisProvider against the OpenAI Responses API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates a new OpenAI client.
func NewClient(cfg *config.AnalysisConfig) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("analysis api key is required")
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: newLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "openai-analysis",
			Timeout: breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerTripFailures
			},
			IsSuccessful: isBreakerSuccess,
		}),
	}, nil
}

// isBreakerSuccess keeps aborts by the caller's own context out of the
// failure count. Transport timeouts of the HTTP client still count.
func isBreakerSuccess(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// newLimiter returns nil when rpm is negative
func newLimiter(rpm, burst int) *rate.Limiter {
	if rpm < 0 {
		return nil
	}
	if rpm == 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = 5
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), burst)
}

type responseContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseOutput struct {
	Content []responseContent `json:"content"`
}

type responseUsage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	TotalTokens        int `json:"total_tokens"`
	InputTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

type responseEnvelope struct {
	Model  string           `json:"model"`
	Output []responseOutput `json:"output"`
	Usage  responseUsage    `json:"usage"`
}

// RunAnalysis sends one analysis request of the given kind. Non-2xx replies
// are returned as *providers.UpstreamStatusError; an open breaker reports 503.
func (c *Client) RunAnalysis(ctx context.Context, kind entities.PipelineKind, variables map[string]any) (*providers.AnalysisResponse, error) {
	systemPrompt, ok := systemPrompts[kind]
	if !ok {
		return nil, &providers.UpstreamStatusError{StatusCode: http.StatusBadRequest, Message: fmt.Sprintf("unknown analysis kind %q", kind)}
	}

	if c.limiter != nil {
		waitStart := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				// The wait would outlast the deadline
				err = fmt.Errorf("rate limit wait: %w", context.DeadlineExceeded)
			} else {
				err = ctx.Err()
			}
			recordOpenAIMetric(ctx, c.model, kind, 0, 0, err)
			return nil, err
		}
		recordOpenAIRateLimitWait(ctx, c.model, time.Since(waitStart))
	}

	userPrompt, err := buildUserPrompt(kind, variables)
	if err != nil {
		return nil, &providers.UpstreamStatusError{StatusCode: http.StatusBadRequest, Message: err.Error()}
	}

	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"input": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature":       0.1,
		"max_output_tokens": maxOutputTokens[kind],
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, body)
	})
	elapsed := time.Since(start)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		recordOpenAIMetric(ctx, c.model, kind, http.StatusServiceUnavailable, elapsed, err)
		return nil, &providers.UpstreamStatusError{StatusCode: http.StatusServiceUnavailable, Message: "circuit breaker open"}
	}
	if err != nil {
		var statusErr *providers.UpstreamStatusError
		code := 0
		if errors.As(err, &statusErr) {
			code = statusErr.StatusCode
		}
		recordOpenAIMetric(ctx, c.model, kind, code, elapsed, err)
		return nil, err
	}

	reply := result.(*httpReply)
	if reply.statusErr != nil {
		recordOpenAIMetric(ctx, c.model, kind, reply.statusErr.StatusCode, elapsed, reply.statusErr)
		return nil, reply.statusErr
	}

	resp := c.toAnalysisResponse(reply.envelope, elapsed)
	var respErr error
	if !resp.Success {
		respErr = errors.New(resp.Error)
	}
	recordOpenAIMetric(ctx, c.model, kind, http.StatusOK, elapsed, respErr)
	return resp, nil
}

// httpReply carries non-retryable status errors out of the breaker so they
// do not count as breaker failures
type httpReply struct {
	envelope  *responseEnvelope
	statusErr *providers.UpstreamStatusError
}

func (c *Client) do(ctx context.Context, body []byte) (*httpReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("analysis request aborted: %w", ctxErr)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &providers.UpstreamStatusError{StatusCode: http.StatusGatewayTimeout, Message: err.Error()}
		}
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &providers.UpstreamStatusError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(snippet)),
		}
		if statusErr.IsRetryable() {
			return nil, statusErr
		}
		return &httpReply{statusErr: statusErr}, nil
	}

	var envelope responseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &providers.UpstreamStatusError{StatusCode: http.StatusBadGateway, Message: "undecodable response envelope"}
	}
	return &httpReply{envelope: &envelope}, nil
}

// toAnalysisResponse extracts the model's JSON document. A reply without a
// JSON object is reported as an unsuccessful envelope.
func (c *Client) toAnalysisResponse(envelope *responseEnvelope, elapsed time.Duration) *providers.AnalysisResponse {
	model := envelope.Model
	if model == "" {
		model = c.model
	}
	resp := &providers.AnalysisResponse{
		Metadata: entities.PipelineMetadata{
			Model: model,
			TokenUsage: entities.TokenUsage{
				PromptTokens:     envelope.Usage.InputTokens,
				CompletionTokens: envelope.Usage.OutputTokens,
				TotalTokens:      envelope.Usage.TotalTokens,
			},
			CacheHit:         envelope.Usage.InputTokensDetails.CachedTokens > 0,
			ProcessingTimeMs: elapsed.Milliseconds(),
		},
	}

	text := outputText(envelope)
	if text == "" {
		resp.Error = "response missing output text"
		return resp
	}

	cleaned := stripCodeFence(text)
	if !json.Valid([]byte(cleaned)) || !strings.HasPrefix(cleaned, "{") {
		resp.Error = "response output is not a JSON object"
		return resp
	}

	resp.Success = true
	resp.Data = json.RawMessage(cleaned)
	return resp
}

func outputText(envelope *responseEnvelope) string {
	for _, out := range envelope.Output {
		for _, content := range out.Content {
			if content.Type == "output_text" && content.Text != "" {
				return content.Text
			}
		}
	}
	return ""
}

// stripCodeFence removes a Markdown code block wrapper if present
func stripCodeFence(text string) string {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```json") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimSuffix(cleaned, "```")
	} else if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(cleaned, "```")
	}
	return strings.TrimSpace(cleaned)
}

type openAIMetrics struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestErrors   metric.Int64Counter
	rateLimitWait   metric.Float64Histogram
}

var (
	openaiMetricsOnce sync.Once
	openaiMetrics     *openAIMetrics
)

func ensureOpenAIMetrics() *openAIMetrics {
	openaiMetricsOnce.Do(func() {
		meter := otel.Meter("github.com/zatekoja/sessionreview/backend/openai")

		requestCount, err := meter.Int64Counter(
			"ai.openai.request.count",
			metric.WithDescription("Number of OpenAI requests"),
		)
		if err != nil {
			return
		}
		requestDuration, err := meter.Float64Histogram(
			"ai.openai.request.duration",
			metric.WithDescription("OpenAI request duration in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return
		}
		requestErrors, err := meter.Int64Counter(
			"ai.openai.request.errors",
			metric.WithDescription("Number of OpenAI request errors"),
		)
		if err != nil {
			return
		}
		rateLimitWait, err := meter.Float64Histogram(
			"ai.openai.rate_limit.wait",
			metric.WithDescription("Time spent waiting for OpenAI rate limiter in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return
		}

		openaiMetrics = &openAIMetrics{
			requestCount:    requestCount,
			requestDuration: requestDuration,
			requestErrors:   requestErrors,
			rateLimitWait:   rateLimitWait,
		}
	})
	return openaiMetrics
}

func recordOpenAIMetric(ctx context.Context, model string, kind entities.PipelineKind, statusCode int, duration time.Duration, err error) {
	m := ensureOpenAIMetrics()
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("ai.provider", "openai"),
		attribute.String("ai.model", model),
		attribute.String("pipeline.kind", string(kind)),
	}
	if statusCode > 0 {
		attrs = append(attrs, attribute.Int("http.status_code", statusCode))
	}

	m.requestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		m.requestErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func recordOpenAIRateLimitWait(ctx context.Context, model string, wait time.Duration) {
	m := ensureOpenAIMetrics()
	if m == nil {
		return
	}
	m.rateLimitWait.Record(ctx, float64(wait.Milliseconds()), metric.WithAttributes(
		attribute.String("ai.provider", "openai"),
		attribute.String("ai.model", model),
	))
}
