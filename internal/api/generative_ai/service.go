package generativeAI

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/FACorreiaa/go-trip-planner/app/observability/metrics"
	"github.com/FACorreiaa/go-trip-planner/config"
	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

const defaultModel = "gemini-2.0-flash"

// ContentGenerator turns a prompt into free-form model text.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, prompt string, config *genai.GenerateContentConfig) (string, error)
	Model() string
}

var _ ContentGenerator = (*AIClient)(nil)

type AIClient struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
	metrics *metrics.AppMetrics
	logger  *slog.Logger
}

// NewAIClient builds a Gemini client. The API key is read from the
// environment variable named by cfg.APIKeyEnv.
func NewAIClient(ctx context.Context, cfg config.AIConfig, appMetrics *metrics.AppMetrics, logger *slog.Logger) (*AIClient, error) {
	ctx, span := otel.Tracer("GenerativeAI").Start(ctx, "NewAIClient")
	defer span.End()

	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		err := fmt.Errorf("%s environment variable is not set", cfg.APIKeyEnv)
		span.RecordError(err)
		span.SetStatus(codes.Error, "API key not set")
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create Gemini client")
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}

	span.SetStatus(codes.Ok, "AI client created successfully")
	return &AIClient{
		client:  client,
		model:   model,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 2),
		metrics: appMetrics,
		logger:  logger,
	}, nil
}

func (ai *AIClient) Model() string {
	return ai.model
}

// GenerateContent sends one prompt and returns the response text.
// Every failure is reported as types.ErrBackend.
func (ai *AIClient) GenerateContent(ctx context.Context, prompt string, config *genai.GenerateContentConfig) (string, error) {
	ctx, span := otel.Tracer("GenerativeAI").Start(ctx, "GenerateContent", trace.WithAttributes(
		attribute.Int("prompt.length", len(prompt)),
		attribute.String("model", ai.model),
	))
	defer span.End()

	if err := ai.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Rate limiter wait failed")
		return "", fmt.Errorf("%w: rate limiter: %w", types.ErrBackend, err)
	}

	start := time.Now()
	result, err := ai.client.Models.GenerateContent(ctx, ai.model, genai.Text(prompt), config)
	ai.record(ctx, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to generate content")
		ai.logger.ErrorContext(ctx, "Gemini request failed", slog.String("model", ai.model), slog.Any("error", err))
		return "", fmt.Errorf("%w: generate content: %w", types.ErrBackend, err)
	}

	responseText := result.Text()
	if responseText == "" {
		err := errors.New("empty response from model")
		span.RecordError(err)
		span.SetStatus(codes.Error, "Empty response")
		return "", fmt.Errorf("%w: %w", types.ErrBackend, err)
	}

	span.SetAttributes(attribute.Int("response.length", len(responseText)))
	span.SetStatus(codes.Ok, "Content generated successfully")
	return responseText, nil
}

func (ai *AIClient) record(ctx context.Context, elapsed time.Duration, err error) {
	if ai.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("model", ai.model), attribute.String("status", status))
	ai.metrics.AIRequestsTotal.Add(ctx, 1, attrs)
	ai.metrics.AIRequestDurationSeconds.Record(ctx, elapsed.Seconds(), attrs)
}
