package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"regpipe/internal/evidence"
	"regpipe/pkg/platform/circuit"
	"regpipe/pkg/platform/sentinel"
)

// Extractor proposes candidate facts from one evidence document.
type Extractor interface {
	Extract(ctx context.Context, ev *evidence.Evidence) ([]CandidateFact, error)
}

const systemPrompt = `You extract regulatory facts from legal and administrative documents.
Return JSON: {"facts": [...]} where each fact has conceptSlug, domain,
extractedValue, valueType (PERCENTAGE|MONEY|NUMBER|DATE|TEXT), exactQuote,
confidence (0..1), authorityLevel (LAW|REGULATION|GUIDANCE|PROCEDURE|PRACTICE),
riskTier (T0|T1|T2|T3), effectiveFrom (YYYY-MM-DD), optionally effectiveUntil
and appliesWhen. exactQuote must be copied verbatim from the document; never
paraphrase, never infer values absent from the text. Return {"facts": []}
when the document states no regulatory fact.`

// OpenAIExtractor calls the chat completion API with bounded retries behind
// a circuit breaker. A fact it returns is still untrusted until the
// deterministic validator confirms the quote.
type OpenAIExtractor struct {
	client      *openai.Client
	model       string
	breaker     *circuit.Breaker
	logger      *slog.Logger
	maxAttempts int
	backoff     time.Duration
	callTimeout time.Duration
}

// ExtractorOption configures the OpenAIExtractor.
type ExtractorOption func(*OpenAIExtractor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExtractorOption {
	return func(e *OpenAIExtractor) { e.logger = logger }
}

// WithMaxAttempts bounds retries per document.
func WithMaxAttempts(n int) ExtractorOption {
	return func(e *OpenAIExtractor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithCallTimeout bounds one completion call.
func WithCallTimeout(d time.Duration) ExtractorOption {
	return func(e *OpenAIExtractor) { e.callTimeout = d }
}

// NewOpenAIExtractor wires the extraction client.
func NewOpenAIExtractor(client *openai.Client, model string, opts ...ExtractorOption) *OpenAIExtractor {
	e := &OpenAIExtractor{
		client:      client,
		model:       model,
		breaker:     circuit.New("openai", circuit.WithFailureThreshold(5), circuit.WithSuccessThreshold(2)),
		logger:      slog.Default(),
		maxAttempts: 3,
		backoff:     2 * time.Second,
		callTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract runs the completion with capped exponential backoff. When the
// breaker is open the document is left for a later tick instead of burning
// quota against a failing dependency.
func (e *OpenAIExtractor) Extract(ctx context.Context, ev *evidence.Evidence) ([]CandidateFact, error) {
	if e.breaker.IsOpen() {
		// Probe with a single attempt so the breaker can close again.
		facts, err := e.attempt(ctx, ev)
		if err != nil {
			e.breaker.RecordFailure()
			return nil, fmt.Errorf("extraction unavailable: %w", sentinel.ErrUnavailable)
		}
		e.breaker.RecordSuccess()
		return facts, nil
	}

	var lastErr error
	delay := e.backoff
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		facts, err := e.attempt(ctx, ev)
		if err == nil {
			e.breaker.RecordSuccess()
			return facts, nil
		}
		lastErr = err
		if _, change := e.breaker.RecordFailure(); change.Opened {
			e.logger.Warn("extraction circuit opened", "evidence", ev.ID.String())
		}
		if attempt == e.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("extraction failed after %d attempt(s): %w", e.maxAttempts, lastErr)
}

func (e *OpenAIExtractor) attempt(ctx context.Context, ev *evidence.Evidence) ([]CandidateFact, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	resp, err := e.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: e.model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: ev.Text},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	return ParseCandidateFacts([]byte(resp.Choices[0].Message.Content))
}
