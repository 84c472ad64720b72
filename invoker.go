package planogram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

// GenAIInvoker implements Invoker with the Google GenAI client.
type GenAIInvoker struct {
	client     *genai.Client
	log        *slog.Logger
	pricing    map[string]ModelPrice
	maxRetries int
	backoff    time.Duration
}

// InvokerOption configures a GenAIInvoker.
type InvokerOption func(*GenAIInvoker)

// WithInvokerLogger sets the invoker's logger.
func WithInvokerLogger(l *slog.Logger) InvokerOption {
	return func(g *GenAIInvoker) { g.log = l }
}

// WithInvokerPricing replaces the pricing table used to cost responses.
func WithInvokerPricing(p map[string]ModelPrice) InvokerOption {
	return func(g *GenAIInvoker) { g.pricing = p }
}

// WithTransportRetry retries transport failures with exponential backoff.
// Quota and output errors are never retried here; the stage runner falls
// back to another model instead.
func WithTransportRetry(max int, backoff time.Duration) InvokerOption {
	return func(g *GenAIInvoker) {
		g.maxRetries = max
		g.backoff = backoff
	}
}

// NewGenAIInvoker wraps an initialised client.
func NewGenAIInvoker(client *genai.Client, opts ...InvokerOption) *GenAIInvoker {
	g := &GenAIInvoker{client: client, log: slog.Default(), pricing: DefaultModelPricing()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewGeminiClient creates a Gemini API client from an API key.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

// Invoke sends the prompt and media with a JSON response schema.
func (g *GenAIInvoker) Invoke(ctx context.Context, req *Request) (*Response, error) {
	if g.client == nil {
		return nil, &InvocationError{Model: req.Model, Kind: ErrTransport, Err: fmt.Errorf("client not initialized")}
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	for _, p := range req.Media {
		if gp := p.toGenAI(); gp != nil {
			parts = append(parts, gp)
		}
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      req.Temperature,
	}
	if req.Schema != nil {
		config.ResponseSchema = req.Schema.GenAI()
	}

	g.log.Debug("Generating content",
		"model", req.Model,
		"prompt_length", len(req.Prompt),
		"media_count", len(req.Media),
		"media_bytes", mediaBytes(req.Media),
		"typed_schema", req.Schema != nil)

	var resp *genai.GenerateContentResponse
	err := retryable(func() error {
		var genErr error
		resp, genErr = g.client.Models.GenerateContent(ctx, req.Model, contents, config)
		if genErr != nil {
			ie := classifyError(req.Model, genErr)
			if ie.Kind != ErrTransport {
				return permanent{ie}
			}
			return ie
		}
		return nil
	}, g.maxRetries, g.backoff, g.log)
	if err != nil {
		return nil, classifyError(req.Model, unwrapPermanent(err))
	}

	raw, err := responseText(resp)
	if err != nil {
		return nil, &InvocationError{Model: req.Model, Kind: ErrInvalidOutput, Err: err}
	}

	var usage Usage
	if md := resp.UsageMetadata; md != nil {
		usage.InputTokens = int(md.PromptTokenCount)
		usage.OutputTokens = int(md.CandidatesTokenCount)
	}
	cost := CostOf(g.pricing, req.Model, usage)

	g.log.Debug("Generated content",
		"model", req.Model,
		"response_length", len(raw),
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"cost", cost)
	return &Response{Raw: raw, Usage: usage, Cost: cost}, nil
}

func responseText(resp *genai.GenerateContentResponse) ([]byte, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return nil, fmt.Errorf("no parts in candidate content (finish reason %q)", candidate.FinishReason)
	}
	var text string
	for _, p := range candidate.Content.Parts {
		text += p.Text
	}
	if text == "" {
		return nil, fmt.Errorf("no text in response")
	}
	return []byte(text), nil
}
