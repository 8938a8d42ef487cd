// Package gemini provides an embeddings provider backed by the Google Gemini
// API via google.golang.org/genai.
//
// Gemini embeds stored documents and search queries differently, so a
// Provider is bound to one [embeddings.Purpose] at construction: document
// providers request task type RETRIEVAL_DOCUMENT (with an optional title),
// query providers request RETRIEVAL_QUERY.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/hybridrec/pkg/provider/embeddings"
)

// DefaultModel is the default Gemini embeddings model.
const DefaultModel = "models/embedding-001"

// DefaultDimensions is the output length of [DefaultModel].
const DefaultDimensions = 768

// Task types understood by the Gemini embedding endpoint.
const (
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements [embeddings.Provider] using Gemini.
type Provider struct {
	client     *genai.Client
	model      string
	taskType   string
	title      string
	dimensions int
}

type config struct {
	baseURL    string
	title      string
	dimensions int
	timeout    time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTitle sets the document title sent with RETRIEVAL_DOCUMENT requests.
// It is ignored for query providers.
func WithTitle(title string) Option {
	return func(c *config) { c.title = title }
}

// WithDimensions requests a specific output dimensionality. Models that
// support truncation honour it; for others it must equal the native size.
func WithDimensions(dims int) Option {
	return func(c *config) { c.dimensions = dims }
}

// WithTimeout sets the HTTP timeout applied to every request.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Gemini provider for the given purpose. If model is empty
// [DefaultModel] is used.
func New(ctx context.Context, apiKey, model string, purpose embeddings.Purpose, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{dimensions: DefaultDimensions}
	for _, o := range opts {
		o(cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.baseURL
	}
	if cfg.timeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: cfg.timeout}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini embeddings: create client: %w", err)
	}

	p := &Provider{
		client:     client,
		model:      model,
		dimensions: cfg.dimensions,
	}
	switch purpose {
	case embeddings.PurposeQuery:
		p.taskType = TaskRetrievalQuery
	default:
		p.taskType = TaskRetrievalDocument
		p.title = cfg.title
	}
	return p, nil
}

// Embed implements [embeddings.Provider].
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	ec := &genai.EmbedContentConfig{TaskType: p.taskType}
	if p.title != "" {
		ec.Title = p.title
	}
	if p.dimensions > 0 {
		d := int32(p.dimensions)
		ec.OutputDimensionality = &d
	}

	resp, err := p.client.Models.EmbedContent(ctx, p.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, ec)
	if err != nil {
		return nil, wrapError(err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, &embeddings.ProviderError{Provider: "gemini", Err: errors.New("empty response")}
	}
	return resp.Embeddings[0].Values, nil
}

// Dimensions implements [embeddings.Provider].
func (p *Provider) Dimensions() int { return p.dimensions }

// ModelID implements [embeddings.Provider].
func (p *Provider) ModelID() string { return p.model }

// TaskType returns the Gemini task type this provider requests.
func (p *Provider) TaskType() string { return p.taskType }

// wrapError converts a genai failure into a [*embeddings.ProviderError].
// RESOURCE_EXHAUSTED is reported as 429 even if the transport status was
// lost.
func wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.Code
		if apiErr.Status == "RESOURCE_EXHAUSTED" {
			code = 429
		}
		return &embeddings.ProviderError{Provider: "gemini", StatusCode: code, Err: err}
	}
	return &embeddings.ProviderError{Provider: "gemini", Err: err}
}
