// Package embedding turns text into unit-length vectors. OpenAI and Gemini
// are reached through genkit embedders; a local ollama server is called
// directly.
//
// Embed never returns an error value: every failure is reported in Result so
// callers can degrade without special handling.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	oaiplugin "github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"

	"github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/shared"
)

// FailureKind classifies an unsuccessful Embed.
type FailureKind string

const (
	FailureNone               FailureKind = ""
	FailureMissingCredentials FailureKind = "missing_credentials"
	FailureHTTPStatus         FailureKind = "http_status"
	FailureMalformed          FailureKind = "malformed_response"
	FailureTimeout            FailureKind = "timeout"
	FailureTransport          FailureKind = "transport"
	FailureInvalidInput       FailureKind = "invalid_input"
)

// Result is the outcome of one Embed call.
type Result struct {
	Vector []float32
	OK     bool
	Kind   FailureKind
	Err    error
}

func fail(kind FailureKind, err error) Result {
	return Result{Kind: kind, Err: err}
}

type Options struct {
	Provider   string
	Model      string
	Dimensions int
	Timeout    time.Duration
	BaseURL    string
	APIKey     string
}

const defaultOllamaURL = "http://localhost:11434"

type Client struct {
	opts    Options
	http    *http.Client
	logger  *slog.Logger
	metrics *otel.Metrics

	initOnce sync.Once
	g        *genkit.Genkit
	embedder string
}

func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	opts.Provider = strings.ToLower(strings.TrimSpace(opts.Provider))
	return &Client{opts: opts, http: &http.Client{}, logger: logger}
}

// WithHTTPClient swaps the transport used for ollama.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// WithGenkit routes openai and gemini requests to the named embedder of an
// existing genkit instance instead of initializing a provider plugin.
func (c *Client) WithGenkit(g *genkit.Genkit, embedder string) *Client {
	c.initOnce.Do(func() {})
	c.g, c.embedder = g, embedder
	return c
}

// WithMetrics records embedding latency and outcome.
func (c *Client) WithMetrics(m *otel.Metrics) *Client {
	c.metrics = m
	return c
}

func (c *Client) Dimensions() int  { return c.opts.Dimensions }
func (c *Client) Provider() string { return c.opts.Provider }
func (c *Client) Model() string    { return c.opts.Model }

// Configured reports whether the provider has what it needs to be called.
func (c *Client) Configured() error {
	switch c.opts.Provider {
	case "openai", "gemini":
		if c.opts.APIKey == "" && c.g == nil {
			return fmt.Errorf("no API key for embedding provider %s", c.opts.Provider)
		}
	case "ollama":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.opts.Provider)
	}
	return nil
}

// Embed requests a vector for text, bounded by the configured timeout.
func (c *Client) Embed(ctx context.Context, text string) Result {
	start := time.Now()
	res := c.embed(ctx, text)
	c.metrics.Embedding(ctx, c.opts.Provider, time.Since(start).Seconds(), res.OK)
	if !res.OK {
		c.logger.Warn("embedding failed",
			"provider", c.opts.Provider, "model", c.opts.Model, "kind", string(res.Kind), "error", res.Err)
	}
	return res
}

func (c *Client) embed(ctx context.Context, text string) Result {
	if strings.TrimSpace(text) == "" {
		return fail(FailureInvalidInput, errors.New("empty text"))
	}
	if err := c.Configured(); err != nil {
		return fail(FailureMissingCredentials, err)
	}
	if c.opts.Provider != "ollama" {
		c.initGenkit(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var (
		vec []float64
		res Result
	)
	if c.opts.Provider == "ollama" {
		vec, res = c.embedOllama(ctx, text)
	} else {
		vec, res = c.embedGenkit(ctx, text)
	}
	if res.Kind != FailureNone {
		return res
	}
	norm, err := Normalize(vec)
	if err != nil {
		return fail(FailureMalformed, err)
	}
	return Result{Vector: norm, OK: true}
}

// initGenkit builds the provider plugin on first use.
func (c *Client) initGenkit(ctx context.Context) {
	c.initOnce.Do(func() {
		ctx := context.WithoutCancel(ctx)
		model := c.opts.Model
		switch c.opts.Provider {
		case "openai":
			plugin := &oaiplugin.OpenAI{APIKey: c.opts.APIKey}
			if c.opts.BaseURL != "" {
				plugin.Opts = []option.RequestOption{option.WithBaseURL(c.opts.BaseURL)}
			}
			c.g = genkit.Init(ctx, genkit.WithPlugins(plugin))
			c.embedder = "openai/" + strings.TrimPrefix(model, "openai/")
		case "gemini":
			c.g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: c.opts.APIKey}))
			c.embedder = "googleai/" + strings.TrimPrefix(strings.TrimPrefix(model, "googleai/"), "models/")
		}
		c.logger.Info("genkit embedder initialized", "provider", c.opts.Provider, "embedder", c.embedder)
	})
}

func (c *Client) embedGenkit(ctx context.Context, text string) ([]float64, Result) {
	resp, err := genkit.Embed(ctx, c.g, ai.WithEmbedderName(c.embedder), ai.WithTextDocs(text))
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fail(FailureMalformed, fmt.Errorf("%s returned no embedding", c.embedder))
	}
	raw := resp.Embeddings[0].Embedding
	vec := make([]float64, len(raw))
	for i, x := range raw {
		vec[i] = float64(x)
	}
	return vec, Result{}
}

// classify maps a provider error onto a FailureKind.
func (c *Client) classify(ctx context.Context, err error) Result {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fail(FailureTimeout, fmt.Errorf("embedding request timed out after %s", c.opts.Timeout))
	}
	var oaiErr *openaisdk.Error
	if errors.As(err, &oaiErr) {
		return fail(FailureHTTPStatus, fmt.Errorf("embedding provider returned %d: %s", oaiErr.StatusCode, shared.Redact(oaiErr.Message)))
	}
	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return fail(FailureHTTPStatus, fmt.Errorf("embedding provider returned %d: %s", gErr.Code, shared.Redact(gErr.Message)))
	}
	return fail(FailureTransport, fmt.Errorf("embedding request: %s", shared.Redact(err.Error())))
}

func (c *Client) embedOllama(ctx context.Context, text string) ([]float64, Result) {
	base := strings.TrimSuffix(c.opts.BaseURL, "/")
	if base == "" {
		base = defaultOllamaURL
	}
	raw, err := json.Marshal(map[string]any{"model": strings.TrimPrefix(c.opts.Model, "ollama/"), "input": text})
	if err != nil {
		return nil, fail(FailureInvalidInput, fmt.Errorf("marshal embedding request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(base, "/v1")+"/api/embed", bytes.NewReader(raw))
	if err != nil {
		return nil, fail(FailureInvalidInput, fmt.Errorf("build embedding request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fail(FailureTimeout, fmt.Errorf("embedding response timed out after %s", c.opts.Timeout))
		}
		return nil, fail(FailureTransport, fmt.Errorf("read embedding response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fail(FailureHTTPStatus, fmt.Errorf("embedding provider returned %d: %s", resp.StatusCode, shared.Redact(snippet)))
	}
	vec, err := decodeOllama(body)
	if err != nil {
		return nil, fail(FailureMalformed, err)
	}
	return vec, Result{}
}

func decodeOllama(body []byte) ([]float64, error) {
	var out struct {
		Embeddings [][]float64 `json:"embeddings"`
		Embedding  []float64   `json:"embedding"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode ollama embedding: %w", err)
	}
	if len(out.Embeddings) > 0 && len(out.Embeddings[0]) > 0 {
		return out.Embeddings[0], nil
	}
	if len(out.Embedding) > 0 {
		return out.Embedding, nil
	}
	return nil, errors.New("ollama response has no embedding")
}

// Normalize scales v to unit length. Zero, NaN or infinite vectors are
// rejected.
func Normalize(v []float64) ([]float32, error) {
	var sum float64
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, errors.New("embedding contains non-finite values")
		}
		sum += x * x
	}
	if sum == 0 {
		return nil, errors.New("embedding is a zero vector")
	}
	n := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x / n)
	}
	return out, nil
}
