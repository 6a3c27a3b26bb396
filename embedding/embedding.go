// Package embedding declares the capability interface the retrieval and
// maintenance packages use to turn memory text into vectors, plus a null
// object so semantic search degrades cleanly when no provider is
// configured (spec.md §9, §4.5 "Semantic search").
package embedding

import (
	"context"
	"fmt"
)

// Embedder represents a service that can generate embeddings from text.
type Embedder interface {
	// Name returns the name of the embedding provider, stored alongside
	// each vector row so a later model change can be detected.
	Name() string

	// Dimensions returns the fixed dimensionality of vectors this
	// Embedder produces.
	Dimensions() int

	// Embed creates one embedding vector per input string, in order.
	Embed(ctx context.Context, opts ...Option) (*Response, error)
}

// Vector is a single embedding.
type Vector []float32

// Response is the result of an embedding generation request.
type Response struct {
	Vectors []Vector       `json:"vectors"`
	Model   string         `json:"model,omitempty"`
	Usage   Usage          `json:"usage,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Usage reports token usage for an embedding request.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Config configures an embedding request. Either Input or Inputs must be
// set.
type Config struct {
	Input      string
	Inputs     []string
	Model      string
	Dimensions int
	User       string
}

// Option configures an embedding request.
type Option func(*Config)

// Apply runs every option against c.
func (c *Config) Apply(opts []Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// WithInput sets a single input string.
func WithInput(input string) Option { return func(c *Config) { c.Input = input } }

// WithInputs sets a batch of input strings.
func WithInputs(inputs []string) Option { return func(c *Config) { c.Inputs = inputs } }

// WithModel overrides the provider's default model.
func WithModel(model string) Option { return func(c *Config) { c.Model = model } }

// WithDimensions sets the requested vector dimensionality.
func WithDimensions(d int) Option { return func(c *Config) { c.Dimensions = d } }

// WithUser sets the end-user identifier passed to the provider.
func WithUser(user string) Option { return func(c *Config) { c.User = user } }

// Validate checks that exactly one of Input/Inputs is set and that
// Dimensions is not negative.
func (c *Config) Validate() error {
	if c.Dimensions < 0 {
		return fmt.Errorf("embedding: dimensions must not be negative")
	}
	if c.Input == "" && len(c.Inputs) == 0 {
		return fmt.Errorf("embedding: input is required")
	}
	if c.Input != "" && len(c.Inputs) > 0 {
		return fmt.Errorf("embedding: input and inputs cannot both be set")
	}
	return nil
}

// AsSlice returns the input(s) as a string slice regardless of which
// field was set.
func (c *Config) AsSlice() []string {
	if c.Input != "" {
		return []string{c.Input}
	}
	return c.Inputs
}

// NullEmbedder implements Embedder but returns no vectors. Used when no
// embedding provider is configured; semantic search callers treat an
// empty response the same as "no vector index available" per spec §4.5.
type NullEmbedder struct{}

var _ Embedder = NullEmbedder{}

func (NullEmbedder) Name() string       { return "null" }
func (NullEmbedder) Dimensions() int    { return 0 }

func (NullEmbedder) Embed(ctx context.Context, opts ...Option) (*Response, error) {
	cfg := &Config{}
	cfg.Apply(opts)
	return &Response{Model: "null"}, nil
}
