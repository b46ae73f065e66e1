// Package llm wraps the model provider behind a small interface: one
// buffered call and one token-incremental call. Everything above this
// package treats the model as an opaque text oracle.
package llm

import "context"

// Request is one generation call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	// WebSearch permits browsing-tool augmentation when the provider
	// supports it.
	WebSearch bool
}

// Chunk is one fragment of a token-incremental response. A non-nil Err is
// terminal; no further chunks follow it.
type Chunk struct {
	Text string
	Err  error
}

// Provider exposes the two call shapes the orchestration needs.
type Provider interface {
	// Generate runs a buffered call and returns the full response text.
	Generate(ctx context.Context, req Request) (string, error)
	// GenerateStream runs a token-incremental call. The returned channel
	// is closed when the stream ends; a Chunk with Err set reports a
	// mid-stream failure.
	GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error)
}
