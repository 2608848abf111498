package gen

import "context"

// Request is the structured request sent to a generation service. The engine
// treats it as an opaque payload: stages build it, the Caller delivers it.
// Params carries provider-specific knobs (temperature, max tokens, ...) that
// the engine never inspects.
type Request struct {
	Model  string         `json:"model,omitempty"`
	System string         `json:"system,omitempty"`
	Prompt string         `json:"prompt"`
	Params map[string]any `json:"params,omitempty"`
}

// Usage reports the resource consumption of one call, as far as the provider
// discloses it. Zero values mean "not reported".
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
}

// Response is the structured response from a generation service. Text is the
// raw textual output; stages are responsible for any further parsing.
type Response struct {
	Text     string `json:"text"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	Usage    Usage  `json:"usage"`
}

// Caller issues one generation call. Implementations must classify every
// returned error as *TransportError, *RateLimitError, or *ValidationError
// (see the package doc); an unclassified error is treated as permanent by
// the step executor.
type Caller interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// CallerFunc adapts a function to the Caller interface. Handy for tests and
// small scripted backends.
type CallerFunc func(ctx context.Context, req Request) (*Response, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
