package openaicompat

// Option adjusts one knob on an outgoing ChatRequest. Options are set
// per provider through WithOptions and applied to every request.
type Option func(*ChatRequest)

// WithTemperature sets the sampling temperature (0 to 2, lower is more
// deterministic).
func WithTemperature(t float64) Option {
	return func(r *ChatRequest) { r.Temperature = &t }
}

// WithTopP sets the nucleus sampling cutoff.
func WithTopP(p float64) Option {
	return func(r *ChatRequest) { r.TopP = &p }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(r *ChatRequest) { r.MaxTokens = n }
}

// WithStop adds stop sequences that end generation early.
func WithStop(s ...string) Option {
	return func(r *ChatRequest) { r.Stop = s }
}

// WithSeed requests deterministic sampling where the backend honors
// seeds.
func WithSeed(s int) Option {
	return func(r *ChatRequest) { r.Seed = &s }
}

// WithJSONObject forces the json_object response format. Set through
// WithOptions it binds every request this provider sends, prose flows
// like mission summaries included.
func WithJSONObject() Option {
	return func(r *ChatRequest) { r.ResponseFormat = &ResponseFormat{Type: "json_object"} }
}
