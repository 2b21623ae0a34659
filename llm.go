package agos

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// --- LLM protocol types ---

// ChatMessage is one turn of an LLM conversation.
type ChatMessage struct {
	Role    string      `json:"role"` // "system", "user", "assistant"
	Content string      `json:"content"`
	Images  []ImageData `json:"images,omitempty"`
}

// ImageData is inline image content for vision requests.
type ImageData struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// ChatRequest is the provider-agnostic request shape.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// ChatResponse is the provider-agnostic response shape.
type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// UserMessage builds a user-role chat message.
func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

// SystemMessage builds a system-role chat message.
func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

// AssistantMessage builds an assistant-role chat message.
func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "ollama").
	Name() string
}

// ModelLister is an optional Provider capability used by health checks.
type ModelLister interface {
	Models(ctx context.Context) ([]string, error)
}

// --- structured extraction results ---

// TextAnalysis is the structured extraction from a free-text report.
type TextAnalysis struct {
	Location   string     `json:"location"`
	Severity   float64    `json:"severity"`
	Confidence float64    `json:"confidence"`
	ReportType ReportType `json:"report_type"`
	Passable   bool       `json:"passable"`
}

// Advisory is a parsed weather advisory.
type Advisory struct {
	Type          string   `json:"advisory_type"` // rainfall | thunderstorm | flood | general
	WarningColor  string   `json:"warning_color"` // yellow | orange | red
	AffectedAreas []string `json:"affected_areas"`
	Summary       string   `json:"summary"`
	IssuedAt      string   `json:"issued_at,omitempty"`
}

// DistressAssessment is the structured classification of a distress
// message.
type DistressAssessment struct {
	Urgency      string `json:"urgency"` // critical | high | medium | low
	Injury       bool   `json:"injury"`
	Children     bool   `json:"children"`
	Elderly      bool   `json:"elderly"`
	Mobility     bool   `json:"mobility"`
	LocationName string `json:"location_name"`
}

// Health is the facade's health snapshot.
type Health struct {
	Available bool      `json:"available"`
	Models    []string  `json:"models,omitempty"`
	CacheSize int       `json:"cache_size"`
	LastCheck time.Time `json:"last_check"`
}

// --- facade ---

const (
	llmCacheTTL  = 5 * time.Minute
	llmCacheMax  = 100
	llmHealthTTL = time.Minute

	// ProcessingVersion is tagged on scout batches; bump when prompts
	// or the rule-based pipeline change.
	ProcessingVersion = "v2"
)

// serviceConfig holds options accumulated by ServiceOption calls.
type serviceConfig struct {
	logger       *slog.Logger
	fileFallback bool
	clock        func() time.Time
	vision       Provider
}

// ServiceOption configures an LLMService.
type ServiceOption func(*serviceConfig)

// WithServiceLogger sets the structured logger for the facade.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(c *serviceConfig) { c.logger = l }
}

// WithFilenameFallback enables the deterministic filename-pattern image
// analyzer when the vision model is unavailable.
func WithFilenameFallback() ServiceOption {
	return func(c *serviceConfig) { c.fileFallback = true }
}

// WithVisionProvider routes image analysis to a dedicated multimodal
// provider. Text calls stay on the primary.
func WithVisionProvider(p Provider) ServiceOption {
	return func(c *serviceConfig) { c.vision = p }
}

type cacheEntry struct {
	value    string
	storedAt time.Time
	lastUsed time.Time
}

// LLMService is the caching facade over a Provider. All methods are
// safe for concurrent use and never panic on provider failure: the
// structured extractors return ok=false and log instead.
type LLMService struct {
	provider Provider
	vision   Provider

	mu    sync.Mutex
	cache map[string]*cacheEntry

	healthMu  sync.Mutex
	healthOK  bool
	healthAt  time.Time
	modelList []string

	fileFallback bool
	logger       *slog.Logger
	clock        func() time.Time
}

// NewLLMService creates the facade. provider may be nil: every call then
// degrades to its deterministic fallback (or empty result).
func NewLLMService(provider Provider, opts ...ServiceOption) *LLMService {
	cfg := serviceConfig{clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return &LLMService{
		provider:     provider,
		vision:       cfg.vision,
		cache:        make(map[string]*cacheEntry),
		fileFallback: cfg.fileFallback,
		logger:       cfg.logger,
		clock:        cfg.clock,
	}
}

// IsAvailable reports provider health, cached for one minute.
func (s *LLMService) IsAvailable(ctx context.Context) bool {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	if time.Since(s.healthAt) < llmHealthTTL {
		return s.healthOK
	}
	s.healthAt = time.Now()
	s.healthOK = false
	if s.provider == nil {
		return false
	}
	if ml, ok := s.provider.(ModelLister); ok {
		models, err := ml.Models(ctx)
		if err != nil {
			s.logger.Warn("llm: health check failed", "err", err)
			return false
		}
		s.modelList = models
		s.healthOK = true
		return true
	}
	// Provider without model listing: assume reachable until a call fails.
	s.healthOK = true
	return true
}

// GetHealth returns the current health snapshot.
func (s *LLMService) GetHealth(ctx context.Context) Health {
	available := s.IsAvailable(ctx)
	s.healthMu.Lock()
	models := append([]string(nil), s.modelList...)
	last := s.healthAt
	s.healthMu.Unlock()
	s.mu.Lock()
	size := len(s.cache)
	s.mu.Unlock()
	return Health{Available: available, Models: models, CacheSize: size, LastCheck: last}
}

// TextChat sends a single-prompt chat and returns the response text.
func (s *LLMService) TextChat(ctx context.Context, prompt string) (string, error) {
	return s.TextChatMulti(ctx, []ChatMessage{UserMessage(prompt)})
}

// TextChatMulti sends a multi-turn conversation. Responses are cached
// by content hash for five minutes.
func (s *LLMService) TextChatMulti(ctx context.Context, messages []ChatMessage) (string, error) {
	if s.provider == nil {
		return "", &ErrLLM{Provider: "none", Message: "no provider configured"}
	}
	key := hashMessages(messages)
	if v, ok := s.cacheGet(key); ok {
		return v, nil
	}
	resp, err := s.provider.Chat(ctx, ChatRequest{Messages: messages})
	if err != nil {
		s.noteFailure(err)
		return "", err
	}
	s.cachePut(key, resp.Content)
	return resp.Content, nil
}

// AnalyzeTextReport extracts a structured flood observation from free
// text. Returns ok=false when the LLM is unavailable or the reply could
// not be parsed; callers then use their rule-based fallback.
func (s *LLMService) AnalyzeTextReport(ctx context.Context, text string) (TextAnalysis, bool) {
	const prompt = `Extract flood information from this report. Reply with strict JSON only:
{"location": "<place name or empty>", "severity": <0.0-1.0>, "confidence": <0.0-1.0>,
 "report_type": "<flood|clear|blocked|flooded|traffic|observation>", "passable": <true|false>}

Report: `
	out, err := s.TextChat(ctx, prompt+text)
	if err != nil {
		s.logger.Debug("llm: text report analysis unavailable", "err", err)
		return TextAnalysis{}, false
	}
	var ta TextAnalysis
	if !ExtractJSON(out, &ta) {
		s.logger.Debug("llm: text report reply not parseable", "reply_len", len(out))
		return TextAnalysis{}, false
	}
	ta.Severity = clamp01(ta.Severity)
	ta.Confidence = clamp01(ta.Confidence)
	return ta, true
}

// AnalyzeFloodImage runs vision analysis on an image file. When the
// vision model is unavailable and the filename fallback is enabled, a
// deterministic filename-pattern analyzer stands in.
func (s *LLMService) AnalyzeFloodImage(ctx context.Context, path string) (VisualEvidence, bool) {
	if s.provider != nil && s.IsAvailable(ctx) {
		if ve, ok := s.analyzeImageLLM(ctx, path); ok {
			return ve, true
		}
	}
	if s.fileFallback {
		return simulatedImageAnalysis(path)
	}
	return VisualEvidence{}, false
}

func (s *LLMService) analyzeImageLLM(ctx context.Context, path string) (VisualEvidence, bool) {
	img, mime, err := readImageBase64(path)
	if err != nil {
		s.logger.Warn("llm: cannot read image", "path", path, "err", err)
		return VisualEvidence{}, false
	}
	key := imageCacheKey(path)
	if v, ok := s.cacheGet(key); ok {
		var ve VisualEvidence
		if ExtractJSON(v, &ve) {
			return ve, true
		}
	}
	const prompt = `Analyze this flood photo. Reply with strict JSON only:
{"estimated_depth_m": <meters>, "risk_score": <0.0-1.0>,
 "vehicles_passable": ["<truck|suv|sedan|motorcycle|none>", ...],
 "visual_indicators": ["<what you see>", ...], "confidence": <0.0-1.0>}`
	msg := UserMessage(prompt)
	msg.Images = []ImageData{{MimeType: mime, Base64: img}}
	resp, err := s.visionProvider().Chat(ctx, ChatRequest{Messages: []ChatMessage{msg}})
	if err != nil {
		s.noteFailure(err)
		s.logger.Debug("llm: image analysis failed", "err", err)
		return VisualEvidence{}, false
	}
	var ve VisualEvidence
	if !ExtractJSON(resp.Content, &ve) {
		return VisualEvidence{}, false
	}
	s.cachePut(key, resp.Content)
	ve.RiskScore = clamp01(ve.RiskScore)
	ve.Confidence = clamp01(ve.Confidence)
	return ve, true
}

// ParseAdvisory extracts a structured warning from advisory text.
func (s *LLMService) ParseAdvisory(ctx context.Context, text string) (Advisory, bool) {
	const prompt = `Parse this weather advisory. Reply with strict JSON only:
{"advisory_type": "<rainfall|thunderstorm|flood|general>",
 "warning_color": "<yellow|orange|red|>",
 "affected_areas": ["<area>", ...], "summary": "<one sentence>"}

Advisory: `
	out, err := s.TextChat(ctx, prompt+text)
	if err != nil {
		return Advisory{}, false
	}
	var adv Advisory
	if !ExtractJSON(out, &adv) {
		return Advisory{}, false
	}
	return adv, true
}

// ClassifyDistress classifies a distress message. Returns ok=false on
// any failure; callers apply the documented defaults.
func (s *LLMService) ClassifyDistress(ctx context.Context, message string) (DistressAssessment, bool) {
	const prompt = `Classify this distress message. Reply with strict JSON only:
{"urgency": "<critical|high|medium|low>", "injury": <bool>, "children": <bool>,
 "elderly": <bool>, "mobility": <bool>, "location_name": "<place or empty>"}

Message: `
	out, err := s.TextChat(ctx, prompt+message)
	if err != nil {
		return DistressAssessment{}, false
	}
	var da DistressAssessment
	if !ExtractJSON(out, &da) {
		return DistressAssessment{}, false
	}
	switch da.Urgency {
	case "critical", "high", "medium", "low":
	default:
		da.Urgency = "medium"
	}
	return da, true
}

// visionProvider picks the provider for image analysis.
func (s *LLMService) visionProvider() Provider {
	if s.vision != nil {
		return s.vision
	}
	return s.provider
}

// noteFailure flips cached health to unavailable so subsequent calls
// short-circuit until the TTL expires.
func (s *LLMService) noteFailure(err error) {
	s.healthMu.Lock()
	s.healthOK = false
	s.healthAt = time.Now()
	s.healthMu.Unlock()
	s.logger.Warn("llm: provider call failed", "err", err)
}

// --- response cache (TTL + LRU bounded) ---

func (s *LLMService) cacheGet(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok {
		return "", false
	}
	if s.clock().Sub(e.storedAt) > llmCacheTTL {
		delete(s.cache, key)
		return "", false
	}
	e.lastUsed = s.clock()
	return e.value, true
}

func (s *LLMService) cachePut(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cache) >= llmCacheMax {
		// Evict least-recently-used.
		var oldest string
		var oldestAt time.Time
		for k, e := range s.cache {
			if oldest == "" || e.lastUsed.Before(oldestAt) {
				oldest, oldestAt = k, e.lastUsed
			}
		}
		delete(s.cache, oldest)
	}
	now := s.clock()
	s.cache[key] = &cacheEntry{value: value, storedAt: now, lastUsed: now}
}

// CacheSize returns the number of cached responses.
func (s *LLMService) CacheSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

func hashMessages(messages []ChatMessage) string {
	h := md5.New()
	for _, m := range messages {
		fmt.Fprintf(h, "%s\x00%s\x00", m.Role, m.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func imageCacheKey(path string) string {
	key := path
	if fi, err := os.Stat(path); err == nil {
		key = fmt.Sprintf("%s|%d", path, fi.ModTime().UnixNano())
	}
	sum := md5.Sum([]byte(key))
	return "img:" + hex.EncodeToString(sum[:])
}

func readImageBase64(path string) (data, mime string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		mime = "image/png"
	case ".webp":
		mime = "image/webp"
	default:
		mime = "image/jpeg"
	}
	return base64.StdEncoding.EncodeToString(raw), mime, nil
}

// --- simulated analyzer ---

// simulatedImageAnalysis infers severity from filename patterns. It is
// the deterministic stand-in for the vision model: predictable output
// for demo fixtures named like "marcos_highway_waist_deep.jpg".
func simulatedImageAnalysis(path string) (VisualEvidence, bool) {
	name := strings.ToLower(filepath.Base(path))
	type pattern struct {
		keys     []string
		depth    float64
		risk     float64
		passable []string
	}
	patterns := []pattern{
		{[]string{"chest", "neck", "lubog", "submerged"}, 1.4, 1.0, []string{"none"}},
		{[]string{"waist", "baywang", "deep"}, 0.9, 0.85, []string{"truck"}},
		{[]string{"knee", "tuhod"}, 0.5, 0.6, []string{"truck", "suv"}},
		{[]string{"ankle", "gutter", "shallow"}, 0.15, 0.25, []string{"truck", "suv", "sedan"}},
		{[]string{"flood", "baha"}, 0.4, 0.5, []string{"truck", "suv"}},
	}
	for _, p := range patterns {
		for _, k := range p.keys {
			if strings.Contains(name, k) {
				return VisualEvidence{
					EstimatedDepthM:  p.depth,
					RiskScore:        p.risk,
					VehiclesPassable: p.passable,
					Indicators:       []string{"simulated: filename pattern \"" + k + "\""},
					Confidence:       0.4,
				}, true
			}
		}
	}
	return VisualEvidence{}, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
