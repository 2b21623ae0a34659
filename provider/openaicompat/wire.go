package openaicompat

import (
	"fmt"

	"github.com/nevindra/agos"
)

// Wire types for the chat completions API. Only the fields agos reads
// or writes are modeled; everything else in a response is ignored.

// ChatRequest is the request body for POST /chat/completions.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	Seed           *int            `json:"seed,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ResponseFormat selects the completion format, e.g. json_object.
type ResponseFormat struct {
	Type string `json:"type"`
}

// Message is one conversation turn. Content is a plain string for text
// turns and []ContentBlock when the turn carries images.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentBlock is a typed fragment of a multimodal message.
type ContentBlock struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image as a URL or data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// ChatResponse is the completion response body.
type ChatResponse struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one generated completion.
type Choice struct {
	Index        int            `json:"index"`
	Message      *ChoiceMessage `json:"message,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

// ChoiceMessage is the assistant message inside a choice.
type ChoiceMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Refusal string `json:"refusal,omitempty"`
}

// Usage reports token counts for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelsResponse is the GET /models listing.
type ModelsResponse struct {
	Data []ModelEntry `json:"data"`
}

// ModelEntry is one model in the listing.
type ModelEntry struct {
	ID string `json:"id"`
}

// BuildBody assembles the wire request for a conversation. Turns with
// images become content-block arrays holding base64 data URIs, which
// is how flood photos reach the vision model; text turns stay plain
// strings.
func BuildBody(messages []agos.ChatMessage, model string, opts ...Option) ChatRequest {
	req := ChatRequest{Model: model}
	for _, m := range messages {
		req.Messages = append(req.Messages, Message{Role: m.Role, Content: contentOf(m)})
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// contentOf picks the wire shape for one message.
func contentOf(m agos.ChatMessage) any {
	if len(m.Images) == 0 {
		return m.Content
	}
	blocks := make([]ContentBlock, 0, len(m.Images)+1)
	if m.Content != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: m.Content})
	}
	for _, img := range m.Images {
		blocks = append(blocks, ContentBlock{
			Type:     "image_url",
			ImageURL: &ImageURL{URL: dataURI(img)},
		})
	}
	return blocks
}

// dataURI inlines an image for backends that do not fetch URLs.
func dataURI(img agos.ImageData) string {
	return fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64)
}

// ParseResponse maps the wire response onto agos.ChatResponse. Only
// the first choice is read; n>1 is never requested.
func ParseResponse(resp ChatResponse) (agos.ChatResponse, error) {
	var out agos.ChatResponse
	if resp.Usage != nil {
		out.Usage = agos.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		out.Content = resp.Choices[0].Message.Content
	}
	return out, nil
}
