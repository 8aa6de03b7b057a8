// Package providers runs chat-completion requests against LLM vendors and
// streams the results back over the message bus. Each (workspace, thread)
// pair gets one Provider instance that owns the in-flight workflow.
package providers

import (
	"github.com/lixpi/llm-api/internal/attachments"
	"github.com/lixpi/llm-api/internal/usage"
)

// Vendor adapter names as they appear in requests and published events.
const (
	NameOpenAI    = "OpenAI"
	NameAnthropic = "Anthropic"
)

// Message is one chat turn. Content is either a plain string or a list of
// content blocks.
type Message struct {
	Role    string              `json:"role"`
	Content attachments.Content `json:"content"`
}

// ModelMetaInfo describes the model a request targets, including pricing.
type ModelMetaInfo struct {
	Provider             string             `json:"provider"`
	ModelVersion         string             `json:"modelVersion"`
	SupportsSystemPrompt bool               `json:"supportsSystemPrompt"`
	MaxCompletionSize    int64              `json:"maxCompletionSize"`
	DefaultTemperature   *float64           `json:"defaultTemperature,omitempty"`
	Pricing              usage.ModelPricing `json:"pricing"`
}

// ChatRequest is the inbound request envelope.
type ChatRequest struct {
	WorkspaceID           string         `json:"workspaceId"`
	AIChatThreadID        string         `json:"aiChatThreadId"`
	AIModelMetaInfo       ModelMetaInfo  `json:"aiModelMetaInfo"`
	Messages              []Message      `json:"messages"`
	EventMeta             map[string]any `json:"eventMeta,omitempty"`
	Temperature           *float64       `json:"temperature,omitempty"`
	EnableImageGeneration bool           `json:"enableImageGeneration,omitempty"`
	ImageSize             string         `json:"imageSize,omitempty"`
}

// ImageUsage counts generated images for accounting.
type ImageUsage struct {
	Size    string
	Quality string
	Count   int
}

// RequestState threads through the workflow stages. The vendor adapter
// mutates the output fields; everything else is fixed at request intake.
type RequestState struct {
	Request     ChatRequest
	InstanceKey string

	Provider     string
	ModelVersion string
	// Temperature is nil when neither the request nor the model metadata
	// supplied one; the vendor default applies.
	Temperature       *float64
	MaxCompletionSize int64

	StreamActive        bool
	Usage               usage.TokenUsage
	UsagePopulated      bool
	ImageUsage          *ImageUsage
	ResponseID          string
	AIVendorRequestID   string
	AIRequestReceivedAt int64
	AIRequestFinishedAt int64

	ErrorCode string
	ErrorType string
}
