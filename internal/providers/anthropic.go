package providers

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/lixpi/llm-api/internal/attachments"
	"github.com/lixpi/llm-api/internal/prompts"
	"go.uber.org/zap"
)

// Anthropic requires max_tokens on every request.
const defaultAnthropicMaxTokens = 4096

// messageStream is the slice of the vendor SSE stream the adapter consumes.
type messageStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
	Close() error
}

type anthropicAdapter struct {
	client  anthropic.Client
	objects attachments.ObjectFetcher
	logger  *zap.Logger

	// open is swappable so streams can be faked in tests.
	open func(ctx context.Context, params anthropic.MessageNewParams) messageStream
}

func newAnthropicAdapter(apiKey string, objects attachments.ObjectFetcher, logger *zap.Logger) *anthropicAdapter {
	a := &anthropicAdapter{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		objects: objects,
		logger:  logger,
	}
	a.open = func(ctx context.Context, params anthropic.MessageNewParams) messageStream {
		return a.client.Messages.NewStreaming(ctx, params)
	}
	return a
}

func (a *anthropicAdapter) name() string { return NameAnthropic }

func (a *anthropicAdapter) stream(ctx context.Context, run *streamRun) error {
	params := a.buildParams(ctx, run.state)

	stream := a.open(ctx, params)
	defer stream.Close()

	state := run.state
	for stream.Next() {
		if run.stopped() {
			a.logger.Info("Stream cancelled")
			return nil
		}
		event := stream.Current()
		switch event.Type {
		case "message_start":
			state.AIVendorRequestID = event.Message.ID
			state.Usage.PromptTokens = event.Message.Usage.InputTokens
		case "content_block_delta":
			if event.Delta.Text != "" {
				run.em.chunk(event.Delta.Text)
			}
		case "message_delta":
			state.Usage.CompletionTokens = event.Usage.OutputTokens
		}
	}

	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		// The circuit-breaker deadline surfaces through the stream; it is
		// not a vendor failure.
		if errors.Is(err, context.DeadlineExceeded) {
			return context.DeadlineExceeded
		}
		return &VendorError{Message: err.Error()}
	}

	// No audio or reasoning token counts from this vendor.
	state.Usage.TotalTokens = state.Usage.PromptTokens + state.Usage.CompletionTokens
	state.UsagePopulated = state.Usage.TotalTokens > 0
	return nil
}

func (a *anthropicAdapter) buildParams(ctx context.Context, state *RequestState) anthropic.MessageNewParams {
	maxTokens := state.MaxCompletionSize
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(state.ModelVersion),
		MaxTokens: maxTokens,
		Messages:  a.buildMessages(ctx, state),
		System:    []anthropic.TextBlockParam{{Text: prompts.System()}},
	}
	if state.Temperature != nil {
		params.Temperature = anthropic.Float(*state.Temperature)
	}
	return params
}

// buildMessages converts the request history into vendor messages. The
// code-block-formatting suffix is appended to the last user message only.
func (a *anthropicAdapter) buildMessages(ctx context.Context, state *RequestState) []anthropic.MessageParam {
	msgs := state.Request.Messages
	lastUser := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			lastUser = i
			break
		}
	}

	out := make([]anthropic.MessageParam, 0, len(msgs))
	for i, msg := range msgs {
		content := attachments.ResolveImageURLs(ctx, msg.Content, a.objects, a.logger)
		content = attachments.ConvertForProvider(content, attachments.FormatAnthropic, a.logger)

		var blocks []anthropic.ContentBlockParamUnion
		if content.IsText() {
			text := content.Text
			if i == lastUser {
				text = prompts.FormatUserMessageWithHack(text, NameAnthropic)
			}
			blocks = []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(text)}
		} else {
			blocks = blocksToAnthropicContent(content.Blocks)
			if i == lastUser {
				blocks = append(blocks, anthropic.NewTextBlock(prompts.AnthropicSuffix()))
			}
		}

		role := anthropic.MessageParamRoleUser
		if msg.Role == "assistant" {
			role = anthropic.MessageParamRoleAssistant
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out
}

func blocksToAnthropicContent(blocks []attachments.Block) []anthropic.ContentBlockParamUnion {
	var out []anthropic.ContentBlockParamUnion
	for _, block := range blocks {
		switch block.Type {
		case "text":
			out = append(out, anthropic.NewTextBlock(block.Text))
		case "image":
			if block.Source == nil {
				continue
			}
			if block.Source.Type == "base64" {
				out = append(out, anthropic.NewImageBlock(anthropic.Base64ImageSourceParam{
					MediaType: anthropic.Base64ImageSourceMediaType(block.Source.MediaType),
					Data:      block.Source.Data,
				}))
			} else {
				out = append(out, anthropic.NewImageBlock(anthropic.URLImageSourceParam{
					URL: block.Source.URL,
				}))
			}
		case "document":
			if block.Source == nil || block.Source.Type != "base64" {
				continue
			}
			out = append(out, anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{
				Data: block.Source.Data,
			}))
		}
	}
	return out
}
