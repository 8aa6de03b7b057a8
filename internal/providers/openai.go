package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/lixpi/llm-api/internal/attachments"
	"github.com/lixpi/llm-api/internal/metrics"
	"github.com/lixpi/llm-api/internal/prompts"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"go.uber.org/zap"
)

// Fixed image generation policy.
const (
	imageQuality       = "low"
	imageModeration    = "low"
	imageInputFidelity = "high"
	imagePartialCount  = 3
	imageDefaultSize   = "1024x1024"

	// Completed generations are billed at the high tier regardless of the
	// requested tool quality.
	imageBillingQuality = "high"
)

// responseStream is the slice of the vendor SSE stream the adapter consumes.
type responseStream interface {
	Next() bool
	Current() responses.ResponseStreamEventUnion
	Err() error
	Close() error
}

type openAIAdapter struct {
	client   openai.Client
	uploader ImageUploader
	objects  attachments.ObjectFetcher
	logger   *zap.Logger

	// open is swappable so streams can be faked in tests.
	open func(ctx context.Context, params responses.ResponseNewParams) responseStream
}

func newOpenAIAdapter(apiKey string, uploader ImageUploader, objects attachments.ObjectFetcher, logger *zap.Logger) *openAIAdapter {
	a := &openAIAdapter{
		client:   openai.NewClient(option.WithAPIKey(apiKey)),
		uploader: uploader,
		objects:  objects,
		logger:   logger,
	}
	a.open = func(ctx context.Context, params responses.ResponseNewParams) responseStream {
		return a.client.Responses.NewStreaming(ctx, params)
	}
	return a
}

func (a *openAIAdapter) name() string { return NameOpenAI }

func (a *openAIAdapter) stream(ctx context.Context, run *streamRun) error {
	params := a.buildParams(ctx, run.state)

	stream := a.open(ctx, params)
	defer stream.Close()

	for stream.Next() {
		if run.stopped() {
			a.logger.Info("Stream cancelled")
			return nil
		}
		if err := a.dispatch(ctx, run, stream.Current()); err != nil {
			return err
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
	return nil
}

func (a *openAIAdapter) buildParams(ctx context.Context, state *RequestState) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model: state.ModelVersion,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: a.buildInput(ctx, state),
		},
		Store: openai.Bool(false),
	}
	if state.Temperature != nil {
		params.Temperature = openai.Float(*state.Temperature)
	}
	if state.Request.AIModelMetaInfo.SupportsSystemPrompt {
		params.Instructions = openai.String(prompts.System())
	}
	if state.MaxCompletionSize > 0 {
		params.MaxOutputTokens = openai.Int(state.MaxCompletionSize)
	}
	if state.Request.EnableImageGeneration {
		params.Tools = []responses.ToolUnionParam{{
			OfImageGeneration: &responses.ToolImageGenerationParam{
				Quality:       imageQuality,
				Moderation:    imageModeration,
				InputFidelity: imageInputFidelity,
				PartialImages: openai.Int(imagePartialCount),
				Size:          imageDefaultSize,
			},
		}}
	}
	return params
}

func (a *openAIAdapter) buildInput(ctx context.Context, state *RequestState) responses.ResponseInputParam {
	var items responses.ResponseInputParam
	for _, msg := range state.Request.Messages {
		content := attachments.ResolveImageURLs(ctx, msg.Content, a.objects, a.logger)
		content = attachments.ConvertForProvider(content, attachments.FormatOpenAI, a.logger)

		item := responses.ResponseInputItemUnionParam{
			OfMessage: &responses.EasyInputMessageParam{
				Role: responses.EasyInputMessageRole(msg.Role),
			},
		}
		if content.IsText() {
			item.OfMessage.Content = responses.EasyInputMessageContentUnionParam{
				OfString: openai.String(content.Text),
			}
		} else {
			item.OfMessage.Content = responses.EasyInputMessageContentUnionParam{
				OfInputItemContentList: blocksToContentList(content.Blocks),
			}
		}
		items = append(items, item)
	}
	return items
}

func blocksToContentList(blocks []attachments.Block) responses.ResponseInputMessageContentListParam {
	var list responses.ResponseInputMessageContentListParam
	for _, block := range blocks {
		switch block.Type {
		case "input_text":
			list = append(list, responses.ResponseInputContentUnionParam{
				OfInputText: &responses.ResponseInputTextParam{Text: block.Text},
			})
		case "input_image":
			list = append(list, responses.ResponseInputContentUnionParam{
				OfInputImage: &responses.ResponseInputImageParam{
					ImageURL: openai.String(block.ImageURL),
					Detail:   responses.ResponseInputImageDetail(block.Detail),
				},
			})
		case "file":
			if block.File != nil {
				list = append(list, responses.ResponseInputContentUnionParam{
					OfInputFile: &responses.ResponseInputFileParam{
						FileData: openai.String(block.File.URL),
						Filename: openai.String("attachment"),
					},
				})
			}
		}
	}
	return list
}

func (a *openAIAdapter) dispatch(ctx context.Context, run *streamRun, event responses.ResponseStreamEventUnion) error {
	state := run.state
	switch event.Type {
	case "response.output_text.delta":
		run.em.chunk(event.Delta.OfString)

	case "response.image_generation_call.partial_image":
		a.publishPartialImage(ctx, run, event.PartialImageB64, int(event.PartialImageIndex))

	case "response.completed":
		resp := event.Response
		state.ResponseID = resp.ID
		state.AIVendorRequestID = resp.ID
		state.Usage.PromptTokens = resp.Usage.InputTokens
		state.Usage.PromptCachedTokens = resp.Usage.InputTokensDetails.CachedTokens
		state.Usage.CompletionTokens = resp.Usage.OutputTokens
		state.Usage.CompletionReasoningTokens = resp.Usage.OutputTokensDetails.ReasoningTokens
		state.Usage.TotalTokens = resp.Usage.TotalTokens
		state.UsagePopulated = true
		a.publishCompletedImages(ctx, run, resp)

	case "response.failed":
		respErr := event.Response.Error
		vendorErr := &VendorError{
			Message: respErr.Message,
			Code:    string(respErr.Code),
			Type:    failureType(event),
		}
		run.em.vendorError(vendorErr.Message, vendorErr.Code, vendorErr.Type)
		return vendorErr
	}
	return nil
}

// revisedPrompt digs the prompt rewrite out of the raw output item; the
// typed output item union does not carry the field.
func revisedPrompt(item responses.ResponseOutputItemUnion) string {
	raw := item.RawJSON()
	if raw == "" {
		return ""
	}
	var payload struct {
		RevisedPrompt string `json:"revised_prompt"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return ""
	}
	return payload.RevisedPrompt
}

// failureType digs the error "type" field out of the raw event payload;
// the typed response error only carries code and message.
func failureType(event responses.ResponseStreamEventUnion) string {
	raw := event.RawJSON()
	if raw == "" {
		return ""
	}
	var payload struct {
		Response struct {
			Error struct {
				Type string `json:"type"`
			} `json:"error"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return ""
	}
	return payload.Response.Error.Type
}

func (a *openAIAdapter) publishPartialImage(ctx context.Context, run *streamRun, imageB64 string, partialIndex int) {
	image, err := base64.StdEncoding.DecodeString(imageB64)
	if err != nil {
		a.logger.Warn("Failed to decode partial image", zap.Int("partialIndex", partialIndex), zap.Error(err))
		return
	}
	result, err := a.uploader.Upload(ctx, run.state.Request.WorkspaceID, image)
	if err != nil {
		a.logger.Warn("Failed to upload partial image, skipping",
			zap.Int("partialIndex", partialIndex), zap.Error(err))
		return
	}
	run.em.imagePartial(result.URL, result.FileID, partialIndex)
}

func (a *openAIAdapter) publishCompletedImages(ctx context.Context, run *streamRun, resp responses.Response) {
	state := run.state
	for _, item := range resp.Output {
		if item.Type != "image_generation_call" || item.Result == "" {
			continue
		}
		image, err := base64.StdEncoding.DecodeString(item.Result)
		if err != nil {
			a.logger.Error("Failed to decode completed image", zap.Error(err))
			continue
		}
		result, err := a.uploader.Upload(ctx, state.Request.WorkspaceID, image)
		if err != nil {
			a.logger.Error("Failed to upload completed image", zap.Error(err))
			continue
		}
		run.em.imageComplete(result.URL, result.FileID, resp.ID, revisedPrompt(item))
		metrics.RecordImageGenerated(a.name())

		size := state.Request.ImageSize
		if size == "" || size == "auto" {
			size = imageDefaultSize
		}
		if state.ImageUsage == nil {
			state.ImageUsage = &ImageUsage{Size: size, Quality: imageBillingQuality}
		}
		state.ImageUsage.Count++
	}
}
