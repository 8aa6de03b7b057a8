package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lixpi/llm-api/internal/imagestore"
	"github.com/openai/openai-go/responses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeResponseStream struct {
	events []responses.ResponseStreamEventUnion
	pos    int
	err    error
}

func (f *fakeResponseStream) Next() bool {
	if f.pos >= len(f.events) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeResponseStream) Current() responses.ResponseStreamEventUnion {
	return f.events[f.pos-1]
}

func (f *fakeResponseStream) Err() error   { return f.err }
func (f *fakeResponseStream) Close() error { return nil }

type fakeUploader struct {
	uploads int
	err     error
}

func (f *fakeUploader) Upload(_ context.Context, _ string, _ []byte) (*imagestore.UploadResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.uploads++
	return &imagestore.UploadResult{FileID: "f-1", URL: "https://cdn.example/f-1"}, nil
}

func newFakeOpenAIAdapter(t *testing.T, stream *fakeResponseStream, uploader ImageUploader) *openAIAdapter {
	t.Helper()
	if uploader == nil {
		uploader = &fakeUploader{}
	}
	return &openAIAdapter{
		uploader: uploader,
		logger:   zaptest.NewLogger(t),
		open: func(context.Context, responses.ResponseNewParams) responseStream {
			return stream
		},
	}
}

func completedEvent(id string, input, output int64) responses.ResponseStreamEventUnion {
	return responses.ResponseStreamEventUnion{
		Type: "response.completed",
		Response: responses.Response{
			ID: id,
			Usage: responses.ResponseUsage{
				InputTokens:  input,
				OutputTokens: output,
				TotalTokens:  input + output,
			},
		},
	}
}

func textDelta(text string) responses.ResponseStreamEventUnion {
	return responses.ResponseStreamEventUnion{
		Type:  "response.output_text.delta",
		Delta: responses.ResponseStreamEventUnionDelta{OfString: text},
	}
}

func TestOpenAIHappyTextPath(t *testing.T) {
	stream := &fakeResponseStream{events: []responses.ResponseStreamEventUnion{
		textDelta("h"),
		textDelta("e"),
		textDelta("llo"),
		completedEvent("resp-1", 2, 3),
	}}

	pub := &fakePublisher{}
	sink := &reportSink{}
	p := newTestProvider(t, newFakeOpenAIAdapter(t, stream, nil), pub, sink, time.Minute)
	require.NoError(t, p.Process(testRequest()))

	assert.Equal(t, []string{
		StatusStartStream, StatusStreaming, StatusStreaming, StatusStreaming, StatusEndStream,
	}, pub.statuses())

	var texts []string
	for _, ev := range pub.streamEvents() {
		if ev.Content.Status == StatusStreaming {
			texts = append(texts, ev.Content.Text)
		}
	}
	assert.Equal(t, []string{"h", "e", "llo"}, texts)

	require.Len(t, sink.tokens, 1)
	assert.Equal(t, int64(5), sink.tokens[0].Total.UsageTokens)
	assert.Equal(t, "resp-1", sink.tokens[0].AIVendorRequestID)
}

func TestOpenAICancellation(t *testing.T) {
	stream := &fakeResponseStream{events: []responses.ResponseStreamEventUnion{
		textDelta("h"),
		textDelta("e"),
		textDelta("llo"),
		completedEvent("resp-1", 2, 3),
	}}

	pub := &fakePublisher{}
	p := newTestProvider(t, newFakeOpenAIAdapter(t, stream, nil), pub, &reportSink{}, time.Minute)
	pub.onPublish = func(_ string, payload any) {
		if ev, ok := payload.(StreamEvent); ok && ev.Content.Status == StatusStreaming {
			p.Stop()
		}
	}

	require.NoError(t, p.Process(testRequest()))
	assert.Equal(t, []string{StatusStartStream, StatusStreaming, StatusEndStream}, pub.statuses())
}

func TestOpenAIVendorFailure(t *testing.T) {
	stream := &fakeResponseStream{events: []responses.ResponseStreamEventUnion{
		{
			Type: "response.failed",
			Response: responses.Response{
				Error: responses.ResponseError{Code: "insufficient_quota", Message: "quota"},
			},
		},
	}}

	pub := &fakePublisher{}
	p := newTestProvider(t, newFakeOpenAIAdapter(t, stream, nil), pub, &reportSink{}, time.Minute)
	err := p.Process(testRequest())

	var vendorErr *VendorError
	require.ErrorAs(t, err, &vendorErr)
	assert.Equal(t, "quota", vendorErr.Message)
	assert.Equal(t, "insufficient_quota", vendorErr.Code)

	assert.Equal(t, []string{StatusStartStream, StatusError, StatusEndStream}, pub.statuses())
	require.Len(t, pub.errorEvents(), 1)
	assert.Equal(t, "quota", pub.errorEvents()[0].Error)
	assert.Equal(t, "insufficient_quota", pub.errorEvents()[0].ErrorCode)
}

func TestOpenAIStreamError(t *testing.T) {
	stream := &fakeResponseStream{err: errors.New("connection reset")}

	pub := &fakePublisher{}
	p := newTestProvider(t, newFakeOpenAIAdapter(t, stream, nil), pub, &reportSink{}, time.Minute)
	err := p.Process(testRequest())

	var vendorErr *VendorError
	require.ErrorAs(t, err, &vendorErr)
	assert.Equal(t, []string{StatusStartStream, StatusEndStream}, pub.statuses())
}

func TestOpenAIImageGeneration(t *testing.T) {
	imageB64 := base64.StdEncoding.EncodeToString([]byte{0x89, 0x50, 0x4e, 0x47})
	// Decoded from wire JSON so the raw payload carries fields the typed
	// output item drops, like revised_prompt.
	var completed responses.ResponseStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(`{
		"type": "response.completed",
		"response": {
			"id": "resp-2",
			"usage": {"input_tokens": 10, "output_tokens": 20, "total_tokens": 30},
			"output": [{
				"type": "image_generation_call",
				"result": "`+imageB64+`",
				"revised_prompt": "a cat in a hat"
			}]
		}
	}`), &completed))
	stream := &fakeResponseStream{events: []responses.ResponseStreamEventUnion{
		{Type: "response.image_generation_call.partial_image", PartialImageB64: imageB64, PartialImageIndex: 0},
		{Type: "response.image_generation_call.partial_image", PartialImageB64: imageB64, PartialImageIndex: 1},
		completed,
	}}

	uploader := &fakeUploader{}
	pub := &fakePublisher{}
	sink := &reportSink{}
	p := newTestProvider(t, newFakeOpenAIAdapter(t, stream, uploader), pub, sink, time.Minute)

	req := testRequest()
	req.EnableImageGeneration = true
	require.NoError(t, p.Process(req))

	assert.Equal(t, []string{
		StatusStartStream, StatusImagePartial, StatusImagePartial, StatusImageComplete, StatusEndStream,
	}, pub.statuses())
	assert.Equal(t, 3, uploader.uploads)

	events := pub.streamEvents()
	require.NotNil(t, events[1].Content.PartialIndex)
	assert.Equal(t, 0, *events[1].Content.PartialIndex)
	require.NotNil(t, events[2].Content.PartialIndex)
	assert.Equal(t, 1, *events[2].Content.PartialIndex)

	complete := events[3].Content
	assert.Equal(t, "resp-2", complete.ResponseID)
	assert.Equal(t, "a cat in a hat", complete.RevisedPrompt)
	assert.Equal(t, "https://cdn.example/f-1", complete.ImageURL)
	assert.Equal(t, "f-1", complete.FileID)

	require.Len(t, sink.images, 1)
	assert.Equal(t, "1024x1024", sink.images[0].ImageSize)
	assert.Equal(t, "high", sink.images[0].ImageQuality)
}

func TestOpenAIUploadFailureSkipsEvent(t *testing.T) {
	imageB64 := base64.StdEncoding.EncodeToString([]byte{0x1})
	stream := &fakeResponseStream{events: []responses.ResponseStreamEventUnion{
		{Type: "response.image_generation_call.partial_image", PartialImageB64: imageB64, PartialImageIndex: 0},
		completedEvent("resp-3", 1, 1),
	}}

	uploader := &fakeUploader{err: errors.New("storage down")}
	pub := &fakePublisher{}
	p := newTestProvider(t, newFakeOpenAIAdapter(t, stream, uploader), pub, &reportSink{}, time.Minute)
	require.NoError(t, p.Process(testRequest()))

	// Upload failures skip the image event but never kill the stream.
	assert.Equal(t, []string{StatusStartStream, StatusEndStream}, pub.statuses())
}

// blockingResponseStream models a vendor read blocked until the request
// context ends.
type blockingResponseStream struct{ ctx context.Context }

func (b *blockingResponseStream) Next() bool {
	<-b.ctx.Done()
	return false
}
func (b *blockingResponseStream) Current() responses.ResponseStreamEventUnion {
	return responses.ResponseStreamEventUnion{}
}
func (b *blockingResponseStream) Err() error   { return b.ctx.Err() }
func (b *blockingResponseStream) Close() error { return nil }

func TestOpenAIDeadlineWhileStreamBlocked(t *testing.T) {
	adapter := &openAIAdapter{
		uploader: &fakeUploader{},
		logger:   zaptest.NewLogger(t),
		open: func(ctx context.Context, _ responses.ResponseNewParams) responseStream {
			return &blockingResponseStream{ctx: ctx}
		},
	}

	pub := &fakePublisher{}
	p := newTestProvider(t, adapter, pub, &reportSink{}, 20*time.Millisecond)
	err := p.Process(testRequest())

	require.ErrorIs(t, err, context.DeadlineExceeded)
	var vendorErr *VendorError
	assert.False(t, errors.As(err, &vendorErr))
	require.Len(t, pub.errorEvents(), 1)
	assert.Contains(t, pub.errorEvents()[0].Error, "Circuit breaker")
}

func TestOpenAIBuildParams(t *testing.T) {
	adapter := newFakeOpenAIAdapter(t, &fakeResponseStream{}, nil)

	req := testRequest()
	req.AIModelMetaInfo.SupportsSystemPrompt = true
	req.AIModelMetaInfo.MaxCompletionSize = 2048
	req.AIModelMetaInfo.DefaultTemperature = floatPtr(0.7)
	req.EnableImageGeneration = true

	p := newTestProvider(t, adapter, &fakePublisher{}, &reportSink{}, time.Minute)
	state := p.newState(req)
	params := adapter.buildParams(context.Background(), state)

	assert.Equal(t, "gpt-x", params.Model)
	assert.True(t, params.Instructions.Valid())
	assert.Equal(t, int64(2048), params.MaxOutputTokens.Value)
	assert.InDelta(t, 0.7, params.Temperature.Value, 1e-9)
	require.True(t, params.Store.Valid())
	assert.False(t, params.Store.Value)

	require.Len(t, params.Tools, 1)
	tool := params.Tools[0].OfImageGeneration
	require.NotNil(t, tool)
	assert.Equal(t, "low", string(tool.Quality))
	assert.Equal(t, "low", string(tool.Moderation))
	assert.Equal(t, "high", string(tool.InputFidelity))
	assert.Equal(t, int64(3), tool.PartialImages.Value)
	assert.Equal(t, "1024x1024", string(tool.Size))
}

func TestOpenAIBuildParamsNoSystemPrompt(t *testing.T) {
	adapter := newFakeOpenAIAdapter(t, &fakeResponseStream{}, nil)

	p := newTestProvider(t, adapter, &fakePublisher{}, &reportSink{}, time.Minute)
	state := p.newState(testRequest())
	params := adapter.buildParams(context.Background(), state)

	assert.False(t, params.Instructions.Valid())
	assert.Empty(t, params.Tools)
	// No temperature anywhere in the request means the vendor default
	// applies; the param stays unset.
	assert.False(t, params.Temperature.Valid())
}
