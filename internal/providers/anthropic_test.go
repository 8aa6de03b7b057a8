package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/lixpi/llm-api/internal/attachments"
	"github.com/lixpi/llm-api/internal/prompts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeMessageStream struct {
	events []anthropic.MessageStreamEventUnion
	pos    int
	err    error
}

func (f *fakeMessageStream) Next() bool {
	if f.pos >= len(f.events) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeMessageStream) Current() anthropic.MessageStreamEventUnion {
	return f.events[f.pos-1]
}

func (f *fakeMessageStream) Err() error   { return f.err }
func (f *fakeMessageStream) Close() error { return nil }

func newFakeAnthropicAdapter(t *testing.T, stream *fakeMessageStream) *anthropicAdapter {
	t.Helper()
	return &anthropicAdapter{
		logger: zaptest.NewLogger(t),
		open: func(context.Context, anthropic.MessageNewParams) messageStream {
			return stream
		},
	}
}

func anthropicRequest() ChatRequest {
	req := testRequest()
	req.AIModelMetaInfo.Provider = NameAnthropic
	req.AIModelMetaInfo.ModelVersion = "claude-x"
	return req
}

func TestAnthropicStreaming(t *testing.T) {
	stream := &fakeMessageStream{events: []anthropic.MessageStreamEventUnion{
		{
			Type:    "message_start",
			Message: anthropic.Message{ID: "msg-1", Usage: anthropic.Usage{InputTokens: 2}},
		},
		{
			Type:  "content_block_delta",
			Delta: anthropic.MessageStreamEventUnionDelta{Type: "text_delta", Text: "hel"},
		},
		{
			Type:  "content_block_delta",
			Delta: anthropic.MessageStreamEventUnionDelta{Type: "text_delta", Text: "lo"},
		},
		{
			Type:  "message_delta",
			Usage: anthropic.MessageDeltaUsage{OutputTokens: 3},
		},
	}}

	pub := &fakePublisher{}
	sink := &reportSink{}
	adapter := newFakeAnthropicAdapter(t, stream)
	p := newProvider("ws1:th1", adapter, pub, newTestReporter(t, sink), time.Minute, zaptest.NewLogger(t))

	require.NoError(t, p.Process(anthropicRequest()))

	assert.Equal(t, []string{
		StatusStartStream, StatusStreaming, StatusStreaming, StatusEndStream,
	}, pub.statuses())

	require.Len(t, sink.tokens, 1)
	report := sink.tokens[0]
	assert.Equal(t, int64(2), report.Prompt.UsageTokens)
	assert.Equal(t, int64(3), report.Completion.UsageTokens)
	assert.Equal(t, int64(5), report.Total.UsageTokens)
	assert.Equal(t, "msg-1", report.AIVendorRequestID)
	// This vendor reports no audio or reasoning tokens.
	assert.Zero(t, report.Prompt.AudioTokens)
	assert.Zero(t, report.Completion.ReasoningTokens)
}

func TestAnthropicSuffixOnLastUserMessage(t *testing.T) {
	adapter := newFakeAnthropicAdapter(t, &fakeMessageStream{})

	req := anthropicRequest()
	req.Messages = []Message{
		{Role: "user", Content: textContent("first question")},
		{Role: "assistant", Content: textContent("first answer")},
		{Role: "user", Content: textContent("do X")},
	}

	p := newProvider("ws1:th1", adapter, &fakePublisher{}, newTestReporter(t, &reportSink{}), time.Minute, zaptest.NewLogger(t))
	state := p.newState(req)
	params := adapter.buildParams(context.Background(), state)

	require.Len(t, params.Messages, 3)

	first := params.Messages[0].Content[0].OfText
	require.NotNil(t, first)
	assert.Equal(t, "first question", first.Text)

	middle := params.Messages[1].Content[0].OfText
	require.NotNil(t, middle)
	assert.Equal(t, "first answer", middle.Text)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, params.Messages[1].Role)

	last := params.Messages[2].Content[0].OfText
	require.NotNil(t, last)
	assert.True(t, strings.HasPrefix(last.Text, "do X"))
	assert.True(t, strings.HasSuffix(last.Text, prompts.AnthropicSuffix()))
	assert.NotEqual(t, "do X", last.Text)
}

func TestAnthropicBuildParams(t *testing.T) {
	adapter := newFakeAnthropicAdapter(t, &fakeMessageStream{})

	req := anthropicRequest()
	req.AIModelMetaInfo.DefaultTemperature = floatPtr(0.3)

	p := newProvider("ws1:th1", adapter, &fakePublisher{}, newTestReporter(t, &reportSink{}), time.Minute, zaptest.NewLogger(t))
	state := p.newState(req)
	params := adapter.buildParams(context.Background(), state)

	assert.Equal(t, anthropic.Model("claude-x"), params.Model)
	assert.Equal(t, int64(defaultAnthropicMaxTokens), params.MaxTokens)
	assert.InDelta(t, 0.3, params.Temperature.Value, 1e-9)
	// The system prompt goes out on every request, whatever the model
	// metadata claims about support.
	require.Len(t, params.System, 1)
	assert.Equal(t, prompts.System(), params.System[0].Text)
}

func TestAnthropicTemperatureOmittedWhenAbsent(t *testing.T) {
	adapter := newFakeAnthropicAdapter(t, &fakeMessageStream{})

	p := newProvider("ws1:th1", adapter, &fakePublisher{}, newTestReporter(t, &reportSink{}), time.Minute, zaptest.NewLogger(t))
	state := p.newState(anthropicRequest())
	params := adapter.buildParams(context.Background(), state)

	assert.False(t, params.Temperature.Valid())
}

func TestAnthropicBuildParamsBlocks(t *testing.T) {
	adapter := newFakeAnthropicAdapter(t, &fakeMessageStream{})

	req := anthropicRequest()
	req.Messages = []Message{{
		Role: "user",
		Content: attachments.Content{Blocks: []attachments.Block{
			{Type: "input_text", Text: "look"},
			{Type: "input_image", ImageURL: "data:image/png;base64,abcd"},
		}},
	}}

	p := newProvider("ws1:th1", adapter, &fakePublisher{}, newTestReporter(t, &reportSink{}), time.Minute, zaptest.NewLogger(t))
	state := p.newState(req)
	params := adapter.buildParams(context.Background(), state)

	require.Len(t, params.Messages, 1)
	content := params.Messages[0].Content
	// text block, image block, plus the formatting suffix appended last.
	require.Len(t, content, 3)
	require.NotNil(t, content[0].OfText)
	assert.Equal(t, "look", content[0].OfText.Text)
	require.NotNil(t, content[1].OfImage)
	suffix := content[2].OfText
	require.NotNil(t, suffix)
	assert.Equal(t, prompts.AnthropicSuffix(), suffix.Text)
}

func TestAnthropicStreamError(t *testing.T) {
	stream := &fakeMessageStream{err: assert.AnError}

	pub := &fakePublisher{}
	adapter := newFakeAnthropicAdapter(t, stream)
	p := newProvider("ws1:th1", adapter, pub, newTestReporter(t, &reportSink{}), time.Minute, zaptest.NewLogger(t))

	err := p.Process(anthropicRequest())
	var vendorErr *VendorError
	require.ErrorAs(t, err, &vendorErr)
	assert.Equal(t, []string{StatusStartStream, StatusEndStream}, pub.statuses())
	require.Len(t, pub.errorEvents(), 1)
}

// blockingMessageStream models a vendor read blocked until the request
// context ends.
type blockingMessageStream struct{ ctx context.Context }

func (b *blockingMessageStream) Next() bool {
	<-b.ctx.Done()
	return false
}
func (b *blockingMessageStream) Current() anthropic.MessageStreamEventUnion {
	return anthropic.MessageStreamEventUnion{}
}
func (b *blockingMessageStream) Err() error   { return b.ctx.Err() }
func (b *blockingMessageStream) Close() error { return nil }

func TestAnthropicDeadlineWhileStreamBlocked(t *testing.T) {
	adapter := &anthropicAdapter{
		logger: zaptest.NewLogger(t),
		open: func(ctx context.Context, _ anthropic.MessageNewParams) messageStream {
			return &blockingMessageStream{ctx: ctx}
		},
	}

	pub := &fakePublisher{}
	p := newProvider("ws1:th1", adapter, pub, newTestReporter(t, &reportSink{}), 20*time.Millisecond, zaptest.NewLogger(t))
	err := p.Process(anthropicRequest())

	require.ErrorIs(t, err, context.DeadlineExceeded)
	var vendorErr *VendorError
	assert.False(t, errors.As(err, &vendorErr))
	require.Len(t, pub.errorEvents(), 1)
	assert.Contains(t, pub.errorEvents()[0].Error, "Circuit breaker")
}
