package providers

import (
	"github.com/lixpi/llm-api/internal/metrics"
	"github.com/lixpi/llm-api/internal/subjects"
	"go.uber.org/zap"
)

// Stream statuses carried in the event envelope.
const (
	StatusStartStream   = "START_STREAM"
	StatusStreaming     = "STREAMING"
	StatusEndStream     = "END_STREAM"
	StatusError         = "ERROR"
	StatusImagePartial  = "IMAGE_PARTIAL"
	StatusImageComplete = "IMAGE_COMPLETE"
)

// Publisher is the outbound side of the message bus.
type Publisher interface {
	Publish(subject string, payload any) error
}

// StreamContent is the status-specific payload of a stream event.
type StreamContent struct {
	Status        string `json:"status"`
	AIProvider    string `json:"aiProvider"`
	Text          string `json:"text,omitempty"`
	ImageURL      string `json:"imageUrl,omitempty"`
	FileID        string `json:"fileId,omitempty"`
	PartialIndex  *int   `json:"partialIndex,omitempty"`
	ResponseID    string `json:"responseId,omitempty"`
	RevisedPrompt string `json:"revisedPrompt,omitempty"`
	Error         string `json:"error,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
	ErrorType     string `json:"errorType,omitempty"`
}

// StreamEvent is the envelope published on the receive subject.
type StreamEvent struct {
	Content        StreamContent `json:"content"`
	AIChatThreadID string        `json:"aiChatThreadId"`
}

// ErrorEvent is the envelope published on the error subject.
type ErrorEvent struct {
	Error       string `json:"error"`
	InstanceKey string `json:"instanceKey"`
	ErrorCode   string `json:"errorCode,omitempty"`
	ErrorType   string `json:"errorType,omitempty"`
}

// emitter publishes stream events for one request. Publish failures are
// logged and swallowed so a flaky bus write never kills the stream.
type emitter struct {
	pub         Publisher
	provider    string
	workspaceID string
	threadID    string
	logger      *zap.Logger
}

func (e *emitter) publish(content StreamContent) {
	event := StreamEvent{Content: content, AIChatThreadID: e.threadID}
	subject := subjects.ChatReceive(e.workspaceID, e.threadID)
	if err := e.pub.Publish(subject, event); err != nil {
		e.logger.Error("Failed to publish stream event",
			zap.String("subject", subject),
			zap.String("status", content.Status),
			zap.Error(err))
		return
	}
	metrics.RecordStreamEvent(e.provider, content.Status)
}

func (e *emitter) start() {
	e.publish(StreamContent{Status: StatusStartStream, AIProvider: e.provider})
}

func (e *emitter) chunk(text string) {
	e.publish(StreamContent{Status: StatusStreaming, AIProvider: e.provider, Text: text})
}

func (e *emitter) end() {
	e.publish(StreamContent{Status: StatusEndStream, AIProvider: e.provider})
}

func (e *emitter) vendorError(message, code, errType string) {
	e.publish(StreamContent{
		Status:     StatusError,
		AIProvider: e.provider,
		Error:      message,
		ErrorCode:  code,
		ErrorType:  errType,
	})
}

func (e *emitter) imagePartial(imageURL, fileID string, partialIndex int) {
	e.publish(StreamContent{
		Status:       StatusImagePartial,
		AIProvider:   e.provider,
		ImageURL:     imageURL,
		FileID:       fileID,
		PartialIndex: &partialIndex,
	})
}

func (e *emitter) imageComplete(imageURL, fileID, responseID, revisedPrompt string) {
	e.publish(StreamContent{
		Status:        StatusImageComplete,
		AIProvider:    e.provider,
		ImageURL:      imageURL,
		FileID:        fileID,
		ResponseID:    responseID,
		RevisedPrompt: revisedPrompt,
	})
}

// publishError sends a structured failure on the error subject.
func publishError(pub Publisher, logger *zap.Logger, instanceKey, message, code, errType string) {
	event := ErrorEvent{
		Error:       message,
		InstanceKey: instanceKey,
		ErrorCode:   code,
		ErrorType:   errType,
	}
	subject := subjects.ChatError(instanceKey)
	if err := pub.Publish(subject, event); err != nil {
		logger.Error("Failed to publish error event",
			zap.String("subject", subject), zap.Error(err))
	}
}
