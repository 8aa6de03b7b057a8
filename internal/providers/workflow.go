package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lixpi/llm-api/internal/metrics"
	"github.com/lixpi/llm-api/internal/usage"
	"go.uber.org/zap"
)

// vendorAdapter is the single capability a vendor integration provides.
type vendorAdapter interface {
	name() string
	stream(ctx context.Context, run *streamRun) error
}

// streamRun bundles what an adapter needs during one streaming call.
type streamRun struct {
	state *RequestState
	em    *emitter
	// stopped short-circuits the event loop between stream events.
	stopped func() bool
}

// Provider owns the workflow for one workspace:thread key. At most one
// request runs per Provider at a time.
type Provider struct {
	instanceKey string
	pub         Publisher
	reporter    *usage.Reporter
	adapter     vendorAdapter
	timeout     time.Duration
	logger      *zap.Logger

	shouldStop atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func newProvider(instanceKey string, adapter vendorAdapter, pub Publisher, reporter *usage.Reporter, timeout time.Duration, logger *zap.Logger) *Provider {
	return &Provider{
		instanceKey: instanceKey,
		pub:         pub,
		reporter:    reporter,
		adapter:     adapter,
		timeout:     timeout,
		logger: logger.With(
			zap.String("instanceKey", instanceKey),
			zap.String("provider", adapter.name())),
	}
}

// Name reports the vendor adapter behind this Provider.
func (p *Provider) Name() string { return p.adapter.name() }

// Stop cancels the in-flight request, if any. Adapters observe the flag
// between stream events; the context cancel interrupts blocked vendor I/O.
func (p *Provider) Stop() {
	p.logger.Info("Stopping stream")
	p.shouldStop.Store(true)

	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Process runs the workflow for one request:
//
//	validate -> stream -> account -> cleanup
//
// The whole run sits under the circuit-breaker timeout. Any terminal
// failure is published on the error subject; the registry entry is removed
// by the caller once Process returns.
func (p *Provider) Process(req ChatRequest) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrInstanceBusy
	}
	p.running = true
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	p.cancel = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		p.running = false
		p.cancel = nil
		p.mu.Unlock()
	}()

	state := p.newState(req)
	started := time.Now()

	err := p.run(ctx, state)

	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
		message := fmt.Sprintf("Circuit breaker triggered: Processing timeout exceeded (%d minutes)",
			int(p.timeout.Minutes()))
		p.logger.Error(message)
		publishError(p.pub, p.logger, p.instanceKey, message, "", "")
	default:
		outcome = "error"
		var vendorErr *VendorError
		if errors.As(err, &vendorErr) {
			metrics.RecordVendorError(p.adapter.name(), vendorErr.Code)
			publishError(p.pub, p.logger, p.instanceKey, vendorErr.Message, vendorErr.Code, vendorErr.Type)
		} else {
			publishError(p.pub, p.logger, p.instanceKey, err.Error(), "", "")
		}
		p.logger.Error("Request failed", zap.Error(err))
	}

	metrics.RecordRequest(p.adapter.name(), outcome, time.Since(started).Seconds(), state.Usage.TotalTokens)
	return err
}

func (p *Provider) newState(req ChatRequest) *RequestState {
	temperature := req.AIModelMetaInfo.DefaultTemperature
	if req.Temperature != nil {
		temperature = req.Temperature
	}
	return &RequestState{
		Request:             req,
		InstanceKey:         p.instanceKey,
		Provider:            req.AIModelMetaInfo.Provider,
		ModelVersion:        req.AIModelMetaInfo.ModelVersion,
		Temperature:         temperature,
		MaxCompletionSize:   req.AIModelMetaInfo.MaxCompletionSize,
		AIRequestReceivedAt: time.Now().UnixMilli(),
	}
}

func (p *Provider) run(ctx context.Context, state *RequestState) error {
	if err := p.validate(state); err != nil {
		return err
	}
	if err := p.streamNode(ctx, state); err != nil {
		return err
	}
	p.account(state)
	p.cleanup()
	return nil
}

func (p *Provider) validate(state *RequestState) error {
	req := state.Request
	switch {
	case req.WorkspaceID == "":
		return &ValidationError{Field: "workspaceId"}
	case req.AIChatThreadID == "":
		return &ValidationError{Field: "aiChatThreadId"}
	case state.ModelVersion == "":
		return &ValidationError{Field: "modelVersion"}
	case len(req.Messages) == 0:
		return &ValidationError{Field: "messages"}
	}
	return nil
}

// streamNode delegates to the vendor adapter. The finished timestamp and
// the closing END_STREAM are emitted on every exit path, success or not.
func (p *Provider) streamNode(ctx context.Context, state *RequestState) (err error) {
	em := &emitter{
		pub:         p.pub,
		provider:    p.adapter.name(),
		workspaceID: state.Request.WorkspaceID,
		threadID:    state.Request.AIChatThreadID,
		logger:      p.logger,
	}

	state.StreamActive = true
	defer func() {
		state.AIRequestFinishedAt = time.Now().UnixMilli()
		state.StreamActive = false
		em.end()
		// A user-requested stop is a clean exit; only the circuit breaker
		// escalates to a terminal error.
		if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = ctx.Err()
		}
	}()

	em.start()
	run := &streamRun{
		state:   state,
		em:      em,
		stopped: func() bool { return p.shouldStop.Load() || ctx.Err() != nil },
	}
	return p.adapter.stream(ctx, run)
}

// account hands usage to the reporter. Accounting never fails a request.
func (p *Provider) account(state *RequestState) {
	req := state.Request
	vendorRequestID := state.AIVendorRequestID
	if vendorRequestID == "" {
		vendorRequestID = "unknown"
	}

	if state.UsagePopulated {
		err := p.reporter.ReportTokensUsage(
			req.EventMeta,
			req.AIModelMetaInfo.Pricing,
			state.Provider, state.ModelVersion, vendorRequestID,
			state.Usage,
			state.AIRequestReceivedAt, state.AIRequestFinishedAt,
		)
		if err != nil {
			p.logger.Error("Failed to report token usage", zap.Error(err))
		}
	}

	if state.ImageUsage != nil {
		err := p.reporter.ReportImageUsage(
			req.EventMeta,
			req.AIModelMetaInfo.Pricing,
			state.Provider, state.ModelVersion, vendorRequestID,
			state.ImageUsage.Size, state.ImageUsage.Quality,
			state.AIRequestReceivedAt, state.AIRequestFinishedAt,
		)
		if err != nil {
			p.logger.Error("Failed to report image usage", zap.Error(err))
		}
	}
}

func (p *Provider) cleanup() {
	p.shouldStop.Store(false)
}
