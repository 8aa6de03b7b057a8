package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lixpi/llm-api/internal/attachments"
	"github.com/lixpi/llm-api/internal/imagestore"
	"github.com/lixpi/llm-api/internal/metrics"
	"github.com/lixpi/llm-api/internal/subjects"
	"github.com/lixpi/llm-api/internal/usage"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ImageUploader stores generated images and returns their public location.
type ImageUploader interface {
	Upload(ctx context.Context, workspaceID string, image []byte) (*imagestore.UploadResult, error)
}

// Config holds the vendor credentials and workflow limits the registry
// hands to new providers.
type Config struct {
	OpenAIAPIKey    string
	AnthropicAPIKey string
	RequestTimeout  time.Duration
}

// Registry tracks live provider instances, one per workspace:thread key.
type Registry struct {
	cfg      Config
	pub      Publisher
	objects  attachments.ObjectFetcher
	reporter *usage.Reporter
	uploader ImageUploader
	logger   *zap.Logger

	mu        sync.Mutex
	instances map[string]*Provider
	wg        sync.WaitGroup
}

// NewRegistry builds an empty registry sharing the given transport handles.
func NewRegistry(cfg Config, pub Publisher, objects attachments.ObjectFetcher, reporter *usage.Reporter, uploader ImageUploader, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		pub:       pub,
		objects:   objects,
		reporter:  reporter,
		uploader:  uploader,
		logger:    logger,
		instances: make(map[string]*Provider),
	}
}

// GetOrCreate returns the live instance for the key, creating one with the
// matching vendor adapter when absent. Unknown provider names fail with a
// validation error.
func (r *Registry) GetOrCreate(instanceKey, providerName string) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.instances[instanceKey]; ok {
		return p, nil
	}

	adapter, err := r.newAdapter(providerName)
	if err != nil {
		return nil, err
	}

	p := newProvider(instanceKey, adapter, r.pub, r.reporter, r.cfg.RequestTimeout, r.logger)
	r.instances[instanceKey] = p
	metrics.ActiveInstances.Set(float64(len(r.instances)))
	r.logger.Info("Created provider instance",
		zap.String("instanceKey", instanceKey),
		zap.String("provider", providerName))
	return p, nil
}

func (r *Registry) newAdapter(providerName string) (vendorAdapter, error) {
	switch providerName {
	case NameOpenAI:
		return newOpenAIAdapter(r.cfg.OpenAIAPIKey, r.uploader, r.objects, r.logger), nil
	case NameAnthropic:
		return newAnthropicAdapter(r.cfg.AnthropicAPIKey, r.objects, r.logger), nil
	default:
		return nil, &ValidationError{Field: "provider (" + providerName + ")"}
	}
}

// Remove drops the instance for the key. Idempotent.
func (r *Registry) Remove(instanceKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[instanceKey]; ok {
		delete(r.instances, instanceKey)
		metrics.ActiveInstances.Set(float64(len(r.instances)))
		r.logger.Info("Removed provider instance", zap.String("instanceKey", instanceKey))
	}
}

// Get returns the live instance for the key, if any.
func (r *Registry) Get(instanceKey string) (*Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.instances[instanceKey]
	return p, ok
}

// Len reports the number of live instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Shutdown stops every live instance, waits for in-flight workflows to
// drain, then clears the map.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	snapshot := make([]*Provider, 0, len(r.instances))
	for _, p := range r.instances {
		snapshot = append(snapshot, p)
	}
	r.mu.Unlock()

	for _, p := range snapshot {
		p.Stop()
	}
	r.wg.Wait()

	r.mu.Lock()
	r.instances = make(map[string]*Provider)
	metrics.ActiveInstances.Set(0)
	r.mu.Unlock()
	r.logger.Info("Registry shut down", zap.Int("stopped", len(snapshot)))
}

// HandleChatProcess is the subscription handler for inbound chat requests.
// The workflow runs on its own goroutine; the handler returns as soon as
// the request is validated far enough to route.
func (r *Registry) HandleChatProcess(data []byte, _ *nats.Msg) (any, error) {
	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		r.logger.Error("Failed to decode chat request", zap.Error(err))
		return nil, fmt.Errorf("decode chat request: %w", err)
	}
	if req.WorkspaceID == "" || req.AIChatThreadID == "" {
		r.logger.Error("Chat request missing routing fields")
		return nil, &ValidationError{Field: "workspaceId/aiChatThreadId"}
	}

	instanceKey := req.WorkspaceID + ":" + req.AIChatThreadID
	provider, err := r.GetOrCreate(instanceKey, req.AIModelMetaInfo.Provider)
	if err != nil {
		publishError(r.pub, r.logger, instanceKey, err.Error(), "", "")
		return nil, err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := provider.Process(req)
		if err == ErrInstanceBusy {
			// The running workflow keeps its instance; reject the duplicate.
			publishError(r.pub, r.logger, instanceKey, err.Error(), "instance_busy", "")
			return
		}
		r.Remove(instanceKey)
	}()
	return nil, nil
}

// HandleChatStop is the subscription handler for stop signals. The key is
// parsed from the subject tail; the body is ignored.
func (r *Registry) HandleChatStop(_ []byte, msg *nats.Msg) (any, error) {
	instanceKey := subjects.StopKeyFromSubject(msg.Subject)
	if instanceKey == "" {
		r.logger.Warn("Malformed stop subject", zap.String("subject", msg.Subject))
		return nil, nil
	}

	if p, ok := r.Get(instanceKey); ok {
		p.Stop()
	} else {
		r.logger.Info("Stop for unknown instance", zap.String("instanceKey", instanceKey))
	}
	return nil, nil
}
