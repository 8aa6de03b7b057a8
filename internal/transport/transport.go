// Package transport wraps the NATS client with the connection policy shared
// by all lixpi services: self-issued JWT auth, infinite reconnect, and
// declarative subscriptions that survive reconnects.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// PayloadEncoding selects how payloads are encoded on the wire.
type PayloadEncoding string

const (
	EncodingJSON   PayloadEncoding = "json"
	EncodingBuffer PayloadEncoding = "buffer"
)

// SubscriptionKind distinguishes plain subscriptions from request/reply
// endpoints.
type SubscriptionKind string

const (
	KindSubscribe SubscriptionKind = "subscribe"
	KindReply     SubscriptionKind = "reply"
)

// Handler processes one inbound message. For KindReply the returned value is
// encoded and sent on the reply subject; for KindSubscribe it is ignored.
type Handler func(data []byte, msg *nats.Msg) (any, error)

// SubscriptionSpec declares a subscription installed at connect time and
// reinstalled after every reconnect.
type SubscriptionSpec struct {
	Subject    string
	Kind       SubscriptionKind
	Encoding   PayloadEncoding
	QueueGroup string
	Handler    Handler
}

// Config holds connection parameters. Auth fields follow a strict
// precedence: (NKeySeed,UserID) self-issued JWT, then Token, then
// (User,Password), then anonymous.
type Config struct {
	Servers  []string
	Name     string
	Token    string
	User     string
	Password string
	NKeySeed string
	UserID   string
	TLSCA    string

	// MaxReconnectAttempts of -1 means reconnect forever (the default when
	// zero is passed through DefaultConfig).
	MaxReconnectAttempts int
	ReconnectWait        time.Duration
	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration

	Subscriptions []SubscriptionSpec
}

// DefaultConfig fills the timing defaults used across services.
func DefaultConfig() Config {
	return Config{
		Servers:              []string{"nats://localhost:4222"},
		Name:                 "default",
		MaxReconnectAttempts: -1,
		ReconnectWait:        500 * time.Millisecond,
		ConnectTimeout:       2 * time.Second,
		RequestTimeout:       3 * time.Second,
	}
}

// SetSubscriptions declares the subscription set. Call before Connect;
// handlers typically need the Service itself for publishing, so they are
// wired after construction.
func (s *Service) SetSubscriptions(specs []SubscriptionSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Subscriptions = specs
}

// Service is the shared NATS client. A process holds exactly one.
type Service struct {
	cfg    Config
	logger *zap.Logger

	// install performs one broker subscription; swappable in tests.
	install func(nc *nats.Conn, spec SubscriptionSpec) (*nats.Subscription, error)

	mu             sync.Mutex
	nc             *nats.Conn
	js             nats.JetStreamContext
	installed      map[string]*nats.Subscription
	subsInstalled  bool
	connecting     bool
	reconnectTimer *time.Timer
}

// New builds a Service without connecting. Zero timing fields inherit the
// defaults.
func New(cfg Config, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if len(cfg.Servers) == 0 {
		cfg.Servers = def.Servers
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	s := &Service{
		cfg:       cfg,
		logger:    logger,
		installed: make(map[string]*nats.Subscription),
	}
	s.install = s.installOne
	return s
}

// Connect establishes the connection and installs the declared
// subscriptions. A failed attempt never aborts the process: it schedules a
// retry after ReconnectWait and returns nil.
func (s *Service) Connect() error {
	s.mu.Lock()
	if s.connecting || (s.nc != nil && s.nc.IsConnected()) {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
	}()

	opts := []nats.Option{
		nats.Name(s.cfg.Name),
		nats.Timeout(s.cfg.ConnectTimeout),
		nats.MaxReconnects(s.cfg.MaxReconnectAttempts),
		nats.ReconnectWait(s.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
			s.reinstallIfNeeded()
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			s.logger.Warn("NATS connection closed")
			s.mu.Lock()
			s.subsInstalled = false
			s.mu.Unlock()
		}),
	}

	authOpt, mode, err := buildAuthOption(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("build auth option: %w", err)
	}
	if authOpt != nil {
		opts = append(opts, authOpt)
	}
	s.logger.Info("Connecting to NATS",
		zap.Strings("servers", s.cfg.Servers),
		zap.String("auth", mode))

	if s.cfg.TLSCA != "" {
		opts = append(opts, nats.RootCAs(s.cfg.TLSCA))
	}

	nc, err := nats.Connect(strings.Join(s.cfg.Servers, ","), opts...)
	if err != nil {
		s.logger.Error("NATS connection error, scheduling reconnect", zap.Error(err))
		s.scheduleReconnect()
		return nil
	}

	js, err := nc.JetStream()
	if err != nil {
		s.logger.Warn("JetStream context unavailable", zap.Error(err))
	}

	s.mu.Lock()
	s.nc = nc
	s.js = js
	s.mu.Unlock()

	s.logger.Info("NATS connected", zap.String("url", nc.ConnectedUrl()))

	return s.installSubscriptions()
}

func (s *Service) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(s.cfg.ReconnectWait, func() {
		if err := s.Connect(); err != nil {
			s.logger.Error("Reconnect attempt failed", zap.Error(err))
		}
	})
}

func (s *Service) reinstallIfNeeded() {
	s.mu.Lock()
	needed := !s.subsInstalled
	s.mu.Unlock()
	if needed {
		if err := s.installSubscriptions(); err != nil {
			s.logger.Error("Failed to reinstall subscriptions", zap.Error(err))
		}
	}
}

// installSubscriptions reconciles the declared subscription set against the
// broker. It is atomic with respect to readiness: subsInstalled flips only
// after every spec has been installed.
func (s *Service) installSubscriptions() error {
	s.mu.Lock()
	if s.subsInstalled {
		s.mu.Unlock()
		return nil
	}
	nc := s.nc
	s.mu.Unlock()

	if nc == nil {
		return fmt.Errorf("not connected")
	}

	for _, spec := range s.cfg.Subscriptions {
		sub, err := s.install(nc, spec)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", spec.Subject, err)
		}
		s.mu.Lock()
		s.installed[spec.Subject] = sub
		s.mu.Unlock()
		s.logger.Info("NATS subscription registered",
			zap.String("subject", spec.Subject),
			zap.String("kind", string(spec.Kind)),
			zap.String("queue", spec.QueueGroup))
	}

	s.mu.Lock()
	s.subsInstalled = true
	s.mu.Unlock()
	return nil
}

func (s *Service) installOne(nc *nats.Conn, spec SubscriptionSpec) (*nats.Subscription, error) {
	encoding := spec.Encoding
	if encoding == "" {
		encoding = EncodingJSON
	}

	var cb nats.MsgHandler
	switch spec.Kind {
	case KindReply:
		cb = func(msg *nats.Msg) {
			result, err := spec.Handler(msg.Data, msg)
			if err != nil {
				// Callers must never hang: errors travel back on the
				// reply subject too.
				s.logger.Error("Reply handler error",
					zap.String("subject", spec.Subject), zap.Error(err))
				payload, encErr := encodePayload(map[string]string{"error": err.Error()}, EncodingJSON)
				if encErr == nil {
					_ = msg.Respond(payload)
				}
				return
			}
			payload, err := encodePayload(result, encoding)
			if err != nil {
				s.logger.Error("Failed to encode reply",
					zap.String("subject", spec.Subject), zap.Error(err))
				return
			}
			if err := msg.Respond(payload); err != nil {
				s.logger.Error("Failed to send reply",
					zap.String("subject", spec.Subject), zap.Error(err))
			}
		}
	default:
		cb = func(msg *nats.Msg) {
			if _, err := spec.Handler(msg.Data, msg); err != nil {
				s.logger.Error("Subscription handler error",
					zap.String("subject", msg.Subject), zap.Error(err))
			}
		}
	}

	if spec.QueueGroup != "" {
		return nc.QueueSubscribe(spec.Subject, spec.QueueGroup, cb)
	}
	return nc.Subscribe(spec.Subject, cb)
}

func encodePayload(v any, encoding PayloadEncoding) ([]byte, error) {
	switch encoding {
	case EncodingBuffer:
		switch data := v.(type) {
		case []byte:
			return data, nil
		case string:
			return []byte(data), nil
		default:
			return nil, fmt.Errorf("buffer encoding requires []byte or string, got %T", v)
		}
	default:
		return json.Marshal(v)
	}
}

// Publish sends JSON data on a subject. Publishing while disconnected drops
// the message with a logged error; there is no client-side buffering.
func (s *Service) Publish(subject string, v any) error {
	s.mu.Lock()
	nc := s.nc
	s.mu.Unlock()

	if nc == nil {
		s.logger.Error("NATS client is not connected, dropping publish",
			zap.String("subject", subject))
		return fmt.Errorf("not connected")
	}
	payload, err := encodePayload(v, EncodingJSON)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", subject, err)
	}
	if err := nc.Publish(subject, payload); err != nil {
		s.logger.Error("Publish failed", zap.String("subject", subject), zap.Error(err))
		return err
	}
	return nil
}

// Request sends a JSON request and decodes the JSON reply into out. A zero
// timeout uses the configured default.
func (s *Service) Request(ctx context.Context, subject string, v any, out any, timeout time.Duration) error {
	s.mu.Lock()
	nc := s.nc
	s.mu.Unlock()

	if nc == nil {
		return fmt.Errorf("not connected")
	}
	if timeout == 0 {
		timeout = s.cfg.RequestTimeout
	}
	payload, err := encodePayload(v, EncodingJSON)
	if err != nil {
		return fmt.Errorf("encode request for %s: %w", subject, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := nc.RequestWithContext(reqCtx, subject, payload)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("decode reply from %s: %w", subject, err)
	}
	return nil
}

// Subscriptions returns installed subscriptions filtered by subject
// patterns. Patterns support a single '*' matched as prefix+suffix;
// patterns with more than one '*' match nothing. No patterns returns
// everything.
func (s *Service) Subscriptions(patterns ...string) map[string]*nats.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*nats.Subscription)
	for subject, sub := range s.installed {
		if len(patterns) == 0 {
			out[subject] = sub
			continue
		}
		for _, p := range patterns {
			if matchSubject(subject, p) {
				out[subject] = sub
				break
			}
		}
	}
	return out
}

// matchSubject implements the single-wildcard prefix+suffix match used for
// subscription enumeration.
func matchSubject(value, pattern string) bool {
	idx := strings.IndexByte(pattern, '*')
	if idx < 0 {
		return value == pattern
	}
	if strings.IndexByte(pattern[idx+1:], '*') >= 0 {
		return false
	}
	prefix := pattern[:idx]
	suffix := pattern[idx+1:]
	return len(value) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(value, prefix) &&
		strings.HasSuffix(value, suffix)
}

// IsConnected reports broker connectivity.
func (s *Service) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nc != nil && s.nc.IsConnected()
}

// Drain flushes pending messages, removes subscriptions, and closes the
// connection.
func (s *Service) Drain() error {
	s.mu.Lock()
	nc := s.nc
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.mu.Unlock()

	if nc == nil || nc.IsClosed() {
		return nil
	}
	if err := nc.Drain(); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	s.logger.Info("NATS drained all subscriptions and disconnected")
	return nil
}

// Close terminates the connection without draining.
func (s *Service) Close() {
	s.mu.Lock()
	nc := s.nc
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.mu.Unlock()

	if nc != nil && !nc.IsClosed() {
		nc.Close()
		s.logger.Info("NATS disconnected gracefully")
	}
}
