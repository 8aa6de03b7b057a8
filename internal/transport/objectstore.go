package transport

import (
	"context"
	"fmt"
)

// GetObject fetches an object's bytes from a JetStream object-store bucket.
// Used by the attachment pipeline to resolve nats-obj:// references.
func (s *Service) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.Lock()
	js := s.js
	s.mu.Unlock()

	if js == nil {
		return nil, fmt.Errorf("jetstream not available")
	}

	obs, err := js.ObjectStore(bucket)
	if err != nil {
		return nil, fmt.Errorf("open object store %q: %w", bucket, err)
	}
	data, err := obs.GetBytes(key)
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return data, nil
}
