package natsstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ensureKVBucket creates or opens a KV bucket with retry logic.
//
// Multiple replicas of the same document race to create the shared buckets
// on startup; this handles the resulting ErrBucketExists and transient
// errors with exponential backoff.
func ensureKVBucket(
	ctx context.Context,
	js jetstream.JetStream,
	config jetstream.KeyValueConfig,
	maxRetries int,
) (jetstream.KeyValue, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		kv, err := js.CreateKeyValue(ctx, config)
		if err == nil {
			return kv, nil
		}

		// If the bucket already exists, just open it
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err := js.KeyValue(ctx, config.Bucket)
			if err == nil {
				return kv, nil
			}
			lastErr = fmt.Errorf("bucket exists but failed to open: %w", err)
		} else {
			lastErr = err
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("context cancelled during KV bucket creation: %w", ctx.Err())
		}

		// Exponential backoff: 10ms, 20ms, 40ms...
		if attempt < maxRetries-1 {
			backoff := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond //nolint:gosec // attempt is bounded by maxRetries, no overflow risk
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("failed to create/open KV bucket %s after %d attempts: %w",
		config.Bucket, maxRetries, lastErr)
}

// ensureObjectStore creates or opens an object store bucket, tolerating the
// same startup race as ensureKVBucket.
func ensureObjectStore(
	ctx context.Context,
	js jetstream.JetStream,
	config jetstream.ObjectStoreConfig,
) (jetstream.ObjectStore, error) {
	os, err := js.CreateObjectStore(ctx, config)
	if err == nil {
		return os, nil
	}

	if errors.Is(err, jetstream.ErrBucketExists) {
		os, err = js.ObjectStore(ctx, config.Bucket)
		if err == nil {
			return os, nil
		}

		return nil, fmt.Errorf("object store exists but failed to open: %w", err)
	}

	return nil, fmt.Errorf("failed to create object store %s: %w", config.Bucket, err)
}

// IsConnectivityError checks if an error is caused by connectivity issues.
//
// This includes NATS timeouts, connection refused, disconnections, etc.
// Callers use it to tell a dead server from a rejected operation.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "i/o timeout")
}

// sanitizeName maps an arbitrary document ID onto the character set NATS
// accepts in bucket and stream names.
func sanitizeName(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}

	return b.String()
}
