// Package kv is a minimal key/value port used for small pieces of durable
// state such as subscriber checkpoints. Implementations: MemStore (tests,
// dev) and the JetStream KV bucket in adapters/nats.
package kv

import (
	"context"
	"errors"

	jsoniter "github.com/json-iterator/go"
)

var ErrNotFound = errors.New("key not found")

type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Put stores v under key, JSON-encoded.
func Put[T any](ctx context.Context, store Store, key string, v T) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, data)
}

// Get loads and decodes the value under key. Returns ErrNotFound when the
// key does not exist.
func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err = codec.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
