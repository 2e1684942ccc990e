package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/eskit-go/ports/kv"
)

type KVConfig struct {
	Connect Connector // Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Bucket  string    // Bucket is the JetStream KV bucket name
}

// KV implements kv.Store on a JetStream key-value bucket. Checkpoints kept
// here survive process restarts and are shared across instances.
type KV struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	bucket  jetstream.KeyValue
}

func NewKV(cfg KVConfig) (*KV, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	bucketName := cfg.Bucket
	if bucketName == "" {
		bucketName = "eskit"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucketName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure kv bucket %s: %w", bucketName, err)
	}

	return &KV{nc: nc, closeNc: closeNc, bucket: bucket}, nil
}

func (s *KV) Close() error {
	s.closeNc()
	return nil
}

// keys in JetStream KV cannot contain spaces
func sanitizeKey(key string) string {
	return strings.ReplaceAll(key, " ", "_")
}

func (s *KV) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.bucket.Put(ctx, sanitizeKey(key), value)
	return err
}

func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.bucket.Get(ctx, sanitizeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", kv.ErrNotFound, key)
		}
		return nil, err
	}
	return entry.Value(), nil
}

func (s *KV) Delete(ctx context.Context, key string) error {
	err := s.bucket.Purge(ctx, sanitizeKey(key))
	if err != nil && errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

var _ kv.Store = (*KV)(nil)
