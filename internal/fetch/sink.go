package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/CZERTAINLY/Surveyor/internal/model"

	"github.com/redis/go-redis/v9"
)

// Sink is a durable, append-only destination of fetch results.
type Sink interface {
	Append(ctx context.Context, r model.FetchResult) error
}

// JSONLSink appends one JSON object per line to a file.
type JSONLSink struct {
	mx   sync.Mutex
	path string
	f    *os.File
}

// NewJSONLSink creates path, or truncates it, so the file holds the
// results of one run only.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening results file: %w", err)
	}
	return &JSONLSink{path: path, f: f}, nil
}

func (s *JSONLSink) Path() string {
	return s.path
}

func (s *JSONLSink) Append(_ context.Context, r model.FetchResult) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result %d: %w", r.Index, err)
	}
	b = append(b, '\n')

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.f == nil {
		return errors.New("sink already closed")
	}
	if _, err := s.f.Write(b); err != nil {
		return fmt.Errorf("writing result %d: %w", r.Index, err)
	}
	return nil
}

func (s *JSONLSink) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.f == nil {
		return errors.New("sink already closed")
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// RedisSink pushes every result as JSON to the tail of a Redis list.
type RedisSink struct {
	client *redis.Client
	key    string
}

// NewRedisSink connects to the redis:// or rediss:// url and verifies the
// connection.
func NewRedisSink(ctx context.Context, rawURL, key string) (*RedisSink, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting redis %s: %w", opt.Addr, err)
	}
	return &RedisSink{client: client, key: key}, nil
}

func (s *RedisSink) Key() string {
	return s.key
}

func (s *RedisSink) Append(ctx context.Context, r model.FetchResult) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result %d: %w", r.Index, err)
	}
	if err := s.client.RPush(ctx, s.key, b).Err(); err != nil {
		return fmt.Errorf("pushing result %d: %w", r.Index, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// MultiSink appends to every sink, a failing sink does not skip the rest.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, r model.FetchResult) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops all results.
type Discard struct{}

func (Discard) Append(context.Context, model.FetchResult) error {
	return nil
}
