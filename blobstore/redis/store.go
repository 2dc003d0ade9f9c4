// Package redis provides a blobstore.Store backed by a Redis keyspace.
//
// Blobs are plain string values under "<prefix>:<name>". Listing uses SCAN,
// so it never blocks the server.
package redis

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/hupe1980/vecmesh/blobstore"
	"github.com/redis/go-redis/v9"
)

// Options configures the Redis connection.
type Options struct {
	// Address is the Redis server address.
	Address string
	// Password required when connecting to the Redis server.
	Password string
	// DB to connect to.
	DB int
	// Prefix namespaces every key.
	Prefix string
}

// DefaultOptions returns options for a local Redis.
func DefaultOptions() Options {
	return Options{
		Address: "localhost:6379",
		Prefix:  "vecmesh",
	}
}

// Store implements blobstore.Store on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ blobstore.Store = (*Store)(nil)

// New wraps an existing client.
func New(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Open connects to Redis with opts and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return New(client, opts.Prefix), nil
}

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + ":" + name
}

// Put writes a blob.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	return s.client.Set(ctx, s.key(name), data, 0).Err()
}

// Get reads a blob.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, blobstore.ErrNotFound
	}
	return data, err
}

// Exists reports whether a blob exists.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(name)).Result()
	return n > 0, err
}

// Delete removes a blob.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.client.Del(ctx, s.key(name)).Err()
}

// List returns the blob names with the given prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	iter := s.client.Scan(ctx, 0, escapeGlob(s.key(prefix))+"*", 100).Iterator()
	for iter.Next(ctx) {
		name := iter.Val()
		if s.prefix != "" {
			name = strings.TrimPrefix(name, s.prefix+":")
		}
		names = append(names, name)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
