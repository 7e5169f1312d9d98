// Package marker implements the invalidation marker: an existence-only
// signal that tells long-lived readers to reload the stores.
package marker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"

	"halong/internal/config"
	"halong/internal/store"
)

// Marker is published after a committed write and consumed by a reader.
type Marker interface {
	// Publish sets the marker. Publishing an existing marker is a no-op
	// apart from refreshing its timestamp.
	Publish(ctx context.Context) error

	// Consume clears the marker and reports whether it was set.
	Consume(ctx context.Context) (bool, error)

	// Exists reports whether the marker is set without clearing it.
	Exists(ctx context.Context) (bool, error)
}

// New builds the marker selected by cfg.
func New(cfg config.Marker) (Marker, error) {
	switch cfg.Backend {
	case "", "file":
		if cfg.Path == "" {
			return nil, errors.New("marker: file backend needs a path")
		}
		return NewFile(cfg.Path), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		return NewRedis(client, cfg.RedisKey), nil
	default:
		return nil, fmt.Errorf("marker: unknown backend %q", cfg.Backend)
	}
}

// File is a marker backed by the existence of a file.
type File struct {
	path string
	now  func() time.Time
}

// NewFile returns a file marker at path.
func NewFile(path string) *File {
	return &File{path: path, now: time.Now}
}

// Path returns the marker file path.
func (f *File) Path() string { return f.path }

// Publish creates the marker file atomically. The body is the publish time.
func (f *File) Publish(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating marker dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+store.TempMarker+"*")
	if err != nil {
		return fmt.Errorf("creating marker: %w", err)
	}
	tmpPath := tmp.Name()
	_, werr := tmp.WriteString(f.now().UTC().Format(time.RFC3339Nano))
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmpPath, f.path)
	}
	if werr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publishing marker: %w", werr)
	}
	return nil
}

// CleanupOrphans removes temp files left beside the marker by an
// interrupted Publish.
func (f *File) CleanupOrphans() ([]string, error) {
	matches, err := filepath.Glob(f.path + store.TempMarker + "*")
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("removing orphan %s: %w", m, err)
		}
	}
	return matches, nil
}

// Consume removes the marker file.
func (f *File) Consume(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := os.Remove(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consuming marker: %w", err)
	}
	return true, nil
}

// Exists reports whether the marker file is present.
func (f *File) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking marker: %w", err)
	}
	return true, nil
}

// Redis is a marker stored as a single key.
type Redis struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// DefaultRedisKey is used when no key is configured.
const DefaultRedisKey = "halong:invalidate"

// NewRedis returns a marker stored under key.
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key, now: time.Now}
}

// Publish sets the key to the publish time.
func (r *Redis) Publish(ctx context.Context) error {
	ts := r.now().UTC().Format(time.RFC3339Nano)
	if err := r.client.Set(ctx, r.key, ts, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Consume deletes the key. DEL is atomic, so only one consumer observes a
// given publish.
func (r *Redis) Consume(ctx context.Context) (bool, error) {
	n, err := r.client.Del(ctx, r.key).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return n > 0, nil
}

// Exists reports whether the key is set.
func (r *Redis) Exists(ctx context.Context) (bool, error) {
	n, err := r.client.Exists(ctx, r.key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Close releases the client.
func (r *Redis) Close() error { return r.client.Close() }
