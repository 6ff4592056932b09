// Package buffer is the local, persistent key/value store used for queued
// audit entries and last-known consent state.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("buffer: key not found")

// UpdateFunc receives the current value (nil when absent) and returns the
// value to store. Returning nil removes the key.
type UpdateFunc func(cur []byte) ([]byte, error)

// Buffer stores opaque values by key. Update is an atomic read-modify-write
// and is the only safe way to mutate a value shared by concurrent callers.
type Buffer interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// GetJSON decodes the value at key into a T. A missing key yields the zero T
// and ErrNotFound.
func GetJSON[T any](ctx context.Context, b Buffer, key string) (T, error) {
	var out T
	raw, err := b.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("buffer: decode %s: %w", key, err)
	}
	return out, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, b Buffer, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("buffer: encode %s: %w", key, err)
	}
	return b.Set(ctx, key, raw)
}

// UpdateJSON atomically replaces the T stored at key with fn's result. fn
// receives the zero T when the key is absent.
func UpdateJSON[T any](ctx context.Context, b Buffer, key string, fn func(T) (T, error)) error {
	return b.Update(ctx, key, func(cur []byte) ([]byte, error) {
		var v T
		if cur != nil {
			if err := json.Unmarshal(cur, &v); err != nil {
				return nil, fmt.Errorf("buffer: decode %s: %w", key, err)
			}
		}
		next, err := fn(v)
		if err != nil {
			return nil, err
		}
		return json.Marshal(next)
	})
}

// List returns the list stored at key, or an empty list when absent.
func List[T any](ctx context.Context, b Buffer, key string) ([]T, error) {
	list, err := GetJSON[[]T](ctx, b, key)
	if errors.Is(err, ErrNotFound) {
		return []T{}, nil
	}
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []T{}
	}
	return list, nil
}

// UpdateList atomically rewrites the list at key. When limit > 0 the result
// is trimmed to its newest limit elements; the trimmed (oldest) elements are
// returned.
func UpdateList[T any](ctx context.Context, b Buffer, key string, limit int, fn func([]T) ([]T, error)) ([]T, error) {
	var evicted []T
	err := UpdateJSON(ctx, b, key, func(list []T) ([]T, error) {
		evicted = nil
		next, err := fn(list)
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(next) > limit {
			cut := len(next) - limit
			evicted = append([]T(nil), next[:cut]...)
			next = next[cut:]
		}
		if next == nil {
			next = []T{}
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

// Append adds items to the list at key, evicting the oldest beyond limit.
func Append[T any](ctx context.Context, b Buffer, key string, limit int, items ...T) ([]T, error) {
	return UpdateList(ctx, b, key, limit, func(list []T) ([]T, error) {
		return append(list, items...), nil
	})
}
