package statestore

import (
	"context"
	"encoding/json"
)

// MutateJSON is a generic helper over WithLock: it unmarshals the current
// document into a value of type T (zero value if absent), lets fn mutate
// it in place, and marshals the result back.
func MutateJSON[T any](ctx context.Context, s *Store, fn func(current *T) error) (*T, error) {
	var result T
	err := s.WithLock(ctx, func(current json.RawMessage) (json.RawMessage, error) {
		var v T
		if len(current) > 0 {
			if err := json.Unmarshal(current, &v); err != nil {
				return nil, err
			}
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		result = v
		return json.Marshal(v)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ReadJSON reads and decodes the current document into a value of type T.
func ReadJSON[T any](ctx context.Context, s *Store) (*T, error) {
	var v T
	raw, err := s.ReadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
