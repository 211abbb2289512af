package state

import "context"

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Lister is implemented by stores that can enumerate keys by prefix.
type Lister interface {
	List(ctx context.Context, prefix string) (map[string]string, error)
}
