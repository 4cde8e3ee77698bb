package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicate     = errors.New("record already exists")
	ErrConflict      = errors.New("record was modified concurrently")
	ErrValueTooLarge = errors.New("attribute value too large")
	ErrInvalidRecord = errors.New("invalid record")
)

// MaxAttributeSize is the per-value limit applied unless WithLargeAttributes is set.
const MaxAttributeSize = 1024

// Record is the unit the backend persists: a bag of string attributes keyed
// by ID within a table. Revision is maintained by the backend and increases
// on every write.
type Record struct {
	ID         string
	Attributes map[string]string
	Revision   int64
}

// Backend is the durable collection contract. Where and Count accept the
// predicate language implemented by package predicate; results are ordered
// by ID ascending.
type Backend interface {
	Put(ctx context.Context, table string, rec Record, opts ...PutOption) error
	Insert(ctx context.Context, table string, rec Record, opts ...PutOption) error
	CompareAndSwap(ctx context.Context, table string, rec Record, opts ...PutOption) (int64, error)
	Get(ctx context.Context, table, id string) (Record, error)
	Where(ctx context.Context, table, pred string, consistentRead bool) ([]Record, error)
	Count(ctx context.Context, table, pred string) (int64, error)
	Delete(ctx context.Context, table, id string) error
	DeleteWhere(ctx context.Context, table, pred string) (int64, error)
}

type putOptions struct {
	allowLarge bool
}

type PutOption func(*putOptions)

// WithLargeAttributes lifts the MaxAttributeSize check for payload-bearing records.
func WithLargeAttributes() PutOption {
	return func(o *putOptions) { o.allowLarge = true }
}

func checkRecord(rec Record, opts []PutOption) error {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	if rec.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	if o.allowLarge {
		return nil
	}
	for k, v := range rec.Attributes {
		if len(v) > MaxAttributeSize {
			return fmt.Errorf("%w: %s is %d bytes", ErrValueTooLarge, k, len(v))
		}
	}
	return nil
}

func copyAttributes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Store groups the typed entity stores over one backend.
type Store struct {
	Backend Backend
}

func New(b Backend) *Store { return &Store{Backend: b} }
