package impl

import (
	"context"
	"errors"
	"fmt"

	"backplane/internal/domain"
	"backplane/internal/observability/logging"
	"backplane/internal/store"
)

const (
	// maxCASAttempts bounds optimistic read-modify-write loops.
	maxCASAttempts = 8
	// maxIDAttempts bounds regeneration after an ID collision.
	maxIDAttempts = 3
)

var errIDExhausted = errors.New("could not allocate a unique id")

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}

// insertWithFreshID calls insert with newly generated IDs until one does
// not collide.
func insertWithFreshID(ctx context.Context, kind string, newID func() string, insert func(id string) error) (string, error) {
	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		id := newID()
		err := insert(id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return "", err
		}
		logging.FromContext(ctx).Warn("id collision, regenerating", "kind", kind, "id", id, "attempt", attempt)
	}
	return "", fmt.Errorf("%w: %s: %w", domain.ErrServer, kind, errIDExhausted)
}
