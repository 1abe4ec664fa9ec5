package storage

import (
	"context"
	"errors"

	"github.com/raterudder/solarcurtail/pkg/types"
)

var (
	// ErrStateNotFound is returned when no state has been saved yet.
	ErrStateNotFound = errors.New("state not found")

	// ErrMalformedState is returned when a saved state cannot be decoded.
	ErrMalformedState = errors.New("malformed state")
)

// Database loads and saves the single persisted state record. Implementations
// do not serialize concurrent read-modify-write cycles; callers must.
type Database interface {
	GetState(ctx context.Context) (types.PersistedState, error)
	SetState(ctx context.Context, state types.PersistedState) error

	// Lifecycle
	Close() error
}
