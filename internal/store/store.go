package store

import (
	"context"
	"errors"
	"time"

	"github.com/yourorg/abtest/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Filter narrows list queries. Zero fields match everything.
type Filter struct {
	UserID       string
	ExperimentID string
	EventType    string
	Since        time.Time
	Limit        int
}

type Store interface {
	SaveParticipation(ctx context.Context, p *types.Participation) error
	ListParticipations(ctx context.Context, f Filter) ([]types.Participation, error)

	SaveEvent(ctx context.Context, e *types.Event) error
	ListEvents(ctx context.Context, f Filter) ([]types.Event, error)

	GetIdentity(ctx context.Context, profile string) (string, error)
	SetIdentity(ctx context.Context, profile, id string) error

	Report(ctx context.Context) (*types.Report, error)
	Purge(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
