// Package sink delivers participations and events recorded by the tracker.
package sink

import (
	"context"
	"errors"

	"github.com/yourorg/abtest/internal/sanitize"
	"github.com/yourorg/abtest/internal/store"
	"github.com/yourorg/abtest/pkg/types"
)

// EventSink receives tracked records. Implementations must be safe for
// concurrent use.
type EventSink interface {
	Participation(ctx context.Context, p types.Participation) error
	Event(ctx context.Context, e types.Event) error
}

var (
	_ EventSink = (*StoreSink)(nil)
	_ EventSink = (*HTTPSink)(nil)
	_ EventSink = Multi(nil)
	_ EventSink = Discard{}
)

// StoreSink writes records to a local store, redacting them first when a
// sanitizer is set.
type StoreSink struct {
	st        store.Store
	sanitizer *sanitize.Sanitizer
}

func NewStoreSink(st store.Store, sanitizer *sanitize.Sanitizer) *StoreSink {
	return &StoreSink{st: st, sanitizer: sanitizer}
}

func (s *StoreSink) Participation(ctx context.Context, p types.Participation) error {
	if s.sanitizer != nil {
		p = s.sanitizer.Participation(p)
	}
	return s.st.SaveParticipation(ctx, &p)
}

func (s *StoreSink) Event(ctx context.Context, e types.Event) error {
	if s.sanitizer != nil {
		e = s.sanitizer.Event(e)
	}
	return s.st.SaveEvent(ctx, &e)
}

// Multi fans records out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []EventSink

func (m Multi) Participation(ctx context.Context, p types.Participation) error {
	var errs []error
	for _, s := range m {
		if err := s.Participation(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Event(ctx context.Context, e types.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Event(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Participation(context.Context, types.Participation) error { return nil }
func (Discard) Event(context.Context, types.Event) error                 { return nil }
