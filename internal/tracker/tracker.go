// Package tracker is the reporting layer around the bucketing engine. It
// resolves the persisted identity, computes the active assignments for the
// catalog and records participations and events through an EventSink.
//
// Delivery is best-effort: sink failures are logged and never surface to the
// caller, so instrumentation cannot break the host application.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/abtest/internal/bucket"
	"github.com/yourorg/abtest/internal/catalog"
	"github.com/yourorg/abtest/internal/identity"
	"github.com/yourorg/abtest/internal/logger"
	"github.com/yourorg/abtest/internal/sink"
	"github.com/yourorg/abtest/internal/store"
	"github.com/yourorg/abtest/pkg/types"
)

// Options configures a Tracker. Catalog and Identity are required.
type Options struct {
	Catalog   *catalog.Catalog
	Identity  identity.Store
	Generator identity.Generator
	Sink      sink.EventSink
	// Store, when set, backs Results with the locally recorded history.
	Store  store.Store
	Logger logger.Logger
	Now    func() time.Time
}

type Tracker struct {
	catalog *catalog.Catalog
	ids     identity.Store
	gen     identity.Generator
	sink    sink.EventSink
	store   store.Store
	lggr    logger.Logger
	now     func() time.Time

	mu       sync.RWMutex
	identity string
}

func New(opts Options) (*Tracker, error) {
	if opts.Catalog == nil {
		return nil, errors.New("catalog is nil")
	}
	if opts.Identity == nil {
		return nil, errors.New("identity store is nil")
	}
	t := &Tracker{
		catalog: opts.Catalog,
		ids:     opts.Identity,
		gen:     opts.Generator,
		sink:    opts.Sink,
		store:   opts.Store,
		lggr:    opts.Logger,
		now:     opts.Now,
	}
	if t.gen == nil {
		t.gen = identity.Legacy()
	}
	if t.sink == nil {
		t.sink = sink.Discard{}
	}
	if t.lggr == nil {
		t.lggr = logger.Nop()
	}
	t.lggr = t.lggr.Named("tracker")
	if t.now == nil {
		t.now = time.Now
	}
	return t, nil
}

// Identity resolves the identity once and caches it for the session.
func (t *Tracker) Identity(ctx context.Context) (string, error) {
	t.mu.RLock()
	id := t.identity
	t.mu.RUnlock()
	if id != "" {
		return id, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.identity != "" {
		return t.identity, nil
	}
	id, err := identity.Resolve(ctx, t.ids, t.gen)
	if err != nil {
		return "", err
	}
	t.identity = id
	return id, nil
}

// Start resolves the identity and records a participation for every
// experiment the identity is assigned to. It returns the assignments sorted
// by experiment id.
func (t *Tracker) Start(ctx context.Context, url string) ([]types.Assignment, error) {
	id, err := t.Identity(ctx)
	if err != nil {
		return nil, err
	}
	active, err := bucket.ActiveAssignments(id, t.catalog.Experiments(), t.now())
	if err != nil {
		return nil, err
	}
	out := make([]types.Assignment, 0, len(active))
	for expID, variant := range active {
		out = append(out, types.Assignment{ExperimentID: expID, Variant: variant, Identity: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExperimentID < out[j].ExperimentID })

	t.lggr.Infow("experiments resolved", "identity", id, "active", len(out), "configured", t.catalog.Len())
	for _, a := range out {
		t.lggr.Debugw("assignment", "experiment", a.ExperimentID, "variant", a.Variant)
		if err := t.RecordParticipation(ctx, a.ExperimentID, a.Variant, url); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ActiveExperiments maps every experiment the identity takes part in to its
// variant.
func (t *Tracker) ActiveExperiments(ctx context.Context) (map[string]string, error) {
	id, err := t.Identity(ctx)
	if err != nil {
		return nil, err
	}
	return bucket.ActiveAssignments(id, t.catalog.Experiments(), t.now())
}

// Variant returns the identity's variant for expID. ok is false when the
// experiment is unknown or the identity is not part of it.
func (t *Tracker) Variant(ctx context.Context, expID string) (string, bool, error) {
	exp, found := t.catalog.Get(expID)
	if !found {
		return "", false, nil
	}
	id, err := t.Identity(ctx)
	if err != nil {
		return "", false, err
	}
	a, ok, err := bucket.Assign(id, exp, t.now())
	if err != nil || !ok {
		return "", false, err
	}
	return a.Variant, true, nil
}

// RecordParticipation sends one participation. Only identity resolution
// errors are returned.
func (t *Tracker) RecordParticipation(ctx context.Context, expID, variant, url string) error {
	id, err := t.Identity(ctx)
	if err != nil {
		return err
	}
	p := types.Participation{
		ExperimentID: expID,
		Variant:      variant,
		UserID:       id,
		Timestamp:    t.now().UTC(),
		URL:          url,
	}
	if err := t.sink.Participation(ctx, p); err != nil {
		t.lggr.Warnw("sending participation failed", "experiment", expID, "variant", variant, "err", err)
	}
	return nil
}

// RecordEvent sends one event tagged with the active experiments.
func (t *Tracker) RecordEvent(ctx context.Context, eventType string, data map[string]any, url string) error {
	if eventType == "" {
		return errors.New("event type is required")
	}
	id, err := t.Identity(ctx)
	if err != nil {
		return err
	}
	active, err := t.ActiveExperiments(ctx)
	if err != nil {
		return err
	}
	e := types.Event{
		EventType:   eventType,
		EventData:   data,
		UserID:      id,
		Timestamp:   t.now().UTC(),
		URL:         url,
		Experiments: active,
	}
	if err := t.sink.Event(ctx, e); err != nil {
		t.lggr.Warnw("sending event failed", "event_type", eventType, "err", err)
	}
	return nil
}

// Results is the locally recorded history for the identity.
type Results struct {
	Identity          string                `json:"identity"`
	Participations    []types.Participation `json:"participations"`
	Events            []types.Event         `json:"events"`
	ActiveExperiments map[string]string     `json:"activeExperiments"`
}

func (t *Tracker) Results(ctx context.Context) (*Results, error) {
	id, err := t.Identity(ctx)
	if err != nil {
		return nil, err
	}
	active, err := t.ActiveExperiments(ctx)
	if err != nil {
		return nil, err
	}
	r := &Results{Identity: id, ActiveExperiments: active, Participations: []types.Participation{}, Events: []types.Event{}}
	if t.store == nil {
		return r, nil
	}
	if r.Participations, err = t.store.ListParticipations(ctx, store.Filter{UserID: id}); err != nil {
		return nil, fmt.Errorf("list participations: %w", err)
	}
	if r.Events, err = t.store.ListEvents(ctx, store.Filter{UserID: id}); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return r, nil
}
