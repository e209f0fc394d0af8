// Package eventstore appends batches of domain events to an aggregate's
// stream with optimistic concurrency control. The backing store arbitrates
// between writers: a batch is committed only if the stream still has the
// length the batch starts at, and the whole batch becomes visible at once.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/streamstore/internal/clock"
	"github.com/jensholdgaard/streamstore/internal/event"
	"github.com/jensholdgaard/streamstore/internal/store"
	"github.com/jensholdgaard/streamstore/internal/stream"
	"github.com/jensholdgaard/streamstore/internal/telemetry"
)

const instrumentationName = "github.com/jensholdgaard/streamstore/internal/eventstore"

// Publisher receives the events of every committed batch.
type Publisher interface {
	Publish(ctx context.Context, key string, events []event.Event) error
}

// Store appends events to aggregate streams. It is safe for concurrent use.
type Store struct {
	provider  store.Provider
	codec     event.Codec
	clock     clock.Clock
	publisher Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	meter     metric.MeterProvider

	outcomes  metric.Int64Counter
	batchSize metric.Int64Histogram
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher sets a Publisher notified after each successful commit.
func WithPublisher(p Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithClock sets the clock used to stamp events without a CreatedAt.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithMeterProvider sets the meter provider for append metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Store) { s.meter = mp }
}

// New returns a Store appending through provider with codec.
func New(provider store.Provider, codec event.Codec, logger *slog.Logger, tp trace.TracerProvider, opts ...Option) (*Store, error) {
	s := &Store{
		provider: provider,
		codec:    codec,
		clock:    clock.Real{},
		logger:   logger,
		tracer:   tp.Tracer(instrumentationName),
		meter:    metricnoop.NewMeterProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := s.meter.Meter(instrumentationName)
	var err error
	s.outcomes, err = meter.Int64Counter("streamstore.append.outcomes",
		metric.WithDescription("Append attempts by outcome."))
	if err != nil {
		return nil, fmt.Errorf("creating outcomes counter: %w", err)
	}
	s.batchSize, err = meter.Int64Histogram("streamstore.append.batch_size",
		metric.WithDescription("Number of events in committed batches."))
	if err != nil {
		return nil, fmt.Errorf("creating batch size histogram: %w", err)
	}
	return s, nil
}

// Append commits events to the stream of (aggregateType, aggregateID) if
// and only if the stream's length equals events[0].Sequence when the
// store commits. Events with an empty aggregate type or identifier take
// the call's; a zero ID or CreatedAt is filled in.
//
// The returned error matches ErrInvalidBatch, ErrConcurrencyConflict or
// ErrStoreFailure. Append never retries.
func (s *Store) Append(ctx context.Context, aggregateType, aggregateID string, events []event.Event) (err error) {
	ctx, span := s.tracer.Start(ctx, "Store.Append",
		trace.WithAttributes(
			attribute.String("aggregate.type", aggregateType),
			attribute.String("aggregate.id", aggregateID),
			attribute.Int("batch.size", len(events)),
		),
	)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, fmt.Sprint(r))
			panic(r)
		}
		s.record(ctx, span, len(events), err)
	}()

	key, batch, payloads, err := s.prepare(aggregateType, aggregateID, events)
	if err != nil {
		return err
	}

	conn, err := s.provider.Acquire(ctx)
	if err != nil {
		return &StoreError{Op: "acquire", Err: err}
	}
	defer s.release(ctx, conn)

	if err := conn.Watch(ctx, key); err != nil {
		return &StoreError{Op: "watch", Err: err}
	}
	length, err := conn.Len(ctx, key)
	if err != nil {
		return &StoreError{Op: "length", Err: err}
	}

	expected := batch[0].Sequence
	if expected != length {
		if unwatchErr := conn.Unwatch(ctx); unwatchErr != nil {
			s.logger.WarnContext(ctx, "dropping watch after length mismatch", slog.Any("error", unwatchErr))
		}
		return &ConflictError{
			AggregateType:    aggregateType,
			AggregateID:      aggregateID,
			ExpectedSequence: expected,
			ObservedLength:   length,
		}
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return &StoreError{Op: "begin", Err: err}
	}
	for _, p := range payloads {
		tx.Push(key, p)
	}
	if err := tx.Commit(ctx); err != nil {
		if errors.Is(err, store.ErrGuardViolated) {
			return &ConflictError{
				AggregateType:    aggregateType,
				AggregateID:      aggregateID,
				ExpectedSequence: expected,
				ObservedLength:   length,
				GuardViolated:    true,
			}
		}
		return &StoreError{Op: "commit", Err: err}
	}

	if s.publisher != nil {
		if pubErr := s.publisher.Publish(ctx, key, batch); pubErr != nil {
			telemetry.LogWithTrace(ctx, s.logger).ErrorContext(ctx, "publishing committed events",
				slog.String("stream", key),
				slog.Any("error", pubErr),
			)
		}
	}
	return nil
}

// Length returns the number of events committed to the stream of
// (aggregateType, aggregateID).
func (s *Store) Length(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "Store.Length",
		trace.WithAttributes(
			attribute.String("aggregate.type", aggregateType),
			attribute.String("aggregate.id", aggregateID),
		),
	)
	defer span.End()

	key, err := stream.Key(aggregateType, aggregateID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("deriving stream key: %w", err)
	}

	conn, err := s.provider.Acquire(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, &StoreError{Op: "acquire", Err: err}
	}
	defer s.release(ctx, conn)

	n, err := conn.Len(ctx, key)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, &StoreError{Op: "length", Err: err}
	}
	return n, nil
}

// release closes conn, logging a failure to do so.
func (s *Store) release(ctx context.Context, conn store.Conn) {
	if err := conn.Close(); err != nil {
		s.logger.WarnContext(ctx, "releasing store connection", slog.Any("error", err))
	}
}

// prepare validates events, fills in missing fields and serializes them.
func (s *Store) prepare(aggregateType, aggregateID string, events []event.Event) (string, []event.Event, [][]byte, error) {
	key, err := stream.Key(aggregateType, aggregateID)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %w", ErrInvalidBatch, err)
	}
	if len(events) == 0 {
		return "", nil, nil, fmt.Errorf("%w: no events", ErrInvalidBatch)
	}
	if events[0].Sequence < 0 {
		return "", nil, nil, fmt.Errorf("%w: negative first sequence %d", ErrInvalidBatch, events[0].Sequence)
	}

	batch := make([]event.Event, len(events))
	payloads := make([][]byte, len(events))
	for i, e := range events {
		if e.AggregateType == "" {
			e.AggregateType = aggregateType
		}
		if e.AggregateID == "" {
			e.AggregateID = aggregateID
		}
		if e.AggregateType != aggregateType || e.AggregateID != aggregateID {
			return "", nil, nil, fmt.Errorf("%w: event %d belongs to %s %q, not %s %q",
				ErrInvalidBatch, i, e.AggregateType, e.AggregateID, aggregateType, aggregateID)
		}
		if want := events[0].Sequence + int64(i); e.Sequence != want {
			return "", nil, nil, fmt.Errorf("%w: event %d has sequence %d, want %d",
				ErrInvalidBatch, i, e.Sequence, want)
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.clock.Now().UTC()
		}

		p, err := s.codec.Marshal(e)
		if err != nil {
			return "", nil, nil, fmt.Errorf("%w: event %d: %w", ErrInvalidBatch, i, err)
		}
		batch[i] = e
		payloads[i] = p
	}
	return key, batch, payloads, nil
}

// record logs the outcome of an append and updates span and metrics.
func (s *Store) record(ctx context.Context, span trace.Span, size int, err error) {
	logger := telemetry.LogWithTrace(ctx, s.logger)
	outcome := "committed"

	var conflict *ConflictError
	switch {
	case err == nil:
		s.batchSize.Record(ctx, int64(size))
		logger.DebugContext(ctx, "events appended", slog.Int("count", size))
	case errors.As(err, &conflict):
		outcome = "conflict"
		logger.InfoContext(ctx, "append conflict",
			slog.String("aggregate_type", conflict.AggregateType),
			slog.String("aggregate_id", conflict.AggregateID),
			slog.Int64("expected_sequence", conflict.ExpectedSequence),
			slog.Int64("observed_length", conflict.ObservedLength),
			slog.Bool("guard_violated", conflict.GuardViolated),
		)
	case errors.Is(err, ErrInvalidBatch):
		outcome = "invalid"
		logger.WarnContext(ctx, "invalid batch rejected", slog.Any("error", err))
	default:
		outcome = "store_failure"
		logger.ErrorContext(ctx, "append failed", slog.Any("error", err))
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("append.outcome", outcome))
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
