// Package memory provides an in-memory implementation of the storage
// Adapter. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/veridianlabs/idp/instrumentation"
	"github.com/veridianlabs/idp/storage"
)

// recordKey addresses a record inside the polymorphic map.
type recordKey struct {
	kind storage.Kind
	id   string
}

// Store is an in-memory Adapter. A single map holds every artifact kind;
// uid and user-code secondary indexes are maintained alongside.
type Store struct {
	mu sync.RWMutex

	records    map[recordKey]*storage.Record
	byUID      map[string]recordKey // session uid -> key
	byUserCode map[string]recordKey // device user code -> key

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counter for metrics (lock-free access during collection)
	recordCountAtomic atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface check.
var _ storage.Adapter = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, the default of 1 minute is
// used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		records:         make(map[recordKey]*storage.Record),
		byUID:           make(map[string]recordKey),
		byUserCode:      make(map[string]recordKey),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	// Background reaper for physically deleting soft-expired records.
	// Reads already enforce expiry; this only bounds memory growth.
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}
	s.recordCountAtomic.Store(int64(len(s.records)))
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterStorageSizeCallback(func() int64 {
			return s.recordCountAtomic.Load()
		}); err != nil {
			s.logger.Warn("Failed to register storage size callback", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Upsert writes or replaces a record.
func (s *Store) Upsert(ctx context.Context, rec *storage.Record, expiresIn time.Duration) error {
	ctx, span := s.startStorageSpan(ctx, "upsert")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "upsert", err, startTime) }()

	if rec == nil {
		err = fmt.Errorf("record cannot be nil")
		return err
	}
	if rec.ID == "" {
		err = fmt.Errorf("record id cannot be empty")
		return err
	}

	stored := *rec
	if expiresIn > 0 {
		stored.ExpiresAt = time.Now().Add(expiresIn)
	} else {
		stored.ExpiresAt = time.Time{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{rec.Kind, rec.ID}
	if _, existed := s.records[key]; !existed {
		s.recordCountAtomic.Add(1)
	}
	s.records[key] = &stored

	if stored.UID != "" {
		s.byUID[stored.UID] = key
	}
	if stored.UserCode != "" {
		s.byUserCode[stored.UserCode] = key
	}

	s.logger.Debug("Upserted record", "kind", rec.Kind, "id", safeTruncate(rec.ID, 8))
	return nil
}

// Find returns a record, or nil when missing or soft-expired.
func (s *Store) Find(ctx context.Context, kind storage.Kind, id string) (*storage.Record, error) {
	ctx, span := s.startStorageSpan(ctx, "find")
	defer span.End()

	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "find", nil, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveRecordLocked(recordKey{kind, id}), nil
}

// FindByUserCode looks up a device code by user code.
func (s *Store) FindByUserCode(ctx context.Context, userCode string) (*storage.Record, error) {
	ctx, span := s.startStorageSpan(ctx, "find_by_user_code")
	defer span.End()

	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "find_by_user_code", nil, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byUserCode[userCode]
	if !ok {
		return nil, nil
	}
	return s.liveRecordLocked(key), nil
}

// FindByUID looks up a session by uid.
func (s *Store) FindByUID(ctx context.Context, uid string) (*storage.Record, error) {
	ctx, span := s.startStorageSpan(ctx, "find_by_uid")
	defer span.End()

	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "find_by_uid", nil, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byUID[uid]
	if !ok {
		return nil, nil
	}
	return s.liveRecordLocked(key), nil
}

// liveRecordLocked returns a copy of the record if present and unexpired.
// Soft-expiry: an expired record is reported as absent even before the
// cleanup loop deletes it. Caller must hold at least the read lock.
func (s *Store) liveRecordLocked(key recordKey) *storage.Record {
	rec, ok := s.records[key]
	if !ok || rec.Expired(time.Now()) {
		return nil
	}
	out := *rec
	return &out
}

// Consume marks a record consumed. Calling it twice is a silent no-op; the
// first mark wins.
func (s *Store) Consume(ctx context.Context, kind storage.Kind, id string) error {
	ctx, span := s.startStorageSpan(ctx, "consume")
	defer span.End()

	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume", nil, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{kind, id}]
	if !ok || rec.Consumed() {
		return nil
	}
	rec.ConsumedAt = time.Now()
	return nil
}

// ConsumeOnce atomically checks the record is unconsumed and marks it.
// The write lock is the synchronization point: no two concurrent calls can
// both observe an unconsumed record.
func (s *Store) ConsumeOnce(ctx context.Context, kind storage.Kind, id string) (*storage.Record, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_once")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "consume_once", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{kind, id}]
	if !ok || rec.Expired(time.Now()) {
		return nil, nil
	}
	if rec.Consumed() {
		err = storage.ErrConsumed
		return nil, err
	}

	before := *rec
	rec.ConsumedAt = time.Now()
	return &before, nil
}

// Destroy deletes a record. Missing ids are a no-op.
func (s *Store) Destroy(ctx context.Context, kind storage.Kind, id string) error {
	ctx, span := s.startStorageSpan(ctx, "destroy")
	defer span.End()

	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "destroy", nil, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(recordKey{kind, id})
	return nil
}

// RevokeByGrantID deletes every record whose grant id matches. The write
// lock makes the deletions visible before the call returns.
func (s *Store) RevokeByGrantID(ctx context.Context, grantID string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_by_grant_id")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "revoke_by_grant_id", err, startTime) }()

	if grantID == "" {
		err = fmt.Errorf("grantID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.records {
		if rec.GrantID == grantID {
			s.deleteLocked(key)
			removed++
		}
	}

	s.logger.Debug("Revoked records by grant",
		"grant_id", safeTruncate(grantID, 8),
		"removed", removed)
	return nil
}

// deleteLocked removes a record and its index entries. Caller must hold the
// write lock.
func (s *Store) deleteLocked(key recordKey) {
	rec, ok := s.records[key]
	if !ok {
		return
	}
	delete(s.records, key)
	s.recordCountAtomic.Add(-1)
	if rec.UID != "" {
		delete(s.byUID, rec.UID)
	}
	if rec.UserCode != "" {
		delete(s.byUserCode, rec.UserCode)
	}
}

// cleanupLoop periodically deletes expired records.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.CleanupExpired(context.Background())
		case <-s.stopCleanup:
			return
		}
	}
}

// CleanupExpired removes records past their expiry and reports how many were
// deleted. Consumed-but-unexpired records are kept: the consumption mark is
// what enables replay detection. The cleanup loop calls this periodically;
// it may also be invoked directly.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.records {
		if rec.Expired(now) {
			s.deleteLocked(key)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired records", "removed", removed)
	}
	return removed, nil
}

// startStorageSpan starts a tracing span for a storage operation.
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

// recordStorageOperation records metrics for a storage operation and sets
// the span status.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

// safeTruncate safely truncates a string to maxLen characters for logging.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
