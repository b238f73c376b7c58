package cookies

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cookiesync/internal/audit"
	"go.uber.org/zap"
)

const (
	// DefaultRecordTTL bounds how long an uploaded payload stays servable.
	DefaultRecordTTL = 30 * 24 * time.Hour
	// DefaultCacheTTL bounds how long a cached record mirror lives.
	DefaultCacheTTL = 24 * time.Hour
	// DefaultTombstoneRetention keeps tombstoned rows around before purge.
	DefaultTombstoneRetention = 30 * 24 * time.Hour
	// DefaultSweepBatchSize caps how many expired records one purge inspects.
	DefaultSweepBatchSize = 500
)

const (
	opServiceNew = "cookies.service.new"
	opUpload     = "cookies.upload"
	opDownload   = "cookies.download"
	opExists     = "cookies.exists"
	opDelete     = "cookies.delete"
	opStats      = "cookies.stats"
	opOverview   = "cookies.overview"
	opPurge      = "cookies.purge"
)

var (
	errMissingStore   = errors.New("record store is required")
	errMissingCodec   = errors.New("payload codec is required")
	errEmptyPayload   = errors.New("payload is empty")
	errRecordExpired  = errors.New("record expired")
	errNoActiveRecord = errors.New("no active record for user")
)

// ServiceConfig wires the sync service collaborators.
type ServiceConfig struct {
	Store              RecordStore
	Cache              Cache
	Codec              PayloadCodec
	Audit              audit.Sink
	Clock              func() time.Time
	Logger             *zap.Logger
	RecordTTL          time.Duration
	CacheTTL           time.Duration
	TombstoneRetention time.Duration
	SweepBatchSize     int
}

// Service orchestrates codec, store and cache into the cookie sync operations.
type Service struct {
	store              RecordStore
	cache              Cache
	codec              PayloadCodec
	audit              audit.Sink
	clock              func() time.Time
	logger             *zap.Logger
	recordTTL          time.Duration
	cacheTTL           time.Duration
	tombstoneRetention time.Duration
	sweepBatchSize     int
}

// NewService validates the configuration and applies defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", KindInternal, errMissingStore)
	}
	if cfg.Codec == nil {
		return nil, newServiceError(opServiceNew, "missing_codec", KindInternal, errMissingCodec)
	}

	cache := cfg.Cache
	if cache == nil {
		cache = nopCache{}
	}
	sink := cfg.Audit
	if sink == nil {
		sink = audit.NopSink{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	service := &Service{
		store:              cfg.Store,
		cache:              cache,
		codec:              cfg.Codec,
		audit:              sink,
		clock:              clock,
		logger:             logger,
		recordTTL:          cfg.RecordTTL,
		cacheTTL:           cfg.CacheTTL,
		tombstoneRetention: cfg.TombstoneRetention,
		sweepBatchSize:     cfg.SweepBatchSize,
	}
	if service.recordTTL <= 0 {
		service.recordTTL = DefaultRecordTTL
	}
	if service.cacheTTL <= 0 {
		service.cacheTTL = DefaultCacheTTL
	}
	if service.tombstoneRetention <= 0 {
		service.tombstoneRetention = DefaultTombstoneRetention
	}
	if service.sweepBatchSize <= 0 {
		service.sweepBatchSize = DefaultSweepBatchSize
	}
	return service, nil
}

// Upload seals the payload and stores it as the user's single active record.
// Concurrent uploads for one user resolve last-writer-wins at the store.
func (s *Service) Upload(ctx context.Context, rawUserID string, payload []byte, origin Origin) (err error) {
	startedAt := s.clock()
	event := audit.Event{
		Operation:       audit.OperationUpload,
		UserID:          rawUserID,
		ClientSignature: origin.Signature,
		ClientAddress:   origin.Address,
	}
	defer func() {
		s.emit(ctx, event, startedAt, err)
	}()

	userID, err := NewUserID(rawUserID)
	if err != nil {
		return s.fail(opUpload, "invalid_user_id", KindValidation, err, rawUserID)
	}
	event.UserID = userID.String()
	if len(payload) == 0 {
		return s.fail(opUpload, "empty_payload", KindValidation, errEmptyPayload, userID.String())
	}

	summary := SniffPayload(payload)
	event.ItemCount = summary.ItemCount

	ciphertext, err := s.codec.Encrypt(payload)
	if err != nil {
		return s.fail(opUpload, "encrypt_failed", KindEncoding, err, userID.String())
	}
	event.SizeBytes = int64(len(ciphertext))

	appliedAt := s.clock().UTC()
	stored, err := s.store.Upsert(ctx, UpsertInput{
		UserID:     userID,
		Ciphertext: ciphertext,
		ItemCount:  summary.ItemCount,
		Origin:     origin,
		AppliedAt:  appliedAt,
		ExpiresAt:  appliedAt.Add(s.recordTTL),
	})
	if err != nil {
		return s.fail(opUpload, "store_upsert_failed", KindStore, err, userID.String())
	}

	s.cacheRecord(ctx, opUpload, userID, stored)

	s.logger.Debug("cookie payload uploaded",
		zap.String("user_id", userID.String()),
		zap.Int64("version", stored.Version),
		zap.Int64("item_count", stored.ItemCount),
		zap.String("shape", summary.Shape.String()))
	return nil
}

// Download returns the decrypted payload for the user from cache or store.
func (s *Service) Download(ctx context.Context, rawUserID string, origin Origin) (result PlaintextRecord, err error) {
	startedAt := s.clock()
	event := audit.Event{
		Operation:       audit.OperationDownload,
		UserID:          rawUserID,
		ClientSignature: origin.Signature,
		ClientAddress:   origin.Address,
	}
	defer func() {
		s.emit(ctx, event, startedAt, err)
	}()

	userID, err := NewUserID(rawUserID)
	if err != nil {
		return PlaintextRecord{}, s.fail(opDownload, "invalid_user_id", KindValidation, err, rawUserID)
	}
	event.UserID = userID.String()

	record, err := s.loadRecord(ctx, userID)
	if err != nil {
		return PlaintextRecord{}, err
	}
	event.SizeBytes = record.SizeBytes
	event.ItemCount = record.ItemCount

	if record.ExpiredAt(s.clock()) {
		return PlaintextRecord{}, s.fail(opDownload, "expired", KindExpired, errRecordExpired, userID.String())
	}

	payload, err := s.codec.Decrypt(record.Ciphertext)
	if err != nil {
		return PlaintextRecord{}, s.fail(opDownload, "integrity_check_failed", KindIntegrity, err, userID.String())
	}

	return PlaintextRecord{
		ID:        record.ID,
		UserID:    record.UserID,
		Payload:   payload,
		SizeBytes: record.SizeBytes,
		ItemCount: record.ItemCount,
		Origin:    record.Origin,
		Version:   record.Version,
		CreatedAt: record.CreatedAt(),
		UpdatedAt: record.UpdatedAt(),
		ExpiresAt: record.ExpiresAt(),
	}, nil
}

func (s *Service) loadRecord(ctx context.Context, userID UserID) (Record, error) {
	cached, hit, cacheErr := s.cache.Get(ctx, userID.String())
	if cacheErr != nil {
		s.logger.Warn("cookie cache read failed",
			zap.String("operation", opDownload),
			zap.String("user_id", userID.String()),
			zap.Error(cacheErr))
	}
	if cacheErr == nil && hit {
		return cached, nil
	}

	record, err := s.store.GetByUser(ctx, userID)
	if errors.Is(err, ErrRecordNotFound) {
		return Record{}, s.fail(opDownload, "not_found", KindNotFound, errNoActiveRecord, userID.String())
	}
	if err != nil {
		return Record{}, s.fail(opDownload, "store_lookup_failed", KindStore, err, userID.String())
	}

	s.cacheRecord(ctx, opDownload, userID, record)
	return record, nil
}

// cacheRecord mirrors record into the cache for at most the remaining record
// lifetime, so a cache entry never outlives the record's expiry.
func (s *Service) cacheRecord(ctx context.Context, operation string, userID UserID, record Record) {
	ttl := s.cacheTTL
	if remaining := record.ExpiresAt().Sub(s.clock()); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, userID.String(), record, ttl); err != nil {
		s.logger.Warn("cookie cache write failed",
			zap.String("operation", operation),
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

// Exists reports whether the user has a servable record. A cache hit answers
// true without consulting the store, so a recently deleted record may still
// report true until its cache entry lapses.
func (s *Service) Exists(ctx context.Context, rawUserID string) (bool, error) {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return false, s.fail(opExists, "invalid_user_id", KindValidation, err, rawUserID)
	}

	hit, cacheErr := s.cache.Has(ctx, userID.String())
	if cacheErr != nil {
		s.logger.Warn("cookie cache probe failed",
			zap.String("operation", opExists),
			zap.String("user_id", userID.String()),
			zap.Error(cacheErr))
	} else if hit {
		return true, nil
	}

	record, err := s.store.GetByUser(ctx, userID)
	if errors.Is(err, ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, s.fail(opExists, "store_lookup_failed", KindStore, err, userID.String())
	}
	return !record.ExpiredAt(s.clock()), nil
}

// Delete tombstones the user's active record and always drops its cache entry.
func (s *Service) Delete(ctx context.Context, rawUserID string) (err error) {
	startedAt := s.clock()
	event := audit.Event{Operation: audit.OperationDelete, UserID: rawUserID}
	defer func() {
		s.emit(ctx, event, startedAt, err)
	}()

	userID, err := NewUserID(rawUserID)
	if err != nil {
		return s.fail(opDelete, "invalid_user_id", KindValidation, err, rawUserID)
	}
	event.UserID = userID.String()

	affected, storeErr := s.store.Tombstone(ctx, userID, s.clock().UTC())
	if cacheErr := s.cache.Invalidate(ctx, userID.String()); cacheErr != nil {
		s.logger.Warn("cookie cache invalidation failed",
			zap.String("operation", opDelete),
			zap.String("user_id", userID.String()),
			zap.Error(cacheErr))
	}
	if storeErr != nil {
		return s.fail(opDelete, "store_tombstone_failed", KindStore, storeErr, userID.String())
	}
	if affected == 0 {
		return s.fail(opDelete, "not_found", KindNotFound, errNoActiveRecord, userID.String())
	}
	return nil
}

// Stats returns record metadata read fresh from the store.
func (s *Service) Stats(ctx context.Context, rawUserID string) (Stats, error) {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return Stats{}, s.fail(opStats, "invalid_user_id", KindValidation, err, rawUserID)
	}

	record, err := s.store.GetByUser(ctx, userID)
	if errors.Is(err, ErrRecordNotFound) {
		return Stats{}, s.fail(opStats, "not_found", KindNotFound, errNoActiveRecord, userID.String())
	}
	if err != nil {
		return Stats{}, s.fail(opStats, "store_lookup_failed", KindStore, err, userID.String())
	}
	if record.ExpiredAt(s.clock()) {
		return Stats{}, s.fail(opStats, "expired", KindExpired, errRecordExpired, userID.String())
	}

	return Stats{
		ItemCount: record.ItemCount,
		SizeBytes: record.SizeBytes,
		Version:   record.Version,
		CreatedAt: record.CreatedAt(),
		UpdatedAt: record.UpdatedAt(),
		ExpiresAt: record.ExpiresAt(),
	}, nil
}

// Overview aggregates every active, unexpired record.
func (s *Service) Overview(ctx context.Context) (AggregateStats, error) {
	stats, err := s.store.CountActive(ctx, s.clock().UTC())
	if err != nil {
		return AggregateStats{}, s.fail(opOverview, "store_aggregate_failed", KindStore, err, "")
	}
	return stats, nil
}

// Health probes the store with an aggregate query and runs the codec self-test.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{CodecHealthy: s.codec.SelfTest()}
	stats, err := s.store.CountActive(ctx, s.clock().UTC())
	if err != nil {
		report.StoreError = err.Error()
		s.logger.Warn("cookie store health probe failed", zap.Error(err))
	} else {
		report.StoreHealthy = true
		report.Stats = stats
	}
	if !report.CodecHealthy {
		s.logger.Error("codec self-test failed")
	}
	return report
}

// PurgeExpired drops cache entries for one batch of expired records and then
// physically removes expired and long-tombstoned rows.
func (s *Service) PurgeExpired(ctx context.Context) (PurgeResult, error) {
	now := s.clock().UTC()
	expired, err := s.store.FindExpired(ctx, now, s.sweepBatchSize)
	if err != nil {
		return PurgeResult{}, s.fail(opPurge, "store_scan_failed", KindStore, err, "")
	}
	for _, record := range expired {
		if cacheErr := s.cache.Invalidate(ctx, record.UserID); cacheErr != nil {
			s.logger.Warn("cookie cache invalidation failed",
				zap.String("operation", opPurge),
				zap.String("user_id", record.UserID),
				zap.Error(cacheErr))
		}
	}

	purged, err := s.store.PurgeExpired(ctx, now, now.Add(-s.tombstoneRetention))
	if err != nil {
		return PurgeResult{ExpiredFound: len(expired)}, s.fail(opPurge, "store_purge_failed", KindStore, err, "")
	}
	if purged > 0 {
		s.logger.Info("purged cookie records",
			zap.Int("expired_found", len(expired)),
			zap.Int64("purged", purged))
	}
	return PurgeResult{ExpiredFound: len(expired), Purged: purged}, nil
}

func (s *Service) emit(ctx context.Context, event audit.Event, startedAt time.Time, opErr error) {
	event.Success = opErr == nil
	if opErr != nil {
		event.ErrorDetail = opErr.Error()
	}
	event.OccurredAt = s.clock().UTC()
	event.Duration = event.OccurredAt.Sub(startedAt)
	if event.Duration < 0 {
		event.Duration = 0
	}
	if err := s.audit.Emit(ctx, event); err != nil {
		s.logger.Warn("audit event dropped",
			zap.String("operation", string(event.Operation)),
			zap.String("user_id", event.UserID),
			zap.Error(err))
	}
}

func (s *Service) fail(operation, reason string, kind ErrorKind, cause error, userID string) error {
	s.logError(operation, reason, cause, zap.String("user_id", userID))
	return newServiceError(operation, reason, kind, cause)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	s.logger.Error("cookie service operation failed", allFields...)
}
