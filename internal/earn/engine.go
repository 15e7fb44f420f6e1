package earn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ideaqlabs/earn/internal/metrics"
	"github.com/ideaqlabs/earn/internal/storage"
	"github.com/rs/zerolog"
)

// Config holds engine configuration
type Config struct {
	BaseRate         float64
	SeedReferrals    []Referral
	SessionCacheSize int
	BackupEnabled    bool
}

// Engine maintains one Session per identity key and enforces the
// username and accrual rules. Callers pass `now` explicitly.
type Engine struct {
	store    storage.Store
	cfg      Config
	sessions *lru.Cache[string, *Session]
	logger   zerolog.Logger
	mu       sync.Mutex
}

// NewEngine creates an engine over store
func NewEngine(store storage.Store, cfg Config, logger zerolog.Logger) (*Engine, error) {
	if cfg.BaseRate <= 0 {
		cfg.BaseRate = DefaultBaseRate
	}
	if cfg.SessionCacheSize <= 0 {
		cfg.SessionCacheSize = DefaultSessionCacheSize
	}

	cache, err := lru.New[string, *Session](cfg.SessionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}

	return &Engine{
		store:    store,
		cfg:      cfg,
		sessions: cache,
		logger:   logger.With().Str("component", "earn-engine").Logger(),
	}, nil
}

// LoadSession reads the persisted session for key directly from storage.
// Missing and corrupt records both yield (nil, nil).
func (e *Engine) LoadSession(ctx context.Context, key string) (*Session, error) {
	data, err := e.store.Get(ctx, RecordKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues("load").Inc()
		return nil, &PersistenceError{Op: "load", Key: key, Err: err}
	}

	session, err := decodeSession(data)
	if err != nil {
		metrics.CorruptRecords.Inc()
		e.logger.Warn().Err(err).Str("identity", key).Msg("Discarding corrupt session record")
		return nil, nil
	}
	return session, nil
}

// Session returns a copy of the current session for key, creating a fresh
// one on first interaction.
func (e *Engine) Session(ctx context.Context, key string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.sessionLocked(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Snapshot returns the session for key and its accrual state at now.
func (e *Engine) Snapshot(ctx context.Context, key string, now time.Time) (*Session, Snapshot, error) {
	s, err := e.Session(ctx, key)
	if err != nil {
		return nil, Snapshot{}, err
	}
	return s, ComputeSnapshot(s, now), nil
}

// Persist overwrites the stored record for key with session and makes it
// the in-memory session. Other identities' records are never touched.
//
// Timestamps are stored at millisecond resolution in UTC. A session that
// would not load back (bad rate or total, a period other than 24h) is
// rejected with ErrValidation and neither cached nor written.
func (e *Engine) Persist(ctx context.Context, key string, session *Session) error {
	if session == nil {
		return fmt.Errorf("%w: nil session", ErrValidation)
	}

	next := session.Clone()
	if !next.StartedAt.IsZero() {
		next.StartedAt = toMillis(next.StartedAt)
	}
	if !next.ExpiresAt.IsZero() {
		next.ExpiresAt = toMillis(next.ExpiresAt)
	}
	if err := checkSession(next); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.sessions.Add(key, next)
	return e.writeLocked(ctx, key, next)
}

// ConfirmUsername locks the username for key. It can succeed only once.
//
// A non-nil *PersistenceError alongside the name means the username is set
// in memory but was not stored.
func (e *Engine) ConfirmUsername(ctx context.Context, key, candidate string) (string, error) {
	name := strings.TrimSpace(candidate)
	if utf8.RuneCountInString(name) < MinUsernameLength {
		metrics.OperationsRejected.WithLabelValues("confirm_username", "validation").Inc()
		return "", fmt.Errorf("%w: username must be at least %d characters", ErrValidation, MinUsernameLength)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.sessionLocked(ctx, key)
	if err != nil {
		return "", err
	}
	if s.UsernameLocked() {
		metrics.OperationsRejected.WithLabelValues("confirm_username", "already_set").Inc()
		return "", ErrUsernameAlreadySet
	}

	next := s.Clone()
	next.Username = name
	e.sessions.Add(key, next)
	metrics.UsernamesConfirmed.Inc()

	e.logger.Info().
		Str("identity", key).
		Str("username", name).
		Msg("Username confirmed")

	return name, e.writeLocked(ctx, key, next)
}

// StartAccrual begins a new Period at now.
//
// A finished period is folded into AccumulatedTotal first, so the new
// period compounds on top of it. The new session is stored before it is
// returned; a non-nil *PersistenceError means only the in-memory copy changed.
func (e *Engine) StartAccrual(ctx context.Context, key string, now time.Time) (*Session, error) {
	now = toMillis(now)

	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.sessionLocked(ctx, key)
	if err != nil {
		return nil, err
	}
	if !s.UsernameLocked() {
		metrics.OperationsRejected.WithLabelValues("start_accrual", "username_required").Inc()
		return nil, ErrUsernameRequired
	}
	if s.Accruing(now) {
		metrics.OperationsRejected.WithLabelValues("start_accrual", "already_active").Inc()
		return nil, ErrAlreadyActive
	}

	next := s.Clone()
	e.settleLocked(key, next, now)
	next.StartedAt = now
	next.ExpiresAt = now.Add(Period)
	e.sessions.Add(key, next)
	metrics.AccrualsStarted.Inc()

	e.logger.Info().
		Str("identity", key).
		Time("started_at", next.StartedAt).
		Time("expires_at", next.ExpiresAt).
		Float64("accumulated_total", next.AccumulatedTotal).
		Msg("Accrual period started")

	return next.Clone(), e.writeLocked(ctx, key, next)
}

// AddReferral appends a referral to the team for key. Handles are unique.
func (e *Engine) AddReferral(ctx context.Context, key string, referral Referral, now time.Time) (*Session, error) {
	referral.Name = strings.TrimSpace(referral.Name)
	referral.Handle = strings.TrimSpace(referral.Handle)
	if referral.Name == "" || referral.Handle == "" {
		return nil, fmt.Errorf("%w: referral needs a name and a handle", ErrValidation)
	}

	return e.mutate(ctx, key, now, func(s *Session) error {
		if s.referralIndex(referral.Handle) >= 0 {
			return fmt.Errorf("%w: %s", ErrReferralExists, referral.Handle)
		}
		s.Referrals = append(s.Referrals, referral)
		return nil
	})
}

// SetReferralActive flips a referral's activity, changing the effective rate.
func (e *Engine) SetReferralActive(ctx context.Context, key, handle string, active bool, now time.Time) (*Session, error) {
	handle = strings.TrimSpace(handle)
	return e.mutate(ctx, key, now, func(s *Session) error {
		i := s.referralIndex(handle)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrReferralNotFound, handle)
		}
		s.Referrals[i].Active = active
		return nil
	})
}

// InactiveReferrals lists team members that do not currently boost the rate.
func (e *Engine) InactiveReferrals(ctx context.Context, key string) ([]Referral, error) {
	s, err := e.Session(ctx, key)
	if err != nil {
		return nil, err
	}
	inactive := make([]Referral, 0, len(s.Referrals))
	for _, r := range s.Referrals {
		if !r.Active {
			inactive = append(inactive, r)
		}
	}
	return inactive, nil
}

// ShareText returns the invitation message for key.
func (e *Engine) ShareText(ctx context.Context, key string) (string, error) {
	s, err := e.Session(ctx, key)
	if err != nil {
		return "", err
	}
	if !s.UsernameLocked() {
		return "", ErrUsernameRequired
	}
	return fmt.Sprintf("Join me on IdeaQ — my username: %s", s.Username), nil
}

// Recover restores the record for key from the backup mirror when the
// stored record is missing or corrupt. A valid stored record is returned
// unchanged.
func (e *Engine) Recover(ctx context.Context, key string) (*Session, error) {
	existing, err := e.LoadSession(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		e.mu.Lock()
		e.sessions.Add(key, existing.Clone())
		e.mu.Unlock()
		return existing, nil
	}

	data, err := e.store.Get(ctx, BackupKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoBackup
	}
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues("load_backup").Inc()
		return nil, &PersistenceError{Op: "load_backup", Key: key, Err: err}
	}

	backup, err := decodeBackup(data)
	if err != nil || backup.IdentityKey != key {
		return nil, ErrNoBackup
	}
	restored, err := decodeSession(backup.Record)
	if err != nil {
		metrics.CorruptRecords.Inc()
		return nil, ErrNoBackup
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.sessions.Add(key, restored)
	e.logger.Info().Str("identity", key).Msg("Session restored from backup")

	return restored.Clone(), e.writeLocked(ctx, key, restored)
}

// Identities lists identity keys that have a stored record.
func (e *Engine) Identities(ctx context.Context) ([]string, error) {
	keys, err := e.store.Keys(ctx, recordKeyPrefix)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Key: recordKeyPrefix, Err: err}
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if id, ok := IdentityFromRecordKey(k); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Forget drops the in-memory copy for key, leaving the stored record intact.
// The API's sign-out route calls it.
func (e *Engine) Forget(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions.Remove(key)
}

// mutate applies fn to a copy of the session, settling any finished period
// first so its amount is fixed at the rate that applied during it.
func (e *Engine) mutate(ctx context.Context, key string, now time.Time, fn func(*Session) error) (*Session, error) {
	now = toMillis(now)

	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.sessionLocked(ctx, key)
	if err != nil {
		return nil, err
	}

	next := s.Clone()
	e.settleLocked(key, next, now)
	if err := fn(next); err != nil {
		return nil, err
	}
	e.sessions.Add(key, next)

	return next.Clone(), e.writeLocked(ctx, key, next)
}

func (e *Engine) settleLocked(key string, s *Session, now time.Time) {
	folded := settle(s, now)
	if folded == 0 {
		return
	}
	metrics.PeriodAmountFolded.Add(folded)
	e.logger.Debug().
		Str("identity", key).
		Float64("folded", folded).
		Float64("accumulated_total", s.AccumulatedTotal).
		Msg("Finished period folded into running total")
}

// sessionLocked returns the cached session, loading or creating it (must be called with lock held)
func (e *Engine) sessionLocked(ctx context.Context, key string) (*Session, error) {
	if s, ok := e.sessions.Get(key); ok {
		return s, nil
	}

	s, err := e.LoadSession(ctx, key)
	if err != nil {
		// Not cached: a fresh session written over an unreadable record would destroy it
		return nil, err
	}
	if s == nil {
		s = e.newSession()
		e.logger.Debug().Str("identity", key).Msg("Created new session")
	}
	e.sessions.Add(key, s)
	return s, nil
}

func (e *Engine) newSession() *Session {
	return &Session{
		BaseRate:  e.cfg.BaseRate,
		Referrals: append([]Referral{}, e.cfg.SeedReferrals...),
	}
}

// writeLocked stores the whole record for key and mirrors it to the backup (must be called with lock held)
func (e *Engine) writeLocked(ctx context.Context, key string, s *Session) error {
	data, err := encodeSession(s)
	if err != nil {
		return &PersistenceError{Op: "persist", Key: key, Err: err}
	}

	if err := e.store.Set(ctx, RecordKey(key), data); err != nil {
		metrics.PersistenceErrors.WithLabelValues("persist").Inc()
		e.logger.Error().Err(err).Str("identity", key).Msg("Failed to persist session")
		return &PersistenceError{Op: "persist", Key: key, Err: err}
	}

	if !e.cfg.BackupEnabled {
		return nil
	}

	backup, err := encodeBackup(key, data)
	if err == nil {
		err = e.store.Set(ctx, BackupKey, backup)
	}
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues("backup").Inc()
		e.logger.Error().Err(err).Str("identity", key).Msg("Failed to write session backup")
		return &PersistenceError{Op: "backup", Key: key, Err: err}
	}

	return nil
}
